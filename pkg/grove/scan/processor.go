// Package scan runs the background sweep over entities marked dirty by
// schema changes. One processor runs per cluster, guarded by an advisory
// lock, so revalidation and reindexing never run twice concurrently.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/grovecms/grove/pkg/grove"
)

const processorLockName = "dirty-entity-processor"

// Options configures the processor.
type Options struct {
	// BatchSize controls how many entities one sweep iteration processes
	// (default: 100).
	BatchSize int

	// Interval is the pause between sweep ticks (default: 10s).
	Interval time.Duration

	// Lease is the advisory-lock lease duration; a timer renews it while
	// the sweep is draining (default: 30s).
	Lease time.Duration

	// Logger receives per-tick progress and failures.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	if out.Interval <= 0 {
		out.Interval = 10 * time.Second
	}
	if out.Lease <= 0 {
		out.Lease = 30 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Processor is the singleton background dirty-entity sweeper.
type Processor struct {
	svc  grove.Service
	opts Options
}

// New creates a processor over the given service.
func New(svc grove.Service, opts Options) *Processor {
	return &Processor{svc: svc, opts: opts.withDefaults()}
}

// Run ticks until the context is cancelled. A failed iteration is logged
// and retried on the next tick, never fatal.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.opts.Logger.Error("dirty entity sweep failed", "error", err)
			}
		}
	}
}

// tick acquires the cluster-wide lock and drains the dirty set in batches.
// A lock conflict means another process holds the sweep; that is not an
// error.
func (p *Processor) tick(ctx context.Context) error {
	lock, err := p.svc.AcquireAdvisoryLock(ctx, processorLockName, p.opts.Lease)
	if err != nil {
		if errors.Is(err, grove.ErrConflict) {
			return nil
		}
		return err
	}
	defer func() {
		if err := p.svc.ReleaseAdvisoryLock(context.WithoutCancel(ctx), lock.Name, lock.Handle); err != nil && !errors.Is(err, grove.ErrNotFound) {
			p.opts.Logger.Warn("failed to release sweep lock", "error", err)
		}
	}()

	if swept, err := p.svc.SweepExpiredLocks(ctx); err != nil {
		p.opts.Logger.Warn("failed to sweep expired locks", "error", err)
	} else if swept > 0 {
		p.opts.Logger.Info("swept expired advisory locks", "count", swept)
	}

	// Renew on a timer rather than between batches; a batch slower than
	// the lease must not let a second sweeper start mid-drain.
	drainCtx, stopRenewal := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(p.opts.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-drainCtx.Done():
				return
			case <-ticker.C:
				if _, err := p.svc.RenewAdvisoryLock(drainCtx, lock.Name, lock.Handle, p.opts.Lease); err != nil {
					stopRenewal(err)
					return
				}
			}
		}
	}()
	defer func() {
		stopRenewal(nil)
		<-renewDone
	}()

	total := 0
	for {
		if drainCtx.Err() != nil {
			return context.Cause(drainCtx)
		}
		result, err := p.svc.ProcessDirtyEntities(drainCtx, p.opts.BatchSize)
		if err != nil {
			return err
		}
		total += result.Processed
		if !result.Remaining {
			break
		}
	}
	if total > 0 {
		p.opts.Logger.Info("processed dirty entities", "count", total)
	}
	return nil
}
