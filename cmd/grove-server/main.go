package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/grovecms/grove/pkg/grove"
	"github.com/grovecms/grove/pkg/grove/api"
	"github.com/grovecms/grove/pkg/grove/config"
	"github.com/grovecms/grove/pkg/grove/scan"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := cfg.BuildRepository(ctx)
	if err != nil {
		return err
	}

	svc, err := grove.New(ctx,
		grove.WithRepository(repo),
		grove.WithLogger(logger),
		grove.WithSession(grove.Session{Subject: "server"}),
	)
	if err != nil {
		return err
	}

	// Background sweep for entities left dirty by schema updates.
	processor := scan.New(svc, scan.Options{
		BatchSize: cfg.ProcessorBatchSize,
		Interval:  cfg.ProcessorInterval,
		Logger:    logger,
	})
	go func() {
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dirty entity processor stopped", "error", err)
		}
	}()

	router := chi.NewRouter()
	handler := api.NewHandler(svc, logger)
	router.Mount("/api/v1", handler.Routes())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
