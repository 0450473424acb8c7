package grove

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const minLeaseDuration = 10 * time.Millisecond

func (s *service) AcquireAdvisoryLock(ctx context.Context, name string, lease time.Duration) (*AdvisoryLock, error) {
	if err := validateLockArgs(name, lease); err != nil {
		return nil, err
	}
	return s.repository.AcquireLock(ctx, name, uuid.New(), lease)
}

func (s *service) RenewAdvisoryLock(ctx context.Context, name string, handle uuid.UUID, lease time.Duration) (*AdvisoryLock, error) {
	if err := validateLockArgs(name, lease); err != nil {
		return nil, err
	}
	if handle == uuid.Nil {
		return nil, fmt.Errorf("%w: renew requires a lock handle", ErrBadRequest)
	}
	return s.repository.RenewLock(ctx, name, handle, lease)
}

func (s *service) ReleaseAdvisoryLock(ctx context.Context, name string, handle uuid.UUID) error {
	if name == "" {
		return fmt.Errorf("%w: lock name is required", ErrBadRequest)
	}
	if handle == uuid.Nil {
		return fmt.Errorf("%w: release requires a lock handle", ErrBadRequest)
	}
	return s.repository.ReleaseLock(ctx, name, handle)
}

func (s *service) SweepExpiredLocks(ctx context.Context) (int, error) {
	return s.repository.DeleteExpiredLocks(ctx)
}

func validateLockArgs(name string, lease time.Duration) error {
	if name == "" {
		return fmt.Errorf("%w: lock name is required", ErrBadRequest)
	}
	if lease < minLeaseDuration {
		return fmt.Errorf("%w: lease duration must be at least %s", ErrBadRequest, minLeaseDuration)
	}
	return nil
}
