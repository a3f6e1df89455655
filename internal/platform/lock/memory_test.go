package lock

import (
	"context"
	"errors"
	"testing"

	"gg_jobs_agent/internal/common"
)

func TestMemoryLockerSingleHolder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	lease, err := l.Acquire(ctx, "J1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "J2"); !errors.Is(err, common.ErrJobLockFailed) {
		t.Fatalf("expected ErrJobLockFailed, got %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := l.Acquire(ctx, "J2")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}

	// A stale lease must not free the lock of the new holder.
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := l.Acquire(ctx, "J3"); !errors.Is(err, common.ErrJobLockFailed) {
		t.Errorf("stale release freed the lock: %v", err)
	}
	_ = second.Release(ctx)
}
