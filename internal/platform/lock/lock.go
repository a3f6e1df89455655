// Package lock guards the one-job-at-a-time invariant beyond a single
// process. The agent takes the lock when a job begins and releases it once
// the terminal status has been reported.
package lock

import "context"

// Locker hands out at most one lease at a time.
type Locker interface {
	// Acquire returns common.ErrJobLockFailed (wrapped) when another holder owns the lock.
	Acquire(ctx context.Context, jobID string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}
