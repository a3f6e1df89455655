package lock

import (
	"context"
	"fmt"
	"sync"

	"gg_jobs_agent/internal/common"
)

type MemoryLocker struct {
	mu     sync.Mutex
	holder string
	held   bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{}
}

func (l *MemoryLocker) Acquire(_ context.Context, jobID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, fmt.Errorf("lock held by job %s: %w", l.holder, common.ErrJobLockFailed)
	}
	l.held = true
	l.holder = jobID
	return &memoryLease{locker: l, jobID: jobID}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	jobID  string
	once   sync.Once
}

func (m *memoryLease) Release(_ context.Context) error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		defer m.locker.mu.Unlock()
		if m.locker.held && m.locker.holder == m.jobID {
			m.locker.held = false
			m.locker.holder = ""
		}
	})
	return nil
}
