package agent

import (
	"context"
	"fmt"

	"gg_jobs_agent/internal/domain/model"
)

// Executor performs the work of one job execution and returns the status
// details to report. A nil error reports SUCCEEDED; an error wrapping
// common.ErrJobRejected reports REJECTED; any other error reports FAILED.
type Executor func(ctx context.Context, exec model.JobExecution) (map[string]string, error)

// NoopExecutor does no work and always succeeds.
func NoopExecutor(_ context.Context, _ model.JobExecution) (map[string]string, error) {
	return map[string]string{"myState": "done"}, nil
}

// runExecutor turns a panicking executor into a FAILED job instead of a dead handler.
func runExecutor(ctx context.Context, ex Executor, exec model.JobExecution) (details map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			details = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return ex(ctx, exec)
}
