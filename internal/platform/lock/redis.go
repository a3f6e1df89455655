package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gg_jobs_agent/internal/common"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker is a SET NX PX lease shared by every agent process pointed at
// the same key. The TTL bounds how long a crashed holder blocks the device.
type RedisLocker struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLocker(rdb *redis.Client, key string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, key: key, ttl: ttl, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, jobID string) (Lease, error) {
	lockValue := jobID + ":" + uuid.NewString() // Unique value for this lock instance

	ok, err := l.rdb.SetNX(ctx, l.key, lockValue, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s for job %s: %v: %w", l.key, jobID, err, common.ErrJobLockFailed)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s busy, job %s not started: %w", l.key, jobID, common.ErrJobLockFailed)
	}
	l.logger.Debug("acquired job lock", "key", l.key, "job_id", jobID, "lock_value", lockValue)
	return &redisLease{locker: l, jobID: jobID, value: lockValue}, nil
}

type redisLease struct {
	locker *RedisLocker
	jobID  string
	value  string
}

func (r *redisLease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, r.locker.rdb, []string{r.locker.key}, r.value).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s (job %s): %w", r.locker.key, r.jobID, err)
	}
	if deleted == 1 {
		r.locker.logger.Debug("released job lock", "key", r.locker.key, "job_id", r.jobID)
	} else {
		r.locker.logger.Warn("job lock not released; it expired or was taken by another holder",
			"key", r.locker.key, "job_id", r.jobID)
	}
	return nil
}
