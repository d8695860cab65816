package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys holding the shared scheduler state. Every process observes the
// same armed tick through these.
const (
	schedulerNextExecutionKey = "scheduler:nextExecutionAt"
	schedulerActiveJobIDKey   = "scheduler:activeJobId"
	schedulerLockKey          = "scheduler:lock"
)

// Lua script for safe lock release: only the holder may delete the key.
const schedulerUnlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// SchedulerStateRepo implements the SchedulerState interface using Redis.
type SchedulerStateRepo struct {
	client redis.UniversalClient
}

// NewSchedulerStateRepo creates a new SchedulerStateRepo with the given Redis client.
func NewSchedulerStateRepo(client redis.UniversalClient) *SchedulerStateRepo {
	return &SchedulerStateRepo{client: client}
}

// GetNextExecution returns the armed firing instant, or nil when the
// scheduler is idle.
func (r *SchedulerStateRepo) GetNextExecution(ctx context.Context) (*time.Time, error) {
	result, err := r.client.Get(ctx, schedulerNextExecutionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get next execution: %w", err)
	}

	ms, err := strconv.ParseInt(result, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse next execution %q: %w", result, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// SetNextExecution records the armed instant and the queue job backing it.
// Both keys are written in one pipeline so readers never see a half-armed
// scheduler.
func (r *SchedulerStateRepo) SetNextExecution(ctx context.Context, at time.Time, jobID string) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, schedulerNextExecutionKey, strconv.FormatInt(at.UnixMilli(), 10), 0)
	pipe.Set(ctx, schedulerActiveJobIDKey, jobID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set next execution: %w", err)
	}
	return nil
}

// GetActiveJobID returns the ID of the queue job backing the armed tick, or
// empty when idle.
func (r *SchedulerStateRepo) GetActiveJobID(ctx context.Context) (string, error) {
	result, err := r.client.Get(ctx, schedulerActiveJobIDKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis get active job id: %w", err)
	}
	return result, nil
}

// Clear drops both state keys, returning the scheduler to idle.
func (r *SchedulerStateRepo) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, schedulerNextExecutionKey, schedulerActiveJobIDKey).Err(); err != nil {
		return fmt.Errorf("redis clear scheduler state: %w", err)
	}
	return nil
}

// AcquireLock takes the scheduler mutation lock. Uses SET with NX + TTL
// atomically; SETNX followed by EXPIRE would race under concurrency.
func (r *SchedulerStateRepo) AcquireLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, errors.New("owner cannot be empty")
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	cmd := r.client.SetArgs(ctx, schedulerLockKey, owner, redis.SetArgs{Mode: "NX", TTL: ttl})
	status, err := cmd.Result()
	if err != nil {
		// NX not met: Redis returns a nil reply, surfaced as redis.Nil.
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	return status == "OK", nil
}

// ReleaseLock frees the lock if still held by owner. A lock that expired and
// was taken by someone else is left alone.
func (r *SchedulerStateRepo) ReleaseLock(ctx context.Context, owner string) error {
	if owner == "" {
		return errors.New("owner cannot be empty")
	}
	if err := r.client.Eval(ctx, schedulerUnlockScript, []string{schedulerLockKey}, owner).Err(); err != nil {
		return fmt.Errorf("redis release lock: %w", err)
	}
	return nil
}
