// Package service provides business logic services for the postpilot
// publishing engine.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/data"
	"github.com/postpilot/postpilot/internal/domain/model"
	apperrors "github.com/postpilot/postpilot/internal/errors"
)

// SchedulerService maintains the event-driven scheduler: at most one armed
// tick job at a time, always for the earliest pending firing instant. Post
// mutations call the SchedulerEvents methods; the tick worker calls
// ProcessDueTick when the armed job fires.
//
// Concurrency safety: all state mutations run under the Redis scheduler lock,
// so concurrent schedule/cancel calls from multiple processes serialize.
type SchedulerService struct {
	posts        core.PostRepository
	queue        core.JobQueue
	state        core.SchedulerState
	cfg          SchedulerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	instanceID   string
}

// SchedulerConfig holds tunables for the scheduler service.
type SchedulerConfig struct {
	// BatchWindow groups posts due within this window into one tick firing.
	BatchWindow time.Duration
	// LockTTL bounds how long the scheduler mutation lock may be held.
	LockTTL time.Duration
	// LockRetries is how many times to retry acquiring the mutation lock.
	// Backoff grows by 100ms per attempt, so the default of 10 waits about
	// five seconds before giving up.
	LockRetries int
	// RearmRetries is how many re-arm attempts to make after a tick before
	// dropping to the cleared-state fallback.
	RearmRetries int
}

// DefaultSchedulerConfig returns the default scheduler tunables.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchWindow:  5 * time.Second,
		LockTTL:      10 * time.Second,
		LockRetries:  10,
		RearmRetries: 3,
	}
}

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Posts        core.PostRepository
	Queue        core.JobQueue
	State        core.SchedulerState
	Config       *SchedulerConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := DefaultSchedulerConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	return &SchedulerService{
		posts:        opts.Posts,
		queue:        opts.Queue,
		state:        opts.State,
		cfg:          cfg,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
		instanceID:   uuid.NewString(),
	}
}

// withLock runs fn under the Redis scheduler mutation lock, retrying briefly
// when another process holds it.
func (s *SchedulerService) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	retries := s.cfg.LockRetries
	if retries < 1 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		ok, err := s.state.AcquireLock(ctx, s.instanceID, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire scheduler lock: %w", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
			}
			continue
		}

		defer func() {
			if releaseErr := s.state.ReleaseLock(context.WithoutCancel(ctx), s.instanceID); releaseErr != nil {
				s.logger.WarnContext(ctx, "release scheduler lock failed", "error", releaseErr)
			}
		}()
		return fn(ctx)
	}
	return fmt.Errorf("scheduler lock busy after %d attempts", retries)
}

// OnPostScheduled signals that a post now fires at the given instant. The
// armed tick is pulled earlier when the new post fires before it; a later
// post leaves the armed tick alone.
func (s *SchedulerService) OnPostScheduled(ctx context.Context, at time.Time) error {
	return s.withLock(ctx, func(ctx context.Context) error {
		next, err := s.state.GetNextExecution(ctx)
		if err != nil {
			return err
		}
		if next != nil && !at.Before(*next) {
			return nil
		}
		return s.armLocked(ctx, at)
	})
}

// OnPostCancelled signals that a scheduled post was removed. The armed tick is
// recomputed from the store; with nothing left the scheduler goes idle.
func (s *SchedulerService) OnPostCancelled(ctx context.Context) error {
	return s.withLock(ctx, s.rearmFromStoreLocked)
}

// Initialize rebuilds the armed state from the store on startup. Recovers
// from lost Redis state and ticks that died mid-flight.
func (s *SchedulerService) Initialize(ctx context.Context) error {
	return s.withLock(ctx, s.rearmFromStoreLocked)
}

// ScheduleImmediateCheck arms a tick for right now, bypassing the earliest-
// wins comparison. Used by publish-now flows and admin tooling.
func (s *SchedulerService) ScheduleImmediateCheck(ctx context.Context) error {
	return s.withLock(ctx, func(ctx context.Context) error {
		return s.armLocked(ctx, s.timeProvider.Now())
	})
}

// rearmFromStoreLocked recomputes the armed tick from the earliest scheduled
// post. Caller must hold the scheduler lock.
func (s *SchedulerService) rearmFromStoreLocked(ctx context.Context) error {
	min, err := s.posts.MinScheduledAt(ctx)
	if err != nil {
		return fmt.Errorf("find earliest scheduled post: %w", err)
	}
	if min == nil {
		return s.disarmLocked(ctx)
	}

	next, err := s.state.GetNextExecution(ctx)
	if err != nil {
		return err
	}
	if next != nil && next.Equal(*min) {
		ok, err := s.armedJobRunnable(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		s.logger.WarnContext(ctx, "armed tick job is dead; re-arming", "armed", next)
	}
	return s.armLocked(ctx, *min)
}

// armedJobRunnable reports whether the queue job backing the armed tick still
// exists as pending or running. A tick that failed terminally leaves Redis
// pointing at a dead job; trusting that state would stall the scheduler until
// someone intervened.
func (s *SchedulerService) armedJobRunnable(ctx context.Context) (bool, error) {
	jobID, err := s.state.GetActiveJobID(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}

	job, err := s.queue.GetByID(ctx, jobID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("load armed tick job: %w", err)
	}
	return job.Status == model.JobStatusPending || job.Status == model.JobStatusRunning, nil
}

// armLocked replaces the armed tick with one firing at the given instant.
// Caller must hold the scheduler lock.
func (s *SchedulerService) armLocked(ctx context.Context, at time.Time) error {
	if err := s.removeArmedJobLocked(ctx); err != nil {
		return err
	}

	checkTime := at.UnixMilli()
	payload, err := json.Marshal(model.TickJobPayload{CheckTime: checkTime})
	if err != nil {
		return fmt.Errorf("marshal tick payload: %w", err)
	}

	scheduledAt := at
	job, err := s.queue.Enqueue(ctx, &model.EnqueueJobRequest{
		Type:        model.JobTypeSchedulerTick,
		Key:         model.TickJobKey(checkTime),
		Payload:     payload,
		ScheduledAt: &scheduledAt,
	})
	if err != nil {
		return fmt.Errorf("enqueue tick job: %w", err)
	}

	if err := s.state.SetNextExecution(ctx, at.UTC(), job.ID); err != nil {
		return fmt.Errorf("record armed tick: %w", err)
	}

	s.logger.InfoContext(ctx, "scheduler armed",
		"next_execution_at", at.UTC(),
		"job_id", job.ID,
	)
	return nil
}

// disarmLocked removes any armed tick and returns the scheduler to idle.
func (s *SchedulerService) disarmLocked(ctx context.Context) error {
	if err := s.removeArmedJobLocked(ctx); err != nil {
		return err
	}
	if err := s.state.Clear(ctx); err != nil {
		return fmt.Errorf("clear scheduler state: %w", err)
	}
	return nil
}

func (s *SchedulerService) removeArmedJobLocked(ctx context.Context) error {
	next, err := s.state.GetNextExecution(ctx)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	// A running tick cannot be removed; it will observe fresh store state
	// anyway. Pending and finished jobs are pulled so the key is free for
	// the replacement tick.
	if _, err := s.queue.RemoveByKey(ctx, model.TickJobKey(next.UnixMilli())); err != nil {
		return fmt.Errorf("remove armed tick job: %w", err)
	}
	return nil
}

// ProcessDueTick handles a fired tick job: claim every post due inside the
// batch window, hand each to the publish queue, then re-arm for the next
// earliest post. Duplicate tick firings are harmless since publish job keys
// are idempotent and post claims are version-guarded.
func (s *SchedulerService) ProcessDueTick(ctx context.Context, payload *model.TickJobPayload) error {
	now := s.timeProvider.Now()
	due, err := s.posts.ListScheduledDue(ctx, now.Add(s.cfg.BatchWindow))
	if err != nil {
		return fmt.Errorf("list due posts: %w", err)
	}

	for _, post := range due {
		if err := s.dispatchDuePost(ctx, post, payload.CheckTime); err != nil {
			s.logger.ErrorContext(ctx, "dispatch due post failed",
				"post_id", post.ID,
				"error", err,
			)
		}
	}

	return s.rearmAfterTick(ctx)
}

// dispatchDuePost claims one due post and enqueues its publish job. A version
// conflict means another tick got there first; that is not an error.
func (s *SchedulerService) dispatchDuePost(ctx context.Context, post *model.Post, checkTime int64) error {
	publishing := model.PostStatusPublishing
	if _, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields:          model.UpdatePostFields{Status: &publishing},
	}); err != nil {
		if apperrors.IsVersionConflict(err) {
			s.logger.DebugContext(ctx, "post already claimed by another tick", "post_id", post.ID)
			return nil
		}
		return fmt.Errorf("claim post: %w", err)
	}

	payload, err := json.Marshal(model.PublishJobPayload{
		PostID:    post.ID,
		AccountID: post.AccountID,
	})
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, &model.EnqueueJobRequest{
		Type:    model.JobTypePublish,
		Key:     model.PublishJobKey(post.ID, checkTime),
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("enqueue publish job: %w", err)
	}

	s.logger.InfoContext(ctx, "publish job enqueued", "post_id", post.ID)
	return nil
}

// rearmAfterTick re-arms the scheduler for the next earliest post, retrying
// with backoff. When every attempt fails the state is cleared so the periodic
// validator can rebuild it, rather than leaving a stale armed instant that
// would suppress future arming.
func (s *SchedulerService) rearmAfterTick(ctx context.Context) error {
	retries := s.cfg.RearmRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = s.withLock(ctx, func(ctx context.Context) error {
			if err := s.state.Clear(ctx); err != nil {
				return err
			}
			return s.rearmFromStoreLocked(ctx)
		})
		if lastErr == nil {
			return nil
		}
		s.logger.WarnContext(ctx, "scheduler re-arm failed",
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	if clearErr := s.state.Clear(ctx); clearErr != nil {
		s.logger.ErrorContext(ctx, "clear scheduler state failed", "error", clearErr)
	}
	return fmt.Errorf("re-arm scheduler: %w", lastErr)
}

// Validate reconciles the armed state against the store. Run periodically to
// self-heal after crashes between queue and Redis writes.
func (s *SchedulerService) Validate(ctx context.Context) error {
	return s.withLock(ctx, func(ctx context.Context) error {
		min, err := s.posts.MinScheduledAt(ctx)
		if err != nil {
			return fmt.Errorf("find earliest scheduled post: %w", err)
		}
		next, err := s.state.GetNextExecution(ctx)
		if err != nil {
			return err
		}

		switch {
		case min == nil && next == nil:
			return nil
		case min == nil:
			s.logger.WarnContext(ctx, "scheduler armed with no scheduled posts; disarming")
			return s.disarmLocked(ctx)
		case next == nil || !next.Equal(*min):
			s.logger.WarnContext(ctx, "scheduler state drift detected; re-arming",
				"armed", next,
				"earliest", min,
			)
			return s.armLocked(ctx, *min)
		default:
			ok, err := s.armedJobRunnable(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			s.logger.WarnContext(ctx, "armed tick job is dead; re-arming", "armed", next)
			return s.armLocked(ctx, *min)
		}
	})
}
