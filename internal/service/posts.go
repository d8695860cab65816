package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/data"
	"github.com/postpilot/postpilot/internal/domain/model"
	"github.com/postpilot/postpilot/internal/domain/schedule"
	apperrors "github.com/postpilot/postpilot/internal/errors"
)

// PostService exposes the user-facing post lifecycle operations: create,
// schedule, cancel, retry, publish-now, and the stuck-post sweep.
type PostService struct {
	posts        core.PostRepository
	queue        core.JobQueue
	events       core.SchedulerEvents
	cfg          PostServiceConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// PostServiceConfig holds tunables for post lifecycle operations.
type PostServiceConfig struct {
	// Timezone is the zone recurrence math runs in.
	Timezone string
	// StuckAfter is how long a publishing post may sit without progress
	// before FixStuckPosts resolves it.
	StuckAfter time.Duration
}

// DefaultPostServiceConfig returns the default post service tunables.
func DefaultPostServiceConfig() PostServiceConfig {
	return PostServiceConfig{
		Timezone:   schedule.DefaultTimezone,
		StuckAfter: 5 * time.Minute,
	}
}

// PostServiceOptions holds the dependencies for creating a PostService.
type PostServiceOptions struct {
	Posts        core.PostRepository
	Queue        core.JobQueue
	Events       core.SchedulerEvents
	Config       *PostServiceConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewPostService creates a new PostService with the given dependencies.
func NewPostService(opts PostServiceOptions) *PostService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := DefaultPostServiceConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	return &PostService{
		posts:        opts.Posts,
		queue:        opts.Queue,
		events:       opts.Events,
		cfg:          cfg,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
	}
}

// CreatePost creates a new post in draft status.
func (s *PostService) CreatePost(ctx context.Context, req *model.CreatePostRequest) (*model.Post, error) {
	return s.posts.Create(ctx, req)
}

// GetPost retrieves a post by ID.
func (s *PostService) GetPost(ctx context.Context, id string) (*model.Post, error) {
	return s.posts.GetByID(ctx, id)
}

// ListPosts returns posts matching the given options.
func (s *PostService) ListPosts(ctx context.Context, opts model.PostListOptions) ([]*model.Post, error) {
	return s.posts.List(ctx, opts)
}

// SchedulePost attaches a schedule to a draft post and arms the scheduler.
// The first firing instant must be in the future.
func (s *PostService) SchedulePost(ctx context.Context, id string, cfg *model.ScheduleConfig) (*model.Post, error) {
	if cfg == nil {
		return nil, apperrors.Validation("schedule config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule")
	}

	post, err := s.posts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(post.Status, model.PostStatusScheduled) {
		return nil, apperrors.Conflict(
			fmt.Sprintf("post in status %q cannot be scheduled", post.Status))
	}

	now := s.timeProvider.Now()
	firstAt := cfg.ScheduledAt
	if !firstAt.After(now) {
		// Recurring patterns may carry a historical anchor; roll forward.
		loc := schedule.LoadLocation(s.cfg.Timezone)
		next, occErr := schedule.NextOccurrence(cfg, now, loc)
		if occErr != nil {
			return nil, apperrors.Wrap(occErr, apperrors.ErrCodeValidation, "invalid schedule")
		}
		if next == nil {
			return nil, apperrors.Validation("scheduled time must be in the future")
		}
		firstAt = *next
	}

	stored := *cfg
	stored.ScheduledAt = firstAt
	scheduled := model.PostStatusScheduled
	updated, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields: model.UpdatePostFields{
			Status:         &scheduled,
			ScheduledAt:    &firstAt,
			ScheduleConfig: &stored,
			ClearError:     true,
		},
	})
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		if err := s.events.OnPostScheduled(ctx, firstAt); err != nil {
			s.logger.ErrorContext(ctx, "notify scheduler failed",
				"post_id", post.ID,
				"error", err,
			)
		}
	}

	s.logger.InfoContext(ctx, "post scheduled",
		"post_id", post.ID,
		"scheduled_at", firstAt.UTC(),
		"pattern", stored.Pattern,
	)
	return updated, nil
}

// CancelScheduled returns a scheduled post to draft and lets the scheduler
// recompute its armed tick. A post already claimed by a tick cannot be
// cancelled.
func (s *PostService) CancelScheduled(ctx context.Context, id string) (*model.Post, error) {
	post, err := s.posts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if post.Status != model.PostStatusScheduled {
		return nil, apperrors.Conflict(
			fmt.Sprintf("post in status %q is not scheduled", post.Status))
	}

	draft := model.PostStatusDraft
	updated, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields: model.UpdatePostFields{
			Status:          &draft,
			SetNullSchedule: true,
		},
	})
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		if err := s.events.OnPostCancelled(ctx); err != nil {
			s.logger.ErrorContext(ctx, "notify scheduler failed",
				"post_id", post.ID,
				"error", err,
			)
		}
	}

	s.logger.InfoContext(ctx, "scheduled post cancelled", "post_id", post.ID)
	return updated, nil
}

// PublishNow claims a draft or scheduled post and enqueues its publish job
// immediately, bypassing the scheduler.
func (s *PostService) PublishNow(ctx context.Context, id string) (*model.Post, error) {
	post, err := s.posts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(post.Status, model.PostStatusPublishing) {
		return nil, apperrors.Conflict(
			fmt.Sprintf("post in status %q cannot be published", post.Status))
	}
	return s.claimAndEnqueue(ctx, post)
}

// RetryFailed re-attempts a post that terminated in failed. The error record
// is cleared and the post goes straight back through the publish pipeline.
func (s *PostService) RetryFailed(ctx context.Context, id string) (*model.Post, error) {
	post, err := s.posts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if post.Status != model.PostStatusFailed {
		return nil, apperrors.Conflict(
			fmt.Sprintf("post in status %q is not failed", post.Status))
	}

	draft := model.PostStatusDraft
	reset, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields: model.UpdatePostFields{
			Status:          &draft,
			ClearError:      true,
			SetNullProgress: true,
		},
	})
	if err != nil {
		return nil, err
	}
	return s.claimAndEnqueue(ctx, reset)
}

func (s *PostService) claimAndEnqueue(ctx context.Context, post *model.Post) (*model.Post, error) {
	publishing := model.PostStatusPublishing
	updated, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields:          model.UpdatePostFields{Status: &publishing},
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(model.PublishJobPayload{
		PostID:    post.ID,
		AccountID: post.AccountID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal publish payload: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, &model.EnqueueJobRequest{
		Type:    model.JobTypePublish,
		Key:     model.PublishJobKey(post.ID, s.timeProvider.Now().UnixMilli()),
		Payload: payload,
	}); err != nil {
		return nil, fmt.Errorf("enqueue publish job: %w", err)
	}

	s.logger.InfoContext(ctx, "immediate publish enqueued", "post_id", post.ID)
	return updated, nil
}

// FixStuckPosts resolves publishing posts whose progress stopped advancing.
// A post whose platform ID exists actually published; the rest failed with
// the worker. Returns the number of posts resolved.
func (s *PostService) FixStuckPosts(ctx context.Context) (int, error) {
	stuck, err := s.posts.ListStuckPublishing(ctx, s.cfg.StuckAfter)
	if err != nil {
		return 0, fmt.Errorf("list stuck posts: %w", err)
	}

	fixed := 0
	for _, post := range stuck {
		resolved, err := s.fixStuckPost(ctx, post)
		if err != nil {
			s.logger.ErrorContext(ctx, "fix stuck post failed",
				"post_id", post.ID,
				"error", err,
			)
			continue
		}
		if resolved {
			fixed++
		}
	}
	return fixed, nil
}

func (s *PostService) fixStuckPost(ctx context.Context, post *model.Post) (bool, error) {
	// Skip posts still under an unexpired execution lock; the worker may
	// just be slow.
	if post.Lock != nil && !post.Lock.Expired(s.timeProvider.Now()) {
		return false, nil
	}

	fields := model.UpdatePostFields{SetNullProgress: true}
	if post.PlatformPostID != nil {
		published := model.PostStatusPublished
		fields.Status = &published
		if post.PublishedAt == nil {
			now := s.timeProvider.Now().UTC()
			fields.PublishedAt = &now
		}
	} else {
		failed := model.PostStatusFailed
		msg := "publishing stalled without reaching the platform"
		cat := string(apperrors.CategoryTransient)
		action := "Retry the post."
		fields.Status = &failed
		fields.LastError = &msg
		fields.ErrorCategory = &cat
		fields.SuggestedAction = &action
	}

	_, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields:          fields,
	})
	if err != nil {
		if apperrors.IsVersionConflict(err) {
			// Something else moved the post; leave it alone.
			return false, nil
		}
		return false, err
	}
	s.logger.WarnContext(ctx, "stuck post resolved",
		"post_id", post.ID,
		"status", *fields.Status,
	)
	return true, nil
}
