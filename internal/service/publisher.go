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
	"github.com/postpilot/postpilot/internal/domain/schedule"
	apperrors "github.com/postpilot/postpilot/internal/errors"
)

// Pipeline step names persisted into publishing progress.
const (
	StepValidating    = "validating"
	StepCheckingDupes = "checking_duplicates"
	StepCreating      = "creating_container"
	StepWaitingMedia  = "waiting_for_media"
	StepPublishing    = "publishing"
	StepCommenting    = "posting_comment"
	StepDone          = "done"
)

// PublisherConfig holds tunables for the publish pipeline.
type PublisherConfig struct {
	// DuplicationWindow is how far back identical published content blocks
	// a new publish.
	DuplicationWindow time.Duration
	// ExecutionLockTTL bounds one publish attempt's exclusive claim on a post.
	ExecutionLockTTL time.Duration
	// CommentDelay is the wait between publish and reply comment.
	CommentDelay time.Duration
	// CommentMaxRetries caps comment-only retry jobs per post.
	CommentMaxRetries int
	// CommentRetryDelay is the base delay for comment-only retries,
	// multiplied by the attempt number.
	CommentRetryDelay time.Duration
	// Timezone is the zone recurrence math runs in.
	Timezone string
}

// DefaultPublisherConfig returns the default pipeline tunables.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		DuplicationWindow: 24 * time.Hour,
		ExecutionLockTTL:  5 * time.Minute,
		CommentDelay:      30 * time.Second,
		CommentMaxRetries: 3,
		CommentRetryDelay: time.Minute,
		Timezone:          schedule.DefaultTimezone,
	}
}

// PublisherService runs the publish pipeline for one job at a time: duplicate
// guard, execution lock, platform publish, reply comment, recurrence advance.
// Errors it returns are classified; the worker routes them to the queue and
// this service applies the matching post rollback before returning.
type PublisherService struct {
	posts        core.PostRepository
	queue        core.JobQueue
	creds        core.CredentialRepository
	adapter      core.PlatformAdapter
	events       core.SchedulerEvents
	cfg          PublisherConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	instanceID   string
}

// PublisherServiceOptions holds the dependencies for creating a PublisherService.
type PublisherServiceOptions struct {
	Posts        core.PostRepository
	Queue        core.JobQueue
	Credentials  core.CredentialRepository
	Adapter      core.PlatformAdapter
	Events       core.SchedulerEvents
	Config       *PublisherConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewPublisherService creates a new PublisherService with the given dependencies.
func NewPublisherService(opts PublisherServiceOptions) *PublisherService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := DefaultPublisherConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	return &PublisherService{
		posts:        opts.Posts,
		queue:        opts.Queue,
		creds:        opts.Credentials,
		adapter:      opts.Adapter,
		events:       opts.Events,
		cfg:          cfg,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
		instanceID:   uuid.NewString(),
	}
}

// ProcessJob runs the publish pipeline for one queue job. A nil return means
// the job may be completed; a non-nil return carries a publish classification
// the worker uses to decide between retry and terminal failure. Post-side
// rollback for the failure has already been applied when this returns.
func (s *PublisherService) ProcessJob(ctx context.Context, job *model.Job) error {
	var payload model.PublishJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Fatal(apperrors.ReasonUnknown,
			"malformed publish payload", "Inspect the job payload.").WithCause(err)
	}

	post, err := s.posts.GetByID(ctx, payload.PostID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			// Post deleted between scheduling and firing; nothing to do.
			s.logger.InfoContext(ctx, "post gone before publish", "post_id", payload.PostID)
			return nil
		}
		return fmt.Errorf("load post: %w", err)
	}

	if payload.CommentOnlyRetry {
		return s.processCommentRetry(ctx, post)
	}

	// Idempotency: a duplicate job firing after a successful publish
	// observes the platform ID and completes without re-posting.
	if post.Status == model.PostStatusPublished && post.PlatformPostID != nil {
		s.logger.InfoContext(ctx, "post already published", "post_id", post.ID)
		return nil
	}
	if !post.CanPublish() {
		s.logger.InfoContext(ctx, "post not in publishable state",
			"post_id", post.ID,
			"status", post.Status,
		)
		return nil
	}

	owner := s.lockOwner(job.ID)
	locked, err := s.posts.ClaimExecutionLock(ctx, core.ClaimLockParams{
		PostID: post.ID,
		Owner:  owner,
		TTL:    s.cfg.ExecutionLockTTL,
	})
	if err != nil {
		return fmt.Errorf("claim execution lock: %w", err)
	}
	if !locked {
		return apperrors.Transient("lock_held",
			"post is being published by another worker",
			"Wait for the in-flight attempt to finish.")
	}
	defer s.releaseLock(ctx, post.ID, owner)

	if pubErr := s.publishLocked(ctx, post); pubErr != nil {
		s.rollback(ctx, post.ID, pubErr, job.LastAttempt())
		return pubErr
	}
	return nil
}

func (s *PublisherService) lockOwner(jobID string) string {
	return s.instanceID + ":" + jobID
}

func (s *PublisherService) releaseLock(ctx context.Context, postID, owner string) {
	if err := s.posts.ReleaseExecutionLock(context.WithoutCancel(ctx), postID, owner); err != nil {
		s.logger.WarnContext(ctx, "release execution lock failed",
			"post_id", postID,
			"error", err,
		)
	}
}

// publishLocked runs the pipeline with the execution lock held.
func (s *PublisherService) publishLocked(ctx context.Context, post *model.Post) error {
	cred, err := s.credential(ctx, post)
	if err != nil {
		return err
	}

	post, err = s.beginAttempt(ctx, post)
	if err != nil {
		return err
	}

	if err := s.checkDuplicate(ctx, post); err != nil {
		return err
	}

	result, err := s.adapter.PublishPost(ctx, &core.PublishRequest{
		Post:       post,
		Credential: cred,
		Progress:   s.progressRecorder(ctx, post.ID),
	})
	if err != nil {
		return err
	}

	post, err = s.recordPublished(ctx, post, result)
	if err != nil {
		// Platform publish succeeded but the store write failed. Surface as
		// transient so the retry observes platform_post_id and completes.
		return apperrors.Transient(apperrors.ReasonUnknown,
			"record publish result", "The system will reconcile automatically.").WithCause(err)
	}

	if post.HasComment() {
		s.publishComment(ctx, post, cred)
		// Reload so the recurrence step sees comment state.
		if fresh, getErr := s.posts.GetByID(ctx, post.ID); getErr == nil {
			post = fresh
		}
	}

	if err := s.advanceRecurrence(ctx, post); err != nil {
		s.logger.ErrorContext(ctx, "advance recurrence failed",
			"post_id", post.ID,
			"error", err,
		)
	}
	return nil
}

func (s *PublisherService) credential(ctx context.Context, post *model.Post) (*model.Credential, error) {
	var (
		cred *model.Credential
		err  error
	)
	if post.AccountID != nil && *post.AccountID != "" {
		cred, err = s.creds.Get(ctx, *post.AccountID)
	} else {
		cred, err = s.creds.GetDefault(ctx)
	}
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.Fatal(apperrors.ReasonAuthentication,
				"no platform credential configured",
				"Connect a Threads account before publishing.")
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}

	if cred.Expired(s.timeProvider.Now()) {
		return nil, apperrors.Fatal(apperrors.ReasonTokenExpired,
			"platform access token has expired",
			"Reconnect the Threads account to refresh the token.")
	}
	return cred, nil
}

// beginAttempt moves the post to publishing and stamps the content hash and
// initial progress. The status write matters on queue retries: a retryable
// rollback put the post back to scheduled, and a scheduled post must not reach
// the platform call. The hash is recomputed every attempt so edits between
// retries are detected.
func (s *PublisherService) beginAttempt(ctx context.Context, post *model.Post) (*model.Post, error) {
	now := s.timeProvider.Now().UTC()
	hash := post.ComputeContentHash()
	fields := model.UpdatePostFields{
		ContentHash: &hash,
		ClearError:  true,
		Progress: &model.PublishingProgress{
			Step:          StepValidating,
			StartedAt:     now,
			LastUpdatedAt: now,
			Status:        "running",
		},
	}
	if post.Status != model.PostStatusPublishing {
		publishing := model.PostStatusPublishing
		fields.Status = &publishing
	}
	return s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields:          fields,
	})
}

func (s *PublisherService) checkDuplicate(ctx context.Context, post *model.Post) error {
	dup, err := s.posts.FindRecentDuplicate(ctx, core.DuplicateLookupParams{
		ContentHash: post.ContentHash,
		Window:      s.cfg.DuplicationWindow,
		ExcludeID:   post.ID,
	})
	if err != nil {
		return fmt.Errorf("duplicate lookup: %w", err)
	}
	if dup != nil {
		return apperrors.Fatal(apperrors.ReasonDuplicateContent,
			fmt.Sprintf("identical content was published recently (post %s)", dup.ID),
			"Change the content or wait for the duplication window to pass.")
	}
	return nil
}

// progressRecorder persists adapter progress onto the post. Failures here are
// logged and swallowed; progress is advisory.
func (s *PublisherService) progressRecorder(ctx context.Context, postID string) core.ProgressFunc {
	return func(step, status string) {
		post, err := s.posts.GetByID(ctx, postID)
		if err != nil {
			return
		}
		now := s.timeProvider.Now().UTC()
		progress := &model.PublishingProgress{
			Step:          step,
			LastUpdatedAt: now,
			Status:        status,
		}
		if post.Progress != nil {
			progress.StartedAt = post.Progress.StartedAt
		} else {
			progress.StartedAt = now
		}
		if _, err := s.posts.Update(ctx, core.UpdatePostParams{
			ID:              post.ID,
			ExpectedVersion: post.Version,
			Fields:          model.UpdatePostFields{Progress: progress},
		}); err != nil {
			s.logger.DebugContext(ctx, "record progress failed",
				"post_id", postID,
				"step", step,
				"error", err,
			)
		}
	}
}

func (s *PublisherService) recordPublished(
	ctx context.Context,
	post *model.Post,
	result *core.PublishResult,
) (*model.Post, error) {
	// Re-read for the current version; progress writes bumped it.
	fresh, err := s.posts.GetByID(ctx, post.ID)
	if err != nil {
		return nil, err
	}

	published := model.PostStatusPublished
	publishedAt := result.PublishedAt.UTC()
	updated, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              fresh.ID,
		ExpectedVersion: fresh.Version,
		Fields: model.UpdatePostFields{
			Status:         &published,
			PublishedAt:    &publishedAt,
			PlatformPostID: &result.PlatformPostID,
			ClearError:     true,
			Progress: &model.PublishingProgress{
				Step:          StepDone,
				StartedAt:     publishedAt,
				LastUpdatedAt: s.timeProvider.Now().UTC(),
				Status:        "completed",
			},
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "post published",
		"post_id", updated.ID,
		"platform_post_id", result.PlatformPostID,
	)
	return updated, nil
}

// publishComment posts the reply comment after the configured delay. Comment
// failures never fail the publish: they schedule a comment-only retry job.
func (s *PublisherService) publishComment(ctx context.Context, post *model.Post, cred *model.Credential) {
	posting := model.CommentStatusPosting
	if updated, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields:          model.UpdatePostFields{CommentStatus: &posting},
	}); err == nil {
		post = updated
	}

	select {
	case <-ctx.Done():
		s.scheduleCommentRetry(context.WithoutCancel(ctx), post)
		return
	case <-time.After(s.cfg.CommentDelay):
	}

	result, err := s.adapter.PublishComment(ctx, &core.PublishRequest{
		Post:       post,
		Credential: cred,
		Progress:   s.progressRecorder(ctx, post.ID),
	}, *post.PlatformPostID)
	if err != nil {
		s.logger.WarnContext(ctx, "comment publish failed",
			"post_id", post.ID,
			"error", err,
		)
		s.scheduleCommentRetry(ctx, post)
		return
	}

	s.finishComment(ctx, post.ID, result.PlatformCommentID)
}

func (s *PublisherService) finishComment(ctx context.Context, postID, commentID string) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return
	}
	posted := model.CommentStatusPosted
	if _, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields: model.UpdatePostFields{
			CommentStatus:     &posted,
			PlatformCommentID: &commentID,
		},
	}); err != nil {
		s.logger.WarnContext(ctx, "record comment failed",
			"post_id", postID,
			"error", err,
		)
	}
}

// scheduleCommentRetry enqueues a comment-only retry with a linear delay per
// attempt, up to the retry cap. Beyond the cap the comment fails quietly.
func (s *PublisherService) scheduleCommentRetry(ctx context.Context, post *model.Post) {
	fresh, err := s.posts.GetByID(ctx, post.ID)
	if err != nil {
		return
	}

	if fresh.CommentRetryCount >= s.cfg.CommentMaxRetries {
		failed := model.CommentStatusFailed
		if _, err := s.posts.Update(ctx, core.UpdatePostParams{
			ID:              fresh.ID,
			ExpectedVersion: fresh.Version,
			Fields:          model.UpdatePostFields{CommentStatus: &failed},
		}); err != nil {
			s.logger.WarnContext(ctx, "mark comment failed", "post_id", fresh.ID, "error", err)
		}
		return
	}

	// The counter is bumped when the retry actually runs, not here; this
	// only parks the comment as pending and books the job.
	pending := model.CommentStatusPending
	if updated, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              fresh.ID,
		ExpectedVersion: fresh.Version,
		Fields:          model.UpdatePostFields{CommentStatus: &pending},
	}); err != nil {
		s.logger.WarnContext(ctx, "park comment as pending failed", "post_id", fresh.ID, "error", err)
	} else {
		fresh = updated
	}

	nextAttempt := fresh.CommentRetryCount + 1
	now := s.timeProvider.Now()
	runAt := now.Add(time.Duration(nextAttempt) * s.cfg.CommentRetryDelay)
	payload, err := json.Marshal(model.PublishJobPayload{
		PostID:           fresh.ID,
		AccountID:        fresh.AccountID,
		CommentOnlyRetry: true,
	})
	if err != nil {
		return
	}

	if _, err := s.queue.Enqueue(ctx, &model.EnqueueJobRequest{
		Type:        model.JobTypePublish,
		Key:         model.CommentRetryJobKey(fresh.ID, runAt.UnixMilli()),
		Payload:     payload,
		ScheduledAt: &runAt,
		MaxRetries:  1,
	}); err != nil {
		s.logger.WarnContext(ctx, "enqueue comment retry failed", "post_id", fresh.ID, "error", err)
	}
}

// processCommentRetry handles a comment-only retry job. The post itself is
// already published; only the reply comment is attempted.
func (s *PublisherService) processCommentRetry(ctx context.Context, post *model.Post) error {
	if post.PlatformPostID == nil {
		s.logger.WarnContext(ctx, "comment retry for unpublished post", "post_id", post.ID)
		return nil
	}
	if !post.HasComment() || post.CommentStatus == model.CommentStatusPosted {
		return nil
	}
	if post.CommentRetryCount >= s.cfg.CommentMaxRetries {
		s.markCommentFailed(ctx, post.ID)
		return nil
	}

	posting := model.CommentStatusPosting
	attempts := post.CommentRetryCount + 1
	if updated, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields: model.UpdatePostFields{
			CommentStatus:     &posting,
			CommentRetryCount: &attempts,
		},
	}); err != nil {
		s.logger.WarnContext(ctx, "mark comment posting failed", "post_id", post.ID, "error", err)
	} else {
		post = updated
	}

	cred, err := s.credential(ctx, post)
	if err != nil {
		// A dead credential cannot be fixed by retrying the comment.
		s.markCommentFailed(ctx, post.ID)
		return nil
	}

	result, err := s.adapter.PublishComment(ctx, &core.PublishRequest{
		Post:       post,
		Credential: cred,
	}, *post.PlatformPostID)
	if err != nil {
		s.logger.WarnContext(ctx, "comment retry failed",
			"post_id", post.ID,
			"retry_count", post.CommentRetryCount,
			"error", err,
		)
		s.scheduleCommentRetry(ctx, post)
		return nil
	}

	s.finishComment(ctx, post.ID, result.PlatformCommentID)
	return nil
}

func (s *PublisherService) markCommentFailed(ctx context.Context, postID string) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return
	}
	failed := model.CommentStatusFailed
	if _, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields:          model.UpdatePostFields{CommentStatus: &failed},
	}); err != nil {
		s.logger.WarnContext(ctx, "mark comment failed", "post_id", postID, "error", err)
	}
}

// advanceRecurrence moves a recurring post back to scheduled at its next
// occurrence. One-shot posts and exhausted recurrences stay published.
func (s *PublisherService) advanceRecurrence(ctx context.Context, post *model.Post) error {
	if !post.IsRecurring() {
		return nil
	}

	loc := schedule.LoadLocation(s.cfg.Timezone)
	next, err := schedule.NextOccurrence(post.ScheduleConfig, s.timeProvider.Now(), loc)
	if err != nil {
		return fmt.Errorf("compute next occurrence: %w", err)
	}
	if next == nil {
		s.logger.InfoContext(ctx, "recurrence exhausted", "post_id", post.ID)
		return nil
	}

	cfg := *post.ScheduleConfig
	cfg.ScheduledAt = *next
	scheduled := model.PostStatusScheduled
	commentStatus := initialCommentStatusFor(post)
	zero := 0
	// The platform IDs and publish timestamp belong to the occurrence that
	// just went out; the next one starts clean, so stall recovery never
	// mistakes the old platform post for a fresh success.
	if _, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields: model.UpdatePostFields{
			Status:            &scheduled,
			ScheduledAt:       next,
			ScheduleConfig:    &cfg,
			SetNullPlatform:   true,
			CommentStatus:     &commentStatus,
			CommentRetryCount: &zero,
		},
	}); err != nil {
		return err
	}

	if s.events != nil {
		if err := s.events.OnPostScheduled(ctx, *next); err != nil {
			return fmt.Errorf("notify scheduler: %w", err)
		}
	}
	s.logger.InfoContext(ctx, "recurring post re-scheduled",
		"post_id", post.ID,
		"next_at", next.UTC(),
	)
	return nil
}

func initialCommentStatusFor(post *model.Post) model.CommentStatus {
	if post.HasComment() {
		return model.CommentStatusPending
	}
	return model.CommentStatusNone
}

// rollback applies the post-side consequence of a failed publish attempt.
//
//	FATAL      → failed, error fields recorded
//	RETRYABLE  → back to scheduled (or draft when never scheduled), error recorded
//	TRANSIENT  → untouched; the queue retry will pick it up as-is
//
// A retryable failure on the job's last attempt gets no queue retry, so
// leaving the post scheduled with a past-due instant would make every future
// tick republish it. One-off posts terminate failed instead; recurring posts
// skip the occurrence and move on to the next one.
func (s *PublisherService) rollback(ctx context.Context, postID string, pubErr error, lastAttempt bool) {
	category := apperrors.ClassifyPublish(pubErr)
	if category == apperrors.CategoryTransient {
		return
	}

	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		s.logger.ErrorContext(ctx, "load post for rollback failed",
			"post_id", postID,
			"error", err,
		)
		return
	}

	target := model.PostStatusFailed
	var nextAt *time.Time
	if category == apperrors.CategoryRetryable {
		switch {
		case !lastAttempt && post.ScheduledAt != nil:
			target = model.PostStatusScheduled
		case !lastAttempt:
			target = model.PostStatusDraft
		case post.IsRecurring():
			loc := schedule.LoadLocation(s.cfg.Timezone)
			next, occErr := schedule.NextOccurrence(post.ScheduleConfig, s.timeProvider.Now(), loc)
			if occErr != nil {
				s.logger.ErrorContext(ctx, "compute next occurrence for rollback failed",
					"post_id", postID,
					"error", occErr,
				)
			} else if next != nil {
				target = model.PostStatusScheduled
				nextAt = next
			}
		}
	}
	if !model.CanTransition(post.Status, target) {
		return
	}

	msg := pubErr.Error()
	cat := string(category)
	action := apperrors.SuggestedAction(pubErr)
	fields := model.UpdatePostFields{
		Status:          &target,
		LastError:       &msg,
		ErrorCategory:   &cat,
		SuggestedAction: &action,
		SetNullProgress: true,
	}
	if nextAt != nil {
		cfg := *post.ScheduleConfig
		cfg.ScheduledAt = *nextAt
		fields.ScheduledAt = nextAt
		fields.ScheduleConfig = &cfg
	}
	if _, err := s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields:          fields,
	}); err != nil {
		s.logger.ErrorContext(ctx, "rollback post failed",
			"post_id", postID,
			"target_status", target,
			"error", err,
		)
		return
	}

	if nextAt != nil && s.events != nil {
		if err := s.events.OnPostScheduled(ctx, *nextAt); err != nil {
			s.logger.ErrorContext(ctx, "notify scheduler after rollback failed",
				"post_id", postID,
				"error", err,
			)
		}
	}

	s.logger.WarnContext(ctx, "publish attempt rolled back",
		"post_id", postID,
		"category", category,
		"target_status", target,
		"last_attempt", lastAttempt,
	)
}

// RecoverStalledJob resolves a publish job the queue failed for exceeding its
// stall budget. The worker died mid-pipeline: if the platform post exists the
// publish actually succeeded, otherwise the post is failed for the operator.
func (s *PublisherService) RecoverStalledJob(ctx context.Context, job *model.Job) error {
	var payload model.PublishJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal stalled job payload: %w", err)
	}
	if payload.CommentOnlyRetry {
		return nil
	}

	post, err := s.posts.GetByID(ctx, payload.PostID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if post.Status != model.PostStatusPublishing {
		return nil
	}

	if post.PlatformPostID != nil {
		published := model.PostStatusPublished
		now := s.timeProvider.Now().UTC()
		publishedAt := post.PublishedAt
		if publishedAt == nil {
			publishedAt = &now
		}
		_, err = s.posts.Update(ctx, core.UpdatePostParams{
			ID:              post.ID,
			ExpectedVersion: post.Version,
			Fields: model.UpdatePostFields{
				Status:          &published,
				PublishedAt:     publishedAt,
				SetNullProgress: true,
			},
		})
		if err == nil {
			s.logger.WarnContext(ctx, "stalled publish reconciled as published", "post_id", post.ID)
		}
		return err
	}

	failed := model.PostStatusFailed
	msg := "publish worker stalled before completing"
	cat := string(apperrors.CategoryTransient)
	action := "Retry the post; the previous attempt never reached the platform."
	_, err = s.posts.Update(ctx, core.UpdatePostParams{
		ID:              post.ID,
		ExpectedVersion: post.Version,
		Fields: model.UpdatePostFields{
			Status:          &failed,
			LastError:       &msg,
			ErrorCategory:   &cat,
			SuggestedAction: &action,
			SetNullProgress: true,
		},
	})
	if err == nil {
		s.logger.WarnContext(ctx, "stalled publish marked failed", "post_id", post.ID)
	}
	return err
}
