package core

import (
	"context"
	"time"

	"github.com/postpilot/postpilot/internal/domain/model"
)

// This file contains repository and adapter interface definitions (ports in
// hexagonal architecture). These interfaces define the contracts between the
// service layer and the data / platform layers. Service implementations should
// depend on these interfaces, not concrete implementations.

// PostRepository defines the interface for post data operations.
type PostRepository interface {
	Create(ctx context.Context, req *model.CreatePostRequest) (*model.Post, error)
	GetByID(ctx context.Context, id string) (*model.Post, error)
	List(ctx context.Context, opts model.PostListOptions) ([]*model.Post, error)

	// Update persists the given fields if the stored version still matches
	// expectedVersion, bumping the version. A version_conflict AppError is
	// returned when another writer got there first.
	Update(ctx context.Context, params UpdatePostParams) (*model.Post, error)
	Delete(ctx context.Context, id string) (bool, error)

	// ClaimExecutionLock atomically acquires the post's execution lock when
	// it is free or expired. Returns false when another holder has it.
	ClaimExecutionLock(ctx context.Context, params ClaimLockParams) (bool, error)
	// ReleaseExecutionLock clears the lock if held by owner.
	ReleaseExecutionLock(ctx context.Context, postID, owner string) error

	// ListScheduledDue returns scheduled posts with scheduled_at <= until.
	ListScheduledDue(ctx context.Context, until time.Time) ([]*model.Post, error)
	// MinScheduledAt returns the earliest scheduled_at among scheduled posts,
	// or nil when none exist.
	MinScheduledAt(ctx context.Context) (*time.Time, error)

	// FindRecentDuplicate returns a post whose content hash matches and that
	// was published within the window or is publishing right now, excluding
	// excludeID. Nil when no duplicate exists.
	FindRecentDuplicate(ctx context.Context, params DuplicateLookupParams) (*model.Post, error)

	// ListStuckPublishing returns publishing posts whose progress has not
	// advanced for at least staleAfter.
	ListStuckPublishing(ctx context.Context, staleAfter time.Duration) ([]*model.Post, error)
}

// UpdatePostParams groups parameters for PostRepository.Update.
type UpdatePostParams struct {
	ID              string
	ExpectedVersion int64
	Fields          model.UpdatePostFields
}

// ClaimLockParams groups parameters for ClaimExecutionLock.
type ClaimLockParams struct {
	PostID string
	Owner  string
	TTL    time.Duration
}

// DuplicateLookupParams groups parameters for FindRecentDuplicate.
type DuplicateLookupParams struct {
	ContentHash string
	Window      time.Duration
	ExcludeID   string
}

// JobQueue defines the interface for durable job queue operations.
type JobQueue interface {
	// Enqueue inserts a job. Enqueueing an existing key is a no-op and
	// returns the already-queued job.
	Enqueue(ctx context.Context, req *model.EnqueueJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetByKey(ctx context.Context, key string) (*model.Job, error)

	// ReserveNext leases the oldest due pending job of the given type.
	// Returns model.ErrNoJobsAvailable when nothing is due.
	ReserveNext(ctx context.Context, jobType model.JobType, lease time.Duration) (*model.Job, error)
	// WaitForNotification blocks until a job of the given type is enqueued,
	// or the context is done.
	WaitForNotification(ctx context.Context, jobType model.JobType) error
	Heartbeat(ctx context.Context, jobID string, lease time.Duration) (bool, error)

	Complete(ctx context.Context, id string) (bool, error)
	// Fail records a failed attempt. While attempts remain the job returns
	// to pending with exponential backoff; otherwise it is failed terminally.
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	// FailTerminal fails the job immediately regardless of remaining attempts.
	FailTerminal(ctx context.Context, id, errMsg string) (bool, error)

	// RemoveByKey deletes a pending or finished job by key, freeing the key
	// for re-enqueue. Running jobs are left alone.
	RemoveByKey(ctx context.Context, key string) (bool, error)

	// RequeueExpired reclaims jobs whose lease lapsed and returns those that
	// exceeded their stall budget and were failed instead.
	RequeueExpired(ctx context.Context, jobType model.JobType) ([]*model.Job, error)

	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)

	// PruneFinished trims completed and failed jobs beyond the retention
	// counts, oldest first. Returns the number of rows deleted.
	PruneFinished(ctx context.Context, params PruneParams) (int64, error)
}

// PruneParams groups retention limits for JobQueue.PruneFinished.
type PruneParams struct {
	JobType       model.JobType
	KeepCompleted int
	KeepFailed    int
}

// CredentialRepository defines the interface for platform credential lookups.
type CredentialRepository interface {
	Get(ctx context.Context, id string) (*model.Credential, error)
	// GetDefault returns the single configured credential when a post does
	// not pin an account.
	GetDefault(ctx context.Context) (*model.Credential, error)
	Upsert(ctx context.Context, cred *model.Credential) (*model.Credential, error)
}

// SchedulerState defines the shared scheduler coordination state. Backed by
// Redis so every process observes the same armed tick.
type SchedulerState interface {
	// GetNextExecution returns the armed firing instant, or nil when the
	// scheduler is idle.
	GetNextExecution(ctx context.Context) (*time.Time, error)
	// SetNextExecution records the armed instant and the queue job backing it.
	SetNextExecution(ctx context.Context, at time.Time, jobID string) error
	GetActiveJobID(ctx context.Context) (string, error)
	// Clear drops both keys, returning the scheduler to idle.
	Clear(ctx context.Context) error

	// AcquireLock takes the scheduler mutation lock (SET NX). Returns false
	// when another process holds it.
	AcquireLock(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, owner string) error
}

// ProgressFunc receives step-by-step pipeline progress for UI surfacing.
// Implementations must tolerate being called from the worker goroutine.
type ProgressFunc func(step, status string)

// PublishRequest carries everything the platform adapter needs for one post.
type PublishRequest struct {
	Post       *model.Post
	Credential *model.Credential
	Progress   ProgressFunc
}

// PublishResult is the platform-side outcome of a successful publish.
type PublishResult struct {
	PlatformPostID string
	PublishedAt    time.Time
}

// CommentResult is the platform-side outcome of a posted reply comment.
type CommentResult struct {
	PlatformCommentID string
}

// PlatformAdapter defines the interface to the publishing platform.
type PlatformAdapter interface {
	// PublishPost runs the container lifecycle for the post's media type and
	// returns the live platform post ID.
	PublishPost(ctx context.Context, req *PublishRequest) (*PublishResult, error)
	// PublishComment posts a reply under an already-published post.
	PublishComment(ctx context.Context, req *PublishRequest, platformPostID string) (*CommentResult, error)
	// ValidateMedia checks media URL reachability ahead of container
	// creation. Failures are advisory; container creation is the real gate.
	ValidateMedia(ctx context.Context, urls []string) error
}

// SchedulerEvents is the notification surface post mutations call into so the
// scheduler can re-arm. Implementations must be safe for concurrent use.
type SchedulerEvents interface {
	// OnPostScheduled signals that a post now fires at the given instant.
	OnPostScheduled(ctx context.Context, at time.Time) error
	// OnPostCancelled signals that a scheduled post was removed.
	OnPostCancelled(ctx context.Context) error
}
