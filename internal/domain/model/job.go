package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the logical queue a job belongs to.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a queue job.
type JobStatus string

const (
	// JobTypePublish is the per-post publish queue.
	JobTypePublish JobType = "publish"
	// JobTypeSchedulerTick is the single-consumer scheduler alarm queue.
	JobTypeSchedulerTick JobType = "scheduler-tick"

	// JobStatusPending indicates a job is waiting for its scheduled time.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job is leased by a worker.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has exhausted its attempts.
	JobStatusFailed JobStatus = "failed"
)

// Queue policy defaults shared by enqueue sites.
const (
	// DefaultMaxRetries is the attempt budget for publish jobs.
	DefaultMaxRetries = 3
	// DefaultBackoffBase is the exponential backoff base between attempts.
	DefaultBackoffBase = 2 * time.Second
	// DefaultMaxStalls is how many times a stalled job is reclaimed before
	// it is failed outright.
	DefaultMaxStalls = 2
)

// ErrNoJobsAvailable is returned when no jobs are due for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypePublish || t == JobTypeSchedulerTick
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning ||
		s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents a durable queue job.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           JobType         `json:"type"                       db:"type"`
	Key            string          `json:"key"                        db:"key"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	BackoffBase    time.Duration   `json:"backoff_base"               db:"backoff_base_ms"`
	StallCount     int             `json:"stall_count"                db:"stall_count"`
	MaxStalls      int             `json:"max_stalls"                 db:"max_stalls"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// LastAttempt reports whether the current attempt is the job's final one.
func (j *Job) LastAttempt() bool {
	return j.RetryCount+1 >= j.MaxRetries
}

// EnqueueJobRequest represents a request to enqueue a job.
type EnqueueJobRequest struct {
	Type JobType `json:"type"`
	// Key is the caller-supplied idempotency key; enqueueing the same key
	// twice collapses to a single execution.
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
	BackoffBase time.Duration   `json:"backoff_base"`
}

// Validate validates the EnqueueJobRequest fields.
func (r *EnqueueJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("job key is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// PublishJobPayload is the payload for publish-queue jobs.
type PublishJobPayload struct {
	PostID           string  `json:"post_id"`
	AccountID        *string `json:"account_id,omitempty"`
	CommentOnlyRetry bool    `json:"comment_only_retry,omitempty"`
}

// TickJobPayload is the payload for scheduler-tick jobs.
type TickJobPayload struct {
	// CheckTime is the epoch-millisecond instant the tick was armed for.
	CheckTime int64 `json:"check_time"`
}

// PublishJobKey builds the idempotent job key for a publish job. Sequence is
// a monotonic value (epoch ms of the arming tick) that distinguishes firings
// of the same post.
func PublishJobKey(postID string, seq int64) string {
	return fmt.Sprintf("publish-%s-%d", postID, seq)
}

// CommentRetryJobKey builds the job key for a comment-only retry.
func CommentRetryJobKey(postID string, ts int64) string {
	return fmt.Sprintf("comment-retry-%s-%d", postID, ts)
}

// TickJobKey builds the job key for a scheduler tick armed at the given
// epoch-millisecond instant.
func TickJobKey(checkTime int64) string {
	return fmt.Sprintf("scheduler-check-%d", checkTime)
}

// JobStats represents per-queue counts by state.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
