// Package model defines the core data types for the postpilot publishing engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// PostStatus represents the lifecycle state of a post.
type PostStatus string

// PostType represents what kind of media a post carries.
type PostType string

// CommentStatus tracks the lifecycle of the optional reply comment.
type CommentStatus string

const (
	// PostStatusDraft indicates a post not yet scheduled.
	PostStatusDraft PostStatus = "draft"
	// PostStatusScheduled indicates a post waiting for its scheduled time.
	PostStatusScheduled PostStatus = "scheduled"
	// PostStatusPublishing indicates a worker has claimed the post.
	PostStatusPublishing PostStatus = "publishing"
	// PostStatusPublished indicates the post is live on the platform.
	PostStatusPublished PostStatus = "published"
	// PostStatusFailed indicates a terminal failure awaiting user retry.
	PostStatusFailed PostStatus = "failed"

	// PostTypeText is a text-only post.
	PostTypeText PostType = "text"
	// PostTypeImage is a single-image post.
	PostTypeImage PostType = "image"
	// PostTypeCarousel is a multi-media post (2-10 items).
	PostTypeCarousel PostType = "carousel"
	// PostTypeVideo is a single-video post.
	PostTypeVideo PostType = "video"

	// CommentStatusNone means the post has no reply comment.
	CommentStatusNone CommentStatus = "none"
	// CommentStatusPending means a comment is configured but not yet posted.
	CommentStatusPending CommentStatus = "pending"
	// CommentStatusPosting means a comment publish is in flight.
	CommentStatusPosting CommentStatus = "posting"
	// CommentStatusPosted means the comment is live.
	CommentStatusPosted CommentStatus = "posted"
	// CommentStatusFailed means the comment could not be posted.
	CommentStatusFailed CommentStatus = "failed"
)

// MaxContentCodePoints is the platform limit on post text length.
const MaxContentCodePoints = 500

// MaxCarouselItems is the platform limit on carousel media count.
// Longer media lists are truncated, not rejected.
const MaxCarouselItems = 10

// Valid returns true if the PostStatus is valid.
func (s PostStatus) Valid() bool {
	switch s {
	case PostStatusDraft, PostStatusScheduled, PostStatusPublishing, PostStatusPublished, PostStatusFailed:
		return true
	}
	return false
}

// Valid returns true if the PostType is valid.
func (t PostType) Valid() bool {
	switch t {
	case PostTypeText, PostTypeImage, PostTypeCarousel, PostTypeVideo:
		return true
	}
	return false
}

// Valid returns true if the CommentStatus is valid.
func (s CommentStatus) Valid() bool {
	switch s {
	case CommentStatusNone, CommentStatusPending, CommentStatusPosting, CommentStatusPosted, CommentStatusFailed:
		return true
	}
	return false
}

// ExecutionLock is the store-side mutex that serialises publishing of a single
// post across workers. A lock whose ExpiresAt has passed is reclaimable.
type ExecutionLock struct {
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lock has lapsed at the given instant.
func (l *ExecutionLock) Expired(now time.Time) bool {
	return l == nil || !l.ExpiresAt.After(now)
}

// PublishingProgress is the ephemeral per-attempt progress record surfaced to
// the UI while a worker runs the publish pipeline.
type PublishingProgress struct {
	Step          string    `json:"step"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
}

// Post represents a social media post and its full lifecycle state.
type Post struct {
	ID                string              `json:"id"                            db:"id"`
	Content           string              `json:"content"                       db:"content"`
	PostType          PostType            `json:"post_type"                     db:"post_type"`
	ImageURLs         []string            `json:"image_urls"                    db:"image_urls"`
	VideoURL          *string             `json:"video_url,omitempty"           db:"video_url"`
	Comment           *string             `json:"comment,omitempty"             db:"comment"`
	AccountID         *string             `json:"account_id,omitempty"          db:"account_id"`
	Status            PostStatus          `json:"status"                        db:"status"`
	ScheduledAt       *time.Time          `json:"scheduled_at,omitempty"        db:"scheduled_at"`
	ScheduleConfig    *ScheduleConfig     `json:"schedule_config,omitempty"     db:"schedule_config"`
	PublishedAt       *time.Time          `json:"published_at,omitempty"        db:"published_at"`
	PlatformPostID    *string             `json:"platform_post_id,omitempty"    db:"platform_post_id"`
	PlatformCommentID *string             `json:"platform_comment_id,omitempty" db:"platform_comment_id"`
	CommentStatus     CommentStatus       `json:"comment_status"                db:"comment_status"`
	CommentRetryCount int                 `json:"comment_retry_count"           db:"comment_retry_count"`
	ContentHash       string              `json:"content_hash,omitempty"        db:"content_hash"`
	Progress          *PublishingProgress `json:"publishing_progress,omitempty" db:"publishing_progress"`
	Lock              *ExecutionLock      `json:"execution_lock,omitempty"`
	LastError         *string             `json:"error,omitempty"               db:"last_error"`
	ErrorCategory     *string             `json:"error_category,omitempty"      db:"error_category"`
	SuggestedAction   *string             `json:"suggested_action,omitempty"    db:"suggested_action"`
	Version           int64               `json:"version"                       db:"version"`
	CreatedAt         time.Time           `json:"created_at"                    db:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"                    db:"updated_at"`
}

// CreatePostRequest represents a request to create a new post in DRAFT.
type CreatePostRequest struct {
	Content   string   `json:"content"`
	PostType  PostType `json:"post_type"`
	ImageURLs []string `json:"image_urls,omitempty"`
	VideoURL  *string  `json:"video_url,omitempty"`
	Comment   *string  `json:"comment,omitempty"`
	AccountID *string  `json:"account_id,omitempty"`
}

// Validate validates the CreatePostRequest fields, applying the platform's
// content and media constraints.
func (r *CreatePostRequest) Validate() error {
	if !r.PostType.Valid() {
		return errors.New("invalid post type")
	}
	content := NormalizeContent(r.Content)
	if content == "" {
		return errors.New("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentCodePoints {
		return fmt.Errorf("content exceeds %d code points", MaxContentCodePoints)
	}
	return validateMedia(r.PostType, r.ImageURLs, r.VideoURL)
}

func validateMedia(postType PostType, imageURLs []string, videoURL *string) error {
	hasVideo := videoURL != nil && *videoURL != ""
	switch postType {
	case PostTypeText:
		if len(imageURLs) > 0 || hasVideo {
			return errors.New("text posts must not carry media URLs")
		}
	case PostTypeImage:
		if len(imageURLs) != 1 {
			return errors.New("image posts require exactly one image URL")
		}
	case PostTypeVideo:
		if !hasVideo {
			return errors.New("video posts require a video URL")
		}
	case PostTypeCarousel:
		if len(imageURLs) < 2 {
			return errors.New("carousel posts require at least two media URLs")
		}
	}
	return nil
}

// NormalizeContent trims the text and strips invalid UTF-8 sequences before
// length checks and hashing.
func NormalizeContent(content string) string {
	return strings.ToValidUTF8(strings.TrimSpace(content), "")
}

// CarouselURLs returns the post's media URLs truncated to the platform limit.
// An over-long list is truncated to the first ten items, by contract without error.
func (p *Post) CarouselURLs() []string {
	if len(p.ImageURLs) <= MaxCarouselItems {
		return p.ImageURLs
	}
	return p.ImageURLs[:MaxCarouselItems]
}

// ComputeContentHash returns the SHA-256 of the normalised publish inputs.
// It is recomputed on every attempt so edits between retries are detected.
func (p *Post) ComputeContentHash() string {
	h := sha256.New()
	h.Write([]byte(NormalizeContent(p.Content)))
	h.Write([]byte{0})
	for i, u := range p.ImageURLs {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(u))
	}
	h.Write([]byte{0})
	if p.VideoURL != nil {
		h.Write([]byte(*p.VideoURL))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanPublish reports whether the post is in a state the publish pipeline may
// process: claimed by a tick (publishing) or still scheduled (a retried job
// after rollback finds the post back in scheduled).
func (p *Post) CanPublish() bool {
	return p.Status == PostStatusPublishing || p.Status == PostStatusScheduled
}

// IsRecurring reports whether the post re-schedules itself after each firing.
func (p *Post) IsRecurring() bool {
	return p.ScheduleConfig != nil && p.ScheduleConfig.Pattern != PatternOnce
}

// HasComment reports whether a non-empty reply comment is configured.
func (p *Post) HasComment() bool {
	return p.Comment != nil && strings.TrimSpace(*p.Comment) != ""
}

// CanTransition reports whether the post status state machine permits moving
// from one status to another.
//
//	draft      → scheduled, publishing
//	scheduled  → publishing, draft (cancel)
//	publishing → published, scheduled (recurring / retryable rollback), draft (manual rollback), failed
//	failed     → draft (user retry)
func CanTransition(from, to PostStatus) bool {
	switch from {
	case PostStatusDraft:
		return to == PostStatusScheduled || to == PostStatusPublishing
	case PostStatusScheduled:
		return to == PostStatusPublishing || to == PostStatusDraft
	case PostStatusPublishing:
		return to == PostStatusPublished || to == PostStatusScheduled ||
			to == PostStatusDraft || to == PostStatusFailed
	case PostStatusFailed:
		return to == PostStatusDraft
	case PostStatusPublished:
		return false
	}
	return false
}
