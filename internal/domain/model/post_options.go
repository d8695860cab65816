package model

import "time"

// UpdatePostFields holds the optional field set for a version-guarded post
// update. Nil pointers leave the column untouched; SetNull* flags clear
// nullable columns explicitly.
type UpdatePostFields struct {
	Content           *string             `json:"content,omitempty"`
	Status            *PostStatus         `json:"status,omitempty"`
	ScheduledAt       *time.Time          `json:"scheduled_at,omitempty"`
	SetNullSchedule   bool                `json:"-"`
	ScheduleConfig    *ScheduleConfig     `json:"schedule_config,omitempty"`
	PublishedAt       *time.Time          `json:"published_at,omitempty"`
	PlatformPostID    *string             `json:"platform_post_id,omitempty"`
	PlatformCommentID *string             `json:"platform_comment_id,omitempty"`
	SetNullPlatform   bool                `json:"-"`
	CommentStatus     *CommentStatus      `json:"comment_status,omitempty"`
	CommentRetryCount *int                `json:"comment_retry_count,omitempty"`
	ContentHash       *string             `json:"content_hash,omitempty"`
	Progress          *PublishingProgress `json:"publishing_progress,omitempty"`
	SetNullProgress   bool                `json:"-"`
	LastError         *string             `json:"error,omitempty"`
	ErrorCategory     *string             `json:"error_category,omitempty"`
	SuggestedAction   *string             `json:"suggested_action,omitempty"`
	ClearError        bool                `json:"-"`
}

// PostListOptions holds filters for listing posts.
type PostListOptions struct {
	Status *PostStatus `json:"status,omitempty"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}
