package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies a publish failure and drives the worker's rollback policy.
type Category string

const (
	// CategoryFatal marks failures that will never succeed on retry
	// (expired token, auth/permission, duplicate content). The post
	// terminates in FAILED and the job is not retried.
	CategoryFatal Category = "FATAL"
	// CategoryRetryable marks failures worth retrying with fresh input
	// (invalid media, content too long, unknown 4xx). The post rolls back
	// to its pre-claim status and the queue retries within its attempt budget.
	CategoryRetryable Category = "RETRYABLE"
	// CategoryTransient marks infrastructure failures (5xx, timeouts,
	// version conflicts). The post is not written at all; the queue retries.
	CategoryTransient Category = "TRANSIENT"
)

// PublishError is a classified failure from the publish pipeline. It carries
// the machine-readable reason code and the operator-facing suggested action
// that are persisted onto the post.
type PublishError struct {
	Category        Category
	Reason          string
	Message         string
	SuggestedAction string
	Cause           error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *PublishError) Unwrap() error {
	return e.Cause
}

// Fatal creates a FATAL publish error.
func Fatal(reason, message, action string) *PublishError {
	return &PublishError{Category: CategoryFatal, Reason: reason, Message: message, SuggestedAction: action}
}

// Retryable creates a RETRYABLE publish error.
func Retryable(reason, message, action string) *PublishError {
	return &PublishError{Category: CategoryRetryable, Reason: reason, Message: message, SuggestedAction: action}
}

// Transient creates a TRANSIENT publish error.
func Transient(reason, message, action string) *PublishError {
	return &PublishError{Category: CategoryTransient, Reason: reason, Message: message, SuggestedAction: action}
}

// WithCause attaches an underlying error and returns the same PublishError.
func (e *PublishError) WithCause(cause error) *PublishError {
	e.Cause = cause
	return e
}

// Common reason codes used across the adapter and the worker.
const (
	ReasonTokenExpired     = "token_expired"
	ReasonAuthentication   = "authentication"
	ReasonPermission       = "permission"
	ReasonDuplicateContent = "duplicate_content"
	ReasonInvalidMedia     = "invalid_media"
	ReasonContentTooLong   = "content_too_long"
	ReasonRateLimited      = "rate_limited"
	ReasonServerError      = "server_error"
	ReasonNetwork          = "network"
	ReasonUnknown          = "unknown"
)

// ClassifyPublish returns the category for any error surfaced by the publish
// pipeline. Version conflicts and context timeouts are TRANSIENT; anything
// not otherwise classified defaults to RETRYABLE so a one-off bug does not
// permanently fail a post.
func ClassifyPublish(err error) Category {
	if err == nil {
		return ""
	}

	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Category
	}

	if IsVersionConflict(err) {
		return CategoryTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}
	if isCode(err, ErrCodeTimeout) || isCode(err, ErrCodeCanceled) {
		return CategoryTransient
	}

	return CategoryRetryable
}

// SuggestedAction extracts the operator guidance from a publish error, with a
// generic fallback per category.
func SuggestedAction(err error) string {
	var pubErr *PublishError
	if errors.As(err, &pubErr) && pubErr.SuggestedAction != "" {
		return pubErr.SuggestedAction
	}

	switch ClassifyPublish(err) {
	case CategoryFatal:
		return "Manual intervention required; the failure will not resolve on retry."
	case CategoryTransient:
		return "Temporary failure; the system will retry automatically."
	default:
		return "Review the post content and media, then retry."
	}
}

// PublishReason extracts the machine-readable reason code, or "unknown".
func PublishReason(err error) string {
	var pubErr *PublishError
	if errors.As(err, &pubErr) && pubErr.Reason != "" {
		return pubErr.Reason
	}
	return ReasonUnknown
}
