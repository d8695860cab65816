package threads

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/postpilot/postpilot/internal/errors"
)

// apiError is the Graph API error envelope.
type apiError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// Graph API error codes the classifier cares about.
const (
	codeExpiredToken = 190
	codePermission   = 200
	codeRateLimited  = 4
	codeUserRateCap  = 17
	codeSpamBlock    = 368
)

// classifyAPIError maps a Graph API error response to a publish error whose
// category drives retry behaviour: dead tokens and policy blocks are fatal,
// malformed content is retryable, rate limits and server trouble are
// transient.
func classifyAPIError(statusCode int, body []byte) error {
	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return classifyByStatus(statusCode, string(body))
	}

	e := envelope.Error
	msg := fmt.Sprintf("threads api error %d: %s", e.Code, e.Message)

	switch e.Code {
	case codeExpiredToken:
		return apperrors.Fatal(apperrors.ReasonTokenExpired, msg,
			"Reconnect the Threads account to refresh the token.")
	case codePermission:
		return apperrors.Fatal(apperrors.ReasonPermission, msg,
			"Grant the missing permission on the connected account.")
	case codeSpamBlock:
		return apperrors.Fatal(apperrors.ReasonDuplicateContent, msg,
			"The platform blocked this content; change it before retrying.")
	case codeRateLimited, codeUserRateCap:
		return apperrors.Transient(apperrors.ReasonRateLimited, msg,
			"Publishing is rate limited; the system will retry automatically.")
	}

	// Token death does not always come back as code 190; the message still
	// says so.
	if strings.Contains(strings.ToLower(e.Message), "expired") {
		return apperrors.Fatal(apperrors.ReasonTokenExpired, msg,
			"Reconnect the Threads account to refresh the token.")
	}
	if e.Type == "OAuthException" {
		return apperrors.Fatal(apperrors.ReasonAuthentication, msg,
			"Reconnect the Threads account.")
	}

	return classifyByStatus(statusCode, msg)
}

// networkError wraps transport-level failures (DNS, reset connections,
// timeouts) as transient.
func networkError(err error) error {
	return apperrors.Transient(apperrors.ReasonNetwork,
		"threads api request failed",
		"Network trouble; the system will retry automatically.").WithCause(err)
}

// isContentLengthMessage recognises the API's length-violation wording so the
// error surfaces as content_too_long instead of a generic media complaint.
func isContentLengthMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "too long") ||
		strings.Contains(m, "character limit") ||
		strings.Contains(m, "characters")
}

func classifyByStatus(statusCode int, msg string) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return apperrors.Fatal(apperrors.ReasonAuthentication,
			fmt.Sprintf("threads api %d: %s", statusCode, msg),
			"Reconnect the Threads account.")
	case statusCode == http.StatusTooManyRequests:
		return apperrors.Transient(apperrors.ReasonRateLimited,
			fmt.Sprintf("threads api %d: %s", statusCode, msg),
			"Publishing is rate limited; the system will retry automatically.")
	case statusCode >= 500:
		return apperrors.Transient(apperrors.ReasonServerError,
			fmt.Sprintf("threads api %d: %s", statusCode, msg),
			"Platform trouble; the system will retry automatically.")
	case statusCode >= 400:
		if isContentLengthMessage(msg) {
			return apperrors.Retryable(apperrors.ReasonContentTooLong,
				fmt.Sprintf("threads api %d: %s", statusCode, msg),
				"Shorten the post text, then retry.")
		}
		return apperrors.Retryable(apperrors.ReasonInvalidMedia,
			fmt.Sprintf("threads api %d: %s", statusCode, msg),
			"Review the post content and media URLs, then retry.")
	default:
		return apperrors.Retryable(apperrors.ReasonUnknown,
			fmt.Sprintf("threads api %d: %s", statusCode, msg),
			"Review the post, then retry.")
	}
}
