package threads

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/data"
	"github.com/postpilot/postpilot/internal/domain/model"
	apperrors "github.com/postpilot/postpilot/internal/errors"
)

// Pipeline step names reported through the progress callback.
const (
	stepCreatingContainer = "creating_container"
	stepWaitingMedia      = "waiting_for_media"
	stepPublishing        = "publishing"
	stepPostingComment    = "posting_comment"
)

// AdapterConfig holds tunables for the publish state machine.
type AdapterConfig struct {
	// PollInterval is how often container readiness is checked.
	PollInterval time.Duration
	// PollTimeout bounds the whole readiness wait.
	PollTimeout time.Duration
}

// DefaultAdapterConfig returns the default state machine tunables.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		PollInterval: 5 * time.Second,
		PollTimeout:  5 * time.Minute,
	}
}

// Adapter implements core.PlatformAdapter against the Threads Graph API:
// create a media container, wait for it to finish processing, then publish.
type Adapter struct {
	client       *Client
	cfg          AdapterConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	httpClient   *http.Client
}

// AdapterOptions holds the dependencies for creating an Adapter.
type AdapterOptions struct {
	Client       *Client
	Config       *AdapterConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
	// HTTPClient is used for media URL reachability checks.
	HTTPClient *http.Client
}

// NewAdapter creates a new Adapter with the given dependencies.
func NewAdapter(opts AdapterOptions) *Adapter {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := DefaultAdapterConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}

	return &Adapter{
		client:       opts.Client,
		cfg:          cfg,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
		httpClient:   hc,
	}
}

// videoExtensions identify media URLs that must be typed VIDEO in carousels.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".mkv":  true,
	".flv":  true,
	".wmv":  true,
	".m4v":  true,
}

func isVideoURL(u string) bool {
	clean := u
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	return videoExtensions[strings.ToLower(path.Ext(clean))]
}

// PublishPost runs the container lifecycle for the post's media type and
// returns the live platform post ID.
func (a *Adapter) PublishPost(ctx context.Context, req *core.PublishRequest) (*core.PublishResult, error) {
	post := req.Post
	cred := req.Credential
	progress := req.Progress
	if progress == nil {
		progress = func(string, string) {}
	}

	progress(stepCreatingContainer, "running")
	containerID, err := a.createContainer(ctx, post, cred)
	if err != nil {
		return nil, err
	}

	progress(stepWaitingMedia, "running")
	if err := a.waitForContainer(ctx, containerID, cred.AccessToken); err != nil {
		return nil, err
	}

	progress(stepPublishing, "running")
	postID, err := a.client.PublishContainer(ctx, cred.PlatformUserID, cred.AccessToken, containerID)
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "threads post published",
		"post_id", post.ID,
		"platform_post_id", postID,
	)
	return &core.PublishResult{
		PlatformPostID: postID,
		PublishedAt:    a.timeProvider.Now(),
	}, nil
}

func (a *Adapter) createContainer(ctx context.Context, post *model.Post, cred *model.Credential) (string, error) {
	switch post.PostType {
	case model.PostTypeText:
		return a.client.CreateContainer(ctx, cred.PlatformUserID, cred.AccessToken, ContainerParams{
			MediaType: "TEXT",
			Text:      post.Content,
		})
	case model.PostTypeImage:
		return a.client.CreateContainer(ctx, cred.PlatformUserID, cred.AccessToken, ContainerParams{
			MediaType: "IMAGE",
			Text:      post.Content,
			ImageURL:  post.ImageURLs[0],
		})
	case model.PostTypeVideo:
		return a.client.CreateContainer(ctx, cred.PlatformUserID, cred.AccessToken, ContainerParams{
			MediaType: "VIDEO",
			Text:      post.Content,
			VideoURL:  *post.VideoURL,
		})
	case model.PostTypeCarousel:
		return a.createCarousel(ctx, post, cred)
	}
	return "", apperrors.Fatal(apperrors.ReasonUnknown,
		fmt.Sprintf("unsupported post type %q", post.PostType),
		"Fix the post type.")
}

// createCarousel builds child containers for each media URL, waits for every
// child to finish processing, then assembles the parent container.
func (a *Adapter) createCarousel(ctx context.Context, post *model.Post, cred *model.Credential) (string, error) {
	urls := post.CarouselURLs()
	children := make([]string, 0, len(urls))
	for _, u := range urls {
		params := ContainerParams{IsCarouselItem: true}
		if isVideoURL(u) {
			params.MediaType = "VIDEO"
			params.VideoURL = u
		} else {
			params.MediaType = "IMAGE"
			params.ImageURL = u
		}

		childID, err := a.client.CreateContainer(ctx, cred.PlatformUserID, cred.AccessToken, params)
		if err != nil {
			return "", fmt.Errorf("create carousel item: %w", err)
		}
		children = append(children, childID)
	}

	for _, childID := range children {
		if err := a.waitForContainer(ctx, childID, cred.AccessToken); err != nil {
			return "", fmt.Errorf("carousel item %s: %w", childID, err)
		}
	}

	return a.client.CreateContainer(ctx, cred.PlatformUserID, cred.AccessToken, ContainerParams{
		MediaType: "CAROUSEL",
		Text:      post.Content,
		Children:  children,
	})
}

// waitForContainer polls container readiness until FINISHED. IN_PROGRESS and
// PUBLISHED keep polling; ERROR and EXPIRED abort; the deadline maps to a
// retryable media failure since slow processing usually means a bad file.
func (a *Adapter) waitForContainer(ctx context.Context, containerID, token string) error {
	deadline := a.timeProvider.Now().Add(a.cfg.PollTimeout)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := a.client.GetContainerStatus(ctx, containerID, token)
		if err != nil {
			return err
		}

		switch status.Status {
		case StatusFinished:
			return nil
		case StatusError:
			return apperrors.Retryable(apperrors.ReasonInvalidMedia,
				fmt.Sprintf("media processing failed: %s", status.ErrorMessage),
				"Check that the media URL is reachable and in a supported format.")
		case StatusExpired:
			return apperrors.Retryable(apperrors.ReasonInvalidMedia,
				"media container expired before publishing",
				"Retry the post.")
		case StatusInProgress, StatusPublished, "":
			// Keep polling. PUBLISHED shows up when a duplicate attempt
			// already pushed this container through.
		default:
			a.logger.WarnContext(ctx, "unknown container status",
				"container_id", containerID,
				"status", status.Status,
			)
		}

		if !a.timeProvider.Now().Before(deadline) {
			return apperrors.Retryable(apperrors.ReasonInvalidMedia,
				fmt.Sprintf("media container not ready after %s", a.cfg.PollTimeout),
				"The media may be too large or in an unsupported format.")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PublishComment posts a reply under an already-published post using a TEXT
// container with reply_to_id.
func (a *Adapter) PublishComment(
	ctx context.Context,
	req *core.PublishRequest,
	platformPostID string,
) (*core.CommentResult, error) {
	post := req.Post
	cred := req.Credential
	if req.Progress != nil {
		req.Progress(stepPostingComment, "running")
	}
	if post.Comment == nil {
		return nil, apperrors.Fatal(apperrors.ReasonUnknown,
			"post has no comment to publish", "Nothing to do.")
	}

	containerID, err := a.client.CreateContainer(ctx, cred.PlatformUserID, cred.AccessToken, ContainerParams{
		MediaType: "TEXT",
		Text:      *post.Comment,
		ReplyToID: platformPostID,
	})
	if err != nil {
		return nil, err
	}
	if err := a.waitForContainer(ctx, containerID, cred.AccessToken); err != nil {
		return nil, err
	}

	commentID, err := a.client.PublishContainer(ctx, cred.PlatformUserID, cred.AccessToken, containerID)
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "threads comment published",
		"post_id", post.ID,
		"platform_comment_id", commentID,
	)
	return &core.CommentResult{PlatformCommentID: commentID}, nil
}

// ValidateMedia checks media URL reachability ahead of container creation.
// Advisory only: container creation is the real gate, so any failure here is
// reported as a retryable error rather than blocking on false negatives.
func (a *Adapter) ValidateMedia(ctx context.Context, urls []string) error {
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
		if err != nil {
			return apperrors.Retryable(apperrors.ReasonInvalidMedia,
				fmt.Sprintf("invalid media URL %q", u),
				"Fix the media URL.")
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return apperrors.Retryable(apperrors.ReasonInvalidMedia,
				fmt.Sprintf("media URL %q is unreachable", u),
				"Check that the media URL is publicly accessible.").WithCause(err)
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			_ = closeErr
		}
		if resp.StatusCode >= 400 {
			return apperrors.Retryable(apperrors.ReasonInvalidMedia,
				fmt.Sprintf("media URL %q returned %d", u, resp.StatusCode),
				"Check that the media URL is publicly accessible.")
		}
	}
	return nil
}
