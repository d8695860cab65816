// Package threads implements the Meta Threads publishing adapter: the Graph
// API client and the container-based publish state machine.
package threads

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Threads Graph API endpoint.
const DefaultBaseURL = "https://graph.threads.net/v1.0"

// ClientConfig holds configuration for the Graph API client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerMinute throttles outbound API calls across the process.
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// Client is a minimal Threads Graph API client. All calls share one rate
// limiter so concurrent workers stay under the platform request cap.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient builds a Graph API client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 10
	}

	return &Client{
		baseURL: baseURL,
		client:  hc,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm),
	}
}

// ContainerParams describes a media container to create.
type ContainerParams struct {
	// MediaType is TEXT, IMAGE, VIDEO, or CAROUSEL.
	MediaType string
	Text      string
	ImageURL  string
	VideoURL  string
	// Children holds child container IDs for CAROUSEL containers.
	Children []string
	// IsCarouselItem marks a child container.
	IsCarouselItem bool
	// ReplyToID makes the container a reply under an existing post.
	ReplyToID string
}

// ContainerStatus is the readiness state of a media container.
type ContainerStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// Container status values returned by the platform.
const (
	StatusFinished   = "FINISHED"
	StatusInProgress = "IN_PROGRESS"
	StatusPublished  = "PUBLISHED"
	StatusError      = "ERROR"
	StatusExpired    = "EXPIRED"
)

type idResponse struct {
	ID string `json:"id"`
}

// CreateContainer creates a media container for the given user and returns
// its ID.
func (c *Client) CreateContainer(ctx context.Context, userID, token string, params ContainerParams) (string, error) {
	form := url.Values{}
	form.Set("media_type", params.MediaType)
	if params.Text != "" {
		form.Set("text", params.Text)
	}
	if params.ImageURL != "" {
		form.Set("image_url", params.ImageURL)
	}
	if params.VideoURL != "" {
		form.Set("video_url", params.VideoURL)
	}
	if len(params.Children) > 0 {
		form.Set("children", strings.Join(params.Children, ","))
	}
	if params.IsCarouselItem {
		form.Set("is_carousel_item", "true")
	}
	if params.ReplyToID != "" {
		form.Set("reply_to_id", params.ReplyToID)
	}

	var resp idResponse
	endpoint := fmt.Sprintf("%s/%s/threads", c.baseURL, url.PathEscape(userID))
	if err := c.postForm(ctx, endpoint, token, form, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("container creation returned no id")
	}
	return resp.ID, nil
}

// GetContainerStatus fetches the readiness state of a container.
func (c *Client) GetContainerStatus(ctx context.Context, containerID, token string) (*ContainerStatus, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=id,status,error_message",
		c.baseURL, url.PathEscape(containerID))

	var status ContainerStatus
	if err := c.get(ctx, endpoint, token, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PublishContainer publishes a finished container and returns the live post ID.
func (c *Client) PublishContainer(ctx context.Context, userID, token, containerID string) (string, error) {
	form := url.Values{}
	form.Set("creation_id", containerID)

	var resp idResponse
	endpoint := fmt.Sprintf("%s/%s/threads_publish", c.baseURL, url.PathEscape(userID))
	if err := c.postForm(ctx, endpoint, token, form, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("publish returned no id")
	}
	return resp.ID, nil
}

func (c *Client) postForm(ctx context.Context, endpoint, token string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	form.Set("access_token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint, token string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return networkError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyAPIError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
