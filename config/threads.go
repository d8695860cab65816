package config

import (
	"strings"
	"time"
)

// ThreadsConfig contains Threads Graph API configuration.
type ThreadsConfig struct {
	// BaseURL is the Graph API host, without the version segment.
	BaseURL string `env:"THREADS_API_BASE_URL" envDefault:"https://graph.threads.net"`

	// APIVersion is the Graph API version segment.
	APIVersion string `env:"THREADS_API_VERSION" envDefault:"v1.0"`

	// HTTPTimeout bounds a single Graph API request.
	HTTPTimeout time.Duration `env:"THREADS_HTTP_TIMEOUT" envDefault:"60s"`

	// RequestsPerMinute throttles outbound Graph API calls per process.
	RequestsPerMinute int `env:"THREADS_RATE_LIMIT_PER_MIN" envDefault:"10"`

	// PollInterval is how often media container readiness is checked.
	PollInterval time.Duration `env:"THREADS_POLL_INTERVAL" envDefault:"5s"`

	// PollTimeout bounds the whole container readiness wait.
	PollTimeout time.Duration `env:"THREADS_POLL_TIMEOUT" envDefault:"5m"`

	// AccessToken and UserID seed a default credential on startup when both
	// are set. Credentials otherwise live in the database.
	AccessToken string `env:"THREADS_ACCESS_TOKEN"`
	UserID      string `env:"THREADS_USER_ID"`
}

// Endpoint returns the versioned API base URL.
func (t *ThreadsConfig) Endpoint() string {
	return strings.TrimSuffix(t.BaseURL, "/") + "/" + strings.Trim(t.APIVersion, "/")
}

// Sanitize applies guardrails to Threads configuration values.
func (t *ThreadsConfig) Sanitize() {
	t.BaseURL = strings.TrimSpace(t.BaseURL)
	if t.APIVersion = strings.TrimSpace(t.APIVersion); t.APIVersion == "" {
		t.APIVersion = "v1.0"
	}
	if t.HTTPTimeout <= 0 {
		t.HTTPTimeout = 60 * time.Second
	}
	if t.RequestsPerMinute < 1 {
		t.RequestsPerMinute = 1
	}
	if t.PollInterval < time.Second {
		t.PollInterval = time.Second
	}
	if t.PollTimeout < t.PollInterval {
		t.PollTimeout = 5 * time.Minute
	}
	t.AccessToken = strings.TrimSpace(t.AccessToken)
	t.UserID = strings.TrimSpace(t.UserID)
}

// HasSeedCredential reports whether a startup credential is configured.
func (t *ThreadsConfig) HasSeedCredential() bool {
	return t.AccessToken != "" && t.UserID != ""
}
