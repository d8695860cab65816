package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModePublishWorker runs the publish worker pool.
	ServiceModePublishWorker ServiceMode = "publish-worker"
	// ServiceModeTickWorker runs the scheduler tick worker.
	ServiceModeTickWorker ServiceMode = "tick-worker"
	// ServiceModeReaper runs the maintenance reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModePublishWorker,
		ServiceModeTickWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModePublishWorker, ServiceModeTickWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: publish-worker, tick-worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scheduler tick configuration.
type SchedulerConfig struct {
	// EventDriven selects the armed-tick scheduler. When false the tick
	// worker falls back to interval polling.
	EventDriven bool `env:"USE_EVENT_DRIVEN_SCHEDULER" envDefault:"true"`

	// BatchWindowMS groups posts due within this many milliseconds into one
	// tick firing.
	BatchWindowMS int `env:"SCHEDULER_BATCH_WINDOW_MS" envDefault:"5000"`

	// LockTTL bounds how long the scheduler mutation lock may be held.
	LockTTL time.Duration `env:"SCHEDULER_LOCK_TTL" envDefault:"10s"`

	// ValidateInterval is how often armed state is reconciled against the
	// store. In polling mode this is the scan interval.
	ValidateInterval time.Duration `env:"SCHEDULER_VALIDATE_INTERVAL" envDefault:"1m"`

	// RearmRetries is how many re-arm attempts follow a tick before state is
	// cleared for the validator to rebuild.
	RearmRetries int `env:"SCHEDULER_REARM_RETRIES" envDefault:"3"`
}

// BatchWindow returns the batch window as a duration.
func (s *SchedulerConfig) BatchWindow() time.Duration {
	return time.Duration(s.BatchWindowMS) * time.Millisecond
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.BatchWindowMS < 100 {
		s.BatchWindowMS = 100
	}
	if s.LockTTL < time.Second {
		s.LockTTL = time.Second
	}
	if s.ValidateInterval < 5*time.Second {
		s.ValidateInterval = 5 * time.Second
	}
	if s.RearmRetries < 1 {
		s.RearmRetries = 1
	}
}

// WorkerConfig contains publish worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"5"`

	// JobTimeoutMS is the per-job lease in milliseconds. A job whose lease
	// expires without a heartbeat is reclaimed.
	JobTimeoutMS int `env:"JOB_TIMEOUT" envDefault:"300000"`

	// PollInterval bounds the sleep between queue polls when no
	// notifications arrive. Delayed retries only surface via polling.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"15s"`

	// ReclaimInterval is how often expired job leases are swept.
	ReclaimInterval time.Duration `env:"WORKER_RECLAIM_INTERVAL" envDefault:"30s"`
}

// JobTimeout returns the job lease as a duration.
func (w *WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutMS) * time.Millisecond
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobTimeoutMS < 1000 {
		w.JobTimeoutMS = 1000
	}
	if w.PollInterval < time.Second {
		w.PollInterval = time.Second
	}
	if w.ReclaimInterval < 5*time.Second {
		w.ReclaimInterval = 5 * time.Second
	}
}

// PublisherConfig contains publish pipeline configuration.
type PublisherConfig struct {
	// DuplicationWindowHours is how far back identical published content
	// blocks a new publish.
	DuplicationWindowHours int `env:"DUPLICATION_WINDOW_HOURS" envDefault:"24"`

	// ExecutionLockTimeoutMS bounds one publish attempt's exclusive claim on
	// a post, in milliseconds.
	ExecutionLockTimeoutMS int `env:"EXECUTION_LOCK_TIMEOUT_MS" envDefault:"300000"`

	// CommentDelay is the wait between publish and reply comment.
	CommentDelay time.Duration `env:"COMMENT_DELAY" envDefault:"30s"`

	// CommentMaxRetries caps comment-only retry jobs per post.
	CommentMaxRetries int `env:"COMMENT_MAX_RETRIES" envDefault:"3"`

	// CommentRetryDelay is the base delay for comment-only retries,
	// multiplied by the attempt number.
	CommentRetryDelay time.Duration `env:"COMMENT_RETRY_DELAY" envDefault:"1m"`

	// Timezone is the zone recurrence math runs in.
	Timezone string `env:"TZ" envDefault:"Asia/Ho_Chi_Minh"`
}

// DuplicationWindow returns the duplicate-content window as a duration.
func (p *PublisherConfig) DuplicationWindow() time.Duration {
	return time.Duration(p.DuplicationWindowHours) * time.Hour
}

// ExecutionLockTTL returns the execution lock timeout as a duration.
func (p *PublisherConfig) ExecutionLockTTL() time.Duration {
	return time.Duration(p.ExecutionLockTimeoutMS) * time.Millisecond
}

// Sanitize applies guardrails to publisher configuration values.
func (p *PublisherConfig) Sanitize() {
	if p.DuplicationWindowHours < 1 {
		p.DuplicationWindowHours = 1
	}
	if p.ExecutionLockTimeoutMS < 1000 {
		p.ExecutionLockTimeoutMS = 1000
	}
	if p.CommentDelay < 0 {
		p.CommentDelay = 0
	}
	if p.CommentMaxRetries < 0 {
		p.CommentMaxRetries = 0
	}
	if p.CommentRetryDelay < time.Second {
		p.CommentRetryDelay = time.Second
	}
	p.Timezone = strings.TrimSpace(p.Timezone)
}

// ReaperConfig contains maintenance reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// KeepCompleted is how many completed jobs to retain per job type.
	KeepCompleted int `env:"REAPER_KEEP_COMPLETED" envDefault:"100"`

	// KeepFailed is how many failed jobs to retain per job type.
	KeepFailed int `env:"REAPER_KEEP_FAILED" envDefault:"1000"`

	// StuckAfter is how long a publishing post may sit without progress
	// before it is resolved.
	StuckAfter time.Duration `env:"REAPER_STUCK_AFTER" envDefault:"5m"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 30*time.Second {
		r.Interval = 30 * time.Second
	}
	if r.KeepCompleted < 1 {
		r.KeepCompleted = 1
	}
	if r.KeepFailed < 1 {
		r.KeepFailed = 1
	}
	if r.StuckAfter < time.Minute {
		r.StuckAfter = time.Minute
	}
}
