package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	t.Parallel()

	t.Run("valid list", func(t *testing.T) {
		t.Parallel()
		services, err := ParseServices("publish-worker, tick-worker,reaper")
		require.NoError(t, err)
		assert.True(t, services[ServiceModePublishWorker])
		assert.True(t, services[ServiceModeTickWorker])
		assert.True(t, services[ServiceModeReaper])
	})

	t.Run("invalid name", func(t *testing.T) {
		t.Parallel()
		_, err := ParseServices("publish-worker,http")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid service name")
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		_, err := ParseServices("")
		require.Error(t, err)
	})

	t.Run("only separators", func(t *testing.T) {
		t.Parallel()
		_, err := ParseServices(" , ,")
		require.Error(t, err)
	})
}

func TestAppConfigDefaults(t *testing.T) {
	t.Setenv("TZ", "Asia/Ho_Chi_Minh")

	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, "publish-worker,tick-worker,reaper", cfg.Services)
	assert.True(t, cfg.Scheduler.EventDriven)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.BatchWindow())
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Worker.JobTimeout())
	assert.Equal(t, 24*time.Hour, cfg.Publisher.DuplicationWindow())
	assert.Equal(t, 5*time.Minute, cfg.Publisher.ExecutionLockTTL())
	assert.Equal(t, 3, cfg.Publisher.CommentMaxRetries)
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.Publisher.Timezone)
	assert.Equal(t, "https://graph.threads.net/v1.0", cfg.Threads.Endpoint())
	assert.Equal(t, 10, cfg.Threads.RequestsPerMinute)
	assert.False(t, cfg.Observability.Metrics.IsEnabled())
}

func TestAppConfigFromEnv(t *testing.T) {
	t.Setenv("SERVICES", "publish-worker")
	t.Setenv("SCHEDULER_BATCH_WINDOW_MS", "2500")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("JOB_TIMEOUT", "120000")
	t.Setenv("DUPLICATION_WINDOW_HOURS", "48")
	t.Setenv("USE_EVENT_DRIVEN_SCHEDULER", "false")
	t.Setenv("THREADS_API_BASE_URL", "https://graph.example.test/")
	t.Setenv("THREADS_API_VERSION", "v2.0")
	t.Setenv("STATSD_ENABLED", "true")
	t.Setenv("STATSD_ADDRESS", "  ")

	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.True(t, cfg.IsPublishWorkerEnabled())
	assert.False(t, cfg.IsTickWorkerEnabled())
	assert.False(t, cfg.IsReaperEnabled())
	assert.Equal(t, 2500*time.Millisecond, cfg.Scheduler.BatchWindow())
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Worker.JobTimeout())
	assert.Equal(t, 48*time.Hour, cfg.Publisher.DuplicationWindow())
	assert.False(t, cfg.Scheduler.EventDriven)
	assert.Equal(t, "https://graph.example.test/v2.0", cfg.Threads.Endpoint())

	// Blank address disables metrics even when the flag is on.
	assert.False(t, cfg.Observability.Metrics.IsEnabled())
}

func TestSanitizeGuardrails(t *testing.T) {
	t.Parallel()

	cfg := AppConfig{
		Scheduler: SchedulerConfig{BatchWindowMS: 0, LockTTL: 0, ValidateInterval: 0, RearmRetries: 0},
		Worker:    WorkerConfig{Concurrency: -1, JobTimeoutMS: 5, PollInterval: 0, ReclaimInterval: 0},
		Publisher: PublisherConfig{DuplicationWindowHours: 0, ExecutionLockTimeoutMS: 0, CommentRetryDelay: 0},
		Reaper:    ReaperConfig{Interval: time.Second, KeepCompleted: 0, KeepFailed: 0, StuckAfter: 0},
		Threads:   ThreadsConfig{RequestsPerMinute: 0, PollInterval: 0, PollTimeout: 0},
	}
	cfg.Sanitize()

	assert.Equal(t, 100, cfg.Scheduler.BatchWindowMS)
	assert.Equal(t, time.Second, cfg.Scheduler.LockTTL)
	assert.Equal(t, 1, cfg.Scheduler.RearmRetries)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 1000, cfg.Worker.JobTimeoutMS)
	assert.Equal(t, 1, cfg.Publisher.DuplicationWindowHours)
	assert.Equal(t, 1000, cfg.Publisher.ExecutionLockTimeoutMS)
	assert.Equal(t, 30*time.Second, cfg.Reaper.Interval)
	assert.Equal(t, 1, cfg.Reaper.KeepCompleted)
	assert.Equal(t, time.Minute, cfg.Reaper.StuckAfter)
	assert.Equal(t, "v1.0", cfg.Threads.APIVersion)
	assert.Equal(t, 1, cfg.Threads.RequestsPerMinute)
	assert.Equal(t, 5*time.Minute, cfg.Threads.PollTimeout)
}

func TestThreadsSeedCredential(t *testing.T) {
	t.Parallel()

	cfg := ThreadsConfig{AccessToken: " token ", UserID: " 1234 "}
	cfg.Sanitize()
	assert.True(t, cfg.HasSeedCredential())
	assert.Equal(t, "token", cfg.AccessToken)
	assert.Equal(t, "1234", cfg.UserID)

	cfg = ThreadsConfig{AccessToken: "token"}
	cfg.Sanitize()
	assert.False(t, cfg.HasSeedCredential())
}
