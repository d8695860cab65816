package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/postpilot/postpilot/config"
	"github.com/postpilot/postpilot/internal/adapters/reaper"
	"github.com/postpilot/postpilot/internal/adapters/threads"
	"github.com/postpilot/postpilot/internal/adapters/worker"
	"github.com/postpilot/postpilot/internal/data"
	"github.com/postpilot/postpilot/internal/domain/model"
	"github.com/postpilot/postpilot/internal/observability/statsd"
	"github.com/postpilot/postpilot/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Posts     *service.PostService
	Scheduler *service.SchedulerService
	Publisher *service.PublisherService

	Queue       *data.JobRepo
	Credentials *data.CredentialRepo
	MetricsSink *statsd.Client
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Posts       *data.PostRepo
	Jobs        *data.JobRepo
	Credentials *data.CredentialRepo
	State       *data.SchedulerStateRepo
}

func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, logger *slog.Logger) *serviceRepositories {
	return &serviceRepositories{
		Posts:       data.NewPostRepo(db, data.PostRepoConfig{Logger: logger}),
		Jobs:        data.NewJobRepo(db, data.JobRepoConfig{Logger: logger}),
		Credentials: data.NewCredentialRepo(db, nil),
		State:       data.NewSchedulerStateRepo(redisClient),
	}
}

func buildMetricsSink(cfg config.MetricsConfig, logger *slog.Logger) *statsd.Client {
	if !cfg.IsEnabled() {
		return nil
	}
	sink, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Address,
		Prefix:  cfg.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return nil
	}
	return sink
}

func buildAdapter(cfg config.ThreadsConfig, logger *slog.Logger) *threads.Adapter {
	client := threads.NewClient(threads.ClientConfig{
		BaseURL:           cfg.Endpoint(),
		Timeout:           cfg.HTTPTimeout,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
	return threads.NewAdapter(threads.AdapterOptions{
		Client: client,
		Config: &threads.AdapterConfig{
			PollInterval: cfg.PollInterval,
			PollTimeout:  cfg.PollTimeout,
		},
		Logger: logger,
	})
}

// NewServices wires repositories and domain services from shared infrastructure.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	repos := buildRepositories(deps.DB, deps.RedisClient, logger)
	sink := buildMetricsSink(cfg.Observability.Metrics, logger)
	adapter := buildAdapter(cfg.Threads, logger)

	scheduler := service.NewSchedulerService(service.SchedulerServiceOptions{
		Posts: repos.Posts,
		Queue: repos.Jobs,
		State: repos.State,
		Config: &service.SchedulerConfig{
			BatchWindow:  cfg.Scheduler.BatchWindow(),
			LockTTL:      cfg.Scheduler.LockTTL,
			LockRetries:  10,
			RearmRetries: cfg.Scheduler.RearmRetries,
		},
		Logger: logger,
	})

	publisher := service.NewPublisherService(service.PublisherServiceOptions{
		Posts:       repos.Posts,
		Queue:       repos.Jobs,
		Credentials: repos.Credentials,
		Adapter:     adapter,
		Events:      scheduler,
		Config: &service.PublisherConfig{
			DuplicationWindow: cfg.Publisher.DuplicationWindow(),
			ExecutionLockTTL:  cfg.Publisher.ExecutionLockTTL(),
			CommentDelay:      cfg.Publisher.CommentDelay,
			CommentMaxRetries: cfg.Publisher.CommentMaxRetries,
			CommentRetryDelay: cfg.Publisher.CommentRetryDelay,
			Timezone:          cfg.Publisher.Timezone,
		},
		Logger: logger,
	})

	posts := service.NewPostService(service.PostServiceOptions{
		Posts:  repos.Posts,
		Queue:  repos.Jobs,
		Events: scheduler,
		Config: &service.PostServiceConfig{
			Timezone:   cfg.Publisher.Timezone,
			StuckAfter: cfg.Reaper.StuckAfter,
		},
		Logger: logger,
	})

	return ServiceContainer{
		Posts:       posts,
		Scheduler:   scheduler,
		Publisher:   publisher,
		Queue:       repos.Jobs,
		Credentials: repos.Credentials,
		MetricsSink: sink,
	}, nil
}

// SeedCredential upserts the env-configured credential when present, so
// fresh deployments can publish without a separate provisioning step.
func SeedCredential(ctx context.Context, svc ServiceContainer, cfg config.ThreadsConfig, logger *slog.Logger) error {
	if !cfg.HasSeedCredential() {
		return nil
	}
	cred, err := svc.Credentials.Upsert(ctx, &model.Credential{
		PlatformUserID: cfg.UserID,
		AccessToken:    cfg.AccessToken,
	})
	if err != nil {
		return fmt.Errorf("seed credential: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "credential seeded from environment", "credential_id", cred.ID)
	}
	return nil
}

// RunServices starts every enabled service and blocks until a shutdown
// signal arrives or one of them fails.
func RunServices(ctx context.Context, cfg *config.AppConfig, svc ServiceContainer, logger *slog.Logger) error {
	if cfg == nil {
		return errors.New("app config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if enabled[config.ServiceModePublishWorker] {
		runner, err := worker.NewRunner(worker.RunnerOptions{
			Queue:           svc.Queue,
			Publisher:       svc.Publisher,
			Logger:          logger,
			Metrics:         svc.MetricsSink,
			Lease:           cfg.Worker.JobTimeout(),
			Concurrency:     cfg.Worker.Concurrency,
			PollInterval:    cfg.Worker.PollInterval,
			ReclaimInterval: cfg.Worker.ReclaimInterval,
		})
		if err != nil {
			return fmt.Errorf("build publish worker: %w", err)
		}
		g.Go(func() error { return ignoreCanceled(runner.Run(ctx)) })
	}

	if enabled[config.ServiceModeTickWorker] {
		runner, err := worker.NewTickRunner(worker.TickRunnerOptions{
			Queue:            svc.Queue,
			Scheduler:        svc.Scheduler,
			Logger:           logger,
			ValidateInterval: cfg.Scheduler.ValidateInterval,
			EventDriven:      cfg.Scheduler.EventDriven,
		})
		if err != nil {
			return fmt.Errorf("build tick worker: %w", err)
		}
		g.Go(func() error { return ignoreCanceled(runner.Run(ctx)) })
	}

	if enabled[config.ServiceModeReaper] {
		runner, err := reaper.NewRunner(reaper.RunnerOptions{
			Queue:         svc.Queue,
			Posts:         svc.Posts,
			Logger:        logger,
			Interval:      cfg.Reaper.Interval,
			KeepCompleted: cfg.Reaper.KeepCompleted,
			KeepFailed:    cfg.Reaper.KeepFailed,
		})
		if err != nil {
			return fmt.Errorf("build reaper: %w", err)
		}
		g.Go(func() error { return ignoreCanceled(runner.Run(ctx)) })
	}

	err = g.Wait()
	if svc.MetricsSink != nil {
		if cerr := svc.MetricsSink.Close(); cerr != nil {
			logger.Warn("close metrics sink failed", "error", cerr)
		}
	}
	return err
}

// ignoreCanceled keeps signal-driven shutdown from surfacing as a failure.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
