package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/domain/model"
	"github.com/postpilot/postpilot/internal/service"
)

// TickRunnerOptions configures the scheduler tick worker.
type TickRunnerOptions struct {
	Queue     core.JobQueue
	Scheduler *service.SchedulerService
	Logger    *slog.Logger

	// Lease is the per-tick lease duration; defaults to 1m.
	Lease time.Duration
	// PollInterval bounds the sleep without notifications; armed ticks fire
	// by scheduled_at, not by notification.
	PollInterval time.Duration
	// ValidateInterval is how often state/store drift is reconciled.
	ValidateInterval time.Duration
	// EventDriven selects the armed-tick model. When false the runner falls
	// back to scanning for due posts on every poll interval.
	EventDriven bool
}

// TickRunner consumes scheduler tick jobs with a single worker. Only one tick
// is ever armed, so concurrency buys nothing and would only create lock
// contention.
type TickRunner struct {
	queue     core.JobQueue
	scheduler *service.SchedulerService
	logger    *slog.Logger

	lease            time.Duration
	pollInterval     time.Duration
	validateInterval time.Duration
	eventDriven      bool
}

// NewTickRunner constructs the scheduler tick worker.
func NewTickRunner(opts TickRunnerOptions) (*TickRunner, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = time.Minute
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	validate := opts.ValidateInterval
	if validate <= 0 {
		validate = time.Minute
	}

	return &TickRunner{
		queue:            opts.Queue,
		scheduler:        opts.Scheduler,
		logger:           logger,
		lease:            lease,
		pollInterval:     poll,
		validateInterval: validate,
		eventDriven:      opts.EventDriven,
	}, nil
}

// Run processes scheduler ticks until the context is cancelled. On startup
// the armed state is rebuilt from the store.
func (r *TickRunner) Run(ctx context.Context) error {
	if !r.eventDriven {
		return r.runPolling(ctx)
	}

	r.logger.InfoContext(ctx, "starting scheduler tick worker", "lease", r.lease)

	if err := r.scheduler.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.validateLoop(ctx)
	}()

	err := r.tickLoop(ctx)
	cancel()
	wg.Wait()
	return err
}

func (r *TickRunner) tickLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		job, err := r.queue.ReserveNext(ctx, model.JobTypeSchedulerTick, r.lease)
		switch {
		case err == nil:
			r.processTick(ctx, job)
		case errors.Is(err, model.ErrNoJobsAvailable):
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.pollInterval):
			}
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reserve tick: %w", err)
		}
	}
	return ctx.Err()
}

func (r *TickRunner) processTick(ctx context.Context, job *model.Job) {
	var payload model.TickJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		r.logger.ErrorContext(ctx, "malformed tick payload", "job_id", job.ID, "error", err)
		if _, ferr := r.queue.FailTerminal(ctx, job.ID, "malformed tick payload"); ferr != nil {
			r.logger.ErrorContext(ctx, "fail tick job failed", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if err := r.scheduler.ProcessDueTick(ctx, &payload); err != nil {
		r.logger.ErrorContext(ctx, "process tick failed", "job_id", job.ID, "error", err)
		if _, ferr := r.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			r.logger.ErrorContext(ctx, "fail tick job failed", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if _, err := r.queue.Complete(ctx, job.ID); err != nil {
		r.logger.ErrorContext(ctx, "complete tick job failed", "job_id", job.ID, "error", err)
	}

	// Sweep stale tick leases; stall-budget failures need no domain
	// recovery since a replacement tick re-reads the store.
	if _, err := r.queue.RequeueExpired(ctx, model.JobTypeSchedulerTick); err != nil {
		r.logger.WarnContext(ctx, "requeue expired ticks failed", "error", err)
	}
}

func (r *TickRunner) validateLoop(ctx context.Context) {
	ticker := time.NewTicker(r.validateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.scheduler.Validate(ctx); err != nil {
			r.logger.WarnContext(ctx, "scheduler validation failed", "error", err)
		}
	}
}

// runPolling is the legacy mode: scan for due posts on a fixed interval
// instead of arming ticks. Kept for deployments that cannot run Redis.
func (r *TickRunner) runPolling(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler in polling mode", "interval", r.validateInterval)

	ticker := time.NewTicker(r.validateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		payload := &model.TickJobPayload{CheckTime: time.Now().UnixMilli()}
		if err := r.scheduler.ProcessDueTick(ctx, payload); err != nil {
			r.logger.ErrorContext(ctx, "polling tick failed", "error", err)
		}
	}
}
