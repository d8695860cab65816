// Package worker provides the queue-consuming runners: the publish worker
// pool and the scheduler tick worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/domain/model"
	apperrors "github.com/postpilot/postpilot/internal/errors"
	"github.com/postpilot/postpilot/internal/observability/metrics"
	"github.com/postpilot/postpilot/internal/observability/statsd"
	"github.com/postpilot/postpilot/internal/service"
)

// RunnerOptions configures the publish worker pool.
type RunnerOptions struct {
	Queue     core.JobQueue
	Publisher *service.PublisherService
	Logger    *slog.Logger
	Metrics   statsd.Sink

	// Lease is the per-job lease duration; defaults to 5m.
	Lease time.Duration
	// Concurrency is the number of worker goroutines; defaults to 5.
	Concurrency int
	// PollInterval bounds how long a worker sleeps without a notification.
	// Needed because delayed jobs (retries) notify at insert, not when due.
	PollInterval time.Duration
	// ReclaimInterval is how often expired leases are swept.
	ReclaimInterval time.Duration
}

// Runner pulls publish jobs and executes them through the publisher pipeline.
type Runner struct {
	queue     core.JobQueue
	publisher *service.PublisherService
	logger    *slog.Logger
	metrics   statsd.Sink

	lease           time.Duration
	workers         int
	pollInterval    time.Duration
	reclaimInterval time.Duration
}

// NewRunner constructs a publish worker pool.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 5
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}
	reclaim := opts.ReclaimInterval
	if reclaim <= 0 {
		reclaim = 30 * time.Second
	}

	return &Runner{
		queue:           opts.Queue,
		publisher:       opts.Publisher,
		logger:          logger,
		metrics:         opts.Metrics,
		lease:           lease,
		workers:         workers,
		pollInterval:    poll,
		reclaimInterval: reclaim,
	}, nil
}

// Run starts the worker pool and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting publish worker",
		"workers", r.workers,
		"lease", r.lease,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	notify := make(chan struct{}, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.notifyLoop(ctx, notify)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reclaimLoop(ctx)
	}()

	errCh := make(chan error, 1)
	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, notify); err != nil {
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// notifyLoop bridges Postgres LISTEN notifications into the shared wake
// channel. Connection failures back off and retry.
func (r *Runner) notifyLoop(ctx context.Context, notify chan<- struct{}) {
	for ctx.Err() == nil {
		err := r.queue.WaitForNotification(ctx, model.JobTypePublish)
		if err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "job notification wait failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

// reclaimLoop sweeps expired leases. Jobs the queue failed for exceeding
// their stall budget get domain recovery: the post is reconciled against what
// actually reached the platform.
func (r *Runner) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(r.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stalled, err := r.queue.RequeueExpired(ctx, model.JobTypePublish)
		if err != nil {
			r.logger.ErrorContext(ctx, "requeue expired jobs failed", "error", err)
			continue
		}
		for _, job := range stalled {
			if err := r.publisher.RecoverStalledJob(ctx, job); err != nil {
				r.logger.ErrorContext(ctx, "recover stalled job failed",
					"job_id", job.ID,
					"error", err,
				)
			}
		}
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.queue.ReserveNext(ctx, model.JobTypePublish, r.lease)
		switch {
		case err == nil:
			r.processJob(ctx, job)
		case errors.Is(err, model.ErrNoJobsAvailable):
			select {
			case <-ctx.Done():
				return nil
			case <-notify:
			case <-time.After(r.pollInterval):
			}
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

// processJob runs one job through the pipeline with a heartbeat keeping the
// lease alive, then routes the outcome to the queue by classification.
//
// The job runs detached from shutdown: cancelling mid-pipeline between the
// platform call and the result write would lose the platform post ID. The
// lease bounds the drain instead, and Run's WaitGroup holds shutdown until
// every in-flight job has been routed.
func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	base := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(base, r.lease)
	defer cancel()

	go r.heartbeatLoop(jobCtx, job.ID)

	err := r.publisher.ProcessJob(jobCtx, job)
	cancel()

	if err == nil {
		if _, cerr := r.queue.Complete(base, job.ID); cerr != nil {
			r.logger.ErrorContext(base, "complete job failed", "job_id", job.ID, "error", cerr)
		}
		metrics.EmitPublishJob(r.metrics, metrics.PublishJobMetric{
			Result:   metrics.ResultSuccess,
			Duration: time.Since(start),
		})
		return
	}

	category := apperrors.ClassifyPublish(err)
	r.logger.WarnContext(base, "publish job failed",
		"job_id", job.ID,
		"category", category,
		"reason", apperrors.PublishReason(err),
		"error", err,
	)

	var ferr error
	if category == apperrors.CategoryFatal {
		_, ferr = r.queue.FailTerminal(base, job.ID, err.Error())
	} else {
		_, ferr = r.queue.Fail(base, job.ID, err.Error())
	}
	if ferr != nil {
		r.logger.ErrorContext(base, "fail job failed", "job_id", job.ID, "error", ferr)
	}

	metrics.EmitPublishJob(r.metrics, metrics.PublishJobMetric{
		Result:   metrics.ResultError,
		Reason:   apperrors.PublishReason(err),
		Category: string(category),
		Duration: time.Since(start),
	})
}

// heartbeatLoop extends the job lease while the pipeline runs. A lost
// heartbeat (job reclaimed elsewhere) cancels nothing here; the version
// guard and execution lock make the duplicate attempt harmless.
func (r *Runner) heartbeatLoop(ctx context.Context, jobID string) {
	interval := r.lease / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := r.queue.Heartbeat(ctx, jobID, r.lease)
		if err != nil {
			r.logger.WarnContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
			continue
		}
		if !ok {
			r.logger.WarnContext(ctx, "job lease lost", "job_id", jobID)
			return
		}
	}
}
