// Package reaper provides the maintenance runner: stuck-post resolution and
// finished-job retention.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/domain/model"
	"github.com/postpilot/postpilot/internal/service"
)

// RunnerOptions configures the reaper.
type RunnerOptions struct {
	Queue  core.JobQueue
	Posts  *service.PostService
	Logger *slog.Logger

	// Interval is how often maintenance runs; defaults to 1m.
	Interval time.Duration
	// KeepCompleted / KeepFailed bound finished-job retention per queue.
	KeepCompleted int
	KeepFailed    int
}

// Runner periodically resolves stuck publishing posts and prunes finished
// queue jobs.
type Runner struct {
	queue  core.JobQueue
	posts  *service.PostService
	logger *slog.Logger

	interval      time.Duration
	keepCompleted int
	keepFailed    int
}

// NewRunner constructs a reaper runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Posts == nil {
		return nil, errors.New("post service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	keepCompleted := opts.KeepCompleted
	if keepCompleted <= 0 {
		keepCompleted = 100
	}
	keepFailed := opts.KeepFailed
	if keepFailed <= 0 {
		keepFailed = 1000
	}

	return &Runner{
		queue:         opts.Queue,
		posts:         opts.Posts,
		logger:        logger,
		interval:      interval,
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
	}, nil
}

// Run performs maintenance on the configured interval until the context is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		r.sweep(ctx)
	}
}

func (r *Runner) sweep(ctx context.Context) {
	fixed, err := r.posts.FixStuckPosts(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "fix stuck posts failed", "error", err)
	} else if fixed > 0 {
		r.logger.InfoContext(ctx, "stuck posts resolved", "count", fixed)
	}

	for _, jt := range []model.JobType{model.JobTypePublish, model.JobTypeSchedulerTick} {
		pruned, err := r.queue.PruneFinished(ctx, core.PruneParams{
			JobType:       jt,
			KeepCompleted: r.keepCompleted,
			KeepFailed:    r.keepFailed,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "prune finished jobs failed",
				"job_type", jt,
				"error", err,
			)
			continue
		}
		if pruned > 0 {
			r.logger.DebugContext(ctx, "finished jobs pruned",
				"job_type", jt,
				"count", pruned,
			)
		}
	}
}
