package data

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/data/pgxutil"
	"github.com/postpilot/postpilot/internal/domain/model"
	"github.com/postpilot/postpilot/internal/errors"
)

// JobRepoConfig holds configuration options for the job queue repository.
type JobRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides the durable Postgres-backed job queue.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg JobRepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobRepo{DB: db, timeProvider: tp, logger: cfg.Logger}
}

const jobColumns = `
  id,
  type,
  key,
  status,
  payload,
  scheduled_at,
  started_at,
  completed_at,
  retry_count,
  max_retries,
  backoff_base_ms,
  stall_count,
  max_stalls,
  last_error,
  lease_expires_at,
  created_at,
  updated_at
`

// SQL used by ReserveNext to atomically reserve the next job.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    started_at = COALESCE(j.started_at, $3),
    lease_expires_at = $4,
    updated_at = $5
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + jobColumns

// Enqueue inserts a job. A duplicate key is a no-op: the already-queued job is
// returned instead, so firing the same work twice collapses to one execution.
func (r *JobRepo) Enqueue(ctx context.Context, req *model.EnqueueJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, stderrors.New("enqueue job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = model.DefaultMaxRetries
	}
	backoff := req.BackoffBase
	if backoff <= 0 {
		backoff = model.DefaultBackoffBase
	}

	now := r.timeProvider.Now().UTC()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, `
				INSERT INTO jobs (type, key, status, payload, scheduled_at, max_retries, backoff_base_ms, max_stalls)
				VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7)
				RETURNING `+jobColumns,
				req.Type, req.Key, []byte(req.Payload), scheduledAt,
				maxRetries, backoff.Milliseconds(), model.DefaultMaxStalls)
			if qerr != nil {
				return fmt.Errorf("insert job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			rows.Close()
			if cerr != nil {
				return fmt.Errorf("collect job: %w", cerr)
			}

			channel := "job_added_" + string(req.Type)
			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, j.ID); execErr != nil {
				return fmt.Errorf("send job notification: %w", execErr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.IsUniqueViolation(err) {
			return r.GetByKey(ctx, req.Key)
		}
		return nil, err
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJobFromRow(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByKey retrieves a job by its idempotency key.
func (r *JobRepo) GetByKey(ctx context.Context, key string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE key = $1`, key)
	job, err := scanJobFromRow(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("job with key %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get job by key: %w", err)
	}
	return job, nil
}

// Advisory lock namespace for RequeueExpired to avoid cross-job-type contention.
const advisoryLockRequeueMajor int64 = 2001

func advisoryLockRequeueMinor(jobType model.JobType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobType))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// RequeueExpired reclaims running jobs whose lease has lapsed. Jobs within
// their stall budget return to pending with the stall counted; jobs beyond it
// are failed and returned so the caller can run domain recovery for them.
func (r *JobRepo) RequeueExpired(ctx context.Context, jobType model.JobType) ([]*model.Job, error) {
	var failed []*model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockRequeueMinor(jobType)
			if err := tx.QueryRowContext(ctx,
				"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockRequeueMajor, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			now := r.timeProvider.Now().UTC()

			rows, err := tx.QueryContext(ctx, `
				UPDATE jobs
				SET status = 'failed',
				    last_error = 'job stalled: lease expired too many times',
				    completed_at = $2,
				    lease_expires_at = NULL,
				    updated_at = $2
				WHERE type = $1 AND status = 'running'
				  AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
				  AND stall_count >= max_stalls
				RETURNING `+jobColumns, jobType, now)
			if err != nil {
				return fmt.Errorf("fail stalled jobs: %w", err)
			}
			for rows.Next() {
				job, scanErr := scanJobFromRow(rows)
				if scanErr != nil {
					rows.Close()
					return fmt.Errorf("scan stalled job: %w", scanErr)
				}
				failed = append(failed, job)
			}
			if rowsErr := rows.Err(); rowsErr != nil {
				rows.Close()
				return rowsErr
			}
			rows.Close()

			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'pending',
				    stall_count = stall_count + 1,
				    lease_expires_at = NULL,
				    updated_at = $2
				WHERE type = $1 AND status = 'running'
				  AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
			`, jobType, now); err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ReserveNext reserves the next available job of the given type for processing.
func (r *JobRepo) ReserveNext(
	ctx context.Context,
	jobType model.JobType,
	lease time.Duration,
) (*model.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("invalid job type: %s", jobType)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			rows, qerr := tx.Query(ctx, reserveNextUpdateSQL,
				jobType, now, now, now.Add(lease), now)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if stderrors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if stderrors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running job. Returns false when the job
// is no longer running (completed, reclaimed, or failed elsewhere).
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, stderrors.New("lease must be positive")
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, jobID, now.Add(lease), now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n > 0, nil
}

// Complete marks a job as completed successfully.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return n > 0, nil
}

// Fail records a failed attempt. While attempts remain the job returns to
// pending with exponential backoff (base * 2^attempt); otherwise it fails
// terminally.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	query := `
      UPDATE jobs
      SET
        last_error = $2,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
        completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
        lease_expires_at = NULL,
        scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at
                            ELSE $3::timestamptz + make_interval(secs => backoff_base_ms * power(2, retry_count) / 1000.0) END,
        updated_at = $3
      WHERE id = $1 AND status = 'running'
      RETURNING status
    `

	var status string
	if err := r.DB.QueryRowContext(ctx, query, id, errMsg, now).Scan(&status); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("fail job: %w", err)
	}

	if status == string(model.JobStatusFailed) && r.logger != nil {
		r.logger.WarnContext(ctx, "job failed terminally", "job_id", id, "error", errMsg)
	}
	return true, nil
}

// FailTerminal fails a job immediately regardless of remaining attempts. Used
// for fatal publish errors where retrying cannot succeed.
func (r *JobRepo) FailTerminal(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    retry_count = retry_count + 1,
		    completed_at = $3,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, errMsg, now)
	if err != nil {
		return false, fmt.Errorf("fail job terminally: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RemoveByKey deletes a job by its idempotency key unless it is running.
// Running jobs are left alone; cancellation of in-flight work is the worker's
// problem. Finished jobs are removed too so the key can be reused, which is
// how the scheduler replaces a tick that failed terminally.
func (r *JobRepo) RemoveByKey(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, stderrors.New("key is required")
	}
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs WHERE key = $1 AND status <> 'running'
	`, key)
	if err != nil {
		return false, fmt.Errorf("remove job by key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Stats returns statistics about jobs of the given type in different states.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM jobs
  WHERE type = $1
  `, jobType).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// PruneFinished trims completed and failed jobs beyond the retention counts,
// oldest first.
func (r *JobRepo) PruneFinished(ctx context.Context, params core.PruneParams) (int64, error) {
	var total int64
	for _, p := range []struct {
		status model.JobStatus
		keep   int
	}{
		{model.JobStatusCompleted, params.KeepCompleted},
		{model.JobStatusFailed, params.KeepFailed},
	} {
		if p.keep < 0 {
			continue
		}
		res, err := r.DB.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE id IN (
				SELECT id FROM jobs
				WHERE type = $1 AND status = $2
				ORDER BY completed_at DESC NULLS LAST
				OFFSET $3
			)
		`, params.JobType, p.status, p.keep)
		if err != nil {
			return total, fmt.Errorf("prune %s jobs: %w", p.status, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new jobs are available.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "job_added_" + string(jobType)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return stderrors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var (
		payload                                []byte
		lastError                              sql.NullString
		startedAt, completedAt, leaseExpiresAt sql.NullTime
		backoffMs                              int64
	)
	err := scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Key,
		&job.Status,
		&payload,
		&job.ScheduledAt,
		&startedAt,
		&completedAt,
		&job.RetryCount,
		&job.MaxRetries,
		&backoffMs,
		&job.StallCount,
		&job.MaxStalls,
		&lastError,
		&leaseExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = append(job.Payload, payload...)
	job.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	job.LastError = nullableString(lastError)
	job.StartedAt = nullableTime(startedAt)
	job.CompletedAt = nullableTime(completedAt)
	job.LeaseExpiresAt = nullableTime(leaseExpiresAt)
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}
