package data

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/domain/model"
	"github.com/postpilot/postpilot/internal/errors"
)

// PostRepo provides database operations for posts.
type PostRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// PostRepoConfig holds configuration options for the post repository.
type PostRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewPostRepo creates a new PostRepo instance.
func NewPostRepo(db *sql.DB, cfg PostRepoConfig) *PostRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &PostRepo{DB: db, timeProvider: tp, logger: cfg.Logger}
}

const postColumns = `
  id,
  content,
  post_type,
  image_urls,
  video_url,
  comment,
  account_id,
  status,
  scheduled_at,
  schedule_config,
  published_at,
  platform_post_id,
  platform_comment_id,
  comment_status,
  comment_retry_count,
  content_hash,
  publishing_progress,
  lock_owner,
  locked_at,
  lock_expires_at,
  last_error,
  error_category,
  suggested_action,
  version,
  created_at,
  updated_at
`

// Create inserts a new post in draft status.
func (r *PostRepo) Create(ctx context.Context, req *model.CreatePostRequest) (*model.Post, error) {
	if req == nil {
		return nil, errors.Validation("create post request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "invalid post")
	}

	content := model.NormalizeContent(req.Content)
	images, err := json.Marshal(req.ImageURLs)
	if err != nil {
		return nil, fmt.Errorf("marshal image urls: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO posts (content, post_type, image_urls, video_url, comment, account_id,
		                   status, comment_status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'draft', $7, 1, $8, $8)
		RETURNING `+postColumns, content, req.PostType, images, req.VideoURL, req.Comment,
		req.AccountID, initialCommentStatus(req.Comment), now)

	post, err := scanPostFromRow(row)
	if err != nil {
		return nil, errors.MapDBError(err)
	}
	return post, nil
}

func initialCommentStatus(comment *string) model.CommentStatus {
	if comment != nil && *comment != "" {
		return model.CommentStatusPending
	}
	return model.CommentStatusNone
}

// GetByID retrieves a post by its ID.
func (r *PostRepo) GetByID(ctx context.Context, id string) (*model.Post, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	post, err := scanPostFromRow(row)
	if err != nil {
		return nil, errors.MapDBError(err)
	}
	return post, nil
}

// List returns posts matching the given options, newest first.
func (r *PostRepo) List(ctx context.Context, opts model.PostListOptions) ([]*model.Post, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	args := []any{}
	if opts.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, *opts.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, opts.Offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.MapDBError(err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// Update applies the given fields if the stored version still matches. The
// version column is bumped on every successful write; a stale expected
// version surfaces as a version_conflict error.
func (r *PostRepo) Update(ctx context.Context, params core.UpdatePostParams) (*model.Post, error) {
	set, args, err := buildPostUpdate(&params.Fields, r.timeProvider.Now().UTC())
	if err != nil {
		return nil, err
	}

	args = append(args, params.ID, params.ExpectedVersion)
	query := fmt.Sprintf(`
		UPDATE posts
		SET %s, version = version + 1
		WHERE id = $%d AND version = $%d
		RETURNING `+postColumns, set, len(args)-1, len(args))

	row := r.DB.QueryRowContext(ctx, query, args...)
	post, scanErr := scanPostFromRow(row)
	if scanErr == nil {
		return post, nil
	}
	if !stderrors.Is(scanErr, sql.ErrNoRows) {
		return nil, errors.MapDBError(scanErr)
	}

	// Distinguish a missing post from a stale version.
	if _, getErr := r.GetByID(ctx, params.ID); getErr != nil {
		return nil, getErr
	}
	return nil, errors.VersionConflict(
		fmt.Sprintf("post %s was modified concurrently (expected version %d)", params.ID, params.ExpectedVersion))
}

func buildPostUpdate(f *model.UpdatePostFields, now time.Time) (string, []any, error) {
	set := "updated_at = $1"
	args := []any{now}

	add := func(col string, val any) {
		args = append(args, val)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	if f.Content != nil {
		add("content", model.NormalizeContent(*f.Content))
	}
	if f.Status != nil {
		if !f.Status.Valid() {
			return "", nil, errors.Validationf("invalid post status: %q", *f.Status)
		}
		add("status", *f.Status)
	}
	switch {
	case f.SetNullSchedule:
		set += ", scheduled_at = NULL, schedule_config = NULL"
	case f.ScheduledAt != nil:
		add("scheduled_at", f.ScheduledAt.UTC())
	}
	if f.ScheduleConfig != nil {
		raw, err := json.Marshal(f.ScheduleConfig)
		if err != nil {
			return "", nil, fmt.Errorf("marshal schedule config: %w", err)
		}
		add("schedule_config", raw)
	}
	switch {
	case f.SetNullPlatform:
		set += ", platform_post_id = NULL, platform_comment_id = NULL, published_at = NULL"
	default:
		if f.PublishedAt != nil {
			add("published_at", f.PublishedAt.UTC())
		}
		if f.PlatformPostID != nil {
			add("platform_post_id", *f.PlatformPostID)
		}
		if f.PlatformCommentID != nil {
			add("platform_comment_id", *f.PlatformCommentID)
		}
	}
	if f.CommentStatus != nil {
		add("comment_status", *f.CommentStatus)
	}
	if f.CommentRetryCount != nil {
		add("comment_retry_count", *f.CommentRetryCount)
	}
	if f.ContentHash != nil {
		add("content_hash", *f.ContentHash)
	}
	switch {
	case f.SetNullProgress:
		set += ", publishing_progress = NULL"
	case f.Progress != nil:
		raw, err := json.Marshal(f.Progress)
		if err != nil {
			return "", nil, fmt.Errorf("marshal progress: %w", err)
		}
		add("publishing_progress", raw)
	}
	switch {
	case f.ClearError:
		set += ", last_error = NULL, error_category = NULL, suggested_action = NULL"
	default:
		if f.LastError != nil {
			add("last_error", *f.LastError)
		}
		if f.ErrorCategory != nil {
			add("error_category", *f.ErrorCategory)
		}
		if f.SuggestedAction != nil {
			add("suggested_action", *f.SuggestedAction)
		}
	}

	return set, args, nil
}

// Delete removes a post. Returns false when the post does not exist.
func (r *PostRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return false, errors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimExecutionLock atomically acquires the post's execution lock when it is
// free or expired.
func (r *PostRepo) ClaimExecutionLock(ctx context.Context, params core.ClaimLockParams) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE posts
		SET lock_owner = $2, locked_at = $3, lock_expires_at = $4, updated_at = $3
		WHERE id = $1
		  AND (lock_owner IS NULL OR lock_expires_at <= $3)
	`, params.PostID, params.Owner, now, now.Add(params.TTL))
	if err != nil {
		return false, errors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseExecutionLock clears the lock if held by owner. Releasing a lock
// another worker has since reclaimed is a no-op.
func (r *PostRepo) ReleaseExecutionLock(ctx context.Context, postID, owner string) error {
	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		UPDATE posts
		SET lock_owner = NULL, locked_at = NULL, lock_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND lock_owner = $2
	`, postID, owner, now)
	if err != nil {
		return errors.MapDBError(err)
	}
	return nil
}

// ListScheduledDue returns scheduled posts whose firing time has arrived.
func (r *PostRepo) ListScheduledDue(ctx context.Context, until time.Time) ([]*model.Post, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
	`, until.UTC())
	if err != nil {
		return nil, errors.MapDBError(err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// MinScheduledAt returns the earliest pending firing time, or nil when no
// scheduled posts exist.
func (r *PostRepo) MinScheduledAt(ctx context.Context) (*time.Time, error) {
	var min sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
		SELECT min(scheduled_at) FROM posts
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL
	`).Scan(&min)
	if err != nil {
		return nil, errors.MapDBError(err)
	}
	if !min.Valid {
		return nil, nil
	}
	t := min.Time.UTC()
	return &t, nil
}

// FindRecentDuplicate returns a post with the same content hash that was
// published inside the window or is publishing right now, excluding the post
// being published. The publishing clause closes the race where two identical
// posts land in the same batch window.
func (r *PostRepo) FindRecentDuplicate(ctx context.Context, params core.DuplicateLookupParams) (*model.Post, error) {
	since := r.timeProvider.Now().UTC().Add(-params.Window)
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE content_hash = $1
		  AND id <> $3
		  AND (status = 'publishing'
		       OR (status = 'published' AND published_at >= $2))
		ORDER BY published_at DESC NULLS FIRST
		LIMIT 1
	`, params.ContentHash, since, params.ExcludeID)

	post, err := scanPostFromRow(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.MapDBError(err)
	}
	return post, nil
}

// ListStuckPublishing returns publishing posts whose progress has not advanced
// for at least staleAfter. Posts with no progress record at all are judged by
// updated_at.
func (r *PostRepo) ListStuckPublishing(ctx context.Context, staleAfter time.Duration) ([]*model.Post, error) {
	cutoff := r.timeProvider.Now().UTC().Add(-staleAfter)
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE status = 'publishing'
		  AND COALESCE((publishing_progress->>'last_updated_at')::timestamptz, updated_at) <= $1
	`, cutoff)
	if err != nil {
		return nil, errors.MapDBError(err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

type postRowScanner interface {
	Scan(dest ...any) error
}

type postRowData struct {
	imageURLs, scheduleConfig, progress                        []byte
	videoURL, comment, accountID                               sql.NullString
	platformPostID, platformCommentID, contentHash             sql.NullString
	lockOwner, lastError, errorCategory, suggestedAction       sql.NullString
	scheduledAt, publishedAt, lockedAt, lockExpiresAt          sql.NullTime
}

func scanPostFromRow(scanner postRowScanner) (*model.Post, error) {
	post := &model.Post{}
	var d postRowData
	err := scanner.Scan(
		&post.ID,
		&post.Content,
		&post.PostType,
		&d.imageURLs,
		&d.videoURL,
		&d.comment,
		&d.accountID,
		&post.Status,
		&d.scheduledAt,
		&d.scheduleConfig,
		&d.publishedAt,
		&d.platformPostID,
		&d.platformCommentID,
		&post.CommentStatus,
		&post.CommentRetryCount,
		&d.contentHash,
		&d.progress,
		&d.lockOwner,
		&d.lockedAt,
		&d.lockExpiresAt,
		&d.lastError,
		&d.errorCategory,
		&d.suggestedAction,
		&post.Version,
		&post.CreatedAt,
		&post.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(d.imageURLs) > 0 {
		if err := json.Unmarshal(d.imageURLs, &post.ImageURLs); err != nil {
			return nil, fmt.Errorf("unmarshal image urls: %w", err)
		}
	}
	if len(d.scheduleConfig) > 0 {
		var cfg model.ScheduleConfig
		if err := json.Unmarshal(d.scheduleConfig, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal schedule config: %w", err)
		}
		post.ScheduleConfig = &cfg
	}
	if len(d.progress) > 0 {
		var p model.PublishingProgress
		if err := json.Unmarshal(d.progress, &p); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
		post.Progress = &p
	}

	post.VideoURL = nullableString(d.videoURL)
	post.Comment = nullableString(d.comment)
	post.AccountID = nullableString(d.accountID)
	post.PlatformPostID = nullableString(d.platformPostID)
	post.PlatformCommentID = nullableString(d.platformCommentID)
	post.LastError = nullableString(d.lastError)
	post.ErrorCategory = nullableString(d.errorCategory)
	post.SuggestedAction = nullableString(d.suggestedAction)
	post.ScheduledAt = nullableTime(d.scheduledAt)
	post.PublishedAt = nullableTime(d.publishedAt)
	if d.contentHash.Valid {
		post.ContentHash = d.contentHash.String
	}
	if d.lockOwner.Valid {
		post.Lock = &model.ExecutionLock{LockedBy: d.lockOwner.String}
		if d.lockedAt.Valid {
			post.Lock.LockedAt = d.lockedAt.Time.UTC()
		}
		if d.lockExpiresAt.Valid {
			post.Lock.ExpiresAt = d.lockExpiresAt.Time.UTC()
		}
	}

	return post, nil
}

func scanPosts(rows *sql.Rows) ([]*model.Post, error) {
	var posts []*model.Post
	for rows.Next() {
		post, err := scanPostFromRow(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.MapDBError(err)
	}
	return posts, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
