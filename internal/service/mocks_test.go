package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/domain/model"
	apperrors "github.com/postpilot/postpilot/internal/errors"
)

// memPostRepo is an in-memory PostRepository with version-guarded updates,
// mirroring the store semantics the services rely on.
type memPostRepo struct {
	mu    sync.Mutex
	posts map[string]*model.Post

	// updateErrs injects a one-shot error for updates to the given post ID.
	updateErrs map[string]error
	// lockDenied makes ClaimExecutionLock report an active holder.
	lockDenied bool
	// duplicate is returned by FindRecentDuplicate when set.
	duplicate *model.Post
	// stuck is returned by ListStuckPublishing.
	stuck []string
}

func newMemPostRepo(posts ...*model.Post) *memPostRepo {
	r := &memPostRepo{
		posts:      make(map[string]*model.Post),
		updateErrs: make(map[string]error),
	}
	for _, p := range posts {
		cp := *p
		if cp.Version == 0 {
			cp.Version = 1
		}
		r.posts[cp.ID] = &cp
	}
	return r
}

func (r *memPostRepo) get(id string) *model.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (r *memPostRepo) Create(context.Context, *model.CreatePostRequest) (*model.Post, error) {
	return nil, errors.New("not implemented")
}

func (r *memPostRepo) GetByID(_ context.Context, id string) (*model.Post, error) {
	if p := r.get(id); p != nil {
		return p, nil
	}
	return nil, apperrors.NotFoundf("post %s not found", id)
}

func (r *memPostRepo) List(_ context.Context, opts model.PostListOptions) ([]*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Post
	for _, p := range r.posts {
		if opts.Status != nil && p.Status != *opts.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memPostRepo) Update(_ context.Context, params core.UpdatePostParams) (*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.updateErrs[params.ID]; ok {
		delete(r.updateErrs, params.ID)
		return nil, err
	}

	p, ok := r.posts[params.ID]
	if !ok {
		return nil, apperrors.NotFoundf("post %s not found", params.ID)
	}
	if p.Version != params.ExpectedVersion {
		return nil, apperrors.VersionConflict(
			fmt.Sprintf("post %s version %d != %d", params.ID, p.Version, params.ExpectedVersion))
	}

	applyPostFields(p, params.Fields)
	p.Version++
	cp := *p
	return &cp, nil
}

func applyPostFields(p *model.Post, f model.UpdatePostFields) {
	if f.Content != nil {
		p.Content = *f.Content
	}
	if f.Status != nil {
		p.Status = *f.Status
	}
	if f.ScheduledAt != nil {
		at := *f.ScheduledAt
		p.ScheduledAt = &at
	}
	if f.SetNullSchedule {
		p.ScheduledAt = nil
		p.ScheduleConfig = nil
	}
	if f.ScheduleConfig != nil {
		cfg := *f.ScheduleConfig
		p.ScheduleConfig = &cfg
	}
	if f.SetNullPlatform {
		p.PublishedAt = nil
		p.PlatformPostID = nil
		p.PlatformCommentID = nil
	} else {
		if f.PublishedAt != nil {
			at := *f.PublishedAt
			p.PublishedAt = &at
		}
		if f.PlatformPostID != nil {
			id := *f.PlatformPostID
			p.PlatformPostID = &id
		}
		if f.PlatformCommentID != nil {
			id := *f.PlatformCommentID
			p.PlatformCommentID = &id
		}
	}
	if f.CommentStatus != nil {
		p.CommentStatus = *f.CommentStatus
	}
	if f.CommentRetryCount != nil {
		p.CommentRetryCount = *f.CommentRetryCount
	}
	if f.ContentHash != nil {
		p.ContentHash = *f.ContentHash
	}
	if f.Progress != nil {
		progress := *f.Progress
		p.Progress = &progress
	}
	if f.SetNullProgress {
		p.Progress = nil
	}
	if f.LastError != nil {
		msg := *f.LastError
		p.LastError = &msg
	}
	if f.ErrorCategory != nil {
		cat := *f.ErrorCategory
		p.ErrorCategory = &cat
	}
	if f.SuggestedAction != nil {
		action := *f.SuggestedAction
		p.SuggestedAction = &action
	}
	if f.ClearError {
		p.LastError = nil
		p.ErrorCategory = nil
		p.SuggestedAction = nil
	}
}

func (r *memPostRepo) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.posts[id]; !ok {
		return false, nil
	}
	delete(r.posts, id)
	return true, nil
}

func (r *memPostRepo) ClaimExecutionLock(_ context.Context, params core.ClaimLockParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockDenied {
		return false, nil
	}
	p, ok := r.posts[params.PostID]
	if !ok {
		return false, nil
	}
	now := time.Now()
	p.Lock = &model.ExecutionLock{
		LockedBy:  params.Owner,
		LockedAt:  now,
		ExpiresAt: now.Add(params.TTL),
	}
	return true, nil
}

func (r *memPostRepo) ReleaseExecutionLock(_ context.Context, postID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.posts[postID]; ok && p.Lock != nil && p.Lock.LockedBy == owner {
		p.Lock = nil
	}
	return nil
}

func (r *memPostRepo) ListScheduledDue(_ context.Context, until time.Time) ([]*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Post
	for _, p := range r.posts {
		if p.Status == model.PostStatusScheduled && p.ScheduledAt != nil && !p.ScheduledAt.After(until) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memPostRepo) MinScheduledAt(context.Context) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var min *time.Time
	for _, p := range r.posts {
		if p.Status != model.PostStatusScheduled || p.ScheduledAt == nil {
			continue
		}
		if min == nil || p.ScheduledAt.Before(*min) {
			at := *p.ScheduledAt
			min = &at
		}
	}
	return min, nil
}

func (r *memPostRepo) FindRecentDuplicate(context.Context, core.DuplicateLookupParams) (*model.Post, error) {
	return r.duplicate, nil
}

func (r *memPostRepo) ListStuckPublishing(context.Context, time.Duration) ([]*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Post
	for _, id := range r.stuck {
		if p, ok := r.posts[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memQueue is an in-memory JobQueue that records enqueues and honours key
// idempotency and not-running removal.
type memQueue struct {
	mu     sync.Mutex
	nextID int
	jobs   map[string]*model.Job // by key

	completed []string
	failed    []string
	terminal  []string
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(map[string]*model.Job)}
}

func (q *memQueue) byKey(key string) *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (q *memQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == model.JobStatusPending {
			n++
		}
	}
	return n
}

func (q *memQueue) Enqueue(_ context.Context, req *model.EnqueueJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.jobs[req.Key]; ok {
		cp := *existing
		return &cp, nil
	}

	q.nextID++
	scheduledAt := time.Now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	job := &model.Job{
		ID:          fmt.Sprintf("job-%d", q.nextID),
		Type:        req.Type,
		Key:         req.Key,
		Status:      model.JobStatusPending,
		Payload:     req.Payload,
		ScheduledAt: scheduledAt,
		MaxRetries:  req.MaxRetries,
	}
	q.jobs[req.Key] = job
	cp := *job
	return &cp, nil
}

func (q *memQueue) GetByID(_ context.Context, id string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.ID == id {
			cp := *j
			return &cp, nil
		}
	}
	return nil, apperrors.NotFoundf("job %s not found", id)
}

func (q *memQueue) GetByKey(_ context.Context, key string) (*model.Job, error) {
	if j := q.byKey(key); j != nil {
		return j, nil
	}
	return nil, apperrors.NotFoundf("job with key %s not found", key)
}

func (q *memQueue) ReserveNext(context.Context, model.JobType, time.Duration) (*model.Job, error) {
	return nil, model.ErrNoJobsAvailable
}

func (q *memQueue) WaitForNotification(ctx context.Context, _ model.JobType) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *memQueue) Heartbeat(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (q *memQueue) Complete(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return true, nil
}

func (q *memQueue) Fail(_ context.Context, id, _ string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, id)
	return true, nil
}

func (q *memQueue) FailTerminal(_ context.Context, id, _ string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminal = append(q.terminal, id)
	return true, nil
}

func (q *memQueue) RemoveByKey(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok || j.Status == model.JobStatusRunning {
		return false, nil
	}
	delete(q.jobs, key)
	return true, nil
}

func (q *memQueue) setStatus(key string, status model.JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[key]; ok {
		j.Status = status
	}
}

func (q *memQueue) RequeueExpired(context.Context, model.JobType) ([]*model.Job, error) {
	return nil, nil
}

func (q *memQueue) Stats(_ context.Context, jobType model.JobType) (*model.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := &model.JobStats{}
	for _, j := range q.jobs {
		if j.Type != jobType {
			continue
		}
		switch j.Status {
		case model.JobStatusPending:
			stats.Pending++
		case model.JobStatusRunning:
			stats.Running++
		case model.JobStatusCompleted:
			stats.Completed++
		case model.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (q *memQueue) PruneFinished(context.Context, core.PruneParams) (int64, error) {
	return 0, nil
}

// memState is an in-memory SchedulerState.
type memState struct {
	mu    sync.Mutex
	next  *time.Time
	jobID string

	lockOwner string
	getErr    error
}

func (s *memState) GetNextExecution(context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.next == nil {
		return nil, nil
	}
	at := *s.next
	return &at, nil
}

func (s *memState) SetNextExecution(_ context.Context, at time.Time, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = &at
	s.jobID = jobID
	return nil
}

func (s *memState) GetActiveJobID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID, nil
}

func (s *memState) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = nil
	s.jobID = ""
	return nil
}

func (s *memState) AcquireLock(_ context.Context, owner string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner != "" && s.lockOwner != owner {
		return false, nil
	}
	s.lockOwner = owner
	return true, nil
}

func (s *memState) ReleaseLock(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner == owner {
		s.lockOwner = ""
	}
	return nil
}

func (s *memState) armedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		return nil
	}
	at := *s.next
	return &at
}

// mockCredentialRepo serves a fixed credential.
type mockCredentialRepo struct {
	cred   *model.Credential
	getErr error
}

func (m *mockCredentialRepo) Get(context.Context, string) (*model.Credential, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.cred, nil
}

func (m *mockCredentialRepo) GetDefault(context.Context) (*model.Credential, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.cred == nil {
		return nil, apperrors.NotFound("no credential configured")
	}
	return m.cred, nil
}

func (m *mockCredentialRepo) Upsert(_ context.Context, cred *model.Credential) (*model.Credential, error) {
	m.cred = cred
	return cred, nil
}

// mockAdapter is a func-field PlatformAdapter.
type mockAdapter struct {
	publishPostFunc    func(ctx context.Context, req *core.PublishRequest) (*core.PublishResult, error)
	publishCommentFunc func(ctx context.Context, req *core.PublishRequest, platformPostID string) (*core.CommentResult, error)

	publishCalls int
	commentCalls int
}

func (m *mockAdapter) PublishPost(ctx context.Context, req *core.PublishRequest) (*core.PublishResult, error) {
	m.publishCalls++
	if m.publishPostFunc != nil {
		return m.publishPostFunc(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAdapter) PublishComment(
	ctx context.Context,
	req *core.PublishRequest,
	platformPostID string,
) (*core.CommentResult, error) {
	m.commentCalls++
	if m.publishCommentFunc != nil {
		return m.publishCommentFunc(ctx, req, platformPostID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAdapter) ValidateMedia(context.Context, []string) error {
	return nil
}

// mockEvents records scheduler event notifications.
type mockEvents struct {
	mu        sync.Mutex
	scheduled []time.Time
	cancels   int
}

func (m *mockEvents) OnPostScheduled(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, at)
	return nil
}

func (m *mockEvents) OnPostCancelled(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	return nil
}

func strptr(s string) *string { return &s }
