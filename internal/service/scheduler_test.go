package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/internal/data"
	"github.com/postpilot/postpilot/internal/domain/model"
	apperrors "github.com/postpilot/postpilot/internal/errors"
)

func newTestScheduler(
	posts *memPostRepo,
	queue *memQueue,
	state *memState,
	now time.Time,
) *SchedulerService {
	return NewSchedulerService(SchedulerServiceOptions{
		Posts:        posts,
		Queue:        queue,
		State:        state,
		TimeProvider: data.NewFixedTimeProvider(now),
		Config: &SchedulerConfig{
			BatchWindow:  5 * time.Second,
			LockTTL:      10 * time.Second,
			LockRetries:  1,
			RearmRetries: 1,
		},
	})
}

func scheduledPost(id string, at time.Time) *model.Post {
	scheduledAt := at
	return &model.Post{
		ID:          id,
		Content:     "content for " + id,
		PostType:    model.PostTypeText,
		Status:      model.PostStatusScheduled,
		ScheduledAt: &scheduledAt,
		Version:     1,
	}
}

func TestSchedulerOnPostScheduled(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("arms when idle", func(t *testing.T) {
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(newMemPostRepo(), queue, state, now)

		fireAt := now.Add(time.Hour)
		require.NoError(t, svc.OnPostScheduled(ctx, fireAt))

		armed := state.armedAt()
		require.NotNil(t, armed)
		assert.True(t, armed.Equal(fireAt))

		job := queue.byKey(model.TickJobKey(fireAt.UnixMilli()))
		require.NotNil(t, job)
		assert.Equal(t, model.JobTypeSchedulerTick, job.Type)
		assert.True(t, job.ScheduledAt.Equal(fireAt))
	})

	t.Run("earlier post replaces armed tick", func(t *testing.T) {
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(newMemPostRepo(), queue, state, now)

		later := now.Add(2 * time.Hour)
		earlier := now.Add(time.Hour)
		require.NoError(t, svc.OnPostScheduled(ctx, later))
		require.NoError(t, svc.OnPostScheduled(ctx, earlier))

		armed := state.armedAt()
		require.NotNil(t, armed)
		assert.True(t, armed.Equal(earlier))

		assert.Nil(t, queue.byKey(model.TickJobKey(later.UnixMilli())), "stale tick job should be removed")
		assert.NotNil(t, queue.byKey(model.TickJobKey(earlier.UnixMilli())))
		assert.Equal(t, 1, queue.pendingCount())
	})

	t.Run("later post leaves armed tick alone", func(t *testing.T) {
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(newMemPostRepo(), queue, state, now)

		earlier := now.Add(time.Hour)
		later := now.Add(2 * time.Hour)
		require.NoError(t, svc.OnPostScheduled(ctx, earlier))
		require.NoError(t, svc.OnPostScheduled(ctx, later))

		armed := state.armedAt()
		require.NotNil(t, armed)
		assert.True(t, armed.Equal(earlier))
		assert.Equal(t, 1, queue.pendingCount())
	})
}

func TestSchedulerOnPostCancelled(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("disarms when nothing remains", func(t *testing.T) {
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(newMemPostRepo(), queue, state, now)

		fireAt := now.Add(time.Hour)
		require.NoError(t, svc.OnPostScheduled(ctx, fireAt))
		require.NoError(t, svc.OnPostCancelled(ctx))

		assert.Nil(t, state.armedAt())
		assert.Equal(t, 0, queue.pendingCount())
	})

	t.Run("re-arms for the next remaining post", func(t *testing.T) {
		remaining := now.Add(3 * time.Hour)
		posts := newMemPostRepo(scheduledPost("p1", remaining))
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		cancelled := now.Add(time.Hour)
		require.NoError(t, svc.OnPostScheduled(ctx, cancelled))
		require.NoError(t, svc.OnPostCancelled(ctx))

		armed := state.armedAt()
		require.NotNil(t, armed)
		assert.True(t, armed.Equal(remaining))
		assert.NotNil(t, queue.byKey(model.TickJobKey(remaining.UnixMilli())))
	})
}

func TestSchedulerProcessDueTick(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("dispatches due posts and re-arms", func(t *testing.T) {
		due := now.Add(-time.Second)
		inWindow := now.Add(3 * time.Second)
		future := now.Add(time.Hour)
		posts := newMemPostRepo(
			scheduledPost("due", due),
			scheduledPost("in-window", inWindow),
			scheduledPost("future", future),
		)
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		checkTime := now.UnixMilli()
		require.NoError(t, svc.ProcessDueTick(ctx, &model.TickJobPayload{CheckTime: checkTime}))

		assert.Equal(t, model.PostStatusPublishing, posts.get("due").Status)
		assert.Equal(t, model.PostStatusPublishing, posts.get("in-window").Status)
		assert.Equal(t, model.PostStatusScheduled, posts.get("future").Status)

		assert.NotNil(t, queue.byKey(model.PublishJobKey("due", checkTime)))
		assert.NotNil(t, queue.byKey(model.PublishJobKey("in-window", checkTime)))
		assert.Nil(t, queue.byKey(model.PublishJobKey("future", checkTime)))

		armed := state.armedAt()
		require.NotNil(t, armed)
		assert.True(t, armed.Equal(future), "re-armed for the remaining future post")
	})

	t.Run("version conflict means another tick claimed the post", func(t *testing.T) {
		posts := newMemPostRepo(scheduledPost("contested", now.Add(-time.Second)))
		posts.updateErrs["contested"] = apperrors.VersionConflict("claimed elsewhere")
		queue := newMemQueue()
		svc := newTestScheduler(posts, queue, &memState{}, now)

		checkTime := now.UnixMilli()
		require.NoError(t, svc.ProcessDueTick(ctx, &model.TickJobPayload{CheckTime: checkTime}))

		assert.Nil(t, queue.byKey(model.PublishJobKey("contested", checkTime)))
	})

	t.Run("goes idle when nothing remains", func(t *testing.T) {
		posts := newMemPostRepo(scheduledPost("only", now.Add(-time.Second)))
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		require.NoError(t, svc.ProcessDueTick(ctx, &model.TickJobPayload{CheckTime: now.UnixMilli()}))

		assert.Nil(t, state.armedAt())
	})
}

func TestSchedulerValidate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("arms when state was lost", func(t *testing.T) {
		fireAt := now.Add(time.Hour)
		posts := newMemPostRepo(scheduledPost("p1", fireAt))
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		require.NoError(t, svc.Validate(ctx))

		armed := state.armedAt()
		require.NotNil(t, armed)
		assert.True(t, armed.Equal(fireAt))
		assert.NotNil(t, queue.byKey(model.TickJobKey(fireAt.UnixMilli())))
	})

	t.Run("disarms when no posts remain", func(t *testing.T) {
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(newMemPostRepo(), queue, state, now)

		stale := now.Add(time.Hour)
		require.NoError(t, svc.OnPostScheduled(ctx, stale))
		require.NoError(t, svc.Validate(ctx))

		assert.Nil(t, state.armedAt())
		assert.Equal(t, 0, queue.pendingCount())
	})

	t.Run("repairs drift toward the earliest post", func(t *testing.T) {
		fireAt := now.Add(30 * time.Minute)
		posts := newMemPostRepo(scheduledPost("p1", fireAt))
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		drifted := now.Add(2 * time.Hour)
		require.NoError(t, state.SetNextExecution(ctx, drifted, "stale-job"))
		require.NoError(t, svc.Validate(ctx))

		armed := state.armedAt()
		require.NotNil(t, armed)
		assert.True(t, armed.Equal(fireAt))
	})

	t.Run("no-op when armed state matches", func(t *testing.T) {
		fireAt := now.Add(time.Hour)
		posts := newMemPostRepo(scheduledPost("p1", fireAt))
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		require.NoError(t, svc.OnPostScheduled(ctx, fireAt))
		before := queue.pendingCount()
		require.NoError(t, svc.Validate(ctx))

		assert.Equal(t, before, queue.pendingCount())
	})

	t.Run("replaces an armed tick whose job died", func(t *testing.T) {
		fireAt := now.Add(time.Hour)
		posts := newMemPostRepo(scheduledPost("p1", fireAt))
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		require.NoError(t, svc.OnPostScheduled(ctx, fireAt))
		key := model.TickJobKey(fireAt.UnixMilli())
		queue.setStatus(key, model.JobStatusFailed)

		require.NoError(t, svc.Validate(ctx))

		job := queue.byKey(key)
		require.NotNil(t, job)
		assert.Equal(t, model.JobStatusPending, job.Status, "the dead tick must be replaced by a fresh job")
		armed := state.armedAt()
		require.NotNil(t, armed)
		assert.True(t, armed.Equal(fireAt))
	})
}

func TestSchedulerInitialize(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("keeps a live armed tick", func(t *testing.T) {
		fireAt := now.Add(time.Hour)
		posts := newMemPostRepo(scheduledPost("p1", fireAt))
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		require.NoError(t, svc.OnPostScheduled(ctx, fireAt))
		before := queue.pendingCount()
		require.NoError(t, svc.Initialize(ctx))

		assert.Equal(t, before, queue.pendingCount())
	})

	t.Run("replaces an armed tick whose job died", func(t *testing.T) {
		fireAt := now.Add(time.Hour)
		posts := newMemPostRepo(scheduledPost("p1", fireAt))
		queue := newMemQueue()
		state := &memState{}
		svc := newTestScheduler(posts, queue, state, now)

		require.NoError(t, svc.OnPostScheduled(ctx, fireAt))
		key := model.TickJobKey(fireAt.UnixMilli())
		queue.setStatus(key, model.JobStatusFailed)

		require.NoError(t, svc.Initialize(ctx))

		job := queue.byKey(key)
		require.NotNil(t, job)
		assert.Equal(t, model.JobStatusPending, job.Status)
	})
}

func TestSchedulerScheduleImmediateCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	queue := newMemQueue()
	state := &memState{}
	svc := newTestScheduler(newMemPostRepo(), queue, state, now)

	require.NoError(t, svc.ScheduleImmediateCheck(ctx))

	armed := state.armedAt()
	require.NotNil(t, armed)
	assert.True(t, armed.Equal(now))
	assert.NotNil(t, queue.byKey(model.TickJobKey(now.UnixMilli())))
}
