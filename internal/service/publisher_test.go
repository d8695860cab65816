package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/internal/core"
	"github.com/postpilot/postpilot/internal/data"
	"github.com/postpilot/postpilot/internal/domain/model"
	apperrors "github.com/postpilot/postpilot/internal/errors"
)

type publisherFixture struct {
	posts   *memPostRepo
	queue   *memQueue
	creds   *mockCredentialRepo
	adapter *mockAdapter
	events  *mockEvents
	now     time.Time
	svc     *PublisherService
}

func newPublisherFixture(t *testing.T, posts *memPostRepo) *publisherFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := &publisherFixture{
		posts: posts,
		queue: newMemQueue(),
		creds: &mockCredentialRepo{
			cred: &model.Credential{ID: "cred-1", PlatformUserID: "user-1", AccessToken: "token"},
		},
		adapter: &mockAdapter{},
		events:  &mockEvents{},
		now:     now,
	}
	f.svc = NewPublisherService(PublisherServiceOptions{
		Posts:        f.posts,
		Queue:        f.queue,
		Credentials:  f.creds,
		Adapter:      f.adapter,
		Events:       f.events,
		TimeProvider: data.NewFixedTimeProvider(now),
		Config: &PublisherConfig{
			DuplicationWindow: 24 * time.Hour,
			ExecutionLockTTL:  5 * time.Minute,
			CommentDelay:      0,
			CommentMaxRetries: 3,
			CommentRetryDelay: time.Minute,
			Timezone:          "UTC",
		},
	})
	return f
}

func publishingPost(id string) *model.Post {
	return &model.Post{
		ID:       id,
		Content:  "hello from " + id,
		PostType: model.PostTypeText,
		Status:   model.PostStatusPublishing,
		Version:  1,
	}
}

func publishJob(t *testing.T, postID string) *model.Job {
	t.Helper()
	payload, err := json.Marshal(model.PublishJobPayload{PostID: postID})
	require.NoError(t, err)
	return &model.Job{
		ID:         "job-" + postID,
		Type:       model.JobTypePublish,
		Payload:    payload,
		MaxRetries: model.DefaultMaxRetries,
	}
}

func commentRetryJob(t *testing.T, postID string) *model.Job {
	t.Helper()
	payload, err := json.Marshal(model.PublishJobPayload{PostID: postID, CommentOnlyRetry: true})
	require.NoError(t, err)
	return &model.Job{ID: "retry-" + postID, Type: model.JobTypePublish, Payload: payload, MaxRetries: 1}
}

func TestPublisherProcessJobSuccess(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, newMemPostRepo(publishingPost("p1")))
	f.adapter.publishPostFunc = func(_ context.Context, req *core.PublishRequest) (*core.PublishResult, error) {
		assert.Equal(t, "p1", req.Post.ID)
		assert.Equal(t, "token", req.Credential.AccessToken)
		return &core.PublishResult{PlatformPostID: "th-123", PublishedAt: f.now}, nil
	}

	require.NoError(t, f.svc.ProcessJob(ctx, publishJob(t, "p1")))

	post := f.posts.get("p1")
	assert.Equal(t, model.PostStatusPublished, post.Status)
	require.NotNil(t, post.PlatformPostID)
	assert.Equal(t, "th-123", *post.PlatformPostID)
	require.NotNil(t, post.PublishedAt)
	assert.NotEmpty(t, post.ContentHash)
	assert.Nil(t, post.Lock, "execution lock must be released")
	assert.Nil(t, post.LastError)
	require.NotNil(t, post.Progress)
	assert.Equal(t, StepDone, post.Progress.Step)
}

func TestPublisherProcessJobIdempotent(t *testing.T) {
	ctx := context.Background()
	post := publishingPost("p1")
	post.Status = model.PostStatusPublished
	post.PlatformPostID = strptr("th-existing")
	f := newPublisherFixture(t, newMemPostRepo(post))

	require.NoError(t, f.svc.ProcessJob(ctx, publishJob(t, "p1")))

	assert.Equal(t, 0, f.adapter.publishCalls, "already-published post must not republish")
}

func TestPublisherProcessJobMissingPost(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, newMemPostRepo())

	require.NoError(t, f.svc.ProcessJob(ctx, publishJob(t, "gone")))
	assert.Equal(t, 0, f.adapter.publishCalls)
}

func TestPublisherExpiredToken(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, newMemPostRepo(publishingPost("p1")))
	expired := f.now.Add(-time.Hour)
	f.creds.cred.ExpiresAt = &expired

	err := f.svc.ProcessJob(ctx, publishJob(t, "p1"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryFatal, apperrors.ClassifyPublish(err))
	assert.Equal(t, apperrors.ReasonTokenExpired, apperrors.PublishReason(err))

	post := f.posts.get("p1")
	assert.Equal(t, model.PostStatusFailed, post.Status)
	require.NotNil(t, post.ErrorCategory)
	assert.Equal(t, string(apperrors.CategoryFatal), *post.ErrorCategory)
	require.NotNil(t, post.SuggestedAction)
	assert.Equal(t, 0, f.adapter.publishCalls)
}

func TestPublisherDuplicateContent(t *testing.T) {
	ctx := context.Background()
	posts := newMemPostRepo(publishingPost("p1"))
	posts.duplicate = &model.Post{ID: "earlier"}
	f := newPublisherFixture(t, posts)

	err := f.svc.ProcessJob(ctx, publishJob(t, "p1"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryFatal, apperrors.ClassifyPublish(err))
	assert.Equal(t, apperrors.ReasonDuplicateContent, apperrors.PublishReason(err))

	assert.Equal(t, model.PostStatusFailed, f.posts.get("p1").Status)
	assert.Equal(t, 0, f.adapter.publishCalls)
}

func TestPublisherLockHeld(t *testing.T) {
	ctx := context.Background()
	posts := newMemPostRepo(publishingPost("p1"))
	posts.lockDenied = true
	f := newPublisherFixture(t, posts)

	err := f.svc.ProcessJob(ctx, publishJob(t, "p1"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryTransient, apperrors.ClassifyPublish(err))
	assert.Equal(t, "lock_held", apperrors.PublishReason(err))

	post := f.posts.get("p1")
	assert.Equal(t, model.PostStatusPublishing, post.Status, "transient failure leaves the post untouched")
	assert.Nil(t, post.LastError)
	assert.Equal(t, 0, f.adapter.publishCalls)
}

func TestPublisherRetryableRollback(t *testing.T) {
	ctx := context.Background()
	post := publishingPost("p1")
	scheduledAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	post.ScheduledAt = &scheduledAt
	f := newPublisherFixture(t, newMemPostRepo(post))
	f.adapter.publishPostFunc = func(context.Context, *core.PublishRequest) (*core.PublishResult, error) {
		return nil, apperrors.Retryable(apperrors.ReasonInvalidMedia,
			"media could not be fetched", "Check the media URL.")
	}

	err := f.svc.ProcessJob(ctx, publishJob(t, "p1"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryRetryable, apperrors.ClassifyPublish(err))

	updated := f.posts.get("p1")
	assert.Equal(t, model.PostStatusScheduled, updated.Status, "scheduled posts roll back to scheduled")
	require.NotNil(t, updated.LastError)
	assert.Contains(t, *updated.LastError, "media could not be fetched")
	require.NotNil(t, updated.ErrorCategory)
	assert.Equal(t, string(apperrors.CategoryRetryable), *updated.ErrorCategory)
	assert.Nil(t, updated.Progress)
}

func TestPublisherRetryableRollbackWithoutSchedule(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, newMemPostRepo(publishingPost("p1")))
	f.adapter.publishPostFunc = func(context.Context, *core.PublishRequest) (*core.PublishResult, error) {
		return nil, apperrors.Retryable(apperrors.ReasonUnknown, "odd failure", "Retry.")
	}

	require.Error(t, f.svc.ProcessJob(ctx, publishJob(t, "p1")))
	assert.Equal(t, model.PostStatusDraft, f.posts.get("p1").Status,
		"never-scheduled posts roll back to draft")
}

func TestPublisherRetryableLastAttempt(t *testing.T) {
	ctx := context.Background()

	lastAttemptJob := func(t *testing.T, postID string) *model.Job {
		t.Helper()
		job := publishJob(t, postID)
		job.RetryCount = job.MaxRetries - 1
		return job
	}

	t.Run("one-off post terminates failed", func(t *testing.T) {
		post := publishingPost("p1")
		scheduledAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		post.ScheduledAt = &scheduledAt
		f := newPublisherFixture(t, newMemPostRepo(post))
		f.adapter.publishPostFunc = func(context.Context, *core.PublishRequest) (*core.PublishResult, error) {
			return nil, apperrors.Retryable(apperrors.ReasonInvalidMedia,
				"media could not be fetched", "Check the media URL.")
		}

		err := f.svc.ProcessJob(ctx, lastAttemptJob(t, "p1"))
		require.Error(t, err)
		assert.Equal(t, apperrors.CategoryRetryable, apperrors.ClassifyPublish(err))

		updated := f.posts.get("p1")
		assert.Equal(t, model.PostStatusFailed, updated.Status,
			"no queue retry remains, so the post must not sit scheduled in the past")
		require.NotNil(t, updated.LastError)
		require.NotNil(t, updated.ErrorCategory)
		assert.Equal(t, string(apperrors.CategoryRetryable), *updated.ErrorCategory)
	})

	t.Run("recurring post skips to its next occurrence", func(t *testing.T) {
		post := publishingPost("p1")
		scheduledAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		post.ScheduledAt = &scheduledAt
		post.ScheduleConfig = &model.ScheduleConfig{
			Pattern:     model.PatternWeekly,
			ScheduledAt: scheduledAt,
			Time:        "10:00",
			DaysOfWeek:  []int{0, 1, 2, 3, 4, 5, 6},
		}
		f := newPublisherFixture(t, newMemPostRepo(post))
		f.adapter.publishPostFunc = func(context.Context, *core.PublishRequest) (*core.PublishResult, error) {
			return nil, apperrors.Retryable(apperrors.ReasonInvalidMedia,
				"media could not be fetched", "Check the media URL.")
		}

		require.Error(t, f.svc.ProcessJob(ctx, lastAttemptJob(t, "p1")))

		updated := f.posts.get("p1")
		assert.Equal(t, model.PostStatusScheduled, updated.Status)
		require.NotNil(t, updated.ScheduledAt)
		assert.True(t, updated.ScheduledAt.After(f.now), "the missed occurrence is skipped")
		require.NotNil(t, updated.ScheduleConfig)
		assert.True(t, updated.ScheduleConfig.ScheduledAt.Equal(*updated.ScheduledAt))
		require.NotNil(t, updated.LastError)

		require.Len(t, f.events.scheduled, 1, "scheduler must be told about the next firing")
		assert.True(t, f.events.scheduled[0].Equal(*updated.ScheduledAt))
	})
}

func TestPublisherClaimsScheduledPost(t *testing.T) {
	ctx := context.Background()
	post := publishingPost("p1")
	post.Status = model.PostStatusScheduled
	scheduledAt := time.Date(2026, 3, 1, 9, 59, 0, 0, time.UTC)
	post.ScheduledAt = &scheduledAt
	f := newPublisherFixture(t, newMemPostRepo(post))
	f.adapter.publishPostFunc = func(_ context.Context, req *core.PublishRequest) (*core.PublishResult, error) {
		assert.Equal(t, model.PostStatusPublishing, req.Post.Status,
			"a post rolled back to scheduled must be re-claimed before the platform call")
		return &core.PublishResult{PlatformPostID: "th-123", PublishedAt: f.now}, nil
	}

	require.NoError(t, f.svc.ProcessJob(ctx, publishJob(t, "p1")))
	assert.Equal(t, model.PostStatusPublished, f.posts.get("p1").Status)
}

func TestPublisherComment(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the reply after publishing", func(t *testing.T) {
		post := publishingPost("p1")
		post.Comment = strptr("first comment!")
		post.CommentStatus = model.CommentStatusPending
		f := newPublisherFixture(t, newMemPostRepo(post))
		f.adapter.publishPostFunc = func(context.Context, *core.PublishRequest) (*core.PublishResult, error) {
			return &core.PublishResult{PlatformPostID: "th-1", PublishedAt: f.now}, nil
		}
		f.adapter.publishCommentFunc = func(
			_ context.Context, _ *core.PublishRequest, platformPostID string,
		) (*core.CommentResult, error) {
			assert.Equal(t, "th-1", platformPostID)
			return &core.CommentResult{PlatformCommentID: "cm-1"}, nil
		}

		require.NoError(t, f.svc.ProcessJob(ctx, publishJob(t, "p1")))

		updated := f.posts.get("p1")
		assert.Equal(t, model.PostStatusPublished, updated.Status)
		assert.Equal(t, model.CommentStatusPosted, updated.CommentStatus)
		require.NotNil(t, updated.PlatformCommentID)
		assert.Equal(t, "cm-1", *updated.PlatformCommentID)
	})

	t.Run("failure schedules a comment-only retry", func(t *testing.T) {
		post := publishingPost("p1")
		post.Comment = strptr("first comment!")
		post.CommentStatus = model.CommentStatusPending
		f := newPublisherFixture(t, newMemPostRepo(post))
		f.adapter.publishPostFunc = func(context.Context, *core.PublishRequest) (*core.PublishResult, error) {
			return &core.PublishResult{PlatformPostID: "th-1", PublishedAt: f.now}, nil
		}
		f.adapter.publishCommentFunc = func(
			context.Context, *core.PublishRequest, string,
		) (*core.CommentResult, error) {
			return nil, apperrors.Transient(apperrors.ReasonServerError, "threads 500", "Retry later.")
		}

		require.NoError(t, f.svc.ProcessJob(ctx, publishJob(t, "p1")),
			"comment failure must not fail the publish")

		updated := f.posts.get("p1")
		assert.Equal(t, model.PostStatusPublished, updated.Status)
		assert.Equal(t, model.CommentStatusPending, updated.CommentStatus)
		assert.Equal(t, 0, updated.CommentRetryCount, "the counter bumps when the retry runs, not at enqueue")

		runAt := f.now.Add(time.Minute)
		job := f.queue.byKey(model.CommentRetryJobKey("p1", runAt.UnixMilli()))
		require.NotNil(t, job, "comment retry job should be queued")
		assert.Equal(t, 1, job.MaxRetries)
		assert.True(t, job.ScheduledAt.Equal(runAt))

		var payload model.PublishJobPayload
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		assert.True(t, payload.CommentOnlyRetry)
	})
}

func TestPublisherCommentRetryJob(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the comment", func(t *testing.T) {
		post := publishingPost("p1")
		post.Status = model.PostStatusPublished
		post.PlatformPostID = strptr("th-1")
		post.Comment = strptr("late comment")
		post.CommentStatus = model.CommentStatusPending
		post.CommentRetryCount = 1
		f := newPublisherFixture(t, newMemPostRepo(post))
		f.adapter.publishCommentFunc = func(
			context.Context, *core.PublishRequest, string,
		) (*core.CommentResult, error) {
			return &core.CommentResult{PlatformCommentID: "cm-9"}, nil
		}

		require.NoError(t, f.svc.ProcessJob(ctx, commentRetryJob(t, "p1")))

		updated := f.posts.get("p1")
		assert.Equal(t, model.CommentStatusPosted, updated.CommentStatus)
		assert.Equal(t, 2, updated.CommentRetryCount, "the attempt itself bumps the counter")
		require.NotNil(t, updated.PlatformCommentID)
		assert.Equal(t, "cm-9", *updated.PlatformCommentID)
	})

	t.Run("retry attempt shows posting while it runs", func(t *testing.T) {
		post := publishingPost("p1")
		post.Status = model.PostStatusPublished
		post.PlatformPostID = strptr("th-1")
		post.Comment = strptr("late comment")
		post.CommentStatus = model.CommentStatusPending
		f := newPublisherFixture(t, newMemPostRepo(post))
		f.adapter.publishCommentFunc = func(
			context.Context, *core.PublishRequest, string,
		) (*core.CommentResult, error) {
			assert.Equal(t, model.CommentStatusPosting, f.posts.get("p1").CommentStatus)
			return &core.CommentResult{PlatformCommentID: "cm-9"}, nil
		}

		require.NoError(t, f.svc.ProcessJob(ctx, commentRetryJob(t, "p1")))
		assert.Equal(t, model.CommentStatusPosted, f.posts.get("p1").CommentStatus)
	})

	t.Run("exhausted retries mark the comment failed", func(t *testing.T) {
		post := publishingPost("p1")
		post.Status = model.PostStatusPublished
		post.PlatformPostID = strptr("th-1")
		post.Comment = strptr("late comment")
		post.CommentStatus = model.CommentStatusPending
		post.CommentRetryCount = 3
		f := newPublisherFixture(t, newMemPostRepo(post))
		f.adapter.publishCommentFunc = func(
			context.Context, *core.PublishRequest, string,
		) (*core.CommentResult, error) {
			return nil, apperrors.Transient(apperrors.ReasonServerError, "threads 500", "Retry later.")
		}

		require.NoError(t, f.svc.ProcessJob(ctx, commentRetryJob(t, "p1")))

		assert.Equal(t, model.CommentStatusFailed, f.posts.get("p1").CommentStatus)
		assert.Equal(t, 0, f.adapter.commentCalls, "no attempt beyond the cap")
		assert.Equal(t, 0, f.queue.pendingCount(), "no further retry beyond the cap")
	})

	t.Run("already posted comment is a no-op", func(t *testing.T) {
		post := publishingPost("p1")
		post.Status = model.PostStatusPublished
		post.PlatformPostID = strptr("th-1")
		post.Comment = strptr("done comment")
		post.CommentStatus = model.CommentStatusPosted
		f := newPublisherFixture(t, newMemPostRepo(post))

		require.NoError(t, f.svc.ProcessJob(ctx, commentRetryJob(t, "p1")))
		assert.Equal(t, 0, f.adapter.commentCalls)
	})
}

func TestPublisherAdvanceRecurrence(t *testing.T) {
	ctx := context.Background()
	post := publishingPost("p1")
	anchor := time.Date(2026, 2, 22, 10, 0, 0, 0, time.UTC)
	post.ScheduleConfig = &model.ScheduleConfig{
		Pattern:     model.PatternWeekly,
		ScheduledAt: anchor,
		Time:        "10:00",
		DaysOfWeek:  []int{0, 1, 2, 3, 4, 5, 6},
	}
	f := newPublisherFixture(t, newMemPostRepo(post))
	f.adapter.publishPostFunc = func(context.Context, *core.PublishRequest) (*core.PublishResult, error) {
		return &core.PublishResult{PlatformPostID: "th-1", PublishedAt: f.now}, nil
	}

	require.NoError(t, f.svc.ProcessJob(ctx, publishJob(t, "p1")))

	updated := f.posts.get("p1")
	assert.Equal(t, model.PostStatusScheduled, updated.Status, "recurring post returns to scheduled")
	require.NotNil(t, updated.ScheduledAt)
	assert.True(t, updated.ScheduledAt.After(f.now))
	require.NotNil(t, updated.ScheduleConfig)
	assert.True(t, updated.ScheduleConfig.ScheduledAt.Equal(*updated.ScheduledAt))
	assert.Equal(t, 0, updated.CommentRetryCount)
	assert.Nil(t, updated.PlatformPostID, "next occurrence must not inherit the platform post")
	assert.Nil(t, updated.PlatformCommentID)
	assert.Nil(t, updated.PublishedAt)

	require.Len(t, f.events.scheduled, 1, "scheduler must be notified of the next firing")
	assert.True(t, f.events.scheduled[0].Equal(*updated.ScheduledAt))
}

func TestPublisherRecoverStalledJob(t *testing.T) {
	ctx := context.Background()

	t.Run("platform post exists means the publish succeeded", func(t *testing.T) {
		post := publishingPost("p1")
		post.PlatformPostID = strptr("th-1")
		f := newPublisherFixture(t, newMemPostRepo(post))

		require.NoError(t, f.svc.RecoverStalledJob(ctx, publishJob(t, "p1")))

		updated := f.posts.get("p1")
		assert.Equal(t, model.PostStatusPublished, updated.Status)
		require.NotNil(t, updated.PublishedAt)
		assert.Nil(t, updated.Progress)
	})

	t.Run("no platform post means the attempt died", func(t *testing.T) {
		f := newPublisherFixture(t, newMemPostRepo(publishingPost("p1")))

		require.NoError(t, f.svc.RecoverStalledJob(ctx, publishJob(t, "p1")))

		updated := f.posts.get("p1")
		assert.Equal(t, model.PostStatusFailed, updated.Status)
		require.NotNil(t, updated.LastError)
		require.NotNil(t, updated.ErrorCategory)
		assert.Equal(t, string(apperrors.CategoryTransient), *updated.ErrorCategory)
	})

	t.Run("non-publishing post is left alone", func(t *testing.T) {
		post := publishingPost("p1")
		post.Status = model.PostStatusPublished
		post.PlatformPostID = strptr("th-1")
		f := newPublisherFixture(t, newMemPostRepo(post))
		version := f.posts.get("p1").Version

		require.NoError(t, f.svc.RecoverStalledJob(ctx, publishJob(t, "p1")))
		assert.Equal(t, version, f.posts.get("p1").Version)
	})

	t.Run("comment retry jobs are skipped", func(t *testing.T) {
		f := newPublisherFixture(t, newMemPostRepo(publishingPost("p1")))

		require.NoError(t, f.svc.RecoverStalledJob(ctx, commentRetryJob(t, "p1")))
		assert.Equal(t, model.PostStatusPublishing, f.posts.get("p1").Status)
	})
}
