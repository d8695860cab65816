package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleConfigValidate(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		cfg     ScheduleConfig
		wantErr string
	}{
		{
			name: "valid once",
			cfg:  ScheduleConfig{Pattern: PatternOnce, ScheduledAt: anchor},
		},
		{
			name:    "unknown pattern",
			cfg:     ScheduleConfig{Pattern: "hourly", ScheduledAt: anchor},
			wantErr: "invalid schedule pattern",
		},
		{
			name:    "zero scheduled time",
			cfg:     ScheduleConfig{Pattern: PatternOnce},
			wantErr: "scheduled time is required",
		},
		{
			name: "valid weekly",
			cfg: ScheduleConfig{
				Pattern: PatternWeekly, ScheduledAt: anchor,
				Time: "09:30", DaysOfWeek: []int{1, 3, 5},
			},
		},
		{
			name: "weekly without weekdays",
			cfg: ScheduleConfig{
				Pattern: PatternWeekly, ScheduledAt: anchor, Time: "09:30",
			},
			wantErr: "at least one weekday",
		},
		{
			name: "weekly with bad weekday",
			cfg: ScheduleConfig{
				Pattern: PatternWeekly, ScheduledAt: anchor,
				Time: "09:30", DaysOfWeek: []int{7},
			},
			wantErr: "invalid weekday",
		},
		{
			name: "weekly with bad time",
			cfg: ScheduleConfig{
				Pattern: PatternWeekly, ScheduledAt: anchor,
				Time: "9am", DaysOfWeek: []int{1},
			},
			wantErr: "invalid time",
		},
		{
			name: "valid monthly",
			cfg: ScheduleConfig{
				Pattern: PatternMonthly, ScheduledAt: anchor,
				Time: "08:00", DayOfMonth: 15,
			},
		},
		{
			name: "monthly with bad day",
			cfg: ScheduleConfig{
				Pattern: PatternMonthly, ScheduledAt: anchor,
				Time: "08:00", DayOfMonth: 32,
			},
			wantErr: "invalid day of month",
		},
		{
			name: "valid date range",
			cfg: ScheduleConfig{
				Pattern: PatternDateRange, ScheduledAt: anchor, Time: "12:00",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseClockTime(t *testing.T) {
	ct, err := ParseClockTime("09:30")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 9, Minute: 30}, ct)

	ct, err = ParseClockTime("23:59")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 23, Minute: 59}, ct)

	for _, bad := range []string{"", "25:00", "12:60", "noon", "-1:30"} {
		_, err := ParseClockTime(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestEnqueueJobRequestValidate(t *testing.T) {
	payload := []byte(`{"post_id":"p1"}`)

	valid := EnqueueJobRequest{Type: JobTypePublish, Key: "publish-p1-1", Payload: payload}
	assert.NoError(t, valid.Validate())

	badType := valid
	badType.Type = "cleanup"
	assert.Error(t, badType.Validate())

	noKey := valid
	noKey.Key = "  "
	assert.Error(t, noKey.Validate())

	noPayload := valid
	noPayload.Payload = nil
	assert.Error(t, noPayload.Validate())

	negativeRetries := valid
	negativeRetries.MaxRetries = -1
	assert.Error(t, negativeRetries.Validate())
}

func TestJobKeys(t *testing.T) {
	assert.Equal(t, "publish-p1-1700000000000", PublishJobKey("p1", 1700000000000))
	assert.Equal(t, "comment-retry-p1-1700000000000", CommentRetryJobKey("p1", 1700000000000))
	assert.Equal(t, "scheduler-check-1700000000000", TickJobKey(1700000000000))
}

func TestJobLastAttempt(t *testing.T) {
	assert.True(t, (&Job{RetryCount: 2, MaxRetries: 3}).LastAttempt())
	assert.False(t, (&Job{RetryCount: 1, MaxRetries: 3}).LastAttempt())
	assert.True(t, (&Job{RetryCount: 0, MaxRetries: 1}).LastAttempt())
}
