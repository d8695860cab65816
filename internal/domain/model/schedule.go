package model

import (
	"errors"
	"fmt"
	"time"
)

// SchedulePattern describes how a post recurs.
type SchedulePattern string

const (
	// PatternOnce fires a single time at ScheduledAt.
	PatternOnce SchedulePattern = "once"
	// PatternWeekly fires on the configured weekdays at the configured time.
	PatternWeekly SchedulePattern = "weekly"
	// PatternMonthly fires on the configured day of month at the configured time.
	PatternMonthly SchedulePattern = "monthly"
	// PatternDateRange fires daily at the configured time until EndDate.
	PatternDateRange SchedulePattern = "date_range"
)

// Valid returns true if the SchedulePattern is valid.
func (p SchedulePattern) Valid() bool {
	switch p {
	case PatternOnce, PatternWeekly, PatternMonthly, PatternDateRange:
		return true
	}
	return false
}

// ScheduleConfig is the recurrence descriptor embedded in a post. For
// recurring patterns ScheduledAt always holds the next firing instant; the
// scheduler advances it after each successful publish.
type ScheduleConfig struct {
	Pattern     SchedulePattern `json:"pattern"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	// Time is the local wall-clock firing time ("HH:MM") for recurring patterns.
	Time string `json:"time,omitempty"`
	// DaysOfWeek holds weekday numbers (0=Sunday .. 6=Saturday) for weekly patterns.
	DaysOfWeek []int `json:"days_of_week,omitempty"`
	// DayOfMonth is the firing day (1-31) for monthly patterns.
	DayOfMonth int `json:"day_of_month,omitempty"`
	// EndDate bounds date-range patterns (inclusive).
	EndDate *time.Time `json:"end_date,omitempty"`
}

// Validate checks the descriptor for internal consistency.
func (c *ScheduleConfig) Validate() error {
	if !c.Pattern.Valid() {
		return fmt.Errorf("invalid schedule pattern: %q", c.Pattern)
	}
	if c.ScheduledAt.IsZero() {
		return errors.New("scheduled time is required")
	}

	switch c.Pattern {
	case PatternWeekly:
		if len(c.DaysOfWeek) == 0 {
			return errors.New("weekly schedules require at least one weekday")
		}
		for _, d := range c.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("invalid weekday: %d", d)
			}
		}
		if _, err := ParseClockTime(c.Time); err != nil {
			return err
		}
	case PatternMonthly:
		if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
			return fmt.Errorf("invalid day of month: %d", c.DayOfMonth)
		}
		if _, err := ParseClockTime(c.Time); err != nil {
			return err
		}
	case PatternDateRange:
		if _, err := ParseClockTime(c.Time); err != nil {
			return err
		}
	case PatternOnce:
		// ScheduledAt is the only input.
	}
	return nil
}

// ClockTime is a wall-clock firing time without a date.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses an "HH:MM" string.
func ParseClockTime(s string) (ClockTime, error) {
	var ct ClockTime
	if _, err := fmt.Sscanf(s, "%d:%d", &ct.Hour, &ct.Minute); err != nil {
		return ClockTime{}, fmt.Errorf("invalid time %q (want HH:MM): %w", s, err)
	}
	if ct.Hour < 0 || ct.Hour > 23 || ct.Minute < 0 || ct.Minute > 59 {
		return ClockTime{}, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return ct, nil
}
