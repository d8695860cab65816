// Package schedule computes recurrence occurrences for scheduled posts.
package schedule

import (
	"sort"
	"time"

	"github.com/postpilot/postpilot/internal/domain/model"
)

// DefaultTimezone is the wall-clock zone recurrence math runs in when the
// deployment does not configure one.
const DefaultTimezone = "Asia/Ho_Chi_Minh"

// LoadLocation resolves a zone name, falling back to the default zone and then
// UTC. Recurrence math must never fail on a bad TZ value.
func LoadLocation(name string) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

// NextOccurrence computes the first firing instant strictly after the given
// time. Wall-clock fields (weekday, day of month, HH:MM) are interpreted in
// loc. A nil result means the schedule has no further occurrences.
func NextOccurrence(cfg *model.ScheduleConfig, after time.Time, loc *time.Location) (*time.Time, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Pattern {
	case model.PatternOnce:
		if cfg.ScheduledAt.After(after) {
			t := cfg.ScheduledAt
			return &t, nil
		}
		return nil, nil
	case model.PatternWeekly:
		return nextWeekly(cfg, after, loc)
	case model.PatternMonthly:
		return nextMonthly(cfg, after, loc)
	case model.PatternDateRange:
		return nextDaily(cfg, after, loc)
	}
	return nil, nil
}

func nextWeekly(cfg *model.ScheduleConfig, after time.Time, loc *time.Location) (*time.Time, error) {
	ct, err := model.ParseClockTime(cfg.Time)
	if err != nil {
		return nil, err
	}

	days := append([]int(nil), cfg.DaysOfWeek...)
	sort.Ints(days)
	enabled := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		enabled[time.Weekday(d)] = true
	}

	local := after.In(loc)
	for offset := 0; offset < 8; offset++ {
		day := local.AddDate(0, 0, offset)
		if !enabled[day.Weekday()] {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), ct.Hour, ct.Minute, 0, 0, loc)
		if candidate.After(after) {
			return &candidate, nil
		}
	}
	return nil, nil
}

func nextMonthly(cfg *model.ScheduleConfig, after time.Time, loc *time.Location) (*time.Time, error) {
	ct, err := model.ParseClockTime(cfg.Time)
	if err != nil {
		return nil, err
	}

	local := after.In(loc)
	// Months without the configured day (e.g. day 31 in April) are skipped
	// rather than clamped, so check up to a year ahead.
	for offset := 0; offset < 13; offset++ {
		month := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, offset, 0)
		if cfg.DayOfMonth > daysInMonth(month.Year(), month.Month()) {
			continue
		}
		candidate := time.Date(month.Year(), month.Month(), cfg.DayOfMonth, ct.Hour, ct.Minute, 0, 0, loc)
		if candidate.After(after) {
			return &candidate, nil
		}
	}
	return nil, nil
}

func nextDaily(cfg *model.ScheduleConfig, after time.Time, loc *time.Location) (*time.Time, error) {
	ct, err := model.ParseClockTime(cfg.Time)
	if err != nil {
		return nil, err
	}

	local := after.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), ct.Hour, ct.Minute, 0, 0, loc)
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	if cfg.EndDate != nil {
		// EndDate is inclusive through the end of that calendar day.
		end := cfg.EndDate.In(loc)
		endOfDay := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, loc)
		if candidate.After(endOfDay) {
			return nil, nil
		}
	}
	return &candidate, nil
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
