// Package periods provides calendar bucketing for streak tracking and
// periodic leaderboards. All buckets are computed in UTC so that two servers
// in different timezones agree on which day, week, or month an event landed
// in.
package periods

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Period identifies the calendar granularity of a bucket.
type Period string

const (
	// Daily buckets are calendar days, keyed as 2006-01-02.
	Daily Period = "daily"
	// Weekly buckets are ISO-8601 weeks, keyed as 2006-W02.
	Weekly Period = "weekly"
	// Monthly buckets are calendar months, keyed as 2006-01.
	Monthly Period = "monthly"
	// AllTime is a single unbounded bucket keyed as "alltime".
	AllTime Period = "alltime"
)

// All lists every supported period, in ascending granularity order.
func All() []Period {
	return []Period{Daily, Weekly, Monthly, AllTime}
}

// Parse converts a string into a Period.
func Parse(s string) (Period, error) {
	switch Period(s) {
	case Daily, Weekly, Monthly, AllTime:
		return Period(s), nil
	default:
		return "", errors.Errorf("unknown period %q", s)
	}
}

// Valid reports whether p is a supported period.
func (p Period) Valid() bool {
	switch p {
	case Daily, Weekly, Monthly, AllTime:
		return true
	}
	return false
}

// Key returns the bucket key containing t. Keys sort lexicographically in
// chronological order within a period.
func (p Period) Key(t time.Time) string {
	t = t.UTC()
	switch p {
	case Daily:
		return t.Format("2006-01-02")
	case Weekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		return t.Format("2006-01")
	default:
		return "alltime"
	}
}

// StartOf returns the instant the bucket containing t begins.
func (p Period) StartOf(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// ISO weeks begin on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Next returns the instant the bucket after the one containing t begins.
// For AllTime there is no next bucket and the zero time is returned.
func (p Period) Next(t time.Time) time.Time {
	start := p.StartOf(t)
	switch p {
	case Daily:
		return start.AddDate(0, 0, 1)
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Monthly:
		return start.AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}

// PreviousKey returns the key of the bucket immediately before the one
// containing t.
func (p Period) PreviousKey(t time.Time) string {
	switch p {
	case Daily:
		return p.Key(p.StartOf(t).AddDate(0, 0, -1))
	case Weekly:
		return p.Key(p.StartOf(t).AddDate(0, 0, -7))
	case Monthly:
		return p.Key(p.StartOf(t).AddDate(0, -1, 0))
	default:
		return "alltime"
	}
}

// Gap counts how many whole buckets lie strictly between a and b. Two times
// in the same bucket yield 0, adjacent buckets yield 0, and one missed
// bucket yields 1. AllTime always yields 0.
func (p Period) Gap(a, b time.Time) int {
	if p == AllTime {
		return 0
	}
	if b.Before(a) {
		a, b = b, a
	}
	steps := 0
	cursor := p.Next(a)
	for !cursor.After(b) && p.Key(cursor) != p.Key(b) {
		steps++
		cursor = p.Next(cursor)
		// A year of daily buckets is far beyond any streak gap worth
		// counting precisely.
		if steps > 366 {
			return steps
		}
	}
	return steps
}
