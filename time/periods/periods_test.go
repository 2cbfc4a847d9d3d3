package periods_test

import (
	"testing"
	"time"

	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
	"github.com/questline/questline/time/periods"
)

func TestKey(t *testing.T) {
	at := time.Date(2024, 3, 15, 22, 45, 0, 0, time.UTC)
	tests := []struct {
		period periods.Period
		want   string
	}{
		{period: periods.Daily, want: "2024-03-15"},
		{period: periods.Weekly, want: "2024-W11"},
		{period: periods.Monthly, want: "2024-03"},
		{period: periods.AllTime, want: "alltime"},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.period.Key(at))
		})
	}
}

func TestKey_UTCNormalization(t *testing.T) {
	tz, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 23:30 local on March 15 is already March 16 in UTC.
	local := time.Date(2024, 3, 15, 23, 30, 0, 0, tz)
	assert.Equal(t, "2024-03-16", periods.Daily.Key(local))
}

func TestKey_ISOWeekYearBoundary(t *testing.T) {
	// January 1st 2027 falls in ISO week 53 of 2026.
	at := time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-W53", periods.Weekly.Key(at))
}

func TestStartOf(t *testing.T) {
	at := time.Date(2024, 3, 15, 22, 45, 10, 0, time.UTC) // a Friday
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), periods.Daily.StartOf(at))
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), periods.Weekly.StartOf(at))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), periods.Monthly.StartOf(at))
}

func TestStartOf_SundayBelongsToPriorWeek(t *testing.T) {
	sunday := time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), periods.Weekly.StartOf(sunday))
}

func TestNext(t *testing.T) {
	at := time.Date(2024, 1, 31, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), periods.Daily.Next(at))
	assert.Equal(t, time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC), periods.Weekly.Next(at))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), periods.Monthly.Next(at))
	assert.Equal(t, true, periods.AllTime.Next(at).IsZero())
}

func TestPreviousKey(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-02-29", periods.Daily.PreviousKey(at))
	assert.Equal(t, "2024-02", periods.Monthly.PreviousKey(at))
}

func TestGap(t *testing.T) {
	tests := []struct {
		name   string
		period periods.Period
		a, b   time.Time
		want   int
	}{
		{
			name:   "same day",
			period: periods.Daily,
			a:      time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC),
			b:      time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC),
			want:   0,
		},
		{
			name:   "consecutive days",
			period: periods.Daily,
			a:      time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC),
			b:      time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC),
			want:   0,
		},
		{
			name:   "one missed day",
			period: periods.Daily,
			a:      time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
			b:      time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC),
			want:   1,
		},
		{
			name:   "reversed arguments",
			period: periods.Daily,
			a:      time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC),
			b:      time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
			want:   1,
		},
		{
			name:   "consecutive weeks",
			period: periods.Weekly,
			a:      time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
			b:      time.Date(2024, 3, 18, 12, 0, 0, 0, time.UTC),
			want:   0,
		},
		{
			name:   "two missed months",
			period: periods.Monthly,
			a:      time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
			b:      time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC),
			want:   2,
		},
		{
			name:   "alltime never gaps",
			period: periods.AllTime,
			a:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			b:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.period.Gap(tt.a, tt.b))
		})
	}
}

func TestParse(t *testing.T) {
	p, err := periods.Parse("weekly")
	require.NoError(t, err)
	assert.Equal(t, periods.Weekly, p)

	_, err = periods.Parse("fortnightly")
	assert.ErrorContains(t, "unknown period", err)
}
