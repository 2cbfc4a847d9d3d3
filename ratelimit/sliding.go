package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/questline/questline/storage"
)

// allowSliding counts request timestamps over the trailing window. A denied
// request writes nothing, so hammering a closed limiter never pushes the
// reopening time further out.
func (l *Limiter) allowSliding(ctx context.Context, key string, max int64, now time.Time) (*Decision, error) {
	if l.st != nil {
		return l.allowSlidingShared(ctx, key, max, now)
	}
	return l.allowSlidingLocal(key, max, now), nil
}

func (l *Limiter) allowSlidingLocal(key string, max int64, now time.Time) *Decision {
	cutoff := now.Add(-l.cfg.Window)
	l.slideMu.Lock()
	defer l.slideMu.Unlock()

	stamps := pruneBefore(l.sliding[key], cutoff)
	if int64(len(stamps)) >= max {
		l.sliding[key] = stamps
		oldest := stamps[0]
		return &Decision{
			Allowed:    false,
			Limit:      max,
			Remaining:  0,
			Reset:      oldest.Add(l.cfg.Window),
			RetryAfter: oldest.Add(l.cfg.Window).Sub(now),
		}
	}
	stamps = append(stamps, now)
	l.sliding[key] = stamps
	return &Decision{
		Allowed:   true,
		Limit:     max,
		Remaining: max - int64(len(stamps)),
		Reset:     stamps[0].Add(l.cfg.Window),
	}
}

func (l *Limiter) allowSlidingShared(ctx context.Context, key string, max int64, now time.Time) (*Decision, error) {
	k := storageKey("sliding", key)
	cutoffMs := float64(now.Add(-l.cfg.Window).UnixMilli())

	entries, err := l.st.ZRange(ctx, k, 0, -1)
	if err != nil {
		return nil, errors.Wrap(err, "ratelimit: sliding window read")
	}
	var (
		live   int64
		oldest float64
		stale  []string
	)
	for _, e := range entries {
		if e.Score < cutoffMs {
			stale = append(stale, e.Member)
			continue
		}
		if live == 0 || e.Score < oldest {
			oldest = e.Score
		}
		live++
	}

	if live >= max {
		reset := time.UnixMilli(int64(oldest)).Add(l.cfg.Window)
		return &Decision{
			Allowed:    false,
			Limit:      max,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: reset.Sub(now),
		}, nil
	}

	// Admission mutates: record the hit, drop what has aged out, and keep
	// the whole log from outliving an idle subject.
	if len(stale) > 0 {
		if _, err := l.st.ZRem(ctx, k, stale...); err != nil {
			return nil, errors.Wrap(err, "ratelimit: sliding window prune")
		}
	}
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	if _, err := l.st.ZAdd(ctx, k, storage.SortedEntry{Member: member, Score: float64(now.UnixMilli())}); err != nil {
		return nil, errors.Wrap(err, "ratelimit: sliding window record")
	}
	if _, err := l.st.Expire(ctx, k, l.cfg.Window*2); err != nil {
		return nil, errors.Wrap(err, "ratelimit: sliding window expire")
	}

	if live == 0 {
		oldest = float64(now.UnixMilli())
	}
	return &Decision{
		Allowed:   true,
		Limit:     max,
		Remaining: max - live - 1,
		Reset:     time.UnixMilli(int64(oldest)).Add(l.cfg.Window),
	}, nil
}

// pruneBefore drops timestamps older than cutoff, preserving order.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && stamps[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	kept := make([]time.Time, len(stamps)-idx)
	copy(kept, stamps[idx:])
	return kept
}
