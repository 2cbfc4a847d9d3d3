package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// allowFixed counts requests per aligned window. The counter is incremented
// atomically and judged afterwards, so concurrent callers across several
// engines agree on who crossed the line.
func (l *Limiter) allowFixed(ctx context.Context, key string, max int64, now time.Time) (*Decision, error) {
	windowStart := now.Truncate(l.cfg.Window)
	reset := windowStart.Add(l.cfg.Window)

	var count int64
	if l.st != nil {
		k := storageKey("fixed", key, strconv.FormatInt(windowStart.Unix(), 10))
		n, err := l.st.Increment(ctx, k, 1)
		if err != nil {
			return nil, errors.Wrap(err, "ratelimit: fixed window increment")
		}
		if n == 1 {
			// Keep the counter one extra window for debugging before it
			// expires on its own.
			if _, err := l.st.Expire(ctx, k, l.cfg.Window*2); err != nil {
				return nil, errors.Wrap(err, "ratelimit: fixed window expire")
			}
		}
		count = n
	} else {
		count = l.incrementLocal(key, windowStart)
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	d := &Decision{Allowed: count <= max, Limit: max, Remaining: remaining, Reset: reset}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d, nil
}

func (l *Limiter) incrementLocal(key string, windowStart time.Time) int64 {
	k := key + "@" + strconv.FormatInt(windowStart.Unix(), 10)
	l.fixedMu.Lock()
	defer l.fixedMu.Unlock()
	// Add is a no-op when the counter already exists.
	_ = l.fixed.Add(k, int64(0), l.cfg.Window*2)
	n, err := l.fixed.IncrementInt64(k, 1)
	if err != nil {
		// The counter expired between Add and Increment; start over.
		l.fixed.Set(k, int64(1), l.cfg.Window*2)
		return 1
	}
	return n
}
