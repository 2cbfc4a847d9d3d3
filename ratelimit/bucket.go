package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/storage"
)

// allowBucket spends one token from the subject's bucket. Locally the
// accounting is delegated to the leaky bucket collector; in shared mode the
// bucket is a storage hash holding the token count and the last refill
// instant.
func (l *Limiter) allowBucket(ctx context.Context, sub Subject, now time.Time) (*Decision, error) {
	rate, capacity := l.cfg.bucketShape(l.maxFor(sub))
	if l.st != nil {
		return l.allowBucketShared(ctx, sub.key(), rate, capacity, now)
	}
	return l.allowBucketLocal(sub, rate, capacity, now), nil
}

func (l *Limiter) allowBucketLocal(sub Subject, rate float64, capacity int64, now time.Time) *Decision {
	coll := l.bucketsAnon
	if sub.Authenticated() {
		coll = l.bucketsAuth
	}
	key := sub.key()
	remaining := coll.Remaining(key)
	if remaining < 1 {
		return &Decision{
			Allowed:    false,
			Limit:      capacity,
			Remaining:  0,
			Reset:      now.Add(coll.TillEmpty(key)),
			RetryAfter: perToken(rate),
		}
	}
	coll.Add(key, 1)
	return &Decision{
		Allowed:   true,
		Limit:     capacity,
		Remaining: remaining - 1,
		Reset:     now.Add(coll.TillEmpty(key)),
	}
}

func (l *Limiter) allowBucketShared(ctx context.Context, key string, rate float64, capacity int64, now time.Time) (*Decision, error) {
	k := storageKey("bucket", key)

	h, err := l.st.HGetAll(ctx, k)
	if err != nil {
		return nil, errors.Wrap(err, "ratelimit: bucket read")
	}
	tokens := float64(capacity)
	last := now
	if raw, ok := h["tokens"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			tokens = v
		}
	}
	if raw, ok := h["last"]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			last = time.UnixMilli(ms)
		}
	}
	if elapsed := now.Sub(last); elapsed > 0 {
		tokens = math.Min(float64(capacity), tokens+elapsed.Seconds()*rate)
	}

	if tokens < 1 {
		retry := time.Duration((1 - tokens) / rate * float64(time.Second))
		return &Decision{
			Allowed:    false,
			Limit:      capacity,
			Remaining:  0,
			Reset:      now.Add(timeToFull(tokens, capacity, rate)),
			RetryAfter: retry,
		}, nil
	}

	tokens--
	_, err = l.st.Transaction(ctx, []storage.Op{
		storage.HSetOp(k, "tokens", strconv.FormatFloat(tokens, 'f', -1, 64)),
		storage.HSetOp(k, "last", strconv.FormatInt(now.UnixMilli(), 10)),
		storage.ExpireOp(k, l.cfg.Window*2),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ratelimit: bucket write")
	}
	return &Decision{
		Allowed:   true,
		Limit:     capacity,
		Remaining: int64(tokens),
		Reset:     now.Add(timeToFull(tokens, capacity, rate)),
	}, nil
}

// perToken is how long one token takes to refill.
func perToken(rate float64) time.Duration {
	if rate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / rate)
}

// timeToFull is how long until the bucket refills completely.
func timeToFull(tokens float64, capacity int64, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	missing := float64(capacity) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / rate * float64(time.Second))
}
