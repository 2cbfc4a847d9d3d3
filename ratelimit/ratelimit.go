// Package ratelimit decides whether a request may proceed, keyed by the
// calling subject and endpoint. Three algorithms are available; state lives
// in-process by default and in shared storage when a store is supplied, so a
// fleet of engines can enforce one budget. Every decision carries the values
// the HTTP layer needs for the standard X-RateLimit headers.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kevinms/leakybucket-go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/questline/questline/async"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/runtime"
	"github.com/questline/questline/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ratelimit")

// Algorithm selects how request budgets are accounted.
type Algorithm string

const (
	// FixedWindow counts requests per aligned window. Cheapest; bursts can
	// double up across a window boundary.
	FixedWindow Algorithm = "fixed-window"
	// SlidingWindow counts request timestamps over the trailing window.
	// Denied requests leave no trace.
	SlidingWindow Algorithm = "sliding-window"
	// TokenBucket refills max/window tokens per second up to max; each
	// request consumes one token.
	TokenBucket Algorithm = "token-bucket"
)

// ParseAlgorithm converts a string into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case FixedWindow, SlidingWindow, TokenBucket:
		return Algorithm(s), nil
	default:
		return "", errors.Errorf("ratelimit: unknown algorithm %q", s)
	}
}

// Subject identifies one caller on one endpoint. Authenticated callers are
// keyed by user id so their budget follows them across addresses; anonymous
// callers are keyed by client IP.
type Subject struct {
	UserID   string
	IP       string
	Endpoint string
}

// Authenticated reports whether the subject carries a user identity.
func (s Subject) Authenticated() bool { return s.UserID != "" }

// identity is the whitelist/blacklist handle: the user id when present,
// otherwise the IP.
func (s Subject) identity() string {
	if s.UserID != "" {
		return s.UserID
	}
	return s.IP
}

// key composes the per-subject accounting key.
func (s Subject) key() string {
	var b strings.Builder
	if s.UserID != "" {
		b.WriteString("user:")
		b.WriteString(s.UserID)
	} else {
		b.WriteString("ip:")
		b.WriteString(s.IP)
	}
	b.WriteString(":")
	b.WriteString(s.Endpoint)
	return b.String()
}

// Decision is the outcome of one Allow call. Reset is when the subject's
// budget replenishes; RetryAfter is only meaningful on denials.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

// Config tunes a limiter. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	Algorithm Algorithm
	// Window is the accounting period shared by all algorithms.
	Window time.Duration
	// MaxRequests is the fallback budget when the per-kind maxima are unset.
	MaxRequests int64
	// AuthenticatedMax applies to subjects with a user id, AnonymousMax to
	// everyone else. Zero falls back to MaxRequests.
	AuthenticatedMax int64
	AnonymousMax     int64
	// Whitelist identities skip limiting entirely; Blacklist identities are
	// always denied. Entries match the user id or the client IP.
	Whitelist []string
	Blacklist []string
	// BucketCapacity and BucketRefillPerSecond override the token bucket's
	// derived shape (capacity = subject max, refill = max/window) when
	// positive.
	BucketCapacity        int64
	BucketRefillPerSecond float64
	// PurgeInterval is how often idle local state is swept. Zero uses the
	// window.
	PurgeInterval time.Duration
}

// DefaultConfig returns the limiter defaults from the engine config.
func DefaultConfig() Config {
	cfg := params.Config()
	return Config{
		Algorithm:             FixedWindow,
		Window:                cfg.RateLimitWindow(),
		MaxRequests:           cfg.RateLimitMaxRequests,
		AuthenticatedMax:      cfg.RateLimitAuthenticatedMax,
		AnonymousMax:          cfg.RateLimitAnonymousMax,
		BucketCapacity:        cfg.TokenBucketCapacity,
		BucketRefillPerSecond: cfg.TokenBucketRefillPerSecond,
	}
}

// bucketShape resolves the token bucket rate and capacity for one subject
// class, honouring the explicit overrides.
func (c Config) bucketShape(classMax int64) (rate float64, capacity int64) {
	capacity = classMax
	if c.BucketCapacity > 0 {
		capacity = c.BucketCapacity
	}
	rate = refillRate(capacity, c.Window)
	if c.BucketRefillPerSecond > 0 {
		rate = c.BucketRefillPerSecond
	}
	return rate, capacity
}

// Limiter enforces request budgets. It implements runtime.Service so the
// local-state purge loop is owned by the node lifecycle; the historic version
// of this component leaked its purge timer on shutdown.
type Limiter struct {
	cfg Config
	st  storage.Store

	white map[string]struct{}
	black map[string]struct{}

	// Local algorithm state. fixed holds window counters, the collectors the
	// leaky buckets (one per subject class, since budgets differ), sliding the
	// timestamp logs.
	fixedMu sync.Mutex
	fixed   *gocache.Cache

	bucketsAuth *leakybucket.Collector
	bucketsAnon *leakybucket.Collector

	slideMu sync.Mutex
	sliding map[string][]time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

var _ runtime.Service = (*Limiter)(nil)

// New constructs a limiter. A nil store keeps all state in-process; a
// non-nil store moves the accounting into shared storage so several engines
// enforce one budget.
func New(cfg Config, st storage.Store) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = FixedWindow
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = cfg.Window
	}
	l := &Limiter{
		cfg:     cfg,
		st:      st,
		white:   toSet(cfg.Whitelist),
		black:   toSet(cfg.Blacklist),
		sliding: make(map[string][]time.Time),
		// Janitorless cache: expired counters are swept by the purge loop so
		// the only background task is the one Stop cancels.
		fixed: gocache.New(cfg.Window*2, 0),
	}
	if st == nil && cfg.Algorithm == TokenBucket {
		authRate, authCap := cfg.bucketShape(l.classMax(true))
		anonRate, anonCap := cfg.bucketShape(l.classMax(false))
		l.bucketsAuth = leakybucket.NewCollector(authRate, authCap, false)
		l.bucketsAnon = leakybucket.NewCollector(anonRate, anonCap, false)
	}
	return l
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

// refillRate is the token-bucket drain in requests per second.
func refillRate(max int64, window time.Duration) float64 {
	return float64(max) / window.Seconds()
}

// maxFor resolves the subject's budget.
func (l *Limiter) maxFor(sub Subject) int64 {
	return l.classMax(sub.Authenticated())
}

func (l *Limiter) classMax(authenticated bool) int64 {
	max := l.cfg.AnonymousMax
	if authenticated {
		max = l.cfg.AuthenticatedMax
	}
	if max <= 0 {
		max = l.cfg.MaxRequests
	}
	return max
}

// Allow decides whether the subject's request proceeds. Storage errors in
// shared mode are returned to the caller; the HTTP layer decides the
// fail-open policy.
func (l *Limiter) Allow(ctx context.Context, sub Subject) (*Decision, error) {
	now := time.Now()
	max := l.maxFor(sub)

	if _, ok := l.black[sub.identity()]; ok {
		decisionsTotal.WithLabelValues("denied").Inc()
		return &Decision{
			Allowed:    false,
			Limit:      max,
			Remaining:  0,
			Reset:      now.Add(l.cfg.Window),
			RetryAfter: l.cfg.Window,
		}, nil
	}
	if _, ok := l.white[sub.identity()]; ok {
		decisionsTotal.WithLabelValues("allowed").Inc()
		return &Decision{Allowed: true, Limit: max, Remaining: max, Reset: now.Add(l.cfg.Window)}, nil
	}

	var (
		d   *Decision
		err error
	)
	switch l.cfg.Algorithm {
	case SlidingWindow:
		d, err = l.allowSliding(ctx, sub.key(), max, now)
	case TokenBucket:
		d, err = l.allowBucket(ctx, sub, now)
	default:
		d, err = l.allowFixed(ctx, sub.key(), max, now)
	}
	if err != nil {
		return nil, err
	}
	if d.Allowed {
		decisionsTotal.WithLabelValues("allowed").Inc()
	} else {
		decisionsTotal.WithLabelValues("denied").Inc()
	}
	return d, nil
}

// storageKey namespaces a subject key for shared mode.
func storageKey(parts ...string) string {
	return params.Config().Namespace + ":ratelimit:" + strings.Join(parts, ":")
}

// Start spawns the local-state purge loop.
func (l *Limiter) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	if l.st == nil {
		async.RunEvery(ctx, l.cfg.PurgeInterval, l.purge)
	}
	log.WithFields(logrus.Fields{
		"algorithm": l.cfg.Algorithm,
		"window":    l.cfg.Window,
		"shared":    l.st != nil,
	}).Info("Rate limiter started")
}

// purge drops expired fixed-window counters and idle sliding logs.
func (l *Limiter) purge() {
	l.fixed.DeleteExpired()
	cutoff := time.Now().Add(-l.cfg.Window)
	l.slideMu.Lock()
	for key, stamps := range l.sliding {
		kept := pruneBefore(stamps, cutoff)
		if len(kept) == 0 {
			delete(l.sliding, key)
			continue
		}
		l.sliding[key] = kept
	}
	localKeysGauge.Set(float64(len(l.sliding) + l.fixed.ItemCount()))
	l.slideMu.Unlock()
}

// Stop cancels the purge loop and frees the bucket collector.
func (l *Limiter) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	l.started = false
	if l.cancel != nil {
		l.cancel()
	}
	if l.bucketsAuth != nil {
		l.bucketsAuth.Free()
	}
	if l.bucketsAnon != nil {
		l.bucketsAnon.Free()
	}
	return nil
}

// Status implements runtime.Service.
func (l *Limiter) Status() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return errors.New("ratelimit: not started")
	}
	return nil
}
