package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/questline/questline/config/params"
	"github.com/questline/questline/storage"
	"github.com/questline/questline/storage/memorystore"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, cfg Config, shared bool) (*Limiter, storage.Store) {
	params.SetupTestConfigCleanup(t)
	var st storage.Store
	if shared {
		ms := memorystore.New()
		require.NoError(t, ms.Connect(context.Background()))
		t.Cleanup(func() { require.NoError(t, ms.Disconnect(context.Background())) })
		st = ms
	}
	return New(cfg, st), st
}

func TestParseAlgorithm(t *testing.T) {
	for _, s := range []string{"fixed-window", "sliding-window", "token-bucket"} {
		alg, err := ParseAlgorithm(s)
		require.NoError(t, err)
		require.Equal(t, Algorithm(s), alg)
	}
	_, err := ParseAlgorithm("leaky-cauldron")
	require.Error(t, err)
}

func TestSubjectKeying(t *testing.T) {
	auth := Subject{UserID: "alice", IP: "1.2.3.4", Endpoint: "/events"}
	require.True(t, auth.Authenticated())
	require.Equal(t, "user:alice:/events", auth.key())
	require.Equal(t, "alice", auth.identity())

	anon := Subject{IP: "1.2.3.4", Endpoint: "/events"}
	require.False(t, anon.Authenticated())
	require.Equal(t, "ip:1.2.3.4:/events", anon.key())
	require.Equal(t, "1.2.3.4", anon.identity())
}

func TestDefaultConfigFromParams(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := DefaultConfig()
	require.Equal(t, FixedWindow, cfg.Algorithm)
	require.Equal(t, time.Minute, cfg.Window)
	require.Equal(t, int64(100), cfg.MaxRequests)
	require.Equal(t, int64(1000), cfg.AuthenticatedMax)
	require.Equal(t, int64(100), cfg.AnonymousMax)
	require.Equal(t, int64(100), cfg.BucketCapacity)
	require.Equal(t, 10.0, cfg.BucketRefillPerSecond)
}

func TestSlidingWindowDenialWritesNothing(t *testing.T) {
	l, _ := setup(t, Config{Algorithm: SlidingWindow, Window: time.Second, MaxRequests: 3}, false)
	ctx := context.Background()
	sub := Subject{UserID: "alice", Endpoint: "/events"}

	start := time.Now()
	for i, want := range []int64{2, 1, 0} {
		d, err := l.Allow(ctx, sub)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
		require.Equal(t, int64(3), d.Limit)
		require.Equal(t, want, d.Remaining)
		time.Sleep(100 * time.Millisecond)
	}

	first, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, first.Allowed)
	require.Equal(t, int64(0), first.Remaining)
	// The budget reopens when the oldest hit leaves the window.
	require.WithinDuration(t, start.Add(time.Second), first.Reset, 100*time.Millisecond)
	require.Greater(t, first.RetryAfter, time.Duration(0))
	require.Less(t, first.RetryAfter, time.Second)

	l.slideMu.Lock()
	logged := len(l.sliding[sub.key()])
	l.slideMu.Unlock()
	require.Equal(t, 3, logged)

	// A denied retry leaves the log untouched, so the reopening time never
	// drifts later.
	second, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.True(t, second.Reset.Equal(first.Reset))

	l.slideMu.Lock()
	require.Equal(t, 3, len(l.sliding[sub.key()]))
	l.slideMu.Unlock()
}

func TestSlidingWindowReopensAsHitsAge(t *testing.T) {
	l, _ := setup(t, Config{Algorithm: SlidingWindow, Window: 150 * time.Millisecond, MaxRequests: 2}, false)
	ctx := context.Background()
	sub := Subject{IP: "10.0.0.1", Endpoint: "/events"}

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, sub)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	time.Sleep(200 * time.Millisecond)
	d, err = l.Allow(ctx, sub)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, int64(1), d.Remaining)
}

func TestSlidingWindowShared(t *testing.T) {
	l, st := setup(t, Config{Algorithm: SlidingWindow, Window: time.Second, MaxRequests: 3}, true)
	ctx := context.Background()
	sub := Subject{UserID: "alice", Endpoint: "/events"}
	zkey := storageKey("sliding", sub.key())

	for _, want := range []int64{2, 1, 0} {
		d, err := l.Allow(ctx, sub)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, want, d.Remaining)
	}
	entries, err := st.ZRange(ctx, zkey, 0, -1)
	require.NoError(t, err)
	require.Equal(t, 3, len(entries))

	first, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, first.Allowed)

	// Denied requests never reach storage.
	entries, err = st.ZRange(ctx, zkey, 0, -1)
	require.NoError(t, err)
	require.Equal(t, 3, len(entries))

	second, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.True(t, second.Reset.Equal(first.Reset))
}

func TestFixedWindowLocal(t *testing.T) {
	l, _ := setup(t, Config{Algorithm: FixedWindow, Window: time.Minute, MaxRequests: 2}, false)
	ctx := context.Background()
	sub := Subject{UserID: "bob", Endpoint: "/stats"}

	for _, want := range []int64{1, 0} {
		d, err := l.Allow(ctx, sub)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, want, d.Remaining)
	}
	d, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, int64(0), d.Remaining)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	// Reset sits on the window boundary.
	require.True(t, d.Reset.Equal(d.Reset.Truncate(time.Minute)))
}

func TestFixedWindowRollsOver(t *testing.T) {
	l, _ := setup(t, Config{Algorithm: FixedWindow, Window: 100 * time.Millisecond, MaxRequests: 1}, false)
	ctx := context.Background()
	sub := Subject{IP: "10.0.0.2", Endpoint: "/stats"}

	d, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	time.Sleep(120 * time.Millisecond)
	d, err = l.Allow(ctx, sub)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestFixedWindowShared(t *testing.T) {
	l, st := setup(t, Config{Algorithm: FixedWindow, Window: time.Minute, MaxRequests: 2}, true)
	ctx := context.Background()
	sub := Subject{UserID: "bob", Endpoint: "/stats"}

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, sub)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	windowStart := time.Now().Truncate(time.Minute)
	k := storageKey("fixed", sub.key(), strconv.FormatInt(windowStart.Unix(), 10))
	raw, err := st.Get(ctx, k)
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.Equal(t, "3", *raw)

	// The counter carries its own expiry so idle subjects cost nothing.
	ttl, err := st.TTL(ctx, k)
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestTokenBucketLocal(t *testing.T) {
	l, _ := setup(t, Config{Algorithm: TokenBucket, Window: time.Second, MaxRequests: 2}, false)
	ctx := context.Background()
	sub := Subject{UserID: "carol", Endpoint: "/events"}

	for _, want := range []int64{1, 0} {
		d, err := l.Allow(ctx, sub)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, int64(2), d.Limit)
		require.Equal(t, want, d.Remaining)
	}
	d, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 500*time.Millisecond, d.RetryAfter)

	// One token drains after ~500ms at 2 tokens/s.
	time.Sleep(650 * time.Millisecond)
	d, err = l.Allow(ctx, sub)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestTokenBucketShapeOverride(t *testing.T) {
	l, _ := setup(t, Config{
		Algorithm:             TokenBucket,
		Window:                time.Second,
		MaxRequests:           2,
		BucketCapacity:        4,
		BucketRefillPerSecond: 1,
	}, false)
	ctx := context.Background()
	sub := Subject{UserID: "carol", Endpoint: "/events"}

	for i := 0; i < 4; i++ {
		d, err := l.Allow(ctx, sub)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
		require.Equal(t, int64(4), d.Limit)
	}
	d, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, time.Second, d.RetryAfter)
}

func TestTokenBucketShared(t *testing.T) {
	l, st := setup(t, Config{Algorithm: TokenBucket, Window: time.Second, MaxRequests: 2}, true)
	ctx := context.Background()
	sub := Subject{UserID: "carol", Endpoint: "/events"}
	hkey := storageKey("bucket", sub.key())

	// An empty bucket refilled two seconds ago is full again.
	require.NoError(t, st.HSet(ctx, hkey, "tokens", "0"))
	require.NoError(t, st.HSet(ctx, hkey, "last", strconv.FormatInt(time.Now().Add(-2*time.Second).UnixMilli(), 10)))

	d, err := l.Allow(ctx, sub)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, int64(1), d.Remaining)

	d, err = l.Allow(ctx, sub)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, int64(0), d.Remaining)

	d, err = l.Allow(ctx, sub)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.InDelta(t, 0.5, d.RetryAfter.Seconds(), 0.2)

	h, err := st.HGetAll(ctx, hkey)
	require.NoError(t, err)
	require.Contains(t, h, "tokens")
	require.Contains(t, h, "last")
}

func TestWhitelistSkipsAccounting(t *testing.T) {
	l, _ := setup(t, Config{
		Algorithm:   SlidingWindow,
		Window:      time.Second,
		MaxRequests: 1,
		Whitelist:   []string{"alice", "10.0.0.1"},
	}, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, Subject{UserID: "alice", Endpoint: "/events"})
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, int64(1), d.Remaining)
	}
	d, err := l.Allow(ctx, Subject{IP: "10.0.0.1", Endpoint: "/events"})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	l.slideMu.Lock()
	require.Equal(t, 0, len(l.sliding))
	l.slideMu.Unlock()
}

func TestBlacklistAlwaysDenies(t *testing.T) {
	l, _ := setup(t, Config{
		Algorithm:   FixedWindow,
		Window:      time.Minute,
		MaxRequests: 100,
		Blacklist:   []string{"mallory", "10.9.9.9"},
	}, false)
	ctx := context.Background()

	d, err := l.Allow(ctx, Subject{UserID: "mallory", Endpoint: "/events"})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, time.Minute, d.RetryAfter)

	d, err = l.Allow(ctx, Subject{IP: "10.9.9.9", Endpoint: "/events"})
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.Equal(t, 0, l.fixed.ItemCount())
}

func TestAuthenticatedAndAnonymousBudgets(t *testing.T) {
	l, _ := setup(t, Config{
		Algorithm:        FixedWindow,
		Window:           time.Minute,
		AuthenticatedMax: 3,
		AnonymousMax:     1,
	}, false)
	ctx := context.Background()

	anon := Subject{IP: "10.0.0.3", Endpoint: "/events"}
	d, err := l.Allow(ctx, anon)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, int64(1), d.Limit)
	d, err = l.Allow(ctx, anon)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	user := Subject{UserID: "dave", Endpoint: "/events"}
	for i := 0; i < 3; i++ {
		d, err = l.Allow(ctx, user)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
		require.Equal(t, int64(3), d.Limit)
	}
	d, err = l.Allow(ctx, user)
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestEndpointsHaveSeparateBudgets(t *testing.T) {
	l, _ := setup(t, Config{Algorithm: FixedWindow, Window: time.Minute, MaxRequests: 1}, false)
	ctx := context.Background()

	d, err := l.Allow(ctx, Subject{UserID: "erin", Endpoint: "/events"})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = l.Allow(ctx, Subject{UserID: "erin", Endpoint: "/events"})
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Allow(ctx, Subject{UserID: "erin", Endpoint: "/stats"})
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestPurgeDropsIdleState(t *testing.T) {
	l, _ := setup(t, Config{Algorithm: SlidingWindow, Window: 50 * time.Millisecond, MaxRequests: 5}, false)
	ctx := context.Background()

	_, err := l.Allow(ctx, Subject{UserID: "alice", Endpoint: "/events"})
	require.NoError(t, err)
	_, err = l.Allow(ctx, Subject{IP: "10.0.0.4", Endpoint: "/events"})
	require.NoError(t, err)
	l.incrementLocal("user:alice:/events", time.Now().Truncate(50*time.Millisecond))

	l.slideMu.Lock()
	require.Equal(t, 2, len(l.sliding))
	l.slideMu.Unlock()
	require.Equal(t, 1, l.fixed.ItemCount())

	time.Sleep(150 * time.Millisecond)
	l.purge()

	l.slideMu.Lock()
	require.Equal(t, 0, len(l.sliding))
	l.slideMu.Unlock()
	require.Equal(t, 0, l.fixed.ItemCount())
}

func TestServiceLifecycle(t *testing.T) {
	l, _ := setup(t, Config{Algorithm: TokenBucket, Window: time.Second, MaxRequests: 2}, false)

	require.Error(t, l.Status())
	l.Start()
	require.NoError(t, l.Status())
	l.Start() // idempotent
	require.NoError(t, l.Status())
	require.NoError(t, l.Stop())
	require.Error(t, l.Status())
}
