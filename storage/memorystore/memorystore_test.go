package memorystore

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/questline/questline/storage"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	s := New()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	s.now = clk.Now
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() {
		require.NoError(t, s.Disconnect(ctx))
	})
	return s, clk
}

func strPtr(t *testing.T, v *string, err error) string {
	t.Helper()
	require.NoError(t, err)
	require.NotNil(t, v, "expected a value, got nil")
	return *v
}

func TestConnectLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotConnected)
	assert.ErrorIs(t, s.Ping(ctx), storage.ErrNotConnected)

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Connect(ctx), "second connect must be a no-op")
	assert.Equal(t, true, s.Connected())
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, false, s.Connected())
	require.NoError(t, s.Disconnect(ctx), "second disconnect must be a no-op")
}

func TestSetGet_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	got1, err1 := s.Get(ctx, "k")
	assert.Equal(t, "v", strPtr(t, got1, err1))

	missing, err := s.Get(ctx, "absent")
	require.NoError(t, err)
	assert.Equal(t, (*string)(nil), missing)
}

func TestGet_ExpiryHonouredOnRead(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	got2, err2 := s.Get(ctx, "k")
	assert.Equal(t, "v", strPtr(t, got2, err2))

	clk.Advance(time.Minute + time.Second)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, (*string)(nil), got, "expired key must read as missing before the sweep runs")

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, false, exists)
}

func TestSet_OverwriteClearsTTL(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v1", time.Minute))
	require.NoError(t, s.Set(ctx, "k", "v2", 0))
	clk.Advance(2 * time.Minute)
	got3, err3 := s.Get(ctx, "k")
	assert.Equal(t, "v2", strPtr(t, got3, err3))
}

func TestTTL_Sentinels(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ttl, err := s.TTL(ctx, "absent")
	require.NoError(t, err)
	assert.Equal(t, storage.TTLMissing, ttl)

	require.NoError(t, s.Set(ctx, "forever", "v", 0))
	ttl, err = s.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, storage.TTLNoExpiry, ttl)

	require.NoError(t, s.Set(ctx, "bounded", "v", time.Minute))
	ttl, err = s.TTL(ctx, "bounded")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
}

func TestExpire(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Expire(ctx, "absent", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, false, ok)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	ok, err = s.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	clk.Advance(2 * time.Minute)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, (*string)(nil), got)

	// Expire with ttl <= 0 removes the expiry.
	require.NoError(t, s.Set(ctx, "p", "v", time.Minute))
	ok, err = s.Expire(ctx, "p", 0)
	require.NoError(t, err)
	assert.Equal(t, true, ok)
	ttl, err := s.TTL(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, storage.TTLNoExpiry, ttl)
}

func TestIncrement_PreservesTTL(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "counter", "10", time.Hour))
	v, err := s.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), v)

	ttl, err := s.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl, "increment must not disturb the TTL")
}

func TestIncrementDecrement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, err := s.Increment(ctx, "c", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = s.Decrement(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	require.NoError(t, s.Set(ctx, "text", "not a number", 0))
	_, err = s.Increment(ctx, "text", 1)
	assert.ErrorIs(t, err, storage.ErrNotInteger)
}

func TestWrongType(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.SAdd(ctx, "members", "a")
	require.NoError(t, err)

	_, err = s.Get(ctx, "members")
	assert.ErrorIs(t, err, storage.ErrWrongType)
	_, err = s.Increment(ctx, "members", 1)
	assert.ErrorIs(t, err, storage.ErrWrongType)
	_, err = s.LPush(ctx, "members", "x")
	assert.ErrorIs(t, err, storage.ErrWrongType)
}

func TestMGetMSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MSet(ctx, map[string]string{"a": "1", "b": "2"}))
	got, err := s.MGet(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.DeepEqual(t, map[string]string{"a": "1", "b": "2"}, got)
}

func TestKeys_GlobEscaping(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user.points", "1", 0))
	require.NoError(t, s.Set(ctx, "user_points", "2", 0))
	require.NoError(t, s.Set(ctx, "user.levels", "3", 0))

	got, err := s.Keys(ctx, "user.points")
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"user.points"}, got, "dot must be literal, not regex any-char")

	got, err = s.Keys(ctx, "user.*")
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"user.levels", "user.points"}, got)

	got, err = s.Keys(ctx, "user?points")
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"user.points", "user_points"}, got)
}

func TestHashes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, s.HSet(ctx, "h", "f2", "v2"))
	got4, err4 := s.HGet(ctx, "h", "f1")
	assert.Equal(t, "v1", strPtr(t, got4, err4))

	missing, err := s.HGet(ctx, "h", "absent")
	require.NoError(t, err)
	assert.Equal(t, (*string)(nil), missing)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.DeepEqual(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	n, err := s.HIncrBy(ctx, "h", "count", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = s.HIncrBy(ctx, "h", "count", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	removed, err := s.HDel(ctx, "h", "f1", "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestHDel_LastFieldDropsKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", "f", "v"))
	_, err := s.HDel(ctx, "h", "f")
	require.NoError(t, err)
	exists, err := s.Exists(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, false, exists)
}

func TestLists_PushOrderAndRange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.LPush(ctx, "l", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	// LPush processes values left to right, so "b" ends up at the head.
	got, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"b", "a"}, got)

	n, err = s.RPush(ctx, "l", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	got, err = s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"b", "a", "c"}, got)

	got, err = s.LRange(ctx, "l", -2, -1)
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"a", "c"}, got)

	got, err = s.LRange(ctx, "l", 5, 10)
	require.NoError(t, err)
	assert.DeepEqual(t, []string{}, got)

	l, err := s.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(3), l)
}

func TestLPush_DoesNotMutateInput(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	values := []string{"a", "b", "c"}
	_, err := s.LPush(ctx, "l", values...)
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"a", "b", "c"}, values, "caller's slice must be untouched")
}

func TestPop_FalsyValuesSurvive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.RPush(ctx, "l", "0", "", "false")
	require.NoError(t, err)

	got5, err5 := s.LPop(ctx, "l")
	assert.Equal(t, "0", strPtr(t, got5, err5))
	got6, err6 := s.LPop(ctx, "l")
	assert.Equal(t, "", strPtr(t, got6, err6))
	got7, err7 := s.LPop(ctx, "l")
	assert.Equal(t, "false", strPtr(t, got7, err7))

	v, err := s.LPop(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, (*string)(nil), v, "empty list pops nil")
}

func TestRPop(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.RPush(ctx, "l", "a", "b")
	require.NoError(t, err)
	got8, err8 := s.RPop(ctx, "l")
	assert.Equal(t, "b", strPtr(t, got8, err8))
	got9, err9 := s.RPop(ctx, "l")
	assert.Equal(t, "a", strPtr(t, got9, err9))

	exists, err := s.Exists(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, false, exists, "popping the last element drops the key")
}

func TestLTrim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.RPush(ctx, "l", "a", "b", "c", "d", "e")
	require.NoError(t, err)
	require.NoError(t, s.LTrim(ctx, "l", 1, 3))
	got, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"b", "c", "d"}, got)

	// An empty window deletes the key.
	require.NoError(t, s.LTrim(ctx, "l", 5, 10))
	exists, err := s.Exists(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, false, exists)
}

func TestSets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	added, err := s.SAdd(ctx, "s", "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), added)

	added, err = s.SAdd(ctx, "s", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), added, "re-adding an existing member reports zero")

	ok, err := s.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	card, err := s.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"a", "b"}, members)

	removed, err := s.SRem(ctx, "s", "a", "zz")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestSortedSets_OrderingAndRanks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	added, err := s.ZAdd(ctx, "lb",
		storage.SortedEntry{Member: "u1", Score: 100},
		storage.SortedEntry{Member: "u2", Score: 50},
		storage.SortedEntry{Member: "u3", Score: 100},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(3), added)

	asc, err := s.ZRange(ctx, "lb", 0, -1)
	require.NoError(t, err)
	assert.DeepEqual(t, []storage.SortedEntry{
		{Member: "u2", Score: 50},
		{Member: "u1", Score: 100},
		{Member: "u3", Score: 100},
	}, asc, "ascending by score, ties by member")

	desc, err := s.ZRevRange(ctx, "lb", 0, 1)
	require.NoError(t, err)
	assert.DeepEqual(t, []storage.SortedEntry{
		{Member: "u3", Score: 100},
		{Member: "u1", Score: 100},
	}, desc)

	rank, err := s.ZRevRank(ctx, "lb", "u2")
	require.NoError(t, err)
	require.NotNil(t, rank)
	assert.Equal(t, int64(2), *rank)

	rank, err = s.ZRank(ctx, "lb", "missing")
	require.NoError(t, err)
	assert.Equal(t, (*int64)(nil), rank)

	score, err := s.ZScore(ctx, "lb", "u1")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, float64(100), *score)

	card, err := s.ZCard(ctx, "lb")
	require.NoError(t, err)
	assert.Equal(t, int64(3), card)
}

func TestZIncrBy(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, err := s.ZIncrBy(ctx, "lb", "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, float64(10), v)
	v, err = s.ZIncrBy(ctx, "lb", "u1", -3)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)
}

func TestZCount_Infinities(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.ZAdd(ctx, "z",
		storage.SortedEntry{Member: "a", Score: 1},
		storage.SortedEntry{Member: "b", Score: 5},
		storage.SortedEntry{Member: "c", Score: 10},
	)
	require.NoError(t, err)

	n, err := s.ZCount(ctx, "z", math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.ZCount(ctx, "z", 2, math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestZAdd_UpdatesScoreWithoutCounting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	added, err := s.ZAdd(ctx, "z", storage.SortedEntry{Member: "a", Score: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), added)

	added, err = s.ZAdd(ctx, "z", storage.SortedEntry{Member: "a", Score: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(0), added, "updating an existing member adds nothing")

	score, err := s.ZScore(ctx, "z", "a")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, float64(9), *score)
}

func TestTransaction_AllOrNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "poison", "not a number", 0))

	_, err := s.Transaction(ctx, []storage.Op{
		storage.IncrByOp("total", 10),
		storage.ZIncrByOp("lb", "u1", 10),
		storage.IncrByOp("poison", 1), // fails: not an integer
	})
	assert.ErrorIs(t, err, storage.ErrNotInteger)

	// Nothing from the failed batch may remain visible.
	exists, err := s.Exists(ctx, "total")
	require.NoError(t, err)
	assert.Equal(t, false, exists)
	exists, err = s.Exists(ctx, "lb")
	require.NoError(t, err)
	assert.Equal(t, false, exists)
}

func TestTransaction_Results(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	results, err := s.Transaction(ctx, []storage.Op{
		storage.IncrByOp("total", 10),
		storage.RPushOp("log", `{"amount":10}`),
		storage.ZIncrByOp("lb", "u1", 10),
		storage.ExpireOp("total", time.Hour),
		storage.SAddOp("seen", "u1"),
	})
	require.NoError(t, err)
	require.Equal(t, 5, len(results))
	assert.Equal(t, int64(10), results[0])
	assert.Equal(t, int64(1), results[1])
	assert.Equal(t, float64(10), results[2])
	assert.Equal(t, true, results[3])
	assert.Equal(t, int64(1), results[4])

	ttl, err := s.TTL(ctx, "total")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)
}

func TestTransaction_RestoresPriorState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "before", 0))
	_, err := s.Transaction(ctx, []storage.Op{
		storage.SetOp("k", "during", 0),
		storage.IncrByOp("k", 1), // fails
	})
	assert.ErrorIs(t, err, storage.ErrNotInteger)
	got10, err10 := s.Get(ctx, "k")
	assert.Equal(t, "before", strPtr(t, got10, err10))
}

func TestSweep_RemovesExpired(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, s.Set(ctx, "b", "2", 0))
	clk.Advance(2 * time.Minute)
	s.sweep()

	s.mu.Lock()
	_, aRaw := s.items["a"]
	_, bRaw := s.items["b"]
	s.mu.Unlock()
	assert.Equal(t, false, aRaw, "sweep removes the expired entry itself")
	assert.Equal(t, true, bRaw)
}

func TestConcurrentIncrements(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "xp", 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.Increment(ctx, "xp", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(500), v, "no lost updates")
}
