// Package storagetest runs the behavioural contract every storage adapter
// must satisfy. The in-memory store runs it unconditionally; the Redis,
// Postgres, and Mongo adapters run it against live servers when their test
// URL environment variables are set.
package storagetest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/questline/questline/storage"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

// Run exercises the storage contract against a connected store. Keys are
// namespaced per invocation so shared servers are safe to test against.
func Run(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := "contract:" + uuid.NewString()[:8] + ":"

	t.Run("strings", func(t *testing.T) {
		got, err := s.Get(ctx, p+"missing")
		require.NoError(t, err)
		assert.Equal(t, (*string)(nil), got, "missing key reads as nil pointer")

		require.NoError(t, s.Set(ctx, p+"empty", "", 0))
		got, err = s.Get(ctx, p+"empty")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "", *got, "empty string survives the round trip")

		require.NoError(t, s.Set(ctx, p+"zero", "0", 0))
		got, err = s.Get(ctx, p+"zero")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0", *got)

		ok, err := s.Exists(ctx, p+"zero")
		require.NoError(t, err)
		assert.Equal(t, true, ok)

		deleted, err := s.Delete(ctx, p+"zero")
		require.NoError(t, err)
		assert.Equal(t, true, deleted)
		deleted, err = s.Delete(ctx, p+"zero")
		require.NoError(t, err)
		assert.Equal(t, false, deleted)
	})

	t.Run("mget-mset", func(t *testing.T) {
		require.NoError(t, s.MSet(ctx, map[string]string{
			p + "m1": "a",
			p + "m2": "",
		}))
		got, err := s.MGet(ctx, p+"m1", p+"m2", p+"m3")
		require.NoError(t, err)
		require.Equal(t, 2, len(got), "missing keys are absent, not empty")
		assert.Equal(t, "a", got[p+"m1"])
		v, present := got[p+"m2"]
		assert.Equal(t, true, present)
		assert.Equal(t, "", v)
	})

	t.Run("keys-glob", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, p+"glob:user:1", "x", 0))
		require.NoError(t, s.Set(ctx, p+"glob:user:2", "x", 0))
		require.NoError(t, s.Set(ctx, p+"glob:other", "x", 0))

		keys, err := s.Keys(ctx, p+"glob:user:*")
		require.NoError(t, err)
		assert.Equal(t, 2, len(keys))

		keys, err = s.Keys(ctx, p+"glob:user:?")
		require.NoError(t, err)
		assert.Equal(t, 2, len(keys))

		keys, err = s.Keys(ctx, p+"glob:user:1")
		require.NoError(t, err)
		require.Equal(t, 1, len(keys))
		assert.Equal(t, p+"glob:user:1", keys[0])
	})

	t.Run("ttl", func(t *testing.T) {
		d, err := s.TTL(ctx, p+"ttl-missing")
		require.NoError(t, err)
		assert.Equal(t, storage.TTLMissing, d)

		require.NoError(t, s.Set(ctx, p+"ttl-none", "v", 0))
		d, err = s.TTL(ctx, p+"ttl-none")
		require.NoError(t, err)
		assert.Equal(t, storage.TTLNoExpiry, d)

		require.NoError(t, s.Set(ctx, p+"ttl-live", "v", time.Hour))
		d, err = s.TTL(ctx, p+"ttl-live")
		require.NoError(t, err)
		if d <= 0 || d > time.Hour {
			t.Fatalf("TTL = %v, want within (0, 1h]", d)
		}

		ok, err := s.Expire(ctx, p+"ttl-live", 0)
		require.NoError(t, err)
		assert.Equal(t, true, ok, "expire <= 0 clears the TTL on an existing key")
		d, err = s.TTL(ctx, p+"ttl-live")
		require.NoError(t, err)
		assert.Equal(t, storage.TTLNoExpiry, d)

		ok, err = s.Expire(ctx, p+"ttl-missing", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, false, ok)
	})

	t.Run("counters", func(t *testing.T) {
		n, err := s.Increment(ctx, p+"ctr", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
		n, err = s.Increment(ctx, p+"ctr", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(8), n)
		n, err = s.Decrement(ctx, p+"ctr", 10)
		require.NoError(t, err)
		assert.Equal(t, int64(-2), n, "counters go negative freely")

		require.NoError(t, s.Set(ctx, p+"ctr-ttl", "1", time.Hour))
		_, err = s.Increment(ctx, p+"ctr-ttl", 1)
		require.NoError(t, err)
		d, err := s.TTL(ctx, p+"ctr-ttl")
		require.NoError(t, err)
		if d <= 0 {
			t.Fatalf("TTL after increment = %v, want preserved", d)
		}

		require.NoError(t, s.Set(ctx, p+"not-int", "abc", 0))
		_, err = s.Increment(ctx, p+"not-int", 1)
		assert.ErrorIs(t, err, storage.ErrNotInteger)
	})

	t.Run("hashes", func(t *testing.T) {
		require.NoError(t, s.HSet(ctx, p+"h", "name", "ada"))
		require.NoError(t, s.HSet(ctx, p+"h", "tier", "gold"))

		v, err := s.HGet(ctx, p+"h", "name")
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, "ada", *v)

		v, err = s.HGet(ctx, p+"h", "nope")
		require.NoError(t, err)
		assert.Equal(t, (*string)(nil), v)

		all, err := s.HGetAll(ctx, p+"h")
		require.NoError(t, err)
		assert.Equal(t, 2, len(all))

		n, err := s.HIncrBy(ctx, p+"h", "visits", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		n, err = s.HIncrBy(ctx, p+"h", "visits", -1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		removed, err := s.HDel(ctx, p+"h", "tier", "nope")
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
	})

	t.Run("lists", func(t *testing.T) {
		n, err := s.LPush(ctx, p+"l", "a", "b")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		n, err = s.RPush(ctx, p+"l", "c")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		vals, err := s.LRange(ctx, p+"l", 0, -1)
		require.NoError(t, err)
		assert.DeepEqual(t, []string{"b", "a", "c"}, vals, "LPush leaves the last value at the head")

		vals, err = s.LRange(ctx, p+"l", -2, -1)
		require.NoError(t, err)
		assert.DeepEqual(t, []string{"a", "c"}, vals)

		head, err := s.LPop(ctx, p+"l")
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, "b", *head)
		tail, err := s.RPop(ctx, p+"l")
		require.NoError(t, err)
		require.NotNil(t, tail)
		assert.Equal(t, "c", *tail)

		n, err = s.LLen(ctx, p+"l")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		empty, err := s.LPop(ctx, p+"l-missing")
		require.NoError(t, err)
		assert.Equal(t, (*string)(nil), empty)

		_, err = s.RPush(ctx, p+"trim", "1", "2", "3", "4", "5")
		require.NoError(t, err)
		require.NoError(t, s.LTrim(ctx, p+"trim", 1, 3))
		vals, err = s.LRange(ctx, p+"trim", 0, -1)
		require.NoError(t, err)
		assert.DeepEqual(t, []string{"2", "3", "4"}, vals)
	})

	t.Run("sets", func(t *testing.T) {
		added, err := s.SAdd(ctx, p+"s", "x", "y")
		require.NoError(t, err)
		assert.Equal(t, int64(2), added)
		added, err = s.SAdd(ctx, p+"s", "y", "z")
		require.NoError(t, err)
		assert.Equal(t, int64(1), added, "SAdd counts only new members")

		ok, err := s.SIsMember(ctx, p+"s", "x")
		require.NoError(t, err)
		assert.Equal(t, true, ok)

		n, err := s.SCard(ctx, p+"s")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		members, err := s.SMembers(ctx, p+"s")
		require.NoError(t, err)
		assert.Equal(t, 3, len(members))

		removed, err := s.SRem(ctx, p+"s", "x", "nope")
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
	})

	t.Run("sorted-sets", func(t *testing.T) {
		added, err := s.ZAdd(ctx, p+"z",
			storage.SortedEntry{Member: "ada", Score: 30},
			storage.SortedEntry{Member: "bob", Score: 10},
			storage.SortedEntry{Member: "cat", Score: 20},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(3), added)

		added, err = s.ZAdd(ctx, p+"z", storage.SortedEntry{Member: "bob", Score: 40})
		require.NoError(t, err)
		assert.Equal(t, int64(0), added, "updates do not count as additions")

		asc, err := s.ZRange(ctx, p+"z", 0, -1)
		require.NoError(t, err)
		require.Equal(t, 3, len(asc))
		assert.Equal(t, "cat", asc[0].Member)
		assert.Equal(t, "ada", asc[1].Member)
		assert.Equal(t, "bob", asc[2].Member)

		desc, err := s.ZRevRange(ctx, p+"z", 0, 1)
		require.NoError(t, err)
		require.Equal(t, 2, len(desc))
		assert.Equal(t, "bob", desc[0].Member)
		assert.Equal(t, float64(40), desc[0].Score)

		rank, err := s.ZRank(ctx, p+"z", "cat")
		require.NoError(t, err)
		require.NotNil(t, rank)
		assert.Equal(t, int64(0), *rank)

		rank, err = s.ZRevRank(ctx, p+"z", "bob")
		require.NoError(t, err)
		require.NotNil(t, rank)
		assert.Equal(t, int64(0), *rank)

		rank, err = s.ZRank(ctx, p+"z", "nobody")
		require.NoError(t, err)
		assert.Equal(t, (*int64)(nil), rank)

		score, err := s.ZScore(ctx, p+"z", "ada")
		require.NoError(t, err)
		require.NotNil(t, score)
		assert.Equal(t, float64(30), *score)

		n, err := s.ZCount(ctx, p+"z", 20, 40)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		n, err = s.ZCount(ctx, p+"z", math.Inf(-1), math.Inf(1))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		newScore, err := s.ZIncrBy(ctx, p+"z", "cat", 5)
		require.NoError(t, err)
		assert.Equal(t, float64(25), newScore)

		removed, err := s.ZRem(ctx, p+"z", "ada")
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		n, err = s.ZCard(ctx, p+"z")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("expiry-on-read", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, p+"gone", "v", time.Millisecond))
		time.Sleep(20 * time.Millisecond)
		got, err := s.Get(ctx, p+"gone")
		require.NoError(t, err)
		assert.Equal(t, (*string)(nil), got, "expired key reads as missing before any sweep")
		ok, err := s.Exists(ctx, p+"gone")
		require.NoError(t, err)
		assert.Equal(t, false, ok)
	})

	t.Run("transaction", func(t *testing.T) {
		results, err := s.Transaction(ctx, []storage.Op{
			storage.SetOp(p+"tx:flag", "on", 0),
			storage.IncrByOp(p+"tx:ctr", 7),
			storage.SAddOp(p+"tx:set", "a", "b"),
			storage.ZAddOp(p+"tx:z", storage.SortedEntry{Member: "m", Score: 1.5}),
			storage.ZIncrByOp(p+"tx:z", "m", 0.5),
		})
		require.NoError(t, err)
		require.Equal(t, 5, len(results))
		assert.Equal(t, int64(7), results[1])
		assert.Equal(t, int64(2), results[2])
		assert.Equal(t, int64(1), results[3])
		assert.Equal(t, float64(2), results[4])

		got, err := s.Get(ctx, p+"tx:flag")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "on", *got)

		_, err = s.Transaction(ctx, []storage.Op{{Kind: storage.OpKind(99), Key: p + "tx:bad"}})
		assert.ErrorIs(t, err, storage.ErrTxUnsupportedOp)
	})
}
