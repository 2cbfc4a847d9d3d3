// Package storage defines the data contract every questline backend
// implements. The vocabulary is deliberately Redis-shaped: strings with TTL,
// counters, hashes, lists, sets, and sorted sets, plus an all-or-nothing
// transaction primitive. Modules speak only this interface; they never reach
// for a driver directly.
package storage

import (
	"context"
	"time"
)

// TTL sentinels returned by Store.TTL, matching the convention of the Redis
// TTL command.
const (
	// TTLNoExpiry means the key exists but carries no expiration.
	TTLNoExpiry = time.Duration(-1)
	// TTLMissing means the key does not exist.
	TTLMissing = time.Duration(-2)
)

// SortedEntry is the canonical member/score shape returned by ZRange and
// ZRevRange on every adapter.
type SortedEntry struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// Store is the uniform contract over the in-memory, Redis, Mongo, and
// Postgres backends.
//
// Missing values are nil pointers, never empty strings, so that falsy values
// ("", "0", "false") survive a round trip through lists and gets. TTLs at or
// below zero mean "no expiry". Adapters honour expiry on read: a Get on an
// expired key reports missing even when the background sweep has not run yet.
type Store interface {
	// Connect establishes the backend connection and starts the expired-key
	// janitor where the backend needs one. Connecting twice is a no-op.
	Connect(ctx context.Context) error
	// Disconnect cancels the janitor and tears the connection down.
	Disconnect(ctx context.Context) error
	// Connected reports whether Connect has succeeded and Disconnect has not
	// yet been called.
	Connected() bool
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Strings.
	Get(ctx context.Context, key string) (*string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	MSet(ctx context.Context, pairs map[string]string) error
	// Keys matches keys against a glob where only `*` and `?` are wild.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Counters. Increment and Decrement preserve any TTL already on the key.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	Decrement(ctx context.Context, key string, delta int64) (int64, error)

	// Hashes.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (*string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Lists. Push order follows Redis: LPush("k", "a", "b") leaves "b" at the
	// head. Input slices are never mutated.
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string) (*string, error)
	RPop(ctx context.Context, key string) (*string, error)
	// LRange uses inclusive stops; negative indices count from the end.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Sets. SAdd returns how many members were newly added, which is the
	// primitive idempotent award paths race on.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted sets. Ordering is by score ascending, ties broken by member,
	// matching Redis. Ranks are zero-based; nil means not a member.
	ZAdd(ctx context.Context, key string, entries ...SortedEntry) (int64, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]SortedEntry, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]SortedEntry, error)
	ZRank(ctx context.Context, key, member string) (*int64, error)
	ZRevRank(ctx context.Context, key, member string) (*int64, error)
	ZScore(ctx context.Context, key, member string) (*float64, error)
	// ZCount accepts math.Inf(±1) for unbounded ends.
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Transaction executes the ops against one atomic context. Either every
	// op applies or none does. Results are positional and typed per op kind.
	Transaction(ctx context.Context, ops []Op) ([]interface{}, error)
}
