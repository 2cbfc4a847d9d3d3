// Package redisstore implements the storage contract on Redis via
// go-redis. The mapping is almost one-to-one since the contract vocabulary
// is Redis-shaped; transactions run through TxPipelined so every op in a
// batch applies atomically. Redis expires keys natively, so no janitor
// goroutine is started.
package redisstore

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "redisstore")

var _ storage.Store = (*Store)(nil)

// Store adapts a Redis server or cluster endpoint to the storage contract.
type Store struct {
	mu        sync.Mutex
	opt       *redis.Options
	client    *redis.Client
	connected bool
}

// New parses a redis:// or rediss:// URL into a disconnected store.
func New(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: parse url")
	}
	return &Store{opt: opt}, nil
}

// Connect dials the server and verifies it answers. Connecting twice is a
// no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	client := redis.NewClient(s.opt)
	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Could not close failed client")
		}
		return errors.Wrap(err, "redisstore: ping")
	}
	s.client = client
	s.connected = true
	log.WithField("addr", s.opt.Addr).Debug("Connected to redis")
	return nil
}

// Disconnect closes the client connection pool.
func (s *Store) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	return s.client.Close()
}

// Connected reports whether the store is usable.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	return c.Ping(ctx).Err()
}

func (s *Store) conn() (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, storage.ErrNotConnected
	}
	return s.client, nil
}

// mapErr translates Redis replies onto the contract's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return storage.ErrWrongType
	case strings.Contains(msg, "not an integer"):
		return storage.ErrNotInteger
	}
	return err
}

func (s *Store) Get(ctx context.Context, key string) (*string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	val, err := c.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &val, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return mapErr(c.Set(ctx, key, value, ttl).Err())
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, err
	}
	n, err := c.Del(ctx, key).Result()
	return n > 0, mapErr(err)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, err
	}
	n, err := c.Exists(ctx, key).Result()
	return n > 0, mapErr(err)
}

func (s *Store) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (s *Store) MSet(ctx context.Context, pairs map[string]string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}
	flat := make([]interface{}, 0, len(pairs)*2)
	for k, v := range pairs {
		flat = append(flat, k, v)
	}
	return mapErr(c.MSet(ctx, flat...).Err())
}

// Keys walks the keyspace with SCAN rather than KEYS so large databases are
// never blocked. The contract's glob is narrower than Redis's, so every
// Redis-only metacharacter is escaped first.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	iter := c.Scan(ctx, 0, redisPattern(pattern), 256).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, mapErr(err)
	}
	return keys, nil
}

// redisPattern escapes the MATCH metacharacters the contract treats as
// literals, leaving only `*` and `?` wild.
func redisPattern(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '[', ']', '^', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ok, err := c.Persist(ctx, key).Result()
		if err != nil {
			return false, mapErr(err)
		}
		if ok {
			return true, nil
		}
		// PERSIST answers 0 both for missing keys and keys without a
		// TTL; the contract wants "key exists".
		n, err := c.Exists(ctx, key).Result()
		return n > 0, mapErr(err)
	}
	ok, err := c.Expire(ctx, key, ttl).Result()
	return ok, mapErr(err)
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	c, err := s.conn()
	if err != nil {
		return storage.TTLMissing, err
	}
	d, err := c.TTL(ctx, key).Result()
	if err != nil {
		return storage.TTLMissing, mapErr(err)
	}
	switch d {
	case -1:
		return storage.TTLNoExpiry, nil
	case -2:
		return storage.TTLMissing, nil
	}
	return d, nil
}

func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	n, err := c.IncrBy(ctx, key, delta).Result()
	return n, mapErr(err)
}

func (s *Store) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	n, err := c.DecrBy(ctx, key, delta).Result()
	return n, mapErr(err)
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	return mapErr(c.HSet(ctx, key, field, value).Err())
}

func (s *Store) HGet(ctx context.Context, key, field string) (*string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	val, err := c.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &val, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	m, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := c.HDel(ctx, key, fields...).Result()
	return n, mapErr(err)
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	n, err := c.HIncrBy(ctx, key, field, delta).Result()
	return n, mapErr(err)
}

func toIfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return s.LLen(ctx, key)
	}
	n, err := c.LPush(ctx, key, toIfaces(values)...).Result()
	return n, mapErr(err)
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return s.LLen(ctx, key)
	}
	n, err := c.RPush(ctx, key, toIfaces(values)...).Result()
	return n, mapErr(err)
}

func (s *Store) LPop(ctx context.Context, key string) (*string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	val, err := c.LPop(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &val, nil
}

func (s *Store) RPop(ctx context.Context, key string) (*string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	val, err := c.RPop(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &val, nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	vals, err := c.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return vals, nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	n, err := c.LLen(ctx, key).Result()
	return n, mapErr(err)
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	return mapErr(c.LTrim(ctx, key, start, stop).Err())
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	n, err := c.SAdd(ctx, key, toIfaces(members)...).Result()
	return n, mapErr(err)
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	n, err := c.SRem(ctx, key, toIfaces(members)...).Result()
	return n, mapErr(err)
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	members, err := c.SMembers(ctx, key).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return members, nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, err
	}
	ok, err := c.SIsMember(ctx, key, member).Result()
	return ok, mapErr(err)
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	n, err := c.SCard(ctx, key).Result()
	return n, mapErr(err)
}

func toZs(entries []storage.SortedEntry) []redis.Z {
	zs := make([]redis.Z, len(entries))
	for i, e := range entries {
		zs[i] = redis.Z{Score: e.Score, Member: e.Member}
	}
	return zs
}

func fromZs(zs []redis.Z) []storage.SortedEntry {
	out := make([]storage.SortedEntry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, storage.SortedEntry{Member: member, Score: z.Score})
	}
	return out
}

func (s *Store) ZAdd(ctx context.Context, key string, entries ...storage.SortedEntry) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	n, err := c.ZAdd(ctx, key, toZs(entries)...).Result()
	return n, mapErr(err)
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	n, err := c.ZRem(ctx, key, toIfaces(members)...).Result()
	return n, mapErr(err)
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]storage.SortedEntry, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	zs, err := c.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return fromZs(zs), nil
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]storage.SortedEntry, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	zs, err := c.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return fromZs(zs), nil
}

func (s *Store) ZRank(ctx context.Context, key, member string) (*int64, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	rank, err := c.ZRank(ctx, key, member).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &rank, nil
}

func (s *Store) ZRevRank(ctx context.Context, key, member string) (*int64, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	rank, err := c.ZRevRank(ctx, key, member).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &rank, nil
}

func (s *Store) ZScore(ctx context.Context, key, member string) (*float64, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	score, err := c.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &score, nil
}

// scoreBound renders a float for ZCOUNT, honouring the contract's use of
// math.Inf for open ends.
func scoreBound(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	n, err := c.ZCount(ctx, key, scoreBound(min), scoreBound(max)).Result()
	return n, mapErr(err)
}

func (s *Store) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	score, err := c.ZIncrBy(ctx, key, delta, member).Result()
	return score, mapErr(err)
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	n, err := c.ZCard(ctx, key).Result()
	return n, mapErr(err)
}

// Transaction queues every op into one MULTI/EXEC pipeline, so the batch
// applies atomically on the server. Results are translated positionally to
// the contract's per-kind types.
func (s *Store) Transaction(ctx context.Context, ops []storage.Op) ([]interface{}, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}

	cmds := make([]redis.Cmder, len(ops))
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			cmd, err := queueOp(ctx, pipe, op)
			if err != nil {
				return err
			}
			cmds[i] = cmd
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}

	results := make([]interface{}, len(ops))
	for i, op := range ops {
		results[i] = opResult(op, cmds[i])
	}
	return results, nil
}

func queueOp(ctx context.Context, pipe redis.Pipeliner, op storage.Op) (redis.Cmder, error) {
	switch op.Kind {
	case storage.OpSet:
		ttl := op.TTL
		if ttl < 0 {
			ttl = 0
		}
		return pipe.Set(ctx, op.Key, op.Value, ttl), nil
	case storage.OpDelete:
		return pipe.Del(ctx, op.Key), nil
	case storage.OpIncrBy:
		return pipe.IncrBy(ctx, op.Key, op.Delta), nil
	case storage.OpExpire:
		if op.TTL <= 0 {
			return pipe.Persist(ctx, op.Key), nil
		}
		return pipe.Expire(ctx, op.Key, op.TTL), nil
	case storage.OpHSet:
		return pipe.HSet(ctx, op.Key, op.Field, op.Value), nil
	case storage.OpHIncrBy:
		return pipe.HIncrBy(ctx, op.Key, op.Field, op.Delta), nil
	case storage.OpLPush:
		return pipe.LPush(ctx, op.Key, toIfaces(op.Values)...), nil
	case storage.OpRPush:
		return pipe.RPush(ctx, op.Key, toIfaces(op.Values)...), nil
	case storage.OpLTrim:
		return pipe.LTrim(ctx, op.Key, op.Start, op.Stop), nil
	case storage.OpSAdd:
		return pipe.SAdd(ctx, op.Key, toIfaces(op.Values)...), nil
	case storage.OpSRem:
		return pipe.SRem(ctx, op.Key, toIfaces(op.Values)...), nil
	case storage.OpZAdd:
		return pipe.ZAdd(ctx, op.Key, toZs(op.Entries)...), nil
	case storage.OpZIncrBy:
		return pipe.ZIncrBy(ctx, op.Key, op.Score, op.Member), nil
	case storage.OpZRem:
		return pipe.ZRem(ctx, op.Key, toIfaces(op.Values)...), nil
	default:
		return nil, storage.ErrTxUnsupportedOp
	}
}

func opResult(op storage.Op, cmd redis.Cmder) interface{} {
	switch op.Kind {
	case storage.OpSet, storage.OpHSet, storage.OpLTrim:
		return nil
	case storage.OpDelete:
		return cmd.(*redis.IntCmd).Val() > 0
	case storage.OpExpire:
		return cmd.(*redis.BoolCmd).Val()
	case storage.OpZIncrBy:
		return cmd.(*redis.FloatCmd).Val()
	default:
		return cmd.(*redis.IntCmd).Val()
	}
}
