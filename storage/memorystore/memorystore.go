// Package memorystore implements the storage contract in process memory. It
// is the default backend for embedded use and the reference implementation
// the other adapters are tested against. Expiry is honoured lazily on every
// access and reaped by a janitor goroutine that Connect starts and Disconnect
// cancels.
package memorystore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/questline/questline/async"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/encoding/wildcard"
	"github.com/questline/questline/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "memorystore")

var _ storage.Store = (*Store)(nil)

type kind uint8

const (
	kindString kind = iota
	kindHash
	kindList
	kindSet
	kindZSet
)

type entry struct {
	kind     kind
	expireAt time.Time // zero means no expiry
	str      string
	hash     map[string]string
	list     []string
	set      map[string]struct{}
	zset     map[string]float64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

func (e *entry) clone() *entry {
	cp := &entry{kind: e.kind, expireAt: e.expireAt, str: e.str}
	if e.hash != nil {
		cp.hash = make(map[string]string, len(e.hash))
		for k, v := range e.hash {
			cp.hash[k] = v
		}
	}
	if e.list != nil {
		cp.list = append([]string(nil), e.list...)
	}
	if e.set != nil {
		cp.set = make(map[string]struct{}, len(e.set))
		for m := range e.set {
			cp.set[m] = struct{}{}
		}
	}
	if e.zset != nil {
		cp.zset = make(map[string]float64, len(e.zset))
		for m, s := range e.zset {
			cp.zset[m] = s
		}
	}
	return cp
}

// Store keeps every entry in one map guarded by a mutex.
type Store struct {
	mu        sync.Mutex
	items     map[string]*entry
	connected bool
	cancel    context.CancelFunc
	now       func() time.Time
}

// New constructs a disconnected store.
func New() *Store {
	return &Store{
		items: make(map[string]*entry),
		now:   time.Now,
	}
}

// Connect marks the store usable and starts the expired-key janitor.
// Connecting twice is a no-op.
func (s *Store) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	jctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.connected = true
	interval := params.Config().JanitorInterval()
	if interval < time.Minute {
		interval = time.Minute
	}
	async.RunEvery(jctx, interval, s.sweep)
	log.Debug("Connected in-memory store")
	return nil
}

// Disconnect cancels the janitor. Stored data survives so the store can be
// reconnected.
func (s *Store) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.cancel()
	s.cancel = nil
	s.connected = false
	return nil
}

// Connected reports whether the store accepts operations.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Ping reports an error when the store is disconnected.
func (s *Store) Ping(_ context.Context) error {
	if !s.Connected() {
		return storage.ErrNotConnected
	}
	return nil
}

// sweep removes entries whose expiry has passed.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
			removed++
		}
	}
	if removed > 0 {
		log.WithField("removed", removed).Debug("Swept expired keys")
	}
}

// live returns the entry for key, lazily deleting it when expired. Callers
// hold s.mu.
func (s *Store) live(key string) *entry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return nil
	}
	return e
}

// liveOfKind returns the live entry for key when it holds the wanted kind.
func (s *Store) liveOfKind(key string, k kind) (*entry, error) {
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != k {
		return nil, storage.ErrWrongType
	}
	return e, nil
}

func (s *Store) guard() error {
	if !s.connected {
		return storage.ErrNotConnected
	}
	return nil
}

// dropIfEmpty deletes container entries that no longer hold any members.
func (s *Store) dropIfEmpty(key string, e *entry) {
	switch e.kind {
	case kindHash:
		if len(e.hash) == 0 {
			delete(s.items, key)
		}
	case kindList:
		if len(e.list) == 0 {
			delete(s.items, key)
		}
	case kindSet:
		if len(e.set) == 0 {
			delete(s.items, key)
		}
	case kindZSet:
		if len(e.zset) == 0 {
			delete(s.items, key)
		}
	}
}

// --- strings ---

func (s *Store) Get(_ context.Context, key string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	e, err := s.liveOfKind(key, kindString)
	if err != nil || e == nil {
		return nil, err
	}
	v := e.str
	return &v, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.setLocked(key, value, ttl)
	return nil
}

func (s *Store) setLocked(key, value string, ttl time.Duration) {
	e := &entry{kind: kindString, str: value}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	s.items[key] = e
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	return s.deleteLocked(key), nil
}

func (s *Store) deleteLocked(key string) bool {
	if s.live(key) == nil {
		return false
	}
	delete(s.items, key)
	return true
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	return s.live(key) != nil, nil
}

func (s *Store) MGet(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if e := s.live(key); e != nil && e.kind == kindString {
			out[key] = e.str
		}
	}
	return out, nil
}

func (s *Store) MSet(_ context.Context, pairs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	for k, v := range pairs {
		s.setLocked(k, v, 0)
	}
	return nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	re, err := wildcard.Compile(pattern)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []string
	for k, e := range s.items {
		if e.expired(now) {
			continue
		}
		if re.MatchString(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	return s.expireLocked(key, ttl), nil
}

func (s *Store) expireLocked(key string, ttl time.Duration) bool {
	e := s.live(key)
	if e == nil {
		return false
	}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	} else {
		e.expireAt = time.Time{}
	}
	return true
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	e := s.live(key)
	if e == nil {
		return storage.TTLMissing, nil
	}
	if e.expireAt.IsZero() {
		return storage.TTLNoExpiry, nil
	}
	return e.expireAt.Sub(s.now()), nil
}

// --- counters ---

func (s *Store) Increment(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.incrByLocked(key, delta)
}

func (s *Store) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return s.Increment(ctx, key, -delta)
}

// incrByLocked adds delta to the counter at key. The entry's expiry is left
// untouched so counters keep their TTL across increments.
func (s *Store) incrByLocked(key string, delta int64) (int64, error) {
	e, err := s.liveOfKind(key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindString, str: "0"}
		s.items[key] = e
	}
	cur, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, storage.ErrNotInteger
	}
	cur += delta
	e.str = strconv.FormatInt(cur, 10)
	return cur, nil
}

// --- hashes ---

func (s *Store) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	return s.hsetLocked(key, field, value)
}

func (s *Store) hsetLocked(key, field, value string) error {
	e, err := s.liveOfKind(key, kindHash)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		s.items[key] = e
	}
	e.hash[field] = value
	return nil
}

func (s *Store) HGet(_ context.Context, key, field string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	e, err := s.liveOfKind(key, kindHash)
	if err != nil || e == nil {
		return nil, err
	}
	v, ok := e.hash[field]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	e, err := s.liveOfKind(key, kindHash)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if e == nil {
		return out, nil
	}
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	e, err := s.liveOfKind(key, kindHash)
	if err != nil || e == nil {
		return 0, err
	}
	var removed int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			removed++
		}
	}
	s.dropIfEmpty(key, e)
	return removed, nil
}

func (s *Store) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.hincrByLocked(key, field, delta)
}

func (s *Store) hincrByLocked(key, field string, delta int64) (int64, error) {
	e, err := s.liveOfKind(key, kindHash)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		s.items[key] = e
	}
	cur := int64(0)
	if raw, ok := e.hash[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, storage.ErrNotInteger
		}
		cur = parsed
	}
	cur += delta
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// --- lists ---

func (s *Store) LPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.pushLocked(key, values, true)
}

func (s *Store) RPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.pushLocked(key, values, false)
}

// pushLocked never mutates the caller's values slice.
func (s *Store) pushLocked(key string, values []string, left bool) (int64, error) {
	e, err := s.liveOfKind(key, kindList)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindList}
		s.items[key] = e
	}
	if left {
		for _, v := range values {
			e.list = append([]string{v}, e.list...)
		}
	} else {
		e.list = append(e.list, values...)
	}
	return int64(len(e.list)), nil
}

func (s *Store) LPop(_ context.Context, key string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.popLocked(key, true)
}

func (s *Store) RPop(_ context.Context, key string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.popLocked(key, false)
}

func (s *Store) popLocked(key string, left bool) (*string, error) {
	e, err := s.liveOfKind(key, kindList)
	if err != nil || e == nil {
		return nil, err
	}
	if len(e.list) == 0 {
		delete(s.items, key)
		return nil, nil
	}
	var v string
	if left {
		v = e.list[0]
		e.list = e.list[1:]
	} else {
		v = e.list[len(e.list)-1]
		e.list = e.list[:len(e.list)-1]
	}
	s.dropIfEmpty(key, e)
	return &v, nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	e, err := s.liveOfKind(key, kindList)
	if err != nil || e == nil {
		return []string{}, err
	}
	lo, hi, ok := normalizeRange(start, stop, int64(len(e.list)))
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), e.list[lo:hi+1]...), nil
}

func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	e, err := s.liveOfKind(key, kindList)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

func (s *Store) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	return s.ltrimLocked(key, start, stop)
}

func (s *Store) ltrimLocked(key string, start, stop int64) error {
	e, err := s.liveOfKind(key, kindList)
	if err != nil || e == nil {
		return err
	}
	lo, hi, ok := normalizeRange(start, stop, int64(len(e.list)))
	if !ok {
		delete(s.items, key)
		return nil
	}
	e.list = append([]string(nil), e.list[lo:hi+1]...)
	s.dropIfEmpty(key, e)
	return nil
}

// --- sets ---

func (s *Store) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.saddLocked(key, members)
}

func (s *Store) saddLocked(key string, members []string) (int64, error) {
	e, err := s.liveOfKind(key, kindSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		s.items[key] = e
	}
	var added int64
	for _, m := range members {
		if _, ok := e.set[m]; !ok {
			e.set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.sremLocked(key, members)
}

func (s *Store) sremLocked(key string, members []string) (int64, error) {
	e, err := s.liveOfKind(key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	var removed int64
	for _, m := range members {
		if _, ok := e.set[m]; ok {
			delete(e.set, m)
			removed++
		}
	}
	s.dropIfEmpty(key, e)
	return removed, nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	e, err := s.liveOfKind(key, kindSet)
	if err != nil || e == nil {
		return []string{}, err
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	e, err := s.liveOfKind(key, kindSet)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.set[member]
	return ok, nil
}

func (s *Store) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	e, err := s.liveOfKind(key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.set)), nil
}

// --- sorted sets ---

func (s *Store) ZAdd(_ context.Context, key string, entries ...storage.SortedEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.zaddLocked(key, entries)
}

func (s *Store) zaddLocked(key string, entries []storage.SortedEntry) (int64, error) {
	e, err := s.liveOfKind(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindZSet, zset: make(map[string]float64)}
		s.items[key] = e
	}
	var added int64
	for _, se := range entries {
		if _, ok := e.zset[se.Member]; !ok {
			added++
		}
		e.zset[se.Member] = se.Score
	}
	return added, nil
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.zremLocked(key, members)
}

func (s *Store) zremLocked(key string, members []string) (int64, error) {
	e, err := s.liveOfKind(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	var removed int64
	for _, m := range members {
		if _, ok := e.zset[m]; ok {
			delete(e.zset, m)
			removed++
		}
	}
	s.dropIfEmpty(key, e)
	return removed, nil
}

// sortedLocked returns the zset ordered by score ascending, ties by member.
func (s *Store) sortedLocked(key string) ([]storage.SortedEntry, error) {
	e, err := s.liveOfKind(key, kindZSet)
	if err != nil || e == nil {
		return nil, err
	}
	out := make([]storage.SortedEntry, 0, len(e.zset))
	for m, sc := range e.zset {
		out = append(out, storage.SortedEntry{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (s *Store) ZRange(_ context.Context, key string, start, stop int64) ([]storage.SortedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	asc, err := s.sortedLocked(key)
	if err != nil {
		return nil, err
	}
	return windowEntries(asc, start, stop), nil
}

func (s *Store) ZRevRange(_ context.Context, key string, start, stop int64) ([]storage.SortedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	asc, err := s.sortedLocked(key)
	if err != nil {
		return nil, err
	}
	desc := make([]storage.SortedEntry, len(asc))
	for i, se := range asc {
		desc[len(asc)-1-i] = se
	}
	return windowEntries(desc, start, stop), nil
}

func (s *Store) ZRank(_ context.Context, key, member string) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	asc, err := s.sortedLocked(key)
	if err != nil {
		return nil, err
	}
	for i, se := range asc {
		if se.Member == member {
			rank := int64(i)
			return &rank, nil
		}
	}
	return nil, nil
}

func (s *Store) ZRevRank(ctx context.Context, key, member string) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	asc, err := s.sortedLocked(key)
	if err != nil {
		return nil, err
	}
	for i, se := range asc {
		if se.Member == member {
			rank := int64(len(asc) - 1 - i)
			return &rank, nil
		}
	}
	return nil, nil
}

func (s *Store) ZScore(_ context.Context, key, member string) (*float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	e, err := s.liveOfKind(key, kindZSet)
	if err != nil || e == nil {
		return nil, err
	}
	sc, ok := e.zset[member]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (s *Store) ZCount(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	e, err := s.liveOfKind(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	var count int64
	for _, sc := range e.zset {
		if sc >= min && sc <= max {
			count++
		}
	}
	return count, nil
}

func (s *Store) ZIncrBy(_ context.Context, key, member string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.zincrByLocked(key, member, delta)
}

func (s *Store) zincrByLocked(key, member string, delta float64) (float64, error) {
	e, err := s.liveOfKind(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindZSet, zset: make(map[string]float64)}
		s.items[key] = e
	}
	e.zset[member] += delta
	return e.zset[member], nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	e, err := s.liveOfKind(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.zset)), nil
}

// --- transaction ---

// Transaction applies the ops under one lock acquisition. A failing op
// restores every entry touched so far, so the batch is all-or-nothing.
func (s *Store) Transaction(_ context.Context, ops []storage.Op) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	saved := make(map[string]*entry, len(ops))
	snapshot := func(key string) {
		if _, ok := saved[key]; ok {
			return
		}
		if e, ok := s.items[key]; ok {
			saved[key] = e.clone()
		} else {
			saved[key] = nil
		}
	}
	restore := func() {
		for key, e := range saved {
			if e == nil {
				delete(s.items, key)
			} else {
				s.items[key] = e
			}
		}
	}

	results := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		snapshot(op.Key)
		res, err := s.applyLocked(op)
		if err != nil {
			restore()
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Store) applyLocked(op storage.Op) (interface{}, error) {
	switch op.Kind {
	case storage.OpSet:
		s.setLocked(op.Key, op.Value, op.TTL)
		return nil, nil
	case storage.OpDelete:
		return s.deleteLocked(op.Key), nil
	case storage.OpIncrBy:
		return s.incrByLocked(op.Key, op.Delta)
	case storage.OpExpire:
		return s.expireLocked(op.Key, op.TTL), nil
	case storage.OpHSet:
		return nil, s.hsetLocked(op.Key, op.Field, op.Value)
	case storage.OpHIncrBy:
		return s.hincrByLocked(op.Key, op.Field, op.Delta)
	case storage.OpLPush:
		return s.pushLocked(op.Key, op.Values, true)
	case storage.OpRPush:
		return s.pushLocked(op.Key, op.Values, false)
	case storage.OpLTrim:
		return nil, s.ltrimLocked(op.Key, op.Start, op.Stop)
	case storage.OpSAdd:
		return s.saddLocked(op.Key, op.Values)
	case storage.OpSRem:
		return s.sremLocked(op.Key, op.Values)
	case storage.OpZAdd:
		return s.zaddLocked(op.Key, op.Entries)
	case storage.OpZIncrBy:
		return s.zincrByLocked(op.Key, op.Member, op.Score)
	case storage.OpZRem:
		return s.zremLocked(op.Key, op.Values)
	default:
		return nil, storage.ErrTxUnsupportedOp
	}
}

// normalizeRange maps Redis-style inclusive start/stop indices onto [lo, hi]
// within a collection of length n. ok is false when the window is empty.
func normalizeRange(start, stop, n int64) (lo, hi int64, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}

// windowEntries applies normalizeRange to a pre-sorted slice.
func windowEntries(entries []storage.SortedEntry, start, stop int64) []storage.SortedEntry {
	lo, hi, ok := normalizeRange(start, stop, int64(len(entries)))
	if !ok {
		return []storage.SortedEntry{}
	}
	return append([]storage.SortedEntry(nil), entries[lo:hi+1]...)
}
