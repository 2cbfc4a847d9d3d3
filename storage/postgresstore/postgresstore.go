// Package postgresstore implements the storage contract on PostgreSQL via
// pgx. A registry table carries each key's kind and expiry; per-kind tables
// hold the data. Every public operation runs inside a transaction, all SQL
// uses bound parameters, and expired keys are filtered on read and reaped by
// a janitor goroutine.
package postgresstore

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/questline/questline/async"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "postgresstore")

var _ storage.Store = (*Store)(nil)

// Key kinds stored in the registry table.
const (
	kindString int16 = iota
	kindHash
	kindList
	kindSet
	kindZSet
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ql_keys (
		key       TEXT PRIMARY KEY,
		kind      SMALLINT NOT NULL,
		expire_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS ql_keys_expire_idx ON ql_keys (expire_at) WHERE expire_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS ql_strings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ql_hashes (
		key   TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (key, field)
	)`,
	`CREATE TABLE IF NOT EXISTS ql_lists (
		key   TEXT NOT NULL,
		pos   BIGINT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (key, pos)
	)`,
	`CREATE TABLE IF NOT EXISTS ql_sets (
		key    TEXT NOT NULL,
		member TEXT NOT NULL,
		PRIMARY KEY (key, member)
	)`,
	`CREATE TABLE IF NOT EXISTS ql_zsets (
		key    TEXT NOT NULL,
		member TEXT NOT NULL,
		score  DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (key, member)
	)`,
	`CREATE INDEX IF NOT EXISTS ql_zsets_order_idx ON ql_zsets (key, score, member)`,
}

var dataTables = map[int16]string{
	kindString: "ql_strings",
	kindHash:   "ql_hashes",
	kindList:   "ql_lists",
	kindSet:    "ql_sets",
	kindZSet:   "ql_zsets",
}

// Store adapts a PostgreSQL database to the storage contract.
type Store struct {
	mu        sync.Mutex
	dsn       string
	pool      *pgxpool.Pool
	connected bool
	cancel    context.CancelFunc
}

// New builds a disconnected store from a postgres:// DSN.
func New(dsn string) *Store {
	return &Store{dsn: dsn}
}

// Connect opens the pool, applies the schema, and starts the expired-key
// janitor. Connecting twice is a no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return errors.Wrap(err, "postgresstore: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, "postgresstore: ping")
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return errors.Wrap(err, "postgresstore: apply schema")
		}
	}
	s.pool = pool
	s.connected = true

	jctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	interval := params.Config().JanitorInterval()
	if interval < time.Minute {
		interval = time.Minute
	}
	async.RunEvery(jctx, interval, func() { s.sweep(jctx) })
	log.Debug("Connected to postgres")
	return nil
}

// Disconnect cancels the janitor and closes the pool.
func (s *Store) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	s.cancel()
	s.pool.Close()
	return nil
}

// Connected reports whether the store is usable.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Ping verifies the database answers.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (s *Store) conn() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, storage.ErrNotConnected
	}
	return s.pool, nil
}

// sweep deletes expired keys and their data rows in one statement.
func (s *Store) sweep(ctx context.Context) {
	pool, err := s.conn()
	if err != nil {
		return
	}
	if _, err := pool.Exec(ctx, `
		WITH doomed AS (
			DELETE FROM ql_keys
			WHERE expire_at IS NOT NULL AND expire_at <= now()
			RETURNING key
		),
		ds AS (DELETE FROM ql_strings WHERE key IN (SELECT key FROM doomed)),
		dh AS (DELETE FROM ql_hashes  WHERE key IN (SELECT key FROM doomed)),
		dl AS (DELETE FROM ql_lists   WHERE key IN (SELECT key FROM doomed)),
		dt AS (DELETE FROM ql_sets    WHERE key IN (SELECT key FROM doomed))
		DELETE FROM ql_zsets WHERE key IN (SELECT key FROM doomed)`); err != nil {
		log.WithError(err).Warn("Expired key sweep failed")
	}
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "postgresstore: begin")
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			log.WithError(rbErr).Debug("Rollback failed")
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "postgresstore: commit")
}

// keyState reads a key's registry row, lazily purging it when expired. It
// reports the key's kind and whether it is live.
func keyState(ctx context.Context, tx pgx.Tx, key string) (int16, bool, error) {
	var kind int16
	var expireAt *time.Time
	err := tx.QueryRow(ctx,
		`SELECT kind, expire_at FROM ql_keys WHERE key = $1`, key,
	).Scan(&kind, &expireAt)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "postgresstore: read key registry")
	}
	if expireAt != nil && !expireAt.After(time.Now()) {
		if err := purgeKey(ctx, tx, key, kind); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	return kind, true, nil
}

// liveOfKind resolves a key that must hold the wanted kind. exists is false
// when the key is missing or expired.
func liveOfKind(ctx context.Context, tx pgx.Tx, key string, want int16) (bool, error) {
	kind, exists, err := keyState(ctx, tx, key)
	if err != nil || !exists {
		return false, err
	}
	if kind != want {
		return false, storage.ErrWrongType
	}
	return true, nil
}

// ensureKind registers the key with the wanted kind, creating the registry
// row when the key is new.
func ensureKind(ctx context.Context, tx pgx.Tx, key string, want int16) error {
	exists, err := liveOfKind(ctx, tx, key, want)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO ql_keys (key, kind) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET kind = EXCLUDED.kind`, key, want)
	return errors.Wrap(err, "postgresstore: register key")
}

func purgeKey(ctx context.Context, tx pgx.Tx, key string, kind int16) error {
	if table, ok := dataTables[kind]; ok {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE key = $1`, key); err != nil {
			return errors.Wrap(err, "postgresstore: purge data")
		}
	}
	_, err := tx.Exec(ctx, `DELETE FROM ql_keys WHERE key = $1`, key)
	return errors.Wrap(err, "postgresstore: purge registry")
}

// dropIfEmpty removes the registry row once a collection key has no rows
// left, so emptied hashes, lists, sets, and sorted sets read as missing.
func dropIfEmpty(ctx context.Context, tx pgx.Tx, key string, kind int16) error {
	var n int64
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+dataTables[kind]+` WHERE key = $1`, key,
	).Scan(&n)
	if err != nil {
		return errors.Wrap(err, "postgresstore: count rows")
	}
	if n > 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `DELETE FROM ql_keys WHERE key = $1`, key)
	return errors.Wrap(err, "postgresstore: drop empty key")
}

func (s *Store) Get(ctx context.Context, key string) (*string, error) {
	var out *string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		v, err := getTx(ctx, tx, key)
		out = v
		return err
	})
	return out, err
}

func getTx(ctx context.Context, tx pgx.Tx, key string) (*string, error) {
	exists, err := liveOfKind(ctx, tx, key, kindString)
	if err != nil || !exists {
		return nil, err
	}
	var value string
	err = tx.QueryRow(ctx, `SELECT value FROM ql_strings WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "postgresstore: get")
	}
	return &value, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return setTx(ctx, tx, key, value, ttl)
	})
}

// setTx mirrors Redis SET: it overwrites any existing key regardless of
// kind and replaces the TTL.
func setTx(ctx context.Context, tx pgx.Tx, key, value string, ttl time.Duration) error {
	kind, exists, err := keyState(ctx, tx, key)
	if err != nil {
		return err
	}
	if exists && kind != kindString {
		if err := purgeKey(ctx, tx, key, kind); err != nil {
			return err
		}
	}
	var expireAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expireAt = &t
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ql_keys (key, kind, expire_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET kind = EXCLUDED.kind, expire_at = EXCLUDED.expire_at`,
		key, kindString, expireAt); err != nil {
		return errors.Wrap(err, "postgresstore: set registry")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO ql_strings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return errors.Wrap(err, "postgresstore: set value")
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		kind, exists, err := keyState(ctx, tx, key)
		if err != nil || !exists {
			return err
		}
		deleted = true
		return purgeKey(ctx, tx, key, kind)
	})
	return deleted, err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, ok, err := keyState(ctx, tx, key)
		exists = ok
		return err
	})
	return exists, err
}

func (s *Store) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT s.key, s.value
			FROM ql_strings s
			JOIN ql_keys k ON k.key = s.key
			WHERE s.key = ANY($1)
			  AND (k.expire_at IS NULL OR k.expire_at > now())`, keys)
		if err != nil {
			return errors.Wrap(err, "postgresstore: mget")
		}
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return errors.Wrap(err, "postgresstore: mget scan")
			}
			out[k] = v
		}
		return errors.Wrap(rows.Err(), "postgresstore: mget rows")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MSet(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for k, v := range pairs {
			if err := setTx(ctx, tx, k, v, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT key FROM ql_keys
			WHERE key LIKE $1 ESCAPE '\'
			  AND (expire_at IS NULL OR expire_at > now())
			ORDER BY key`, globToLike(pattern))
		if err != nil {
			return errors.Wrap(err, "postgresstore: keys")
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return errors.Wrap(err, "postgresstore: keys scan")
			}
			keys = append(keys, k)
		}
		return errors.Wrap(rows.Err(), "postgresstore: keys rows")
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// globToLike rewrites the contract glob (only `*` and `?` wild) into a LIKE
// pattern, escaping LIKE's own metacharacters.
func globToLike(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteRune('%')
		case '?':
			b.WriteRune('_')
		case '%', '_', '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		ok, err = expireTx(ctx, tx, key, ttl)
		return err
	})
	return ok, err
}

func expireTx(ctx context.Context, tx pgx.Tx, key string, ttl time.Duration) (bool, error) {
	_, exists, err := keyState(ctx, tx, key)
	if err != nil || !exists {
		return false, err
	}
	var expireAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expireAt = &t
	}
	_, err = tx.Exec(ctx, `UPDATE ql_keys SET expire_at = $2 WHERE key = $1`, key, expireAt)
	if err != nil {
		return false, errors.Wrap(err, "postgresstore: expire")
	}
	return true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl := storage.TTLMissing
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var expireAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT expire_at FROM ql_keys WHERE key = $1`, key,
		).Scan(&expireAt)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "postgresstore: ttl")
		}
		if expireAt == nil {
			ttl = storage.TTLNoExpiry
			return nil
		}
		left := time.Until(*expireAt)
		if left <= 0 {
			// Expired but not yet swept.
			return nil
		}
		ttl = left
		return nil
	})
	return ttl, err
}

func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	var out int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = incrByTx(ctx, tx, key, delta)
		return err
	})
	return out, err
}

func (s *Store) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return s.Increment(ctx, key, -delta)
}

// incrByTx locks the value row, parses it, and writes the sum back. The
// registry row is untouched so an existing TTL is preserved.
func incrByTx(ctx context.Context, tx pgx.Tx, key string, delta int64) (int64, error) {
	exists, err := liveOfKind(ctx, tx, key, kindString)
	if err != nil {
		return 0, err
	}
	if !exists {
		if err := ensureKind(ctx, tx, key, kindString); err != nil {
			return 0, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO ql_strings (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			key, strconv.FormatInt(delta, 10))
		if err != nil {
			return 0, errors.Wrap(err, "postgresstore: init counter")
		}
		return delta, nil
	}
	var raw string
	err = tx.QueryRow(ctx,
		`SELECT value FROM ql_strings WHERE key = $1 FOR UPDATE`, key,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		raw = "0"
	} else if err != nil {
		return 0, errors.Wrap(err, "postgresstore: read counter")
	}
	cur, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, storage.ErrNotInteger
	}
	cur += delta
	_, err = tx.Exec(ctx,
		`INSERT INTO ql_strings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, strconv.FormatInt(cur, 10))
	if err != nil {
		return 0, errors.Wrap(err, "postgresstore: write counter")
	}
	return cur, nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return hsetTx(ctx, tx, key, field, value)
	})
}

func hsetTx(ctx context.Context, tx pgx.Tx, key, field, value string) error {
	if err := ensureKind(ctx, tx, key, kindHash); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO ql_hashes (key, field, value) VALUES ($1, $2, $3)
		 ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`,
		key, field, value)
	return errors.Wrap(err, "postgresstore: hset")
}

func (s *Store) HGet(ctx context.Context, key, field string) (*string, error) {
	var out *string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindHash)
		if err != nil || !exists {
			return err
		}
		var value string
		err = tx.QueryRow(ctx,
			`SELECT value FROM ql_hashes WHERE key = $1 AND field = $2`, key, field,
		).Scan(&value)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "postgresstore: hget")
		}
		out = &value
		return nil
	})
	return out, err
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindHash)
		if err != nil || !exists {
			return err
		}
		rows, err := tx.Query(ctx,
			`SELECT field, value FROM ql_hashes WHERE key = $1`, key)
		if err != nil {
			return errors.Wrap(err, "postgresstore: hgetall")
		}
		defer rows.Close()
		for rows.Next() {
			var f, v string
			if err := rows.Scan(&f, &v); err != nil {
				return errors.Wrap(err, "postgresstore: hgetall scan")
			}
			out[f] = v
		}
		return errors.Wrap(rows.Err(), "postgresstore: hgetall rows")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindHash)
		if err != nil || !exists {
			return err
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM ql_hashes WHERE key = $1 AND field = ANY($2)`, key, fields)
		if err != nil {
			return errors.Wrap(err, "postgresstore: hdel")
		}
		removed = tag.RowsAffected()
		return dropIfEmpty(ctx, tx, key, kindHash)
	})
	return removed, err
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var out int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = hincrByTx(ctx, tx, key, field, delta)
		return err
	})
	return out, err
}

func hincrByTx(ctx context.Context, tx pgx.Tx, key, field string, delta int64) (int64, error) {
	if err := ensureKind(ctx, tx, key, kindHash); err != nil {
		return 0, err
	}
	var raw string
	cur := int64(0)
	err := tx.QueryRow(ctx,
		`SELECT value FROM ql_hashes WHERE key = $1 AND field = $2 FOR UPDATE`,
		key, field,
	).Scan(&raw)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		return 0, errors.Wrap(err, "postgresstore: read hash counter")
	default:
		cur, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, storage.ErrNotInteger
		}
	}
	cur += delta
	_, err = tx.Exec(ctx,
		`INSERT INTO ql_hashes (key, field, value) VALUES ($1, $2, $3)
		 ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`,
		key, field, strconv.FormatInt(cur, 10))
	if err != nil {
		return 0, errors.Wrap(err, "postgresstore: write hash counter")
	}
	return cur, nil
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	var out int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = pushTx(ctx, tx, key, values, true)
		return err
	})
	return out, err
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	var out int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = pushTx(ctx, tx, key, values, false)
		return err
	})
	return out, err
}

// pushTx inserts values at decreasing positions below the head (LPush) or
// increasing positions past the tail (RPush). The head is the lowest pos.
func pushTx(ctx context.Context, tx pgx.Tx, key string, values []string, head bool) (int64, error) {
	if err := ensureKind(ctx, tx, key, kindList); err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return listLen(ctx, tx, key)
	}
	var edge *int64
	query := `SELECT MIN(pos) FROM ql_lists WHERE key = $1`
	if !head {
		query = `SELECT MAX(pos) FROM ql_lists WHERE key = $1`
	}
	if err := tx.QueryRow(ctx, query, key).Scan(&edge); err != nil {
		return 0, errors.Wrap(err, "postgresstore: list edge")
	}
	pos := int64(0)
	if edge != nil {
		pos = *edge
	} else if head {
		pos = 1 // first insert lands at 0
	} else {
		pos = -1
	}
	for _, v := range values {
		if head {
			pos--
		} else {
			pos++
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ql_lists (key, pos, value) VALUES ($1, $2, $3)`,
			key, pos, v); err != nil {
			return 0, errors.Wrap(err, "postgresstore: push")
		}
	}
	return listLen(ctx, tx, key)
}

func listLen(ctx context.Context, tx pgx.Tx, key string) (int64, error) {
	var n int64
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM ql_lists WHERE key = $1`, key,
	).Scan(&n)
	return n, errors.Wrap(err, "postgresstore: llen")
}

func (s *Store) LPop(ctx context.Context, key string) (*string, error) {
	return s.pop(ctx, key, true)
}

func (s *Store) RPop(ctx context.Context, key string) (*string, error) {
	return s.pop(ctx, key, false)
}

func (s *Store) pop(ctx context.Context, key string, head bool) (*string, error) {
	var out *string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindList)
		if err != nil || !exists {
			return err
		}
		order := "ASC"
		if !head {
			order = "DESC"
		}
		var value string
		err = tx.QueryRow(ctx, `
			DELETE FROM ql_lists
			WHERE key = $1 AND pos = (
				SELECT pos FROM ql_lists WHERE key = $1 ORDER BY pos `+order+` LIMIT 1
			)
			RETURNING value`, key).Scan(&value)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "postgresstore: pop")
		}
		out = &value
		return dropIfEmpty(ctx, tx, key, kindList)
	})
	return out, err
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	out := make([]string, 0)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindList)
		if err != nil || !exists {
			return err
		}
		n, err := listLen(ctx, tx, key)
		if err != nil {
			return err
		}
		lo, hi, ok := normalizeRange(start, stop, n)
		if !ok {
			return nil
		}
		rows, err := tx.Query(ctx, `
			SELECT value FROM ql_lists WHERE key = $1
			ORDER BY pos OFFSET $2 LIMIT $3`, key, lo, hi-lo+1)
		if err != nil {
			return errors.Wrap(err, "postgresstore: lrange")
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return errors.Wrap(err, "postgresstore: lrange scan")
			}
			out = append(out, v)
		}
		return errors.Wrap(rows.Err(), "postgresstore: lrange rows")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	var out int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindList)
		if err != nil || !exists {
			return err
		}
		out, err = listLen(ctx, tx, key)
		return err
	})
	return out, err
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return ltrimTx(ctx, tx, key, start, stop)
	})
}

func ltrimTx(ctx context.Context, tx pgx.Tx, key string, start, stop int64) error {
	exists, err := liveOfKind(ctx, tx, key, kindList)
	if err != nil || !exists {
		return err
	}
	n, err := listLen(ctx, tx, key)
	if err != nil {
		return err
	}
	lo, hi, ok := normalizeRange(start, stop, n)
	if !ok {
		// Empty window trims everything.
		if _, err := tx.Exec(ctx, `DELETE FROM ql_lists WHERE key = $1`, key); err != nil {
			return errors.Wrap(err, "postgresstore: ltrim clear")
		}
		return dropIfEmpty(ctx, tx, key, kindList)
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM ql_lists
		WHERE key = $1 AND pos NOT IN (
			SELECT pos FROM ql_lists WHERE key = $1
			ORDER BY pos OFFSET $2 LIMIT $3
		)`, key, lo, hi-lo+1)
	return errors.Wrap(err, "postgresstore: ltrim")
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var added int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		added, err = saddTx(ctx, tx, key, members)
		return err
	})
	return added, err
}

func saddTx(ctx context.Context, tx pgx.Tx, key string, members []string) (int64, error) {
	if err := ensureKind(ctx, tx, key, kindSet); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO ql_sets (key, member)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (key, member) DO NOTHING`, key, members)
	if err != nil {
		return 0, errors.Wrap(err, "postgresstore: sadd")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		removed, err = sremTx(ctx, tx, key, members)
		return err
	})
	return removed, err
}

func sremTx(ctx context.Context, tx pgx.Tx, key string, members []string) (int64, error) {
	exists, err := liveOfKind(ctx, tx, key, kindSet)
	if err != nil || !exists {
		return 0, err
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM ql_sets WHERE key = $1 AND member = ANY($2)`, key, members)
	if err != nil {
		return 0, errors.Wrap(err, "postgresstore: srem")
	}
	return tag.RowsAffected(), dropIfEmpty(ctx, tx, key, kindSet)
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	out := make([]string, 0)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindSet)
		if err != nil || !exists {
			return err
		}
		rows, err := tx.Query(ctx,
			`SELECT member FROM ql_sets WHERE key = $1 ORDER BY member`, key)
		if err != nil {
			return errors.Wrap(err, "postgresstore: smembers")
		}
		defer rows.Close()
		for rows.Next() {
			var m string
			if err := rows.Scan(&m); err != nil {
				return errors.Wrap(err, "postgresstore: smembers scan")
			}
			out = append(out, m)
		}
		return errors.Wrap(rows.Err(), "postgresstore: smembers rows")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindSet)
		if err != nil || !exists {
			return err
		}
		return errors.Wrap(tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM ql_sets WHERE key = $1 AND member = $2)`,
			key, member,
		).Scan(&ok), "postgresstore: sismember")
	})
	return ok, err
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindSet)
		if err != nil || !exists {
			return err
		}
		return errors.Wrap(tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM ql_sets WHERE key = $1`, key,
		).Scan(&n), "postgresstore: scard")
	})
	return n, err
}

func (s *Store) ZAdd(ctx context.Context, key string, entries ...storage.SortedEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	var added int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		added, err = zaddTx(ctx, tx, key, entries)
		return err
	})
	return added, err
}

func zaddTx(ctx context.Context, tx pgx.Tx, key string, entries []storage.SortedEntry) (int64, error) {
	if err := ensureKind(ctx, tx, key, kindZSet); err != nil {
		return 0, err
	}
	// Last write wins for duplicate members within one call.
	deduped := make(map[string]float64, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, seen := deduped[e.Member]; !seen {
			order = append(order, e.Member)
		}
		deduped[e.Member] = e.Score
	}

	existing := make(map[string]struct{}, len(order))
	rows, err := tx.Query(ctx,
		`SELECT member FROM ql_zsets WHERE key = $1 AND member = ANY($2)`, key, order)
	if err != nil {
		return 0, errors.Wrap(err, "postgresstore: zadd lookup")
	}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "postgresstore: zadd scan")
		}
		existing[m] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "postgresstore: zadd rows")
	}

	var added int64
	for _, m := range order {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ql_zsets (key, member, score) VALUES ($1, $2, $3)
			 ON CONFLICT (key, member) DO UPDATE SET score = EXCLUDED.score`,
			key, m, deduped[m]); err != nil {
			return 0, errors.Wrap(err, "postgresstore: zadd upsert")
		}
		if _, was := existing[m]; !was {
			added++
		}
	}
	return added, nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		removed, err = zremTx(ctx, tx, key, members)
		return err
	})
	return removed, err
}

func zremTx(ctx context.Context, tx pgx.Tx, key string, members []string) (int64, error) {
	exists, err := liveOfKind(ctx, tx, key, kindZSet)
	if err != nil || !exists {
		return 0, err
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM ql_zsets WHERE key = $1 AND member = ANY($2)`, key, members)
	if err != nil {
		return 0, errors.Wrap(err, "postgresstore: zrem")
	}
	return tag.RowsAffected(), dropIfEmpty(ctx, tx, key, kindZSet)
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]storage.SortedEntry, error) {
	return s.zrange(ctx, key, start, stop, false)
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]storage.SortedEntry, error) {
	return s.zrange(ctx, key, start, stop, true)
}

func (s *Store) zrange(ctx context.Context, key string, start, stop int64, rev bool) ([]storage.SortedEntry, error) {
	out := make([]storage.SortedEntry, 0)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindZSet)
		if err != nil || !exists {
			return err
		}
		var n int64
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM ql_zsets WHERE key = $1`, key,
		).Scan(&n); err != nil {
			return errors.Wrap(err, "postgresstore: zcard")
		}
		lo, hi, ok := normalizeRange(start, stop, n)
		if !ok {
			return nil
		}
		order := `score ASC, member ASC`
		if rev {
			order = `score DESC, member DESC`
		}
		rows, err := tx.Query(ctx, `
			SELECT member, score FROM ql_zsets WHERE key = $1
			ORDER BY `+order+` OFFSET $2 LIMIT $3`, key, lo, hi-lo+1)
		if err != nil {
			return errors.Wrap(err, "postgresstore: zrange")
		}
		defer rows.Close()
		for rows.Next() {
			var e storage.SortedEntry
			if err := rows.Scan(&e.Member, &e.Score); err != nil {
				return errors.Wrap(err, "postgresstore: zrange scan")
			}
			out = append(out, e)
		}
		return errors.Wrap(rows.Err(), "postgresstore: zrange rows")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ZRank(ctx context.Context, key, member string) (*int64, error) {
	return s.zrank(ctx, key, member, false)
}

func (s *Store) ZRevRank(ctx context.Context, key, member string) (*int64, error) {
	return s.zrank(ctx, key, member, true)
}

func (s *Store) zrank(ctx context.Context, key, member string, rev bool) (*int64, error) {
	var out *int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindZSet)
		if err != nil || !exists {
			return err
		}
		var score float64
		err = tx.QueryRow(ctx,
			`SELECT score FROM ql_zsets WHERE key = $1 AND member = $2`, key, member,
		).Scan(&score)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "postgresstore: zrank score")
		}
		cmp := `score < $3 OR (score = $3 AND member < $4)`
		if rev {
			cmp = `score > $3 OR (score = $3 AND member > $4)`
		}
		var rank int64
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM ql_zsets WHERE key = $1 AND member <> $2 AND (`+cmp+`)`,
			key, member, score, member,
		).Scan(&rank)
		if err != nil {
			return errors.Wrap(err, "postgresstore: zrank count")
		}
		out = &rank
		return nil
	})
	return out, err
}

func (s *Store) ZScore(ctx context.Context, key, member string) (*float64, error) {
	var out *float64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindZSet)
		if err != nil || !exists {
			return err
		}
		var score float64
		err = tx.QueryRow(ctx,
			`SELECT score FROM ql_zsets WHERE key = $1 AND member = $2`, key, member,
		).Scan(&score)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "postgresstore: zscore")
		}
		out = &score
		return nil
	})
	return out, err
}

func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindZSet)
		if err != nil || !exists {
			return err
		}
		query := `SELECT COUNT(*) FROM ql_zsets WHERE key = $1`
		args := []interface{}{key}
		if !math.IsInf(min, -1) {
			args = append(args, min)
			query += ` AND score >= $` + strconv.Itoa(len(args))
		}
		if !math.IsInf(max, 1) {
			args = append(args, max)
			query += ` AND score <= $` + strconv.Itoa(len(args))
		}
		return errors.Wrap(tx.QueryRow(ctx, query, args...).Scan(&n), "postgresstore: zcount")
	})
	return n, err
}

func (s *Store) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	var out float64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = zincrByTx(ctx, tx, key, member, delta)
		return err
	})
	return out, err
}

func zincrByTx(ctx context.Context, tx pgx.Tx, key, member string, delta float64) (float64, error) {
	if err := ensureKind(ctx, tx, key, kindZSet); err != nil {
		return 0, err
	}
	var score float64
	err := tx.QueryRow(ctx, `
		INSERT INTO ql_zsets (key, member, score) VALUES ($1, $2, $3)
		ON CONFLICT (key, member) DO UPDATE SET score = ql_zsets.score + EXCLUDED.score
		RETURNING score`, key, member, delta).Scan(&score)
	return score, errors.Wrap(err, "postgresstore: zincrby")
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		exists, err := liveOfKind(ctx, tx, key, kindZSet)
		if err != nil || !exists {
			return err
		}
		return errors.Wrap(tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM ql_zsets WHERE key = $1`, key,
		).Scan(&n), "postgresstore: zcard")
	})
	return n, err
}

// Transaction applies every op inside one database transaction, so the
// batch commits or rolls back as a unit.
func (s *Store) Transaction(ctx context.Context, ops []storage.Op) ([]interface{}, error) {
	results := make([]interface{}, 0, len(ops))
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, op := range ops {
			res, err := applyOp(ctx, tx, op)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func applyOp(ctx context.Context, tx pgx.Tx, op storage.Op) (interface{}, error) {
	switch op.Kind {
	case storage.OpSet:
		return nil, setTx(ctx, tx, op.Key, op.Value, op.TTL)
	case storage.OpDelete:
		kind, exists, err := keyState(ctx, tx, op.Key)
		if err != nil || !exists {
			return false, err
		}
		return true, purgeKey(ctx, tx, op.Key, kind)
	case storage.OpIncrBy:
		return incrByTx(ctx, tx, op.Key, op.Delta)
	case storage.OpExpire:
		return expireTx(ctx, tx, op.Key, op.TTL)
	case storage.OpHSet:
		return nil, hsetTx(ctx, tx, op.Key, op.Field, op.Value)
	case storage.OpHIncrBy:
		return hincrByTx(ctx, tx, op.Key, op.Field, op.Delta)
	case storage.OpLPush:
		return pushTx(ctx, tx, op.Key, op.Values, true)
	case storage.OpRPush:
		return pushTx(ctx, tx, op.Key, op.Values, false)
	case storage.OpLTrim:
		return nil, ltrimTx(ctx, tx, op.Key, op.Start, op.Stop)
	case storage.OpSAdd:
		return saddTx(ctx, tx, op.Key, op.Values)
	case storage.OpSRem:
		return sremTx(ctx, tx, op.Key, op.Values)
	case storage.OpZAdd:
		return zaddTx(ctx, tx, op.Key, op.Entries)
	case storage.OpZIncrBy:
		return zincrByTx(ctx, tx, op.Key, op.Member, op.Score)
	case storage.OpZRem:
		return zremTx(ctx, tx, op.Key, op.Values)
	default:
		return nil, storage.ErrTxUnsupportedOp
	}
}

// normalizeRange maps Redis-style inclusive indices onto [lo, hi] within a
// collection of length n. ok is false when the window is empty.
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
