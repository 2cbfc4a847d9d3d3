// Package leaderboards implements the generic leaderboard module: arbitrary
// named boards with per-period bucket rotation, rank queries, rank-change
// events, and a periodic archive scan that snapshots finished buckets into a
// canonical member/score format.
//
// The module never derives a period value from a total: callers pass the
// period-specific score explicitly, so a daily board can only ever contain
// daily contributions.
package leaderboards

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/async"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/storage"
	"github.com/questline/questline/time/periods"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "leaderboards")

const moduleName = "leaderboards"

// Event names emitted by this module.
const (
	EventUpdated     = "leaderboard.updated"
	EventRankChanged = "rank.changed"
)

var (
	// ErrInvalidScore is returned for NaN or infinite scores. Non-finite
	// values are rejected here so they can never reach a storage backend.
	ErrInvalidScore = errors.New("leaderboards: score must be finite")
	// ErrInvalidBoard is returned for empty board names or names carrying
	// key-separator or glob characters.
	ErrInvalidBoard = errors.New("leaderboards: invalid board name")
)

// MaxBoardNameLength bounds board identifiers.
const MaxBoardNameLength = 64

// ValidBoardName reports whether name is non-empty, at most
// MaxBoardNameLength bytes, and made of [a-z0-9._-] only. The storage key
// separator and glob metacharacters are excluded by construction.
func ValidBoardName(name string) bool {
	if name == "" || len(name) > MaxBoardNameLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Config tunes the module.
type Config struct {
	// Boards pre-registers canonical board names at init so they show up in
	// listings before their first write.
	Boards []string
	// ArchiveEnabled turns on the periodic scan that snapshots finished
	// period buckets.
	ArchiveEnabled  bool
	ArchiveInterval time.Duration
	// ArchiveRetention is the TTL on archived snapshots. Zero keeps them
	// forever.
	ArchiveRetention time.Duration
	// ArchiveMaxEntries caps how many rows one snapshot keeps, top ranks
	// first. Zero means 1000.
	ArchiveMaxEntries int64
}

// DefaultConfig returns the module defaults.
func DefaultConfig() Config {
	return Config{
		ArchiveInterval:   time.Hour,
		ArchiveRetention:  90 * 24 * time.Hour,
		ArchiveMaxEntries: 1000,
	}
}

// Entry is one row of a board. Ranks are 1-based.
type Entry struct {
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
	Rank   int64   `json:"rank"`
}

// Options selects a board page.
type Options struct {
	Board  string
	Period periods.Period
	Limit  int
	Offset int
	// UserID, when set, appends that user's own row if it falls outside the
	// requested page.
	UserID string
}

// UpdateOptions shape one write.
type UpdateOptions struct {
	// Increment adds the score to the member's current value instead of
	// replacing it.
	Increment bool
	// Period selects the bucket written. Empty means the all-time board.
	Period periods.Period
}

// UpdateResult reports the member's state after a write. PreviousRank is 0
// when the member was not on the board before.
type UpdateResult struct {
	Board        string  `json:"board"`
	Period       string  `json:"period"`
	Score        float64 `json:"score"`
	Rank         int64   `json:"rank"`
	PreviousRank int64   `json:"previousRank,omitempty"`
}

// Module implements modules.Module for leaderboards.
type Module struct {
	cfg  Config
	mctx *modules.Context

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ modules.Module = (*Module)(nil)

// New constructs the module. Init must run before any operation.
func New(cfg Config) *Module {
	if cfg.ArchiveMaxEntries <= 0 {
		cfg.ArchiveMaxEntries = 1000
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = time.Hour
	}
	return &Module{cfg: cfg}
}

// Name implements modules.Module.
func (m *Module) Name() string { return moduleName }

// Init registers configured boards and starts the archive scan when enabled.
func (m *Module) Init(ctx context.Context, mctx *modules.Context) error {
	m.mctx = mctx
	for _, b := range m.cfg.Boards {
		if !ValidBoardName(b) {
			return errors.Wrap(ErrInvalidBoard, b)
		}
		if _, err := mctx.Storage.SAdd(ctx, m.key("boards"), b); err != nil {
			return errors.Wrapf(err, "leaderboards: register board %q", b)
		}
	}
	if m.cfg.ArchiveEnabled {
		scanCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		async.RunEvery(scanCtx, m.cfg.ArchiveInterval, func() { m.archivePass(scanCtx) })
	}
	return nil
}

// Shutdown cancels the archive scan.
func (m *Module) Shutdown(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *Module) key(parts ...string) string {
	return m.mctx.Key(append([]string{moduleName}, parts...)...)
}

func (m *Module) boardKey(board string, p periods.Period, at time.Time) string {
	if p == periods.AllTime {
		return m.key("board", board, "alltime")
	}
	return m.key("board", board, string(p), p.Key(at))
}

func (m *Module) archiveKey(board string, p periods.Period, bucket string) string {
	return m.key("archive", board, string(p), bucket)
}

// bucketTTL keeps a finished bucket around for one extra window so the
// archive scan and late readers still see it.
func bucketTTL(p periods.Period, at time.Time) time.Duration {
	extra := map[periods.Period]time.Duration{
		periods.Daily:   24 * time.Hour,
		periods.Weekly:  7 * 24 * time.Hour,
		periods.Monthly: 31 * 24 * time.Hour,
	}[p]
	return p.Next(at).Sub(at) + extra
}

// Update writes one member's score to the (board, period) bucket and reports
// the resulting rank. A rank movement additionally emits rank.changed.
func (m *Module) Update(ctx context.Context, userID string, score float64, board string, opts UpdateOptions) (*UpdateResult, error) {
	defer modules.TimeOp(moduleName, "update")()
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if !ValidBoardName(board) {
		return nil, errors.Wrap(ErrInvalidBoard, board)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return nil, errors.Wrapf(ErrInvalidScore, "%v", score)
	}
	p := opts.Period
	if p == "" {
		p = periods.AllTime
	}
	if !p.Valid() {
		return nil, errors.Errorf("leaderboards: unknown period %q", p)
	}

	now := time.Now()
	bkey := m.boardKey(board, p, now)

	prev, err := m.mctx.Storage.ZRevRank(ctx, bkey, userID)
	if err != nil {
		return nil, err
	}

	ops := []storage.Op{storage.SAddOp(m.key("boards"), board)}
	if opts.Increment {
		ops = append(ops, storage.ZIncrByOp(bkey, userID, score))
	} else {
		ops = append(ops, storage.ZAddOp(bkey, storage.SortedEntry{Member: userID, Score: score}))
	}
	if p != periods.AllTime {
		ops = append(ops, storage.ExpireOp(bkey, bucketTTL(p, now)))
	}
	out, err := m.mctx.Storage.Transaction(ctx, ops)
	if err != nil {
		return nil, errors.Wrap(err, "leaderboards: update transaction")
	}
	newScore := score
	if opts.Increment {
		newScore = out[1].(float64)
	}

	rank, err := m.mctx.Storage.ZRevRank(ctx, bkey, userID)
	if err != nil {
		return nil, err
	}
	res := &UpdateResult{Board: board, Period: string(p), Score: newScore}
	if rank != nil {
		res.Rank = *rank + 1
	}
	if prev != nil {
		res.PreviousRank = *prev + 1
	}

	updatedTotal.WithLabelValues(board).Inc()
	m.emit(ctx, EventUpdated, map[string]interface{}{
		"userId": userID,
		"board":  board,
		"period": string(p),
		"score":  newScore,
		"rank":   res.Rank,
	})
	if res.Rank != res.PreviousRank {
		rankChangesTotal.Inc()
		m.emit(ctx, EventRankChanged, map[string]interface{}{
			"userId":       userID,
			"board":        board,
			"period":       string(p),
			"rank":         res.Rank,
			"previousRank": res.PreviousRank,
		})
	}
	return res, nil
}

// GetLeaderboard returns one page of a board for the current bucket of the
// requested period.
func (m *Module) GetLeaderboard(ctx context.Context, opts Options) ([]Entry, error) {
	defer modules.TimeOp(moduleName, "page")()
	if !ValidBoardName(opts.Board) {
		return nil, errors.Wrap(ErrInvalidBoard, opts.Board)
	}
	p := opts.Period
	if p == "" {
		p = periods.AllTime
	}
	if !p.Valid() {
		return nil, errors.Errorf("leaderboards: unknown period %q", p)
	}
	limit, offset := pageBounds(opts.Limit, opts.Offset)
	bkey := m.boardKey(opts.Board, p, time.Now())

	rows, err := m.mctx.Storage.ZRevRange(ctx, bkey, int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	seen := false
	for i, r := range rows {
		if r.Member == opts.UserID {
			seen = true
		}
		out = append(out, Entry{UserID: r.Member, Score: r.Score, Rank: int64(offset + i + 1)})
	}
	if opts.UserID != "" && !seen {
		own, err := m.GetRank(ctx, opts.Board, p, opts.UserID)
		if err != nil {
			return nil, err
		}
		if own != nil {
			out = append(out, *own)
		}
	}
	return out, nil
}

// GetRank returns the user's row on a board, or nil when the user is not a
// member.
func (m *Module) GetRank(ctx context.Context, board string, p periods.Period, userID string) (*Entry, error) {
	if p == "" {
		p = periods.AllTime
	}
	bkey := m.boardKey(board, p, time.Now())
	rank, err := m.mctx.Storage.ZRevRank(ctx, bkey, userID)
	if err != nil {
		return nil, err
	}
	if rank == nil {
		return nil, nil
	}
	score, err := m.mctx.Storage.ZScore(ctx, bkey, userID)
	if err != nil {
		return nil, err
	}
	if score == nil {
		return nil, nil
	}
	return &Entry{UserID: userID, Score: *score, Rank: *rank + 1}, nil
}

// Remove deletes the user's row from the current bucket of (board, period).
func (m *Module) Remove(ctx context.Context, board string, p periods.Period, userID string) (bool, error) {
	if p == "" {
		p = periods.AllTime
	}
	n, err := m.mctx.Storage.ZRem(ctx, m.boardKey(board, p, time.Now()), userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Boards lists every board name ever written or configured.
func (m *Module) Boards(ctx context.Context) ([]string, error) {
	return m.mctx.Storage.SMembers(ctx, m.key("boards"))
}

// GetArchive returns the snapshot of a finished bucket, or nil when no
// archive exists for it.
func (m *Module) GetArchive(ctx context.Context, board string, p periods.Period, bucket string) ([]storage.SortedEntry, error) {
	raw, err := m.mctx.Storage.Get(ctx, m.archiveKey(board, p, bucket))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rows []storage.SortedEntry
	if err := json.Unmarshal([]byte(*raw), &rows); err != nil {
		return nil, errors.Wrap(err, "leaderboards: corrupt archive")
	}
	return rows, nil
}

// archivePass snapshots the previous bucket of every (board, period) pair
// that has data and no archive yet. Snapshots always use the canonical
// member/score array shape whatever adapter produced the rows.
func (m *Module) archivePass(ctx context.Context) {
	boards, err := m.Boards(ctx)
	if err != nil {
		log.WithError(err).Warn("Archive scan failed")
		return
	}
	now := time.Now()
	for _, b := range boards {
		for _, p := range []periods.Period{periods.Daily, periods.Weekly, periods.Monthly} {
			if err := m.archiveBucket(ctx, b, p, p.PreviousKey(now)); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"board":  b,
					"period": p,
				}).Warn("Could not archive bucket")
			}
		}
	}
}

func (m *Module) archiveBucket(ctx context.Context, board string, p periods.Period, bucket string) error {
	st := m.mctx.Storage
	bkey := m.key("board", board, string(p), bucket)
	exists, err := st.Exists(ctx, bkey)
	if err != nil || !exists {
		return err
	}
	akey := m.archiveKey(board, p, bucket)
	done, err := st.Exists(ctx, akey)
	if err != nil || done {
		return err
	}
	rows, err := st.ZRevRange(ctx, bkey, 0, m.cfg.ArchiveMaxEntries-1)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(rows)
	if err != nil {
		return errors.Wrap(err, "leaderboards: marshal archive")
	}
	if err := st.Set(ctx, akey, string(blob), m.cfg.ArchiveRetention); err != nil {
		return err
	}
	archivedTotal.Inc()
	log.WithFields(logrus.Fields{
		"board":   board,
		"period":  p,
		"bucket":  bucket,
		"entries": len(rows),
	}).Debug("Archived leaderboard bucket")
	return nil
}

// UserStats implements modules.Module: the user's all-time row on every
// board they appear on.
func (m *Module) UserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	boards, err := m.Boards(ctx)
	if err != nil {
		return nil, err
	}
	ranks := map[string]interface{}{}
	for _, b := range boards {
		e, err := m.GetRank(ctx, b, periods.AllTime, userID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		ranks[b] = map[string]interface{}{"score": e.Score, "rank": e.Rank}
	}
	return map[string]interface{}{"boards": ranks}, nil
}

// ResetUser implements modules.Module: the user disappears from every bucket
// of every board.
func (m *Module) ResetUser(ctx context.Context, userID string) error {
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	boards, err := m.Boards(ctx)
	if err != nil {
		return err
	}
	for _, b := range boards {
		keys, err := m.mctx.Storage.Keys(ctx, m.key("board", b, "*"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := m.mctx.Storage.ZRem(ctx, k, userID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Module) emit(ctx context.Context, name string, data map[string]interface{}) {
	if _, err := m.mctx.Bus.Emit(ctx, name, data); err != nil {
		log.WithError(err).WithField("event", name).Warn("Could not emit event")
	}
}

// pageBounds clamps limit/offset to the configured page sizes.
func pageBounds(limit, offset int) (int, int) {
	cfg := params.Config()
	if limit <= 0 {
		limit = cfg.LeaderboardPageSize
	}
	if limit > cfg.LeaderboardMaxPageSize {
		limit = cfg.LeaderboardMaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
