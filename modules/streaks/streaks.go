// Package streaks implements the streak module: per (user, type) activity
// chains with a window, a grace period, and consumable freezes. Any activity
// within window+grace of the previous one extends the chain; beyond that a
// freeze is consumed as an extension, and with none left the chain restarts
// at one. A periodic sweep flips stale records to broken so reads do not
// show immortal streaks.
package streaks

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/async"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "streaks")

const moduleName = "streaks"

// Event names emitted by this module.
const (
	EventStarted   = "streak.started"
	EventUpdated   = "streak.updated"
	EventMilestone = "streak.milestone"
	EventBroken    = "streak.broken"
)

// Streak statuses.
const (
	StatusActive = "active"
	StatusFrozen = "frozen"
	StatusBroken = "broken"
)

var (
	// ErrInvalidType is returned for unusable streak type names.
	ErrInvalidType = errors.New("streaks: invalid streak type")
	// ErrNoStreak is returned by freeze/break for users without a record.
	ErrNoStreak = errors.New("streaks: no streak record")
	// ErrNoFreezesLeft is returned by FreezeStreak when the allowance is
	// spent.
	ErrNoFreezesLeft = errors.New("streaks: no freezes left")
)

// TypeConfig tunes one streak type.
type TypeConfig struct {
	// Window is how long after an activity the next one still extends the
	// streak outright.
	Window time.Duration
	// Grace extends the window; activity in the grace span still extends
	// but is recorded as a grace consumption.
	Grace time.Duration
	// MaxFreezes is the per-user freeze allowance for this type.
	MaxFreezes int64
	// FreezeWindow is how far FreezeStreak pushes the activity clock.
	// Zero means one Window.
	FreezeWindow time.Duration
}

// Reward is granted when a milestone is reached, issued as bus events.
type Reward struct {
	Points int64
	XP     int64
}

// Config tunes the module.
type Config struct {
	// Default applies to streak types with no explicit entry in Types.
	Default TypeConfig
	// Types overrides the default per streak type.
	Types map[string]TypeConfig
	// Milestones are the current-streak values that fire
	// streak.milestone. Defaults to the engine-wide list.
	Milestones []int
	// MilestoneRewards optionally grants points/XP per milestone value.
	MilestoneRewards map[int]Reward
	// SweepInterval is the broken-streak scan period. Zero uses the
	// engine janitor interval.
	SweepInterval time.Duration
}

// DefaultConfig returns a 24h window with 6h grace, no freezes, and the
// engine milestone list.
func DefaultConfig() Config {
	return Config{
		Default:    TypeConfig{Window: 24 * time.Hour, Grace: 6 * time.Hour},
		Milestones: params.Config().StreakMilestones,
	}
}

// Record is the state of one (user, type) streak.
type Record struct {
	Type             string `json:"type"`
	Current          int64  `json:"current"`
	Longest          int64  `json:"longest"`
	LastActivityAt   int64  `json:"lastActivityAt"`
	FreezesUsed      int64  `json:"freezesUsed"`
	FreezesAvailable int64  `json:"freezesAvailable"`
	GraceUsed        int64  `json:"graceUsed"`
	Status           string `json:"status"`
}

// Module implements modules.Module for streaks.
type Module struct {
	cfg    Config
	mctx   *modules.Context
	cancel context.CancelFunc
}

var _ modules.Module = (*Module)(nil)

// New constructs the module. Init must run before any operation.
func New(cfg Config) *Module {
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = 24 * time.Hour
	}
	return &Module{cfg: cfg}
}

// Name implements modules.Module.
func (m *Module) Name() string { return moduleName }

// Init starts the stale-streak sweep.
func (m *Module) Init(_ context.Context, mctx *modules.Context) error {
	m.mctx = mctx
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = params.Config().JanitorInterval()
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	async.RunEvery(sweepCtx, interval, func() { m.sweepPass(sweepCtx) })
	return nil
}

// Shutdown stops the sweep.
func (m *Module) Shutdown(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *Module) typeConfig(typ string) TypeConfig {
	cfg, ok := m.cfg.Types[typ]
	if !ok {
		cfg = m.cfg.Default
	}
	if cfg.Window <= 0 {
		cfg.Window = m.cfg.Default.Window
	}
	if cfg.FreezeWindow <= 0 {
		cfg.FreezeWindow = cfg.Window
	}
	return cfg
}

func validType(typ string) bool {
	if typ == "" || len(typ) > 64 {
		return false
	}
	for i := 0; i < len(typ); i++ {
		c := typ[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func (m *Module) key(parts ...string) string {
	return m.mctx.Key(append([]string{moduleName}, parts...)...)
}

// RecordActivity advances the user's streak of the given type. A zero
// timestamp means now. The branch taken depends only on the gap since the
// last activity; the returned record is the post-activity state.
func (m *Module) RecordActivity(ctx context.Context, userID, typ string, at time.Time) (*Record, error) {
	defer modules.TimeOp(moduleName, "record_activity")()
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if !validType(typ) {
		return nil, errors.Wrapf(ErrInvalidType, "%q", typ)
	}
	if at.IsZero() {
		at = time.Now()
	}
	cfg := m.typeConfig(typ)
	rec, err := m.load(ctx, userID, typ)
	if err != nil {
		return nil, err
	}
	activitiesTotal.Inc()

	if rec == nil {
		fresh := &Record{
			Type:             typ,
			Current:          1,
			Longest:          1,
			LastActivityAt:   at.UnixMilli(),
			FreezesAvailable: cfg.MaxFreezes,
			Status:           StatusActive,
		}
		if err := m.write(ctx, userID, fresh); err != nil {
			return nil, err
		}
		m.emit(ctx, EventStarted, streakData(userID, fresh))
		m.checkMilestone(ctx, userID, fresh)
		return fresh, nil
	}

	gap := at.Sub(time.UnixMilli(rec.LastActivityAt))
	prev := rec.Current
	broke := false
	switch {
	case gap <= cfg.Window:
		rec.Current++
	case gap <= cfg.Window+cfg.Grace:
		rec.Current++
		rec.GraceUsed++
	case rec.FreezesAvailable > 0 && rec.Current > 0:
		// A missed window costs one freeze but still counts as an
		// extension, even when the sweep already flagged the record.
		rec.FreezesAvailable--
		rec.FreezesUsed++
		rec.Current++
		freezesConsumedTotal.Inc()
	default:
		// A break that was already announced (forced break, sweep
		// flip) restarts quietly.
		broke = rec.Current > 0 && rec.Status != StatusBroken
		rec.Current = 1
	}
	if rec.Current > rec.Longest {
		rec.Longest = rec.Current
	}
	rec.LastActivityAt = at.UnixMilli()
	rec.Status = StatusActive
	if err := m.write(ctx, userID, rec); err != nil {
		return nil, err
	}
	if broke {
		brokenTotal.Inc()
		data := streakData(userID, rec)
		data["previous"] = prev
		m.emit(ctx, EventBroken, data)
	} else {
		m.emit(ctx, EventUpdated, streakData(userID, rec))
	}
	if rec.Current > prev {
		m.checkMilestone(ctx, userID, rec)
	}
	return rec, nil
}

// FreezeStreak spends a freeze ahead of time: the record is marked frozen
// and its activity clock moves forward one freeze window, buying the user
// that much slack before the streak can break.
func (m *Module) FreezeStreak(ctx context.Context, userID, typ string) (*Record, error) {
	defer modules.TimeOp(moduleName, "freeze")()
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if !validType(typ) {
		return nil, errors.Wrapf(ErrInvalidType, "%q", typ)
	}
	rec, err := m.load(ctx, userID, typ)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Wrapf(ErrNoStreak, "%s/%s", userID, typ)
	}
	if rec.FreezesAvailable <= 0 {
		return nil, errors.Wrapf(ErrNoFreezesLeft, "%s/%s", userID, typ)
	}
	cfg := m.typeConfig(typ)
	rec.FreezesAvailable--
	rec.FreezesUsed++
	rec.LastActivityAt = time.UnixMilli(rec.LastActivityAt).Add(cfg.FreezeWindow).UnixMilli()
	rec.Status = StatusFrozen
	if err := m.write(ctx, userID, rec); err != nil {
		return nil, err
	}
	freezesConsumedTotal.Inc()
	m.emit(ctx, EventUpdated, streakData(userID, rec))
	return rec, nil
}

// BreakStreak force-resets the streak to zero. Unlike a missed window, a
// forced break cannot be rescued by a leftover freeze.
func (m *Module) BreakStreak(ctx context.Context, userID, typ string) (*Record, error) {
	defer modules.TimeOp(moduleName, "break")()
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if !validType(typ) {
		return nil, errors.Wrapf(ErrInvalidType, "%q", typ)
	}
	rec, err := m.load(ctx, userID, typ)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Wrapf(ErrNoStreak, "%s/%s", userID, typ)
	}
	prev := rec.Current
	rec.Current = 0
	rec.Status = StatusBroken
	if err := m.write(ctx, userID, rec); err != nil {
		return nil, err
	}
	brokenTotal.Inc()
	data := streakData(userID, rec)
	data["previous"] = prev
	m.emit(ctx, EventBroken, data)
	return rec, nil
}

// GetStreak returns the record for (user, type), nil when none exists.
func (m *Module) GetStreak(ctx context.Context, userID, typ string) (*Record, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if !validType(typ) {
		return nil, errors.Wrapf(ErrInvalidType, "%q", typ)
	}
	return m.load(ctx, userID, typ)
}

// GetStreaks returns every streak record of the user, keyed by type.
func (m *Module) GetStreaks(ctx context.Context, userID string) (map[string]*Record, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	keys, err := m.mctx.Storage.Keys(ctx, m.key("user", userID, "*"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Record, len(keys))
	for _, k := range keys {
		typ := k[strings.LastIndexByte(k, ':')+1:]
		rec, err := m.load(ctx, userID, typ)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out[typ] = rec
		}
	}
	return out, nil
}

// sweepPass flips records to broken once their window and grace have fully
// elapsed. It never consumes freezes; the next activity decides that.
func (m *Module) sweepPass(ctx context.Context) {
	keys, err := m.mctx.Storage.Keys(ctx, m.key("user", "*"))
	if err != nil {
		log.WithError(err).Error("Streak sweep could not list keys")
		return
	}
	now := time.Now()
	for _, k := range keys {
		userID, typ, ok := splitUserKey(k)
		if !ok {
			continue
		}
		rec, err := m.load(ctx, userID, typ)
		if err != nil {
			log.WithError(err).WithField("key", k).Warn("Streak sweep skipping record")
			continue
		}
		cfg := m.typeConfig(typ)
		if rec == nil || rec.Status == StatusBroken {
			continue
		}
		if now.Sub(time.UnixMilli(rec.LastActivityAt)) <= cfg.Window+cfg.Grace {
			continue
		}
		prev := rec.Current
		rec.Status = StatusBroken
		if err := m.write(ctx, userID, rec); err != nil {
			log.WithError(err).WithField("key", k).Warn("Streak sweep could not update record")
			continue
		}
		brokenTotal.Inc()
		data := streakData(userID, rec)
		data["previous"] = prev
		m.emit(ctx, EventBroken, data)
	}
}

// splitUserKey parses "<ns>:streaks:user:<userID>:<type>". User ids cannot
// contain the separator, so the last two segments are unambiguous.
func splitUserKey(key string) (userID, typ string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 5 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}

func (m *Module) checkMilestone(ctx context.Context, userID string, rec *Record) {
	for _, ms := range m.cfg.Milestones {
		if int64(ms) != rec.Current {
			continue
		}
		milestonesTotal.Inc()
		m.emit(ctx, EventMilestone, map[string]interface{}{
			"userId":    userID,
			"type":      rec.Type,
			"milestone": ms,
			"longest":   rec.Longest,
		})
		reward := m.cfg.MilestoneRewards[ms]
		if reward.Points > 0 {
			m.emit(ctx, "reward.points", map[string]interface{}{
				"userId": userID,
				"amount": reward.Points,
				"reason": "streak:" + rec.Type + ":" + strconv.Itoa(ms),
			})
		}
		if reward.XP > 0 {
			m.emit(ctx, "reward.xp", map[string]interface{}{
				"userId": userID,
				"amount": reward.XP,
				"reason": "streak:" + rec.Type + ":" + strconv.Itoa(ms),
			})
		}
		return
	}
}

func (m *Module) load(ctx context.Context, userID, typ string) (*Record, error) {
	h, err := m.mctx.Storage.HGetAll(ctx, m.key("user", userID, typ))
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return &Record{
		Type:             typ,
		Current:          parseCount(h["current"]),
		Longest:          parseCount(h["longest"]),
		LastActivityAt:   parseCount(h["last"]),
		FreezesUsed:      parseCount(h["freezes_used"]),
		FreezesAvailable: parseCount(h["freezes_available"]),
		GraceUsed:        parseCount(h["grace_used"]),
		Status:           h["status"],
	}, nil
}

func (m *Module) write(ctx context.Context, userID string, rec *Record) error {
	key := m.key("user", userID, rec.Type)
	_, err := m.mctx.Storage.Transaction(ctx, []storage.Op{
		storage.HSetOp(key, "current", strconv.FormatInt(rec.Current, 10)),
		storage.HSetOp(key, "longest", strconv.FormatInt(rec.Longest, 10)),
		storage.HSetOp(key, "last", strconv.FormatInt(rec.LastActivityAt, 10)),
		storage.HSetOp(key, "freezes_used", strconv.FormatInt(rec.FreezesUsed, 10)),
		storage.HSetOp(key, "freezes_available", strconv.FormatInt(rec.FreezesAvailable, 10)),
		storage.HSetOp(key, "grace_used", strconv.FormatInt(rec.GraceUsed, 10)),
		storage.HSetOp(key, "status", rec.Status),
	})
	return errors.Wrap(err, "streaks: write record")
}

func streakData(userID string, rec *Record) map[string]interface{} {
	return map[string]interface{}{
		"userId":           userID,
		"type":             rec.Type,
		"current":          rec.Current,
		"longest":          rec.Longest,
		"status":           rec.Status,
		"freezesAvailable": rec.FreezesAvailable,
	}
}

// UserStats implements modules.Module.
func (m *Module) UserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	recs, err := m.GetStreaks(ctx, userID)
	if err != nil {
		return nil, err
	}
	streaks := make(map[string]interface{}, len(recs))
	var longest int64
	for typ, rec := range recs {
		streaks[typ] = rec
		if rec.Longest > longest {
			longest = rec.Longest
		}
	}
	return map[string]interface{}{
		"streaks": streaks,
		"longest": longest,
	}, nil
}

// ResetUser implements modules.Module.
func (m *Module) ResetUser(ctx context.Context, userID string) error {
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	keys, err := m.mctx.Storage.Keys(ctx, m.key("user", userID, "*"))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := m.mctx.Storage.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) emit(ctx context.Context, name string, data map[string]interface{}) {
	if _, err := m.mctx.Bus.Emit(ctx, name, data); err != nil {
		log.WithError(err).WithField("event", name).Warn("Could not emit event")
	}
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
