// Package levels implements the level module: an atomic per-user XP counter
// as the single source of truth, a derived level record, prestige, and the
// xp/level/prestige leaderboards. Level thresholds are precomputed at init
// from a linear, exponential, or custom curve.
package levels

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "levels")

const moduleName = "levels"

// Event names emitted by this module.
const (
	EventXPAdded   = "level.xp.added"
	EventLevelUp   = "level.up"
	EventLevelDown = "level.down"
	EventPrestiged = "prestiged"
)

// RewardEvent is the internal event other modules emit to grant XP without
// importing this package.
const RewardEvent = "reward.xp"

// Curve names accepted by Config.Curve.
const (
	CurveLinear      = "linear"
	CurveExponential = "exponential"
	CurveCustom      = "custom"
)

var (
	// ErrInvalidXP is returned for zero XP deltas.
	ErrInvalidXP = errors.New("levels: xp delta must be non-zero")
	// ErrPrestigeDisabled is returned by Prestige when the feature is off.
	ErrPrestigeDisabled = errors.New("levels: prestige is disabled")
	// ErrNotMaxLevel is returned by Prestige below the level cap.
	ErrNotMaxLevel = errors.New("levels: prestige requires max level")
	// ErrBadCurve is returned by Init for threshold curves that are not
	// strictly increasing from zero.
	ErrBadCurve = errors.New("levels: invalid level curve")
)

// Config tunes the module. DefaultConfig pulls the engine-wide knobs from
// params.
type Config struct {
	// Curve selects the threshold formula: linear, exponential, or custom.
	Curve string
	// BaseXP scales the linear and exponential curves.
	BaseXP int64
	// Exponent shapes the exponential curve.
	Exponent float64
	// CustomThresholds lists threshold(1..N) for the custom curve. The
	// first entry must be 0 and the sequence strictly increasing; its
	// length becomes MaxLevel.
	CustomThresholds []int64
	// MaxLevel caps progression for the linear and exponential curves.
	MaxLevel int
	// PrestigeEnabled allows resetting at max level for a permanent bonus.
	PrestigeEnabled bool

	// GlobalMultiplier scales every XP gain. Values <= 0 mean 1.
	GlobalMultiplier float64
	// ReasonMultipliers scale gains carrying a specific reason.
	ReasonMultipliers map[string]float64

	// LevelRewards grants points (via the points reward event) when a user
	// reaches the keyed level.
	LevelRewards map[int]int64
}

// DefaultConfig returns the module defaults layered over the engine config.
func DefaultConfig() Config {
	c := params.Config()
	return Config{
		Curve:            CurveExponential,
		BaseXP:           c.LevelCurveBaseXP,
		Exponent:         c.LevelCurveExponent,
		MaxLevel:         c.MaxLevel,
		PrestigeEnabled:  c.PrestigeEnabled,
		GlobalMultiplier: 1,
	}
}

// Record is the derived per-user level state. It is recomputed from the XP
// counter on every change; the counter, not the record, is authoritative.
type Record struct {
	Level          int   `json:"level"`
	TotalXP        int64 `json:"totalXP"`
	CurrentLevelXP int64 `json:"currentLevelXP"`
	Prestige       int   `json:"prestige"`
	UpdatedAt      int64 `json:"updatedAt"`
}

// AddXPResult reports what an XP change actually did.
type AddXPResult struct {
	Applied       int64   `json:"applied"`
	Multiplier    float64 `json:"multiplier"`
	TotalXP       int64   `json:"totalXP"`
	Level         int     `json:"level"`
	PreviousLevel int     `json:"previousLevel"`
}

// Module implements modules.Module for levels.
type Module struct {
	cfg        Config
	thresholds []int64
	mctx       *modules.Context
	sub        *events.Subscription
}

var _ modules.Module = (*Module)(nil)

// New constructs the module. Init must run before any operation.
func New(cfg Config) *Module {
	if cfg.GlobalMultiplier <= 0 {
		cfg.GlobalMultiplier = 1
	}
	return &Module{cfg: cfg}
}

// Name implements modules.Module.
func (m *Module) Name() string { return moduleName }

// Init precomputes the threshold table and subscribes to XP reward events.
func (m *Module) Init(_ context.Context, mctx *modules.Context) error {
	thresholds, err := buildThresholds(m.cfg)
	if err != nil {
		return err
	}
	m.thresholds = thresholds
	m.mctx = mctx
	m.sub = mctx.Bus.On(RewardEvent, m.onReward)
	log.WithFields(logrus.Fields{
		"curve":    m.cfg.Curve,
		"maxLevel": len(thresholds),
	}).Debug("Level thresholds ready")
	return nil
}

// Shutdown detaches the reward subscription.
func (m *Module) Shutdown(_ context.Context) error {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	return nil
}

// buildThresholds materialises threshold(1..MaxLevel). threshold(1) is
// always 0 and the sequence must increase strictly.
func buildThresholds(cfg Config) ([]int64, error) {
	switch cfg.Curve {
	case CurveCustom:
		if len(cfg.CustomThresholds) == 0 || cfg.CustomThresholds[0] != 0 {
			return nil, errors.Wrap(ErrBadCurve, "custom table must start at 0")
		}
		for i := 1; i < len(cfg.CustomThresholds); i++ {
			if cfg.CustomThresholds[i] <= cfg.CustomThresholds[i-1] {
				return nil, errors.Wrapf(ErrBadCurve, "table not increasing at level %d", i+1)
			}
		}
		out := make([]int64, len(cfg.CustomThresholds))
		copy(out, cfg.CustomThresholds)
		return out, nil
	case CurveLinear, CurveExponential:
		if cfg.MaxLevel < 1 {
			return nil, errors.Wrap(ErrBadCurve, "max level must be at least 1")
		}
		if cfg.BaseXP <= 0 {
			return nil, errors.Wrap(ErrBadCurve, "base xp must be positive")
		}
		out := make([]int64, cfg.MaxLevel)
		for i := range out {
			if cfg.Curve == CurveLinear {
				out[i] = cfg.BaseXP * int64(i)
			} else {
				if cfg.Exponent <= 0 {
					return nil, errors.Wrap(ErrBadCurve, "exponent must be positive")
				}
				out[i] = int64(math.Floor(float64(cfg.BaseXP) * math.Pow(float64(i), cfg.Exponent)))
			}
			if i > 0 && out[i] <= out[i-1] {
				return nil, errors.Wrapf(ErrBadCurve, "curve not increasing at level %d", i+1)
			}
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrBadCurve, "unknown curve %q", cfg.Curve)
	}
}

// levelFor maps a total to its level: the largest L with threshold(L) <=
// totalXP, capped at the table size.
func (m *Module) levelFor(totalXP int64) int {
	if totalXP < 0 {
		totalXP = 0
	}
	return sort.Search(len(m.thresholds), func(i int) bool {
		return m.thresholds[i] > totalXP
	})
}

// Threshold returns the XP required to reach level, or the top threshold
// for levels beyond the cap.
func (m *Module) Threshold(level int) int64 {
	if level <= 1 {
		return 0
	}
	if level > len(m.thresholds) {
		level = len(m.thresholds)
	}
	return m.thresholds[level-1]
}

// MaxLevel returns the level cap implied by the active curve.
func (m *Module) MaxLevel() int { return len(m.thresholds) }

func (m *Module) onReward(ctx context.Context, ev *events.Event) error {
	userID := ev.UserID()
	if userID == "" {
		return errors.New("levels: reward event without userId")
	}
	amount, ok := toInt64(ev.Data["amount"])
	if !ok || amount == 0 {
		return errors.Errorf("levels: reward event with bad amount %v", ev.Data["amount"])
	}
	reason, _ := ev.Data["reason"].(string)
	_, err := m.AddXP(ctx, userID, amount, reason)
	return err
}

func (m *Module) key(parts ...string) string {
	return m.mctx.Key(append([]string{moduleName}, parts...)...)
}

// AddXP applies a multiplied XP delta through the atomic counter, recomputes
// the level, processes level rewards, and refreshes the record and boards.
func (m *Module) AddXP(ctx context.Context, userID string, xp int64, reason string) (*AddXPResult, error) {
	defer modules.TimeOp(moduleName, "add_xp")()
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if xp == 0 {
		return nil, ErrInvalidXP
	}
	rec, err := m.loadRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	mult, err := m.multiplier(ctx, userID, reason, rec.Prestige, now)
	if err != nil {
		return nil, err
	}
	applied := int64(math.Floor(float64(xp) * mult))
	res := &AddXPResult{Multiplier: mult, PreviousLevel: rec.Level, Level: rec.Level, TotalXP: rec.TotalXP}
	if applied == 0 {
		return res, nil
	}

	// The counter increment is the single authoritative step; everything
	// below derives from its return value.
	newTotal, err := m.mctx.Storage.Increment(ctx, m.key("xp", userID), applied)
	if err != nil {
		return nil, errors.Wrap(err, "levels: xp counter")
	}
	if newTotal < 0 {
		if _, err := m.mctx.Storage.Increment(ctx, m.key("xp", userID), -newTotal); err != nil {
			return nil, errors.Wrap(err, "levels: clamp xp counter")
		}
		newTotal = 0
	}
	newLevel := m.levelFor(newTotal)

	if err := m.writeRecord(ctx, userID, Record{
		Level:          newLevel,
		TotalXP:        newTotal,
		CurrentLevelXP: newTotal - m.Threshold(newLevel),
		Prestige:       rec.Prestige,
		UpdatedAt:      now.UnixMilli(),
	}); err != nil {
		return nil, err
	}

	res.Applied = applied
	res.TotalXP = newTotal
	res.Level = newLevel
	xpAddedTotal.Add(float64(applied))

	m.emit(ctx, EventXPAdded, map[string]interface{}{
		"userId":     userID,
		"xp":         xp,
		"applied":    applied,
		"multiplier": mult,
		"totalXP":    newTotal,
		"level":      newLevel,
		"reason":     reason,
	})
	switch {
	case newLevel > rec.Level:
		for l := rec.Level + 1; l <= newLevel; l++ {
			if reward := m.cfg.LevelRewards[l]; reward > 0 {
				m.emit(ctx, "reward.points", map[string]interface{}{
					"userId": userID,
					"amount": reward,
					"reason": "level:" + strconv.Itoa(l),
				})
			}
		}
		levelUpsTotal.Inc()
		m.emit(ctx, EventLevelUp, map[string]interface{}{
			"userId":        userID,
			"level":         newLevel,
			"previousLevel": rec.Level,
			"totalXP":       newTotal,
		})
	case newLevel < rec.Level:
		m.emit(ctx, EventLevelDown, map[string]interface{}{
			"userId":        userID,
			"level":         newLevel,
			"previousLevel": rec.Level,
			"totalXP":       newTotal,
		})
	}
	return res, nil
}

// Prestige resets a max-level user to the start of the curve and increments
// their prestige counter, which feeds the permanent multiplier bonus.
func (m *Module) Prestige(ctx context.Context, userID string) (*Record, error) {
	defer modules.TimeOp(moduleName, "prestige")()
	if !m.cfg.PrestigeEnabled {
		return nil, ErrPrestigeDisabled
	}
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	rec, err := m.loadRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.Level < m.MaxLevel() {
		return nil, errors.Wrapf(ErrNotMaxLevel, "at level %d of %d", rec.Level, m.MaxLevel())
	}
	next := Record{
		Level:     1,
		Prestige:  rec.Prestige + 1,
		UpdatedAt: time.Now().UnixMilli(),
	}
	ops := []storage.Op{storage.SetOp(m.key("xp", userID), "0", 0)}
	ops = append(ops, m.recordOps(userID, next)...)
	if _, err := m.mctx.Storage.Transaction(ctx, ops); err != nil {
		return nil, errors.Wrap(err, "levels: prestige transaction")
	}
	prestigesTotal.Inc()
	m.emit(ctx, EventPrestiged, map[string]interface{}{
		"userId":   userID,
		"prestige": next.Prestige,
	})
	return &next, nil
}

// GetRecord returns the user's level record; unknown users sit at level 1
// with no XP.
func (m *Module) GetRecord(ctx context.Context, userID string) (*Record, error) {
	rec, err := m.loadRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Module) loadRecord(ctx context.Context, userID string) (Record, error) {
	h, err := m.mctx.Storage.HGetAll(ctx, m.key("user", userID))
	if err != nil {
		return Record{}, err
	}
	if len(h) == 0 {
		return Record{Level: 1}, nil
	}
	return Record{
		Level:          int(parseCount(h["level"])),
		TotalXP:        parseCount(h["total_xp"]),
		CurrentLevelXP: parseCount(h["current_level_xp"]),
		Prestige:       int(parseCount(h["prestige"])),
		UpdatedAt:      parseCount(h["updated_at"]),
	}, nil
}

func (m *Module) recordOps(userID string, rec Record) []storage.Op {
	key := m.key("user", userID)
	return []storage.Op{
		storage.HSetOp(key, "level", strconv.Itoa(rec.Level)),
		storage.HSetOp(key, "total_xp", strconv.FormatInt(rec.TotalXP, 10)),
		storage.HSetOp(key, "current_level_xp", strconv.FormatInt(rec.CurrentLevelXP, 10)),
		storage.HSetOp(key, "prestige", strconv.Itoa(rec.Prestige)),
		storage.HSetOp(key, "updated_at", strconv.FormatInt(rec.UpdatedAt, 10)),
		storage.ZAddOp(m.key("lb", "xp"), storage.SortedEntry{Member: userID, Score: float64(rec.TotalXP)}),
		storage.ZAddOp(m.key("lb", "level"), storage.SortedEntry{Member: userID, Score: float64(rec.Level)}),
		storage.ZAddOp(m.key("lb", "prestige"), storage.SortedEntry{Member: userID, Score: float64(rec.Prestige)}),
	}
}

func (m *Module) writeRecord(ctx context.Context, userID string, rec Record) error {
	_, err := m.mctx.Storage.Transaction(ctx, m.recordOps(userID, rec))
	return errors.Wrap(err, "levels: write record")
}

// SetUserMultiplier grants the user a temporary XP multiplier until the
// given time. Reads treat a missing or elapsed expiry as "no bonus".
func (m *Module) SetUserMultiplier(ctx context.Context, userID string, factor float64, until time.Time) error {
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	if factor <= 0 || math.IsInf(factor, 0) || math.IsNaN(factor) {
		return errors.Errorf("levels: invalid multiplier factor %v", factor)
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return errors.New("levels: multiplier expiry in the past")
	}
	key := m.key("mult", "user", userID)
	_, err := m.mctx.Storage.Transaction(ctx, []storage.Op{
		storage.HSetOp(key, "factor", strconv.FormatFloat(factor, 'f', -1, 64)),
		storage.HSetOp(key, "expires", strconv.FormatInt(until.UnixMilli(), 10)),
		storage.ExpireOp(key, ttl),
	})
	return errors.Wrap(err, "levels: set multiplier")
}

func (m *Module) multiplier(ctx context.Context, userID, reason string, prestige int, now time.Time) (float64, error) {
	mult := m.cfg.GlobalMultiplier
	if rm, ok := m.cfg.ReasonMultipliers[reason]; ok && rm > 0 {
		mult *= rm
	}
	h, err := m.mctx.Storage.HGetAll(ctx, m.key("mult", "user", userID))
	if err != nil {
		return 0, err
	}
	// The personal bonus only counts with a parseable future expiry.
	if exp, ok := h["expires"]; ok {
		expMs, err := strconv.ParseInt(exp, 10, 64)
		if err == nil && now.UnixMilli() < expMs {
			if f, err := strconv.ParseFloat(h["factor"], 64); err == nil && f > 0 {
				mult *= f
			}
		}
	}
	mult *= 1 + 0.1*float64(prestige)
	return mult, nil
}

// UserStats implements modules.Module.
func (m *Module) UserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	rec, err := m.loadRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := map[string]interface{}{
		"level":          rec.Level,
		"totalXP":        rec.TotalXP,
		"currentLevelXP": rec.CurrentLevelXP,
		"prestige":       rec.Prestige,
	}
	if rec.Level < m.MaxLevel() {
		stats["xpToNextLevel"] = m.Threshold(rec.Level+1) - rec.TotalXP
	} else {
		stats["xpToNextLevel"] = int64(0)
	}
	rank, err := m.mctx.Storage.ZRevRank(ctx, m.key("lb", "xp"), userID)
	if err != nil {
		return nil, err
	}
	if rank != nil {
		stats["rank"] = *rank + 1
	}
	return stats, nil
}

// ResetUser implements modules.Module.
func (m *Module) ResetUser(ctx context.Context, userID string) error {
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	for _, k := range []string{
		m.key("xp", userID),
		m.key("user", userID),
		m.key("mult", "user", userID),
	} {
		if _, err := m.mctx.Storage.Delete(ctx, k); err != nil {
			return err
		}
	}
	for _, b := range []string{"xp", "level", "prestige"} {
		if _, err := m.mctx.Storage.ZRem(ctx, m.key("lb", b), userID); err != nil {
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

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
