// Package points implements the points module: per-user balances with
// multipliers, period ceilings, bounded transaction history, periodic decay,
// and per-period leaderboards. All writes go through storage transactions so
// the total, the period buckets, and the boards never drift apart.
package points

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/async"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/storage"
	"github.com/questline/questline/time/periods"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "points")

const moduleName = "points"

// Event names emitted by this module.
const (
	EventAwarded  = "points.awarded"
	EventDeducted = "points.deducted"
)

// RewardEvent is the internal event other modules emit to grant points
// without importing this package.
const RewardEvent = "reward.points"

// PrestigeEvent is observed to keep a denormalised prestige count in this
// module's namespace; each prestige adds a permanent ten percent to the
// award multiplier.
const PrestigeEvent = "prestiged"

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("points: amount must be positive")
	// ErrInvalidMultiplier is returned by SetUserMultiplier for factors or
	// expiries that make no sense.
	ErrInvalidMultiplier = errors.New("points: invalid multiplier")
)

// Config tunes the module. The zero value is usable; DefaultConfig pulls the
// engine-wide knobs from params.
type Config struct {
	// Minimum is the floor a balance can never drop below.
	Minimum int64
	// Ceilings cap how many points one user may gain per period bucket.
	// Zero means uncapped.
	DailyCeiling   int64
	WeeklyCeiling  int64
	MonthlyCeiling int64
	// TruncateAtCeiling awards the remaining headroom instead of rejecting
	// an award that would cross a ceiling.
	TruncateAtCeiling bool

	// GlobalMultiplier scales every award. Values <= 0 mean 1.
	GlobalMultiplier float64
	// WeekendMultiplier additionally scales awards landing on a UTC
	// Saturday or Sunday. Values <= 0 disable it.
	WeekendMultiplier float64
	// ReasonMultipliers scale awards carrying a specific reason.
	ReasonMultipliers map[string]float64

	// TransactionLogSize bounds the per-user history list.
	TransactionLogSize int64

	// Decay, when enabled, shaves DecayPercentage off the balance of every
	// user inactive for longer than DecayAfter, once per DecayInterval.
	DecayEnabled    bool
	DecayInterval   time.Duration
	DecayAfter      time.Duration
	DecayPercentage float64
}

// DefaultConfig returns the module defaults layered over the engine config.
func DefaultConfig() Config {
	return Config{
		Minimum:            params.Config().PointsMinimum,
		GlobalMultiplier:   1,
		TransactionLogSize: 100,
		DecayInterval:      24 * time.Hour,
		DecayAfter:         30 * 24 * time.Hour,
		DecayPercentage:    10,
	}
}

// Transaction is one entry of the bounded per-user history.
type Transaction struct {
	Type       string  `json:"type"`
	Amount     int64   `json:"amount"`
	Applied    int64   `json:"applied"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	At         int64   `json:"at"`
}

// AwardResult reports what an award actually did.
type AwardResult struct {
	// Applied is the post-multiplier amount credited. Zero with Limited set
	// means a ceiling refused the award.
	Applied      int64            `json:"applied"`
	Multiplier   float64          `json:"multiplier"`
	Total        int64            `json:"total"`
	PeriodTotals map[string]int64 `json:"periodTotals"`
	// Limited reports a ceiling rejection or truncation; LimitedBy names
	// the period whose ceiling bound first.
	Limited   bool   `json:"limited,omitempty"`
	LimitedBy string `json:"limitedBy,omitempty"`
}

// DeductResult reports what a deduction actually did.
type DeductResult struct {
	// Applied is the amount removed after the minimum-floor clamp.
	Applied int64 `json:"applied"`
	Total   int64 `json:"total"`
}

// LeaderboardEntry is one row of a points board. Ranks are 1-based.
type LeaderboardEntry struct {
	UserID string `json:"userId"`
	Points int64  `json:"points"`
	Rank   int64  `json:"rank"`
}

// LeaderboardOptions selects a points board page.
type LeaderboardOptions struct {
	Period periods.Period
	Limit  int
	Offset int
	// UserID, when set, appends that user's own row if it falls outside
	// the requested page.
	UserID string
}

// Module implements modules.Module for points.
type Module struct {
	cfg  Config
	mctx *modules.Context

	mu          sync.Mutex
	sub         *events.Subscription
	prestigeSub *events.Subscription
	cancel      context.CancelFunc
}

var _ modules.Module = (*Module)(nil)

// New constructs the module. Init must run before any operation.
func New(cfg Config) *Module {
	if cfg.GlobalMultiplier <= 0 {
		cfg.GlobalMultiplier = 1
	}
	if cfg.TransactionLogSize <= 0 {
		cfg.TransactionLogSize = 100
	}
	return &Module{cfg: cfg}
}

// Name implements modules.Module.
func (m *Module) Name() string { return moduleName }

// Init subscribes to reward and prestige events and starts the decay
// scheduler when configured.
func (m *Module) Init(_ context.Context, mctx *modules.Context) error {
	m.mctx = mctx
	m.sub = mctx.Bus.On(RewardEvent, m.onReward)
	m.prestigeSub = mctx.Bus.On(PrestigeEvent, m.onPrestige)
	if m.cfg.DecayEnabled && m.cfg.DecayInterval > 0 {
		decayCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		async.RunEvery(decayCtx, m.cfg.DecayInterval, func() { m.decayPass(decayCtx) })
	}
	return nil
}

// Shutdown cancels the decay scheduler and detaches the subscriptions.
func (m *Module) Shutdown(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	if m.prestigeSub != nil {
		m.prestigeSub.Unsubscribe()
	}
	return nil
}

func (m *Module) onReward(ctx context.Context, ev *events.Event) error {
	userID := ev.UserID()
	if userID == "" {
		return errors.New("points: reward event without userId")
	}
	amount, ok := toInt64(ev.Data["amount"])
	if !ok || amount <= 0 {
		return errors.Errorf("points: reward event with bad amount %v", ev.Data["amount"])
	}
	reason, _ := ev.Data["reason"].(string)
	_, err := m.Award(ctx, userID, amount, reason)
	return err
}

func (m *Module) onPrestige(ctx context.Context, ev *events.Event) error {
	userID := ev.UserID()
	if userID == "" {
		return errors.New("points: prestige event without userId")
	}
	n, ok := toInt64(ev.Data["prestige"])
	if !ok || n < 0 {
		return errors.Errorf("points: prestige event with bad count %v", ev.Data["prestige"])
	}
	return m.mctx.Storage.Set(ctx, m.key("user", userID, "prestige"), strconv.FormatInt(n, 10), 0)
}

func (m *Module) key(parts ...string) string {
	return m.mctx.Key(append([]string{moduleName}, parts...)...)
}

func (m *Module) boardKey(p periods.Period, at time.Time) string {
	if p == periods.AllTime {
		return m.key("lb", "alltime")
	}
	return m.key("lb", string(p), p.Key(at))
}

func (m *Module) bucketKey(userID string, p periods.Period, at time.Time) string {
	return m.key("user", userID, string(p), p.Key(at))
}

// bucketTTL keeps a finished bucket around for one extra window so late
// readers and the archive scan still see it.
func bucketTTL(p periods.Period, at time.Time) time.Duration {
	extra := map[periods.Period]time.Duration{
		periods.Daily:   24 * time.Hour,
		periods.Weekly:  7 * 24 * time.Hour,
		periods.Monthly: 31 * 24 * time.Hour,
	}[p]
	return p.Next(at).Sub(at) + extra
}

// Award credits amount×multiplier to the user, honouring period ceilings.
// Ceiling refusals are reported in the result, not as errors.
func (m *Module) Award(ctx context.Context, userID string, amount int64, reason string) (*AwardResult, error) {
	defer modules.TimeOp(moduleName, "award")()
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	mult, err := m.multiplier(ctx, userID, reason, now)
	if err != nil {
		return nil, err
	}
	applied := int64(math.Floor(float64(amount) * mult))

	res := &AwardResult{Multiplier: mult, PeriodTotals: map[string]int64{}}
	if applied <= 0 {
		total, err := m.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		res.Total = total
		return res, nil
	}

	applied, limitedBy, err := m.applyCeilings(ctx, userID, applied, now)
	if err != nil {
		return nil, err
	}
	if limitedBy != "" {
		res.Limited = true
		res.LimitedBy = limitedBy
	}
	if applied <= 0 {
		total, err := m.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		res.Total = total
		return res, nil
	}

	rec, err := json.Marshal(Transaction{
		Type: "award", Amount: amount, Applied: applied,
		Multiplier: mult, Reason: reason, At: now.UnixMilli(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "points: marshal transaction")
	}

	daily, weekly, monthly := periods.Daily, periods.Weekly, periods.Monthly
	ops := []storage.Op{
		storage.IncrByOp(m.key("user", userID, "total"), applied),
		storage.IncrByOp(m.bucketKey(userID, daily, now), applied),
		storage.IncrByOp(m.bucketKey(userID, weekly, now), applied),
		storage.IncrByOp(m.bucketKey(userID, monthly, now), applied),
		storage.ZIncrByOp(m.boardKey(periods.AllTime, now), userID, float64(applied)),
		storage.ZIncrByOp(m.boardKey(daily, now), userID, float64(applied)),
		storage.ZIncrByOp(m.boardKey(weekly, now), userID, float64(applied)),
		storage.ZIncrByOp(m.boardKey(monthly, now), userID, float64(applied)),
		storage.SetOp(m.key("user", userID, "last"), strconv.FormatInt(now.UnixMilli(), 10), 0),
		storage.LPushOp(m.key("user", userID, "log"), string(rec)),
		storage.LTrimOp(m.key("user", userID, "log"), 0, m.cfg.TransactionLogSize-1),
		storage.ExpireOp(m.bucketKey(userID, daily, now), bucketTTL(daily, now)),
		storage.ExpireOp(m.bucketKey(userID, weekly, now), bucketTTL(weekly, now)),
		storage.ExpireOp(m.bucketKey(userID, monthly, now), bucketTTL(monthly, now)),
		storage.ExpireOp(m.boardKey(daily, now), bucketTTL(daily, now)),
		storage.ExpireOp(m.boardKey(weekly, now), bucketTTL(weekly, now)),
		storage.ExpireOp(m.boardKey(monthly, now), bucketTTL(monthly, now)),
	}
	out, err := m.mctx.Storage.Transaction(ctx, ops)
	if err != nil {
		return nil, errors.Wrap(err, "points: award transaction")
	}
	res.Applied = applied
	res.Total = out[0].(int64)
	res.PeriodTotals[string(daily)] = out[1].(int64)
	res.PeriodTotals[string(weekly)] = out[2].(int64)
	res.PeriodTotals[string(monthly)] = out[3].(int64)

	awardedTotal.Add(float64(applied))
	m.emit(ctx, EventAwarded, map[string]interface{}{
		"userId":       userID,
		"amount":       amount,
		"applied":      applied,
		"multiplier":   mult,
		"reason":       reason,
		"total":        res.Total,
		"periodTotals": res.PeriodTotals,
	})
	return res, nil
}

// applyCeilings truncates or rejects applied against every configured period
// ceiling. A zero return with a period name means the award was refused.
func (m *Module) applyCeilings(ctx context.Context, userID string, applied int64, now time.Time) (int64, string, error) {
	caps := []struct {
		period periods.Period
		cap    int64
	}{
		{periods.Daily, m.cfg.DailyCeiling},
		{periods.Weekly, m.cfg.WeeklyCeiling},
		{periods.Monthly, m.cfg.MonthlyCeiling},
	}
	limitedBy := ""
	for _, c := range caps {
		if c.cap <= 0 {
			continue
		}
		cur, err := m.GetPeriodBalance(ctx, userID, c.period)
		if err != nil {
			return 0, "", err
		}
		headroom := c.cap - cur
		if headroom < 0 {
			headroom = 0
		}
		if applied <= headroom {
			continue
		}
		if !m.cfg.TruncateAtCeiling {
			return 0, string(c.period), nil
		}
		applied = headroom
		limitedBy = string(c.period)
	}
	return applied, limitedBy, nil
}

// Deduct removes points, clamping at the configured minimum before any
// counter or leaderboard write so no reader ever sees a value that is later
// corrected.
func (m *Module) Deduct(ctx context.Context, userID string, amount int64, reason string) (*DeductResult, error) {
	defer modules.TimeOp(moduleName, "deduct")()
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	total, err := m.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	applied := amount
	if total-amount < m.cfg.Minimum {
		applied = total - m.cfg.Minimum
		if applied < 0 {
			applied = 0
		}
	}
	if applied == 0 {
		return &DeductResult{Total: total}, nil
	}

	now := time.Now()
	rec, err := json.Marshal(Transaction{
		Type: "deduct", Amount: amount, Applied: applied, Reason: reason, At: now.UnixMilli(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "points: marshal transaction")
	}
	ops := []storage.Op{
		storage.IncrByOp(m.key("user", userID, "total"), -applied),
		storage.ZIncrByOp(m.boardKey(periods.AllTime, now), userID, -float64(applied)),
		storage.LPushOp(m.key("user", userID, "log"), string(rec)),
		storage.LTrimOp(m.key("user", userID, "log"), 0, m.cfg.TransactionLogSize-1),
	}
	out, err := m.mctx.Storage.Transaction(ctx, ops)
	if err != nil {
		return nil, errors.Wrap(err, "points: deduct transaction")
	}
	newTotal := out[0].(int64)

	deductedTotal.Add(float64(applied))
	m.emit(ctx, EventDeducted, map[string]interface{}{
		"userId":  userID,
		"amount":  amount,
		"applied": applied,
		"reason":  reason,
		"total":   newTotal,
	})
	return &DeductResult{Applied: applied, Total: newTotal}, nil
}

// GetBalance returns the user's total. Unknown users have 0.
func (m *Module) GetBalance(ctx context.Context, userID string) (int64, error) {
	v, err := m.mctx.Storage.Get(ctx, m.key("user", userID, "total"))
	if err != nil {
		return 0, err
	}
	return parseCount(v), nil
}

// GetPeriodBalance returns the user's gain inside the current bucket of the
// period. AllTime reads the total.
func (m *Module) GetPeriodBalance(ctx context.Context, userID string, p periods.Period) (int64, error) {
	if p == periods.AllTime {
		return m.GetBalance(ctx, userID)
	}
	v, err := m.mctx.Storage.Get(ctx, m.bucketKey(userID, p, time.Now()))
	if err != nil {
		return 0, err
	}
	return parseCount(v), nil
}

// GetTransactions returns up to limit of the most recent history entries,
// newest first.
func (m *Module) GetTransactions(ctx context.Context, userID string, limit int64) ([]Transaction, error) {
	if limit <= 0 || limit > m.cfg.TransactionLogSize {
		limit = m.cfg.TransactionLogSize
	}
	raw, err := m.mctx.Storage.LRange(ctx, m.key("user", userID, "log"), 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(raw))
	for _, r := range raw {
		var tx Transaction
		if err := json.Unmarshal([]byte(r), &tx); err != nil {
			log.WithError(err).WithField("user", userID).Warn("Skipping corrupt transaction record")
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// GetLeaderboard returns one page of the points board for the current bucket
// of the requested period.
func (m *Module) GetLeaderboard(ctx context.Context, opts LeaderboardOptions) ([]LeaderboardEntry, error) {
	defer modules.TimeOp(moduleName, "leaderboard")()
	p := opts.Period
	if p == "" {
		p = periods.AllTime
	}
	if !p.Valid() {
		return nil, errors.Errorf("points: unknown period %q", p)
	}
	limit, offset := pageBounds(opts.Limit, opts.Offset)
	board := m.boardKey(p, time.Now())

	entries, err := m.mctx.Storage.ZRevRange(ctx, board, int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]LeaderboardEntry, 0, len(entries))
	seen := false
	for i, e := range entries {
		if e.Member == opts.UserID {
			seen = true
		}
		out = append(out, LeaderboardEntry{
			UserID: e.Member,
			Points: int64(e.Score),
			Rank:   int64(offset + i + 1),
		})
	}
	if opts.UserID != "" && !seen {
		rank, err := m.mctx.Storage.ZRevRank(ctx, board, opts.UserID)
		if err != nil {
			return nil, err
		}
		if rank != nil {
			score, err := m.mctx.Storage.ZScore(ctx, board, opts.UserID)
			if err != nil {
				return nil, err
			}
			if score != nil {
				out = append(out, LeaderboardEntry{
					UserID: opts.UserID,
					Points: int64(*score),
					Rank:   *rank + 1,
				})
			}
		}
	}
	return out, nil
}

// SetUserMultiplier grants the user a personal multiplier until the given
// time. Reads treat a missing or elapsed expiry as "no bonus".
func (m *Module) SetUserMultiplier(ctx context.Context, userID string, factor float64, until time.Time) error {
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	if factor <= 0 || math.IsInf(factor, 0) || math.IsNaN(factor) {
		return errors.Wrapf(ErrInvalidMultiplier, "factor %v", factor)
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return errors.Wrap(ErrInvalidMultiplier, "expiry in the past")
	}
	key := m.key("mult", "user", userID)
	_, err := m.mctx.Storage.Transaction(ctx, []storage.Op{
		storage.HSetOp(key, "factor", strconv.FormatFloat(factor, 'f', -1, 64)),
		storage.HSetOp(key, "expires", strconv.FormatInt(until.UnixMilli(), 10)),
		storage.ExpireOp(key, ttl),
	})
	return errors.Wrap(err, "points: set multiplier")
}

// ClearUserMultiplier removes the user's personal multiplier.
func (m *Module) ClearUserMultiplier(ctx context.Context, userID string) error {
	_, err := m.mctx.Storage.Delete(ctx, m.key("mult", "user", userID))
	return err
}

func (m *Module) multiplier(ctx context.Context, userID, reason string, now time.Time) (float64, error) {
	mult := m.cfg.GlobalMultiplier
	if rm, ok := m.cfg.ReasonMultipliers[reason]; ok && rm > 0 {
		mult *= rm
	}
	if m.cfg.WeekendMultiplier > 0 {
		if wd := now.UTC().Weekday(); wd == time.Saturday || wd == time.Sunday {
			mult *= m.cfg.WeekendMultiplier
		}
	}
	um, err := m.userMultiplier(ctx, userID, now)
	if err != nil {
		return 0, err
	}
	pm, err := m.prestigeBonus(ctx, userID)
	if err != nil {
		return 0, err
	}
	return mult * um * pm, nil
}

// prestigeBonus reads the prestige count mirrored from the level module's
// prestiged events. An unparseable record contributes nothing.
func (m *Module) prestigeBonus(ctx context.Context, userID string) (float64, error) {
	v, err := m.mctx.Storage.Get(ctx, m.key("user", userID, "prestige"))
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 1, nil
	}
	n, err := strconv.ParseInt(*v, 10, 64)
	if err != nil || n <= 0 {
		return 1, nil
	}
	return 1 + 0.1*float64(n), nil
}

// userMultiplier resolves the personal bonus. A record without a parseable
// future expiry contributes nothing, whatever its factor says.
func (m *Module) userMultiplier(ctx context.Context, userID string, now time.Time) (float64, error) {
	h, err := m.mctx.Storage.HGetAll(ctx, m.key("mult", "user", userID))
	if err != nil {
		return 0, err
	}
	exp, ok := h["expires"]
	if !ok {
		return 1, nil
	}
	expMs, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || now.UnixMilli() >= expMs {
		return 1, nil
	}
	f, err := strconv.ParseFloat(h["factor"], 64)
	if err != nil || f <= 0 {
		return 1, nil
	}
	return f, nil
}

// decayPass shaves the configured percentage off every stale balance.
func (m *Module) decayPass(ctx context.Context) {
	now := time.Now()
	keys, err := m.mctx.Storage.Keys(ctx, m.key("user", "*", "total"))
	if err != nil {
		log.WithError(err).Warn("Decay scan failed")
		return
	}
	for _, k := range keys {
		userID := userFromKey(k)
		if userID == "" {
			continue
		}
		if err := m.decayUser(ctx, userID, now); err != nil {
			log.WithError(err).WithField("user", userID).Warn("Decay failed")
		}
	}
}

func (m *Module) decayUser(ctx context.Context, userID string, now time.Time) error {
	last, err := m.mctx.Storage.Get(ctx, m.key("user", userID, "last"))
	if err != nil {
		return err
	}
	if last == nil {
		return nil
	}
	lastMs, err := strconv.ParseInt(*last, 10, 64)
	if err != nil {
		return errors.Wrap(err, "points: parse last activity")
	}
	if now.Sub(time.UnixMilli(lastMs)) <= m.cfg.DecayAfter {
		return nil
	}
	total, err := m.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	cut := int64(float64(total) * m.cfg.DecayPercentage / 100)
	if total-cut < m.cfg.Minimum {
		cut = total - m.cfg.Minimum
	}
	if cut <= 0 {
		return nil
	}
	rec, err := json.Marshal(Transaction{Type: "decay", Applied: cut, At: now.UnixMilli()})
	if err != nil {
		return errors.Wrap(err, "points: marshal transaction")
	}
	ops := []storage.Op{
		storage.IncrByOp(m.key("user", userID, "total"), -cut),
		storage.ZIncrByOp(m.boardKey(periods.AllTime, now), userID, -float64(cut)),
		storage.LPushOp(m.key("user", userID, "log"), string(rec)),
		storage.LTrimOp(m.key("user", userID, "log"), 0, m.cfg.TransactionLogSize-1),
	}
	out, err := m.mctx.Storage.Transaction(ctx, ops)
	if err != nil {
		return errors.Wrap(err, "points: decay transaction")
	}
	decayedTotal.Add(float64(cut))
	m.emit(ctx, EventDeducted, map[string]interface{}{
		"userId":  userID,
		"applied": cut,
		"reason":  "decay",
		"total":   out[0].(int64),
	})
	return nil
}

// UserStats implements modules.Module.
func (m *Module) UserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	total, err := m.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := map[string]interface{}{"total": total}
	pt := map[string]int64{}
	for _, p := range []periods.Period{periods.Daily, periods.Weekly, periods.Monthly} {
		v, err := m.GetPeriodBalance(ctx, userID, p)
		if err != nil {
			return nil, err
		}
		pt[string(p)] = v
	}
	stats["periodTotals"] = pt
	rank, err := m.mctx.Storage.ZRevRank(ctx, m.boardKey(periods.AllTime, time.Now()), userID)
	if err != nil {
		return nil, err
	}
	if rank != nil {
		stats["rank"] = *rank + 1
	}
	return stats, nil
}

// ResetUser implements modules.Module: balance, buckets, history, multiplier,
// and every board entry disappear.
func (m *Module) ResetUser(ctx context.Context, userID string) error {
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	keys, err := m.mctx.Storage.Keys(ctx, m.key("user", userID, "*"))
	if err != nil {
		return err
	}
	keys = append(keys, m.key("mult", "user", userID))
	for _, k := range keys {
		if _, err := m.mctx.Storage.Delete(ctx, k); err != nil {
			return err
		}
	}
	boards, err := m.mctx.Storage.Keys(ctx, m.key("lb", "*"))
	if err != nil {
		return err
	}
	for _, b := range boards {
		if _, err := m.mctx.Storage.ZRem(ctx, b, userID); err != nil {
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

func parseCount(v *string) int64 {
	if v == nil {
		return 0
	}
	n, err := strconv.ParseInt(*v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// userFromKey recovers the user id from "<ns>:points:user:<id>:total".
func userFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
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
		return i, err == nil
	default:
		return 0, false
	}
}
