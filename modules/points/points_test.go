package points

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/questline/questline/config/params"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/rules"
	"github.com/questline/questline/storage/memorystore"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
	"github.com/questline/questline/time/periods"
)

func setup(t *testing.T, cfg Config) (*Module, *modules.Context) {
	params.SetupTestConfigCleanup(t)
	st := memorystore.New()
	require.NoError(t, st.Connect(context.Background()))
	t.Cleanup(func() { require.NoError(t, st.Disconnect(context.Background())) })
	bus := events.NewBus()
	t.Cleanup(bus.Destroy)
	mctx := &modules.Context{Storage: st, Bus: bus, Rules: rules.NewEngine()}
	m := New(cfg)
	require.NoError(t, m.Init(context.Background(), mctx))
	t.Cleanup(func() { require.NoError(t, m.Shutdown(context.Background())) })
	return m, mctx
}

func TestAwardUpdatesTotalsAndBuckets(t *testing.T) {
	m, _ := setup(t, DefaultConfig())
	ctx := context.Background()

	res, err := m.Award(ctx, "u1", 100, "login")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Applied)
	assert.Equal(t, int64(100), res.Total)
	assert.Equal(t, int64(100), res.PeriodTotals["daily"])
	assert.Equal(t, int64(100), res.PeriodTotals["weekly"])
	assert.Equal(t, int64(100), res.PeriodTotals["monthly"])

	total, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
	daily, err := m.GetPeriodBalance(ctx, "u1", periods.Daily)
	require.NoError(t, err)
	assert.Equal(t, int64(100), daily)
}

func TestAwardValidation(t *testing.T) {
	m, _ := setup(t, DefaultConfig())
	_, err := m.Award(context.Background(), "", 10, "")
	assert.ErrorIs(t, err, modules.ErrInvalidUserID)
	_, err = m.Award(context.Background(), "u1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = m.Award(context.Background(), "u1", -5, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAwardEmitsEvent(t *testing.T) {
	m, mctx := setup(t, DefaultConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var got *events.Event
	mctx.Bus.On(EventAwarded, func(_ context.Context, ev *events.Event) error {
		mu.Lock()
		got = ev
		mu.Unlock()
		return nil
	})

	_, err := m.Award(ctx, "u1", 40, "quest")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID())
	assert.Equal(t, int64(40), got.Data["applied"])
	assert.Equal(t, "quest", got.Data["reason"])
}

func TestMultiplierStack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalMultiplier = 2
	cfg.ReasonMultipliers = map[string]float64{"double-xp-weekend": 3}
	m, _ := setup(t, cfg)
	ctx := context.Background()

	res, err := m.Award(ctx, "u1", 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Applied)

	res, err = m.Award(ctx, "u1", 10, "double-xp-weekend")
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Applied)
	assert.Equal(t, float64(6), res.Multiplier)
}

func TestUserMultiplierNeedsFutureExpiry(t *testing.T) {
	m, mctx := setup(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, m.SetUserMultiplier(ctx, "u1", 2, time.Now().Add(time.Hour)))
	res, err := m.Award(ctx, "u1", 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Applied)

	// A record missing its expiry contributes nothing.
	key := m.key("mult", "user", "u2")
	require.NoError(t, mctx.Storage.HSet(ctx, key, "factor", "5"))
	res, err = m.Award(ctx, "u2", 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Applied)

	// An elapsed expiry contributes nothing either.
	key = m.key("mult", "user", "u3")
	require.NoError(t, mctx.Storage.HSet(ctx, key, "factor", "5"))
	past := strconv.FormatInt(time.Now().Add(-time.Minute).UnixMilli(), 10)
	require.NoError(t, mctx.Storage.HSet(ctx, key, "expires", past))
	res, err = m.Award(ctx, "u3", 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Applied)

	err = m.SetUserMultiplier(ctx, "u4", -1, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidMultiplier)
	err = m.SetUserMultiplier(ctx, "u4", 2, time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, ErrInvalidMultiplier)
}

func TestPrestigeBonusScalesAwards(t *testing.T) {
	m, mctx := setup(t, DefaultConfig())
	ctx := context.Background()

	_, err := mctx.Bus.Emit(ctx, PrestigeEvent, map[string]interface{}{
		"userId":   "u1",
		"prestige": float64(2),
	})
	require.NoError(t, err)

	res, err := m.Award(ctx, "u1", 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Applied)
	assert.Equal(t, 1.2, res.Multiplier)

	// A garbled prestige record contributes nothing.
	require.NoError(t, mctx.Storage.Set(ctx, m.key("user", "u2", "prestige"), "many", 0))
	res, err = m.Award(ctx, "u2", 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Applied)
}

func TestCeilingRejectsWithoutError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyCeiling = 150
	m, _ := setup(t, cfg)
	ctx := context.Background()

	res, err := m.Award(ctx, "u1", 100, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Applied)

	res, err = m.Award(ctx, "u1", 100, "")
	require.NoError(t, err)
	assert.Equal(t, true, res.Limited)
	assert.Equal(t, "daily", res.LimitedBy)
	assert.Equal(t, int64(0), res.Applied)
	assert.Equal(t, int64(100), res.Total)
}

func TestCeilingTruncates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyCeiling = 150
	cfg.TruncateAtCeiling = true
	m, _ := setup(t, cfg)
	ctx := context.Background()

	_, err := m.Award(ctx, "u1", 100, "")
	require.NoError(t, err)
	res, err := m.Award(ctx, "u1", 100, "")
	require.NoError(t, err)
	assert.Equal(t, true, res.Limited)
	assert.Equal(t, int64(50), res.Applied)
	assert.Equal(t, int64(150), res.Total)
}

func TestCeilingCapsMultipliedAwards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyCeiling = 1000
	cfg.TruncateAtCeiling = true
	cfg.ReasonMultipliers = map[string]float64{"weekend": 1.5}
	m, _ := setup(t, cfg)
	ctx := context.Background()

	res, err := m.Award(ctx, "u1", 500, "")
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Applied)

	// 700 x 1.5 wants 1050 in; only the 500 of daily headroom lands.
	res, err = m.Award(ctx, "u1", 700, "weekend")
	require.NoError(t, err)
	assert.Equal(t, 1.5, res.Multiplier)
	assert.Equal(t, true, res.Limited)
	assert.Equal(t, "daily", res.LimitedBy)
	assert.Equal(t, int64(500), res.Applied)
	assert.Equal(t, int64(1000), res.Total)
	assert.Equal(t, int64(1000), res.PeriodTotals["daily"])

	rows, err := m.GetLeaderboard(ctx, LeaderboardOptions{Period: periods.Daily})
	require.NoError(t, err)
	require.Equal(t, 1, len(rows))
	assert.Equal(t, "u1", rows[0].UserID)
	assert.Equal(t, int64(1000), rows[0].Points)
	assert.Equal(t, int64(1), rows[0].Rank)
}

func TestDeductClampsBeforeAnyWrite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Minimum = 10
	m, mctx := setup(t, cfg)
	ctx := context.Background()

	_, err := m.Award(ctx, "u1", 100, "")
	require.NoError(t, err)

	res, err := m.Deduct(ctx, "u1", 150, "penalty")
	require.NoError(t, err)
	assert.Equal(t, int64(90), res.Applied)
	assert.Equal(t, int64(10), res.Total)

	// The all-time board was written exactly once with the clamped value.
	score, err := mctx.Storage.ZScore(ctx, m.boardKey(periods.AllTime, time.Now()), "u1")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, float64(10), *score)
}

func TestDeductFromEmptyBalanceIsNoop(t *testing.T) {
	m, mctx := setup(t, DefaultConfig())
	ctx := context.Background()

	fired := false
	mctx.Bus.On(EventDeducted, func(_ context.Context, _ *events.Event) error {
		fired = true
		return nil
	})
	res, err := m.Deduct(ctx, "ghost", 50, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Applied)
	assert.Equal(t, int64(0), res.Total)
	assert.Equal(t, false, fired)
}

func TestLeaderboardRanksAndIncludeUser(t *testing.T) {
	m, _ := setup(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Award(ctx, "u1", 300, "")
	require.NoError(t, err)
	_, err = m.Award(ctx, "u2", 200, "")
	require.NoError(t, err)
	_, err = m.Award(ctx, "u3", 100, "")
	require.NoError(t, err)

	rows, err := m.GetLeaderboard(ctx, LeaderboardOptions{Period: periods.Daily})
	require.NoError(t, err)
	require.Equal(t, 3, len(rows))
	assert.Equal(t, "u1", rows[0].UserID)
	assert.Equal(t, int64(1), rows[0].Rank)
	assert.Equal(t, int64(300), rows[0].Points)
	assert.Equal(t, "u3", rows[2].UserID)
	assert.Equal(t, int64(3), rows[2].Rank)

	rows, err = m.GetLeaderboard(ctx, LeaderboardOptions{Limit: 1, UserID: "u3"})
	require.NoError(t, err)
	require.Equal(t, 2, len(rows))
	assert.Equal(t, "u1", rows[0].UserID)
	assert.Equal(t, "u3", rows[1].UserID)
	assert.Equal(t, int64(3), rows[1].Rank)
}

func TestTransactionsNewestFirst(t *testing.T) {
	m, _ := setup(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Award(ctx, "u1", 100, "a")
	require.NoError(t, err)
	_, err = m.Deduct(ctx, "u1", 30, "b")
	require.NoError(t, err)

	txs, err := m.GetTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Equal(t, 2, len(txs))
	assert.Equal(t, "deduct", txs[0].Type)
	assert.Equal(t, int64(30), txs[0].Applied)
	assert.Equal(t, "award", txs[1].Type)
}

func TestRewardEventCreditsPoints(t *testing.T) {
	m, mctx := setup(t, DefaultConfig())
	ctx := context.Background()

	_, err := mctx.Bus.Emit(ctx, RewardEvent, map[string]interface{}{
		"userId": "u1",
		"amount": float64(25),
		"reason": "badge:first-login",
	})
	require.NoError(t, err)

	total, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
}

func TestResetUserClearsEverything(t *testing.T) {
	m, mctx := setup(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Award(ctx, "u1", 100, "")
	require.NoError(t, err)
	require.NoError(t, m.SetUserMultiplier(ctx, "u1", 2, time.Now().Add(time.Hour)))
	require.NoError(t, m.ResetUser(ctx, "u1"))

	total, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	score, err := mctx.Storage.ZScore(ctx, m.boardKey(periods.AllTime, time.Now()), "u1")
	require.NoError(t, err)
	assert.Equal(t, (*float64)(nil), score)
	txs, err := m.GetTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, len(txs))
}

func TestDecayShavesStaleBalances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayPercentage = 10
	cfg.DecayAfter = time.Hour
	m, mctx := setup(t, cfg)
	ctx := context.Background()

	_, err := m.Award(ctx, "u1", 100, "")
	require.NoError(t, err)
	// Push the last-activity marker into the stale window.
	old := strconv.FormatInt(time.Now().Add(-2*time.Hour).UnixMilli(), 10)
	require.NoError(t, mctx.Storage.Set(ctx, m.key("user", "u1", "last"), old, 0))

	m.decayPass(ctx)

	total, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), total)
	score, err := mctx.Storage.ZScore(ctx, m.boardKey(periods.AllTime, time.Now()), "u1")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, float64(90), *score)

	// A fresh user is untouched.
	_, err = m.Award(ctx, "u2", 50, "")
	require.NoError(t, err)
	m.decayPass(ctx)
	total, err = m.GetBalance(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)
}

func TestUserStats(t *testing.T) {
	m, _ := setup(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Award(ctx, "u1", 120, "")
	require.NoError(t, err)
	stats, err := m.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), stats["total"])
	assert.Equal(t, int64(1), stats["rank"])
	pt, ok := stats["periodTotals"].(map[string]int64)
	require.Equal(t, true, ok)
	assert.Equal(t, int64(120), pt["daily"])
}
