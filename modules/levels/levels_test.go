package levels

import (
	"context"
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
	"github.com/questline/questline/testing/util"
)

// testConfig is a small custom curve so tests can hit every boundary:
// level 1 at 0 XP, 2 at 100, 3 at 250, 4 at 500.
func testConfig() Config {
	return Config{
		Curve:            CurveCustom,
		CustomThresholds: []int64{0, 100, 250, 500},
		PrestigeEnabled:  true,
		GlobalMultiplier: 1,
	}
}

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

func TestBuildThresholds(t *testing.T) {
	linear, err := buildThresholds(Config{Curve: CurveLinear, BaseXP: 100, MaxLevel: 4})
	require.NoError(t, err)
	assert.DeepEqual(t, []int64{0, 100, 200, 300}, linear)

	exp, err := buildThresholds(Config{Curve: CurveExponential, BaseXP: 100, Exponent: 2, MaxLevel: 4})
	require.NoError(t, err)
	assert.DeepEqual(t, []int64{0, 100, 400, 900}, exp)

	custom, err := buildThresholds(testConfig())
	require.NoError(t, err)
	assert.DeepEqual(t, []int64{0, 100, 250, 500}, custom)

	_, err = buildThresholds(Config{Curve: CurveCustom, CustomThresholds: []int64{10, 20}})
	assert.ErrorIs(t, err, ErrBadCurve)
	_, err = buildThresholds(Config{Curve: CurveCustom, CustomThresholds: []int64{0, 50, 50}})
	assert.ErrorIs(t, err, ErrBadCurve)
	_, err = buildThresholds(Config{Curve: "spiral", BaseXP: 100, MaxLevel: 4})
	assert.ErrorIs(t, err, ErrBadCurve)
	_, err = buildThresholds(Config{Curve: CurveExponential, BaseXP: 100, Exponent: 0, MaxLevel: 4})
	assert.ErrorIs(t, err, ErrBadCurve)
}

func TestLevelForBoundaries(t *testing.T) {
	m, _ := setup(t, testConfig())
	assert.Equal(t, 1, m.levelFor(0))
	assert.Equal(t, 1, m.levelFor(99))
	assert.Equal(t, 2, m.levelFor(100))
	assert.Equal(t, 3, m.levelFor(250))
	assert.Equal(t, 4, m.levelFor(500))
	assert.Equal(t, 4, m.levelFor(1_000_000))
	assert.Equal(t, 1, m.levelFor(-5))
}

func TestAddXPLevelsUp(t *testing.T) {
	m, _ := setup(t, testConfig())
	ctx := context.Background()

	res, err := m.AddXP(ctx, "u1", 120, "win")
	require.NoError(t, err)
	assert.Equal(t, int64(120), res.Applied)
	assert.Equal(t, int64(120), res.TotalXP)
	assert.Equal(t, 1, res.PreviousLevel)
	assert.Equal(t, 2, res.Level)

	rec, err := m.GetRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Level)
	assert.Equal(t, int64(120), rec.TotalXP)
	assert.Equal(t, int64(20), rec.CurrentLevelXP)
}

func TestMultiLevelJumpEmitsSingleLevelUp(t *testing.T) {
	cfg := testConfig()
	cfg.LevelRewards = map[int]int64{2: 10, 3: 20, 4: 40}
	m, mctx := setup(t, cfg)
	ctx := context.Background()

	var mu sync.Mutex
	var ups []*events.Event
	var rewards []int64
	mctx.Bus.On(EventLevelUp, func(_ context.Context, ev *events.Event) error {
		mu.Lock()
		ups = append(ups, ev)
		mu.Unlock()
		return nil
	})
	mctx.Bus.On("reward.points", func(_ context.Context, ev *events.Event) error {
		mu.Lock()
		rewards = append(rewards, ev.Data["amount"].(int64))
		mu.Unlock()
		return nil
	})

	_, err := m.AddXP(ctx, "u1", 600, "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, len(ups))
	assert.Equal(t, 1, ups[0].Data["previousLevel"])
	assert.Equal(t, 4, ups[0].Data["level"])
	// One reward per level crossed, in ascending order.
	assert.DeepEqual(t, []int64{10, 20, 40}, rewards)
}

func TestNegativeXPLevelsDownAndClampsAtZero(t *testing.T) {
	m, mctx := setup(t, testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var downs []*events.Event
	mctx.Bus.On(EventLevelDown, func(_ context.Context, ev *events.Event) error {
		mu.Lock()
		downs = append(downs, ev)
		mu.Unlock()
		return nil
	})

	_, err := m.AddXP(ctx, "u1", 300, "")
	require.NoError(t, err)
	res, err := m.AddXP(ctx, "u1", -250, "")
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.TotalXP)
	assert.Equal(t, 1, res.Level)
	assert.Equal(t, 3, res.PreviousLevel)

	// Removing more XP than the user has clamps the counter to zero.
	res, err = m.AddXP(ctx, "u1", -500, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TotalXP)
	assert.Equal(t, 1, res.Level)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, len(downs))
	assert.Equal(t, 3, downs[0].Data["previousLevel"])
	assert.Equal(t, 1, downs[0].Data["level"])
}

func TestAddXPValidation(t *testing.T) {
	m, _ := setup(t, testConfig())
	_, err := m.AddXP(context.Background(), "", 10, "")
	assert.ErrorIs(t, err, modules.ErrInvalidUserID)
	_, err = m.AddXP(context.Background(), "u1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidXP)
}

func TestConcurrentAddXPLosesNothing(t *testing.T) {
	m, _ := setup(t, testConfig())
	ctx := context.Background()

	const writers = 100
	errCh := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.AddXP(ctx, "u1", 5, "")
			errCh <- err
		}()
	}
	if util.WaitTimeout(&wg, 5*time.Second) {
		t.Fatal("XP writers did not finish within 5 seconds")
	}
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// The derived record is last-writer under contention; one serialised
	// add settles it on the true counter value.
	res, err := m.AddXP(ctx, "u1", 5, "")
	require.NoError(t, err)
	assert.Equal(t, int64(505), res.TotalXP, "every concurrent grant must land on the counter")
	assert.Equal(t, 4, res.Level)

	rec, err := m.GetRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(505), rec.TotalXP)
	assert.Equal(t, 4, rec.Level)
}

func TestPrestigeResetsAndBoostsMultiplier(t *testing.T) {
	m, _ := setup(t, testConfig())
	ctx := context.Background()

	_, err := m.Prestige(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotMaxLevel)

	_, err = m.AddXP(ctx, "u1", 500, "")
	require.NoError(t, err)
	rec, err := m.Prestige(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Level)
	assert.Equal(t, int64(0), rec.TotalXP)
	assert.Equal(t, 1, rec.Prestige)

	// Prestige grants a permanent 10% XP bonus per tier.
	res, err := m.AddXP(ctx, "u1", 100, "")
	require.NoError(t, err)
	assert.Equal(t, 1.1, res.Multiplier)
	assert.Equal(t, int64(110), res.Applied)

	total, err := m.GetRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, total.Prestige)
}

func TestPrestigeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.PrestigeEnabled = false
	m, _ := setup(t, cfg)
	_, err := m.Prestige(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrPrestigeDisabled)
}

func TestReasonAndUserMultipliers(t *testing.T) {
	cfg := testConfig()
	cfg.ReasonMultipliers = map[string]float64{"raid": 2}
	m, _ := setup(t, cfg)
	ctx := context.Background()

	require.NoError(t, m.SetUserMultiplier(ctx, "u1", 3, time.Now().Add(time.Hour)))
	res, err := m.AddXP(ctx, "u1", 10, "raid")
	require.NoError(t, err)
	assert.Equal(t, float64(6), res.Multiplier)
	assert.Equal(t, int64(60), res.Applied)

	// A factor row without a future expiry gives no bonus.
	err = m.SetUserMultiplier(ctx, "u2", 2, time.Now().Add(-time.Minute))
	assert.ErrorContains(t, "in the past", err)
}

func TestRewardEventAddsXP(t *testing.T) {
	m, mctx := setup(t, testConfig())
	ctx := context.Background()

	res, err := mctx.Bus.Emit(ctx, RewardEvent, map[string]interface{}{
		"userId": "u1",
		"amount": float64(150),
		"reason": "badge:first-blood",
	})
	require.NoError(t, err)
	require.Equal(t, 0, len(res.Errors))

	rec, err := m.GetRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), rec.TotalXP)
	assert.Equal(t, 2, rec.Level)
}

func TestUserStats(t *testing.T) {
	m, _ := setup(t, testConfig())
	ctx := context.Background()

	_, err := m.AddXP(ctx, "u1", 120, "")
	require.NoError(t, err)
	_, err = m.AddXP(ctx, "u2", 300, "")
	require.NoError(t, err)

	stats, err := m.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats["level"])
	assert.Equal(t, int64(120), stats["totalXP"])
	assert.Equal(t, int64(130), stats["xpToNextLevel"])
	assert.Equal(t, int64(2), stats["rank"])
}

func TestResetUser(t *testing.T) {
	m, mctx := setup(t, testConfig())
	ctx := context.Background()

	_, err := m.AddXP(ctx, "u1", 500, "")
	require.NoError(t, err)
	require.NoError(t, m.ResetUser(ctx, "u1"))

	rec, err := m.GetRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Level)
	assert.Equal(t, int64(0), rec.TotalXP)
	rank, err := mctx.Storage.ZRevRank(ctx, mctx.Key("levels", "lb", "xp"), "u1")
	require.NoError(t, err)
	assert.Equal(t, (*int64)(nil), rank)
}
