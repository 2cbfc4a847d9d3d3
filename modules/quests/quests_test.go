package quests

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

// recorder collects events behind a mutex.
type recorder struct {
	mu   sync.Mutex
	hits []map[string]interface{}
}

func (r *recorder) handler(_ context.Context, ev *events.Event) error {
	r.mu.Lock()
	r.hits = append(r.hits, ev.Data)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}

func (r *recorder) last() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.hits) == 0 {
		return nil
	}
	return r.hits[len(r.hits)-1]
}

func killQuest(id string, target int64) Definition {
	return Definition{
		ID:   id,
		Name: "Kill things",
		Objectives: []Objective{
			{ID: "kills", Target: target, Event: "enemy.killed"},
		},
	}
}

func TestRegisterQuestValidation(t *testing.T) {
	m, _ := setup(t, Config{MaxActiveQuests: 5})
	assert.ErrorIs(t, m.RegisterQuest(Definition{ID: "BAD ID"}), ErrInvalidDefinition)
	assert.ErrorIs(t, m.RegisterQuest(Definition{ID: "empty"}), ErrInvalidDefinition)
	assert.ErrorIs(t, m.RegisterQuest(Definition{
		ID:         "zero-target",
		Objectives: []Objective{{ID: "a", Target: 0, Event: "x"}},
	}), ErrInvalidDefinition)
	assert.ErrorIs(t, m.RegisterQuest(Definition{
		ID:         "no-event",
		Objectives: []Objective{{ID: "a", Target: 1, Event: ""}},
	}), ErrInvalidDefinition)
	assert.ErrorIs(t, m.RegisterQuest(Definition{
		ID: "dup-objective",
		Objectives: []Objective{
			{ID: "a", Target: 1, Event: "x"},
			{ID: "a", Target: 2, Event: "y"},
		},
	}), ErrInvalidDefinition)

	require.NoError(t, m.RegisterQuest(killQuest("hunt", 3)))
	assert.ErrorIs(t, m.RegisterQuest(killQuest("hunt", 3)), ErrDuplicateQuest)
}

func TestAssignQuest(t *testing.T) {
	m, mctx := setup(t, Config{MaxActiveQuests: 5})
	ctx := context.Background()
	require.NoError(t, m.RegisterQuest(killQuest("hunt", 3)))

	assigned := &recorder{}
	mctx.Bus.On(EventAssigned, assigned.handler)

	asn, err := m.AssignQuest(ctx, "u1", "hunt")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, asn.Status)
	assert.Equal(t, int64(0), asn.Deadline)
	assert.Equal(t, 1, assigned.count())

	_, err = m.AssignQuest(ctx, "u1", "hunt")
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	_, err = m.AssignQuest(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrUnknownQuest)

	active, err := m.GetActiveQuests(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, len(active))
	assert.Equal(t, "hunt", active[0].QuestID)
}

func TestActiveQuestCap(t *testing.T) {
	m, _ := setup(t, Config{MaxActiveQuests: 2})
	ctx := context.Background()
	for _, id := range []string{"q1", "q2", "q3"} {
		require.NoError(t, m.RegisterQuest(killQuest(id, 1)))
	}

	_, err := m.AssignQuest(ctx, "u1", "q1")
	require.NoError(t, err)
	_, err = m.AssignQuest(ctx, "u1", "q2")
	require.NoError(t, err)
	_, err = m.AssignQuest(ctx, "u1", "q3")
	assert.ErrorIs(t, err, ErrTooManyActive)
}

func TestDailyLimit(t *testing.T) {
	m, _ := setup(t, Config{MaxActiveQuests: 10, DailyLimit: 1})
	ctx := context.Background()
	require.NoError(t, m.RegisterQuest(killQuest("q1", 1)))
	require.NoError(t, m.RegisterQuest(killQuest("q2", 1)))

	_, err := m.AssignQuest(ctx, "u1", "q1")
	require.NoError(t, err)
	_, err = m.AssignQuest(ctx, "u1", "q2")
	assert.ErrorIs(t, err, ErrDailyLimitReached)
	// The denied charge was rolled back, so the budget is still exactly
	// spent rather than over-spent.
	_, err = m.AssignQuest(ctx, "u1", "q2")
	assert.ErrorIs(t, err, ErrDailyLimitReached)
	// Another user has their own budget.
	_, err = m.AssignQuest(ctx, "u2", "q1")
	require.NoError(t, err)
}

func TestEventDrivenProgressAndCompletion(t *testing.T) {
	m, mctx := setup(t, Config{MaxActiveQuests: 5})
	ctx := context.Background()
	require.NoError(t, m.RegisterQuest(Definition{
		ID:   "archer",
		Name: "Archery practice",
		Objectives: []Objective{
			{ID: "bow-kills", Target: 2, Event: "enemy.killed",
				Conditions: rules.Field("data.weapon", "==", "bow")},
			{ID: "collect", Target: 1, Event: "item.collected"},
		},
		Rewards: Rewards{Points: 100, XP: 50},
	}))

	progressed := &recorder{}
	completed := &recorder{}
	points := &recorder{}
	mctx.Bus.On(EventProgressed, progressed.handler)
	mctx.Bus.On(EventCompleted, completed.handler)
	mctx.Bus.On("reward.points", points.handler)

	_, err := m.AssignQuest(ctx, "u1", "archer")
	require.NoError(t, err)

	// Wrong weapon: condition fails, no progress.
	_, err = mctx.Bus.Emit(ctx, "enemy.killed", map[string]interface{}{"userId": "u1", "weapon": "sword"})
	require.NoError(t, err)
	assert.Equal(t, 0, progressed.count())

	for i := 0; i < 2; i++ {
		_, err = mctx.Bus.Emit(ctx, "enemy.killed", map[string]interface{}{"userId": "u1", "weapon": "bow"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, progressed.count())
	assert.Equal(t, 0, completed.count())

	_, err = mctx.Bus.Emit(ctx, "item.collected", map[string]interface{}{"userId": "u1", "item": "arrow"})
	require.NoError(t, err)

	require.Equal(t, 1, completed.count())
	assert.Equal(t, "archer", completed.last()["questId"])
	require.Equal(t, 1, points.count())
	assert.Equal(t, int64(100), points.last()["amount"])
	assert.Equal(t, "quest:archer", points.last()["reason"])

	asn, err := m.GetAssignment(ctx, "u1", "archer")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, asn.Status)
	assert.Equal(t, int64(2), asn.Progress["bow-kills"])
	active, err := m.GetActiveQuests(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, len(active))
	done, err := m.GetCompletions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), done["archer"])

	// Matching events after completion change nothing.
	_, err = mctx.Bus.Emit(ctx, "item.collected", map[string]interface{}{"userId": "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, completed.count())
}

func TestCompletionBudget(t *testing.T) {
	m, mctx := setup(t, Config{MaxActiveQuests: 5})
	ctx := context.Background()
	require.NoError(t, m.RegisterQuest(killQuest("once", 1)))
	repeatable := killQuest("twice", 1)
	repeatable.Repeatable = true
	repeatable.MaxCompletions = 2
	require.NoError(t, m.RegisterQuest(repeatable))

	complete := func(questID string) {
		_, err := m.AssignQuest(ctx, "u1", questID)
		require.NoError(t, err)
		_, err = mctx.Bus.Emit(ctx, "enemy.killed", map[string]interface{}{"userId": "u1"})
		require.NoError(t, err)
	}

	complete("once")
	_, err := m.AssignQuest(ctx, "u1", "once")
	assert.ErrorIs(t, err, ErrMaxCompletions)

	complete("twice")
	complete("twice")
	_, err = m.AssignQuest(ctx, "u1", "twice")
	assert.ErrorIs(t, err, ErrMaxCompletions)
	done, err := m.GetCompletions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), done["twice"])
}

func TestDependencies(t *testing.T) {
	m, mctx := setup(t, Config{MaxActiveQuests: 5})
	ctx := context.Background()
	require.NoError(t, m.RegisterQuest(killQuest("intro", 1)))
	locked := killQuest("advanced", 1)
	locked.Dependencies = []string{"intro"}
	require.NoError(t, m.RegisterQuest(locked))

	_, err := m.AssignQuest(ctx, "u1", "advanced")
	assert.ErrorIs(t, err, ErrDependencyUnmet)

	_, err = m.AssignQuest(ctx, "u1", "intro")
	require.NoError(t, err)
	_, err = mctx.Bus.Emit(ctx, "enemy.killed", map[string]interface{}{"userId": "u1"})
	require.NoError(t, err)

	_, err = m.AssignQuest(ctx, "u1", "advanced")
	require.NoError(t, err)
}

func TestChainCompletion(t *testing.T) {
	m, mctx := setup(t, Config{MaxActiveQuests: 5})
	ctx := context.Background()
	first := killQuest("saga-1", 1)
	first.ChainID = "saga"
	first.ChainOrder = 1
	second := killQuest("saga-2", 1)
	second.ChainID = "saga"
	second.ChainOrder = 2
	second.Dependencies = []string{"saga-1"}
	require.NoError(t, m.RegisterQuest(first))
	require.NoError(t, m.RegisterQuest(second))

	chains := &recorder{}
	mctx.Bus.On(EventChainCompleted, chains.handler)

	for _, id := range []string{"saga-1", "saga-2"} {
		_, err := m.AssignQuest(ctx, "u1", id)
		require.NoError(t, err)
		_, err = mctx.Bus.Emit(ctx, "enemy.killed", map[string]interface{}{"userId": "u1"})
		require.NoError(t, err)
	}

	require.Equal(t, 1, chains.count())
	assert.Equal(t, "saga", chains.last()["chainId"])
}

func TestDeadlineExpiry(t *testing.T) {
	m, mctx := setup(t, Config{MaxActiveQuests: 5})
	ctx := context.Background()
	rush := killQuest("rush", 1)
	rush.TimeLimit = time.Millisecond
	require.NoError(t, m.RegisterQuest(rush))

	expired := &recorder{}
	completed := &recorder{}
	mctx.Bus.On(EventExpired, expired.handler)
	mctx.Bus.On(EventCompleted, completed.handler)

	asn, err := m.AssignQuest(ctx, "u1", "rush")
	require.NoError(t, err)
	require.Equal(t, true, asn.Deadline > 0)
	time.Sleep(10 * time.Millisecond)

	// Progress arriving after the deadline expires the assignment instead
	// of completing it.
	_, err = mctx.Bus.Emit(ctx, "enemy.killed", map[string]interface{}{"userId": "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, expired.count())
	assert.Equal(t, 0, completed.count())

	got, err := m.GetAssignment(ctx, "u1", "rush")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestSweepExpiresStaleAssignments(t *testing.T) {
	m, mctx := setup(t, Config{MaxActiveQuests: 5})
	ctx := context.Background()
	rush := killQuest("rush", 1)
	rush.TimeLimit = time.Millisecond
	require.NoError(t, m.RegisterQuest(rush))
	require.NoError(t, m.RegisterQuest(killQuest("slow", 1)))

	expired := &recorder{}
	mctx.Bus.On(EventExpired, expired.handler)

	_, err := m.AssignQuest(ctx, "u1", "rush")
	require.NoError(t, err)
	_, err = m.AssignQuest(ctx, "u1", "slow")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	m.sweepPass(ctx)
	assert.Equal(t, 1, expired.count())
	got, err := m.GetAssignment(ctx, "u1", "rush")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	got, err = m.GetAssignment(ctx, "u1", "slow")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	active, err := m.GetActiveQuests(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, len(active))
	assert.Equal(t, "slow", active[0].QuestID)
}

func TestAbandonQuest(t *testing.T) {
	m, _ := setup(t, Config{MaxActiveQuests: 1})
	ctx := context.Background()
	require.NoError(t, m.RegisterQuest(killQuest("q1", 1)))
	require.NoError(t, m.RegisterQuest(killQuest("q2", 1)))

	assert.ErrorIs(t, m.AbandonQuest(ctx, "u1", "q1"), ErrNotAssigned)

	_, err := m.AssignQuest(ctx, "u1", "q1")
	require.NoError(t, err)
	require.NoError(t, m.AbandonQuest(ctx, "u1", "q1"))

	got, err := m.GetAssignment(ctx, "u1", "q1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	// The freed slot admits the next quest even with a cap of one.
	_, err = m.AssignQuest(ctx, "u1", "q2")
	require.NoError(t, err)
}

func TestUserStatsAndReset(t *testing.T) {
	m, mctx := setup(t, Config{MaxActiveQuests: 5})
	ctx := context.Background()
	require.NoError(t, m.RegisterQuest(killQuest("done", 1)))
	require.NoError(t, m.RegisterQuest(killQuest("open", 5)))

	_, err := m.AssignQuest(ctx, "u1", "done")
	require.NoError(t, err)
	_, err = m.AssignQuest(ctx, "u1", "open")
	require.NoError(t, err)
	_, err = mctx.Bus.Emit(ctx, "enemy.killed", map[string]interface{}{"userId": "u1"})
	require.NoError(t, err)

	stats, err := m.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.DeepEqual(t, []string{"open"}, stats["active"])
	assert.Equal(t, int64(1), stats["completed"])

	require.NoError(t, m.ResetUser(ctx, "u1"))
	stats, err = m.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["completed"])
	active, err := m.GetActiveQuests(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, len(active))
}
