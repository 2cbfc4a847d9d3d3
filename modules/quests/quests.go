// Package quests implements the quest module. Definitions live in an
// in-memory catalog; assignments persist per user. Progress is event-driven:
// a wildcard subscriber matches every emitted event against the objectives
// of the user's active quests and advances the matching counters. Completion
// is an atomic check-and-flip, so concurrent progress on the same assignment
// produces exactly one completion.
package quests

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/async"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/encoding/wildcard"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/rules"
	"github.com/questline/questline/storage"
	"github.com/questline/questline/time/periods"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "quests")

const moduleName = "quests"

// Event names emitted by this module.
const (
	EventAssigned       = "quest.assigned"
	EventProgressed     = "quest.progressed"
	EventCompleted      = "quest.completed"
	EventExpired        = "quest.expired"
	EventChainCompleted = "quest.chain.completed"
)

// Assignment statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

var (
	// ErrInvalidDefinition is returned by RegisterQuest for unusable
	// definitions.
	ErrInvalidDefinition = errors.New("quests: invalid quest definition")
	// ErrDuplicateQuest is returned when a quest id is registered twice.
	ErrDuplicateQuest = errors.New("quests: quest already registered")
	// ErrUnknownQuest is returned for operations on unregistered ids.
	ErrUnknownQuest = errors.New("quests: unknown quest")
	// ErrAlreadyAssigned is returned by AssignQuest while an assignment is
	// still active.
	ErrAlreadyAssigned = errors.New("quests: quest already active")
	// ErrTooManyActive is returned when the active-quest cap is reached.
	ErrTooManyActive = errors.New("quests: too many active quests")
	// ErrDailyLimitReached is returned when the per-day assignment budget
	// is spent.
	ErrDailyLimitReached = errors.New("quests: daily quest limit reached")
	// ErrDependencyUnmet is returned while a prerequisite quest has never
	// been completed.
	ErrDependencyUnmet = errors.New("quests: dependency not completed")
	// ErrMaxCompletions is returned once a quest cannot be repeated.
	ErrMaxCompletions = errors.New("quests: max completions reached")
	// ErrNotAssigned is returned for operations on a missing assignment.
	ErrNotAssigned = errors.New("quests: quest not assigned")
)

// Objective is one counter inside a quest: events matching Event (exact name
// or glob) whose data passes Conditions advance it by one until Target.
type Objective struct {
	ID         string           `json:"id"`
	Target     int64            `json:"target"`
	Event      string           `json:"event"`
	Conditions *rules.Condition `json:"conditions,omitempty"`
}

// Rewards are issued as bus events on completion.
type Rewards struct {
	Points int64 `json:"points,omitempty"`
	XP     int64 `json:"xp,omitempty"`
}

// Definition is a catalog entry. Chains are modelled loosely: quests sharing
// a ChainID form a sequence ordered by ChainOrder, and completing the whole
// set emits a chain-completion event.
type Definition struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Category       string        `json:"category,omitempty"`
	Objectives     []Objective   `json:"objectives"`
	Rewards        Rewards       `json:"rewards,omitempty"`
	TimeLimit      time.Duration `json:"timeLimit,omitempty"`
	Repeatable     bool          `json:"repeatable,omitempty"`
	MaxCompletions int64         `json:"maxCompletions,omitempty"`
	Dependencies   []string      `json:"dependencies,omitempty"`
	ChainID        string        `json:"chainId,omitempty"`
	ChainOrder     int           `json:"chainOrder,omitempty"`
}

// maxCompletions normalises the repeat budget: non-repeatable quests always
// cap at one, repeatable ones at MaxCompletions with zero meaning unlimited.
func (d *Definition) maxCompletions() int64 {
	if !d.Repeatable {
		return 1
	}
	return d.MaxCompletions
}

// Assignment is a user's in-flight (or finished) instance of a quest.
type Assignment struct {
	QuestID     string           `json:"questId"`
	StartedAt   int64            `json:"startedAt"`
	Deadline    int64            `json:"deadline,omitempty"`
	CompletedAt int64            `json:"completedAt,omitempty"`
	Status      string           `json:"status"`
	Progress    map[string]int64 `json:"progress"`
}

// Config tunes the module.
type Config struct {
	// MaxActiveQuests caps concurrent active assignments per user. Zero
	// uses the engine default.
	MaxActiveQuests int
	// DailyLimit caps assignments per user per UTC day. Zero disables the
	// limit.
	DailyLimit int64
	// SweepInterval is the expiry scan period. Zero uses the engine
	// janitor interval.
	SweepInterval time.Duration
}

// DefaultConfig returns the engine-wide quest limits.
func DefaultConfig() Config {
	return Config{MaxActiveQuests: params.Config().MaxActiveQuests}
}

// Module implements modules.Module for quests.
type Module struct {
	cfg    Config
	mctx   *modules.Context
	sub    *events.Subscription
	cancel context.CancelFunc

	mu      sync.RWMutex
	catalog map[string]*Definition
	chains  map[string][]string
}

var _ modules.Module = (*Module)(nil)

// New constructs an empty catalog. Definitions may be registered before or
// after Init.
func New(cfg Config) *Module {
	if cfg.MaxActiveQuests <= 0 {
		cfg.MaxActiveQuests = params.Config().MaxActiveQuests
	}
	return &Module{
		cfg:     cfg,
		catalog: make(map[string]*Definition),
		chains:  make(map[string][]string),
	}
}

// Name implements modules.Module.
func (m *Module) Name() string { return moduleName }

// Init attaches the progress subscriber and starts the expiry sweep.
func (m *Module) Init(_ context.Context, mctx *modules.Context) error {
	m.mctx = mctx
	sub, err := mctx.Bus.OnWildcard("*", m.onEvent)
	if err != nil {
		return errors.Wrap(err, "quests: subscribe")
	}
	m.sub = sub
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = params.Config().JanitorInterval()
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	async.RunEvery(sweepCtx, interval, func() { m.sweepPass(sweepCtx) })
	return nil
}

// Shutdown detaches the subscriber and stops the sweep.
func (m *Module) Shutdown(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	return nil
}

func validID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// RegisterQuest adds a definition to the catalog.
func (m *Module) RegisterQuest(def Definition) error {
	if !validID(def.ID) {
		return errors.Wrapf(ErrInvalidDefinition, "bad id %q", def.ID)
	}
	if len(def.Objectives) == 0 {
		return errors.Wrapf(ErrInvalidDefinition, "%s has no objectives", def.ID)
	}
	seen := make(map[string]bool, len(def.Objectives))
	for _, obj := range def.Objectives {
		if !validID(obj.ID) {
			return errors.Wrapf(ErrInvalidDefinition, "%s: bad objective id %q", def.ID, obj.ID)
		}
		if seen[obj.ID] {
			return errors.Wrapf(ErrInvalidDefinition, "%s: duplicate objective %q", def.ID, obj.ID)
		}
		seen[obj.ID] = true
		if obj.Target <= 0 {
			return errors.Wrapf(ErrInvalidDefinition, "%s/%s: target must be positive", def.ID, obj.ID)
		}
		if obj.Event == "" {
			return errors.Wrapf(ErrInvalidDefinition, "%s/%s: objective without event", def.ID, obj.ID)
		}
	}
	if def.MaxCompletions < 0 || def.TimeLimit < 0 {
		return errors.Wrapf(ErrInvalidDefinition, "%s: negative limits", def.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.catalog[def.ID]; ok {
		return errors.Wrap(ErrDuplicateQuest, def.ID)
	}
	cp := def
	m.catalog[def.ID] = &cp
	if def.ChainID != "" {
		m.chains[def.ChainID] = append(m.chains[def.ChainID], def.ID)
	}
	return nil
}

// GetQuest returns the definition for id.
func (m *Module) GetQuest(id string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.catalog[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownQuest, id)
	}
	cp := *def
	return &cp, nil
}

// Definitions returns the catalog sorted by chain order, then id.
func (m *Module) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.catalog))
	for _, def := range m.catalog {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		if out[i].ChainOrder != out[j].ChainOrder {
			return out[i].ChainOrder < out[j].ChainOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Module) key(parts ...string) string {
	return m.mctx.Key(append([]string{moduleName}, parts...)...)
}

func (m *Module) assignKey(userID, questID string) string {
	return m.key("assign", userID, questID)
}

// AssignQuest starts a quest for the user after checking the active cap, the
// daily budget, dependencies, and the completion budget.
func (m *Module) AssignQuest(ctx context.Context, userID, questID string) (*Assignment, error) {
	defer modules.TimeOp(moduleName, "assign")()
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	def, err := m.GetQuest(questID)
	if err != nil {
		return nil, err
	}
	st := m.mctx.Storage
	activeKey := m.key("active", userID)

	active, err := st.SIsMember(ctx, activeKey, questID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, errors.Wrap(ErrAlreadyAssigned, questID)
	}
	count, err := st.SCard(ctx, activeKey)
	if err != nil {
		return nil, err
	}
	if count >= int64(m.cfg.MaxActiveQuests) {
		return nil, errors.Wrapf(ErrTooManyActive, "%d active", count)
	}

	completions, err := st.HGet(ctx, m.key("completions", userID), questID)
	if err != nil {
		return nil, err
	}
	done := parseCount(stringOrEmpty(completions))
	if max := def.maxCompletions(); max > 0 && done >= max {
		return nil, errors.Wrapf(ErrMaxCompletions, "%s completed %d times", questID, done)
	}
	for _, dep := range def.Dependencies {
		v, err := st.HGet(ctx, m.key("completions", userID), dep)
		if err != nil {
			return nil, err
		}
		if parseCount(stringOrEmpty(v)) < 1 {
			return nil, errors.Wrap(ErrDependencyUnmet, dep)
		}
	}

	if m.cfg.DailyLimit > 0 {
		if err := m.chargeDailyBudget(ctx, userID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	asn := &Assignment{
		QuestID:   questID,
		StartedAt: now.UnixMilli(),
		Status:    StatusActive,
		Progress:  make(map[string]int64, len(def.Objectives)),
	}
	if def.TimeLimit > 0 {
		asn.Deadline = now.Add(def.TimeLimit).UnixMilli()
	}
	aKey := m.assignKey(userID, questID)
	ops := []storage.Op{
		storage.DeleteOp(aKey),
		storage.HSetOp(aKey, "started_at", strconv.FormatInt(asn.StartedAt, 10)),
		storage.HSetOp(aKey, "deadline", strconv.FormatInt(asn.Deadline, 10)),
		storage.HSetOp(aKey, "status", StatusActive),
		storage.SAddOp(activeKey, questID),
	}
	if _, err := st.Transaction(ctx, ops); err != nil {
		return nil, errors.Wrap(err, "quests: assign")
	}
	assignedTotal.Inc()
	m.emit(ctx, EventAssigned, map[string]interface{}{
		"userId":   userID,
		"questId":  questID,
		"deadline": asn.Deadline,
	})
	return asn, nil
}

// chargeDailyBudget spends one assignment from today's budget, rolling the
// charge back when the budget is exceeded.
func (m *Module) chargeDailyBudget(ctx context.Context, userID string) error {
	now := time.Now()
	key := m.key("daily", userID, periods.Daily.Key(now))
	n, err := m.mctx.Storage.Increment(ctx, key, 1)
	if err != nil {
		return err
	}
	if n == 1 {
		// Keep the counter one extra day so late reads still see it.
		if _, err := m.mctx.Storage.Expire(ctx, key, 48*time.Hour); err != nil {
			return err
		}
	}
	if n > m.cfg.DailyLimit {
		if _, err := m.mctx.Storage.Decrement(ctx, key, 1); err != nil {
			log.WithError(err).WithField("user", userID).Warn("Could not roll back daily budget charge")
		}
		return errors.Wrapf(ErrDailyLimitReached, "%d today", m.cfg.DailyLimit)
	}
	return nil
}

// AbandonQuest marks an active assignment failed and frees an active slot.
func (m *Module) AbandonQuest(ctx context.Context, userID, questID string) error {
	defer modules.TimeOp(moduleName, "abandon")()
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	asn, err := m.GetAssignment(ctx, userID, questID)
	if err != nil {
		return err
	}
	if asn == nil || asn.Status != StatusActive {
		return errors.Wrap(ErrNotAssigned, questID)
	}
	_, err = m.mctx.Storage.Transaction(ctx, []storage.Op{
		storage.HSetOp(m.assignKey(userID, questID), "status", StatusFailed),
		storage.SRemOp(m.key("active", userID), questID),
	})
	return errors.Wrap(err, "quests: abandon")
}

// GetAssignment returns the user's assignment of the quest, nil when none
// exists.
func (m *Module) GetAssignment(ctx context.Context, userID, questID string) (*Assignment, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	h, err := m.mctx.Storage.HGetAll(ctx, m.assignKey(userID, questID))
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	asn := &Assignment{
		QuestID:     questID,
		StartedAt:   parseCount(h["started_at"]),
		Deadline:    parseCount(h["deadline"]),
		CompletedAt: parseCount(h["completed_at"]),
		Status:      h["status"],
		Progress:    make(map[string]int64),
	}
	for f, v := range h {
		if strings.HasPrefix(f, "progress:") {
			asn.Progress[strings.TrimPrefix(f, "progress:")] = parseCount(v)
		}
	}
	return asn, nil
}

// GetActiveQuests returns the user's active assignments sorted by quest id.
func (m *Module) GetActiveQuests(ctx context.Context, userID string) ([]*Assignment, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	ids, err := m.mctx.Storage.SMembers(ctx, m.key("active", userID))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*Assignment, 0, len(ids))
	for _, id := range ids {
		asn, err := m.GetAssignment(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if asn != nil {
			out = append(out, asn)
		}
	}
	return out, nil
}

// GetCompletions returns how many times the user completed each quest.
func (m *Module) GetCompletions(ctx context.Context, userID string) (map[string]int64, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	h, err := m.mctx.Storage.HGetAll(ctx, m.key("completions", userID))
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(h))
	for id, v := range h {
		out[id] = parseCount(v)
	}
	return out, nil
}

// onEvent advances the objectives of the user's active quests. One event may
// advance several objectives across several quests.
func (m *Module) onEvent(ctx context.Context, ev *events.Event) error {
	userID := ev.UserID()
	if userID == "" || !modules.ValidUserID(userID) {
		return nil
	}
	ids, err := m.mctx.Storage.SMembers(ctx, m.key("active", userID))
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	evalCtx := eventContext(ev)
	var firstErr error
	for _, questID := range ids {
		def, err := m.GetQuest(questID)
		if err != nil {
			continue
		}
		progressed := false
		for _, obj := range def.Objectives {
			if !wildcard.CachedMatch(obj.Event, ev.Name) {
				continue
			}
			if obj.Conditions != nil {
				ok, err := m.mctx.Rules.EvaluateCondition(obj.Conditions, evalCtx)
				if err != nil {
					log.WithError(err).WithFields(logrus.Fields{
						"questId":   questID,
						"objective": obj.ID,
					}).Warn("Objective condition failed to evaluate")
					continue
				}
				if !ok {
					continue
				}
			}
			n, err := m.mctx.Storage.HIncrBy(ctx, m.assignKey(userID, questID), "progress:"+obj.ID, 1)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			progressed = true
			progressTotal.Inc()
			m.emit(ctx, EventProgressed, map[string]interface{}{
				"userId":      userID,
				"questId":     questID,
				"objectiveId": obj.ID,
				"progress":    n,
				"target":      obj.Target,
			})
		}
		if progressed {
			if err := m.tryComplete(ctx, userID, def); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// tryComplete finishes the assignment when every objective has reached its
// target. The flip-token set add is the atomic winner election: concurrent
// callers see the same full progress, but only one seats the completion.
func (m *Module) tryComplete(ctx context.Context, userID string, def *Definition) error {
	asn, err := m.GetAssignment(ctx, userID, def.ID)
	if err != nil {
		return err
	}
	if asn == nil || asn.Status != StatusActive {
		return nil
	}
	now := time.Now()
	if asn.Deadline > 0 && now.UnixMilli() > asn.Deadline {
		return m.expire(ctx, userID, def.ID, asn)
	}
	for _, obj := range def.Objectives {
		if asn.Progress[obj.ID] < obj.Target {
			return nil
		}
	}
	token := def.ID + "@" + strconv.FormatInt(asn.StartedAt, 10)
	won, err := m.mctx.Storage.SAdd(ctx, m.key("flip", userID), token)
	if err != nil {
		return errors.Wrap(err, "quests: completion flip")
	}
	if won == 0 {
		return nil
	}
	aKey := m.assignKey(userID, def.ID)
	_, err = m.mctx.Storage.Transaction(ctx, []storage.Op{
		storage.HSetOp(aKey, "status", StatusCompleted),
		storage.HSetOp(aKey, "completed_at", strconv.FormatInt(now.UnixMilli(), 10)),
		storage.SRemOp(m.key("active", userID), def.ID),
		storage.HIncrByOp(m.key("completions", userID), def.ID, 1),
	})
	if err != nil {
		return errors.Wrap(err, "quests: complete")
	}
	completedTotal.Inc()
	if def.Rewards.Points > 0 {
		m.emit(ctx, "reward.points", map[string]interface{}{
			"userId": userID,
			"amount": def.Rewards.Points,
			"reason": "quest:" + def.ID,
		})
	}
	if def.Rewards.XP > 0 {
		m.emit(ctx, "reward.xp", map[string]interface{}{
			"userId": userID,
			"amount": def.Rewards.XP,
			"reason": "quest:" + def.ID,
		})
	}
	m.emit(ctx, EventCompleted, map[string]interface{}{
		"userId":   userID,
		"questId":  def.ID,
		"category": def.Category,
	})
	if def.ChainID != "" {
		if err := m.checkChain(ctx, userID, def.ChainID); err != nil {
			return err
		}
	}
	return nil
}

// checkChain emits the chain-completion event once every quest in the chain
// has been completed at least once.
func (m *Module) checkChain(ctx context.Context, userID, chainID string) error {
	m.mu.RLock()
	members := append([]string(nil), m.chains[chainID]...)
	m.mu.RUnlock()
	done, err := m.GetCompletions(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range members {
		if done[id] < 1 {
			return nil
		}
	}
	m.emit(ctx, EventChainCompleted, map[string]interface{}{
		"userId":  userID,
		"chainId": chainID,
		"quests":  members,
	})
	return nil
}

func (m *Module) expire(ctx context.Context, userID, questID string, asn *Assignment) error {
	_, err := m.mctx.Storage.Transaction(ctx, []storage.Op{
		storage.HSetOp(m.assignKey(userID, questID), "status", StatusExpired),
		storage.SRemOp(m.key("active", userID), questID),
	})
	if err != nil {
		return errors.Wrap(err, "quests: expire")
	}
	expiredTotal.Inc()
	m.emit(ctx, EventExpired, map[string]interface{}{
		"userId":   userID,
		"questId":  questID,
		"deadline": asn.Deadline,
	})
	return nil
}

// sweepPass expires assignments whose deadline has passed.
func (m *Module) sweepPass(ctx context.Context) {
	keys, err := m.mctx.Storage.Keys(ctx, m.key("assign", "*"))
	if err != nil {
		log.WithError(err).Error("Quest sweep could not list keys")
		return
	}
	now := time.Now().UnixMilli()
	for _, k := range keys {
		parts := strings.Split(k, ":")
		if len(parts) < 5 {
			continue
		}
		userID, questID := parts[len(parts)-2], parts[len(parts)-1]
		asn, err := m.GetAssignment(ctx, userID, questID)
		if err != nil {
			log.WithError(err).WithField("key", k).Warn("Quest sweep skipping assignment")
			continue
		}
		if asn == nil || asn.Status != StatusActive || asn.Deadline == 0 || now <= asn.Deadline {
			continue
		}
		if err := m.expire(ctx, userID, questID, asn); err != nil {
			log.WithError(err).WithField("key", k).Warn("Quest sweep could not expire assignment")
		}
	}
}

// eventContext shapes an event for rule evaluation, mirroring the badge
// module so quest and badge conditions read identically.
func eventContext(ev *events.Event) map[string]interface{} {
	return map[string]interface{}{
		"event": map[string]interface{}{
			"id":        ev.ID,
			"name":      ev.Name,
			"timestamp": ev.Timestamp,
		},
		"data":   ev.Data,
		"userId": ev.UserID(),
	}
}

// UserStats implements modules.Module.
func (m *Module) UserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	active, err := m.mctx.Storage.SMembers(ctx, m.key("active", userID))
	if err != nil {
		return nil, err
	}
	sort.Strings(active)
	done, err := m.GetCompletions(ctx, userID)
	if err != nil {
		return nil, err
	}
	var completed int64
	for _, n := range done {
		completed += n
	}
	return map[string]interface{}{
		"active":    active,
		"completed": completed,
	}, nil
}

// ResetUser implements modules.Module.
func (m *Module) ResetUser(ctx context.Context, userID string) error {
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	assigns, err := m.mctx.Storage.Keys(ctx, m.key("assign", userID, "*"))
	if err != nil {
		return err
	}
	daily, err := m.mctx.Storage.Keys(ctx, m.key("daily", userID, "*"))
	if err != nil {
		return err
	}
	keys := append(assigns, daily...)
	keys = append(keys,
		m.key("active", userID),
		m.key("completions", userID),
		m.key("flip", userID),
	)
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

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
