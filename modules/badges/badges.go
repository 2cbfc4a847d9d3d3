// Package badges implements the badge module. Definitions live in an
// in-memory catalog; user state (awarded set, award metadata, progress
// counters) lives in storage. Badges are earned either by event triggers
// whose conditions pass the rule engine, or by progress counters reaching
// their targets. An award happens at most once per (user, badge): the
// per-user set add is the atomic check-and-set, so concurrent paths collapse
// to a single award.
package badges

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/encoding/wildcard"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/rules"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "badges")

const moduleName = "badges"

// EventAwarded is emitted once per (user, badge) on award.
const EventAwarded = "badge.awarded"

var (
	// ErrInvalidDefinition is returned by RegisterBadge for unusable
	// definitions.
	ErrInvalidDefinition = errors.New("badges: invalid badge definition")
	// ErrDuplicateBadge is returned when a badge id is registered twice.
	ErrDuplicateBadge = errors.New("badges: badge already registered")
	// ErrUnknownBadge is returned for operations on unregistered ids.
	ErrUnknownBadge = errors.New("badges: unknown badge")
	// ErrUnknownProgressField is returned by AddProgress for fields the
	// definition does not track.
	ErrUnknownProgressField = errors.New("badges: unknown progress field")
)

// Trigger awards the badge when an event with a matching name passes the
// conditions. Event may be an exact name or a glob pattern; a nil condition
// always passes.
type Trigger struct {
	Event      string           `json:"event"`
	Conditions *rules.Condition `json:"conditions,omitempty"`
}

// Rewards are issued as bus events when the badge is awarded, so the owning
// modules credit them without a direct call.
type Rewards struct {
	Points int64 `json:"points,omitempty"`
	XP     int64 `json:"xp,omitempty"`
}

// Definition is a catalog entry.
type Definition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Category    string           `json:"category,omitempty"`
	Rarity      string           `json:"rarity,omitempty"`
	Secret      bool             `json:"secret,omitempty"`
	Enabled     bool             `json:"enabled"`
	Triggers    []Trigger        `json:"triggers,omitempty"`
	Progress    map[string]int64 `json:"progress,omitempty"`
	Rewards     Rewards          `json:"rewards,omitempty"`
}

// UserBadge is one earned badge.
type UserBadge struct {
	BadgeID   string                 `json:"badgeId"`
	AwardedAt int64                  `json:"awardedAt"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// awardRecord is the stored value in the awarded hash.
type awardRecord struct {
	AwardedAt int64                  `json:"awardedAt"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type indexedTrigger struct {
	badgeID string
	cond    *rules.Condition
}

// Module implements modules.Module for badges.
type Module struct {
	mctx *modules.Context
	sub  *events.Subscription

	mu       sync.RWMutex
	catalog  map[string]*Definition
	byEvent  map[string][]indexedTrigger
	patterns []struct {
		pattern string
		trig    indexedTrigger
	}
}

var _ modules.Module = (*Module)(nil)

// New constructs an empty catalog. Definitions may be registered before or
// after Init.
func New() *Module {
	return &Module{
		catalog: make(map[string]*Definition),
		byEvent: make(map[string][]indexedTrigger),
	}
}

// Name implements modules.Module.
func (m *Module) Name() string { return moduleName }

// Init attaches the wildcard subscriber that drives triggered awards.
func (m *Module) Init(_ context.Context, mctx *modules.Context) error {
	m.mctx = mctx
	sub, err := mctx.Bus.OnWildcard("*", m.onEvent)
	if err != nil {
		return errors.Wrap(err, "badges: subscribe")
	}
	m.sub = sub
	return nil
}

// Shutdown detaches the event subscriber.
func (m *Module) Shutdown(_ context.Context) error {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	return nil
}

// RegisterBadge adds a definition to the catalog. Triggers are indexed by
// event name so dispatch does not scan the whole catalog.
func (m *Module) RegisterBadge(def Definition) error {
	if def.ID == "" || strings.ContainsAny(def.ID, ": \t\n") {
		return errors.Wrapf(ErrInvalidDefinition, "bad id %q", def.ID)
	}
	for f, target := range def.Progress {
		if f == "" || target <= 0 {
			return errors.Wrapf(ErrInvalidDefinition, "progress field %q needs a positive target", f)
		}
	}
	for _, trig := range def.Triggers {
		if trig.Event == "" {
			return errors.Wrap(ErrInvalidDefinition, "trigger without event name")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.catalog[def.ID]; ok {
		return errors.Wrap(ErrDuplicateBadge, def.ID)
	}
	cp := def
	m.catalog[def.ID] = &cp
	for _, trig := range def.Triggers {
		it := indexedTrigger{badgeID: def.ID, cond: trig.Conditions}
		if wildcard.IsLiteral(trig.Event) {
			m.byEvent[trig.Event] = append(m.byEvent[trig.Event], it)
		} else {
			m.patterns = append(m.patterns, struct {
				pattern string
				trig    indexedTrigger
			}{trig.Event, it})
		}
	}
	return nil
}

// GetBadge returns the definition for id.
func (m *Module) GetBadge(id string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.catalog[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownBadge, id)
	}
	cp := *def
	return &cp, nil
}

// Definitions returns the catalog sorted by id.
func (m *Module) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.catalog))
	for _, def := range m.catalog {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetEnabled flips a definition's enabled flag. Disabled badges never fire
// from triggers or progress; direct Award still works so operators can grant
// retired badges by hand.
func (m *Module) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.catalog[id]
	if !ok {
		return errors.Wrap(ErrUnknownBadge, id)
	}
	def.Enabled = enabled
	return nil
}

func (m *Module) key(parts ...string) string {
	return m.mctx.Key(append([]string{moduleName}, parts...)...)
}

// Award grants the badge to the user once. The first caller wins the set add
// and emits the events; every later call is a no-op returning false.
func (m *Module) Award(ctx context.Context, userID, badgeID string, metadata map[string]interface{}) (bool, error) {
	defer modules.TimeOp(moduleName, "award")()
	if err := modules.CheckUserID(userID); err != nil {
		return false, err
	}
	def, err := m.GetBadge(badgeID)
	if err != nil {
		return false, err
	}
	added, err := m.mctx.Storage.SAdd(ctx, m.key("user", userID), badgeID)
	if err != nil {
		return false, errors.Wrap(err, "badges: award")
	}
	if added == 0 {
		return false, nil
	}
	rec := awardRecord{AwardedAt: time.Now().UnixMilli(), Metadata: metadata}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "badges: encode award")
	}
	if err := m.mctx.Storage.HSet(ctx, m.key("awarded", userID), badgeID, string(raw)); err != nil {
		return false, errors.Wrap(err, "badges: record award")
	}
	awardedTotal.Inc()
	m.emit(ctx, EventAwarded, map[string]interface{}{
		"userId":   userID,
		"badgeId":  badgeID,
		"name":     def.Name,
		"category": def.Category,
		"rarity":   def.Rarity,
		"metadata": metadata,
	})
	if def.Rewards.Points > 0 {
		m.emit(ctx, "reward.points", map[string]interface{}{
			"userId": userID,
			"amount": def.Rewards.Points,
			"reason": "badge:" + badgeID,
		})
	}
	if def.Rewards.XP > 0 {
		m.emit(ctx, "reward.xp", map[string]interface{}{
			"userId": userID,
			"amount": def.Rewards.XP,
			"reason": "badge:" + badgeID,
		})
	}
	return true, nil
}

// Revoke removes an earned badge and its progress. It does not touch rewards
// already issued.
func (m *Module) Revoke(ctx context.Context, userID, badgeID string) (bool, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return false, err
	}
	removed, err := m.mctx.Storage.SRem(ctx, m.key("user", userID), badgeID)
	if err != nil {
		return false, errors.Wrap(err, "badges: revoke")
	}
	if removed == 0 {
		return false, nil
	}
	if _, err := m.mctx.Storage.HDel(ctx, m.key("awarded", userID), badgeID); err != nil {
		return false, errors.Wrap(err, "badges: revoke record")
	}
	if _, err := m.mctx.Storage.Delete(ctx, m.key("progress", userID, badgeID)); err != nil {
		return false, errors.Wrap(err, "badges: revoke progress")
	}
	return true, nil
}

// HasBadge reports whether the user already earned the badge.
func (m *Module) HasBadge(ctx context.Context, userID, badgeID string) (bool, error) {
	return m.mctx.Storage.SIsMember(ctx, m.key("user", userID), badgeID)
}

// GetUserBadges returns earned badges sorted by award time, oldest first.
func (m *Module) GetUserBadges(ctx context.Context, userID string) ([]UserBadge, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	h, err := m.mctx.Storage.HGetAll(ctx, m.key("awarded", userID))
	if err != nil {
		return nil, err
	}
	out := make([]UserBadge, 0, len(h))
	for id, raw := range h {
		var rec awardRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.WithError(err).WithField("badgeId", id).Warn("Skipping corrupt award record")
			continue
		}
		out = append(out, UserBadge{BadgeID: id, AwardedAt: rec.AwardedAt, Metadata: rec.Metadata})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AwardedAt != out[j].AwardedAt {
			return out[i].AwardedAt < out[j].AwardedAt
		}
		return out[i].BadgeID < out[j].BadgeID
	})
	return out, nil
}

// AddProgress advances one progress counter and awards the badge when every
// tracked field has reached its target.
func (m *Module) AddProgress(ctx context.Context, userID, badgeID, field string, delta int64) (bool, map[string]int64, error) {
	defer modules.TimeOp(moduleName, "add_progress")()
	if err := modules.CheckUserID(userID); err != nil {
		return false, nil, err
	}
	def, err := m.GetBadge(badgeID)
	if err != nil {
		return false, nil, err
	}
	if _, ok := def.Progress[field]; !ok {
		return false, nil, errors.Wrapf(ErrUnknownProgressField, "%s on badge %s", field, badgeID)
	}
	if !def.Enabled {
		return false, nil, nil
	}
	progKey := m.key("progress", userID, badgeID)
	if _, err := m.mctx.Storage.HIncrBy(ctx, progKey, field, delta); err != nil {
		return false, nil, errors.Wrap(err, "badges: progress")
	}
	counts, err := m.progressOf(ctx, progKey)
	if err != nil {
		return false, nil, err
	}
	for f, t := range def.Progress {
		if counts[f] < t {
			return false, counts, nil
		}
	}
	awarded, err := m.Award(ctx, userID, badgeID, map[string]interface{}{"source": "progress"})
	if err != nil {
		return false, counts, err
	}
	return awarded, counts, nil
}

// GetProgress returns the user's progress counters for the badge.
func (m *Module) GetProgress(ctx context.Context, userID, badgeID string) (map[string]int64, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if _, err := m.GetBadge(badgeID); err != nil {
		return nil, err
	}
	return m.progressOf(ctx, m.key("progress", userID, badgeID))
}

func (m *Module) progressOf(ctx context.Context, key string) (map[string]int64, error) {
	h, err := m.mctx.Storage.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(h))
	for f, v := range h {
		counts[f] = parseCount(v)
	}
	return counts, nil
}

// Completion returns awarded non-secret badges over the non-secret catalog
// size, or 0 for an empty catalog.
func (m *Module) Completion(ctx context.Context, userID string) (float64, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return 0, err
	}
	earned, err := m.mctx.Storage.SMembers(ctx, m.key("user", userID))
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total, awarded int
	for id, def := range m.catalog {
		if def.Secret {
			continue
		}
		total++
		for _, e := range earned {
			if e == id {
				awarded++
				break
			}
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(awarded) / float64(total), nil
}

// onEvent drives triggered awards. Candidates come from the exact-name index
// plus any glob triggers matching the event name.
func (m *Module) onEvent(ctx context.Context, ev *events.Event) error {
	userID := ev.UserID()
	if userID == "" {
		return nil
	}
	m.mu.RLock()
	candidates := append([]indexedTrigger(nil), m.byEvent[ev.Name]...)
	for _, p := range m.patterns {
		if wildcard.CachedMatch(p.pattern, ev.Name) {
			candidates = append(candidates, p.trig)
		}
	}
	m.mu.RUnlock()
	if len(candidates) == 0 {
		return nil
	}
	evalCtx := eventContext(ev)
	var firstErr error
	for _, cand := range candidates {
		def, err := m.GetBadge(cand.badgeID)
		if err != nil || !def.Enabled {
			continue
		}
		has, err := m.HasBadge(ctx, userID, cand.badgeID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if has {
			continue
		}
		if cand.cond != nil {
			ok, err := m.mctx.Rules.EvaluateCondition(cand.cond, evalCtx)
			if err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"badgeId": cand.badgeID,
					"event":   ev.Name,
				}).Warn("Trigger condition failed to evaluate")
				continue
			}
			if !ok {
				continue
			}
		}
		triggerMatchesTotal.Inc()
		if _, err := m.Award(ctx, userID, cand.badgeID, map[string]interface{}{
			"source":  "trigger",
			"eventId": ev.ID,
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// eventContext shapes an event for rule evaluation: conditions address the
// payload under "data" and the envelope under "event".
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
	earned, err := m.mctx.Storage.SMembers(ctx, m.key("user", userID))
	if err != nil {
		return nil, err
	}
	completion, err := m.Completion(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Strings(earned)
	return map[string]interface{}{
		"count":      len(earned),
		"badges":     earned,
		"completion": completion,
	}, nil
}

// ResetUser implements modules.Module.
func (m *Module) ResetUser(ctx context.Context, userID string) error {
	if err := modules.CheckUserID(userID); err != nil {
		return err
	}
	progress, err := m.mctx.Storage.Keys(ctx, m.key("progress", userID, "*"))
	if err != nil {
		return err
	}
	for _, k := range append(progress, m.key("user", userID), m.key("awarded", userID)) {
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
