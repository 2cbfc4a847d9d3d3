// Package modules defines the contract every gamification module implements
// and the registry that drives module lifecycle. Modules receive their
// dependencies through a Context at Init time and never import one another;
// cross-module effects (badge rewards granting points, quests granting XP)
// travel as bus events so the dependency graph stays a star around the bus.
package modules

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/events"
	"github.com/questline/questline/rules"
	"github.com/questline/questline/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "modules")

// Module is one self-contained gamification capability. Implementations own
// a storage key namespace exclusively and communicate with their siblings
// only through bus events.
type Module interface {
	// Name returns the module's unique registry name, also used as its
	// storage namespace segment.
	Name() string
	// Init wires the module to the engine and starts any background loops.
	Init(ctx context.Context, mctx *Context) error
	// UserStats returns the module's public view of one user.
	UserStats(ctx context.Context, userID string) (map[string]interface{}, error)
	// ResetUser removes every trace of the user from the module's namespace.
	ResetUser(ctx context.Context, userID string) error
	// Shutdown detaches subscriptions and stops background loops.
	Shutdown(ctx context.Context) error
}

// Route is one HTTP endpoint a module contributes to the API surface. Paths
// are relative to the API mount and use gorilla/mux syntax.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// RouteProvider is implemented by modules that expose HTTP endpoints beyond
// the core surface.
type RouteProvider interface {
	Routes() []Route
}

// Context carries the shared engine services handed to every module.
type Context struct {
	Storage storage.Store
	Bus     *events.Bus
	Rules   *rules.Engine
}

// Key builds a storage key under the engine namespace: Key("points", "user",
// id) → "<namespace>:points:user:<id>".
func (c *Context) Key(parts ...string) string {
	return params.Config().Namespace + ":" + strings.Join(parts, ":")
}

// ErrDuplicateModule is returned by Register when a module with the same
// name is already registered.
var ErrDuplicateModule = errors.New("modules: duplicate module name")

// ErrUnknownModule is returned by lookups for names never registered.
var ErrUnknownModule = errors.New("modules: unknown module")

// Registry tracks modules in registration order. Init runs in that order and
// Shutdown in reverse, so later modules may assume their predecessors are
// alive for the whole window between.
type Registry struct {
	mu     sync.RWMutex
	order  []Module
	byName map[string]Module
	inited bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Module)}
}

// Register adds a module. Registration after InitAll is an error.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inited {
		return errors.Errorf("modules: cannot register %q after init", m.Name())
	}
	if _, ok := r.byName[m.Name()]; ok {
		return errors.Wrap(ErrDuplicateModule, m.Name())
	}
	r.byName[m.Name()] = m
	r.order = append(r.order, m)
	return nil
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownModule, name)
	}
	return m, nil
}

// All returns the modules in registration order.
func (r *Registry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, len(r.order))
	copy(out, r.order)
	return out
}

// InitAll initialises every module in registration order, failing fast on
// the first error.
func (r *Registry) InitAll(ctx context.Context, mctx *Context) error {
	r.mu.Lock()
	mods := make([]Module, len(r.order))
	copy(mods, r.order)
	r.inited = true
	r.mu.Unlock()

	for _, m := range mods {
		if err := m.Init(ctx, mctx); err != nil {
			return errors.Wrapf(err, "init module %q", m.Name())
		}
		log.WithField("module", m.Name()).Debug("Module initialised")
	}
	return nil
}

// ShutdownAll stops every module in reverse registration order. All modules
// are attempted; the first error is returned.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	mods := r.All()
	var firstErr error
	for i := len(mods) - 1; i >= 0; i-- {
		if err := mods[i].Shutdown(ctx); err != nil {
			log.WithError(err).WithField("module", mods[i].Name()).Error("Module shutdown failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// UserStats aggregates every module's view of one user, keyed by module
// name. A failing module contributes an error entry rather than failing the
// whole aggregation.
func (r *Registry) UserStats(ctx context.Context, userID string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, m := range r.All() {
		stats, err := m.UserStats(ctx, userID)
		if err != nil {
			log.WithError(err).WithField("module", m.Name()).Warn("Could not collect user stats")
			out[m.Name()] = map[string]interface{}{"error": err.Error()}
			continue
		}
		out[m.Name()] = stats
	}
	return out
}

// ResetUser wipes the user from every module, in registration order. All
// modules are attempted; the first error is returned.
func (r *Registry) ResetUser(ctx context.Context, userID string) error {
	var firstErr error
	for _, m := range r.All() {
		if err := m.ResetUser(ctx, userID); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"module": m.Name(),
				"user":   userID,
			}).Error("User reset failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// MaxUserIDLength bounds user identifiers across the whole engine.
const MaxUserIDLength = 128

// ErrInvalidUserID is returned for empty, oversized, or non-printable user
// identifiers.
var ErrInvalidUserID = errors.New("modules: invalid user id")

// ValidUserID reports whether id is non-empty, at most MaxUserIDLength
// bytes, and entirely printable non-space characters. The storage key
// separator ':' and the glob metacharacters '*' and '?' are rejected so an
// identifier can never widen a key pattern or alias another user's keys.
func ValidUserID(id string) bool {
	if id == "" || len(id) > MaxUserIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		switch {
		case id[i] <= 0x20 || id[i] == 0x7f:
			return false
		case id[i] == ':' || id[i] == '*' || id[i] == '?':
			return false
		}
	}
	return true
}

// CheckUserID returns ErrInvalidUserID (wrapped with the offending id) for
// identifiers ValidUserID rejects.
func CheckUserID(id string) error {
	if !ValidUserID(id) {
		return errors.Wrapf(ErrInvalidUserID, "%q", id)
	}
	return nil
}
