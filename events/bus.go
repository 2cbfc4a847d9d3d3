package events

import (
	"context"
	"regexp"
	"sync"

	"github.com/pkg/errors"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/encoding/wildcard"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "events")

// ErrDestroyed is returned by Emit after Destroy has torn the bus down.
var ErrDestroyed = errors.New("events: bus destroyed")

// Handler consumes one event. Returned errors are collected by Emit and
// reported to the emitter without interrupting other handlers; panics are
// recovered and converted to errors.
type Handler func(ctx context.Context, ev *Event) error

// Subscription identifies one registered handler. Unsubscribe detaches it;
// unsubscribing twice is a no-op.
type Subscription struct {
	id      uint64
	pattern string
	wild    bool
	re      *regexp.Regexp
	handler Handler
	bus     *Bus
}

// Pattern returns the event name or glob this subscription listens on.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Unsubscribe detaches the handler from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.Off(s)
}

// EmitResult reports the outcome of one emission.
type EmitResult struct {
	// EventID is the id assigned to the emitted event.
	EventID string
	// ListenerCount is how many handlers were invoked.
	ListenerCount int
	// Errors collects every handler error and recovered panic, in no
	// particular order.
	Errors []error
}

// Bus is the process-wide fan-out dispatcher. Handlers for a single emission
// run concurrently with respect to each other; Emit returns after all of
// them settle. Cross-emission ordering is not guaranteed.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	exact       map[string]map[uint64]*Subscription
	wildcards   map[uint64]*Subscription
	history     map[string]*ring
	historySize int
	destroyed   bool
}

// NewBus constructs a bus. Per-name history retention is taken from the
// engine config; a non-positive size disables history entirely.
func NewBus() *Bus {
	size := params.Config().EventHistorySize
	b := &Bus{
		exact:       make(map[string]map[uint64]*Subscription),
		wildcards:   make(map[uint64]*Subscription),
		historySize: size,
	}
	if size > 0 {
		b.history = make(map[string]*ring)
	}
	return b
}

// On subscribes handler to events with exactly the given name.
func (b *Bus) On(name string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, pattern: name, handler: handler, bus: b}
	subs, ok := b.exact[name]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.exact[name] = subs
	}
	subs[sub.id] = sub
	subscriptionsGauge.Inc()
	return sub
}

// OnWildcard subscribes handler to every event whose name matches the glob
// pattern, where `*` matches any run of characters and `?` exactly one. A
// lone `*` matches every event.
func (b *Bus) OnWildcard(pattern string, handler Handler) (*Subscription, error) {
	re, err := wildcard.Cached(pattern)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, pattern: pattern, wild: true, re: re, handler: handler, bus: b}
	b.wildcards[sub.id] = sub
	subscriptionsGauge.Inc()
	return sub, nil
}

// Off detaches a subscription. Unknown or already-detached subscriptions are
// ignored.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.wild {
		if _, ok := b.wildcards[sub.id]; ok {
			delete(b.wildcards, sub.id)
			subscriptionsGauge.Dec()
		}
		return
	}
	if subs, ok := b.exact[sub.pattern]; ok {
		if _, ok := subs[sub.id]; ok {
			delete(subs, sub.id)
			subscriptionsGauge.Dec()
		}
		if len(subs) == 0 {
			delete(b.exact, sub.pattern)
		}
	}
}

// Emit publishes an event to every exact and wildcard subscriber whose
// pattern matches name. Each handler runs in its own goroutine behind a
// recover; Emit returns once all of them settle, with every handler error
// collected in the result.
func (b *Bus) Emit(ctx context.Context, name string, data map[string]interface{}) (*EmitResult, error) {
	if !ValidName(name) {
		return nil, errors.Wrapf(ErrInvalidName, "%q", name)
	}

	ev := newEvent(name, data)

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, ErrDestroyed
	}
	if b.history != nil {
		r, ok := b.history[name]
		if !ok {
			r = newRing(b.historySize)
			b.history[name] = r
		}
		r.append(ev)
	}
	var targets []*Subscription
	for _, sub := range b.exact[name] {
		targets = append(targets, sub)
	}
	for _, sub := range b.wildcards {
		if sub.re.MatchString(name) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	emittedTotal.WithLabelValues(name).Inc()

	result := &EmitResult{EventID: ev.ID, ListenerCount: len(targets)}
	if len(targets) == 0 {
		return result, nil
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
	)
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := b.invoke(ctx, sub, ev); err != nil {
				handlerErrorsTotal.Inc()
				log.WithError(err).WithFields(logrus.Fields{
					"event":   ev.Name,
					"eventId": ev.ID,
					"pattern": sub.pattern,
				}).Error("Event handler failed")
				errMu.Lock()
				result.Errors = append(result.Errors, err)
				errMu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return result, nil
}

// invoke runs one handler, converting panics into errors so that a broken
// subscriber never takes down its siblings or the emitter.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler for %q panicked: %v", sub.pattern, r)
		}
	}()
	return sub.handler(ctx, ev)
}

// GetHistory returns up to limit of the most recent events emitted under
// name, oldest first. A non-positive limit returns everything retained.
func (b *Bus) GetHistory(name string, limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.history == nil {
		return nil
	}
	r, ok := b.history[name]
	if !ok {
		return nil
	}
	return r.snapshot(limit)
}

// ClearHistory drops the retained events for one name.
func (b *Bus) ClearHistory(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.history != nil {
		delete(b.history, name)
	}
}

// ClearAllHistory drops every retained event.
func (b *Bus) ClearAllHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.history != nil {
		b.history = make(map[string]*ring)
	}
}

// ListenerCount reports how many subscriptions would receive an event with
// the given name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.exact[name])
	for _, sub := range b.wildcards {
		if sub.re.MatchString(name) {
			count++
		}
	}
	return count
}

// Alive reports whether the bus can still dispatch.
func (b *Bus) Alive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.destroyed
}

// Destroy tears down all subscriptions and history. Emit fails afterwards.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	for name, subs := range b.exact {
		subscriptionsGauge.Sub(float64(len(subs)))
		delete(b.exact, name)
	}
	subscriptionsGauge.Sub(float64(len(b.wildcards)))
	b.wildcards = make(map[uint64]*Subscription)
	if b.history != nil {
		b.history = make(map[string]*ring)
	}
	b.destroyed = true
}
