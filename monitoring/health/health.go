// Package health aggregates registered service statuses and dependency
// probes into the liveness and readiness signals served by the HTTP layer.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/async"
	"github.com/questline/questline/runtime"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "health")

// State summarises the engine for the top-level health endpoint.
type State string

const (
	// StateOK means every probe and service is healthy.
	StateOK State = "ok"
	// StateDegraded means the engine serves traffic but a soft signal fired,
	// for example a webhook queue running near capacity.
	StateDegraded State = "degraded"
	// StateDown means a probe or service failed; readiness is withdrawn.
	StateDown State = "down"
)

// Probe is a named dependency check run on every sweep. An error withdraws
// readiness until the next sweep clears it.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Signal is a named soft indicator. A true value degrades the reported state
// without withdrawing readiness.
type Signal struct {
	Name  string
	Check func() bool
}

// Config tunes the checker sweep.
type Config struct {
	// Interval between probe sweeps.
	Interval time.Duration
	// Timeout applied to each individual probe.
	Timeout time.Duration
}

// DefaultConfig returns the sweep defaults.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, Timeout: 5 * time.Second}
}

// Report is the detailed snapshot behind /health/detailed.
type Report struct {
	Status        State             `json:"status"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	CheckedAt     int64             `json:"checkedAt"`
	Probes        map[string]string `json:"probes"`
	Signals       map[string]bool   `json:"signals,omitempty"`
	Services      map[string]string `json:"services,omitempty"`
}

// Checker sweeps dependency probes on an interval and folds in the statuses
// of every registered runtime service. It implements runtime.Service so the
// sweep stops with the rest of the engine.
type Checker struct {
	cfg      Config
	registry *runtime.ServiceRegistry

	mu        sync.RWMutex
	probes    []Probe
	signals   []Signal
	results   map[string]error
	degraded  map[string]bool
	checkedAt time.Time

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	started     bool
	startedAt   time.Time
}

var _ runtime.Service = (*Checker)(nil)

// New constructs a checker. The registry may be nil when only probes matter,
// as in tests.
func New(cfg Config, registry *runtime.ServiceRegistry) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Checker{
		cfg:      cfg,
		registry: registry,
		results:  make(map[string]error),
		degraded: make(map[string]bool),
	}
}

// AddProbe registers a readiness-affecting dependency check.
func (c *Checker) AddProbe(name string, check func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, Probe{Name: name, Check: check})
}

// AddSignal registers a soft indicator that degrades the reported state.
func (c *Checker) AddSignal(name string, check func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, Signal{Name: name, Check: check})
}

// Start runs an immediate sweep and then sweeps on the configured interval.
func (c *Checker) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.startedAt = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.sweep()
	async.RunEvery(ctx, c.cfg.Interval, c.sweep)
	log.WithField("interval", c.cfg.Interval).Info("Health checker started")
}

// sweep runs every probe with its own timeout and refreshes the signals.
func (c *Checker) sweep() {
	c.mu.RLock()
	probes := make([]Probe, len(c.probes))
	copy(probes, c.probes)
	signals := make([]Signal, len(c.signals))
	copy(signals, c.signals)
	c.mu.RUnlock()

	results := make(map[string]error, len(probes))
	for _, p := range probes {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		err := p.Check(ctx)
		cancel()
		results[p.Name] = err
		if err != nil {
			log.WithError(err).WithField("probe", p.Name).Warn("Health probe failed")
		}
	}
	degraded := make(map[string]bool, len(signals))
	for _, s := range signals {
		degraded[s.Name] = s.Check()
	}

	c.mu.Lock()
	c.results = results
	c.degraded = degraded
	c.checkedAt = time.Now()
	c.mu.Unlock()
	probeFailuresGauge.Set(float64(countErrors(results)))
}

func countErrors(m map[string]error) int {
	n := 0
	for _, err := range m {
		if err != nil {
			n++
		}
	}
	return n
}

// Live reports process liveness: nil once the checker is running.
func (c *Checker) Live() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.started {
		return errors.New("health: checker not running")
	}
	return nil
}

// Ready reports whether the engine can serve traffic. The first failing
// probe or service withdraws readiness.
func (c *Checker) Ready() error {
	if err := c.Live(); err != nil {
		return err
	}
	c.mu.RLock()
	for name, err := range c.results {
		if err != nil {
			c.mu.RUnlock()
			return errors.Wrapf(err, "health: probe %s", name)
		}
	}
	c.mu.RUnlock()

	if c.registry != nil {
		for kind, err := range c.registry.Statuses() {
			if err != nil {
				return errors.Wrapf(err, "health: service %v", kind)
			}
		}
	}
	return nil
}

// Snapshot assembles the detailed report.
func (c *Checker) Snapshot() Report {
	c.mu.RLock()
	probes := make(map[string]string, len(c.results))
	state := StateOK
	for name, err := range c.results {
		if err != nil {
			probes[name] = err.Error()
			state = StateDown
			continue
		}
		probes[name] = "ok"
	}
	signals := make(map[string]bool, len(c.degraded))
	for name, fired := range c.degraded {
		signals[name] = fired
		if fired && state == StateOK {
			state = StateDegraded
		}
	}
	checkedAt := c.checkedAt
	c.mu.RUnlock()

	var services map[string]string
	if c.registry != nil {
		statuses := c.registry.Statuses()
		services = make(map[string]string, len(statuses))
		for kind, err := range statuses {
			if err != nil {
				services[kind.String()] = err.Error()
				state = StateDown
				continue
			}
			services[kind.String()] = "ok"
		}
	}

	c.lifecycleMu.Lock()
	startedAt := c.startedAt
	started := c.started
	c.lifecycleMu.Unlock()
	var uptime int64
	if started {
		uptime = int64(time.Since(startedAt).Seconds())
	} else if state == StateOK {
		state = StateDown
	}

	return Report{
		Status:        state,
		UptimeSeconds: uptime,
		CheckedAt:     checkedAt.UnixMilli(),
		Probes:        probes,
		Signals:       signals,
		Services:      services,
	}
}

// Stop cancels the sweep loop.
func (c *Checker) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Status implements runtime.Service.
func (c *Checker) Status() error {
	return c.Live()
}
