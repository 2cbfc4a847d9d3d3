// Package webhooks delivers engine events to registered HTTP endpoints.
// Every emitted event is matched against each registration's glob patterns;
// matches enter a bounded queue drained by a worker pool. Failed deliveries
// retry with capped exponential backoff until the attempt budget runs out,
// at which point the delivery is declared dead and announced on the bus.
package webhooks

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/crypto/secrets"
	"github.com/questline/questline/encoding/wildcard"
	"github.com/questline/questline/events"
	"github.com/questline/questline/runtime"
	"github.com/questline/questline/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "webhooks")

// EventDead is emitted on the bus when a delivery exhausts its retries.
// Deliveries are never created for this event itself, so a catch-all webhook
// cannot feed back into its own failures.
const EventDead = "webhook.dead"

var (
	// ErrInvalidWebhook is returned by Register for bad URLs or patterns.
	ErrInvalidWebhook = errors.New("webhooks: invalid webhook")
	// ErrUnknownWebhook is returned for ids never registered.
	ErrUnknownWebhook = errors.New("webhooks: unknown webhook")
	// ErrNotStarted is reported while the dispatcher is not running.
	ErrNotStarted = errors.New("webhooks: dispatcher not started")
)

// Webhook is one outbound subscription.
type Webhook struct {
	ID string `json:"id"`
	// URL receives HTTP POSTs with the event JSON.
	URL string `json:"url"`
	// EventPatterns are globs over event names; `*` and `?` are the only
	// metacharacters, so "user.points" never matches "user_points".
	EventPatterns []string `json:"eventPatterns"`
	// Headers are added to every delivery.
	Headers map[string]string `json:"headers,omitempty"`
	// Secret keys the HMAC signature. Empty falls back to the engine
	// signing secret when one is configured.
	Secret  string `json:"secret,omitempty"`
	Enabled bool   `json:"enabled"`
	// CreatedAt is milliseconds since the Unix epoch.
	CreatedAt int64 `json:"createdAt"`
}

// storedWebhook is the at-rest form of a registration. A per-hook secret
// never hits storage in the clear; it travels sealed under the engine key
// when a signer is configured.
type storedWebhook struct {
	Webhook
	SealedSecret string `json:"sealedSecret,omitempty"`
}

// registered pairs a webhook with its compiled patterns.
type registered struct {
	hook     *Webhook
	patterns []*regexp.Regexp
}

func (r *registered) matches(name string) bool {
	for _, re := range r.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Delivery is one queued attempt to POST an event to one webhook.
type Delivery struct {
	ID        string
	WebhookID string
	Event     *events.Event
	Attempt   int
}

// Config tunes the dispatcher. DefaultConfig pulls the engine-wide knobs
// from params.
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries bounds re-delivery attempts after the first failure.
	MaxRetries int
	// RetryBase is the first backoff; attempt n waits base×2ⁿ, jittered,
	// capped at RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// Timeout bounds one HTTP exchange.
	Timeout time.Duration
	// SignatureHeader carries the hex HMAC-SHA256 of the body.
	SignatureHeader string
	// DefaultSecret signs webhooks registered without their own secret.
	// Empty falls back to the engine signing key.
	DefaultSecret string
}

// DefaultConfig returns the dispatcher defaults from the engine config.
func DefaultConfig() Config {
	cfg := params.Config()
	return Config{
		Workers:         cfg.WebhookWorkers,
		QueueSize:       cfg.WebhookQueueSize,
		MaxRetries:      cfg.WebhookMaxRetries,
		RetryBase:       cfg.WebhookRetryBase(),
		RetryMax:        5 * time.Minute,
		Timeout:         cfg.WebhookTimeout(),
		SignatureHeader: cfg.WebhookSignatureHeader,
	}
}

// Dispatcher fans engine events out to webhooks. It implements
// runtime.Service; deliveries only flow between Start and Stop.
type Dispatcher struct {
	cfg    Config
	bus    *events.Bus
	st     storage.Store
	signer *secrets.Store
	client *http.Client

	mu       sync.Mutex
	hooks    map[string]*registered
	queue    []*Delivery
	inflight int
	timers   map[string]*time.Timer
	sub      *events.Subscription
	started  bool
	draining bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ runtime.Service = (*Dispatcher)(nil)

// New constructs a dispatcher. The storage store persists registrations
// across restarts and may be nil for a purely in-memory dispatcher; the
// signer may be nil when no engine-level secret is configured.
func New(bus *events.Bus, st storage.Store, signer *secrets.Store, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature"
	}
	return &Dispatcher{
		cfg:    cfg,
		bus:    bus,
		st:     st,
		signer: signer,
		client: &http.Client{Timeout: cfg.Timeout},
		hooks:  make(map[string]*registered),
		timers: make(map[string]*time.Timer),
		wake:   make(chan struct{}, 1),
	}
}

func registryKey() string {
	return params.Config().Namespace + ":webhooks:registry"
}

// compile validates the webhook and compiles its patterns.
func compile(hook *Webhook) (*registered, error) {
	if hook.URL == "" {
		return nil, errors.Wrap(ErrInvalidWebhook, "empty url")
	}
	u, err := url.Parse(hook.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Wrapf(ErrInvalidWebhook, "url %q", hook.URL)
	}
	if len(hook.EventPatterns) == 0 {
		return nil, errors.Wrap(ErrInvalidWebhook, "no event patterns")
	}
	res := make([]*regexp.Regexp, 0, len(hook.EventPatterns))
	for _, p := range hook.EventPatterns {
		re, err := wildcard.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidWebhook, "pattern %q", p)
		}
		res = append(res, re)
	}
	return &registered{hook: hook, patterns: res}, nil
}

// Register adds or replaces a webhook and persists it when a store is
// configured. A missing ID is assigned.
func (d *Dispatcher) Register(ctx context.Context, hook *Webhook) error {
	if hook.ID == "" {
		hook.ID = uuid.NewString()
	}
	if hook.CreatedAt == 0 {
		hook.CreatedAt = time.Now().UnixMilli()
	}
	reg, err := compile(hook)
	if err != nil {
		return err
	}
	if d.st != nil {
		blob, err := d.persistBlob(hook)
		if err != nil {
			return err
		}
		if err := d.st.HSet(ctx, registryKey(), hook.ID, string(blob)); err != nil {
			return errors.Wrap(err, "webhooks: persist webhook")
		}
	}
	d.mu.Lock()
	d.hooks[hook.ID] = reg
	d.mu.Unlock()
	log.WithFields(logrus.Fields{
		"id":       hook.ID,
		"url":      hook.URL,
		"patterns": hook.EventPatterns,
	}).Info("Registered webhook")
	return nil
}

// Unregister removes a webhook. Pending deliveries for it are dropped at
// delivery time.
func (d *Dispatcher) Unregister(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	_, ok := d.hooks[id]
	delete(d.hooks, id)
	d.mu.Unlock()
	if d.st != nil {
		if _, err := d.st.HDel(ctx, registryKey(), id); err != nil {
			return ok, errors.Wrap(err, "webhooks: remove persisted webhook")
		}
	}
	return ok, nil
}

// Get returns the webhook registered under id.
func (d *Dispatcher) Get(id string) (*Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.hooks[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownWebhook, id)
	}
	return reg.hook, nil
}

// List returns every registration.
func (d *Dispatcher) List() []*Webhook {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Webhook, 0, len(d.hooks))
	for _, reg := range d.hooks {
		out = append(out, reg.hook)
	}
	return out
}

// persistBlob renders the webhook for storage, sealing its secret when an
// engine key is available.
func (d *Dispatcher) persistBlob(hook *Webhook) ([]byte, error) {
	stored := storedWebhook{Webhook: *hook}
	if hook.Secret != "" && d.signer != nil {
		sealed, err := d.signer.SealValue([]byte(hook.Secret))
		if err != nil {
			return nil, errors.Wrap(err, "webhooks: seal secret")
		}
		stored.Secret = ""
		stored.SealedSecret = hex.EncodeToString(sealed)
	}
	blob, err := json.Marshal(&stored)
	if err != nil {
		return nil, errors.Wrap(err, "webhooks: marshal webhook")
	}
	return blob, nil
}

// restoreHook parses a persisted registration. A secret sealed under a
// rotated key keeps the registration but loses the per-hook secret, so
// deliveries fall back to the engine signing key.
func (d *Dispatcher) restoreHook(blob string) (*Webhook, error) {
	var stored storedWebhook
	if err := json.Unmarshal([]byte(blob), &stored); err != nil {
		return nil, err
	}
	hook := stored.Webhook
	if stored.SealedSecret != "" {
		if d.signer == nil {
			return nil, errors.New("sealed secret without a signing key")
		}
		sealed, err := hex.DecodeString(stored.SealedSecret)
		if err != nil {
			return nil, errors.Wrap(err, "decode sealed secret")
		}
		plain, err := d.signer.OpenValue(sealed)
		if err != nil {
			log.WithError(err).WithField("id", hook.ID).Warn("Could not unseal webhook secret, deliveries will use the engine key")
		} else {
			hook.Secret = string(plain)
		}
	}
	return &hook, nil
}

// loadPersisted restores registrations from storage.
func (d *Dispatcher) loadPersisted(ctx context.Context) error {
	if d.st == nil {
		return nil
	}
	all, err := d.st.HGetAll(ctx, registryKey())
	if err != nil {
		return errors.Wrap(err, "webhooks: load registry")
	}
	for id, blob := range all {
		hook, err := d.restoreHook(blob)
		if err != nil {
			log.WithError(err).WithField("id", id).Warn("Skipping corrupt webhook registration")
			continue
		}
		reg, err := compile(hook)
		if err != nil {
			log.WithError(err).WithField("id", id).Warn("Skipping invalid webhook registration")
			continue
		}
		d.mu.Lock()
		d.hooks[hook.ID] = reg
		d.mu.Unlock()
	}
	return nil
}

// Start restores persisted registrations, subscribes to the bus, and spawns
// the delivery workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	if err := d.loadPersisted(d.ctx); err != nil {
		log.WithError(err).Error("Could not restore webhook registrations")
	}
	sub, err := d.bus.OnWildcard("*", d.onEvent)
	if err != nil {
		log.WithError(err).Error("Could not subscribe to the event bus")
		return
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	log.WithField("workers", d.cfg.Workers).Info("Webhook dispatcher started")
}

// onEvent enqueues one delivery per matching webhook.
func (d *Dispatcher) onEvent(_ context.Context, ev *events.Event) error {
	if ev.Name == EventDead {
		return nil
	}
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil
	}
	var due []*Delivery
	for id, reg := range d.hooks {
		if !reg.hook.Enabled || !reg.matches(ev.Name) {
			continue
		}
		due = append(due, &Delivery{ID: uuid.NewString(), WebhookID: id, Event: ev})
	}
	d.mu.Unlock()
	for _, del := range due {
		d.enqueue(del)
	}
	return nil
}

// enqueue appends a delivery. A full queue evicts the oldest pending
// delivery for the same webhook; when none exists the incoming delivery is
// dropped so other webhooks' work is not displaced.
func (d *Dispatcher) enqueue(del *Delivery) {
	d.mu.Lock()
	if len(d.queue) >= d.cfg.QueueSize {
		evicted := false
		for i, q := range d.queue {
			if q.WebhookID == del.WebhookID {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				evicted = true
				break
			}
		}
		droppedTotal.Inc()
		if !evicted {
			d.mu.Unlock()
			log.WithField("webhook", del.WebhookID).Warn("Webhook queue full, dropping delivery")
			return
		}
	}
	d.queue = append(d.queue, del)
	queueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			del := d.queue[0]
			d.queue = d.queue[1:]
			d.inflight++
			queueDepth.Set(float64(len(d.queue)))
			d.mu.Unlock()

			d.deliver(del)

			d.mu.Lock()
			d.inflight--
			d.mu.Unlock()
		}
	}
}

// deliver POSTs the event and schedules a retry or declares the delivery
// dead on failure.
func (d *Dispatcher) deliver(del *Delivery) {
	d.mu.Lock()
	reg, ok := d.hooks[del.WebhookID]
	d.mu.Unlock()
	if !ok || !reg.hook.Enabled {
		return
	}
	hook := reg.hook

	body, err := json.Marshal(del.Event)
	if err != nil {
		log.WithError(err).WithField("event", del.Event.Name).Error("Could not marshal event")
		return
	}
	err = d.post(hook, body)
	if err == nil {
		deliveriesTotal.WithLabelValues("delivered").Inc()
		return
	}
	deliveriesTotal.WithLabelValues("failed").Inc()
	log.WithError(err).WithFields(logrus.Fields{
		"webhook": hook.ID,
		"event":   del.Event.Name,
		"attempt": del.Attempt,
	}).Warn("Webhook delivery failed")

	if del.Attempt >= d.cfg.MaxRetries {
		d.dead(del, err)
		return
	}
	del.Attempt++
	retriesTotal.Inc()
	delay := backoff(d.cfg.RetryBase, d.cfg.RetryMax, del.Attempt)
	d.mu.Lock()
	if d.draining || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.timers[del.ID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, del.ID)
		d.mu.Unlock()
		d.enqueue(del)
	})
	d.mu.Unlock()
}

func (d *Dispatcher) post(hook *Webhook, body []byte) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	if sig, ok := d.signature(hook, body); ok {
		req.Header.Set(d.cfg.SignatureHeader, sig)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// signature computes "sha256=<hex>" over the exact body bytes, preferring
// the webhook's own secret, then the configured fallback, then the engine
// signing key.
func (d *Dispatcher) signature(hook *Webhook, body []byte) (string, bool) {
	var key []byte
	switch {
	case hook.Secret != "":
		key = []byte(hook.Secret)
	case d.cfg.DefaultSecret != "":
		key = []byte(d.cfg.DefaultSecret)
	case d.signer != nil:
		key = d.signer.Secret()
	default:
		return "", false
	}
	return "sha256=" + secrets.SignWith(key, body), true
}

// dead marks a delivery permanently failed and announces it.
func (d *Dispatcher) dead(del *Delivery, cause error) {
	deadTotal.Inc()
	log.WithFields(logrus.Fields{
		"webhook":  del.WebhookID,
		"event":    del.Event.Name,
		"attempts": del.Attempt + 1,
	}).Error("Webhook delivery dead, retries exhausted")
	if _, err := d.bus.Emit(context.Background(), EventDead, map[string]interface{}{
		"webhookId":  del.WebhookID,
		"deliveryId": del.ID,
		"eventId":    del.Event.ID,
		"eventName":  del.Event.Name,
		"attempts":   del.Attempt + 1,
		"reason":     cause.Error(),
	}); err != nil {
		log.WithError(err).Warn("Could not emit dead-delivery event")
	}
}

// backoff returns base×2ⁿ⁻¹ with ±25% jitter, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	delay += jitter
	if delay > max {
		delay = max
	}
	return delay
}

// QueueDepth reports how many deliveries are waiting.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Degraded reports whether the queue has crossed 90% of capacity.
func (d *Dispatcher) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)*10 >= d.cfg.QueueSize*9
}

// Status implements runtime.Service. A full queue is unhealthy; a merely
// degraded one is surfaced through Degraded and the health checker.
func (d *Dispatcher) Status() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return ErrNotStarted
	}
	if len(d.queue) >= d.cfg.QueueSize {
		return errors.New("webhooks: delivery queue full")
	}
	return nil
}

// Stop flushes pending deliveries up to the configured grace deadline, then
// cancels retries and tears the workers down.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.draining = true
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}

	deadline := time.Now().Add(params.Config().WebhookFlush())
	for time.Now().Before(deadline) {
		d.mu.Lock()
		idle := len(d.queue) == 0 && d.inflight == 0
		d.mu.Unlock()
		if idle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.mu.Lock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	if remaining := len(d.queue); remaining > 0 {
		log.WithField("remaining", remaining).Warn("Shutdown deadline hit with deliveries still queued")
	}
	d.queue = nil
	d.started = false
	queueDepth.Set(0)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}
