package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/questline/questline/config/params"
	"github.com/questline/questline/crypto/secrets"
	"github.com/questline/questline/events"
	"github.com/questline/questline/storage/memorystore"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

func testConfig() Config {
	return Config{
		Workers:         1,
		QueueSize:       8,
		MaxRetries:      2,
		RetryBase:       time.Millisecond,
		RetryMax:        5 * time.Millisecond,
		Timeout:         time.Second,
		SignatureHeader: "X-Signature",
	}
}

func setup(t *testing.T, cfg Config) (*Dispatcher, *events.Bus) {
	params.SetupTestConfigCleanup(t)
	bus := events.NewBus()
	t.Cleanup(bus.Destroy)
	d := New(bus, nil, nil, cfg)
	d.Start()
	t.Cleanup(func() { require.NoError(t, d.Stop()) })
	return d, bus
}

func TestRegisterValidation(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	d := New(events.NewBus(), nil, nil, testConfig())

	err := d.Register(context.Background(), &Webhook{EventPatterns: []string{"*"}})
	assert.ErrorIs(t, err, ErrInvalidWebhook)
	err = d.Register(context.Background(), &Webhook{URL: "ftp://example.com", EventPatterns: []string{"*"}})
	assert.ErrorIs(t, err, ErrInvalidWebhook)
	err = d.Register(context.Background(), &Webhook{URL: "http://example.com/hook"})
	assert.ErrorIs(t, err, ErrInvalidWebhook)

	hook := &Webhook{URL: "http://example.com/hook", EventPatterns: []string{"points.*"}, Enabled: true}
	require.NoError(t, d.Register(context.Background(), hook))
	assert.NotEqual(t, "", hook.ID, "expected an id to be assigned")
	got, err := d.Get(hook.ID)
	require.NoError(t, err)
	assert.Equal(t, hook.URL, got.URL)
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
		sigs   []string
	)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get("X-Signature"))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	d, bus := setup(t, testConfig())
	require.NoError(t, d.Register(context.Background(), &Webhook{
		URL:           srv.URL,
		EventPatterns: []string{"points.*"},
		Secret:        "hook-secret",
		Enabled:       true,
	}))

	_, err := bus.Emit(context.Background(), "points.awarded", map[string]interface{}{"userId": "u1", "applied": int64(10)})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
	// Give a would-be third attempt time to show up.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, len(bodies), "expected exactly two delivery attempts")
	assert.DeepEqual(t, bodies[0], bodies[1])
	for _, sig := range sigs {
		require.Equal(t, true, strings.HasPrefix(sig, "sha256="))
		assert.Equal(t, "sha256="+secrets.SignWith([]byte("hook-secret"), bodies[0]), sig)
	}
	var ev events.Event
	require.NoError(t, json.Unmarshal(bodies[0], &ev))
	assert.Equal(t, "points.awarded", ev.Name)
	assert.Equal(t, "u1", ev.UserID())
}

func TestDotInPatternIsLiteral(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var ev events.Event
		require.NoError(t, json.Unmarshal(body, &ev))
		mu.Lock()
		names = append(names, ev.Name)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, bus := setup(t, testConfig())
	require.NoError(t, d.Register(context.Background(), &Webhook{
		URL:           srv.URL,
		EventPatterns: []string{"user.points"},
		Enabled:       true,
	}))

	_, err := bus.Emit(context.Background(), "user_points", nil)
	require.NoError(t, err)
	_, err = bus.Emit(context.Background(), "user.points", nil)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(names)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, len(names), "the dot must not match user_points")
	assert.Equal(t, "user.points", names[0])
}

func TestDeadLetterAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 1
	d, bus := setup(t, cfg)

	dead := make(chan *events.Event, 1)
	bus.On(EventDead, func(_ context.Context, ev *events.Event) error {
		select {
		case dead <- ev:
		default:
		}
		return nil
	})

	hook := &Webhook{URL: srv.URL, EventPatterns: []string{"*"}, Enabled: true}
	require.NoError(t, d.Register(context.Background(), hook))

	_, err := bus.Emit(context.Background(), "quest.completed", map[string]interface{}{"userId": "u1"})
	require.NoError(t, err)

	select {
	case ev := <-dead:
		assert.Equal(t, hook.ID, ev.Data["webhookId"])
		assert.Equal(t, "quest.completed", ev.Data["eventName"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the dead-letter event")
	}
}

func TestQueueOverflowEvictsOldestForWebhook(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := testConfig()
	cfg.QueueSize = 2
	// Never started, so deliveries stay queued and the eviction policy is
	// observable.
	d := New(events.NewBus(), nil, nil, cfg)

	ev := newTestEvent("points.awarded")
	d.enqueue(&Delivery{ID: "a", WebhookID: "w1", Event: ev})
	d.enqueue(&Delivery{ID: "b", WebhookID: "w2", Event: ev})
	assert.Equal(t, 2, d.QueueDepth())

	// Full queue, same webhook pending: its oldest delivery is evicted.
	d.enqueue(&Delivery{ID: "c", WebhookID: "w1", Event: ev})
	assert.Equal(t, 2, d.QueueDepth())
	d.mu.Lock()
	assert.Equal(t, "b", d.queue[0].ID)
	assert.Equal(t, "c", d.queue[1].ID)
	d.mu.Unlock()

	// Full queue, no pending delivery for this webhook: the incoming one is
	// dropped instead of displacing another webhook's work.
	d.enqueue(&Delivery{ID: "d", WebhookID: "w3", Event: ev})
	assert.Equal(t, 2, d.QueueDepth())
	d.mu.Lock()
	assert.Equal(t, "b", d.queue[0].ID)
	assert.Equal(t, "c", d.queue[1].ID)
	d.mu.Unlock()
}

func TestDegradedAtNinetyPercent(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := testConfig()
	cfg.QueueSize = 10
	d := New(events.NewBus(), nil, nil, cfg)

	ev := newTestEvent("points.awarded")
	for i := 0; i < 8; i++ {
		d.enqueue(&Delivery{ID: "x", WebhookID: "w1", Event: ev})
	}
	assert.Equal(t, false, d.Degraded())
	d.enqueue(&Delivery{ID: "x", WebhookID: "w1", Event: ev})
	assert.Equal(t, true, d.Degraded())
}

func TestDefaultSecretSignsHooksWithoutTheirOwn(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
		sig  string
	)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		body = b
		sig = r.Header.Get("X-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.DefaultSecret = "org-wide-secret"
	d, bus := setup(t, cfg)
	require.NoError(t, d.Register(context.Background(), &Webhook{
		URL:           srv.URL,
		EventPatterns: []string{"points.*"},
		Enabled:       true,
	}))

	_, err := bus.Emit(context.Background(), "points.awarded", map[string]interface{}{"userId": "u1"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sha256="+secrets.SignWith([]byte("org-wide-secret"), body), sig)
}

func TestDisabledWebhookReceivesNothing(t *testing.T) {
	delivered := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, bus := setup(t, testConfig())
	require.NoError(t, d.Register(context.Background(), &Webhook{
		URL:           srv.URL,
		EventPatterns: []string{"*"},
		Enabled:       false,
	}))

	_, err := bus.Emit(context.Background(), "points.awarded", nil)
	require.NoError(t, err)

	select {
	case <-delivered:
		t.Fatal("disabled webhook must not receive deliveries")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPersistedRegistrationsSurviveRestart(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	st := memorystore.New()
	require.NoError(t, st.Connect(context.Background()))
	t.Cleanup(func() { require.NoError(t, st.Disconnect(context.Background())) })

	bus := events.NewBus()
	t.Cleanup(bus.Destroy)

	first := New(bus, st, nil, testConfig())
	hook := &Webhook{URL: "http://example.com/hook", EventPatterns: []string{"badge.*"}, Enabled: true}
	require.NoError(t, first.Register(context.Background(), hook))

	second := New(bus, st, nil, testConfig())
	second.Start()
	t.Cleanup(func() { require.NoError(t, second.Stop()) })

	got, err := second.Get(hook.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/hook", got.URL)
	assert.DeepEqual(t, []string{"badge.*"}, got.EventPatterns)

	ok, err := second.Unregister(context.Background(), hook.ID)
	require.NoError(t, err)
	assert.Equal(t, true, ok)
	_, err = second.Get(hook.ID)
	assert.ErrorIs(t, err, ErrUnknownWebhook)
}

func TestPersistedSecretIsSealedAtRest(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	st := memorystore.New()
	require.NoError(t, st.Connect(context.Background()))
	t.Cleanup(func() { require.NoError(t, st.Disconnect(context.Background())) })
	signer, err := secrets.NewFromHex(strings.Repeat("ab", 32))
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(bus.Destroy)
	first := New(bus, st, signer, testConfig())
	hook := &Webhook{URL: "http://example.com/hook", EventPatterns: []string{"*"}, Secret: "hook-secret", Enabled: true}
	require.NoError(t, first.Register(context.Background(), hook))

	raw, err := st.HGetAll(context.Background(), registryKey())
	require.NoError(t, err)
	require.Equal(t, 1, len(raw))
	for _, blob := range raw {
		assert.Equal(t, false, strings.Contains(blob, "hook-secret"), "plaintext secret must not be persisted")
	}

	second := New(bus, st, signer, testConfig())
	second.Start()
	t.Cleanup(func() { require.NoError(t, second.Stop()) })
	got, err := second.Get(hook.ID)
	require.NoError(t, err)
	assert.Equal(t, "hook-secret", got.Secret, "secret should be unsealed on restore")
}

func TestStopFlushesPendingDeliveries(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	params.SetupTestConfigCleanup(t)
	bus := events.NewBus()
	t.Cleanup(bus.Destroy)
	d := New(bus, nil, nil, testConfig())
	d.Start()
	require.NoError(t, d.Register(context.Background(), &Webhook{
		URL:           srv.URL,
		EventPatterns: []string{"*"},
		Enabled:       true,
	}))

	for i := 0; i < 5; i++ {
		_, err := bus.Emit(context.Background(), "streak.updated", nil)
		require.NoError(t, err)
	}
	require.NoError(t, d.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count, "pending deliveries should drain before shutdown")
}

func newTestEvent(name string) *events.Event {
	return &events.Event{ID: "ev", Name: name, Data: map[string]interface{}{}, Timestamp: time.Now().UnixMilli()}
}
