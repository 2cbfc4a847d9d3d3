package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	threadsafe "github.com/questline/questline/container/thread-safe"
	"github.com/questline/questline/events"
	"github.com/questline/questline/network/httputil"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long a silent peer is kept before the read fails.
	wsPongWait = 60 * time.Second
	// wsPingPeriod must be shorter than wsPongWait so pings keep the read
	// deadline alive.
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsMaxMessageSize caps inbound frames; clients only ever send control
	// traffic.
	wsMaxMessageSize = 512
	// wsSendBuffer is the per-client event queue. A full queue drops events
	// rather than stalling the bus.
	wsSendBuffer = 64
)

// socketHub tracks live WebSocket clients and fans engine events out to them.
type socketHub struct {
	cfg      *config
	upgrader websocket.Upgrader
	clients  *threadsafe.Map[string, *socketClient]
	draining atomic.Bool
}

func newSocketHub(cfg *config) *socketHub {
	h := &socketHub{
		cfg:     cfg,
		clients: threadsafe.NewThreadSafeMap(make(map[string]*socketClient)),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(cfg.allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

// originAllowed mirrors the CORS policy for upgrade requests. Non-browser
// clients send no Origin header and are always admitted; the token is their
// gate.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// handleSocket upgrades GET /ws?userId=<id>&token=<jwt>. The token subject
// must match the requested user unless the caller holds an admin key; admins
// may also pass userId=* to watch every event.
func (h *socketHub) handleSocket(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		httputil.HandleError(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.cfg.tokens == nil {
		httputil.HandleError(w, "token verification is not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	userID, token := q.Get("userId"), q.Get("token")
	if userID == "" || token == "" {
		httputil.HandleError(w, "userId and token query parameters are required", http.StatusBadRequest)
		return
	}
	subject, err := h.cfg.tokens.VerifyToken(token)
	if err != nil {
		httputil.HandleError(w, "invalid token", http.StatusUnauthorized)
		return
	}
	p := principalFrom(r.Context())
	firehose := userID == "*"
	if firehose && !p.admin {
		httputil.HandleError(w, "admin key required to subscribe to all events", http.StatusForbidden)
		return
	}
	if !firehose && subject != userID && !p.admin {
		httputil.HandleError(w, "token subject does not match userId", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	c := &socketClient{
		id:       uuid.NewString(),
		userID:   userID,
		firehose: firehose,
		conn:     conn,
		send:     make(chan *events.Event, wsSendBuffer),
		done:     make(chan struct{}),
		hub:      h,
	}
	sub, err := h.cfg.bus.OnWildcard("*", c.forward)
	if err != nil {
		log.WithError(err).Error("Could not subscribe WebSocket client")
		_ = conn.Close()
		return
	}
	c.sub = sub
	h.clients.Put(c.id, c)
	wsConnectionsGauge.Inc()
	log.WithField("userId", userID).Debug("WebSocket client connected")

	go c.writePump()
	go c.readPump()
}

// closeAll stops accepting upgrades and closes every live connection. Called
// during shutdown after the HTTP listener has drained.
func (h *socketHub) closeAll() {
	h.draining.Store(true)
	for _, c := range h.clients.Values() {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

// socketClient is one live connection. Events flow bus -> forward -> send
// channel -> writePump; readPump only services control frames and detects
// disconnects.
type socketClient struct {
	id       string
	userID   string
	firehose bool
	conn     *websocket.Conn
	send     chan *events.Event
	done     chan struct{}
	sub      *events.Subscription
	hub      *socketHub
	once     sync.Once
}

// forward is the bus handler. It never blocks: a slow client loses events
// instead of stalling emission.
func (c *socketClient) forward(_ context.Context, ev *events.Event) error {
	if !c.firehose && ev.UserID() != c.userID {
		return nil
	}
	select {
	case <-c.done:
	case c.send <- ev:
	default:
		wsDroppedEventsTotal.Inc()
	}
	return nil
}

func (c *socketClient) readPump() {
	defer c.teardown()
	c.conn.SetReadLimit(wsMaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("WebSocket read failed")
			}
			return
		}
	}
}

func (c *socketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.teardown()
	for {
		select {
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown sends a close frame before tearing the connection down, giving
// well-behaved clients a reason code.
func (c *socketClient) shutdown(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	c.teardown()
}

func (c *socketClient) teardown() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Unsubscribe()
		c.hub.clients.Delete(c.id)
		_ = c.conn.Close()
		wsConnectionsGauge.Dec()
	})
}
