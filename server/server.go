// Package server exposes the engine over HTTP: the REST surface, the
// WebSocket event stream and the operational endpoints, all mounted under a
// configurable path prefix.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/questline/questline/auditlog"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/crypto/secrets"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/modules/leaderboards"
	"github.com/questline/questline/modules/points"
	"github.com/questline/questline/monitoring/health"
	"github.com/questline/questline/ratelimit"
	"github.com/questline/questline/runtime"
	"github.com/questline/questline/webhooks"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "server")

var _ runtime.Service = (*Server)(nil)

// TrackFunc validates one inbound event and emits it through the engine. The
// node supplies its Track method so the server never touches bus internals.
type TrackFunc func(ctx context.Context, userID, name string, data map[string]interface{}) (*events.EmitResult, error)

// Modules groups the handler-facing engine modules. The registry serves the
// uniform per-module stats routes; points and leaderboards are also addressed
// directly by their dedicated endpoints.
type Modules struct {
	Registry     *modules.Registry
	Points       *points.Module
	Leaderboards *leaderboards.Module
}

type config struct {
	host            string
	port            int
	mount           string
	allowedOrigins  []string
	apiKeys         map[string]bool
	adminKeys       map[string]bool
	publicEndpoints bool
	bodyLimit       int64
	requestTimeout  time.Duration
	shutdownTimeout time.Duration

	track   TrackFunc
	mods    Modules
	bus     *events.Bus
	limiter *ratelimit.Limiter
	hooks   *webhooks.Dispatcher
	checker *health.Checker
	audit   *auditlog.Store
	tokens  *secrets.Store
}

// Server serves the engine's HTTP and WebSocket traffic.
type Server struct {
	cfg          *config
	server       *http.Server
	router       *mux.Router
	hub          *socketHub
	ctx          context.Context
	cancel       context.CancelFunc
	startFailure error
}

// New assembles a server from options. The track function, the modules and
// the bus are mandatory; everything else degrades gracefully when absent.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	engine := params.Config()
	s := &Server{
		ctx: ctx,
		cfg: &config{
			host:            "127.0.0.1",
			port:            8080,
			mount:           "/gamification",
			apiKeys:         map[string]bool{},
			adminKeys:       map[string]bool{},
			bodyLimit:       engine.HTTPBodyLimitBytes,
			requestTimeout:  engine.RequestTimeout(),
			shutdownTimeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.cfg.track == nil {
		return nil, errors.New("track function not configured")
	}
	if s.cfg.mods.Registry == nil || s.cfg.mods.Points == nil || s.cfg.mods.Leaderboards == nil {
		return nil, errors.New("modules not configured")
	}
	if s.cfg.bus == nil {
		return nil, errors.New("event bus not configured")
	}

	s.hub = newSocketHub(s.cfg)
	s.router = mux.NewRouter()
	s.registerRoutes()
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.host, strconv.Itoa(s.cfg.port)),
		Handler:           corsHandler(s.cfg.allowedOrigins)(s.router),
		ReadHeaderTimeout: time.Second,
	}
	return s, nil
}

// registerRoutes mounts three sibling subrouters under the mount prefix. The
// operational routes skip auth and rate limiting so probes and scrapes never
// get throttled; the WebSocket route skips the body and deadline middlewares
// that would kill a long-lived connection; everything else gets the full
// chain. Registration order matters: mux tries subrouters in order, and the
// generic {module}/{userId} route must come last.
func (s *Server) registerRoutes() {
	mount := normalizeMount(s.cfg.mount)

	ops := s.router.PathPrefix(mount).Subrouter()
	ops.Use(s.recordMetrics)
	ops.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	ops.HandleFunc("/health/live", s.handleHealthLive).Methods(http.MethodGet)
	ops.HandleFunc("/health/ready", s.handleHealthReady).Methods(http.MethodGet)
	ops.HandleFunc("/health/detailed", s.handleHealthDetailed).Methods(http.MethodGet)
	ops.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	sock := s.router.PathPrefix(mount).Subrouter()
	sock.Use(s.recordMetrics, s.authenticate, s.rateLimit)
	sock.HandleFunc("/ws", s.hub.handleSocket).Methods(http.MethodGet)

	api := s.router.PathPrefix(mount).Subrouter()
	api.Use(s.recordMetrics, s.limitBody, s.authenticate, s.rateLimit, s.withDeadline)
	api.HandleFunc("/events", s.handleTrack).Methods(http.MethodPost)
	api.HandleFunc("/stats/{userId}", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/leaderboards", s.handleLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/points/award", s.handleAward).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/reset/{userId}", s.handleAdminReset).Methods(http.MethodPost)
	admin.HandleFunc("/award", s.handleAdminAward).Methods(http.MethodPost)
	admin.HandleFunc("/token", s.handleAdminToken).Methods(http.MethodPost)
	admin.HandleFunc("/webhooks", s.handleWebhookList).Methods(http.MethodGet)
	admin.HandleFunc("/webhooks", s.handleWebhookCreate).Methods(http.MethodPost)
	admin.HandleFunc("/webhooks/{id}", s.handleWebhookGet).Methods(http.MethodGet)
	admin.HandleFunc("/webhooks/{id}", s.handleWebhookDelete).Methods(http.MethodDelete)
	admin.HandleFunc("/audit", s.handleAuditList).Methods(http.MethodGet)

	for _, m := range s.cfg.mods.Registry.All() {
		rp, ok := m.(modules.RouteProvider)
		if !ok {
			continue
		}
		for _, rt := range rp.Routes() {
			api.HandleFunc("/"+m.Name()+ensureLeadingSlash(rt.Path), rt.Handler).Methods(rt.Method)
		}
	}

	api.HandleFunc("/{module}/{userId}", s.handleModuleStats).Methods(http.MethodGet)
}

// Handler returns the fully assembled handler chain, used by tests and by
// embedders that manage their own listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving in the background. Bind failures surface through
// Status rather than here, matching the registry's fire-and-forget startup.
func (s *Server) Start() {
	_, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel

	go func() {
		log.WithField("address", s.server.Addr).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("Failed to start HTTP server")
			s.startFailure = err
		}
	}()
}

// Status implements runtime.Service.
func (s *Server) Status() error {
	if s.startFailure != nil {
		return s.startFailure
	}
	return nil
}

// Stop drains the listener, then closes every WebSocket with a going-away
// frame. New upgrade attempts are refused as soon as draining begins.
func (s *Server) Stop() error {
	s.hub.draining.Store(true)
	if s.server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.shutdownTimeout)
		defer shutdownCancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Warn("Existing connections terminated")
			} else {
				log.WithError(err).Error("Failed to gracefully shut down server")
			}
		}
	}
	s.hub.closeAll()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func normalizeMount(mount string) string {
	mount = strings.TrimSuffix(mount, "/")
	if mount == "" {
		return "/"
	}
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	return mount
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
