package server

import (
	"time"

	"github.com/questline/questline/auditlog"
	"github.com/questline/questline/crypto/secrets"
	"github.com/questline/questline/events"
	"github.com/questline/questline/monitoring/health"
	"github.com/questline/questline/ratelimit"
	"github.com/questline/questline/webhooks"
)

// Option configures the server during New.
type Option func(s *Server) error

// WithAddress sets the listen host and port.
func WithAddress(host string, port int) Option {
	return func(s *Server) error {
		s.cfg.host = host
		s.cfg.port = port
		return nil
	}
}

// WithMount sets the path prefix every route hangs under.
func WithMount(mount string) Option {
	return func(s *Server) error {
		s.cfg.mount = mount
		return nil
	}
}

// WithAllowedOrigins restricts CORS and WebSocket origins. Empty allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) error {
		s.cfg.allowedOrigins = origins
		return nil
	}
}

// WithAPIKeys installs the application key set.
func WithAPIKeys(keys []string) Option {
	return func(s *Server) error {
		for _, k := range keys {
			if k != "" {
				s.cfg.apiKeys[k] = true
			}
		}
		return nil
	}
}

// WithAdminKeys installs the admin key set. Admin keys are also valid
// application keys.
func WithAdminKeys(keys []string) Option {
	return func(s *Server) error {
		for _, k := range keys {
			if k != "" {
				s.cfg.adminKeys[k] = true
			}
		}
		return nil
	}
}

// WithPublicEndpoints opens the read endpoints and point awards to
// unauthenticated callers. Admin routes stay gated regardless.
func WithPublicEndpoints(public bool) Option {
	return func(s *Server) error {
		s.cfg.publicEndpoints = public
		return nil
	}
}

// WithBodyLimit caps request body size in bytes.
func WithBodyLimit(limit int64) Option {
	return func(s *Server) error {
		if limit > 0 {
			s.cfg.bodyLimit = limit
		}
		return nil
	}
}

// WithRequestTimeout bounds handler execution per request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d > 0 {
			s.cfg.requestTimeout = d
		}
		return nil
	}
}

// WithShutdownTimeout bounds the Stop drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d > 0 {
			s.cfg.shutdownTimeout = d
		}
		return nil
	}
}

// WithTrackFunc wires the engine's event intake.
func WithTrackFunc(fn TrackFunc) Option {
	return func(s *Server) error {
		s.cfg.track = fn
		return nil
	}
}

// WithModules wires the handler-facing modules.
func WithModules(m Modules) Option {
	return func(s *Server) error {
		s.cfg.mods = m
		return nil
	}
}

// WithBus wires the event bus consumed by WebSocket subscribers.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) error {
		s.cfg.bus = bus
		return nil
	}
}

// WithLimiter enables the rate limit middleware.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) error {
		s.cfg.limiter = l
		return nil
	}
}

// WithWebhooks enables the webhook admin endpoints.
func WithWebhooks(d *webhooks.Dispatcher) Option {
	return func(s *Server) error {
		s.cfg.hooks = d
		return nil
	}
}

// WithHealthChecker backs the health endpoints.
func WithHealthChecker(c *health.Checker) Option {
	return func(s *Server) error {
		s.cfg.checker = c
		return nil
	}
}

// WithAuditLog records admin actions.
func WithAuditLog(a *auditlog.Store) Option {
	return func(s *Server) error {
		s.cfg.audit = a
		return nil
	}
}

// WithSecrets wires token verification for bearer auth and the WebSocket
// handshake.
func WithSecrets(st *secrets.Store) Option {
	return func(s *Server) error {
		s.cfg.tokens = st
		return nil
	}
}
