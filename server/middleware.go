package server

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/questline/questline/network/httputil"
	"github.com/questline/questline/ratelimit"
	"github.com/rs/cors"
)

// apiKeyHeader carries the application or admin key on REST calls.
const apiKeyHeader = "X-API-Key"

type contextKey string

const principalKey contextKey = "questline.principal"

// principal is the authenticated identity attached to a request by the
// authenticate middleware. The zero value is an anonymous caller.
type principal struct {
	// admin is set when the request carried a key from the admin set.
	admin bool
	// hasKey is set for any valid API key, admin or not.
	hasKey bool
	// keyID is a short fingerprint of the presented key, safe to log.
	keyID string
	// userID is the subject of a verified bearer token.
	userID string
}

func (p principal) authenticated() bool {
	return p.admin || p.hasKey || p.userID != ""
}

// actor names the principal for audit entries without exposing credentials.
func (p principal) actor() string {
	if p.userID != "" {
		return "user:" + p.userID
	}
	if p.keyID != "" {
		return "key:" + p.keyID
	}
	return "anonymous"
}

func principalFrom(ctx context.Context) principal {
	p, ok := ctx.Value(principalKey).(principal)
	if !ok {
		return principal{}
	}
	return p
}

func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

// authenticate resolves the caller's identity from the X-API-Key header and
// an optional bearer token. Presented credentials that do not verify are
// rejected outright; absent credentials leave the request anonymous and defer
// to per-route authorization.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p principal
		if key := r.Header.Get(apiKeyHeader); key != "" {
			switch {
			case s.cfg.adminKeys[key]:
				p.admin = true
				p.hasKey = true
			case s.cfg.apiKeys[key]:
				p.hasKey = true
			default:
				httputil.HandleError(w, "unknown API key", http.StatusUnauthorized)
				return
			}
			p.keyID = keyFingerprint(key)
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			if !strings.HasPrefix(auth, "Bearer ") {
				httputil.HandleError(w, "malformed Authorization header", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if s.cfg.tokens == nil {
				httputil.HandleError(w, "token verification is not configured", http.StatusUnauthorized)
				return
			}
			subject, err := s.cfg.tokens.VerifyToken(token)
			if err != nil {
				httputil.HandleError(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			p.userID = subject
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// requireAdmin writes the error response and returns false when the caller
// does not hold an admin key.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (principal, bool) {
	p := principalFrom(r.Context())
	if p.admin {
		return p, true
	}
	if !p.authenticated() {
		httputil.HandleError(w, "authentication required", http.StatusUnauthorized)
		return p, false
	}
	httputil.HandleError(w, "admin key required", http.StatusForbidden)
	return p, false
}

// requireSelfOrAdmin authorizes reads of a user's state: admins, the user
// themselves, or anyone when public endpoints are enabled.
func (s *Server) requireSelfOrAdmin(w http.ResponseWriter, r *http.Request, userID string) (principal, bool) {
	p := principalFrom(r.Context())
	if p.admin || s.cfg.publicEndpoints || (p.userID != "" && p.userID == userID) {
		return p, true
	}
	if !p.authenticated() {
		httputil.HandleError(w, "authentication required", http.StatusUnauthorized)
		return p, false
	}
	httputil.HandleError(w, "forbidden", http.StatusForbidden)
	return p, false
}

// requireCaller authorizes endpoints open to any authenticated caller, or to
// everyone when public endpoints are enabled.
func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (principal, bool) {
	p := principalFrom(r.Context())
	if s.cfg.publicEndpoints || p.authenticated() {
		return p, true
	}
	httputil.HandleError(w, "authentication required", http.StatusUnauthorized)
	return p, false
}

// corsHandler builds the CORS middleware for the configured origins. An empty
// list allows any origin, matching the engine's default of being deployed
// behind an API gateway.
func corsHandler(allowOrigins []string) mux.MiddlewareFunc {
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", apiKeyHeader, "Authorization"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         600,
	})
	return c.Handler
}

// limitBody caps request bodies so oversized payloads fail fast instead of
// being buffered. Reads past the cap surface as *http.MaxBytesError, which
// decodeJSON converts to 413.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.bodyLimit)
		}
		next.ServeHTTP(w, r)
	})
}

// withDeadline bounds handler work by the configured request timeout.
func (s *Server) withDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit consults the limiter and stamps the standard X-RateLimit headers
// on every response. A limiter failure admits the request: availability wins
// over precision when the shared store is unreachable.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		p := principalFrom(r.Context())
		sub := ratelimit.Subject{
			UserID:   p.userID,
			IP:       clientIP(r),
			Endpoint: routeTemplate(r),
		}
		if sub.UserID == "" && p.hasKey {
			// An application key gets its own authenticated budget.
			sub.UserID = "key:" + p.keyID
		}
		d, err := s.cfg.limiter.Allow(r.Context(), sub)
		if err != nil {
			log.WithError(err).Warn("Rate limiter unavailable, admitting request")
			rateLimitErrorsTotal.Inc()
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if !d.Allowed {
			retry := int64(d.RetryAfter / time.Second)
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.FormatInt(retry, 10))
			httputil.HandleError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recordMetrics counts requests and observes latency per route template.
func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		route := routeTemplate(r)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// routeTemplate returns the matched mux template so metric labels stay
// bounded regardless of path parameters.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response code for metrics while passing
// hijacking and flushing through to the underlying writer, which WebSocket
// upgrades depend on.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
