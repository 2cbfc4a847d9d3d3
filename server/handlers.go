package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/modules/badges"
	"github.com/questline/questline/modules/leaderboards"
	"github.com/questline/questline/modules/points"
	"github.com/questline/questline/modules/quests"
	"github.com/questline/questline/monitoring/health"
	"github.com/questline/questline/network/httputil"
	"github.com/questline/questline/time/periods"
	"github.com/questline/questline/webhooks"
)

// statusFor maps engine errors onto HTTP status codes. Anything unmapped is a
// server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, modules.ErrInvalidUserID),
		errors.Is(err, events.ErrInvalidName),
		errors.Is(err, points.ErrInvalidAmount),
		errors.Is(err, leaderboards.ErrInvalidBoard),
		errors.Is(err, leaderboards.ErrInvalidScore):
		return http.StatusBadRequest
	case errors.Is(err, modules.ErrUnknownModule),
		errors.Is(err, badges.ErrUnknownBadge),
		errors.Is(err, quests.ErrUnknownQuest),
		errors.Is(err, webhooks.ErrUnknownWebhook):
		return http.StatusNotFound
	case errors.Is(err, events.ErrDestroyed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its mapped status. Server faults are logged and
// masked so storage details never reach clients.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		httputil.HandleError(w, "internal server error", code)
		return
	}
	httputil.HandleError(w, err.Error(), code)
}

// recordAudit writes an admin action to the audit trail. Auditing is best
// effort: a write failure is logged but never fails the action itself.
func (s *Server) recordAudit(p principal, action, target string, detail map[string]interface{}) {
	if s.cfg.audit == nil {
		return
	}
	if _, err := s.cfg.audit.Record(p.actor(), action, target, detail); err != nil {
		log.WithError(err).WithField("action", action).Error("Could not record audit entry")
	}
}

// handleTrack accepts {eventName, userId, ...data}, validates it and emits it
// through the engine. Handler outcomes are reported by count only; a failing
// listener is an engine concern, not the emitter's.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireCaller(w, r); !ok {
		return
	}
	var body map[string]interface{}
	if !decodeJSON(w, r, &body) {
		return
	}
	name, _ := body["eventName"].(string)
	if name == "" {
		httputil.HandleError(w, "eventName is required", http.StatusBadRequest)
		return
	}
	userID, _ := body["userId"].(string)
	if userID == "" {
		httputil.HandleError(w, "userId is required", http.StatusBadRequest)
		return
	}
	delete(body, "eventName")

	res, err := s.cfg.track(r.Context(), userID, name, body)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.RespondWithJson(w, http.StatusAccepted, map[string]interface{}{
		"eventId":        res.EventID,
		"listeners":      res.ListenerCount,
		"failedHandlers": len(res.Errors),
	})
}

// handleStats aggregates every module's view of one user.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if _, ok := s.requireSelfOrAdmin(w, r, userID); !ok {
		return
	}
	if err := modules.CheckUserID(userID); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJson(w, map[string]interface{}{
		"userId": userID,
		"stats":  s.cfg.mods.Registry.UserStats(r.Context(), userID),
	})
}

// handleModuleStats serves a single module's view of one user, e.g.
// GET /points/alice.
func (s *Server) handleModuleStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["userId"]
	if _, ok := s.requireSelfOrAdmin(w, r, userID); !ok {
		return
	}
	if err := modules.CheckUserID(userID); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.cfg.mods.Registry.Get(vars["module"])
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := m.UserStats(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJson(w, map[string]interface{}{
		"userId": userID,
		"module": m.Name(),
		"stats":  stats,
	})
}

// handleLeaderboard serves one page of a board:
// GET /leaderboards?board=points&period=weekly&limit=10&offset=0&user=alice.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireCaller(w, r); !ok {
		return
	}
	q := r.URL.Query()
	board := q.Get("board")
	if board == "" {
		httputil.HandleError(w, "board query parameter is required", http.StatusBadRequest)
		return
	}
	opts := leaderboards.Options{
		Board:  board,
		Period: periods.AllTime,
		UserID: q.Get("user"),
	}
	if raw := q.Get("period"); raw != "" {
		p, err := periods.Parse(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		opts.Period = p
	}
	var err error
	if opts.Limit, err = queryInt(q.Get("limit"), 0); err != nil {
		httputil.HandleError(w, "limit must be an integer", http.StatusBadRequest)
		return
	}
	if opts.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
		httputil.HandleError(w, "offset must be an integer", http.StatusBadRequest)
		return
	}
	entries, err := s.cfg.mods.Leaderboards.GetLeaderboard(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJson(w, map[string]interface{}{
		"board":   board,
		"period":  string(opts.Period),
		"entries": entries,
	})
}

// handleAward credits points directly, outside of any rule. The endpoint is
// admin-only unless public endpoints are enabled.
func (s *Server) handleAward(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if !p.admin && !s.cfg.publicEndpoints {
		if !p.authenticated() {
			httputil.HandleError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		httputil.HandleError(w, "admin key required", http.StatusForbidden)
		return
	}
	s.awardPoints(w, r, p, "award_points")
}

// handleAdminAward is the always-admin twin of handleAward.
func (s *Server) handleAdminAward(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	s.awardPoints(w, r, p, "admin_award_points")
}

func (s *Server) awardPoints(w http.ResponseWriter, r *http.Request, p principal, action string) {
	var req awardRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if req.Points != math.Trunc(req.Points) {
		httputil.HandleError(w, "points must be a whole number", http.StatusBadRequest)
		return
	}
	res, err := s.cfg.mods.Points.Award(r.Context(), req.UserID, int64(req.Points), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(p, action, req.UserID, map[string]interface{}{
		"points": int64(req.Points),
		"reason": req.Reason,
	})
	httputil.WriteJson(w, res)
}

// handleAdminReset wipes one user across every module.
func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	if err := modules.CheckUserID(userID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.mods.Registry.ResetUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(p, "reset_user", userID, nil)
	httputil.WriteJson(w, map[string]interface{}{"userId": userID, "reset": true})
}

// handleAdminToken mints a bearer token for a user, typically consumed by the
// WebSocket endpoint.
func (s *Server) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	if s.cfg.tokens == nil {
		httputil.HandleError(w, "token signing is not configured", http.StatusServiceUnavailable)
		return
	}
	var req tokenRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if err := modules.CheckUserID(req.UserID); err != nil {
		writeError(w, err)
		return
	}
	ttl := time.Hour
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	token, err := s.cfg.tokens.IssueToken(req.UserID, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(p, "issue_token", req.UserID, map[string]interface{}{"ttlSeconds": int64(ttl / time.Second)})
	httputil.WriteJson(w, map[string]interface{}{
		"token":     token,
		"userId":    req.UserID,
		"expiresAt": time.Now().Add(ttl).UnixMilli(),
	})
}

// webhookView is the API shape of a webhook. Secrets never leave the engine;
// clients only learn whether one is set.
type webhookView struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	EventPatterns []string          `json:"eventPatterns"`
	Headers       map[string]string `json:"headers,omitempty"`
	Enabled       bool              `json:"enabled"`
	CreatedAt     int64             `json:"createdAt"`
	HasSecret     bool              `json:"hasSecret"`
}

func viewOf(hook *webhooks.Webhook) webhookView {
	return webhookView{
		ID:            hook.ID,
		URL:           hook.URL,
		EventPatterns: hook.EventPatterns,
		Headers:       hook.Headers,
		Enabled:       hook.Enabled,
		CreatedAt:     hook.CreatedAt,
		HasSecret:     hook.Secret != "",
	}
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if s.cfg.hooks == nil {
		httputil.HandleError(w, "webhooks are not configured", http.StatusServiceUnavailable)
		return
	}
	hooks := s.cfg.hooks.List()
	views := make([]webhookView, 0, len(hooks))
	for _, hook := range hooks {
		views = append(views, viewOf(hook))
	}
	httputil.WriteJson(w, map[string]interface{}{"webhooks": views})
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	if s.cfg.hooks == nil {
		httputil.HandleError(w, "webhooks are not configured", http.StatusServiceUnavailable)
		return
	}
	var req webhookRequest
	if !decodeValid(w, r, &req) {
		return
	}
	hook := &webhooks.Webhook{
		URL:           req.URL,
		EventPatterns: req.EventPatterns,
		Headers:       req.Headers,
		Secret:        req.Secret,
		Enabled:       true,
	}
	if err := s.cfg.hooks.Register(r.Context(), hook); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(p, "register_webhook", hook.ID, map[string]interface{}{"url": hook.URL})
	httputil.RespondWithJson(w, http.StatusCreated, viewOf(hook))
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if s.cfg.hooks == nil {
		httputil.HandleError(w, "webhooks are not configured", http.StatusServiceUnavailable)
		return
	}
	hook, err := s.cfg.hooks.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJson(w, viewOf(hook))
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	if s.cfg.hooks == nil {
		httputil.HandleError(w, "webhooks are not configured", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	removed, err := s.cfg.hooks.Unregister(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		httputil.HandleError(w, "unknown webhook", http.StatusNotFound)
		return
	}
	s.recordAudit(p, "unregister_webhook", id, nil)
	httputil.WriteJson(w, map[string]interface{}{"id": id, "removed": true})
}

// handleAuditList returns the most recent admin actions, newest first.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if s.cfg.audit == nil {
		httputil.HandleError(w, "audit log is not configured", http.StatusServiceUnavailable)
		return
	}
	limit, err := queryInt(r.URL.Query().Get("limit"), 100)
	if err != nil {
		httputil.HandleError(w, "limit must be an integer", http.StatusBadRequest)
		return
	}
	entries, err := s.cfg.audit.List(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJson(w, map[string]interface{}{"entries": entries})
}

// checker guards the health endpoints when no checker was wired, which only
// happens in stripped-down test setups.
func (s *Server) checker(w http.ResponseWriter) (*health.Checker, bool) {
	if s.cfg.checker == nil {
		httputil.HandleError(w, "health checks are not configured", http.StatusServiceUnavailable)
		return nil, false
	}
	return s.cfg.checker, true
}

// handleHealth reports the overall snapshot. Degraded still answers 200; only
// a down engine turns the endpoint red.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checker(w)
	if !ok {
		return
	}
	report := c.Snapshot()
	code := http.StatusOK
	if report.Status == health.StateDown {
		code = http.StatusServiceUnavailable
	}
	httputil.RespondWithJson(w, code, map[string]interface{}{"status": string(report.Status)})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checker(w)
	if !ok {
		return
	}
	if err := c.Live(); err != nil {
		httputil.RespondWithJson(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "down",
			"error":  err.Error(),
		})
		return
	}
	httputil.WriteJson(w, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checker(w)
	if !ok {
		return
	}
	if err := c.Ready(); err != nil {
		httputil.RespondWithJson(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "down",
			"error":  err.Error(),
		})
		return
	}
	httputil.WriteJson(w, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checker(w)
	if !ok {
		return
	}
	report := c.Snapshot()
	code := http.StatusOK
	if report.Status == health.StateDown {
		code = http.StatusServiceUnavailable
	}
	httputil.RespondWithJson(w, code, report)
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}
