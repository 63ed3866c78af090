package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/deskmigrate/internal/migrate"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the trigger surface of the migration pipeline. Every stage runs on
// demand: an operator (or a runbook script) POSTs the trigger and gets a
// summary back once the stage finishes.
type Server struct {
	pipeline    *migrate.Pipeline
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(pipeline *migrate.Pipeline) *Server {
	return NewServerWithConfig(pipeline, ServerConfig{})
}

func NewServerWithConfig(pipeline *migrate.Pipeline, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		pipeline:    pipeline,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = "migrate:read"
		route = "status"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "progress" && r.Method == http.MethodGet:
		requiredScope = "migrate:read"
		route = "progress"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "extract" && r.Method == http.MethodPost:
		requiredScope = "migrate:extract"
		route = "extract"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "upload" && r.Method == http.MethodPost:
		requiredScope = "migrate:upload"
		route = "upload"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "conversations" && parts[2] == "upload" && r.Method == http.MethodPost:
		requiredScope = "migrate:upload"
		route = "conversations"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "requests" && parts[2] == "update-statuses" && r.Method == http.MethodPost:
		requiredScope = "migrate:update"
		route = "update_statuses"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "requests" && parts[2] == "update-owners" && r.Method == http.MethodPost:
		requiredScope = "migrate:update"
		route = "update_owners"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "requests" && parts[2] == "update-followers" && r.Method == http.MethodPost:
		requiredScope = "migrate:update"
		route = "update_followers"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if route == "progress" && authHeader == "" {
		// Browser WebSocket clients cannot set request headers.
		if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && r.Method == http.MethodPost {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		s.handleStatus(w, r, correlationID)
	case "progress":
		s.handleProgress(w, r)
	case "extract":
		s.handleExtract(w, r, parts[2], correlationID)
	case "upload":
		s.handleUpload(w, r, parts[2], correlationID)
	case "conversations":
		s.handleConversations(w, r, correlationID)
	case "update_statuses":
		s.handleUpdatePass(w, r, s.pipeline.UpdateStatuses, correlationID)
	case "update_owners":
		s.handleUpdatePass(w, r, s.pipeline.UpdateOwners, correlationID)
	case "update_followers":
		s.handleUpdatePass(w, r, s.pipeline.UpdateFollowers, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.pipeline.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleProgress upgrades to a websocket and streams pipeline progress events
// until the client disconnects.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := s.pipeline.Progress().Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request, rawKind, correlationID string) {
	kind, err := migrate.ParseEntityKind(rawKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	summary, err := s.pipeline.Extract(r.Context(), kind)
	if err != nil {
		writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, rawKind, correlationID string) {
	kind, err := migrate.ParseEntityKind(rawKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	fromID, ok := parseOptionalID(r.URL.Query().Get("from_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid from_id", correlationID)
		return
	}
	toID, ok := parseOptionalID(r.URL.Query().Get("to_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid to_id", correlationID)
		return
	}
	summary, err := s.pipeline.Upload(r.Context(), kind, fromID, toID)
	if err != nil {
		writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, correlationID string) {
	fromID, ok := parseOptionalID(r.URL.Query().Get("from_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid from_id", correlationID)
		return
	}
	toID, ok := parseOptionalID(r.URL.Query().Get("to_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid to_id", correlationID)
		return
	}
	summary, err := s.pipeline.UploadConversations(r.Context(), fromID, toID)
	if err != nil {
		writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUpdatePass(w http.ResponseWriter, r *http.Request, pass func(ctx context.Context) (migrate.Summary, error), correlationID string) {
	summary, err := pass(r.Context())
	if err != nil {
		writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writePipelineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, migrate.ErrInvalidInput), errors.Is(err, migrate.ErrUnsupportedKind):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, migrate.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, migrate.ErrTicketNotMapped):
		writeError(w, http.StatusConflict, "ticket_not_mapped", err.Error(), correlationID)
	case errors.Is(err, migrate.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func parseOptionalID(raw string) (*int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &parsed, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
