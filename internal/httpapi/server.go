package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

// SyncService is the engine surface the API exposes. *calsync.Engine
// implements it.
type SyncService interface {
	EnqueueLocalChange(ctx context.Context, ev calsync.Event, op calsync.Operation) (calsync.Mutation, error)
	Event(id string) (calsync.Event, bool)
	Events() []calsync.Event
	PendingConflicts() []calsync.ConflictRecord
	ResolveConflictManually(ctx context.Context, eventID string, decision calsync.ManualResolution) (calsync.Resolution, error)
	ForceSync(ctx context.Context) (calsync.SyncResult, error)
	Status() calsync.SyncStatus
	Strategy() calsync.Strategy
	Subscribe(fn func(calsync.SyncEvent)) func()
}

// NotificationIngester applies webhook deliveries. *calsync.Ingestor
// implements it.
type NotificationIngester interface {
	Ingest(ctx context.Context, n calsync.Notification) (calsync.IngestResult, error)
}

type ServerConfig struct {
	JWTSecret string
	// OwnerID restricts bearer tokens to one calendar owner when set.
	OwnerID          string
	WebhookSecret    string
	WebhookMaxSkew   time.Duration
	WebhookProviders []string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	StreamBuffer     int
	Logger           *slog.Logger
}

type Server struct {
	engine            SyncService
	ingester          NotificationIngester
	cfg               ServerConfig
	logger            *slog.Logger
	tokens            tokenVerifier
	rateLimiter       *rateLimiter
	webhookProviders  map[string]struct{}
	webhookReplayMu   sync.Mutex
	webhookReplaySeen map[string]time.Time
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

// NewServerWithConfig builds the API handler. Both secrets are required.
func NewServerWithConfig(engine SyncService, ingester NotificationIngester, cfg ServerConfig) (*Server, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("%w: jwt secret is required", calsync.ErrInvalidInput)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", calsync.ErrInvalidInput)
	}
	if cfg.WebhookMaxSkew == 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
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
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	var providers map[string]struct{}
	if len(cfg.WebhookProviders) > 0 {
		providers = make(map[string]struct{}, len(cfg.WebhookProviders))
		for _, name := range cfg.WebhookProviders {
			providers[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
		}
	}
	return &Server{
		engine:            engine,
		ingester:          ingester,
		cfg:               cfg,
		logger:            logger,
		tokens:            newTokenVerifier(cfg.JWTSecret, cfg.OwnerID),
		rateLimiter:       limiter,
		webhookProviders:  providers,
		webhookReplaySeen: map[string]time.Time{},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if len(parts) == 3 && parts[1] == "webhooks" && r.Method == http.MethodPost {
		s.handleWebhook(w, r, parts[2])
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events_list"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodPost:
		route = "events_enqueue"
	case len(parts) == 3 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "event"
	case len(parts) == 2 && parts[1] == "conflicts" && r.Method == http.MethodGet:
		route = "conflicts"
	case len(parts) == 4 && parts[1] == "conflicts" && parts[3] == "resolve" && r.Method == http.MethodPost:
		route = "conflict_resolve"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		route = "sync"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "sync_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if route == "sync_stream" && authHeader == "" {
		// browsers cannot set headers on a websocket handshake
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	caller, authErr := s.tokens.authorize(authHeader, route, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		if route != "sync_stream" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		correlationID = uuid.NewString()
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(caller.rateKey(), time.Now().UTC()) {
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
	case "events_list":
		writeJSON(w, http.StatusOK, map[string]any{"events": s.engine.Events()})
	case "events_enqueue":
		s.handleEnqueue(w, r, correlationID)
	case "event":
		s.handleEvent(w, parts[2], correlationID)
	case "conflicts":
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": s.engine.PendingConflicts()})
	case "conflict_resolve":
		s.handleResolve(w, r, parts[2], correlationID)
	case "sync":
		s.handleForceSync(w, r, correlationID)
	case "sync_status":
		writeJSON(w, http.StatusOK, s.engine.Status())
	case "sync_stream":
		s.handleStream(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type enqueueRequest struct {
	Op    calsync.Operation `json:"op"`
	Event calsync.Event     `json:"event"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req enqueueRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Op == "" {
		req.Op = calsync.OpCreate
	}
	m, err := s.engine.EnqueueLocalChange(r.Context(), req.Event, req.Op)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (s *Server) handleEvent(w http.ResponseWriter, eventID, correlationID string) {
	ev, ok := s.engine.Event(eventID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "event not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type resolveRequest struct {
	Strategy string               `json:"strategy"`
	Merge    *calsync.MergePolicy `json:"merge,omitempty"`
	Event    *calsync.Event       `json:"event,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, eventID, correlationID string) {
	var req resolveRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	decision := calsync.ManualResolution{Event: req.Event}
	if strings.TrimSpace(req.Strategy) == "" && req.Event == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "strategy or event is required", correlationID)
		return
	}
	if strings.TrimSpace(req.Strategy) != "" {
		policy := calsync.DefaultMergePolicy()
		if current, ok := s.engine.Strategy().(calsync.Merge); ok {
			policy = current.Policy
		}
		if req.Merge != nil {
			policy = *req.Merge
		}
		strategy, err := calsync.ParseStrategy(req.Strategy, policy)
		if err != nil {
			writeServiceError(w, err, correlationID)
			return
		}
		decision.Strategy = strategy
	}
	res, err := s.engine.ResolveConflictManually(r.Context(), eventID, decision)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	res, err := s.engine.ForceSync(r.Context())
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStream pushes every sync event to the client until it disconnects.
// Events are dropped for clients that fall behind.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	events := make(chan calsync.SyncEvent, s.cfg.StreamBuffer)
	cancel := s.engine.Subscribe(func(ev calsync.SyncEvent) {
		select {
		case events <- ev:
		default:
			s.logger.Warn("sync stream client lagging, event dropped", "correlation_id", correlationID, "kind", ev.Kind)
		}
	})
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("sync stream handshake failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			writeCtx, done := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			done()
			if err != nil {
				s.logger.Debug("sync stream write failed", "correlation_id", correlationID, "error", err)
				return
			}
		}
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, provider string) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if s.webhookProviders != nil {
		if _, ok := s.webhookProviders[provider]; !ok {
			writeError(w, http.StatusNotFound, "not_found", "unknown webhook provider", correlationID)
			return
		}
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Relaycal-Timestamp")
	signature := r.Header.Get("X-Relaycal-Signature")
	if authErr := verifyWebhookSignature(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markWebhookReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "webhook replay detected", correlationID)
		return
	}

	n, err := calsync.DecodeNotification(body, provider)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	res, err := s.ingester.Ingest(r.Context(), n)
	if err != nil {
		s.logger.Warn("webhook ingest failed", "provider", provider, "correlation_id", correlationID, "error", err)
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, calsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrSyncInProgress):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "sync_in_progress", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrConflictPending):
		writeError(w, http.StatusConflict, "conflict_pending", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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

// markWebhookReplaySeen reports whether the (timestamp, signature) pair is
// new within the replay window.
func (s *Server) markWebhookReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.WebhookMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.webhookReplayMu.Lock()
	defer s.webhookReplayMu.Unlock()
	for replayKey, expiresAt := range s.webhookReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.webhookReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.webhookReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.webhookReplaySeen[key] = now.Add(window)
	return true
}
