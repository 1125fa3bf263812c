package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/snow-ghost/usagemeter/pkg/alert"
	"github.com/snow-ghost/usagemeter/pkg/audit"
	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/cost"
	"github.com/snow-ghost/usagemeter/pkg/engine"
	"github.com/snow-ghost/usagemeter/pkg/limiter"
	"github.com/snow-ghost/usagemeter/pkg/logging"
	"github.com/snow-ghost/usagemeter/pkg/tracing"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// ActorHeader carries the authenticated caller identity
const ActorHeader = "X-Actor"

// RequestIDHeader is echoed back, or generated when absent
const RequestIDHeader = "X-Request-ID"

const defaultActor = "anonymous"

// Server exposes the engine over HTTP. Callers are authenticated upstream.
type Server struct {
	engine   *engine.Engine
	logger   *logging.Logger
	tracer   *tracing.Tracer
	metrics  http.Handler
	limiter  *limiter.RateLimiter
	audit    *audit.Recorder
	currency string
	now      func() time.Time
	router   *http.ServeMux
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTracer sets the tracer for request spans
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithMetricsHandler serves h at /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRateLimiter limits ingestion per actor
func WithRateLimiter(rl *limiter.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithAuditRecorder serves the recorder's notifications under /v1/audit
func WithAuditRecorder(r *audit.Recorder) Option {
	return func(s *Server) { s.audit = r }
}

// WithCurrency sets the currency reported in the X-Cost-Total header
func WithCurrency(c string) Option {
	return func(s *Server) { s.currency = c }
}

// WithClock sets the clock that stamps records sent without a timestamp
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a new HTTP server
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   eng,
		logger:   logging.NewNop(),
		tracer:   tracing.NewNoop(),
		currency: "USD",
		now:      time.Now,
		router:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	v1 := http.NewServeMux()
	v1.HandleFunc("/usage", s.handleIngest)
	v1.HandleFunc("/stats", s.handleStats)
	v1.HandleFunc("/stats/history", s.handleHistory)
	v1.HandleFunc("/models", s.handleModels)
	v1.HandleFunc("/alerts", s.handleAlerts)
	v1.HandleFunc("/alerts/history", s.handleAlertHistory)
	v1.HandleFunc("/cache", s.handleCache)
	v1.HandleFunc("/admin/cache/clear", s.handleClearCache)
	v1.HandleFunc("/admin/history/reset", s.handleResetHistory)
	if s.audit != nil {
		v1.HandleFunc("/audit/logs", s.handleAuditLogs)
		v1.HandleFunc("/audit/stats", s.handleAuditStats)
	}

	s.router.Handle("/v1/", http.StripPrefix("/v1", v1))
}

// Handler returns the root handler with request tracing and logging
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx, span := s.tracer.StartSpan(r.Context(), "http.request")
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.router.ServeHTTP(rec, r.WithContext(ctx))

		actor := actorOf(r)
		tracing.AddSpanAttributes(span, map[string]interface{}{
			"http.method":      r.Method,
			"http.path":        r.URL.Path,
			"http.status_code": rec.status,
			"http.request_id":  requestID,
			"usage.actor":      actor,
		})

		logger := s.logger.WithRequestID(ctx, requestID)
		if traceID := tracing.GetTraceID(ctx); traceID != "" {
			logger = logger.WithTraceID(ctx, traceID)
		}
		logger.LogRequest(ctx, r.Method, r.URL.Path, rec.status, time.Since(start), actor)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func actorOf(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		return actor
	}
	return defaultActor
}

// ingestRequest is the wire form of a usage record
type ingestRequest struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Provider  string       `json:"provider"`
	Model     string       `json:"model"`
	TokensIn  int64        `json:"tokens_in"`
	TokensOut int64        `json:"tokens_out"`
	Cost      usage.Micros `json:"cost"`
	Status    string       `json:"status"` // success, error or timeout
	Succeeded *bool        `json:"succeeded"`
	SessionID string       `json:"session_id"`
	LatencyMS int64        `json:"latency_ms"`
}

func (req ingestRequest) record(now time.Time) (usage.Record, error) {
	rec := usage.Record{
		ID:        req.ID,
		Timestamp: req.Timestamp,
		Provider:  req.Provider,
		Model:     req.Model,
		TokensIn:  req.TokensIn,
		TokensOut: req.TokensOut,
		Cost:      req.Cost,
		Succeeded: true,
		SessionID: req.SessionID,
		LatencyMS: req.LatencyMS,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	switch strings.ToLower(req.Status) {
	case "":
		if req.Succeeded != nil {
			rec.Succeeded = *req.Succeeded
		}
	case "success":
	case "error", "timeout":
		rec.Succeeded = false
	default:
		return usage.Record{}, errors.New("status must be success, error or timeout")
	}
	return rec, nil
}

// handleIngest handles usage record ingestion
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	actor := actorOf(r)
	if s.limiter != nil && !s.limiter.Allow(actor) {
		s.writeError(w, "Rate limit exceeded", "RATE_LIMITED", http.StatusTooManyRequests)
		return
	}

	var req ingestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, "Invalid request body: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest)
		return
	}
	rec, err := req.record(s.now())
	if err != nil {
		s.writeError(w, err.Error(), "INVALID_RECORD", http.StatusBadRequest)
		return
	}

	stored, err := s.engine.Ingest(r.Context(), actor, rec)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set("X-Cost-Total", cost.FormatCostHeader(stored.Cost, s.currency))
	s.writeJSON(w, http.StatusCreated, stored)
}

// statsResponse adds the derived ratios to a stats result
type statsResponse struct {
	usage.StatsResult
	ErrorRate     float64 `json:"error_rate"`
	SuccessRate   float64 `json:"success_rate"`
	AverageTokens float64 `json:"average_tokens"`
}

// handleStats handles filtered statistics requests
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	spec, err := parseFilter(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	res, err := s.engine.Query(r.Context(), spec)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		StatsResult:   res,
		ErrorRate:     res.ErrorRate(),
		SuccessRate:   res.SuccessRate(),
		AverageTokens: res.AverageTokens(),
	})
}

func parseFilter(r *http.Request) (calendar.FilterSpec, error) {
	q := r.URL.Query()

	kind, err := calendar.ParseRange(q.Get("range"))
	if err != nil {
		return calendar.FilterSpec{}, err
	}
	spec := calendar.FilterSpec{Range: kind}.Scoped(q.Get("model"), q.Get("provider"))

	for name, dst := range map[string]*time.Time{"start": &spec.Start, "end": &spec.End} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return calendar.FilterSpec{}, errors.Join(usage.ErrInvalidRange, err)
		}
		*dst = t
	}
	return spec, nil
}

// handleHistory handles cumulative totals requests
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.HistoricalSnapshot())
}

// handleAlerts handles open alert listing
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	open, err := s.engine.ListOpenAlerts(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alertsResponse{Alerts: nonNil(open), Count: len(open)})
}

type alertsResponse struct {
	Alerts []alert.Event `json:"alerts"`
	Count  int           `json:"count"`
}

func nonNil(events []alert.Event) []alert.Event {
	if events == nil {
		return []alert.Event{}
	}
	return events
}

// handleAlertHistory handles alert history requests
func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, ok := s.parseLimit(w, r, alert.DefaultHistoryLimit)
	if !ok {
		return
	}

	history, err := s.engine.AlertHistory(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alertsResponse{Alerts: nonNil(history), Count: len(history)})
}

// parseLimit reads the optional limit query parameter. It writes the error
// response itself and reports false when the value is invalid.
func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		s.writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// handleModels lists the models and providers ingested so far
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Dimensions())
}

type auditLogsResponse struct {
	Logs  []audit.Notification `json:"logs"`
	Count int                  `json:"count"`
}

// handleAuditLogs returns the newest audit notifications first
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, ok := s.parseLimit(w, r, audit.DefaultRecorderLimit)
	if !ok {
		return
	}
	logs := s.audit.Recent(limit)
	s.writeJSON(w, http.StatusOK, auditLogsResponse{Logs: logs, Count: len(logs)})
}

type auditStatsResponse struct {
	Actions map[string]int64 `json:"actions"`
	Total   int64            `json:"total"`
}

// handleAuditStats counts notifications per action since startup
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := auditStatsResponse{Actions: make(map[string]int64, len(audit.Actions))}
	for _, action := range audit.Actions {
		n := s.audit.Count(action)
		resp.Actions[action] = n
		resp.Total += n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCache handles cache statistics requests
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.CacheStats())
}

// handleClearCache drops every cached result
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.engine.ClearCache(r.Context(), actorOf(r)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleResetHistory zeroes the cumulative totals
func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	previous := s.engine.ResetHistorical(r.Context(), actorOf(r))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "reset",
		"previous": previous,
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := s.engine.Health(r.Context())
	status := http.StatusOK
	if report.Status == engine.StatusUnavailable {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

// errorResponse is the body of every error reply
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeEngineError maps engine errors to status codes
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, usage.ErrInvalidRecord):
		s.writeError(w, err.Error(), "INVALID_RECORD", http.StatusBadRequest)
	case errors.Is(err, usage.ErrInvalidRange):
		s.writeError(w, err.Error(), "INVALID_RANGE", http.StatusBadRequest)
	case errors.Is(err, alert.ErrInvalidRule):
		s.writeError(w, err.Error(), "INVALID_RULE", http.StatusBadRequest)
	case errors.Is(err, usage.ErrComputeTimeout):
		s.writeError(w, err.Error(), "COMPUTE_TIMEOUT", http.StatusGatewayTimeout)
	case errors.Is(err, usage.ErrBackendUnavailable), errors.Is(err, limiter.ErrCircuitOpen):
		s.writeError(w, err.Error(), "BACKEND_UNAVAILABLE", http.StatusServiceUnavailable)
	default:
		s.logger.Error("Unhandled request error", "error", err)
		s.writeError(w, "Internal server error", "INTERNAL", http.StatusInternalServerError)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, message, code string, statusCode int) {
	s.writeJSON(w, statusCode, errorResponse{Error: message, Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}
