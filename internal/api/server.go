// Package api implements Scribe's HTTP and WebSocket API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/agent"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/buildinfo"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/connwatch"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/events"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Agent runs conversational turns. *agent.Loop implements it.
type Agent interface {
	HandleTurnStream(ctx context.Context, sessionID, userText string, stream llm.StreamCallback) (*agent.TurnResult, error)
	Model() string
}

// Health reports backend readiness. *connwatch.Manager implements it.
type Health interface {
	Status() []connwatch.Status
	Ready() bool
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	agent    Agent
	sessions *session.Store
	registry *tools.Registry
	health   Health
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	stats    *Stats
}

// Option configures a Server.
type Option func(*Server)

// WithHealth reports h on /health.
func WithHealth(h Health) Option {
	return func(s *Server) { s.health = h }
}

// WithEvents lets WebSocket clients subscribe to bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// Stats counts turns served since start.
type Stats struct {
	mu                sync.Mutex
	TotalInputTokens  int64            `json:"total_input_tokens"`
	TotalOutputTokens int64            `json:"total_output_tokens"`
	TotalTurns        int64            `json:"total_turns"`
	Failures          map[string]int64 `json:"failures,omitempty"`
}

// Record adds a finished turn. err may be nil.
func (s *Stats) Record(res *agent.TurnResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalTurns++
	if err != nil {
		if s.Failures == nil {
			s.Failures = make(map[string]int64)
		}
		s.Failures[agent.ErrorKind(err)]++
		return
	}
	if res != nil {
		s.TotalInputTokens += int64(res.InputTokens)
		s.TotalOutputTokens += int64(res.OutputTokens)
	}
}

// StatsSnapshot is a copy-safe view of Stats.
type StatsSnapshot struct {
	TotalInputTokens  int64            `json:"total_input_tokens"`
	TotalOutputTokens int64            `json:"total_output_tokens"`
	TotalTurns        int64            `json:"total_turns"`
	Failures          map[string]int64 `json:"failures,omitempty"`
	Sessions          int              `json:"sessions"`
	Messages          int              `json:"messages"`
	Uptime            string           `json:"uptime"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		TotalInputTokens:  s.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens,
		TotalTurns:        s.TotalTurns,
	}
	if len(s.Failures) > 0 {
		snap.Failures = make(map[string]int64, len(s.Failures))
		for k, v := range s.Failures {
			snap.Failures[k] = v
		}
	}
	return snap
}

// NewServer creates a new API server. registry may be nil.
func NewServer(address string, port int, a Agent, sessions *session.Store, registry *tools.Registry, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:  address,
		port:     port,
		agent:    a,
		sessions: sessions,
		registry: registry,
		logger:   logger,
		stats:    &Stats{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleSessionHistory)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleSessionTranscript)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.RegisterOllamaRoutes(mux)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // long for streaming responses
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Scribe",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Info()
	info["model"] = s.agent.Model()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string             `json:"status"` // healthy or degraded
	Services []connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	code := http.StatusOK
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Ready() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	if st := s.sessions.Stats(); st != nil {
		snap.Sessions, _ = st["sessions"].(int)
		snap.Messages, _ = st["messages"].(int)
	}
	snap.Uptime = buildinfo.Uptime().String()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	defs := []map[string]any{}
	if s.registry != nil {
		defs = s.registry.Definitions()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": defs}, s.logger)
}

// errorStatus maps an agent error to an HTTP status code.
func errorStatus(kind string) int {
	switch kind {
	case "empty_input":
		return http.StatusBadRequest
	case "unknown_session":
		return http.StatusNotFound
	case "model_unavailable":
		return http.StatusServiceUnavailable
	case "timeout":
		return http.StatusGatewayTimeout
	case "empty_response":
		return http.StatusBadGateway
	case "tool_loop_limit":
		return http.StatusLoopDetected
	case "canceled":
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusClientClosedRequest is the nginx convention for a request the
// client abandoned.
const statusClientClosedRequest = 499

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) agentError(w http.ResponseWriter, err error) {
	kind := agent.ErrorKind(err)
	s.errorResponse(w, errorStatus(kind), kind, err.Error())
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
