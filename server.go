package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/server"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

// defaultEventLimit is the number of events returned when no limit is given.
const defaultEventLimit = 100

// StatusSource reports the monitor state.
type StatusSource interface {
	Status() types.MonitorStatus
}

// Tester runs a notification or storage connectivity test.
type Tester func(ctx context.Context) error

// Server is the HTTP API of the noise meter.
type Server struct {
	config  *config.Config
	monitor StatusSource
	hub     *server.Hub
	version *VersionChecker
	metrics *metrics.Metrics
	tests   map[string]Tester

	eventLogPath string
	devices      func() []audio.Device
}

// NewServer returns a Server for the given monitor.
func NewServer(cfg *config.Config, mon StatusSource, eventLogPath string, m *metrics.Metrics, version *VersionChecker) *Server {
	return &Server{
		config:       cfg,
		monitor:      mon,
		hub:          server.NewHub(),
		version:      version,
		metrics:      m,
		tests:        make(map[string]Tester),
		eventLogPath: eventLogPath,
		devices:      audio.Devices,
	}
}

// RegisterTest makes a connectivity test available at POST /api/test/{name}.
func (s *Server) RegisterTest(name string, fn Tester) {
	s.tests[name] = fn
}

// BroadcastResult pushes result to all WebSocket clients.
func (s *Server) BroadcastResult(result types.AnalysisResult) {
	s.hub.Broadcast(types.WSResultMessage{Type: "result", Result: result})
}

// statusMessage returns the current status as sent to WebSocket clients.
func (s *Server) statusMessage() types.WSStatusMessage {
	msg := types.WSStatusMessage{Type: "status", Status: s.monitor.Status()}
	if s.version != nil {
		msg.Version = s.version.Info()
	}
	return msg
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, s.statusMessage())
}

// eventsResponse is the body of GET /api/events.
type eventsResponse struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

// handleEvents handles GET /api/events?limit=&offset=&filter=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := server.IntParam(r, "limit", defaultEventLimit)
	if !ok {
		server.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, ok := server.IntParam(r, "offset", 0)
	if !ok {
		server.WriteError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	filter, err := eventlog.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, hasMore, err := eventlog.ReadLast(s.eventLogPath, limit, offset, filter)
	if err != nil {
		slog.Error("failed to read event log", "path", s.eventLogPath, "error", err)
		server.WriteError(w, http.StatusInternalServerError, "failed to read event log")
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	server.WriteJSON(w, http.StatusOK, eventsResponse{Events: events, HasMore: hasMore})
}

// handleDevices handles GET /api/devices.
func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, s.devices())
}

// testResult is the body of POST /api/test/{name}.
type testResult struct {
	Test    string `json:"test"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleTest handles POST /api/test/{name}.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	fn, ok := s.tests[name]
	if !ok {
		server.WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown or unconfigured test: %s", name))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result := testResult{Test: name, Success: true}
	if err := fn(ctx); err != nil {
		slog.Error("test failed", "test", name, "error", err)
		result.Success = false
		result.Error = err.Error()
		server.WriteJSON(w, http.StatusBadGateway, result)
		return
	}
	slog.Info("test succeeded", "test", name)
	server.WriteJSON(w, http.StatusOK, result)
}

// handleWebSocket streams status and results to the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	s.hub.Serve(conn, s.statusMessage())
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := server.BasicAuth(s.config.System.Username, s.config.System.Password)

	route := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(server.Instrument(s.metrics, endpoint, h)))
	}

	route("GET /api/status", "/api/status", s.handleStatus)
	route("GET /api/events", "/api/events", s.handleEvents)
	route("GET /api/devices", "/api/devices", s.handleDevices)
	route("POST /api/test/{name}", "/api/test", s.handleTest)
	mux.Handle("GET /ws", auth(http.HandlerFunc(s.handleWebSocket)))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return server.SecurityHeaders(mux)
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.System.Port)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
