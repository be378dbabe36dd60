package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/wricardo/mcp-training/toolgate/core/service"
	"github.com/wricardo/mcp-training/toolgate/transport/websocket"
)

const (
	// Maximum accepted body for an invocation
	maxBodyBytes = 1 << 20

	defaultEventLimit = 100

	// Seconds a busy client should wait before retrying
	retryAfterSeconds = "1"
)

// Server represents the REST API server
type Server struct {
	service service.ToolService
	hub     *websocket.Hub
	router  *mux.Router
	log     zerolog.Logger
}

// NewServer creates a new API server. hub may be nil, in which case /ws is
// not served.
func NewServer(toolService service.ToolService, hub *websocket.Hub, log zerolog.Logger) *Server {
	s := &Server{
		service: toolService,
		hub:     hub,
		router:  mux.NewRouter(),
		log:     log.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.accessLog)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("GET")

	// Tools
	api.HandleFunc("/tools", s.handleListTools).Methods("GET")
	api.HandleFunc("/tools/{name}/invoke", s.handleInvoke).Methods("POST")

	// Sessions
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/events", s.handleSessionEvents).Methods("GET")

	// Lifecycle
	api.HandleFunc("/lifecycle/stats", s.handleLifecycleStats).Methods("GET")
	api.HandleFunc("/lifecycle/events", s.handleRecentEvents).Methods("GET")

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}
}

// Mount serves h at path, for endpoints owned by other transports
func (s *Server) Mount(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps a service error to its HTTP status
func respondServiceError(w http.ResponseWriter, err error) {
	kind := service.Classify(err)

	status := http.StatusInternalServerError
	switch kind {
	case service.KindBusy:
		w.Header().Set("Retry-After", retryAfterSeconds)
		status = http.StatusServiceUnavailable
	case service.KindDraining:
		status = http.StatusServiceUnavailable
	case service.KindPayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case service.KindInvalid:
		status = http.StatusBadRequest
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindTimeout:
		status = http.StatusGatewayTimeout
	case service.KindOperation:
		status = http.StatusBadGateway
	}

	respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

// Health and metrics

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health(r.Context())

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Metrics(r.Context()))
}

// Tool handlers

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.service.ListTools(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(tools),
		"tools": tools,
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req struct {
		Arguments map[string]any `json:"arguments"`
		RequestID string         `json:"request_id,omitempty"`
		SessionID string         `json:"session_id,omitempty"`
		TimeoutMs int64          `json:"timeout_ms,omitempty"`
	}

	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	invokeReq := service.InvokeRequest{
		Tool:      name,
		Arguments: req.Arguments,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
	}
	if req.TimeoutMs > 0 {
		invokeReq.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	inv, err := s.service.Invoke(r.Context(), invokeReq)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, inv)
}

// Session handlers

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.service.ActiveSessions(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	sess, err := s.service.GetSession(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	events := s.service.SessionEvents(r.Context(), sessionID)
	if len(events) == 0 {
		respondError(w, http.StatusNotFound, "No events recorded for session "+sessionID)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"count":      len(events),
		"events":     events,
	})
}

// Lifecycle handlers

func (s *Server) handleLifecycleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.LifecycleStats(r.Context()))
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = l
	}

	events := s.service.RecentEvents(r.Context(), limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

// WebSocket handler. Without session_id the client receives every
// session's events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, r.URL.Query().Get("session_id"))
}
