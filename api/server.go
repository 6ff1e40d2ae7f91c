// Package api exposes the HTTP surface: task intake, approval callbacks
// and read-only views of approvals, audit history and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/atlasops/atlas/core"
	"github.com/atlasops/atlas/orchestration"
)

// Server is the HTTP API around a coordinator.
type Server struct {
	config      *core.Config
	coordinator *orchestration.Coordinator
	logger      core.Logger
	httpServer  *http.Server
}

// NewServer builds the API server. The listener starts on Start.
func NewServer(config *core.Config, coordinator *orchestration.Coordinator, logger core.Logger) *Server {
	s := &Server{
		config:      config,
		coordinator: coordinator,
		logger:      &core.NoOpLogger{},
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("api/server")
		} else {
			s.logger = logger
		}
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Address, config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  config.HTTP.ReadTimeout,
		WriteTimeout: config.HTTP.WriteTimeout,
		IdleTimeout:  config.HTTP.IdleTimeout,
	}
	return s
}

// Handler returns the instrumented route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /task", s.handleTask)
	mux.HandleFunc("POST /approval/{id}/approve", s.handleApproval(true))
	mux.HandleFunc("POST /approval/{id}/reject", s.handleApproval(false))
	mux.HandleFunc("GET /approvals", s.handleApprovals)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if s.config.HTTP.EnableHealthCheck {
		mux.HandleFunc("GET "+s.config.HTTP.HealthCheckPath, s.handleHealth)
	}

	handler := corsMiddleware(s.config.HTTP.CORS)(mux)
	return otelhttp.NewHandler(handler, "atlas.api")
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("API server starting", map[string]interface{}{
		"addr": s.httpServer.Addr,
	})
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down", nil)
	return s.httpServer.Shutdown(ctx)
}

// taskRequest is the POST /task wire format.
type taskRequest struct {
	Description  string                 `json:"description"`
	Risk         string                 `json:"risk"`
	Urgency      string                 `json:"urgency"`
	Kind         string                 `json:"kind,omitempty"`
	TargetWorker string                 `json:"target_worker,omitempty"`
	Beliefs      map[string]float64     `json:"beliefs,omitempty"`
	Evidence     []string               `json:"evidence,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// taskResponse reports the processing outcome plus the decided action.
type taskResponse struct {
	TaskID     string   `json:"task_id"`
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	Errors     []string `json:"errors,omitempty"`
	Action     string   `json:"action,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task := core.NewTask(req.Description, core.Risk(req.Risk), core.Urgency(req.Urgency))
	if req.Kind != "" {
		task.Kind = core.TaskKind(req.Kind)
	}
	task.TargetWorker = req.TargetWorker
	task.Beliefs = req.Beliefs
	task.Evidence = req.Evidence
	task.Payload = req.Payload

	result := s.coordinator.ProcessTask(r.Context(), task)

	resp := taskResponse{
		TaskID:  task.ID,
		Success: result.Success,
		Message: result.Message,
		Errors:  result.Errors,
	}
	if result.Decision != nil {
		resp.Action = string(result.Decision.Action)
		resp.Confidence = result.Decision.Confidence
	}

	status := http.StatusOK
	if !result.Success && strings.Contains(result.Message, "validation") {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleApproval(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		result := s.coordinator.Approvals().HandleResponse(r.Context(), id, approved)
		if !result.Success && strings.Contains(result.Message, "not found") {
			s.writeError(w, http.StatusNotFound, result.Message)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": s.coordinator.Approvals().GetPendingApprovals(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.coordinator.Audit().Entries(),
		"dropped": s.coordinator.Audit().Dropped(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coordinator.Metrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
