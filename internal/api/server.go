// Package api exposes the planner over HTTP.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/realtime"
)

// UserHeader carries the caller's user ID.
const UserHeader = "X-User-ID"

const (
	maxBodyBytes = 1 << 20
	checkTimeout = 2 * time.Second
)

// HealthChecker is a dependency probed by /readyz.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds the server's dependencies.
type Config struct {
	Service *planner.Service
	Hub     *realtime.Hub            // nil disables /v1/ws
	Checks  map[string]HealthChecker // probed by /readyz
}

// Server serves the planner API.
type Server struct {
	svc    *planner.Service
	hub    *realtime.Hub
	checks map[string]HealthChecker
}

// New creates an API server.
func New(cfg Config) *Server {
	return &Server{svc: cfg.Service, hub: cfg.Hub, checks: cfg.Checks}
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("POST /v1/syllabus", s.withUser(s.handleImportSyllabus))
	mux.HandleFunc("GET /v1/topics", s.withUser(s.handleListTopics))
	mux.HandleFunc("GET /v1/plan/today", s.withUser(s.handleTodayPlan))
	mux.HandleFunc("POST /v1/quizzes", s.withUser(s.handleSubmitQuiz))
	mux.HandleFunc("POST /v1/study", s.withUser(s.handleStartStudy))
	mux.HandleFunc("GET /v1/tasks", s.withUser(s.handleListTasks))
	mux.HandleFunc("POST /v1/tasks/{id}/complete", s.withUser(s.handleCompleteTask))
	mux.HandleFunc("GET /v1/profile", s.withUser(s.handleGetProfile))
	mux.HandleFunc("PUT /v1/profile", s.withUser(s.handleUpdateProfile))
	mux.HandleFunc("GET /v1/export.xlsx", s.withUser(s.handleExport))
	if s.hub != nil {
		mux.HandleFunc("GET /v1/ws", s.handleWebsocket)
	}
	return logRequests(mux)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: UserHeader + " header is required"})
			return
		}
		h(w, r, userID)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, planner.ErrInvalidInput), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, planner.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, planner.ErrStreakConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// writePartial reports a request whose first writes succeeded.
func writePartial(w http.ResponseWriter, partial *planner.PartialFailureError, result any) {
	slog.Warn("partial failure", "step", partial.Step, "error", partial.Err)
	writeJSON(w, http.StatusMultiStatus, map[string]any{
		"result": result,
		"error":  errorBody{Error: partial.Error(), Step: partial.Step},
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

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets websocket upgrades through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
