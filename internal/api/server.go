package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/models"
	"ai-task-platform/internal/queue"
	"ai-task-platform/internal/ratelimit"
	"ai-task-platform/internal/store"
	"ai-task-platform/internal/telemetry"
)

// Server wires HTTP handlers for tasks, agents, metrics and contexts.
type Server struct {
	cfg     config.Config
	store   *store.Manager
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st *store.Manager, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Patch("/{id}", s.handleUpdateTask)
		r.Post("/{id}/complete", s.handleCompleteTask)
		r.Post("/{id}/fail", s.handleFailTask)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.handleCreateAgent)
		r.Get("/", s.handleListAgents)
		r.Get("/{id}", s.handleGetAgent)
		r.Patch("/{id}", s.handleUpdateAgent)
		r.Delete("/{id}", s.handleDeleteAgent)
	})

	r.Post("/performance", s.handleStoreMetric)
	r.Get("/performance", s.handleGetMetrics)

	r.Route("/contexts", func(r chi.Router) {
		r.Post("/", s.handleCreateContext)
		r.Get("/{id}", s.handleGetContext)
		r.Patch("/{id}", s.handleUpdateContext)
		r.Post("/{id}/turns", s.handleAppendTurn)
		r.Post("/{id}/agents", s.handleAddContextAgent)
		r.Delete("/{id}/agents/{agentID}", s.handleRemoveContextAgent)
	})

	r.Post("/admin/cleanup", s.handleCleanup)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleStoreMetric(w http.ResponseWriter, r *http.Request) {
	var metric models.PerformanceMetric
	if !decodeBody(w, r, &metric) {
		return
	}
	id, err := s.store.StorePerformanceMetric(r.Context(), metric)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours, err := intParam(q.Get("hours"), 24)
	if err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "hours", Reason: err.Error()})
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "limit", Reason: err.Error()})
		return
	}
	metrics, err := s.store.GetPerformanceMetrics(r.Context(), store.MetricQuery{
		AgentID: q.Get("agent_id"),
		Name:    q.Get("name"),
		Hours:   hours,
		Limit:   limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": metrics})
}

// handleCleanup runs retention cleanup. days defaults to RETENTION_DAYS.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"), s.cfg.RetentionDays)
	if err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "days", Reason: err.Error()})
		return
	}
	report, err := s.store.CleanupOldData(r.Context(), days)
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// Partial cleanup still reports what was removed.
		s.logger.Warn("cleanup incomplete", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	var ve *models.ValidationError
	var se *store.StorageError
	switch {
	case errors.As(err, &ve):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict):
		code = http.StatusConflict
	case errors.As(err, &se):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, code, map[string]string{
		"error":      err.Error(),
		"request_id": middleware.GetReqID(r.Context()),
	})
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid json: %v", err)})
		return false
	}
	return true
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
