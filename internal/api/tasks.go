package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ai-task-platform/internal/models"
	"ai-task-platform/internal/store"
	"ai-task-platform/internal/telemetry"
)

// priorityParam accepts a priority as a name ("high") or as its ordinal (3).
type priorityParam struct {
	set   bool
	value models.Priority
}

func (p *priorityParam) UnmarshalJSON(b []byte) error {
	raw := string(bytes.Trim(b, `"`))
	if raw == "null" {
		return nil
	}
	v, err := models.ParsePriority(raw)
	if err != nil {
		return err
	}
	p.set, p.value = true, v
	return nil
}

type createTaskRequest struct {
	Type         string         `json:"type"`
	Priority     priorityParam  `json:"priority"`
	Data         map[string]any `json:"data"`
	Mode         string         `json:"mode"`
	AgentID      string         `json:"agent_id"`
	Deadline     *time.Time     `json:"deadline"`
	MaxRetries   *int           `json:"max_retries"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := userFromRequest(r)
	if s.limiter != nil {
		decision, err := s.limiter.AllowUser(r.Context(), userID)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(decision.Remaining)))
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
	}

	priority := models.PriorityNormal
	if req.Priority.set {
		priority = req.Priority.value
	}
	task := models.NewTask(req.Type, priority, req.Data)
	task.UserID = userID
	task.AgentID = req.AgentID
	if req.Mode != "" {
		task.Mode = req.Mode
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}
	if req.Deadline != nil {
		d := req.Deadline.UTC().Truncate(time.Millisecond)
		task.Deadline = &d
	}

	if _, err := s.store.CreateTask(r.Context(), task); err != nil {
		s.writeError(w, r, err)
		return
	}

	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	if err := s.queue.Enqueue(r.Context(), task.ID, task.Priority, runAt); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if markErr := s.store.MarkTaskFailed(r.Context(), task.ID, msg, 0); markErr != nil {
			s.logger.Error("mark unqueued task failed", "task_id", task.ID, "error", markErr)
		}
		s.logger.Error("enqueue failed", "task_id", task.ID, "error", err)
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}
	telemetry.TasksCreated.WithLabelValues(task.Priority.String()).Inc()

	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, found, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		Type:    q.Get("type"),
		AgentID: q.Get("agent_id"),
		UserID:  q.Get("user_id"),
	}
	if raw := q.Get("status"); raw != "" {
		st, err := models.ParseTaskStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = st
	}
	if raw := q.Get("priority"); raw != "" {
		p, err := models.ParsePriority(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Priority = p
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "limit", Reason: err.Error()})
		return
	}
	f.Limit = limit

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type updateTaskRequest struct {
	Status         *string        `json:"status"`
	Priority       priorityParam  `json:"priority"`
	Data           map[string]any `json:"data"`
	Mode           *string        `json:"mode"`
	AgentID        *string        `json:"agent_id"`
	Deadline       *time.Time     `json:"deadline"`
	MaxRetries     *int           `json:"max_retries"`
	RetryCount     *int           `json:"retry_count"`
	Result         map[string]any `json:"result"`
	Error          *string        `json:"error"`
	ProcessingTime *float64       `json:"processing_time"`
}

func (req updateTaskRequest) toUpdate() (store.TaskUpdate, error) {
	u := store.TaskUpdate{
		Data:           req.Data,
		Mode:           req.Mode,
		AgentID:        req.AgentID,
		MaxRetries:     req.MaxRetries,
		RetryCount:     req.RetryCount,
		Result:         req.Result,
		Error:          req.Error,
		ProcessingTime: req.ProcessingTime,
	}
	if req.Status != nil {
		st, err := models.ParseTaskStatus(*req.Status)
		if err != nil {
			return u, err
		}
		u.Status = &st
	}
	if req.Priority.set {
		p := req.Priority.value
		u.Priority = &p
	}
	if req.Deadline != nil {
		d := req.Deadline.UTC().Truncate(time.Millisecond)
		u.Deadline = &d
	}
	return u, nil
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := req.toUpdate()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.UpdateTask(r.Context(), id, u); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetTask(w, r)
}

type completeTaskRequest struct {
	Result         map[string]any `json:"result"`
	ProcessingTime float64        `json:"processing_time"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.MarkTaskCompleted(r.Context(), id, req.Result, req.ProcessingTime); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dropFromQueue(r, id)
	s.handleGetTask(w, r)
}

type failTaskRequest struct {
	Error      string `json:"error"`
	RetryCount *int   `json:"retry_count"`
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req failTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	retryCount := 0
	if req.RetryCount != nil {
		retryCount = *req.RetryCount
	} else {
		current, found, err := s.store.GetTask(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !found {
			s.writeError(w, r, store.ErrNotFound)
			return
		}
		retryCount = current.RetryCount
	}
	if err := s.store.MarkTaskFailed(r.Context(), id, req.Error, retryCount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dropFromQueue(r, id)
	s.handleGetTask(w, r)
}

// dropFromQueue removes a task finished through the API so no worker picks it up.
func (s *Server) dropFromQueue(r *http.Request, id string) {
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		s.logger.Warn("failed to remove finished task from queue", "task_id", id, "error", err)
	}
}

var _ json.Unmarshaler = (*priorityParam)(nil)
