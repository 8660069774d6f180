package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/models"
	"ai-task-platform/internal/queue"
	"ai-task-platform/internal/ratelimit"
	"ai-task-platform/internal/store"
	"ai-task-platform/internal/store/memory"
	"ai-task-platform/internal/telemetry"
)

type fixture struct {
	handler http.Handler
	store   *store.Manager
	queue   *queue.RedisQueue
}

func newFixture(t *testing.T, capacity int) fixture {
	t.Helper()
	telemetry.Register()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{RetentionDays: 30}
	q := queue.NewWithClient(client, cfg)
	st := store.NewManager(memory.New(), nil)
	var limiter *ratelimit.TokenBucket
	if capacity > 0 {
		limiter = ratelimit.NewTokenBucket(client, capacity, 0.001, time.Hour)
	}
	return fixture{handler: New(cfg, st, q, limiter, nil).Router(), store: st, queue: q}
}

func (f fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestCreateTaskEnqueuesAndPersists(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/tasks", map[string]any{
		"type":     "summarize",
		"priority": "high",
		"data":     map[string]any{"text": "hello"},
	}, "X-User-ID", "u1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	created := decode[models.AITask](t, rec)
	assert.Equal(t, models.PriorityHigh, created.Priority)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, models.TaskPending, created.Status)

	stored, found, err := f.store.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", stored.Data["text"])

	depth, err := f.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestCreateTaskAcceptsNumericPriority(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "t", "priority": 5})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, models.PriorityCritical, decode[models.AITask](t, rec).Priority)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t, 0)
	cases := map[string]any{
		"missing type":     map[string]any{"priority": "low"},
		"unknown priority": map[string]any{"type": "t", "priority": "extreme"},
		"negative retries": map[string]any{"type": "t", "max_retries": -1},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/tasks", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := f.do(t, http.MethodPost, "/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "t"}, "X-User-ID", "busy")
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "t"}, "X-User-ID", "busy")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "t"}, "X-User-ID", "other")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	created := decode[models.AITask](t, f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "t"}))

	rec := f.do(t, http.MethodGet, "/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/tasks/"+created.ID, map[string]any{"retry_count": 1, "error": "flaky"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[models.AITask](t, rec).RetryCount)

	rec = f.do(t, http.MethodPost, "/tasks/"+created.ID+"/complete", map[string]any{
		"result":          map[string]any{"answer": 42},
		"processing_time": 1.5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[models.AITask](t, rec)
	assert.Equal(t, models.TaskCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ProcessingTime)
	assert.InDelta(t, 1.5, *done.ProcessingTime, 1e-9)

	depth, err := f.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)

	rec = f.do(t, http.MethodPost, "/tasks/"+created.ID+"/fail", map[string]any{"error": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFailTaskKeepsRetryCount(t *testing.T) {
	f := newFixture(t, 0)
	created := decode[models.AITask](t, f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "t"}))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPatch, "/tasks/"+created.ID, map[string]any{"retry_count": 2}).Code)

	rec := f.do(t, http.MethodPost, "/tasks/"+created.ID+"/fail", map[string]any{"error": "boom"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	failed := decode[models.AITask](t, rec)
	assert.Equal(t, models.TaskFailed, failed.Status)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, "boom", failed.Error)

	rec = f.do(t, http.MethodPost, "/tasks/"+created.ID+"/fail", map[string]any{"error": "boom", "retry_count": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskNotFound(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/tasks/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/tasks/missing", map[string]any{"mode": "x"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/tasks/missing/fail", map[string]any{"error": "x"}).Code)
}

func TestListTasksFilters(t *testing.T) {
	f := newFixture(t, 0)
	f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "a"}, "X-User-ID", "u1")
	f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "b"}, "X-User-ID", "u2")

	rec := f.do(t, http.MethodGet, "/tasks?type=a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Tasks []models.AITask `json:"tasks"`
	}](t, rec)
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "u1", body.Tasks[0].UserID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/tasks?status=weird", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/tasks?limit=ten", nil).Code)
}

func TestAgentsCRUD(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/agents", map[string]any{
		"id":           "writer",
		"name":         "Writer",
		"type":         "llm",
		"capabilities": []string{"summarize"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := decode[models.Agent](t, rec)
	assert.Equal(t, models.AgentActive, agent.Status)
	assert.False(t, agent.CreatedAt.IsZero())

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/agents", map[string]any{"id": "writer"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/agents", map[string]any{"status": "sleepy"}).Code)

	rec = f.do(t, http.MethodPatch, "/agents/writer", map[string]any{"status": "offline"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.AgentOffline, decode[models.Agent](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/agents?status=offline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Agents []models.Agent `json:"agents"`
	}](t, rec)
	require.Len(t, list.Agents, 1)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/agents/writer", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/agents/writer", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/agents/writer", nil).Code)
}

func TestPerformanceMetrics(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/performance", map[string]any{"agent_id": "a1", "metric_name": "latency_ms", "value": 12.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f.do(t, http.MethodPost, "/performance", map[string]any{"agent_id": "a2", "metric_name": "latency_ms", "value": 3})

	rec = f.do(t, http.MethodGet, "/performance?hours=1&agent_id=a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Metrics []models.PerformanceMetric `json:"metrics"`
	}](t, rec)
	require.Len(t, body.Metrics, 1)
	assert.InDelta(t, 12.5, body.Metrics[0].Value, 1e-9)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/performance", map[string]any{"value": 1}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/performance?hours=0", nil).Code)
}

func TestContextsFlow(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/contexts", map[string]any{"session_id": "s1"}, "X-User-ID", "u1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "u1", decode[models.AIContext](t, rec).UserID)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/contexts", map[string]any{"session_id": "s1"}).Code)

	rec = f.do(t, http.MethodPost, "/contexts/s1/turns", map[string]any{"role": "user", "content": "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	f.do(t, http.MethodPost, "/contexts/s1/agents", map[string]any{"agent_id": "writer"})
	rec = f.do(t, http.MethodPatch, "/contexts/s1", map[string]any{"current_mode": "chat"})
	require.Equal(t, http.StatusOK, rec.Code)

	c := decode[models.AIContext](t, rec)
	assert.Equal(t, "chat", c.CurrentMode)
	assert.Equal(t, []string{"writer"}, c.ActiveAgents)
	require.Len(t, c.ConversationHistory, 1)
	assert.Equal(t, "hi", c.ConversationHistory[0].Content)
	assert.Equal(t, 3, c.Version)

	rec = f.do(t, http.MethodDelete, "/contexts/s1/agents/writer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[models.AIContext](t, rec).ActiveAgents)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/contexts/s1/turns", map[string]any{"content": "no role"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/contexts/s1/agents", map[string]any{}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/contexts/nope/turns", map[string]any{"role": "user"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/contexts/nope", nil).Code)
}

func TestCleanupEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/admin/cleanup?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Report store.CleanupReport `json:"report"`
	}](t, rec)
	assert.Zero(t, body.Report.Tasks)
	assert.False(t, body.Report.Cutoff.IsZero())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/cleanup?days=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/cleanup?days=abc", nil).Code)
}

func TestCleanupEndpointRejectsHugeWindow(t *testing.T) {
	f := newFixture(t, 0)
	created := decode[models.AITask](t, f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "t"}))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/tasks/"+created.ID+"/complete", map[string]any{}).Code)

	rec := f.do(t, http.MethodPost, "/admin/cleanup?days=200000", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/tasks/"+created.ID, nil).Code)
}

func TestDLQ(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.queue.DLQPush(context.Background(), "dead-1"))
	rec := f.do(t, http.MethodGet, "/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":["dead-1"]}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	f.do(t, http.MethodPost, "/tasks", map[string]any{"type": "t", "priority": "low"})
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ai_tasks_created_total{priority="low"}`)
}

func TestWriteErrorMapping(t *testing.T) {
	s := New(config.Config{}, nil, nil, nil, nil)
	cases := []struct {
		err  error
		code int
	}{
		{&models.ValidationError{Field: "f", Reason: "r"}, http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrDuplicate, http.StatusConflict},
		{store.ErrConflict, http.StatusConflict},
		{&store.StorageError{Op: "get", Collection: store.Tasks, Err: errors.New("down")}, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}
