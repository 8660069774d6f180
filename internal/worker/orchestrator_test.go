package worker

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/models"
	"ai-task-platform/internal/queue"
	"ai-task-platform/internal/store"
	"ai-task-platform/internal/store/memory"
)

type harness struct {
	orch  *Orchestrator
	queue *queue.RedisQueue
	store *store.Manager
}

func newHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		VisibilityTimeout: time.Minute,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        100 * time.Millisecond,
	}
	q := queue.NewWithClient(client, cfg)
	st := store.NewManager(memory.New(), nil)
	return harness{orch: NewOrchestrator(cfg, q, st, nil), queue: q, store: st}
}

func (h harness) submit(t *testing.T, task models.AITask) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.CreateTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, task.ID, task.Priority, time.Time{}))
}

func (h harness) task(t *testing.T, id string) models.AITask {
	t.Helper()
	task, found, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return task
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.True(t, b1 >= base/2 && b1 <= max, "backoff out of range: %s", b1)

	b3 := backoffWithJitter(base, max, 3)
	assert.True(t, b3 >= 2*time.Second && b3 <= max, "backoff out of range for attempt 3: %s", b3)

	b10 := backoffWithJitter(base, max, 10)
	assert.True(t, b10 >= max/2 && b10 <= max, "backoff must be capped: %s", b10)
}

func TestSelectAgent(t *testing.T) {
	earlier := models.Now().Add(-time.Hour)
	later := models.Now()
	agents := []models.Agent{
		{ID: "busy", Status: models.AgentBusy, Capabilities: []string{"summarize"}},
		{ID: "recent", Status: models.AgentActive, Capabilities: []string{"summarize"}, LastActiveAt: &later},
		{ID: "idle-longer", Status: models.AgentActive, Capabilities: []string{"summarize"}, LastActiveAt: &earlier},
		{ID: "other", Status: models.AgentActive, Capabilities: []string{"translate"}},
	}

	got, ok := SelectAgent(agents, "summarize")
	require.True(t, ok)
	assert.Equal(t, "idle-longer", got.ID)

	fresh := append(agents, models.Agent{ID: "fresh", Status: models.AgentActive, Capabilities: []string{"summarize"}})
	got, ok = SelectAgent(fresh, "summarize")
	require.True(t, ok)
	assert.Equal(t, "fresh", got.ID)

	_, ok = SelectAgent(agents, "image_preprocess")
	assert.False(t, ok)
}

func TestProcessNextEmptyQueue(t *testing.T) {
	h := newHarness(t)
	processed, err := h.orch.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNextCompletesWithAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	agent := models.NewAgent("writer", "llm", "summarize")
	_, err := h.store.CreateAgent(ctx, agent)
	require.NoError(t, err)

	task := models.NewTask("summarize", models.PriorityHigh, map[string]any{"text": "hello"})
	h.submit(t, task)

	processed, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, agent.ID, got.AgentID)
	assert.Equal(t, map[string]any{"text": "hello"}, got.Result["echo"])
	require.NotNil(t, got.ProcessingTime)

	stored, _, err := h.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentActive, stored.Status)
	assert.NotNil(t, stored.LastActiveAt)

	inflight, err := h.queue.InFlightDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestProcessNextKeepsNamedAgentStatus(t *testing.T) {
	ctx := context.Background()
	for _, status := range []models.AgentStatus{models.AgentOffline, models.AgentIdle, models.AgentBusy} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			agent := models.NewAgent("vision", "vision", "summarize")
			agent.Status = status
			_, err := h.store.CreateAgent(ctx, agent)
			require.NoError(t, err)

			task := models.NewTask("summarize", models.PriorityNormal, nil)
			task.AgentID = agent.ID
			h.submit(t, task)

			processed, err := h.orch.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, processed)
			assert.Equal(t, models.TaskCompleted, h.task(t, task.ID).Status)

			stored, _, err := h.store.GetAgent(ctx, agent.ID)
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
		})
	}
}

func TestNamedActiveAgentIsBusyWhileRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	agent := models.NewAgent("writer", "llm", "summarize")
	_, err := h.store.CreateAgent(ctx, agent)
	require.NoError(t, err)

	var during models.AgentStatus
	h.orch.RegisterHandler("summarize", func(ctx context.Context, task models.AITask) (map[string]any, error) {
		a, _, err := h.store.GetAgent(ctx, task.AgentID)
		during = a.Status
		return nil, err
	})
	task := models.NewTask("summarize", models.PriorityNormal, nil)
	task.AgentID = agent.ID
	h.submit(t, task)

	_, err = h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AgentBusy, during)

	stored, _, err := h.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentActive, stored.Status)
}

func TestProcessNextRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	calls := 0
	h.orch.RegisterHandler("flaky", func(context.Context, models.AITask) (map[string]any, error) {
		calls++
		return nil, errors.New("model unavailable")
	})

	task := models.NewTask("flaky", models.PriorityNormal, nil)
	task.MaxRetries = 1
	h.submit(t, task)

	processed, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "model unavailable", got.Error)
	inflight, err := h.queue.InFlightDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight, "retried task must leave the lease set")

	n, err := h.queue.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	processed, err = h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got = h.task(t, task.ID)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 2, calls)

	dead, err := h.queue.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, dead)
}

func TestProcessNextExpiredDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	called := false
	h.orch.RegisterHandler("late", func(context.Context, models.AITask) (map[string]any, error) {
		called = true
		return nil, nil
	})

	task := models.NewTask("late", models.PriorityNormal, nil)
	task.CreatedAt = models.Now().Add(-2 * time.Hour)
	deadline := task.CreatedAt.Add(time.Hour)
	task.Deadline = &deadline
	h.submit(t, task)

	_, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)

	got := h.task(t, task.ID)
	assert.False(t, called)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "deadline")
}

func TestProcessNextDropsTerminalTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	task := models.NewTask("summarize", models.PriorityNormal, nil)
	h.submit(t, task)
	require.NoError(t, h.store.MarkTaskCompleted(ctx, task.ID, map[string]any{"by": "api"}, 1))

	processed, err := h.orch.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	got := h.task(t, task.ID)
	assert.Equal(t, "api", got.Result["by"])
	inflight, err := h.queue.InFlightDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestDefaultHandlerSimulatedFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.handleDefault(context.Background(), models.NewTask("x", models.PriorityLow, map[string]any{"should_fail": true}))
	assert.Error(t, err)
}

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	old := models.NewTask("x", models.PriorityLow, nil)
	old.CreatedAt = models.Now().Add(-10 * 24 * time.Hour)
	old.Status = models.TaskCompleted
	_, err := h.store.CreateTask(ctx, old)
	require.NoError(t, err)

	report := NewJanitor(h.store, 7, time.Hour, nil).Sweep(ctx)
	assert.EqualValues(t, 1, report.Tasks)
	_, found, err := h.store.GetTask(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, found)
}
