// Package storetest holds the conformance tests every store.Backend must pass,
// both at the record level and through the Manager.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-task-platform/internal/models"
	"ai-task-platform/internal/store"
)

// Factory returns an empty backend for a single subtest.
type Factory func(t *testing.T) store.Backend

// RunBackendSuite exercises the raw record contract.
func RunBackendSuite(t *testing.T, newBackend Factory) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, newBackend(t)) })
	t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, newBackend(t)) })
	t.Run("Missing", func(t *testing.T) { testMissing(t, newBackend(t)) })
	t.Run("UpdateMerge", func(t *testing.T) { testUpdateMerge(t, newBackend(t)) })
	t.Run("UpdateExpect", func(t *testing.T) { testUpdateExpect(t, newBackend(t)) })
	t.Run("FindWindowAndFilters", func(t *testing.T) { testFind(t, newBackend(t)) })
	t.Run("DeleteWhere", func(t *testing.T) { testDeleteWhere(t, newBackend(t)) })
	t.Run("Count", func(t *testing.T) { testCount(t, newBackend(t)) })
}

// RunManagerSuite exercises the task/agent/context/metric contract through a Manager.
func RunManagerSuite(t *testing.T, newBackend Factory) {
	newManager := func(t *testing.T) *store.Manager {
		m := store.NewManager(newBackend(t), nil)
		require.NoError(t, m.Initialize(context.Background()))
		return m
	}
	t.Run("TaskRoundTrip", func(t *testing.T) { testTaskRoundTrip(t, newManager(t)) })
	t.Run("TaskExactNumbers", func(t *testing.T) { testTaskExactNumbers(t, newManager(t)) })
	t.Run("TaskCompleteScenario", func(t *testing.T) { testTaskCompleteScenario(t, newManager(t)) })
	t.Run("TaskFailed", func(t *testing.T) { testTaskFailed(t, newManager(t)) })
	t.Run("TaskTerminalIsFinal", func(t *testing.T) { testTaskTerminal(t, newManager(t)) })
	t.Run("TaskValidationAndErrors", func(t *testing.T) { testTaskErrors(t, newManager(t)) })
	t.Run("TaskUpdate", func(t *testing.T) { testTaskUpdate(t, newManager(t)) })
	t.Run("ListTasks", func(t *testing.T) { testListTasks(t, newManager(t)) })
	t.Run("Agents", func(t *testing.T) { testAgents(t, newManager(t)) })
	t.Run("PerformanceMetrics", func(t *testing.T) { testMetrics(t, newManager(t)) })
	t.Run("Contexts", func(t *testing.T) { testContexts(t, newManager(t)) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, newManager(t)) })
	t.Run("CleanupLongRetention", func(t *testing.T) { testCleanupLongRetention(t, newManager(t)) })
}

func testInsertGet(t *testing.T, b store.Backend) {
	ctx := context.Background()
	now := models.Now()
	rec := store.Record{"id": "r1", "status": "pending", "n": 3, "nested": map[string]any{"k": "v"}}

	require.NoError(t, b.Insert(ctx, store.Tasks, "r1", now, rec))

	got, err := b.Get(ctx, store.Tasks, "r1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got["status"])
	assert.EqualValues(t, 3, toFloat(got["n"]))
	assert.Equal(t, "v", toMap(got["nested"])["k"])
}

func testDuplicate(t *testing.T, b store.Backend) {
	ctx := context.Background()
	now := models.Now()
	require.NoError(t, b.Insert(ctx, store.Agents, "a1", now, store.Record{"id": "a1"}))
	err := b.Insert(ctx, store.Agents, "a1", now, store.Record{"id": "a1"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func testMissing(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Get(ctx, store.Tasks, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, b.Update(ctx, store.Tasks, "nope", store.Record{"a": 1}, nil), store.ErrNotFound)
	assert.ErrorIs(t, b.Delete(ctx, store.Tasks, "nope"), store.ErrNotFound)
}

func testUpdateMerge(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Insert(ctx, store.Tasks, "r1", models.Now(), store.Record{"id": "r1", "a": "x", "b": "y"}))

	require.NoError(t, b.Update(ctx, store.Tasks, "r1", store.Record{"b": "z", "c": 1.5}, nil))

	got, err := b.Get(ctx, store.Tasks, "r1")
	require.NoError(t, err)
	assert.Equal(t, "x", got["a"])
	assert.Equal(t, "z", got["b"])
	assert.InDelta(t, 1.5, toFloat(got["c"]), 1e-9)
}

func testUpdateExpect(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Insert(ctx, store.Contexts, "s1", models.Now(), store.Record{"session_id": "s1", "version": 0, "status": "pending"}))

	require.NoError(t, b.Update(ctx, store.Contexts, "s1", store.Record{"version": 1}, store.Record{"version": 0, "status": "pending"}))

	err := b.Update(ctx, store.Contexts, "s1", store.Record{"version": 2}, store.Record{"version": 0})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := b.Get(ctx, store.Contexts, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, toFloat(got["version"]))
}

func testFind(t *testing.T, b store.Backend) {
	ctx := context.Background()
	base := models.Now().Add(-time.Hour)
	for i, status := range []string{"pending", "completed", "pending", "failed"} {
		id := string(rune('a' + i))
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, b.Insert(ctx, store.Tasks, id, at, store.Record{"id": id, "status": status, "priority": i + 1}))
	}

	all, err := b.Find(ctx, store.Tasks, store.Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(all), "newest first")

	pending, err := b.Find(ctx, store.Tasks, store.Query{Filters: map[string]any{"status": "pending"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(pending))

	byPriority, err := b.Find(ctx, store.Tasks, store.Query{Filters: map[string]any{"priority": 2}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(byPriority))

	window, err := b.Find(ctx, store.Tasks, store.Query{Since: base.Add(time.Minute), Before: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(window))

	limited, err := b.Find(ctx, store.Tasks, store.Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, ids(limited))
}

func testCount(t *testing.T, b store.Backend) {
	ctx := context.Background()
	base := models.Now().Add(-time.Hour)
	for i, status := range []string{"pending", "completed", "pending", "failed"} {
		id := string(rune('a' + i))
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, b.Insert(ctx, store.Tasks, id, at, store.Record{"id": id, "status": status}))
	}

	cases := map[string]struct {
		q    store.Query
		want int64
	}{
		"all":          {store.Query{}, 4},
		"status":       {store.Query{Filters: map[string]any{"status": "pending"}}, 2},
		"no match":     {store.Query{Filters: map[string]any{"status": "cancelled"}}, 0},
		"missing key":  {store.Query{Filters: map[string]any{"agent_id": "x"}}, 0},
		"window":       {store.Query{Since: base.Add(time.Minute), Before: base.Add(3 * time.Minute)}, 2},
		"limit ignore": {store.Query{Limit: 1}, 4},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			n, err := b.Count(ctx, store.Tasks, tc.q)
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func testDeleteWhere(t *testing.T, b store.Backend) {
	ctx := context.Background()
	now := models.Now()
	old := now.Add(-48 * time.Hour)
	require.NoError(t, b.Insert(ctx, store.Metrics, "old-1", old, store.Record{"id": "old-1", "kind": "x"}))
	require.NoError(t, b.Insert(ctx, store.Metrics, "old-2", old, store.Record{"id": "old-2", "kind": "y"}))
	require.NoError(t, b.Insert(ctx, store.Metrics, "new-1", now, store.Record{"id": "new-1", "kind": "x"}))

	n, err := b.DeleteWhere(ctx, store.Metrics, store.Query{Filters: map[string]any{"kind": "x"}, Before: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rest, err := b.Find(ctx, store.Metrics, store.Query{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-2", "new-1"}, ids(rest))

	require.NoError(t, b.Delete(ctx, store.Metrics, "new-1"))
	_, err = b.Get(ctx, store.Metrics, "new-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTaskRoundTrip(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	task := models.NewTask("summarize", models.PriorityHigh, map[string]any{"k": "v", "n": 1.5, "tags": []any{"a", "b"}})
	deadline := task.CreatedAt.Add(time.Hour)
	task.Deadline = &deadline
	task.UserID = "user-1"
	task.AgentID = "agent-1"
	task.Mode = "batch"

	id, err := m.CreateTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, task.ID, id)

	got, found, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, task, got)
}

func testTaskExactNumbers(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	data := map[string]any{"count": int64(1), "big": int64(9007199254740993), "ratio": 0.25}
	task := models.NewTask("count", models.PriorityNormal, data)
	_, err := m.CreateTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, m.MarkTaskCompleted(ctx, task.ID, map[string]any{"tokens": int64(1) << 60}, 1))

	got, found, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, data, got.Data)
	assert.Equal(t, map[string]any{"tokens": int64(1) << 60}, got.Result)
}

func testTaskCompleteScenario(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	task := models.NewTask("test_task", models.PriorityNormal, map[string]any{"k": "v"})

	id, err := m.CreateTask(ctx, task)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, found, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got.ID)

	require.NoError(t, m.MarkTaskCompleted(ctx, id, map[string]any{"result": "ok"}, 0.5))

	got, found, err = m.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, map[string]any{"result": "ok"}, got.Result)
	require.NotNil(t, got.ProcessingTime)
	assert.InDelta(t, 0.5, *got.ProcessingTime, 1e-9)
	assert.NotNil(t, got.CompletedAt)
}

func testTaskFailed(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	task := models.NewTask("test_task", models.PriorityLow, nil)
	_, err := m.CreateTask(ctx, task)
	require.NoError(t, err)

	require.NoError(t, m.MarkTaskFailed(ctx, task.ID, "agent crashed", 2))

	got, found, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "agent crashed", got.Error)
	assert.Equal(t, 2, got.RetryCount)
}

func testTaskTerminal(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	task := models.NewTask("test_task", models.PriorityNormal, nil)
	_, err := m.CreateTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, m.MarkTaskCompleted(ctx, task.ID, nil, 0.1))

	assert.ErrorIs(t, m.MarkTaskCompleted(ctx, task.ID, nil, 0.2), store.ErrConflict)
	assert.ErrorIs(t, m.MarkTaskFailed(ctx, task.ID, "late failure", 0), store.ErrConflict)
	pending := models.TaskPending
	assert.ErrorIs(t, m.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &pending}), store.ErrConflict)

	got, _, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func testTaskErrors(t *testing.T, m *store.Manager) {
	ctx := context.Background()

	_, found, err := m.GetTask(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, found)

	bad := models.NewTask("test_task", models.PriorityNormal, nil)
	bad.MaxRetries = 1
	bad.RetryCount = 2
	_, err = m.CreateTask(ctx, bad)
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "retry_count", verr.Field)

	task := models.NewTask("test_task", models.PriorityNormal, nil)
	_, err = m.CreateTask(ctx, task)
	require.NoError(t, err)
	_, err = m.CreateTask(ctx, task)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	err = m.MarkTaskFailed(ctx, task.ID, "boom", task.MaxRetries+1)
	assert.True(t, errors.As(err, &verr), "got %v", err)

	mode := "manual"
	assert.ErrorIs(t, m.UpdateTask(ctx, "does-not-exist", store.TaskUpdate{Mode: &mode}), store.ErrNotFound)
	assert.ErrorIs(t, m.MarkTaskCompleted(ctx, "does-not-exist", nil, 1), store.ErrNotFound)
}

func testTaskUpdate(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	task := models.NewTask("test_task", models.PriorityNormal, map[string]any{"a": "b"})
	_, err := m.CreateTask(ctx, task)
	require.NoError(t, err)

	retries := 1
	agent := "agent-9"
	urgent := models.PriorityUrgent
	require.NoError(t, m.UpdateTask(ctx, task.ID, store.TaskUpdate{RetryCount: &retries, AgentID: &agent, Priority: &urgent}))

	got, _, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "agent-9", got.AgentID)
	assert.Equal(t, models.PriorityUrgent, got.Priority)
	assert.Equal(t, map[string]any{"a": "b"}, got.Data)
	assert.Equal(t, models.TaskPending, got.Status)

	tooMany := task.MaxRetries + 1
	var verr *models.ValidationError
	assert.True(t, errors.As(m.UpdateTask(ctx, task.ID, store.TaskUpdate{RetryCount: &tooMany}), &verr))
}

func testListTasks(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	a := models.NewTask("summarize", models.PriorityHigh, nil)
	a.UserID = "u1"
	b := models.NewTask("translate", models.PriorityLow, nil)
	b.UserID = "u2"
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	c := models.NewTask("summarize", models.PriorityLow, nil)
	c.UserID = "u1"
	c.CreatedAt = a.CreatedAt.Add(2 * time.Second)
	for _, task := range []models.AITask{a, b, c} {
		_, err := m.CreateTask(ctx, task)
		require.NoError(t, err)
	}
	require.NoError(t, m.MarkTaskCompleted(ctx, c.ID, nil, 1))

	byType, err := m.ListTasks(ctx, store.TaskFilter{Type: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID}, taskIDs(byType))

	pendingU1, err := m.ListTasks(ctx, store.TaskFilter{UserID: "u1", Status: models.TaskPending})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, taskIDs(pendingU1))

	low, err := m.ListTasks(ctx, store.TaskFilter{Priority: models.PriorityLow, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, taskIDs(low))
}

func testAgents(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	agent := models.NewAgent("writer", "llm", "summarize")
	agent.Config = map[string]any{"model": "small"}

	id, err := m.CreateAgent(ctx, agent)
	require.NoError(t, err)
	_, err = m.CreateAgent(ctx, agent)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, found, err := m.GetAgent(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "writer", got.Name)
	assert.Equal(t, []string{"summarize"}, got.Capabilities)
	assert.Equal(t, "small", got.Config["model"])
	assert.True(t, agent.CreatedAt.Equal(got.CreatedAt))

	busy := models.AgentBusy
	seen := models.Now()
	require.NoError(t, m.UpdateAgent(ctx, id, store.AgentUpdate{Status: &busy, LastActiveAt: &seen}))
	got, _, err = m.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AgentBusy, got.Status)
	require.NotNil(t, got.LastActiveAt)
	assert.True(t, seen.Equal(*got.LastActiveAt))

	other := models.NewAgent("painter", "vision", "image_preprocess")
	_, err = m.CreateAgent(ctx, other)
	require.NoError(t, err)

	vision, err := m.ListAgents(ctx, store.AgentFilter{Type: "vision"})
	require.NoError(t, err)
	require.Len(t, vision, 1)
	assert.Equal(t, other.ID, vision[0].ID)

	require.NoError(t, m.TransitionAgent(ctx, other.ID, models.AgentActive, models.AgentBusy))
	assert.ErrorIs(t, m.TransitionAgent(ctx, other.ID, models.AgentActive, models.AgentBusy), store.ErrConflict)
	offline := models.AgentOffline
	require.NoError(t, m.UpdateAgent(ctx, other.ID, store.AgentUpdate{Status: &offline}))
	assert.ErrorIs(t, m.TransitionAgent(ctx, other.ID, models.AgentBusy, models.AgentActive), store.ErrConflict)
	got, _, err = m.GetAgent(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentOffline, got.Status)

	require.NoError(t, m.DeleteAgent(ctx, id))
	_, found, err = m.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, m.DeleteAgent(ctx, id), store.ErrNotFound)
	assert.ErrorIs(t, m.UpdateAgent(ctx, id, store.AgentUpdate{Status: &busy}), store.ErrNotFound)
}

func testMetrics(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	now := models.Now()
	samples := []models.PerformanceMetric{
		{AgentID: "a1", Name: "latency_ms", Value: 120, Timestamp: now.Add(-2 * time.Hour)},
		{AgentID: "a1", Name: "latency_ms", Value: 80, Timestamp: now.Add(-30 * time.Minute)},
		{AgentID: "a2", Name: "latency_ms", Value: 95, Timestamp: now.Add(-10 * time.Minute)},
		{AgentID: "a1", Name: "tokens", Value: 512, Timestamp: now.Add(-5 * time.Minute)},
	}
	for _, s := range samples {
		id, err := m.StorePerformanceMetric(ctx, s)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	recent, err := m.GetPerformanceMetrics(ctx, store.MetricQuery{Hours: 1})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	a1Latency, err := m.GetPerformanceMetrics(ctx, store.MetricQuery{Hours: 1, AgentID: "a1", Name: "latency_ms"})
	require.NoError(t, err)
	require.Len(t, a1Latency, 1)
	assert.InDelta(t, 80, a1Latency[0].Value, 1e-9)

	all, err := m.GetPerformanceMetrics(ctx, store.MetricQuery{Hours: 3, AgentID: "a1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = m.GetPerformanceMetrics(ctx, store.MetricQuery{Hours: 0})
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func testContexts(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	c := models.NewContext("user-1")
	id, err := m.CreateContext(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, c.SessionID, id)

	const writers = 6
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- m.AppendConversationTurn(ctx, id, models.ConversationTurn{Role: "user", Content: string(rune('a' + i))})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, m.AddActiveAgent(ctx, id, "agent-1"))
	require.NoError(t, m.AddActiveAgent(ctx, id, "agent-2"))
	require.NoError(t, m.AddActiveAgent(ctx, id, "agent-1"))
	require.NoError(t, m.RemoveActiveAgent(ctx, id, "agent-2"))
	mode := "research"
	require.NoError(t, m.UpdateContext(ctx, id, store.ContextUpdate{CurrentMode: &mode, Preferences: map[string]any{"tone": "brief"}}))

	got, found, err := m.GetContext(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, got.ConversationHistory, writers)
	assert.Equal(t, []string{"agent-1"}, got.ActiveAgents)
	assert.Equal(t, "research", got.CurrentMode)
	assert.Equal(t, "brief", got.Preferences["tone"])
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, writers+4, got.Version)

	_, found, err = m.GetContext(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, m.AppendConversationTurn(ctx, "missing", models.ConversationTurn{Role: "user"}), store.ErrNotFound)
}

func testCleanup(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	old := models.Now().Add(-40 * 24 * time.Hour)

	oldDone := models.NewTask("t", models.PriorityNormal, nil)
	oldDone.CreatedAt = old
	oldDone.Status = models.TaskCompleted
	oldFailed := models.NewTask("t", models.PriorityNormal, nil)
	oldFailed.CreatedAt = old
	oldFailed.Status = models.TaskFailed
	oldPending := models.NewTask("t", models.PriorityNormal, nil)
	oldPending.CreatedAt = old
	newDone := models.NewTask("t", models.PriorityNormal, nil)
	newDone.Status = models.TaskCompleted
	for _, task := range []models.AITask{oldDone, oldFailed, oldPending, newDone} {
		_, err := m.CreateTask(ctx, task)
		require.NoError(t, err)
	}

	oldOffline := models.NewAgent("gone", "llm")
	oldOffline.Status = models.AgentOffline
	oldOffline.CreatedAt = old
	oldActive := models.NewAgent("veteran", "llm")
	oldActive.CreatedAt = old
	for _, a := range []models.Agent{oldOffline, oldActive} {
		_, err := m.CreateAgent(ctx, a)
		require.NoError(t, err)
	}

	_, err := m.StorePerformanceMetric(ctx, models.PerformanceMetric{Name: "cpu", Value: 1, Timestamp: old})
	require.NoError(t, err)
	_, err = m.StorePerformanceMetric(ctx, models.PerformanceMetric{Name: "cpu", Value: 2})
	require.NoError(t, err)

	oldCtx := models.NewContext("u")
	oldCtx.CreatedAt = old
	_, err = m.CreateContext(ctx, oldCtx)
	require.NoError(t, err)
	newCtx := models.NewContext("u")
	_, err = m.CreateContext(ctx, newCtx)
	require.NoError(t, err)

	report, err := m.CleanupOldData(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.Tasks)
	assert.EqualValues(t, 1, report.Agents)
	assert.EqualValues(t, 1, report.Metrics)
	assert.EqualValues(t, 1, report.Contexts)

	again, err := m.CleanupOldData(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, again.Tasks+again.Agents+again.Metrics+again.Contexts)

	for _, id := range []string{oldPending.ID, newDone.ID} {
		_, found, err := m.GetTask(ctx, id)
		require.NoError(t, err)
		assert.True(t, found, "task %s must survive cleanup", id)
	}
	for _, id := range []string{oldDone.ID, oldFailed.ID} {
		_, found, err := m.GetTask(ctx, id)
		require.NoError(t, err)
		assert.False(t, found, "task %s must be removed", id)
	}
	_, found, err := m.GetAgent(ctx, oldActive.ID)
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = m.GetContext(ctx, newCtx.SessionID)
	require.NoError(t, err)
	assert.True(t, found)

	_, err = m.CleanupOldData(ctx, 0)
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func ids(recs []store.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		id, _ := r["id"].(string)
		out = append(out, id)
	}
	return out
}

func taskIDs(tasks []models.AITask) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func testCleanupLongRetention(t *testing.T, m *store.Manager) {
	ctx := context.Background()
	fresh := models.NewTask("t", models.PriorityNormal, nil)
	fresh.Status = models.TaskCompleted
	_, err := m.CreateTask(ctx, fresh)
	require.NoError(t, err)

	_, err = m.CleanupOldData(ctx, 200000)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "days", ve.Field)

	report, err := m.CleanupOldData(ctx, store.MaxRetentionDays)
	require.NoError(t, err)
	assert.True(t, report.Cutoff.Before(fresh.CreatedAt.AddDate(-99, 0, 0)), "cutoff %s", report.Cutoff)
	assert.Zero(t, report.Tasks)

	_, found, err := m.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, found)
}
