package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
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

// keepOpen lets one backend outlive the close at the end of each command.
type keepOpen struct{ store.Backend }

func (keepOpen) Close() error { return nil }

type env struct {
	store *store.Manager
	mr    *miniredis.Miniredis
	opens int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{
		store: store.NewManager(keepOpen{memory.New()}, nil),
		mr:    miniredis.RunT(t),
	}
}

func (e *env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	open := func(context.Context, config.Config, *slog.Logger) (*store.Manager, error) {
		e.opens++
		return e.store, nil
	}
	newQueue := func(cfg config.Config) *queue.RedisQueue {
		return queue.NewWithClient(redis.NewClient(&redis.Options{Addr: e.mr.Addr()}), cfg)
	}
	root := NewRootCmd(open, newQueue)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func (e *env) seedTask(t *testing.T, taskType string, status models.TaskStatus) models.AITask {
	t.Helper()
	ctx := context.Background()
	task := models.NewTask(taskType, models.PriorityHigh, nil)
	_, err := e.store.CreateTask(ctx, task)
	require.NoError(t, err)
	switch status {
	case models.TaskCompleted:
		require.NoError(t, e.store.MarkTaskCompleted(ctx, task.ID, nil, 0.1))
	case models.TaskFailed:
		require.NoError(t, e.store.MarkTaskFailed(ctx, task.ID, "boom", 0))
	}
	return task
}

func TestMigrateOpensStorage(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "migrate", "--backend", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "backend=memory")
	assert.Equal(t, 1, e.opens)
}

func TestTaskGetAndList(t *testing.T) {
	e := newEnv(t)
	pending := e.seedTask(t, "summarize", models.TaskPending)
	failed := e.seedTask(t, "translate", models.TaskFailed)

	out, err := e.run(t, "", "task", "get", pending.ID)
	require.NoError(t, err)
	var got models.AITask
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, pending.ID, got.ID)

	_, err = e.run(t, "", "task", "get", "missing")
	assert.ErrorContains(t, err, "task not found")

	out, err = e.run(t, "", "task", "list", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, failed.ID)
	assert.NotContains(t, out, pending.ID)
	assert.Contains(t, out, "STATUS")

	out, err = e.run(t, "", "task", "list", "--json", "--type", "summarize")
	require.NoError(t, err)
	var tasks []models.AITask
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, pending.ID, tasks[0].ID)

	_, err = e.run(t, "", "task", "list", "--status", "weird")
	var ve *models.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestAgentListAndDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agent := models.NewAgent("Writer", "llm", "summarize")
	agent.ID = "writer"
	_, err := e.store.CreateAgent(ctx, agent)
	require.NoError(t, err)

	out, err := e.run(t, "", "agent", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "writer")
	assert.Contains(t, out, "summarize")

	out, err = e.run(t, "n\n", "agent", "delete", "writer")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled.")
	_, found, err := e.store.GetAgent(ctx, "writer")
	require.NoError(t, err)
	assert.True(t, found)

	out, err = e.run(t, "y\n", "agent", "delete", "writer")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted agent writer")

	_, err = e.run(t, "", "agent", "delete", "writer", "--force")
	assert.ErrorContains(t, err, "agent not found")

	out, err = e.run(t, "", "agent", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No agents found.")
}

func TestCleanup(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "cleanup", "--days", "7", "--json")
	require.NoError(t, err)
	var report store.CleanupReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), report.Cutoff, time.Minute)

	_, err = e.run(t, "", "cleanup", "--days", "0")
	var ve *models.ValidationError
	assert.True(t, errors.As(err, &ve))

	fresh := e.seedTask(t, "summarize", models.TaskCompleted)
	_, err = e.run(t, "", "cleanup", "--days", "200000")
	assert.True(t, errors.As(err, &ve))
	_, found, err := e.store.GetTask(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDLQPeek(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "dlq", "peek")
	require.NoError(t, err)
	assert.Contains(t, out, "empty")

	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: e.mr.Addr()}), config.Config{})
	require.NoError(t, q.DLQPush(context.Background(), "dead-1"))
	require.NoError(t, q.DLQPush(context.Background(), "dead-2"))

	out, err = e.run(t, "", "dlq", "peek", "-n", "1")
	require.NoError(t, err)
	assert.Equal(t, "dead-1\n", out)
	assert.Zero(t, e.opens, "dlq does not need storage")
}
