package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("test_task", PriorityNormal, nil)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, DefaultMode, task.Mode)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.NotNil(t, task.Data)
	require.NoError(t, task.Validate())
}

func TestTaskValidate(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name   string
		mutate func(*AITask)
		field  string
	}{
		{"empty type", func(tk *AITask) { tk.Type = " " }, "type"},
		{"empty id", func(tk *AITask) { tk.ID = "" }, "id"},
		{"priority too low", func(tk *AITask) { tk.Priority = 0 }, "priority"},
		{"priority too high", func(tk *AITask) { tk.Priority = 6 }, "priority"},
		{"unknown status", func(tk *AITask) { tk.Status = "running" }, "status"},
		{"negative max retries", func(tk *AITask) { tk.MaxRetries = -1 }, "max_retries"},
		{"retry count above max", func(tk *AITask) { tk.MaxRetries = 2; tk.RetryCount = 3 }, "retry_count"},
		{"negative retry count", func(tk *AITask) { tk.RetryCount = -1 }, "retry_count"},
		{"deadline before creation", func(tk *AITask) { tk.Deadline = &past }, "deadline"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := NewTask("test_task", PriorityNormal, nil)
			tc.mutate(&task)

			err := task.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("URGENT")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	p, err = ParsePriority("5")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("9")
	assert.Error(t, err)
	_, err = ParsePriority("whenever")
	assert.Error(t, err)

	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, []Priority{5, 4, 3, 2, 1}, Priorities())
}

func TestTaskStatus(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())

	st, err := ParseTaskStatus("Completed")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, st)

	_, err = ParseTaskStatus("cancelled")
	assert.Error(t, err)
}

func TestContextActiveAgents(t *testing.T) {
	c := NewContext("user-1")

	assert.True(t, c.AddAgent("a1"))
	assert.False(t, c.AddAgent("a1"))
	assert.True(t, c.AddAgent("a2"))
	assert.Equal(t, []string{"a1", "a2"}, c.ActiveAgents)

	assert.True(t, c.RemoveAgent("a1"))
	assert.False(t, c.RemoveAgent("a1"))
	assert.Equal(t, []string{"a2"}, c.ActiveAgents)
}

func TestAgentCanHandle(t *testing.T) {
	a := NewAgent("writer", "llm", "content_generation", "summarize")
	assert.True(t, a.CanHandle("summarize"))
	assert.False(t, a.CanHandle("image_preprocess"))
	assert.Equal(t, AgentActive, a.Status)
}
