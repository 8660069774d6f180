package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks for dispatch. Values are persisted as integers 1-5.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityUrgent:   "urgent",
	PriorityCritical: "critical",
}

// Priorities lists every priority from highest to lowest.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts a priority name (any case) or its ordinal.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return PriorityNormal, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		p := Priority(n)
		if !p.Valid() {
			return 0, &ValidationError{Field: "priority", Reason: fmt.Sprintf("%d is outside 1-5", n)}
		}
		return p, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

// TaskStatus is the lifecycle state of an AITask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the status is final. Terminal tasks never return to pending.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseTaskStatus converts a persisted status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

const (
	DefaultMode       = "auto"
	DefaultMaxRetries = 3
)

// AITask is a unit of requested AI work.
type AITask struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Priority       Priority       `json:"priority"`
	Data           map[string]any `json:"data"`
	Mode           string         `json:"mode"`
	AgentID        string         `json:"agent_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Deadline       *time.Time     `json:"deadline,omitempty"`
	MaxRetries     int            `json:"max_retries"`
	RetryCount     int            `json:"retry_count"`
	Status         TaskStatus     `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	ProcessingTime *float64       `json:"processing_time,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// NewTask builds a pending task with a fresh id and defaults applied.
func NewTask(taskType string, priority Priority, data map[string]any) AITask {
	if data == nil {
		data = map[string]any{}
	}
	return AITask{
		ID:         uuid.NewString(),
		Type:       taskType,
		Priority:   priority,
		Data:       data,
		Mode:       DefaultMode,
		CreatedAt:  Now(),
		MaxRetries: DefaultMaxRetries,
		Status:     TaskPending,
	}
}

// Validate checks the invariants every persisted task must satisfy.
func (t AITask) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(t.Type) == "" {
		return &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if !t.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%d is outside 1-5", int(t.Priority))}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if t.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if err := ValidateRetryCount(t.RetryCount, t.MaxRetries); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Reason: "must be set"}
	}
	if t.Deadline != nil && t.Deadline.Before(t.CreatedAt) {
		return &ValidationError{Field: "deadline", Reason: "must not precede created_at"}
	}
	return nil
}

// ValidateRetryCount enforces 0 <= retryCount <= maxRetries.
func ValidateRetryCount(retryCount, maxRetries int) error {
	if retryCount < 0 {
		return &ValidationError{Field: "retry_count", Reason: "must not be negative"}
	}
	if retryCount > maxRetries {
		return &ValidationError{Field: "retry_count", Reason: fmt.Sprintf("%d exceeds max_retries %d", retryCount, maxRetries)}
	}
	return nil
}

// Now returns the current UTC time at millisecond precision, the finest precision every backend keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
