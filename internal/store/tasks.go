package store

import (
	"context"
	"errors"
	"time"

	"ai-task-platform/internal/models"
)

// TaskUpdate lists the task fields a caller may merge into a stored task. Nil fields are left untouched.
type TaskUpdate struct {
	Status         *models.TaskStatus
	Priority       *models.Priority
	Data           map[string]any
	Mode           *string
	AgentID        *string
	UserID         *string
	Deadline       *time.Time
	MaxRetries     *int
	RetryCount     *int
	Result         map[string]any
	Error          *string
	ProcessingTime *float64
}

// TaskFilter selects tasks by exact match. Empty fields match everything.
type TaskFilter struct {
	Status   models.TaskStatus
	Type     string
	AgentID  string
	UserID   string
	Priority models.Priority
	Since    time.Time
	Until    time.Time
	Limit    int
}

// CreateTask validates and inserts task, returning the task's own id.
func (m *Manager) CreateTask(ctx context.Context, task models.AITask) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	if err := m.backend.Insert(ctx, Tasks, task.ID, task.CreatedAt, taskToRecord(task)); err != nil {
		m.logger.Error("create task failed", "task_id", task.ID, "error", err)
		return "", wrap("insert", Tasks, err)
	}
	m.logger.Debug("task created", "task_id", task.ID, "type", task.Type, "priority", task.Priority.String())
	return task.ID, nil
}

// GetTask looks a task up by id. A missing task is reported as found=false, not as an error.
func (m *Manager) GetTask(ctx context.Context, id string) (models.AITask, bool, error) {
	rec, err := m.backend.Get(ctx, Tasks, id)
	if errors.Is(err, ErrNotFound) {
		return models.AITask{}, false, nil
	}
	if err != nil {
		return models.AITask{}, false, wrap("get", Tasks, err)
	}
	task, err := recordToTask(rec)
	if err != nil {
		return models.AITask{}, false, wrap("decode", Tasks, err)
	}
	return task, true, nil
}

// UpdateTask merges the given fields into the stored task. Updates to status, retry
// bookkeeping or outcome fields require the task to still be pending; ErrConflict is
// returned when it is already terminal or changed underneath. A missing id yields ErrNotFound.
func (m *Manager) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	current, found, err := m.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	fields := Record{}
	expect := Record{}

	if u.Status != nil {
		if !u.Status.Valid() {
			return &models.ValidationError{Field: "status", Reason: "unknown status " + string(*u.Status)}
		}
		fields[fieldStatus] = string(*u.Status)
		if *u.Status == models.TaskCompleted {
			fields[fieldCompletedAt] = m.now()
		}
	}
	if u.Priority != nil {
		if !u.Priority.Valid() {
			return &models.ValidationError{Field: "priority", Reason: "outside 1-5"}
		}
		fields[fieldPriority] = int(*u.Priority)
	}
	if u.Data != nil {
		fields[fieldData] = u.Data
	}
	if u.Mode != nil {
		fields[fieldMode] = *u.Mode
	}
	if u.AgentID != nil {
		fields[fieldAgentID] = *u.AgentID
	}
	if u.UserID != nil {
		fields[fieldUserID] = *u.UserID
	}
	if u.Deadline != nil {
		if u.Deadline.Before(current.CreatedAt) {
			return &models.ValidationError{Field: "deadline", Reason: "must not precede created_at"}
		}
		fields[fieldDeadline] = u.Deadline.UTC()
	}
	if u.MaxRetries != nil || u.RetryCount != nil {
		maxRetries, retryCount := current.MaxRetries, current.RetryCount
		if u.MaxRetries != nil {
			maxRetries = *u.MaxRetries
			fields[fieldMaxRetries] = maxRetries
		}
		if u.RetryCount != nil {
			retryCount = *u.RetryCount
			fields[fieldRetryCount] = retryCount
		}
		if maxRetries < 0 {
			return &models.ValidationError{Field: "max_retries", Reason: "must not be negative"}
		}
		if err := models.ValidateRetryCount(retryCount, maxRetries); err != nil {
			return err
		}
		expect[fieldMaxRetries] = current.MaxRetries
		expect[fieldRetryCount] = current.RetryCount
	}
	if u.Result != nil {
		fields[fieldResult] = u.Result
	}
	if u.Error != nil {
		fields[fieldError] = *u.Error
	}
	if u.ProcessingTime != nil {
		fields[fieldProcessingTime] = *u.ProcessingTime
	}
	if len(fields) == 0 {
		return nil
	}
	if u.Status != nil || u.RetryCount != nil || u.MaxRetries != nil || u.Result != nil || u.Error != nil || u.ProcessingTime != nil {
		if current.Status.Terminal() {
			return ErrConflict
		}
		expect[fieldStatus] = string(models.TaskPending)
	}

	if err := m.backend.Update(ctx, Tasks, id, fields, expect); err != nil {
		m.logger.Warn("update task failed", "task_id", id, "error", err)
		return wrap("update", Tasks, err)
	}
	return nil
}

// MarkTaskCompleted moves a pending task to completed with its result.
func (m *Manager) MarkTaskCompleted(ctx context.Context, id string, result map[string]any, processingTime float64) error {
	if result == nil {
		result = map[string]any{}
	}
	fields := Record{
		fieldStatus:         string(models.TaskCompleted),
		fieldResult:         result,
		fieldProcessingTime: processingTime,
		fieldCompletedAt:    m.now(),
	}
	if err := m.backend.Update(ctx, Tasks, id, fields, Record{fieldStatus: string(models.TaskPending)}); err != nil {
		return wrap("complete", Tasks, err)
	}
	m.logger.Info("task completed", "task_id", id, "processing_time", processingTime)
	return nil
}

// MarkTaskFailed moves a pending task to failed. It does not resubmit the task;
// retrying is the caller's decision.
func (m *Manager) MarkTaskFailed(ctx context.Context, id string, errMsg string, retryCount int) error {
	current, found, err := m.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if err := models.ValidateRetryCount(retryCount, current.MaxRetries); err != nil {
		return err
	}
	fields := Record{
		fieldStatus:     string(models.TaskFailed),
		fieldError:      errMsg,
		fieldRetryCount: retryCount,
	}
	expect := Record{
		fieldStatus:     string(models.TaskPending),
		fieldMaxRetries: current.MaxRetries,
	}
	if err := m.backend.Update(ctx, Tasks, id, fields, expect); err != nil {
		return wrap("fail", Tasks, err)
	}
	m.logger.Info("task failed", "task_id", id, "retry_count", retryCount, "error", errMsg)
	return nil
}

func (f TaskFilter) query() Query {
	q := Query{Filters: map[string]any{}, Since: f.Since, Before: f.Until, Limit: f.Limit}
	if f.Status != "" {
		q.Filters[fieldStatus] = string(f.Status)
	}
	if f.Type != "" {
		q.Filters[fieldType] = f.Type
	}
	if f.AgentID != "" {
		q.Filters[fieldAgentID] = f.AgentID
	}
	if f.UserID != "" {
		q.Filters[fieldUserID] = f.UserID
	}
	if f.Priority != 0 {
		q.Filters[fieldPriority] = int(f.Priority)
	}
	return q
}

// ListTasks returns tasks matching f, newest first.
func (m *Manager) ListTasks(ctx context.Context, f TaskFilter) ([]models.AITask, error) {
	recs, err := m.backend.Find(ctx, Tasks, f.query())
	if err != nil {
		return nil, wrap("find", Tasks, err)
	}
	tasks := make([]models.AITask, 0, len(recs))
	for _, rec := range recs {
		task, err := recordToTask(rec)
		if err != nil {
			return nil, wrap("decode", Tasks, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CountTasks reports how many tasks match f. The limit is ignored.
func (m *Manager) CountTasks(ctx context.Context, f TaskFilter) (int64, error) {
	q := f.query()
	q.Limit = 0
	n, err := m.backend.Count(ctx, Tasks, q)
	if err != nil {
		return 0, wrap("count", Tasks, err)
	}
	return n, nil
}
