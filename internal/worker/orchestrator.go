package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/models"
	"ai-task-platform/internal/queue"
	"ai-task-platform/internal/store"
	"ai-task-platform/internal/telemetry"
)

// Handler executes a task of a given type and returns its result.
type Handler func(ctx context.Context, task models.AITask) (map[string]any, error)

// ErrDeadlineExceeded marks tasks whose deadline passed before or while they ran.
var ErrDeadlineExceeded = errors.New("task deadline exceeded")

// Orchestrator drives the worker execution loop: it leases task ids from the queue,
// assigns an agent, runs the handler and records the outcome through the store.
type Orchestrator struct {
	cfg            config.Config
	queue          *queue.RedisQueue
	store          *store.Manager
	handlers       map[string]Handler
	defaultHandler Handler
	logger         *slog.Logger
	workerID       string
	now            func() time.Time
}

func NewOrchestrator(cfg config.Config, q *queue.RedisQueue, st *store.Manager, logger *slog.Logger) *Orchestrator {
	return NewOrchestratorWithID(cfg, q, st, logger, "")
}

// NewOrchestratorWithID creates an orchestrator with a specific worker ID for log correlation.
func NewOrchestratorWithID(cfg config.Config, q *queue.RedisQueue, st *store.Manager, logger *slog.Logger, workerID string) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "orchestrator", "worker_id", workerID),
		workerID: workerID,
		now:      time.Now,
	}
	o.defaultHandler = o.handleDefault
	return o
}

// RegisterHandler binds a handler to a task type.
func (o *Orchestrator) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	o.handlers[taskType] = handler
}

// Run starts the main worker loop until context cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "handlers", len(o.handlers))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		o.housekeeping(ctx)

		processed, err := o.ProcessNext(ctx)
		if err != nil {
			o.logger.Error("process task", "error", err)
		}
		if err != nil || !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.WorkerPollInterval):
			}
		}
	}
}

// housekeeping promotes due retries, reclaims expired leases and refreshes queue gauges.
func (o *Orchestrator) housekeeping(ctx context.Context) {
	batch := int64(o.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if _, err := o.queue.PromoteScheduled(ctx, o.now(), batch); err != nil {
		o.logger.Warn("promote scheduled", "error", err)
	}
	if reclaimed, err := o.queue.RequeueExpired(ctx, o.now(), batch); err != nil {
		o.logger.Warn("requeue expired", "error", err)
	} else if len(reclaimed) > 0 {
		o.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
	}
	if depth, err := o.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := o.queue.InFlightDepth(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

// ProcessNext leases and handles at most one task. It reports whether a task id was dequeued.
func (o *Orchestrator) ProcessNext(ctx context.Context) (bool, error) {
	taskID, err := o.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if taskID == "" {
		return false, nil
	}
	log := o.logger.With("task_id", taskID)

	task, found, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		// Leave the lease in place; it expires and the id is retried.
		return true, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !found || task.Status.Terminal() {
		log.Info("dropping queued task", "found", found, "status", task.Status)
		return true, o.queue.Ack(ctx, taskID)
	}

	if task.Deadline != nil && !o.now().Before(*task.Deadline) {
		return true, o.fail(ctx, task, ErrDeadlineExceeded)
	}

	agent, claimed := o.assignAgent(ctx, &task)

	start := o.now()
	result, runErr := o.runTask(ctx, task)
	elapsed := o.now().Sub(start)
	telemetry.HandlerDuration.WithLabelValues(task.Type).Observe(elapsed.Seconds())

	if claimed {
		o.releaseAgent(ctx, agent.ID)
	}

	if runErr == nil {
		err := o.store.MarkTaskCompleted(ctx, task.ID, result, elapsed.Seconds())
		if errors.Is(err, store.ErrConflict) {
			log.Warn("task finished elsewhere, dropping result")
			return true, o.queue.Ack(ctx, task.ID)
		}
		if err != nil {
			return true, fmt.Errorf("mark completed: %w", err)
		}
		telemetry.TasksCompleted.Inc()
		log.Info("task completed", "type", task.Type, "agent_id", task.AgentID, "seconds", elapsed.Seconds())
		return true, o.queue.Ack(ctx, task.ID)
	}

	if errors.Is(runErr, ErrDeadlineExceeded) || task.RetryCount >= task.MaxRetries {
		return true, o.fail(ctx, task, runErr)
	}
	return true, o.retry(ctx, task, runErr)
}

// retry records the attempt on the task and reschedules it with backoff.
func (o *Orchestrator) retry(ctx context.Context, task models.AITask, cause error) error {
	attempts := task.RetryCount + 1
	msg := cause.Error()
	if err := o.store.UpdateTask(ctx, task.ID, store.TaskUpdate{RetryCount: &attempts, Error: &msg}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return o.queue.Ack(ctx, task.ID)
		}
		return fmt.Errorf("record retry: %w", err)
	}
	backoff := backoffWithJitter(o.cfg.BackoffInitial, o.cfg.BackoffMax, attempts)
	nextRun := o.now().Add(backoff)
	if err := o.queue.Reschedule(ctx, task.ID, task.Priority, nextRun); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	telemetry.TasksRetried.Inc()
	o.logger.Warn("task failed, retry scheduled",
		"task_id", task.ID, "retry_count", attempts, "max_retries", task.MaxRetries,
		"next_run", nextRun.UTC().Format(time.RFC3339), "error", msg)
	return nil
}

// fail marks the task failed and moves its id to the DLQ.
func (o *Orchestrator) fail(ctx context.Context, task models.AITask, cause error) error {
	markErr := o.store.MarkTaskFailed(ctx, task.ID, cause.Error(), task.RetryCount)
	if markErr != nil && !errors.Is(markErr, store.ErrConflict) {
		return fmt.Errorf("mark failed: %w", markErr)
	}
	if err := o.queue.Ack(ctx, task.ID); err != nil {
		return err
	}
	if markErr != nil {
		return nil
	}
	if err := o.queue.DLQPush(ctx, task.ID); err != nil {
		return err
	}
	telemetry.TasksFailed.Inc()
	o.logger.Error("task failed permanently", "task_id", task.ID, "retry_count", task.RetryCount, "error", cause)
	return nil
}

// runTask executes the handler for the task type, bounded by the task deadline.
func (o *Orchestrator) runTask(ctx context.Context, task models.AITask) (map[string]any, error) {
	handler, ok := o.handlers[task.Type]
	if !ok {
		if o.defaultHandler == nil {
			return nil, fmt.Errorf("no handler registered for type %q", task.Type)
		}
		handler = o.defaultHandler
	}
	if task.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *task.Deadline)
		defer cancel()
	}
	result, err := handler(ctx, task)
	if err != nil && task.Deadline != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	return result, err
}

// assignAgent resolves the task's agent, picking one for unassigned tasks. It reports
// whether this worker moved the agent from active to busy and so must release it.
// A named agent that is not active still gets the task; its status is left alone.
func (o *Orchestrator) assignAgent(ctx context.Context, task *models.AITask) (models.Agent, bool) {
	if task.AgentID != "" {
		agent, found, err := o.store.GetAgent(ctx, task.AgentID)
		if err != nil || !found {
			return models.Agent{}, false
		}
		return agent, o.claimAgent(ctx, agent.ID)
	}
	agents, err := o.store.ListAgents(ctx, store.AgentFilter{Status: models.AgentActive})
	if err != nil {
		o.logger.Warn("list agents", "error", err)
		return models.Agent{}, false
	}
	agent, ok := SelectAgent(agents, task.Type)
	if !ok {
		return models.Agent{}, false
	}
	id := agent.ID
	if err := o.store.UpdateTask(ctx, task.ID, store.TaskUpdate{AgentID: &id}); err != nil {
		o.logger.Warn("assign agent", "task_id", task.ID, "agent_id", id, "error", err)
		return models.Agent{}, false
	}
	task.AgentID = id
	return agent, o.claimAgent(ctx, id)
}

func (o *Orchestrator) claimAgent(ctx context.Context, agentID string) bool {
	err := o.store.TransitionAgent(ctx, agentID, models.AgentActive, models.AgentBusy)
	if errors.Is(err, store.ErrConflict) {
		o.logger.Info("agent not active, status unchanged", "agent_id", agentID)
		return false
	}
	if err != nil {
		o.logger.Warn("mark agent busy", "agent_id", agentID, "error", err)
		return false
	}
	return true
}

// releaseAgent returns a claimed agent to active unless someone changed it meanwhile.
func (o *Orchestrator) releaseAgent(ctx context.Context, agentID string) {
	err := o.store.TransitionAgent(ctx, agentID, models.AgentBusy, models.AgentActive)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		o.logger.Warn("release agent", "agent_id", agentID, "error", err)
	}
}

// SelectAgent returns the least recently active agent able to handle taskType.
// Agents that were never active come first.
func SelectAgent(agents []models.Agent, taskType string) (models.Agent, bool) {
	var best models.Agent
	found := false
	for _, a := range agents {
		if a.Status != models.AgentActive || !a.CanHandle(taskType) {
			continue
		}
		if !found || lessRecentlyActive(a, best) {
			best, found = a, true
		}
	}
	return best, found
}

func lessRecentlyActive(a, b models.Agent) bool {
	switch {
	case a.LastActiveAt == nil && b.LastActiveAt == nil:
		return a.ID < b.ID
	case a.LastActiveAt == nil:
		return true
	case b.LastActiveAt == nil:
		return false
	}
	return a.LastActiveAt.Before(*b.LastActiveAt)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

// handleDefault echoes the task data back. {"should_fail": true} fails the attempt and
// "duration_ms" simulates slow work, extending the lease when needed.
func (o *Orchestrator) handleDefault(ctx context.Context, task models.AITask) (map[string]any, error) {
	if val, ok := task.Data["should_fail"].(bool); ok && val {
		return nil, errors.New("simulated failure requested by data.should_fail")
	}
	if ms, ok := asInt(task.Data["duration_ms"]); ok && ms > 0 {
		sleep := time.Duration(ms) * time.Millisecond
		if sleep > o.cfg.VisibilityTimeout/2 {
			_ = o.queue.ExtendLease(ctx, task.ID, sleep+o.cfg.VisibilityTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return map[string]any{
		"echo":     task.Data,
		"mode":     task.Mode,
		"agent_id": task.AgentID,
	}, nil
}
