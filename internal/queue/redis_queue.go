package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/models"
)

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
// Only task ids travel through the queue; the task itself lives in the store.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	taskMetaPrefix string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient uses an existing client, e.g. one pointed at miniredis.
func NewWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := dequeueOrder(cfg.PriorityQueues)
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		taskMetaPrefix: "queue:taskmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.taskMetaPrefix + taskID
}

// Enqueue inserts a task id into either the scheduled set or the ready queue for its priority.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string, priority models.Priority, runAt time.Time) error {
	name := priorityName(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(taskID), "priority", name)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	} else {
		pipe.RPush(ctx, q.readyKey(name), taskID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Reschedule moves a leased task id into the scheduled set in one transaction, so the
// id is never outside every set. The stored priority meta is kept.
func (q *RedisQueue) Reschedule(ctx context.Context, taskID string, priority models.Priority, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(taskID), "priority", priorityName(priority))
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	pipe.ZRem(ctx, q.inflightKey, taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.storedPriority(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a task id from ready queues (priority order) and places it into inflight with a visibility timeout.
// An empty id with a nil error means nothing was ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.storedPriority(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, taskID)
	}
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZRem(ctx, q.scheduledKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads the oldest dead-lettered task ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlightDepth returns the number of leased tasks.
func (q *RedisQueue) InFlightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

func (q *RedisQueue) storedPriority(ctx context.Context, taskID string) string {
	name, err := q.client.HGet(ctx, q.metaKey(taskID), "priority").Result()
	if err != nil || name == "" {
		return models.PriorityNormal.String()
	}
	return name
}

// dequeueOrder turns configured queue names into the scan order. Names may be priority
// names or ordinals; unknown names and repeats are dropped and every priority missing
// from the list is appended in default order, so Enqueue never targets an unscanned list.
func dequeueOrder(configured []string) []string {
	seen := make(map[models.Priority]bool)
	order := make([]string, 0, len(models.Priorities()))
	add := func(p models.Priority) {
		if !seen[p] {
			seen[p] = true
			order = append(order, p.String())
		}
	}
	for _, name := range configured {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if p, err := models.ParsePriority(name); err == nil {
			add(p)
		}
	}
	for _, p := range models.Priorities() {
		add(p)
	}
	return order
}

func priorityName(p models.Priority) string {
	if !p.Valid() {
		p = models.PriorityNormal
	}
	return p.String()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)
