// Package monitoring samples runtime and task statistics, exports them as Prometheus
// gauges and persists them as performance metrics.
package monitoring

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"ai-task-platform/internal/models"
	"ai-task-platform/internal/store"
	"ai-task-platform/internal/telemetry"
)

// SystemAgentID attributes samples that belong to the service rather than an agent.
const SystemAgentID = "system"

// DepthSource reports how many tasks wait in the dispatch queue.
type DepthSource interface {
	ReadyDepth(ctx context.Context) (int64, error)
}

// Sampler collects one set of samples per interval.
type Sampler struct {
	store    *store.Manager
	queue    DepthSource
	interval time.Duration
	logger   *slog.Logger
	source   string
}

// NewSampler builds a sampler. queue may be nil when no dispatch queue is configured.
func NewSampler(st *store.Manager, queue DepthSource, interval time.Duration, source string, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sampler{store: st, queue: queue, interval: interval, source: source, logger: logger.With("component", "monitoring")}
}

func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sample(ctx); err != nil {
			s.logger.Warn("sample incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sample takes one reading, updates gauges and stores every value. It returns the
// values keyed by metric name.
func (s *Sampler) Sample(ctx context.Context) (map[string]float64, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	values := map[string]float64{
		"runtime.goroutines":       float64(runtime.NumGoroutine()),
		"runtime.heap_alloc_bytes": float64(mem.HeapAlloc),
		"runtime.gc_count":         float64(mem.NumGC),
	}

	var errs []error
	if s.queue != nil {
		depth, err := s.queue.ReadyDepth(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			values["queue.ready_depth"] = float64(depth)
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}

	for _, status := range []models.TaskStatus{models.TaskPending, models.TaskCompleted, models.TaskFailed} {
		n, err := s.store.CountTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		values["tasks."+string(status)] = float64(n)
		telemetry.TasksByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	agents, err := s.store.ListAgents(ctx, store.AgentFilter{Status: models.AgentActive})
	if err != nil {
		errs = append(errs, err)
	} else {
		values["agents.active"] = float64(len(agents))
		telemetry.ActiveAgents.Set(float64(len(agents)))
	}

	now := models.Now()
	for name, value := range values {
		_, err := s.store.StorePerformanceMetric(ctx, models.PerformanceMetric{
			AgentID:   SystemAgentID,
			Name:      name,
			Value:     value,
			Metadata:  map[string]any{"source": s.source},
			Timestamp: now,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Debug("sample stored", "metrics", len(values))
	return values, errors.Join(errs...)
}
