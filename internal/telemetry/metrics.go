package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksCreated     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_tasks_created_total", Help: "Tasks accepted, by priority"}, []string{"priority"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_tasks_rate_limit_rejects_total", Help: "Task submissions rejected by the rate limiter"})
	TasksCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_tasks_completed_total", Help: "Tasks completed by a handler"})
	TasksRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_tasks_retried_total", Help: "Handler failures that were rescheduled"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_tasks_failed_total", Help: "Tasks marked failed and moved to the DLQ"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_task_handler_seconds",
		Help:    "Handler execution time by task type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_tasks_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_tasks_inflight", Help: "Tasks currently leased"})
	TasksByStatus   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "ai_tasks_by_status", Help: "Sampled task count per status"}, []string{"status"})
	ActiveAgents    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_agents_active", Help: "Sampled number of active agents"})
	CleanupDeleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_cleanup_deleted_total", Help: "Records removed by retention cleanup"}, []string{"collection"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			RateLimitRejects,
			TasksCompleted,
			TasksRetried,
			TasksFailed,
			HandlerDuration,
			QueueDepthGauge,
			InFlightGauge,
			TasksByStatus,
			ActiveAgents,
			CleanupDeleted,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
