package worker

import (
	"context"
	"log/slog"
	"time"

	"ai-task-platform/internal/store"
	"ai-task-platform/internal/telemetry"
)

// Janitor periodically removes data older than the retention window.
type Janitor struct {
	store         *store.Manager
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger
}

func NewJanitor(st *store.Manager, retentionDays int, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: st, retentionDays: retentionDays, interval: interval, logger: logger.With("component", "janitor")}
}

// Run cleans once immediately and then on every tick until ctx is done.
// A non-positive retention disables the janitor.
func (j *Janitor) Run(ctx context.Context) error {
	if j.retentionDays <= 0 {
		j.logger.Info("retention cleanup disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs a single cleanup pass and records the removed counts.
func (j *Janitor) Sweep(ctx context.Context) store.CleanupReport {
	report, err := j.store.CleanupOldData(ctx, j.retentionDays)
	if err != nil {
		j.logger.Error("cleanup incomplete", "error", err)
	}
	telemetry.CleanupDeleted.WithLabelValues(string(store.Tasks)).Add(float64(report.Tasks))
	telemetry.CleanupDeleted.WithLabelValues(string(store.Agents)).Add(float64(report.Agents))
	telemetry.CleanupDeleted.WithLabelValues(string(store.Metrics)).Add(float64(report.Metrics))
	telemetry.CleanupDeleted.WithLabelValues(string(store.Contexts)).Add(float64(report.Contexts))
	return report
}
