package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ai-task-platform/internal/models"
)

// MaxRetentionDays bounds the days accepted by CleanupOldData.
const MaxRetentionDays = 36500

// CleanupReport counts records removed per collection.
type CleanupReport struct {
	Cutoff   time.Time `json:"cutoff"`
	Tasks    int64     `json:"tasks"`
	Agents   int64     `json:"agents"`
	Metrics  int64     `json:"metrics"`
	Contexts int64     `json:"contexts"`
}

// CleanupOldData deletes records older than now-days: terminal tasks, offline agents,
// all metrics and all contexts. Collections are cleaned independently; a failure in
// one does not stop the others and all failures are returned joined.
func (m *Manager) CleanupOldData(ctx context.Context, days int) (CleanupReport, error) {
	if days <= 0 {
		return CleanupReport{}, &models.ValidationError{Field: "days", Reason: "must be positive"}
	}
	if days > MaxRetentionDays {
		return CleanupReport{}, &models.ValidationError{Field: "days", Reason: fmt.Sprintf("must be at most %d", MaxRetentionDays)}
	}
	cutoff := m.now().AddDate(0, 0, -days)
	report := CleanupReport{Cutoff: cutoff}

	var errs []error
	deleteWhere := func(col Collection, filters map[string]any) int64 {
		n, err := m.backend.DeleteWhere(ctx, col, Query{Filters: filters, Before: cutoff})
		if err != nil {
			errs = append(errs, wrap("cleanup", col, err))
		}
		return n
	}

	report.Tasks += deleteWhere(Tasks, map[string]any{fieldStatus: string(models.TaskCompleted)})
	report.Tasks += deleteWhere(Tasks, map[string]any{fieldStatus: string(models.TaskFailed)})
	report.Agents = deleteWhere(Agents, map[string]any{fieldStatus: string(models.AgentOffline)})
	report.Metrics = deleteWhere(Metrics, nil)
	report.Contexts = deleteWhere(Contexts, nil)

	m.logger.Info("cleanup finished",
		"cutoff", cutoff.Format(time.RFC3339),
		"tasks", report.Tasks,
		"agents", report.Agents,
		"metrics", report.Metrics,
		"contexts", report.Contexts,
	)
	return report, errors.Join(errs...)
}
