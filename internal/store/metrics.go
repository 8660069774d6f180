package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai-task-platform/internal/models"
)

// MetricQuery reads metrics recorded within the last Hours hours.
type MetricQuery struct {
	AgentID string
	Name    string
	Hours   int
	Limit   int
}

// StorePerformanceMetric appends a sample. Missing id and timestamp are filled in.
func (m *Manager) StorePerformanceMetric(ctx context.Context, metric models.PerformanceMetric) (string, error) {
	if strings.TrimSpace(metric.Name) == "" {
		return "", &models.ValidationError{Field: "metric_name", Reason: "must not be empty"}
	}
	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = m.now()
	}
	if err := m.backend.Insert(ctx, Metrics, metric.ID, metric.Timestamp, metricToRecord(metric)); err != nil {
		return "", wrap("insert", Metrics, err)
	}
	return metric.ID, nil
}

// GetPerformanceMetrics returns samples newer than now-Hours, newest first. No aggregation is done.
func (m *Manager) GetPerformanceMetrics(ctx context.Context, q MetricQuery) ([]models.PerformanceMetric, error) {
	if q.Hours <= 0 {
		return nil, &models.ValidationError{Field: "hours", Reason: "must be positive"}
	}
	query := Query{
		Filters: map[string]any{},
		Since:   m.now().Add(-time.Duration(q.Hours) * time.Hour),
		Limit:   q.Limit,
	}
	if q.AgentID != "" {
		query.Filters[fieldAgentID] = q.AgentID
	}
	if q.Name != "" {
		query.Filters[fieldMetricName] = q.Name
	}
	recs, err := m.backend.Find(ctx, Metrics, query)
	if err != nil {
		return nil, wrap("find", Metrics, err)
	}
	out := make([]models.PerformanceMetric, 0, len(recs))
	for _, rec := range recs {
		metric, err := recordToMetric(rec)
		if err != nil {
			return nil, wrap("decode", Metrics, err)
		}
		out = append(out, metric)
	}
	return out, nil
}
