package models

import "time"

// PerformanceMetric is one time-series sample, optionally attributed to an agent.
type PerformanceMetric struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Name      string         `json:"metric_name"`
	Value     float64        `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
