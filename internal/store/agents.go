package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"ai-task-platform/internal/models"
)

// AgentUpdate lists mergeable agent fields. Nil fields are left untouched.
type AgentUpdate struct {
	Name         *string
	Type         *string
	Status       *models.AgentStatus
	Capabilities []string
	Config       map[string]any
	Metadata     map[string]any
	LastActiveAt *time.Time
}

// AgentFilter selects agents by exact match.
type AgentFilter struct {
	Type   string
	Status models.AgentStatus
	Limit  int
}

func (m *Manager) CreateAgent(ctx context.Context, agent models.Agent) (string, error) {
	if strings.TrimSpace(agent.ID) == "" {
		return "", &models.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	now := m.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = agent.CreatedAt
	}
	if agent.Status == "" {
		agent.Status = models.AgentActive
	}
	if err := m.backend.Insert(ctx, Agents, agent.ID, agent.CreatedAt, agentToRecord(agent)); err != nil {
		return "", wrap("insert", Agents, err)
	}
	m.logger.Info("agent registered", "agent_id", agent.ID, "type", agent.Type)
	return agent.ID, nil
}

func (m *Manager) GetAgent(ctx context.Context, id string) (models.Agent, bool, error) {
	rec, err := m.backend.Get(ctx, Agents, id)
	if errors.Is(err, ErrNotFound) {
		return models.Agent{}, false, nil
	}
	if err != nil {
		return models.Agent{}, false, wrap("get", Agents, err)
	}
	agent, err := recordToAgent(rec)
	if err != nil {
		return models.Agent{}, false, wrap("decode", Agents, err)
	}
	return agent, true, nil
}

func (m *Manager) UpdateAgent(ctx context.Context, id string, u AgentUpdate) error {
	fields := Record{fieldUpdatedAt: m.now()}
	if u.Name != nil {
		fields[fieldName] = *u.Name
	}
	if u.Type != nil {
		fields[fieldType] = *u.Type
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return &models.ValidationError{Field: "status", Reason: "unknown agent status " + string(*u.Status)}
		}
		fields[fieldStatus] = string(*u.Status)
	}
	if u.Capabilities != nil {
		fields[fieldCapabilities] = u.Capabilities
	}
	if u.Config != nil {
		fields[fieldConfig] = u.Config
	}
	if u.Metadata != nil {
		fields[fieldMetadata] = u.Metadata
	}
	if u.LastActiveAt != nil {
		fields[fieldLastActiveAt] = u.LastActiveAt.UTC()
	}
	return wrap("update", Agents, m.backend.Update(ctx, Agents, id, fields, nil))
}

// TransitionAgent moves an agent from one status to another and stamps last_active_at.
// It returns ErrConflict when the agent is not currently in status from.
func (m *Manager) TransitionAgent(ctx context.Context, id string, from, to models.AgentStatus) error {
	if !to.Valid() {
		return &models.ValidationError{Field: "status", Reason: "unknown agent status " + string(to)}
	}
	now := m.now()
	fields := Record{fieldStatus: string(to), fieldUpdatedAt: now, fieldLastActiveAt: now}
	expect := Record{fieldStatus: string(from)}
	return wrap("transition", Agents, m.backend.Update(ctx, Agents, id, fields, expect))
}

func (m *Manager) ListAgents(ctx context.Context, f AgentFilter) ([]models.Agent, error) {
	q := Query{Filters: map[string]any{}, Limit: f.Limit}
	if f.Type != "" {
		q.Filters[fieldType] = f.Type
	}
	if f.Status != "" {
		q.Filters[fieldStatus] = string(f.Status)
	}
	recs, err := m.backend.Find(ctx, Agents, q)
	if err != nil {
		return nil, wrap("find", Agents, err)
	}
	agents := make([]models.Agent, 0, len(recs))
	for _, rec := range recs {
		agent, err := recordToAgent(rec)
		if err != nil {
			return nil, wrap("decode", Agents, err)
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// DeleteAgent removes an agent. Tasks referencing it keep their agent_id.
func (m *Manager) DeleteAgent(ctx context.Context, id string) error {
	if err := m.backend.Delete(ctx, Agents, id); err != nil {
		return wrap("delete", Agents, err)
	}
	m.logger.Info("agent deleted", "agent_id", id)
	return nil
}
