package store

import (
	"context"
	"errors"
	"strings"

	"ai-task-platform/internal/models"
)

// maxContextRetries bounds compare-and-set attempts for context mutations.
const maxContextRetries = 8

// ContextUpdate lists the free-form context fields a caller may replace.
type ContextUpdate struct {
	CurrentMode *string
	Preferences map[string]any
	Metadata    map[string]any
}

func (m *Manager) CreateContext(ctx context.Context, c models.AIContext) (string, error) {
	if strings.TrimSpace(c.SessionID) == "" {
		return "", &models.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Version = 0
	rec, err := contextToRecord(c)
	if err != nil {
		return "", err
	}
	if err := m.backend.Insert(ctx, Contexts, c.SessionID, c.CreatedAt, rec); err != nil {
		return "", wrap("insert", Contexts, err)
	}
	return c.SessionID, nil
}

func (m *Manager) GetContext(ctx context.Context, sessionID string) (models.AIContext, bool, error) {
	rec, err := m.backend.Get(ctx, Contexts, sessionID)
	if errors.Is(err, ErrNotFound) {
		return models.AIContext{}, false, nil
	}
	if err != nil {
		return models.AIContext{}, false, wrap("get", Contexts, err)
	}
	c, err := recordToContext(rec)
	if err != nil {
		return models.AIContext{}, false, wrap("decode", Contexts, err)
	}
	return c, true, nil
}

// UpdateContext replaces mode, preferences or metadata.
func (m *Manager) UpdateContext(ctx context.Context, sessionID string, u ContextUpdate) error {
	return m.mutateContext(ctx, sessionID, func(c *models.AIContext) (bool, error) {
		changed := false
		if u.CurrentMode != nil {
			c.CurrentMode = *u.CurrentMode
			changed = true
		}
		if u.Preferences != nil {
			c.Preferences = u.Preferences
			changed = true
		}
		if u.Metadata != nil {
			c.Metadata = u.Metadata
			changed = true
		}
		return changed, nil
	})
}

// AppendConversationTurn adds turn to the end of the session history.
func (m *Manager) AppendConversationTurn(ctx context.Context, sessionID string, turn models.ConversationTurn) error {
	if strings.TrimSpace(turn.Role) == "" {
		return &models.ValidationError{Field: "role", Reason: "must not be empty"}
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}
	return m.mutateContext(ctx, sessionID, func(c *models.AIContext) (bool, error) {
		c.ConversationHistory = append(c.ConversationHistory, turn)
		return true, nil
	})
}

func (m *Manager) AddActiveAgent(ctx context.Context, sessionID, agentID string) error {
	return m.mutateContext(ctx, sessionID, func(c *models.AIContext) (bool, error) {
		return c.AddAgent(agentID), nil
	})
}

func (m *Manager) RemoveActiveAgent(ctx context.Context, sessionID, agentID string) error {
	return m.mutateContext(ctx, sessionID, func(c *models.AIContext) (bool, error) {
		return c.RemoveAgent(agentID), nil
	})
}

// mutateContext applies fn under optimistic concurrency on the version field,
// retrying when another writer got there first.
func (m *Manager) mutateContext(ctx context.Context, sessionID string, fn func(*models.AIContext) (bool, error)) error {
	for attempt := 0; attempt < maxContextRetries; attempt++ {
		c, found, err := m.GetContext(ctx, sessionID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		version := c.Version
		changed, err := fn(&c)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		c.Version = version + 1
		c.UpdatedAt = m.now()
		rec, err := contextToRecord(c)
		if err != nil {
			return err
		}
		delete(rec, fieldSessionID)
		delete(rec, fieldCreatedAt)
		err = m.backend.Update(ctx, Contexts, sessionID, rec, Record{fieldVersion: version})
		if errors.Is(err, ErrConflict) {
			m.logger.Debug("context version conflict, retrying", "session_id", sessionID, "attempt", attempt+1)
			continue
		}
		return wrap("update", Contexts, err)
	}
	return ErrConflict
}
