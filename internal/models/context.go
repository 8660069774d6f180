package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ConversationTurn is one entry of a session's conversation history.
type ConversationTurn struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AIContext is session-scoped conversational and operational state.
// ConversationHistory is append-only; ActiveAgents holds no duplicates.
type AIContext struct {
	SessionID           string             `json:"session_id"`
	UserID              string             `json:"user_id,omitempty"`
	ConversationHistory []ConversationTurn `json:"conversation_history"`
	ActiveAgents        []string           `json:"active_agents"`
	CurrentMode         string             `json:"current_mode"`
	Preferences         map[string]any     `json:"preferences,omitempty"`
	Metadata            map[string]any     `json:"metadata,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	Version             int                `json:"version"`
}

// NewContext starts a session for userID.
func NewContext(userID string) AIContext {
	now := Now()
	return AIContext{
		SessionID:           uuid.NewString(),
		UserID:              userID,
		ConversationHistory: []ConversationTurn{},
		ActiveAgents:        []string{},
		CurrentMode:         DefaultMode,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// AddAgent adds agentID to the active set and reports whether it changed.
func (c *AIContext) AddAgent(agentID string) bool {
	if slices.Contains(c.ActiveAgents, agentID) {
		return false
	}
	c.ActiveAgents = append(c.ActiveAgents, agentID)
	return true
}

// RemoveAgent drops agentID from the active set and reports whether it changed.
func (c *AIContext) RemoveAgent(agentID string) bool {
	i := slices.Index(c.ActiveAgents, agentID)
	if i < 0 {
		return false
	}
	c.ActiveAgents = slices.Delete(c.ActiveAgents, i, i+1)
	return true
}
