package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the availability of an agent.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentIdle, AgentBusy, AgentOffline:
		return true
	}
	return false
}

// ParseAgentStatus converts a persisted agent status string.
func ParseAgentStatus(s string) (AgentStatus, error) {
	st := AgentStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown agent status %q", s)}
	}
	return st, nil
}

// Agent is a named worker entity that executes tasks of the types listed in Capabilities.
type Agent struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Type         string         `json:"type" yaml:"type"`
	Status       AgentStatus    `json:"status" yaml:"status"`
	Capabilities []string       `json:"capabilities" yaml:"capabilities"`
	Config       map[string]any `json:"config,omitempty" yaml:"config"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata"`
	CreatedAt    time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"-"`
	LastActiveAt *time.Time     `json:"last_active_at,omitempty" yaml:"-"`
}

// NewAgent builds an active agent with a fresh id.
func NewAgent(name, agentType string, capabilities ...string) Agent {
	now := Now()
	return Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         agentType,
		Status:       AgentActive,
		Capabilities: capabilities,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CanHandle reports whether the agent lists taskType among its capabilities.
func (a Agent) CanHandle(taskType string) bool {
	return slices.Contains(a.Capabilities, taskType)
}
