package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ai-task-platform/internal/models"
)

// agentsFile is the on-disk shape of AGENTS_FILE.
type agentsFile struct {
	Agents []models.Agent `yaml:"agents"`
}

// LoadAgents reads agent seed definitions from a YAML file. Agents without an id get
// one derived from their name; status defaults to active.
func LoadAgents(path string) ([]models.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	return ParseAgents(data)
}

func ParseAgents(data []byte) ([]models.Agent, error) {
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	seen := make(map[string]bool, len(f.Agents))
	for i := range f.Agents {
		a := &f.Agents[i]
		if a.ID == "" {
			a.ID = slug(a.Name)
		}
		if a.ID == "" {
			return nil, fmt.Errorf("agent %d: id or name is required", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agent %q defined twice", a.ID)
		}
		seen[a.ID] = true
		if a.Status == "" {
			a.Status = models.AgentActive
		}
		if _, err := models.ParseAgentStatus(string(a.Status)); err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.ID, err)
		}
	}
	return f.Agents, nil
}

func slug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "-")
}
