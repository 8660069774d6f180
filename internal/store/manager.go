package store

import (
	"context"
	"log/slog"
	"time"

	"ai-task-platform/internal/models"
)

// Manager translates tasks, agents, contexts and metrics into backend records.
// It holds no business logic beyond boundary validation and the task lifecycle rule
// that terminal tasks never change status again.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager wires a manager over an opened backend.
func NewManager(backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		logger:  logger.With("component", "store"),
		now:     models.Now,
	}
}

// Initialize verifies the backend is reachable. Callers treat a failure as fatal.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.backend.Ping(ctx); err != nil {
		m.logger.Error("storage backend unavailable", "error", err)
		return &StorageError{Op: "initialize", Err: err}
	}
	m.logger.Info("storage backend ready")
	return nil
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
