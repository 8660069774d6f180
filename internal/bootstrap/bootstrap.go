// Package bootstrap opens the process-wide resources shared by the api, worker and aictl binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/store"
	"ai-task-platform/internal/store/memory"
	"ai-task-platform/internal/store/mongostore"
	"ai-task-platform/internal/store/postgres"
	"ai-task-platform/internal/store/redisstore"
	"ai-task-platform/internal/telemetry"
)

// Logger builds the process logger from LOG_LEVEL, LOG_FORMAT and LOG_FILE and installs it as
// the slog default. An unparsable level falls back to info.
func Logger(cfg config.Config) (*slog.Logger, func() error) {
	level, err := telemetry.ParseLevel(cfg.LogLevel)
	logger, closeFn := telemetry.NewLogger(level, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		logger.Warn("invalid LOG_LEVEL, using info", "error", err)
	}
	slog.SetDefault(logger)
	return logger, closeFn
}

// OpenBackend connects the storage backend named by cfg.StorageBackend.
// Postgres schemas are migrated when migrate is true.
func OpenBackend(ctx context.Context, cfg config.Config, migrate bool) (store.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendRedis:
		return redisstore.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	case config.BackendPostgres:
		b, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if migrate {
			if err := b.RunMigrations(ctx); err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		return b, nil
	case config.BackendMongo:
		b, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}

// OpenManager opens the backend, wraps it in a Manager and verifies it is reachable.
func OpenManager(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.Manager, error) {
	backend, err := OpenBackend(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	m := store.NewManager(backend, logger)
	if err := m.Initialize(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	logger.Info("storage opened", "backend", cfg.StorageBackend)
	return m, nil
}

// SeedAgents registers the agents listed in path. Agents that already exist are left as they are.
// An empty path is a no-op.
func SeedAgents(ctx context.Context, m *store.Manager, path string, logger *slog.Logger) (int, error) {
	if path == "" {
		return 0, nil
	}
	agents, err := config.LoadAgents(path)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, a := range agents {
		if _, err := m.CreateAgent(ctx, a); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return created, fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
		created++
	}
	logger.Info("agents seeded", "file", path, "created", created, "listed", len(agents))
	return created, nil
}
