// Package cli provides the aictl operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"ai-task-platform/internal/bootstrap"
	"ai-task-platform/internal/config"
	"ai-task-platform/internal/queue"
	"ai-task-platform/internal/store"
)

// Version is set at build time.
var Version = "0.1.0"

// Opener connects the task store. Swapped out in tests.
type Opener func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.Manager, error)

type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Manager
	queue    *queue.RedisQueue
	open     Opener
	newQueue func(config.Config) *queue.RedisQueue
	asJSON   bool
	backend  string
}

// Execute runs aictl against the configured backend.
func Execute() error {
	return NewRootCmd(bootstrap.OpenManager, queue.NewRedisQueue).Execute()
}

// NewRootCmd builds the command tree. open and newQueue are called lazily by the
// subcommands that need storage or the dispatch queue.
func NewRootCmd(open Opener, newQueue func(config.Config) *queue.RedisQueue) *cobra.Command {
	a := &app{open: open, newQueue: newQueue}

	root := &cobra.Command{
		Use:           "aictl",
		Short:         "Operate the AI task platform",
		Long:          `aictl inspects and maintains tasks, agents and retention for the AI task platform.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			a.cfg = config.Load()
			if a.backend != "" {
				a.cfg.StorageBackend = a.backend
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			a.close()
		},
	}
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print JSON instead of tables")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "override STORAGE_BACKEND (memory, redis, postgres, mongo)")

	root.AddCommand(a.migrateCmd())
	root.AddCommand(a.taskCmd())
	root.AddCommand(a.agentCmd())
	root.AddCommand(a.cleanupCmd())
	root.AddCommand(a.dlqCmd())
	return root
}

func (a *app) manager(ctx context.Context) (*store.Manager, error) {
	if a.store != nil {
		return a.store, nil
	}
	m, err := a.open(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = m
	return m, nil
}

func (a *app) dispatchQueue() *queue.RedisQueue {
	if a.queue == nil {
		a.queue = a.newQueue(a.cfg)
	}
	return a.queue
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close storage: %v\n", err)
		}
		a.store = nil
	}
	if a.queue != nil {
		_ = a.queue.Close()
		a.queue = nil
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
