package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ai-task-platform/internal/bootstrap"
	"ai-task-platform/internal/config"
	"ai-task-platform/internal/monitoring"
	"ai-task-platform/internal/queue"
	"ai-task-platform/internal/telemetry"
	workerproc "ai-task-platform/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, closeLog := bootstrap.Logger(cfg)
	defer closeLog()
	telemetry.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := bootstrap.OpenManager(ctx, cfg, logger)
	if err != nil {
		logger.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	orch := workerproc.NewOrchestratorWithID(cfg, q, st, logger, workerID)

	imageHandler, err := workerproc.NewImageHandler(ctx, cfg)
	if err != nil {
		logger.Error("init image handler", "error", err)
		os.Exit(1)
	}
	orch.RegisterHandler(workerproc.ImageTaskType, imageHandler.Handle)

	janitor := workerproc.NewJanitor(st, cfg.RetentionDays, cfg.CleanupInterval, logger)
	sampler := monitoring.NewSampler(st, q, cfg.MonitorInterval, workerID, logger)
	for name, run := range map[string]func(context.Context) error{"janitor": janitor.Run, "sampler": sampler.Run} {
		name, run := name, run
		go func() {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("background loop stopped", "loop", name, "error", err)
			}
		}()
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "worker_id", workerID, "visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial)
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
