package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "ai-task-platform/internal/api"
	"ai-task-platform/internal/bootstrap"
	"ai-task-platform/internal/config"
	"ai-task-platform/internal/monitoring"
	"ai-task-platform/internal/queue"
	"ai-task-platform/internal/ratelimit"
	"ai-task-platform/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger, closeLog := bootstrap.Logger(cfg)
	defer closeLog()
	telemetry.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := bootstrap.OpenManager(ctx, cfg, logger)
	if err != nil {
		logger.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if _, err := bootstrap.SeedAgents(ctx, st, cfg.AgentsFile, logger); err != nil {
		logger.Error("seed agents", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		logger.Error("connect redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	sampler := monitoring.NewSampler(st, q, cfg.MonitorInterval, "api", logger)
	go func() {
		if err := sampler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("sampler stopped", "error", err)
		}
	}()

	server := api.New(cfg, st, q, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "backend", cfg.StorageBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
