package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/platform/env"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	stepDuration, err := env.Duration("WORKER_SIMULATED_STEP_DURATION", 2*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	client := newControlPlaneClient(cfg)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	err = client.readinessProbe(probeCtx)
	cancel()
	if err != nil {
		logger.Error("control plane unreachable", "url", cfg.ControlPlaneURL, "error", err)
		os.Exit(1)
	}

	loop := newWorkerLoop(logger, client, newSimulatedExecutor(stepDuration), cfg)
	if err := loop.Run(ctx); err != nil {
		logger.Error("worker loop failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
