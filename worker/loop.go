package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// lifecycleClient is the slice of the control plane API the loop needs.
type lifecycleClient interface {
	Claim(ctx context.Context) (claimResponse, error)
	Complete(ctx context.Context, runID, outcome, errorMessage string) error
	Heartbeat(ctx context.Context, runID string) error
	AppendLog(ctx context.Context, runID, level, message string, meta map[string]any) error
}

// workerLoop polls for work, executes one run at a time, and reports the
// outcome. Rejected transitions (another actor finished or cancelled the run
// first) are logged and skipped; infrastructure errors back off and retry.
type workerLoop struct {
	logger *slog.Logger
	client lifecycleClient
	exec   executor
	cfg    Config
}

func newWorkerLoop(logger *slog.Logger, client lifecycleClient, exec executor, cfg Config) *workerLoop {
	return &workerLoop{logger: logger, client: client, exec: exec, cfg: cfg}
}

func (l *workerLoop) Run(ctx context.Context) error {
	l.logger.Info("worker loop started", "worker_id", l.cfg.WorkerID, "poll_interval", l.cfg.PollInterval.String())
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		resp, err := l.client.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("claim failed", "error", err)
			if !sleepCtx(ctx, l.cfg.ErrorBackoff) {
				return nil
			}
			continue
		}
		if !resp.Claimed {
			if !sleepCtx(ctx, l.cfg.PollInterval) {
				return nil
			}
			continue
		}

		l.runClaimed(ctx, task{Run: resp.Run, Version: resp.PipelineVersion})
	}
}

func (l *workerLoop) runClaimed(ctx context.Context, t task) {
	runID := t.Run.RunID
	l.logger.Info("run claimed", "run_id", runID, "pipeline_version_id", t.Run.PipelineVersionID)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.heartbeatLoop(execCtx, runID, cancel)
	}()

	logf := func(level, message string, meta map[string]any) {
		logCtx, logCancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
		defer logCancel()
		if err := l.client.AppendLog(logCtx, runID, level, message, meta); err != nil {
			l.logger.Warn("log append failed", "run_id", runID, "error", err)
		}
	}

	execErr := l.exec.Execute(execCtx, t, logf)
	cancel()
	wg.Wait()

	if errors.Is(execErr, context.Canceled) {
		if ctx.Err() != nil {
			// Shutdown mid-run: leave the run RUNNING for an operator to
			// cancel and retry rather than reporting a false failure.
			l.logger.Warn("shutdown during execution", "run_id", runID)
			return
		}
		// The heartbeat stopped being accepted: the run was cancelled or
		// reassigned out from under us. Nothing left to report.
		l.logger.Info("run execution abandoned", "run_id", runID)
		return
	}

	outcome := "SUCCEEDED"
	errorMessage := ""
	if execErr != nil {
		outcome = "FAILED"
		errorMessage = execErr.Error()
	}

	completeCtx, completeCancel := context.WithTimeout(context.Background(), l.cfg.RequestTimeout)
	defer completeCancel()
	if err := l.client.Complete(completeCtx, runID, outcome, errorMessage); err != nil {
		if errors.Is(err, errConflict) || errors.Is(err, errNotFound) {
			l.logger.Warn("run completion rejected", "run_id", runID, "outcome", outcome, "error", err)
			return
		}
		l.logger.Error("run completion failed", "run_id", runID, "outcome", outcome, "error", err)
		return
	}
	l.logger.Info("run finished", "run_id", runID, "outcome", outcome)
}

// heartbeatLoop touches the run until execution ends. A conflict means the
// run is no longer ours; execution is cancelled in response.
func (l *workerLoop) heartbeatLoop(ctx context.Context, runID string, cancelExec context.CancelFunc) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hbCtx, hbCancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
		err := l.client.Heartbeat(hbCtx, runID)
		hbCancel()
		if err == nil {
			continue
		}
		if errors.Is(err, errConflict) || errors.Is(err, errNotFound) {
			l.logger.Warn("heartbeat rejected, abandoning execution", "run_id", runID, "error", err)
			cancelExec()
			return
		}
		// Transient heartbeat failures are tolerated; the next tick retries.
		l.logger.Warn("heartbeat failed", "run_id", runID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
