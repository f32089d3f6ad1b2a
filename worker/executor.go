package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// task is one claimed run together with its resolved pipeline version.
type task struct {
	Run     claimedRun
	Version claimedPipelineVersion
}

type logFunc func(level, message string, meta map[string]any)

// executor runs a claimed task to completion. A nil return means the run
// succeeded; a non-nil return is reported as the run's failure message.
type executor interface {
	Execute(ctx context.Context, t task, logf logFunc) error
}

// simulatedExecutor walks the version's step list and sleeps a fixed
// duration per step. It exists so the lifecycle path can be exercised end
// to end without a real runtime behind it.
type simulatedExecutor struct {
	stepDuration time.Duration
}

func newSimulatedExecutor(stepDuration time.Duration) *simulatedExecutor {
	if stepDuration <= 0 {
		stepDuration = 100 * time.Millisecond
	}
	return &simulatedExecutor{stepDuration: stepDuration}
}

type dagSpec struct {
	Steps []dagStep `json:"steps"`
}

type dagStep struct {
	Name string `json:"name"`
}

func (e *simulatedExecutor) Execute(ctx context.Context, t task, logf logFunc) error {
	var spec dagSpec
	if len(t.Version.DAGSpec) > 0 {
		if err := json.Unmarshal(t.Version.DAGSpec, &spec); err != nil {
			return fmt.Errorf("parse dag spec: %w", err)
		}
	}
	steps := spec.Steps
	if len(steps) == 0 {
		steps = []dagStep{{Name: "main"}}
	}

	var params map[string]any
	if len(t.Run.Parameters) > 0 {
		_ = json.Unmarshal(t.Run.Parameters, &params)
	}

	for i, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}
		logf("INFO", "step started", map[string]any{"step": name, "index": i + 1, "total": len(steps)})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.stepDuration):
		}

		logf("INFO", "step finished", map[string]any{"step": name})
	}

	// Forced failures let operators rehearse the retry path.
	if msg, ok := params["fail_message"].(string); ok && strings.TrimSpace(msg) != "" {
		return fmt.Errorf("%s", strings.TrimSpace(msg))
	}
	return nil
}
