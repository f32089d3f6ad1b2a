package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the authoritative lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// TriggerRetry marks runs derived from a terminal run.
const TriggerRetry = "retry"

// Run is one instance of queued/executing/finished work tied to an
// approved pipeline version. Rows are never deleted; ownership and
// timestamp fields are filled monotonically and never unset.
type Run struct {
	ID                string
	TenantID          string
	PipelineVersionID string
	Status            RunStatus
	TriggerType       string
	Parameters        Metadata

	ClaimedBy   string
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time

	ErrorMessage string

	RetryOfRunID string
	RootRunID    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeRunStatus maps free-form status values to canonical statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(RunStatusQueued):
		return RunStatusQueued
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSucceeded):
		return RunStatusSucceeded
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCancelled):
		return RunStatusCancelled
	default:
		return ""
	}
}

// IsTerminal reports whether no further transitions are permitted.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransitionRunStatus is the single source of truth for legal edges.
func CanTransitionRunStatus(current, next RunStatus) bool {
	switch current {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusCancelled
	case RunStatusRunning:
		return next == RunStatusSucceeded || next == RunStatusFailed || next == RunStatusCancelled
	}
	return false
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.PipelineVersionID) == "" {
		return errors.New("pipeline version id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.Status == RunStatusFailed && strings.TrimSpace(r.ErrorMessage) == "" {
		return errors.New("failed run requires an error message")
	}
	if r.Status != RunStatusFailed && strings.TrimSpace(r.ErrorMessage) != "" {
		return errors.New("error message is only valid on a failed run")
	}
	return nil
}
