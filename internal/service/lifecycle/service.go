package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
	"github.com/google/uuid"
)

const (
	defaultRunPageSize = 20
	maxRunPageSize     = 100
	defaultLogPageSize = 200
	maxLogPageSize     = 1000
)

type Service struct {
	runs     repo.RunRepository
	logs     repo.RunLogRepository
	catalog  repo.CatalogRepository
	registry repo.RegistryRepository
}

func New(runRepo repo.RunRepository, logRepo repo.RunLogRepository, catalogRepo repo.CatalogRepository, registryRepo repo.RegistryRepository) *Service {
	if runRepo == nil || logRepo == nil || catalogRepo == nil || registryRepo == nil {
		return nil
	}
	return &Service{
		runs:     runRepo,
		logs:     logRepo,
		catalog:  catalogRepo,
		registry: registryRepo,
	}
}

type CreateRunInput struct {
	TenantID          string
	PipelineVersionID string
	TriggerType       string
	Parameters        domain.Metadata
}

// CreateRun enqueues a new run. The referenced pipeline version must be
// APPROVED at this moment; later approval changes do not retroactively
// invalidate the run.
func (s *Service) CreateRun(ctx context.Context, in CreateRunInput) (domain.Run, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return domain.Run{}, fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	versionID := strings.TrimSpace(in.PipelineVersionID)
	if versionID == "" {
		return domain.Run{}, fmt.Errorf("%w: pipeline version id is required", ErrValidation)
	}

	if _, err := s.registry.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, ErrTenantNotFound
		}
		return domain.Run{}, fmt.Errorf("lookup tenant: %w", err)
	}
	version, err := s.catalog.GetPipelineVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, ErrPipelineVersionNotFound
		}
		return domain.Run{}, fmt.Errorf("lookup pipeline version: %w", err)
	}
	if !version.Approved() {
		return domain.Run{}, ErrPipelineVersionNotApproved
	}

	trigger := strings.TrimSpace(in.TriggerType)
	if trigger == "" {
		trigger = "manual"
	}

	run := domain.Run{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		PipelineVersionID: versionID,
		Status:            domain.RunStatusQueued,
		TriggerType:       trigger,
		Parameters:        in.Parameters.Clone(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	created, err := s.runs.GetRun(ctx, run.ID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("read back run: %w", err)
	}
	return created, nil
}

type ClaimResult struct {
	Claimed bool
	Run     domain.Run
	Version domain.PipelineVersion
}

// ClaimRun hands at most one QUEUED run to the calling worker. An empty
// queue is a normal outcome, not an error; store failures propagate as
// retriable infrastructure errors with no state change. The version payload
// is resolved by the repository inside the claim transaction, so an error
// here never leaves a run RUNNING without a worker holding it.
func (s *Service) ClaimRun(ctx context.Context, workerID, tenantID string) (ClaimResult, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return ClaimResult{}, fmt.Errorf("%w: worker id is required", ErrValidation)
	}
	run, version, claimed, err := s.runs.ClaimQueuedRun(ctx, workerID, strings.TrimSpace(tenantID))
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim run: %w", err)
	}
	if !claimed {
		return ClaimResult{}, nil
	}
	return ClaimResult{Claimed: true, Run: run, Version: version}, nil
}

// CompleteRun applies RUNNING -> SUCCEEDED|FAILED. A FAILED outcome requires
// a non-empty error message; SUCCEEDED forbids one.
func (s *Service) CompleteRun(ctx context.Context, id string, outcome domain.RunStatus, errorMessage string) (domain.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("%w: run id is required", ErrValidation)
	}
	errorMessage = strings.TrimSpace(errorMessage)
	switch outcome {
	case domain.RunStatusSucceeded:
		if errorMessage != "" {
			return domain.Run{}, fmt.Errorf("%w: error message is only valid on a failed run", ErrValidation)
		}
	case domain.RunStatusFailed:
		if errorMessage == "" {
			return domain.Run{}, fmt.Errorf("%w: failed run requires an error message", ErrValidation)
		}
	default:
		return domain.Run{}, fmt.Errorf("%w: outcome must be SUCCEEDED or FAILED", ErrValidation)
	}

	run, err := s.runs.CompleteRun(ctx, id, outcome, errorMessage)
	if errors.Is(err, repo.ErrStatusMismatch) {
		return domain.Run{}, s.classifyMismatch(ctx, id, "not RUNNING")
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("complete run: %w", err)
	}
	return run, nil
}

// CancelRun applies {QUEUED,RUNNING} -> CANCELLED. Cancellation of a RUNNING
// run marks intent; interrupting in-flight execution is the executor's job.
func (s *Service) CancelRun(ctx context.Context, id string) (domain.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("%w: run id is required", ErrValidation)
	}
	run, err := s.runs.CancelRun(ctx, id)
	if errors.Is(err, repo.ErrStatusMismatch) {
		return domain.Run{}, s.classifyMismatch(ctx, id, "already terminal")
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("cancel run: %w", err)
	}
	return run, nil
}

// HeartbeatRun records liveness for a RUNNING run owned by workerID.
func (s *Service) HeartbeatRun(ctx context.Context, id, workerID string) (time.Time, error) {
	id = strings.TrimSpace(id)
	workerID = strings.TrimSpace(workerID)
	if id == "" || workerID == "" {
		return time.Time{}, fmt.Errorf("%w: run id and worker id are required", ErrValidation)
	}
	heartbeatAt, err := s.runs.RecordHeartbeat(ctx, id, workerID)
	if errors.Is(err, repo.ErrStatusMismatch) {
		return time.Time{}, s.classifyMismatch(ctx, id, "not RUNNING or not owned by caller")
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("record heartbeat: %w", err)
	}
	return heartbeatAt, nil
}

// RetryRun derives a new QUEUED run from a terminal source run, threading
// lineage pointers. The source run is never mutated.
func (s *Service) RetryRun(ctx context.Context, id string, parameterOverrides domain.Metadata) (domain.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("%w: run id is required", ErrValidation)
	}
	source, err := s.runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, ErrRunNotFound
		}
		return domain.Run{}, fmt.Errorf("lookup run: %w", err)
	}
	if source.Status != domain.RunStatusFailed && source.Status != domain.RunStatusCancelled {
		return domain.Run{}, &ConflictError{RunID: source.ID, Status: source.Status, Reason: "only FAILED or CANCELLED runs can be retried"}
	}

	version, err := s.catalog.GetPipelineVersion(ctx, source.PipelineVersionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, ErrPipelineVersionNotFound
		}
		return domain.Run{}, fmt.Errorf("lookup pipeline version: %w", err)
	}
	if !version.Approved() {
		return domain.Run{}, ErrPipelineVersionNotApproved
	}

	parameters := source.Parameters.Clone()
	if parameterOverrides != nil {
		parameters = parameterOverrides.Clone()
	}
	rootID := source.RootRunID
	if rootID == "" {
		rootID = source.ID
	}

	retry := domain.Run{
		ID:                uuid.NewString(),
		TenantID:          source.TenantID,
		PipelineVersionID: source.PipelineVersionID,
		Status:            domain.RunStatusQueued,
		TriggerType:       domain.TriggerRetry,
		Parameters:        parameters,
		RetryOfRunID:      source.ID,
		RootRunID:         rootID,
	}
	if err := s.runs.CreateRun(ctx, retry); err != nil {
		return domain.Run{}, fmt.Errorf("create retry run: %w", err)
	}
	created, err := s.runs.GetRun(ctx, retry.ID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("read back retry run: %w", err)
	}
	return created, nil
}

func (s *Service) GetRun(ctx context.Context, id string) (domain.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("%w: run id is required", ErrValidation)
	}
	run, err := s.runs.GetRun(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, ErrRunNotFound
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

type RunPage struct {
	Runs   []domain.Run
	Total  int
	Limit  int
	Offset int
}

func (s *Service) ListRuns(ctx context.Context, filter repo.RunFilter) (RunPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultRunPageSize
	}
	if filter.Limit > maxRunPageSize {
		filter.Limit = maxRunPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Status != "" && domain.NormalizeRunStatus(string(filter.Status)) == "" {
		return RunPage{}, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	runs, total, err := s.runs.ListRuns(ctx, filter)
	if err != nil {
		return RunPage{}, fmt.Errorf("list runs: %w", err)
	}
	return RunPage{Runs: runs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

type AppendLogInput struct {
	RunID   string
	Level   string
	Message string
	Source  string
	Meta    domain.Metadata
}

func (s *Service) AppendLog(ctx context.Context, in AppendLogInput) (domain.RunLogEntry, error) {
	runID := strings.TrimSpace(in.RunID)
	if runID == "" {
		return domain.RunLogEntry{}, fmt.Errorf("%w: run id is required", ErrValidation)
	}
	if strings.TrimSpace(in.Message) == "" {
		return domain.RunLogEntry{}, fmt.Errorf("%w: message is required", ErrValidation)
	}
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RunLogEntry{}, ErrRunNotFound
		}
		return domain.RunLogEntry{}, fmt.Errorf("lookup run: %w", err)
	}
	entry := domain.RunLogEntry{
		ID:       uuid.NewString(),
		RunID:    run.ID,
		TenantID: run.TenantID,
		Level:    strings.TrimSpace(in.Level),
		Message:  in.Message,
		Source:   strings.TrimSpace(in.Source),
		Meta:     in.Meta.Clone(),
	}
	appended, err := s.logs.AppendLog(ctx, entry)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RunLogEntry{}, ErrRunNotFound
		}
		return domain.RunLogEntry{}, fmt.Errorf("append log: %w", err)
	}
	return appended, nil
}

func (s *Service) ListLogs(ctx context.Context, filter repo.RunLogFilter) ([]domain.RunLogEntry, error) {
	runID := strings.TrimSpace(filter.RunID)
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required", ErrValidation)
	}
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("lookup run: %w", err)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultLogPageSize
	}
	if filter.Limit > maxLogPageSize {
		filter.Limit = maxLogPageSize
	}
	entries, err := s.logs.ListLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return entries, nil
}

// classifyMismatch distinguishes "row missing" from "row in the wrong state"
// after a conditional update matched nothing.
func (s *Service) classifyMismatch(ctx context.Context, id, reason string) error {
	run, err := s.runs.GetRun(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("classify conflict: %w", err)
	}
	return &ConflictError{RunID: run.ID, Status: run.Status, Reason: reason}
}
