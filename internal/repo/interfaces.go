package repo

import (
	"context"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
)

type RunFilter struct {
	TenantID     string
	Status       domain.RunStatus
	RetryOfRunID string
	Limit        int
	Offset       int
}

type RunLogFilter struct {
	RunID      string
	BeforeTS   *time.Time
	AfterTS    *time.Time
	Limit      int
	Descending bool
}

type PipelineFilter struct {
	TenantID string
	Limit    int
}

type PipelineVersionFilter struct {
	TenantID   string
	PipelineID string
	Limit      int
}

// RunRepository is the durable run store. Every mutating operation is a
// single atomic conditional update: the status precondition is part of the
// statement, and a statement that matches no row in the required status
// yields ErrStatusMismatch rather than a partial write.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, int, error)

	// ClaimQueuedRun atomically selects one QUEUED run (optionally scoped to
	// a tenant), transitions it to RUNNING, records ownership, and resolves
	// the run's pipeline version in the same transaction — a failed version
	// lookup rolls the whole claim back so no run is stranded in RUNNING
	// without a worker holding it. The boolean is false when no eligible run
	// exists. Concurrent claimers must skip, not block on, candidates held by
	// another in-flight claim.
	ClaimQueuedRun(ctx context.Context, workerID, tenantID string) (domain.Run, domain.PipelineVersion, bool, error)

	// CompleteRun applies RUNNING -> outcome. Outcome must be SUCCEEDED or
	// FAILED; errorMessage is stored only for FAILED.
	CompleteRun(ctx context.Context, id string, outcome domain.RunStatus, errorMessage string) (domain.Run, error)

	// CancelRun applies {QUEUED,RUNNING} -> CANCELLED.
	CancelRun(ctx context.Context, id string) (domain.Run, error)

	// RecordHeartbeat touches heartbeat_at for a RUNNING run owned by workerID.
	RecordHeartbeat(ctx context.Context, id, workerID string) (time.Time, error)
}

// RunLogRepository is the append-only per-run log sink.
type RunLogRepository interface {
	AppendLog(ctx context.Context, entry domain.RunLogEntry) (domain.RunLogEntry, error)
	ListLogs(ctx context.Context, filter RunLogFilter) ([]domain.RunLogEntry, error)
}

// CatalogRepository manages pipelines and their versioned specifications.
type CatalogRepository interface {
	CreatePipeline(ctx context.Context, pipeline domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (domain.Pipeline, error)
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]domain.Pipeline, error)

	CreatePipelineVersion(ctx context.Context, version domain.PipelineVersion) error
	GetPipelineVersion(ctx context.Context, id string) (domain.PipelineVersion, error)
	ListPipelineVersions(ctx context.Context, filter PipelineVersionFilter) ([]domain.PipelineVersion, error)
	SetPipelineVersionStatus(ctx context.Context, id string, status domain.PipelineVersionStatus) (domain.PipelineVersion, error)
}

// RegistryRepository manages organizational entities. Pure CRUD; the engine
// consumes it only for create-time existence checks.
type RegistryRepository interface {
	CreateTenant(ctx context.Context, tenant domain.Tenant) error
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	ListTenants(ctx context.Context, limit int) ([]domain.Tenant, error)

	CreateFacility(ctx context.Context, facility domain.Facility) error
	GetFacility(ctx context.Context, id string) (domain.Facility, error)

	CreateConnectorInstance(ctx context.Context, instance domain.ConnectorInstance) error
	GetConnectorInstance(ctx context.Context, id string) (domain.ConnectorInstance, error)
}
