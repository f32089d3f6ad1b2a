package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
)

const runColumns = `id, tenant_id, pipeline_version_id, status, trigger_type, parameters,
	claimed_by, claimed_at, started_at, heartbeat_at, finished_at, error_message,
	retry_of_run_id, root_run_id, created_at, updated_at`

const insertRunQuery = `INSERT INTO pipeline_runs (
	id, tenant_id, pipeline_version_id, status, trigger_type, parameters,
	error_message, retry_of_run_id, root_run_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// The candidate select and the ownership update run inside one transaction.
// SKIP LOCKED keeps concurrent claimers from serializing behind each other:
// a candidate row locked by another in-flight claim is passed over instead
// of waited on.
const claimCandidateQuery = `SELECT id FROM pipeline_runs
	WHERE status = 'QUEUED'
	ORDER BY created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

const claimCandidateTenantQuery = `SELECT id FROM pipeline_runs
	WHERE status = 'QUEUED' AND tenant_id = $1
	ORDER BY created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

const claimUpdateQuery = `UPDATE pipeline_runs
	SET status = 'RUNNING',
		claimed_by = $2,
		claimed_at = NOW(),
		started_at = COALESCE(started_at, NOW()),
		heartbeat_at = NOW(),
		updated_at = NOW()
	WHERE id = $1
	RETURNING ` + runColumns

const completeRunQuery = `UPDATE pipeline_runs
	SET status = $2,
		finished_at = NOW(),
		heartbeat_at = NOW(),
		error_message = CASE WHEN $2 = 'FAILED' THEN $3 ELSE NULL END,
		updated_at = NOW()
	WHERE id = $1 AND status = 'RUNNING'
	RETURNING ` + runColumns

const cancelRunQuery = `UPDATE pipeline_runs
	SET status = 'CANCELLED',
		finished_at = NOW(),
		updated_at = NOW()
	WHERE id = $1 AND status IN ('QUEUED','RUNNING')
	RETURNING ` + runColumns

const claimVersionQuery = `SELECT ` + pipelineVersionColumns + ` FROM pipeline_versions WHERE id = $1`

const heartbeatQuery = `UPDATE pipeline_runs
	SET heartbeat_at = NOW(),
		updated_at = NOW()
	WHERE id = $1 AND status = 'RUNNING' AND claimed_by = $2
	RETURNING heartbeat_at`

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	paramsJSON, err := encodeMetadata(run.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.TenantID),
		strings.TrimSpace(run.PipelineVersionID),
		string(run.Status),
		strings.TrimSpace(run.TriggerType),
		paramsJSON,
		nullIfEmpty(run.ErrorMessage),
		nullIfEmpty(run.RetryOfRunID),
		nullIfEmpty(run.RootRunID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if strings.TrimSpace(filter.TenantID) != "" {
		args = append(args, strings.TrimSpace(filter.TenantID))
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.RetryOfRunID) != "" {
		args = append(args, strings.TrimSpace(filter.RetryOfRunID))
		clauses = append(clauses, fmt.Sprintf("retry_of_run_id = $%d", len(args)))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	countRow := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs`+where, args...)
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return runs, total, nil
}

func (s *RunStore) ClaimQueuedRun(ctx context.Context, workerID, tenantID string) (domain.Run, domain.PipelineVersion, bool, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, domain.PipelineVersion{}, false, fmt.Errorf("run store not initialized")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.Run{}, domain.PipelineVersion{}, false, fmt.Errorf("worker id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, domain.PipelineVersion{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var candidateID string
	tenantID = strings.TrimSpace(tenantID)
	if tenantID != "" {
		err = tx.QueryRowContext(ctx, claimCandidateTenantQuery, tenantID).Scan(&candidateID)
	} else {
		err = tx.QueryRowContext(ctx, claimCandidateQuery).Scan(&candidateID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, domain.PipelineVersion{}, false, nil
	}
	if err != nil {
		return domain.Run{}, domain.PipelineVersion{}, false, fmt.Errorf("select claim candidate: %w", err)
	}

	run, err := scanRun(tx.QueryRowContext(ctx, claimUpdateQuery, candidateID, workerID))
	if err != nil {
		return domain.Run{}, domain.PipelineVersion{}, false, fmt.Errorf("claim run: %w", err)
	}

	// The version payload is part of the claim: if it cannot be read, the
	// deferred rollback reverts the RUNNING transition instead of stranding
	// the run on a worker that never heard about it.
	version, err := scanPipelineVersion(tx.QueryRowContext(ctx, claimVersionQuery, run.PipelineVersionID))
	if err != nil {
		return domain.Run{}, domain.PipelineVersion{}, false, fmt.Errorf("resolve claimed version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Run{}, domain.PipelineVersion{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return run, version, true, nil
}

func (s *RunStore) CompleteRun(ctx context.Context, id string, outcome domain.RunStatus, errorMessage string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, completeRunQuery, id, string(outcome), nullIfEmpty(errorMessage))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, repo.ErrStatusMismatch
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("complete run: %w", err)
	}
	return run, nil
}

func (s *RunStore) CancelRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, cancelRunQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, repo.ErrStatusMismatch
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("cancel run: %w", err)
	}
	return run, nil
}

func (s *RunStore) RecordHeartbeat(ctx context.Context, id, workerID string) (time.Time, error) {
	if s == nil || s.db == nil {
		return time.Time{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	workerID = strings.TrimSpace(workerID)
	if id == "" || workerID == "" {
		return time.Time{}, fmt.Errorf("run id and worker id are required")
	}
	var heartbeatAt time.Time
	err := s.db.QueryRowContext(ctx, heartbeatQuery, id, workerID).Scan(&heartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, repo.ErrStatusMismatch
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("record heartbeat: %w", err)
	}
	return heartbeatAt.UTC(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var status string
	var paramsJSON []byte
	var claimedBy sql.NullString
	var claimedAt sql.NullTime
	var startedAt sql.NullTime
	var heartbeatAt sql.NullTime
	var finishedAt sql.NullTime
	var errorMessage sql.NullString
	var retryOfRunID sql.NullString
	var rootRunID sql.NullString

	if err := row.Scan(
		&run.ID,
		&run.TenantID,
		&run.PipelineVersionID,
		&status,
		&run.TriggerType,
		&paramsJSON,
		&claimedBy,
		&claimedAt,
		&startedAt,
		&heartbeatAt,
		&finishedAt,
		&errorMessage,
		&retryOfRunID,
		&rootRunID,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.Run{}, err
	}

	run.Status = domain.RunStatus(status)
	run.ClaimedBy = claimedBy.String
	run.ClaimedAt = timePtr(claimedAt)
	run.StartedAt = timePtr(startedAt)
	run.HeartbeatAt = timePtr(heartbeatAt)
	run.FinishedAt = timePtr(finishedAt)
	run.ErrorMessage = errorMessage.String
	run.RetryOfRunID = retryOfRunID.String
	run.RootRunID = rootRunID.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	params, err := decodeMetadata(paramsJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode parameters: %w", err)
	}
	run.Parameters = params
	return run, nil
}
