package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
)

const pipelineVersionColumns = `id, tenant_id, pipeline_id, version, status, dag_spec, created_at`

type CatalogStore struct {
	db DB
}

func NewCatalogStore(db DB) *CatalogStore {
	if db == nil {
		return nil
	}
	return &CatalogStore{db: db}
}

func (s *CatalogStore) CreatePipeline(ctx context.Context, pipeline domain.Pipeline) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("catalog store not initialized")
	}
	if err := pipeline.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipelines (id, tenant_id, name, description) VALUES ($1,$2,$3,$4)`,
		strings.TrimSpace(pipeline.ID),
		strings.TrimSpace(pipeline.TenantID),
		strings.TrimSpace(pipeline.Name),
		nullIfEmpty(pipeline.Description),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

func (s *CatalogStore) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("catalog store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Pipeline{}, fmt.Errorf("pipeline id is required")
	}
	var pipeline domain.Pipeline
	var description sql.NullString
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, tenant_id, name, description, created_at FROM pipelines WHERE id = $1`,
		id,
	)
	if err := row.Scan(&pipeline.ID, &pipeline.TenantID, &pipeline.Name, &description, &pipeline.CreatedAt); err != nil {
		return domain.Pipeline{}, handleNotFound(err)
	}
	pipeline.Description = description.String
	pipeline.CreatedAt = pipeline.CreatedAt.UTC()
	return pipeline, nil
}

func (s *CatalogStore) ListPipelines(ctx context.Context, filter repo.PipelineFilter) ([]domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("catalog store not initialized")
	}
	args := make([]any, 0, 2)
	query := `SELECT id, tenant_id, name, description, created_at FROM pipelines`
	if strings.TrimSpace(filter.TenantID) != "" {
		args = append(args, strings.TrimSpace(filter.TenantID))
		query += fmt.Sprintf(" WHERE tenant_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	pipelines := make([]domain.Pipeline, 0)
	for rows.Next() {
		var pipeline domain.Pipeline
		var description sql.NullString
		if err := rows.Scan(&pipeline.ID, &pipeline.TenantID, &pipeline.Name, &description, &pipeline.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		pipeline.Description = description.String
		pipeline.CreatedAt = pipeline.CreatedAt.UTC()
		pipelines = append(pipelines, pipeline)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return pipelines, nil
}

func (s *CatalogStore) CreatePipelineVersion(ctx context.Context, version domain.PipelineVersion) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("catalog store not initialized")
	}
	if err := version.Validate(); err != nil {
		return err
	}
	spec := version.DAGSpec
	if len(spec) == 0 {
		spec = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_versions (id, tenant_id, pipeline_id, version, status, dag_spec)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		strings.TrimSpace(version.ID),
		strings.TrimSpace(version.TenantID),
		strings.TrimSpace(version.PipelineID),
		strings.TrimSpace(version.Version),
		string(version.Status),
		[]byte(spec),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert pipeline version: %w", err)
	}
	return nil
}

func (s *CatalogStore) GetPipelineVersion(ctx context.Context, id string) (domain.PipelineVersion, error) {
	if s == nil || s.db == nil {
		return domain.PipelineVersion{}, fmt.Errorf("catalog store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineVersion{}, fmt.Errorf("pipeline version id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+pipelineVersionColumns+` FROM pipeline_versions WHERE id = $1`,
		id,
	)
	version, err := scanPipelineVersion(row)
	if err != nil {
		return domain.PipelineVersion{}, handleNotFound(err)
	}
	return version, nil
}

func (s *CatalogStore) ListPipelineVersions(ctx context.Context, filter repo.PipelineVersionFilter) ([]domain.PipelineVersion, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("catalog store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.TenantID) != "" {
		args = append(args, strings.TrimSpace(filter.TenantID))
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.PipelineID) != "" {
		args = append(args, strings.TrimSpace(filter.PipelineID))
		clauses = append(clauses, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	query := `SELECT ` + pipelineVersionColumns + ` FROM pipeline_versions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipeline versions: %w", err)
	}
	defer rows.Close()

	versions := make([]domain.PipelineVersion, 0)
	for rows.Next() {
		version, err := scanPipelineVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipeline versions: %w", err)
	}
	return versions, nil
}

func (s *CatalogStore) SetPipelineVersionStatus(ctx context.Context, id string, status domain.PipelineVersionStatus) (domain.PipelineVersion, error) {
	if s == nil || s.db == nil {
		return domain.PipelineVersion{}, fmt.Errorf("catalog store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineVersion{}, fmt.Errorf("pipeline version id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE pipeline_versions SET status = $2 WHERE id = $1 RETURNING `+pipelineVersionColumns,
		id,
		string(status),
	)
	version, err := scanPipelineVersion(row)
	if err != nil {
		return domain.PipelineVersion{}, handleNotFound(err)
	}
	return version, nil
}

func scanPipelineVersion(row rowScanner) (domain.PipelineVersion, error) {
	var version domain.PipelineVersion
	var status string
	var spec []byte
	if err := row.Scan(&version.ID, &version.TenantID, &version.PipelineID, &version.Version,
		&status, &spec, &version.CreatedAt); err != nil {
		return domain.PipelineVersion{}, err
	}
	version.Status = domain.PipelineVersionStatus(status)
	version.DAGSpec = spec
	version.CreatedAt = version.CreatedAt.UTC()
	return version, nil
}
