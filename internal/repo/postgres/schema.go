package postgres

import (
	"context"
	"fmt"
)

// Migrate applies the schema idempotently. Statements are ordered so foreign
// key targets exist before their referrers.
func Migrate(ctx context.Context, db DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(200) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS facilities (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id VARCHAR(36) NOT NULL REFERENCES tenants(id),
			name VARCHAR(200) NOT NULL,
			facility_type VARCHAR(50) NOT NULL DEFAULT 'STORE',
			timezone VARCHAR(80) NOT NULL DEFAULT 'UTC',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS connector_instances (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id VARCHAR(36) NOT NULL REFERENCES tenants(id),
			facility_id VARCHAR(36) REFERENCES facilities(id),
			connector_type VARCHAR(80) NOT NULL,
			status VARCHAR(30) NOT NULL DEFAULT 'ACTIVE',
			config JSONB NOT NULL DEFAULT '{}'::jsonb,
			secrets_ref VARCHAR(200),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id VARCHAR(36) NOT NULL REFERENCES tenants(id),
			name VARCHAR(200) NOT NULL,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_versions (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id VARCHAR(36) NOT NULL REFERENCES tenants(id),
			pipeline_id VARCHAR(36) NOT NULL REFERENCES pipelines(id),
			version VARCHAR(50) NOT NULL,
			status VARCHAR(30) NOT NULL DEFAULT 'DRAFT',
			dag_spec JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id VARCHAR(36) NOT NULL REFERENCES tenants(id),
			pipeline_version_id VARCHAR(36) NOT NULL REFERENCES pipeline_versions(id),
			status VARCHAR(30) NOT NULL DEFAULT 'QUEUED',
			trigger_type VARCHAR(30) NOT NULL DEFAULT 'manual',
			parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
			claimed_by VARCHAR(200),
			claimed_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			heartbeat_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			error_message TEXT,
			retry_of_run_id VARCHAR(36) REFERENCES pipeline_runs(id),
			root_run_id VARCHAR(36),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_pipeline_runs_status_created_at
			ON pipeline_runs (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS ix_pipeline_runs_tenant_status
			ON pipeline_runs (tenant_id, status)`,
		`CREATE TABLE IF NOT EXISTS pipeline_run_logs (
			id VARCHAR(36) PRIMARY KEY,
			run_id VARCHAR(36) NOT NULL REFERENCES pipeline_runs(id),
			tenant_id VARCHAR(36) NOT NULL,
			seq BIGSERIAL,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			level TEXT NOT NULL DEFAULT 'INFO',
			message TEXT NOT NULL,
			source TEXT,
			meta JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS ix_pipeline_run_logs_run_ts
			ON pipeline_run_logs (run_id, ts, seq)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			actor VARCHAR(200) NOT NULL,
			action VARCHAR(100) NOT NULL,
			resource_type VARCHAR(100) NOT NULL,
			resource_id VARCHAR(36) NOT NULL,
			request_id VARCHAR(64),
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			integrity_sha256 CHAR(64) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_audit_events_resource
			ON audit_events (resource_type, resource_id, occurred_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
