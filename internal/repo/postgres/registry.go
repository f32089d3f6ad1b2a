package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
)

type RegistryStore struct {
	db DB
}

func NewRegistryStore(db DB) *RegistryStore {
	if db == nil {
		return nil
	}
	return &RegistryStore{db: db}
}

func (s *RegistryStore) CreateTenant(ctx context.Context, tenant domain.Tenant) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry store not initialized")
	}
	if err := tenant.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tenants (id, name) VALUES ($1,$2)`,
		strings.TrimSpace(tenant.ID),
		strings.TrimSpace(tenant.Name),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *RegistryStore) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	if s == nil || s.db == nil {
		return domain.Tenant{}, fmt.Errorf("registry store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Tenant{}, fmt.Errorf("tenant id is required")
	}
	var tenant domain.Tenant
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tenants WHERE id = $1`, id)
	if err := row.Scan(&tenant.ID, &tenant.Name, &tenant.CreatedAt); err != nil {
		return domain.Tenant{}, handleNotFound(err)
	}
	tenant.CreatedAt = tenant.CreatedAt.UTC()
	return tenant, nil
}

func (s *RegistryStore) ListTenants(ctx context.Context, limit int) ([]domain.Tenant, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	query := `SELECT id, name, created_at FROM tenants ORDER BY created_at DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]domain.Tenant, 0)
	for rows.Next() {
		var tenant domain.Tenant
		if err := rows.Scan(&tenant.ID, &tenant.Name, &tenant.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenant.CreatedAt = tenant.CreatedAt.UTC()
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

func (s *RegistryStore) CreateFacility(ctx context.Context, facility domain.Facility) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry store not initialized")
	}
	if err := facility.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO facilities (id, tenant_id, name, facility_type, timezone) VALUES ($1,$2,$3,$4,$5)`,
		strings.TrimSpace(facility.ID),
		strings.TrimSpace(facility.TenantID),
		strings.TrimSpace(facility.Name),
		strings.TrimSpace(facility.FacilityType),
		strings.TrimSpace(facility.Timezone),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert facility: %w", err)
	}
	return nil
}

func (s *RegistryStore) GetFacility(ctx context.Context, id string) (domain.Facility, error) {
	if s == nil || s.db == nil {
		return domain.Facility{}, fmt.Errorf("registry store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Facility{}, fmt.Errorf("facility id is required")
	}
	var facility domain.Facility
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, tenant_id, name, facility_type, timezone, created_at FROM facilities WHERE id = $1`,
		id,
	)
	if err := row.Scan(&facility.ID, &facility.TenantID, &facility.Name, &facility.FacilityType,
		&facility.Timezone, &facility.CreatedAt); err != nil {
		return domain.Facility{}, handleNotFound(err)
	}
	facility.CreatedAt = facility.CreatedAt.UTC()
	return facility, nil
}

func (s *RegistryStore) CreateConnectorInstance(ctx context.Context, instance domain.ConnectorInstance) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry store not initialized")
	}
	if err := instance.Validate(); err != nil {
		return err
	}
	configJSON, err := encodeMetadata(instance.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	status := strings.TrimSpace(instance.Status)
	if status == "" {
		status = domain.ConnectorStatusActive
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO connector_instances (id, tenant_id, facility_id, connector_type, status, config, secrets_ref)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(instance.ID),
		strings.TrimSpace(instance.TenantID),
		nullIfEmpty(instance.FacilityID),
		strings.TrimSpace(instance.ConnectorType),
		status,
		configJSON,
		nullIfEmpty(instance.SecretsRef),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert connector instance: %w", err)
	}
	return nil
}

func (s *RegistryStore) GetConnectorInstance(ctx context.Context, id string) (domain.ConnectorInstance, error) {
	if s == nil || s.db == nil {
		return domain.ConnectorInstance{}, fmt.Errorf("registry store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ConnectorInstance{}, fmt.Errorf("connector instance id is required")
	}
	var instance domain.ConnectorInstance
	var facilityID sql.NullString
	var secretsRef sql.NullString
	var configJSON []byte
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, tenant_id, facility_id, connector_type, status, config, secrets_ref, created_at
		 FROM connector_instances WHERE id = $1`,
		id,
	)
	if err := row.Scan(&instance.ID, &instance.TenantID, &facilityID, &instance.ConnectorType,
		&instance.Status, &configJSON, &secretsRef, &instance.CreatedAt); err != nil {
		return domain.ConnectorInstance{}, handleNotFound(err)
	}
	instance.FacilityID = facilityID.String
	instance.SecretsRef = secretsRef.String
	instance.CreatedAt = instance.CreatedAt.UTC()
	config, err := decodeMetadata(configJSON)
	if err != nil {
		return domain.ConnectorInstance{}, fmt.Errorf("decode config: %w", err)
	}
	instance.Config = config
	return instance, nil
}
