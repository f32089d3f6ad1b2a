package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// PipelineVersionStatus is the approval state of a versioned work specification.
type PipelineVersionStatus string

const (
	PipelineVersionDraft      PipelineVersionStatus = "DRAFT"
	PipelineVersionApproved   PipelineVersionStatus = "APPROVED"
	PipelineVersionDeprecated PipelineVersionStatus = "DEPRECATED"
)

func NormalizePipelineVersionStatus(value string) PipelineVersionStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(PipelineVersionDraft):
		return PipelineVersionDraft
	case string(PipelineVersionApproved):
		return PipelineVersionApproved
	case string(PipelineVersionDeprecated):
		return PipelineVersionDeprecated
	default:
		return ""
	}
}

// Pipeline names a unit of work owned by a tenant; versions carry the
// executable specification.
type Pipeline struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	CreatedAt   time.Time
}

// PipelineVersion is an immutable, versioned work specification. Runs may
// only be created or retried against a version whose status is APPROVED.
type PipelineVersion struct {
	ID         string
	TenantID   string
	PipelineID string
	Version    string
	Status     PipelineVersionStatus
	DAGSpec    json.RawMessage
	CreatedAt  time.Time
}

func (v PipelineVersion) Approved() bool {
	return v.Status == PipelineVersionApproved
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(p.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pipeline name is required")
	}
	return nil
}

func (v PipelineVersion) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("pipeline version id is required")
	}
	if strings.TrimSpace(v.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(v.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(v.Version) == "" {
		return errors.New("version label is required")
	}
	if NormalizePipelineVersionStatus(string(v.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}
