package domain

import (
	"errors"
	"strings"
	"time"
)

// Tenant scopes every other entity in the system.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Facility is an organizational location belonging to a tenant.
type Facility struct {
	ID           string
	TenantID     string
	Name         string
	FacilityType string
	Timezone     string
	CreatedAt    time.Time
}

// ConnectorInstance is a configured external data connection for a tenant.
type ConnectorInstance struct {
	ID            string
	TenantID      string
	FacilityID    string
	ConnectorType string
	Status        string
	Config        Metadata
	SecretsRef    string
	CreatedAt     time.Time
}

const ConnectorStatusActive = "ACTIVE"

func (t Tenant) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("tenant name is required")
	}
	return nil
}

func (f Facility) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("facility id is required")
	}
	if strings.TrimSpace(f.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(f.Name) == "" {
		return errors.New("facility name is required")
	}
	return nil
}

func (c ConnectorInstance) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("connector instance id is required")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(c.ConnectorType) == "" {
		return errors.New("connector type is required")
	}
	return nil
}
