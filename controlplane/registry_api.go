package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
	"github.com/google/uuid"
)

type tenantResponse struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type createTenantRequest struct {
	Name string `json:"name"`
}

func (api *controlPlaneAPI) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	tenant := domain.Tenant{ID: uuid.NewString(), Name: name}
	if err := api.registry.CreateTenant(r.Context(), tenant); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			api.writeError(w, r, http.StatusConflict, "tenant_exists")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	created, err := api.registry.GetTenant(r.Context(), tenant.ID)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/tenants/"+created.ID)
	api.writeJSON(w, http.StatusCreated, tenantResponse{
		TenantID:  created.ID,
		Name:      created.Name,
		CreatedAt: created.CreatedAt,
	})
}

func (api *controlPlaneAPI) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := api.registry.GetTenant(r.Context(), r.PathValue("tenant_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, tenantResponse{
		TenantID:  tenant.ID,
		Name:      tenant.Name,
		CreatedAt: tenant.CreatedAt,
	})
}

func (api *controlPlaneAPI) handleListTenants(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 100)
	tenants, err := api.registry.ListTenants(r.Context(), limit)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}
	out := make([]tenantResponse, 0, len(tenants))
	for _, tenant := range tenants {
		out = append(out, tenantResponse{
			TenantID:  tenant.ID,
			Name:      tenant.Name,
			CreatedAt: tenant.CreatedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

type facilityResponse struct {
	FacilityID   string    `json:"facility_id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	FacilityType string    `json:"facility_type,omitempty"`
	Timezone     string    `json:"timezone,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type createFacilityRequest struct {
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	FacilityType string `json:"facility_type,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

func (api *controlPlaneAPI) handleCreateFacility(w http.ResponseWriter, r *http.Request) {
	var req createFacilityRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	facility := domain.Facility{
		ID:           uuid.NewString(),
		TenantID:     strings.TrimSpace(req.TenantID),
		Name:         strings.TrimSpace(req.Name),
		FacilityType: strings.TrimSpace(req.FacilityType),
		Timezone:     strings.TrimSpace(req.Timezone),
	}
	if err := facility.Validate(); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := api.registry.CreateFacility(r.Context(), facility); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "tenant_not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	created, err := api.registry.GetFacility(r.Context(), facility.ID)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/facilities/"+created.ID)
	api.writeJSON(w, http.StatusCreated, facilityResponse{
		FacilityID:   created.ID,
		TenantID:     created.TenantID,
		Name:         created.Name,
		FacilityType: created.FacilityType,
		Timezone:     created.Timezone,
		CreatedAt:    created.CreatedAt,
	})
}

func (api *controlPlaneAPI) handleGetFacility(w http.ResponseWriter, r *http.Request) {
	facility, err := api.registry.GetFacility(r.Context(), r.PathValue("facility_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, facilityResponse{
		FacilityID:   facility.ID,
		TenantID:     facility.TenantID,
		Name:         facility.Name,
		FacilityType: facility.FacilityType,
		Timezone:     facility.Timezone,
		CreatedAt:    facility.CreatedAt,
	})
}

type connectorResponse struct {
	ConnectorID   string         `json:"connector_id"`
	TenantID      string         `json:"tenant_id"`
	FacilityID    string         `json:"facility_id,omitempty"`
	ConnectorType string         `json:"connector_type"`
	Status        string         `json:"status"`
	Config        map[string]any `json:"config,omitempty"`
	SecretsRef    string         `json:"secrets_ref,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type createConnectorRequest struct {
	TenantID      string         `json:"tenant_id"`
	FacilityID    string         `json:"facility_id,omitempty"`
	ConnectorType string         `json:"connector_type"`
	Config        map[string]any `json:"config,omitempty"`
	SecretsRef    string         `json:"secrets_ref,omitempty"`
}

func (api *controlPlaneAPI) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req createConnectorRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	instance := domain.ConnectorInstance{
		ID:            uuid.NewString(),
		TenantID:      strings.TrimSpace(req.TenantID),
		FacilityID:    strings.TrimSpace(req.FacilityID),
		ConnectorType: strings.TrimSpace(req.ConnectorType),
		Status:        domain.ConnectorStatusActive,
		Config:        req.Config,
		SecretsRef:    strings.TrimSpace(req.SecretsRef),
	}
	if err := instance.Validate(); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := api.registry.CreateConnectorInstance(r.Context(), instance); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "tenant_or_facility_not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	created, err := api.registry.GetConnectorInstance(r.Context(), instance.ID)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/connectors/"+created.ID)
	api.writeJSON(w, http.StatusCreated, connectorFromDomain(created))
}

func (api *controlPlaneAPI) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	instance, err := api.registry.GetConnectorInstance(r.Context(), r.PathValue("connector_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, connectorFromDomain(instance))
}

func connectorFromDomain(instance domain.ConnectorInstance) connectorResponse {
	return connectorResponse{
		ConnectorID:   instance.ID,
		TenantID:      instance.TenantID,
		FacilityID:    instance.FacilityID,
		ConnectorType: instance.ConnectorType,
		Status:        instance.Status,
		Config:        instance.Config,
		SecretsRef:    instance.SecretsRef,
		CreatedAt:     instance.CreatedAt,
	}
}
