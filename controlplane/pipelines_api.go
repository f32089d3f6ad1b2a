package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/platform/auditlog"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
	"github.com/google/uuid"
)

type pipelineResponse struct {
	PipelineID  string    `json:"pipeline_id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func pipelineFromDomain(p domain.Pipeline) pipelineResponse {
	return pipelineResponse{
		PipelineID:  p.ID,
		TenantID:    p.TenantID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

type createPipelineRequest struct {
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (api *controlPlaneAPI) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	pipeline := domain.Pipeline{
		ID:          uuid.NewString(),
		TenantID:    strings.TrimSpace(req.TenantID),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
	}
	if err := pipeline.Validate(); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := api.catalog.CreatePipeline(r.Context(), pipeline); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "tenant_not_found")
			return
		}
		if errors.Is(err, repo.ErrAlreadyExists) {
			api.writeError(w, r, http.StatusConflict, "pipeline_exists")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	created, err := api.catalog.GetPipeline(r.Context(), pipeline.ID)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/pipelines/"+created.ID)
	api.writeJSON(w, http.StatusCreated, pipelineFromDomain(created))
}

func (api *controlPlaneAPI) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, err := api.catalog.GetPipeline(r.Context(), r.PathValue("pipeline_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, pipelineFromDomain(pipeline))
}

func (api *controlPlaneAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	filter := repo.PipelineFilter{
		TenantID: strings.TrimSpace(r.URL.Query().Get("tenant_id")),
		Limit:    parseIntQuery(r, "limit", 100),
	}
	pipelines, err := api.catalog.ListPipelines(r.Context(), filter)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}
	out := make([]pipelineResponse, 0, len(pipelines))
	for _, pipeline := range pipelines {
		out = append(out, pipelineFromDomain(pipeline))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

type pipelineVersionResponse struct {
	VersionID  string          `json:"version_id"`
	TenantID   string          `json:"tenant_id"`
	PipelineID string          `json:"pipeline_id"`
	Version    string          `json:"version"`
	Status     string          `json:"status"`
	DAGSpec    json.RawMessage `json:"dag_spec"`
	CreatedAt  time.Time       `json:"created_at"`
}

func pipelineVersionFromDomain(v domain.PipelineVersion) pipelineVersionResponse {
	spec := v.DAGSpec
	if len(spec) == 0 {
		spec = []byte("{}")
	}
	return pipelineVersionResponse{
		VersionID:  v.ID,
		TenantID:   v.TenantID,
		PipelineID: v.PipelineID,
		Version:    v.Version,
		Status:     string(v.Status),
		DAGSpec:    spec,
		CreatedAt:  v.CreatedAt,
	}
}

type createPipelineVersionRequest struct {
	Version string          `json:"version"`
	DAGSpec json.RawMessage `json:"dag_spec"`
}

func (api *controlPlaneAPI) handleCreatePipelineVersion(w http.ResponseWriter, r *http.Request) {
	pipelineID := strings.TrimSpace(r.PathValue("pipeline_id"))
	var req createPipelineVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	pipeline, err := api.catalog.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "pipeline_not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}

	version := domain.PipelineVersion{
		ID:         uuid.NewString(),
		TenantID:   pipeline.TenantID,
		PipelineID: pipeline.ID,
		Version:    strings.TrimSpace(req.Version),
		Status:     domain.PipelineVersionDraft,
		DAGSpec:    req.DAGSpec,
	}
	if err := version.Validate(); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := api.catalog.CreatePipelineVersion(r.Context(), version); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			api.writeError(w, r, http.StatusConflict, "version_exists")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	created, err := api.catalog.GetPipelineVersion(r.Context(), version.ID)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/pipeline-versions/"+created.ID)
	api.writeJSON(w, http.StatusCreated, pipelineVersionFromDomain(created))
}

func (api *controlPlaneAPI) handleListPipelineVersions(w http.ResponseWriter, r *http.Request) {
	filter := repo.PipelineVersionFilter{
		PipelineID: strings.TrimSpace(r.PathValue("pipeline_id")),
		Limit:      parseIntQuery(r, "limit", 100),
	}
	versions, err := api.catalog.ListPipelineVersions(r.Context(), filter)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}
	out := make([]pipelineVersionResponse, 0, len(versions))
	for _, version := range versions {
		out = append(out, pipelineVersionFromDomain(version))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

func (api *controlPlaneAPI) handleGetPipelineVersion(w http.ResponseWriter, r *http.Request) {
	version, err := api.catalog.GetPipelineVersion(r.Context(), r.PathValue("version_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, pipelineVersionFromDomain(version))
}

type setVersionStatusRequest struct {
	Status string `json:"status"`
}

func (api *controlPlaneAPI) handleSetPipelineVersionStatus(w http.ResponseWriter, r *http.Request) {
	var req setVersionStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	status := domain.NormalizePipelineVersionStatus(req.Status)
	if status == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}

	version, err := api.catalog.SetPipelineVersionStatus(r.Context(), r.PathValue("version_id"), status)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeLifecycleError(w, r, err)
		return
	}

	api.recordAudit(r, "", auditlog.ActionVersionStatus, auditlog.ResourceVersion, version.ID, map[string]any{
		"status": string(version.Status),
	})
	api.writeJSON(w, http.StatusOK, pipelineVersionFromDomain(version))
}
