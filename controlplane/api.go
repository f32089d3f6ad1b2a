package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/conveyor-labs/conveyor-go/internal/logarchive"
	"github.com/conveyor-labs/conveyor-go/internal/platform/auditlog"
	"github.com/conveyor-labs/conveyor-go/internal/platform/metrics"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
	"github.com/conveyor-labs/conveyor-go/internal/service/lifecycle"
)

type controlPlaneAPI struct {
	logger   *slog.Logger
	svc      *lifecycle.Service
	catalog  repo.CatalogRepository
	registry repo.RegistryRepository
	archiver logarchive.Exporter
	audit    *auditlog.Recorder
}

func newControlPlaneAPI(logger *slog.Logger, svc *lifecycle.Service, catalog repo.CatalogRepository, registry repo.RegistryRepository, archiver logarchive.Exporter, audit *auditlog.Recorder) *controlPlaneAPI {
	return &controlPlaneAPI{
		logger:   logger,
		svc:      svc,
		catalog:  catalog,
		registry: registry,
		archiver: archiver,
		audit:    audit,
	}
}

// recordAudit writes a best-effort audit row for a completed mutation. The
// actor defaults to "api" for operator-initiated calls; worker-driven
// transitions pass the claiming worker instead.
func (api *controlPlaneAPI) recordAudit(r *http.Request, actor, action, resourceType, resourceID string, payload any) {
	if actor == "" {
		actor = "api"
	}
	requestID, _ := requestIDFrom(r)
	api.audit.Record(r.Context(), auditlog.Event{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    requestID,
		Payload:      payload,
	})
}

func (api *controlPlaneAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tenants", api.handleCreateTenant)
	mux.HandleFunc("GET /tenants", api.handleListTenants)
	mux.HandleFunc("GET /tenants/{tenant_id}", api.handleGetTenant)

	mux.HandleFunc("POST /facilities", api.handleCreateFacility)
	mux.HandleFunc("GET /facilities/{facility_id}", api.handleGetFacility)

	mux.HandleFunc("POST /connectors", api.handleCreateConnector)
	mux.HandleFunc("GET /connectors/{connector_id}", api.handleGetConnector)

	mux.HandleFunc("POST /pipelines", api.handleCreatePipeline)
	mux.HandleFunc("GET /pipelines", api.handleListPipelines)
	mux.HandleFunc("GET /pipelines/{pipeline_id}", api.handleGetPipeline)
	mux.HandleFunc("POST /pipelines/{pipeline_id}/versions", api.handleCreatePipelineVersion)
	mux.HandleFunc("GET /pipelines/{pipeline_id}/versions", api.handleListPipelineVersions)
	mux.HandleFunc("GET /pipeline-versions/{version_id}", api.handleGetPipelineVersion)
	mux.HandleFunc("POST /pipeline-versions/{version_id}/status", api.handleSetPipelineVersionStatus)

	mux.HandleFunc("POST /runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("POST /runs/claim", api.handleClaimRun)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/complete", api.handleCompleteRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("POST /runs/{run_id}/retry", api.handleRetryRun)
	mux.HandleFunc("POST /runs/{run_id}/heartbeat", api.handleHeartbeatRun)
	mux.HandleFunc("POST /runs/{run_id}/logs", api.handleAppendLog)
	mux.HandleFunc("GET /runs/{run_id}/logs", api.handleListLogs)

	mux.Handle("GET /metrics", metrics.Handler())
}

func (api *controlPlaneAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *controlPlaneAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *controlPlaneAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

// writeLifecycleError maps engine errors onto the wire. Validation, conflict,
// not-found and infrastructure failures each keep a distinct shape.
func (api *controlPlaneAPI) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *lifecycle.ConflictError
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, lifecycle.ErrRunNotFound),
		errors.Is(err, lifecycle.ErrTenantNotFound),
		errors.Is(err, lifecycle.ErrPipelineVersionNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, lifecycle.ErrPipelineVersionNotApproved):
		api.writeError(w, r, http.StatusConflict, "pipeline_version_not_approved")
	case errors.As(err, &conflict):
		api.writeErrorWithDetails(w, r, http.StatusConflict, "conflict", map[string]any{
			"run_id": conflict.RunID,
			"status": conflict.Status,
			"reason": conflict.Reason,
		})
	default:
		requestID, _ := requestIDFrom(r)
		api.logger.Error("request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func requestIDFrom(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	return id, id != ""
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}
