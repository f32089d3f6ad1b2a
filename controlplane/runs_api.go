package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/platform/auditlog"
	"github.com/conveyor-labs/conveyor-go/internal/platform/metrics"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
	"github.com/conveyor-labs/conveyor-go/internal/service/lifecycle"
)

type runResponse struct {
	RunID             string          `json:"run_id"`
	TenantID          string          `json:"tenant_id"`
	PipelineVersionID string          `json:"pipeline_version_id"`
	Status            string          `json:"status"`
	TriggerType       string          `json:"trigger_type"`
	Parameters        json.RawMessage `json:"parameters"`
	ClaimedBy         string          `json:"claimed_by,omitempty"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	RetryOfRunID      string          `json:"retry_of_run_id,omitempty"`
	RootRunID         string          `json:"root_run_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func runFromDomain(run domain.Run) runResponse {
	params, _ := json.Marshal(run.Parameters)
	if run.Parameters == nil {
		params = []byte("{}")
	}
	return runResponse{
		RunID:             run.ID,
		TenantID:          run.TenantID,
		PipelineVersionID: run.PipelineVersionID,
		Status:            string(run.Status),
		TriggerType:       run.TriggerType,
		Parameters:        params,
		ClaimedBy:         run.ClaimedBy,
		ClaimedAt:         run.ClaimedAt,
		StartedAt:         run.StartedAt,
		HeartbeatAt:       run.HeartbeatAt,
		FinishedAt:        run.FinishedAt,
		ErrorMessage:      run.ErrorMessage,
		RetryOfRunID:      run.RetryOfRunID,
		RootRunID:         run.RootRunID,
		CreatedAt:         run.CreatedAt,
		UpdatedAt:         run.UpdatedAt,
	}
}

type createRunRequest struct {
	TenantID          string         `json:"tenant_id"`
	PipelineVersionID string         `json:"pipeline_version_id"`
	TriggerType       string         `json:"trigger_type,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
}

func (api *controlPlaneAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	run, err := api.svc.CreateRun(r.Context(), lifecycle.CreateRunInput{
		TenantID:          req.TenantID,
		PipelineVersionID: req.PipelineVersionID,
		TriggerType:       req.TriggerType,
		Parameters:        req.Parameters,
	})
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	metrics.RecordRunTransition(string(run.Status))
	api.recordAudit(r, "", auditlog.ActionRunCreate, auditlog.ResourceRun, run.ID, map[string]any{
		"tenant_id":           run.TenantID,
		"pipeline_version_id": run.PipelineVersionID,
		"trigger_type":        run.TriggerType,
	})
	w.Header().Set("Location", "/runs/"+run.ID)
	api.writeJSON(w, http.StatusCreated, runFromDomain(run))
}

func (api *controlPlaneAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.svc.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, runFromDomain(run))
}

func (api *controlPlaneAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		TenantID:     strings.TrimSpace(r.URL.Query().Get("tenant_id")),
		RetryOfRunID: strings.TrimSpace(r.URL.Query().Get("retry_of_run_id")),
		Limit:        parseIntQuery(r, "limit", 0),
		Offset:       parseIntQuery(r, "offset", 0),
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.Status = domain.RunStatus(strings.ToUpper(status))
	}

	page, err := api.svc.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	out := make([]runResponse, 0, len(page.Runs))
	for _, run := range page.Runs {
		out = append(out, runFromDomain(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"runs":   out,
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

type claimRunRequest struct {
	WorkerID string `json:"worker_id"`
	TenantID string `json:"tenant_id,omitempty"`
}

type claimedVersion struct {
	VersionID string          `json:"version_id"`
	Version   string          `json:"version"`
	DAGSpec   json.RawMessage `json:"dag_spec"`
}

func (api *controlPlaneAPI) handleClaimRun(w http.ResponseWriter, r *http.Request) {
	var req claimRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	result, err := api.svc.ClaimRun(r.Context(), req.WorkerID, req.TenantID)
	if err != nil {
		metrics.RecordClaimAttempt("error")
		api.writeLifecycleError(w, r, err)
		return
	}
	if !result.Claimed {
		metrics.RecordClaimAttempt("empty")
		api.writeJSON(w, http.StatusOK, map[string]any{"claimed": false})
		return
	}

	metrics.RecordClaimAttempt("claimed")
	metrics.RecordRunTransition(string(result.Run.Status))
	api.writeJSON(w, http.StatusOK, map[string]any{
		"claimed": true,
		"run":     runFromDomain(result.Run),
		"pipeline_version": claimedVersion{
			VersionID: result.Version.ID,
			Version:   result.Version.Version,
			DAGSpec:   result.Version.DAGSpec,
		},
	})
}

type completeRunRequest struct {
	Outcome      string `json:"outcome"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (api *controlPlaneAPI) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	outcome := domain.NormalizeRunStatus(req.Outcome)
	run, err := api.svc.CompleteRun(r.Context(), r.PathValue("run_id"), outcome, req.ErrorMessage)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	metrics.RecordRunTransition(string(run.Status))
	api.recordAudit(r, run.ClaimedBy, auditlog.ActionRunComplete, auditlog.ResourceRun, run.ID, map[string]any{
		"status":        string(run.Status),
		"error_message": run.ErrorMessage,
	})
	api.archiveRunLogs(run)
	api.writeJSON(w, http.StatusOK, runFromDomain(run))
}

func (api *controlPlaneAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.svc.CancelRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	metrics.RecordRunTransition(string(run.Status))
	api.recordAudit(r, "", auditlog.ActionRunCancel, auditlog.ResourceRun, run.ID, map[string]any{
		"status": string(run.Status),
	})
	api.archiveRunLogs(run)
	api.writeJSON(w, http.StatusOK, runFromDomain(run))
}

type retryRunRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (api *controlPlaneAPI) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	var req retryRunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	run, err := api.svc.RetryRun(r.Context(), r.PathValue("run_id"), req.Parameters)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	metrics.RecordRunTransition(string(run.Status))
	api.recordAudit(r, "", auditlog.ActionRunRetry, auditlog.ResourceRun, run.ID, map[string]any{
		"retry_of_run_id": run.RetryOfRunID,
		"root_run_id":     run.RootRunID,
	})
	w.Header().Set("Location", "/runs/"+run.ID)
	api.writeJSON(w, http.StatusCreated, runFromDomain(run))
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

func (api *controlPlaneAPI) handleHeartbeatRun(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	heartbeatAt, err := api.svc.HeartbeatRun(r.Context(), r.PathValue("run_id"), req.WorkerID)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"heartbeat_at": heartbeatAt})
}

// archiveRunLogs snapshots a terminal run's log stream to object storage.
// Best effort: archive failures are logged and never fail the transition.
func (api *controlPlaneAPI) archiveRunLogs(run domain.Run) {
	if api.archiver == nil || !run.Status.IsTerminal() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		entries, err := api.svc.ListLogs(ctx, repo.RunLogFilter{RunID: run.ID, Limit: 1000})
		if err != nil {
			api.logger.Error("log archive read failed", "run_id", run.ID, "error", err)
			return
		}
		key, err := api.archiver.Export(ctx, run, entries)
		if err != nil {
			api.logger.Error("log archive upload failed", "run_id", run.ID, "error", err)
			return
		}
		api.logger.Info("run logs archived", "run_id", run.ID, "key", key, "entries", len(entries))
	}()
}
