package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// errConflict reports a transition the control plane rejected because the
	// run is no longer in a state that permits it. Not retriable.
	errConflict = errors.New("conflicting run state")

	errNotFound = errors.New("not found")
)

// controlPlaneClient speaks the run lifecycle HTTP API.
type controlPlaneClient struct {
	baseURL  string
	workerID string
	tenantID string
	http     *http.Client
}

func newControlPlaneClient(cfg Config) *controlPlaneClient {
	return &controlPlaneClient{
		baseURL:  strings.TrimRight(cfg.ControlPlaneURL, "/"),
		workerID: cfg.WorkerID,
		tenantID: cfg.TenantID,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type claimedRun struct {
	RunID             string          `json:"run_id"`
	TenantID          string          `json:"tenant_id"`
	PipelineVersionID string          `json:"pipeline_version_id"`
	Status            string          `json:"status"`
	Parameters        json.RawMessage `json:"parameters"`
	RetryOfRunID      string          `json:"retry_of_run_id,omitempty"`
	RootRunID         string          `json:"root_run_id,omitempty"`
}

type claimedPipelineVersion struct {
	VersionID string          `json:"version_id"`
	Version   string          `json:"version"`
	DAGSpec   json.RawMessage `json:"dag_spec"`
}

type claimResponse struct {
	Claimed         bool                   `json:"claimed"`
	Run             claimedRun             `json:"run"`
	PipelineVersion claimedPipelineVersion `json:"pipeline_version"`
}

func (c *controlPlaneClient) Claim(ctx context.Context) (claimResponse, error) {
	body := map[string]any{"worker_id": c.workerID}
	if c.tenantID != "" {
		body["tenant_id"] = c.tenantID
	}
	var resp claimResponse
	if err := c.post(ctx, "/runs/claim", body, &resp); err != nil {
		return claimResponse{}, err
	}
	return resp, nil
}

func (c *controlPlaneClient) Complete(ctx context.Context, runID, outcome, errorMessage string) error {
	body := map[string]any{"outcome": outcome}
	if errorMessage != "" {
		body["error_message"] = errorMessage
	}
	return c.post(ctx, "/runs/"+runID+"/complete", body, nil)
}

func (c *controlPlaneClient) Heartbeat(ctx context.Context, runID string) error {
	return c.post(ctx, "/runs/"+runID+"/heartbeat", map[string]any{"worker_id": c.workerID}, nil)
}

func (c *controlPlaneClient) AppendLog(ctx context.Context, runID, level, message string, meta map[string]any) error {
	body := map[string]any{
		"level":   level,
		"message": message,
		"source":  c.workerID,
	}
	if len(meta) > 0 {
		body["meta"] = meta
	}
	return c.post(ctx, "/runs/"+runID+"/logs", body, nil)
}

func (c *controlPlaneClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", path, errConflict)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, errNotFound)
	default:
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
}

// readinessProbe lets the worker refuse to start until the control plane is up.
func (c *controlPlaneClient) readinessProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz status %d", resp.StatusCode)
	}
	return nil
}
