package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/platform/metrics"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
	"github.com/conveyor-labs/conveyor-go/internal/service/lifecycle"
)

type logEntryResponse struct {
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Source  string          `json:"source,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

func logEntryFromDomain(entry domain.RunLogEntry) logEntryResponse {
	var meta json.RawMessage
	if len(entry.Meta) > 0 {
		meta, _ = json.Marshal(entry.Meta)
	}
	return logEntryResponse{
		Seq:     entry.Seq,
		TS:      entry.TS,
		Level:   entry.Level,
		Message: entry.Message,
		Source:  entry.Source,
		Meta:    meta,
	}
}

type appendLogRequest struct {
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message"`
	Source  string         `json:"source,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (api *controlPlaneAPI) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	var req appendLogRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	entry, err := api.svc.AppendLog(r.Context(), lifecycle.AppendLogInput{
		RunID:   r.PathValue("run_id"),
		Level:   req.Level,
		Message: req.Message,
		Source:  req.Source,
		Meta:    req.Meta,
	})
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	metrics.RecordLogAppend()
	api.writeJSON(w, http.StatusCreated, logEntryFromDomain(entry))
}

func (api *controlPlaneAPI) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunLogFilter{
		RunID:      r.PathValue("run_id"),
		Limit:      parseIntQuery(r, "limit", 0),
		Descending: strings.EqualFold(r.URL.Query().Get("order"), "desc"),
	}
	if v := strings.TrimSpace(r.URL.Query().Get("before")); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_before_timestamp")
			return
		}
		filter.BeforeTS = &ts
	}
	if v := strings.TrimSpace(r.URL.Query().Get("after")); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_after_timestamp")
			return
		}
		filter.AfterTS = &ts
	}

	entries, err := api.svc.ListLogs(r.Context(), filter)
	if err != nil {
		api.writeLifecycleError(w, r, err)
		return
	}

	out := make([]logEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, logEntryFromDomain(entry))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
