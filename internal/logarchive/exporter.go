// Package logarchive exports a terminal run's full log stream to object
// storage as a newline-delimited JSON snapshot. The database remains the
// source of truth; archives are read-optimized copies.
package logarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
)

// Exporter uploads an encoded log archive under a deterministic key.
type Exporter interface {
	Export(ctx context.Context, run domain.Run, entries []domain.RunLogEntry) (string, error)
}

type exportEntry struct {
	Seq     int64           `json:"seq"`
	TS      string          `json:"ts"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Source  string          `json:"source,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// EncodeNDJSON writes one JSON object per log entry, in the order given.
func EncodeNDJSON(w io.Writer, entries []domain.RunLogEntry) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	for _, entry := range entries {
		var meta json.RawMessage
		if len(entry.Meta) > 0 {
			encoded, err := json.Marshal(entry.Meta)
			if err != nil {
				return fmt.Errorf("encode meta for seq %d: %w", entry.Seq, err)
			}
			meta = encoded
		}
		if err := enc.Encode(exportEntry{
			Seq:     entry.Seq,
			TS:      entry.TS.UTC().Format(time.RFC3339Nano),
			Level:   entry.Level,
			Message: entry.Message,
			Source:  entry.Source,
			Meta:    meta,
		}); err != nil {
			return fmt.Errorf("encode entry seq %d: %w", entry.Seq, err)
		}
	}
	return nil
}

// ArchiveKey is the object key for a run's archived log stream.
func ArchiveKey(run domain.Run) string {
	return fmt.Sprintf("%s/%s/logs.ndjson", run.TenantID, run.ID)
}

// ObjectPutter is the subset of the object store client the exporter needs.
type ObjectPutter interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

type ObjectExporter struct {
	store  ObjectPutter
	bucket string
}

func NewObjectExporter(store ObjectPutter, bucket string) (*ObjectExporter, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &ObjectExporter{store: store, bucket: bucket}, nil
}

func (e *ObjectExporter) Export(ctx context.Context, run domain.Run, entries []domain.RunLogEntry) (string, error) {
	if e == nil || e.store == nil {
		return "", fmt.Errorf("log archive exporter not initialized")
	}
	if !run.Status.IsTerminal() {
		return "", fmt.Errorf("run %s is not terminal", run.ID)
	}

	var buf bytes.Buffer
	if err := EncodeNDJSON(&buf, entries); err != nil {
		return "", err
	}
	key := ArchiveKey(run)
	if err := e.store.Put(ctx, e.bucket, key, &buf, int64(buf.Len()), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("upload log archive: %w", err)
	}
	return key, nil
}
