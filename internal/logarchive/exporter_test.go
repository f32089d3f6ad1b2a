package logarchive

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
)

type capturePutter struct {
	bucket      string
	key         string
	contentType string
	body        []byte
}

func (c *capturePutter) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, contentType string) error {
	c.bucket = bucket
	c.key = key
	c.contentType = contentType
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	c.body = data
	return nil
}

func TestEncodeNDJSONOneLinePerEntry(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []domain.RunLogEntry{
		{Seq: 1, TS: ts, Level: "INFO", Message: "starting"},
		{Seq: 2, TS: ts.Add(time.Second), Level: "ERROR", Message: "step failed", Meta: domain.Metadata{"step": "extract"}},
	}

	var buf bytes.Buffer
	if err := EncodeNDJSON(&buf, entries); err != nil {
		t.Fatalf("encode: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "\"seq\":1") || !strings.Contains(lines[0], "\"message\":\"starting\"") {
		t.Fatalf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], "\"meta\":{\"step\":\"extract\"}") {
		t.Fatalf("expected meta on second line: %s", lines[1])
	}
}

func TestObjectExporterRejectsNonTerminalRun(t *testing.T) {
	exporter, err := NewObjectExporter(&capturePutter{}, "run-logs")
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	run := domain.Run{ID: "r-1", TenantID: "t-1", Status: domain.RunStatusRunning}
	if _, err := exporter.Export(context.Background(), run, nil); err == nil {
		t.Fatal("expected error for non-terminal run")
	}
}

func TestObjectExporterUploadsUnderDeterministicKey(t *testing.T) {
	putter := &capturePutter{}
	exporter, err := NewObjectExporter(putter, "run-logs")
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	run := domain.Run{ID: "r-1", TenantID: "t-1", Status: domain.RunStatusSucceeded}
	key, err := exporter.Export(context.Background(), run, []domain.RunLogEntry{
		{Seq: 1, TS: time.Now().UTC(), Level: "INFO", Message: "done"},
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if key != "t-1/r-1/logs.ndjson" {
		t.Fatalf("unexpected key: %s", key)
	}
	if putter.bucket != "run-logs" || putter.key != key {
		t.Fatalf("upload target mismatch: %s/%s", putter.bucket, putter.key)
	}
	if putter.contentType != "application/x-ndjson" {
		t.Fatalf("unexpected content type: %s", putter.contentType)
	}
	if !strings.Contains(string(putter.body), "\"message\":\"done\"") {
		t.Fatalf("unexpected body: %s", putter.body)
	}
}
