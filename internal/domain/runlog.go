package domain

import (
	"errors"
	"strings"
	"time"
)

// RunLogEntry is one append-only log line tied to a run. Entries are never
// mutated or deleted; ordering is (timestamp, insertion sequence) ascending.
type RunLogEntry struct {
	ID       string
	RunID    string
	TenantID string
	Seq      int64
	TS       time.Time
	Level    string
	Message  string
	Source   string
	Meta     Metadata
}

const LogLevelInfo = "INFO"

func (e RunLogEntry) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}
