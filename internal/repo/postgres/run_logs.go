package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
)

const insertRunLogQuery = `INSERT INTO pipeline_run_logs (
	id, run_id, tenant_id, level, message, source, meta
) VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING seq, ts`

const runLogColumns = `id, run_id, tenant_id, seq, ts, level, message, source, meta`

type RunLogStore struct {
	db DB
}

func NewRunLogStore(db DB) *RunLogStore {
	if db == nil {
		return nil
	}
	return &RunLogStore{db: db}
}

func (s *RunLogStore) AppendLog(ctx context.Context, entry domain.RunLogEntry) (domain.RunLogEntry, error) {
	if s == nil || s.db == nil {
		return domain.RunLogEntry{}, fmt.Errorf("run log store not initialized")
	}
	if err := entry.Validate(); err != nil {
		return domain.RunLogEntry{}, err
	}
	level := strings.TrimSpace(entry.Level)
	if level == "" {
		level = domain.LogLevelInfo
	}
	metaJSON, err := encodeMetadata(entry.Meta)
	if err != nil {
		return domain.RunLogEntry{}, fmt.Errorf("encode meta: %w", err)
	}
	row := s.db.QueryRowContext(
		ctx,
		insertRunLogQuery,
		strings.TrimSpace(entry.ID),
		strings.TrimSpace(entry.RunID),
		strings.TrimSpace(entry.TenantID),
		level,
		entry.Message,
		nullIfEmpty(entry.Source),
		metaJSON,
	)
	if err := row.Scan(&entry.Seq, &entry.TS); err != nil {
		if isForeignKeyViolation(err) {
			return domain.RunLogEntry{}, repo.ErrNotFound
		}
		return domain.RunLogEntry{}, fmt.Errorf("insert run log: %w", err)
	}
	entry.Level = level
	entry.TS = entry.TS.UTC()
	return entry, nil
}

func (s *RunLogStore) ListLogs(ctx context.Context, filter repo.RunLogFilter) ([]domain.RunLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run log store not initialized")
	}
	runID := strings.TrimSpace(filter.RunID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	clauses := []string{"run_id = $1"}
	args := []any{runID}
	if filter.BeforeTS != nil {
		args = append(args, filter.BeforeTS.UTC())
		clauses = append(clauses, fmt.Sprintf("ts < $%d", len(args)))
	}
	if filter.AfterTS != nil {
		args = append(args, filter.AfterTS.UTC())
		clauses = append(clauses, fmt.Sprintf("ts > $%d", len(args)))
	}

	direction := "ASC"
	if filter.Descending {
		direction = "DESC"
	}
	query := `SELECT ` + runLogColumns + ` FROM pipeline_run_logs WHERE ` +
		strings.Join(clauses, " AND ") +
		fmt.Sprintf(" ORDER BY ts %s, seq %s", direction, direction)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.RunLogEntry, 0)
	for rows.Next() {
		var entry domain.RunLogEntry
		var source sql.NullString
		var metaJSON []byte
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.TenantID, &entry.Seq, &entry.TS,
			&entry.Level, &entry.Message, &source, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		entry.Source = source.String
		entry.TS = entry.TS.UTC()
		meta, err := decodeMetadata(metaJSON)
		if err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
		entry.Meta = meta
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return entries, nil
}
