package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shannonlabs/shannon-mcp/internal/db"
)

// Store persists process records, audit events, and validation results.
type Store struct {
	pool *db.Pool
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS process_registry (
	id TEXT PRIMARY KEY,
	pid INTEGER NOT NULL,
	parent_pid INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	create_time TIMESTAMP NOT NULL,
	command_line TEXT NOT NULL DEFAULT '',
	executable TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	status_reason TEXT NOT NULL DEFAULT '',
	registered_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	metrics_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_registry_pid ON process_registry(pid);
CREATE INDEX IF NOT EXISTS idx_registry_status ON process_registry(status);
CREATE INDEX IF NOT EXISTS idx_registry_kind ON process_registry(kind);
CREATE INDEX IF NOT EXISTS idx_registry_session ON process_registry(session_id);
CREATE INDEX IF NOT EXISTS idx_registry_registered ON process_registry(registered_at);

CREATE TABLE IF NOT EXISTS pid_audit_trail (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pid INTEGER NOT NULL,
	kind TEXT NOT NULL,
	record_id TEXT,
	detail_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_pid ON pid_audit_trail(pid);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON pid_audit_trail(kind);
CREATE INDEX IF NOT EXISTS idx_audit_created ON pid_audit_trail(created_at);

CREATE TABLE IF NOT EXISTS validation_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id TEXT NOT NULL,
	pid INTEGER NOT NULL,
	passed INTEGER NOT NULL,
	checks_json TEXT NOT NULL DEFAULT '[]',
	checked_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_validation_record ON validation_results(record_id);
CREATE INDEX IF NOT EXISTS idx_validation_checked ON validation_results(checked_at);
`

// NewStore creates the store and its schema on the given pool.
func NewStore(ctx context.Context, pool *db.Pool) (*Store, error) {
	if _, err := pool.Writer().ExecContext(ctx, registrySchema); err != nil {
		return nil, fmt.Errorf("failed to create registry schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Insert persists a new record.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		`INSERT INTO process_registry
		 (id, pid, parent_pid, kind, session_id, create_time, command_line,
		  executable, status, status_reason, registered_at, last_seen_at, ended_at, metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PID, rec.ParentPID, rec.Kind, rec.SessionID, rec.CreateTime,
		rec.CommandLine, rec.Executable, string(rec.Status), rec.StatusReason,
		rec.RegisteredAt, rec.LastSeenAt, rec.EndedAt, string(metrics))
	if err != nil {
		return fmt.Errorf("failed to insert process record: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing record.
func (s *Store) Update(ctx context.Context, rec *Record) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE process_registry
		 SET status = ?, status_reason = ?, last_seen_at = ?, ended_at = ?, metrics_json = ?
		 WHERE id = ?`,
		string(rec.Status), rec.StatusReason, rec.LastSeenAt, rec.EndedAt,
		string(metrics), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update process record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("process record %s not found", rec.ID)
	}
	return nil
}

// Get returns a record by its id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	return s.getOne(ctx, `WHERE id = ?`, id)
}

// GetLiveByPID returns the non-terminal record for a PID, if any.
func (s *Store) GetLiveByPID(ctx context.Context, pid int32) (*Record, error) {
	return s.getOne(ctx,
		`WHERE pid = ? AND status NOT IN ('stopped', 'orphaned', 'failed')
		 ORDER BY registered_at DESC LIMIT 1`, pid)
}

func (s *Store) getOne(ctx context.Context, where string, args ...any) (*Record, error) {
	row := s.pool.Reader().QueryRowxContext(ctx,
		`SELECT id, pid, parent_pid, kind, session_id, create_time, command_line,
		        executable, status, status_reason, registered_at, last_seen_at,
		        ended_at, metrics_json
		 FROM process_registry `+where, args...)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// List returns records matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.LiveOnly {
		conds = append(conds, "status NOT IN ('stopped', 'orphaned', 'failed')")
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.PID != 0 {
		conds = append(conds, "pid = ?")
		args = append(args, f.PID)
	}

	query := `SELECT id, pid, parent_pid, kind, session_id, create_time, command_line,
	                 executable, status, status_reason, registered_at, last_seen_at,
	                 ended_at, metrics_json
	          FROM process_registry`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY registered_at DESC"

	rows, err := s.pool.Reader().QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list process records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var (
		rec         Record
		status      string
		metricsJSON string
		endedAt     sql.NullTime
	)
	err := scan(&rec.ID, &rec.PID, &rec.ParentPID, &rec.Kind, &rec.SessionID,
		&rec.CreateTime, &rec.CommandLine, &rec.Executable, &status,
		&rec.StatusReason, &rec.RegisteredAt, &rec.LastSeenAt, &endedAt, &metricsJSON)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(metricsJSON), &rec.Metrics); err != nil {
		rec.Metrics = ResourceMetrics{}
	}
	return &rec, nil
}

// AppendAudit records an append-only audit event.
func (s *Store) AppendAudit(ctx context.Context, ev AuditEvent) error {
	detail := "{}"
	if ev.Detail != nil {
		data, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal audit detail: %w", err)
		}
		detail = string(data)
	}
	var recordID any
	if ev.RecordID != "" {
		recordID = ev.RecordID
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO pid_audit_trail (pid, kind, record_id, detail_json)
		 VALUES (?, ?, ?, ?)`,
		ev.PID, string(ev.Kind), recordID, detail)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAudit returns audit events for a PID, newest first. A zero pid
// returns events for all processes.
func (s *Store) ListAudit(ctx context.Context, pid int32, limit int) ([]AuditEvent, error) {
	query := `SELECT id, pid, kind, COALESCE(record_id, ''), detail_json, created_at
	          FROM pid_audit_trail`
	args := []any{}
	if pid != 0 {
		query += " WHERE pid = ?"
		args = append(args, pid)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.pool.Reader().QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			ev         AuditEvent
			kind       string
			detailJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.PID, &kind, &ev.RecordID, &detailJSON, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = AuditKind(kind)
		_ = json.Unmarshal([]byte(detailJSON), &ev.Detail)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertValidation persists a validation result.
func (s *Store) InsertValidation(ctx context.Context, res *ValidationResult) error {
	checks, err := json.Marshal(res.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal validation checks: %w", err)
	}
	passed := 0
	if res.Passed {
		passed = 1
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		`INSERT INTO validation_results (record_id, pid, passed, checks_json, checked_at)
		 VALUES (?, ?, ?, ?, ?)`,
		res.RecordID, res.PID, passed, string(checks), res.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to insert validation result: %w", err)
	}
	return nil
}

// PruneTerminal removes terminal-phase records older than the retention window.
func (s *Store) PruneTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM process_registry
		 WHERE status IN ('stopped', 'orphaned', 'failed') AND ended_at IS NOT NULL AND ended_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal records: %w", err)
	}
	return res.RowsAffected()
}

// PruneValidations removes validation results older than the retention window.
func (s *Store) PruneValidations(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM validation_results WHERE checked_at < ?`,
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune validation results: %w", err)
	}
	return res.RowsAffected()
}

// PruneAudit removes audit events older than the retention window.
func (s *Store) PruneAudit(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM pid_audit_trail WHERE created_at < ?`,
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return res.RowsAffected()
}

// Compact reclaims space and refreshes query planner statistics after pruning.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze registry store: %w", err)
	}
	if _, err := s.pool.Writer().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint registry store: %w", err)
	}
	return nil
}
