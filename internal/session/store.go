package session

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

// Store persists sessions and their message logs.
type Store struct {
	pool *db.Pool
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	model TEXT NOT NULL DEFAULT '',
	binary_path TEXT NOT NULL DEFAULT '',
	binary_version TEXT NOT NULL DEFAULT '',
	phase TEXT NOT NULL,
	parent_checkpoint TEXT NOT NULL DEFAULT '',
	origin_checkpoint TEXT NOT NULL DEFAULT '',
	context_json TEXT NOT NULL DEFAULT '{}',
	metrics_json TEXT NOT NULL DEFAULT '{}',
	checkpoint_ids_json TEXT NOT NULL DEFAULT '[]',
	process_id TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	last_activity_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_phase ON sessions(phase);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

CREATE TABLE IF NOT EXISTS session_messages (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id);
`

// NewStore creates the store and its schema on the given pool.
func NewStore(ctx context.Context, pool *db.Pool) (*Store, error) {
	if _, err := pool.Writer().ExecContext(ctx, sessionSchema); err != nil {
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save upserts the session row and inserts any messages not yet persisted.
// Message rows are keyed by (session id, sequence) so repeated saves of the
// same snapshot are idempotent.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	contextJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal session context: %w", err)
	}
	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal session metrics: %w", err)
	}
	checkpointsJSON, err := json.Marshal(snap.CheckpointIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint ids: %w", err)
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions
		 (id, model, binary_path, binary_version, phase, parent_checkpoint,
		  origin_checkpoint, context_json, metrics_json, checkpoint_ids_json,
		  process_id, pid, error, created_at, started_at, last_activity_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  phase = excluded.phase,
		  binary_path = excluded.binary_path,
		  binary_version = excluded.binary_version,
		  context_json = excluded.context_json,
		  metrics_json = excluded.metrics_json,
		  checkpoint_ids_json = excluded.checkpoint_ids_json,
		  process_id = excluded.process_id,
		  pid = excluded.pid,
		  error = excluded.error,
		  started_at = excluded.started_at,
		  last_activity_at = excluded.last_activity_at,
		  ended_at = excluded.ended_at`,
		snap.ID, snap.Model, snap.BinaryPath, snap.BinaryVersion, string(snap.Phase),
		snap.ParentCheckpoint, snap.OriginCheckpoint, string(contextJSON),
		string(metricsJSON), string(checkpointsJSON), snap.ProcessID, snap.PID,
		snap.ErrorMessage, snap.CreatedAt, nullableTime(snap.StartedAt),
		snap.LastActivityAt, nullableTime(snap.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	for seq, msg := range snap.Messages {
		metadataJSON := "{}"
		if msg.Metadata != nil {
			data, err := json.Marshal(msg.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal message metadata: %w", err)
			}
			metadataJSON = string(data)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_messages
			 (session_id, seq, role, content, metadata_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			snap.ID, seq, string(msg.Role), msg.Content, metadataJSON, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert session message: %w", err)
		}
	}

	return tx.Commit()
}

// Get returns a persisted session snapshot with its full message log, or
// nil when unknown.
func (s *Store) Get(ctx context.Context, sessionID string) (*Snapshot, error) {
	row := s.pool.Reader().QueryRowxContext(ctx,
		`SELECT id, model, binary_path, binary_version, phase, parent_checkpoint,
		        origin_checkpoint, context_json, metrics_json, checkpoint_ids_json,
		        process_id, pid, error, created_at, started_at, last_activity_at, ended_at
		 FROM sessions WHERE id = ?`, sessionID)

	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap.Messages = messages
	return snap, nil
}

// Messages returns a session's log in sequence order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Reader().QueryxContext(ctx,
		`SELECT role, content, metadata_json, created_at
		 FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg          Message
			role         string
			metadataJSON string
		)
		if err := rows.Scan(&role, &msg.Content, &metadataJSON, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Role = Role(role)
		if metadataJSON != "{}" {
			_ = json.Unmarshal([]byte(metadataJSON), &msg.Metadata)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListFilter narrows and orders a session listing.
type ListFilter struct {
	Phase  Phase
	SortBy string // created_at, last_activity_at, phase
	Order  string // asc, desc
	Limit  int
	Offset int
}

// List returns session snapshots (without message logs) plus the total
// count matching the filter.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Snapshot, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Phase != "" {
		conds = append(conds, "phase = ?")
		args = append(args, string(f.Phase))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.Reader().GetContext(ctx, &total,
		"SELECT COUNT(*) FROM sessions"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	sortBy := "created_at"
	switch f.SortBy {
	case "last_activity_at", "phase", "created_at", "":
		if f.SortBy != "" {
			sortBy = f.SortBy
		}
	default:
		return nil, 0, fmt.Errorf("unsupported sort column %q", f.SortBy)
	}
	order := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		order = "ASC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(
		`SELECT id, model, binary_path, binary_version, phase, parent_checkpoint,
		        origin_checkpoint, context_json, metrics_json, checkpoint_ids_json,
		        process_id, pid, error, created_at, started_at, last_activity_at, ended_at
		 FROM sessions%s ORDER BY %s %s LIMIT ? OFFSET ?`, where, sortBy, order)
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Reader().QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *snap)
	}
	return out, total, rows.Err()
}

func scanSnapshot(scan func(...any) error) (*Snapshot, error) {
	var (
		snap            Snapshot
		phase           string
		contextJSON     string
		metricsJSON     string
		checkpointsJSON string
		startedAt       sql.NullTime
		endedAt         sql.NullTime
	)
	err := scan(&snap.ID, &snap.Model, &snap.BinaryPath, &snap.BinaryVersion,
		&phase, &snap.ParentCheckpoint, &snap.OriginCheckpoint, &contextJSON,
		&metricsJSON, &checkpointsJSON, &snap.ProcessID, &snap.PID,
		&snap.ErrorMessage, &snap.CreatedAt, &startedAt, &snap.LastActivityAt, &endedAt)
	if err != nil {
		return nil, err
	}
	snap.Phase = Phase(phase)
	if startedAt.Valid {
		snap.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		snap.EndedAt = endedAt.Time
	}
	_ = json.Unmarshal([]byte(contextJSON), &snap.Context)
	_ = json.Unmarshal([]byte(metricsJSON), &snap.Metrics)
	_ = json.Unmarshal([]byte(checkpointsJSON), &snap.CheckpointIDs)
	return &snap, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
