package binary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shannonlabs/shannon-mcp/internal/db"
)

// DiscoveryEntry records a single resolution attempt.
type DiscoveryEntry struct {
	ID        int64         `db:"id"`
	Method    string        `db:"method"`
	Path      string        `db:"path"`
	Version   string        `db:"version"`
	Success   bool          `db:"-"`
	Detail    string        `db:"detail"`
	Duration  time.Duration `db:"-"`
	CreatedAt time.Time     `db:"created_at"`
}

// DiscoveryLog persists resolution attempts so later runs can fall back to
// the most recent known-good path.
type DiscoveryLog struct {
	pool *db.Pool
}

const discoveryLogSchema = `
CREATE TABLE IF NOT EXISTS binary_discovery_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	method TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_discovery_success
	ON binary_discovery_log(success, created_at DESC);
`

// NewDiscoveryLog creates the log backed by the registry database pool.
func NewDiscoveryLog(ctx context.Context, pool *db.Pool) (*DiscoveryLog, error) {
	if _, err := pool.Writer().ExecContext(ctx, discoveryLogSchema); err != nil {
		return nil, fmt.Errorf("failed to create discovery log schema: %w", err)
	}
	return &DiscoveryLog{pool: pool}, nil
}

// Append records a resolution attempt.
func (l *DiscoveryLog) Append(ctx context.Context, entry DiscoveryEntry) error {
	success := 0
	if entry.Success {
		success = 1
	}
	_, err := l.pool.Writer().ExecContext(ctx,
		`INSERT INTO binary_discovery_log (method, path, version, success, detail, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Method, entry.Path, entry.Version, success, entry.Detail,
		entry.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert discovery entry: %w", err)
	}
	return nil
}

// LastSuccessfulPath returns the path of the most recent successful
// resolution, or an empty string when none is recorded.
func (l *DiscoveryLog) LastSuccessfulPath(ctx context.Context) (string, error) {
	var path string
	err := l.pool.Reader().GetContext(ctx, &path,
		`SELECT path FROM binary_discovery_log
		 WHERE success = 1 AND path != ''
		 ORDER BY created_at DESC, id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query discovery log: %w", err)
	}
	return path, nil
}

// Recent returns up to limit entries, newest first.
func (l *DiscoveryLog) Recent(ctx context.Context, limit int) ([]DiscoveryEntry, error) {
	rows, err := l.pool.Reader().QueryxContext(ctx,
		`SELECT id, method, path, version, success, detail, duration_ms, created_at
		 FROM binary_discovery_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query discovery log: %w", err)
	}
	defer rows.Close()

	var entries []DiscoveryEntry
	for rows.Next() {
		var (
			e          DiscoveryEntry
			success    int
			durationMS int64
		)
		if err := rows.Scan(&e.ID, &e.Method, &e.Path, &e.Version, &success,
			&e.Detail, &durationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan discovery entry: %w", err)
		}
		e.Success = success == 1
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune removes entries older than the retention window, keeping at least
// the newest successful entry so the fallback strategy keeps working.
func (l *DiscoveryLog) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := l.pool.Writer().ExecContext(ctx,
		`DELETE FROM binary_discovery_log
		 WHERE created_at < ?
		   AND id != COALESCE(
			(SELECT id FROM binary_discovery_log
			 WHERE success = 1 AND path != ''
			 ORDER BY created_at DESC, id DESC LIMIT 1), -1)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune discovery log: %w", err)
	}
	return res.RowsAffected()
}
