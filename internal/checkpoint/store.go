package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/db"
	"github.com/shannonlabs/shannon-mcp/internal/events"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
	"github.com/shannonlabs/shannon-mcp/internal/session"
)

// Checkpoint is the metadata of one immutable session snapshot.
type Checkpoint struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Label            string    `json:"label,omitempty"`
	Description      string    `json:"description,omitempty"`
	Hash             string    `json:"hash"`
	Size             int64     `json:"size"`
	StoredSize       int64     `json:"stored_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	Tags             []string  `json:"tags,omitempty"`
	ParentID         string    `json:"parent_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	stored_size INTEGER NOT NULL,
	tags_json TEXT NOT NULL DEFAULT '[]',
	parent_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_hash ON checkpoints(hash);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
`

// Store snapshots sessions, deduplicated by content, and restores or
// branches them.
type Store struct {
	cfg    config.CheckpointConfig
	pool   *db.Pool
	cas    *CAS
	bus    bus.EventBus
	logger *logger.Logger
}

// NewStore creates the metadata schema and the blob store.
func NewStore(ctx context.Context, cfg config.CheckpointConfig, pool *db.Pool,
	blobDir string, eventBus bus.EventBus, log *logger.Logger) (*Store, error) {

	if _, err := pool.Writer().ExecContext(ctx, checkpointSchema); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
	}
	cas, err := NewCAS(blobDir, cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:    cfg,
		pool:   pool,
		cas:    cas,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "checkpoint-store")),
	}, nil
}

// Create serializes a session payload, stores it under its content hash,
// and records metadata. Checkpoints past the per-session cap are deleted
// oldest first.
func (s *Store) Create(ctx context.Context, payload session.Payload, label, description string, tags []string) (*Checkpoint, error) {
	return s.create(ctx, payload, label, description, tags, "")
}

func (s *Store) create(ctx context.Context, payload session.Payload, label, description string, tags []string, parentID string) (*Checkpoint, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to serialize session payload", err)
	}

	hash, storedSize, err := s.cas.Put(data)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to store checkpoint blob", err)
	}

	cp := &Checkpoint{
		ID:          uuid.New().String(),
		SessionID:   payload.SessionID,
		Label:       label,
		Description: description,
		Hash:        hash,
		Size:        int64(len(data)),
		StoredSize:  storedSize,
		Tags:        tags,
		ParentID:    parentID,
		CreatedAt:   time.Now().UTC(),
	}
	cp.CompressionRatio = ratio(cp.Size, cp.StoredSize)

	tagsJSON, err := json.Marshal(cp.Tags)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to marshal tags", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		`INSERT INTO checkpoints
		 (id, session_id, label, description, hash, size, stored_size, tags_json, parent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Label, cp.Description, cp.Hash, cp.Size,
		cp.StoredSize, string(tagsJSON), cp.ParentID, cp.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to insert checkpoint metadata", err)
	}

	if err := s.enforceSessionCap(ctx, cp.SessionID); err != nil {
		s.logger.Warn("failed to enforce per-session checkpoint cap", zap.Error(err))
	}

	s.publish(ctx, events.CheckpointCreated, cp)
	s.logger.Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("session_id", cp.SessionID),
		zap.Int64("size", cp.Size),
		zap.Int64("stored_size", cp.StoredSize))
	return cp, nil
}

// Restore fetches a checkpoint's payload and applies overrides. The caller
// instantiates the new session from the returned payload.
func (s *Store) Restore(ctx context.Context, checkpointID string, overrides map[string]any) (*Checkpoint, *session.Payload, error) {
	cp, err := s.Get(ctx, checkpointID)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.cas.Get(cp.Hash)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindCheckpointCorrupt,
			fmt.Sprintf("checkpoint %s blob unreadable", checkpointID), err)
	}

	var payload session.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, errs.Wrap(errs.KindCheckpointCorrupt,
			fmt.Sprintf("checkpoint %s payload undecodable", checkpointID), err)
	}
	applyOverrides(&payload, overrides)

	s.publish(ctx, events.CheckpointRestored, cp)
	return cp, &payload, nil
}

// Branch restores a checkpoint and writes a new checkpoint whose parent
// points at the source. The parent chain is acyclic by construction since
// the new checkpoint did not exist before this call.
func (s *Store) Branch(ctx context.Context, checkpointID, branchLabel string, modifications map[string]any) (*Checkpoint, *session.Payload, error) {
	src, payload, err := s.Restore(ctx, checkpointID, modifications)
	if err != nil {
		return nil, nil, err
	}

	branch, err := s.create(ctx, *payload, branchLabel, "", nil, src.ID)
	if err != nil {
		return nil, nil, err
	}

	s.publish(ctx, events.CheckpointBranched, branch)
	return branch, payload, nil
}

// Get returns checkpoint metadata by id.
func (s *Store) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := s.pool.Reader().QueryRowxContext(ctx,
		`SELECT id, session_id, label, description, hash, size, stored_size,
		        tags_json, parent_id, created_at
		 FROM checkpoints WHERE id = ?`, checkpointID)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindCheckpointMissing, "checkpoint %s not found", checkpointID)
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// List returns checkpoints matching the filters, newest first, plus the
// total count. Tag filtering requires every requested tag.
func (s *Store) List(ctx context.Context, sessionID string, tags []string, offset, limit int) ([]*Checkpoint, int, error) {
	var (
		conds []string
		args  []any
	)
	if sessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, sessionID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.pool.Reader().QueryxContext(ctx,
		`SELECT id, session_id, label, description, hash, size, stored_size,
		        tags_json, parent_id, created_at
		 FROM checkpoints`+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var matched []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		if hasAllTags(cp.Tags, tags) {
			matched = append(matched, cp)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	total := len(matched)
	if limit <= 0 {
		limit = 50
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Delete removes a checkpoint's metadata and orphan-collects its blob when
// no other checkpoint references the same content.
func (s *Store) Delete(ctx context.Context, checkpointID string) error {
	cp, err := s.Get(ctx, checkpointID)
	if err != nil {
		return err
	}

	if _, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM checkpoints WHERE id = ?`, checkpointID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	if err := s.collectBlob(ctx, cp.Hash); err != nil {
		s.logger.Warn("failed to collect checkpoint blob", zap.Error(err))
	}

	s.publish(ctx, events.CheckpointDeleted, cp)
	return nil
}

// CleanupOld deletes checkpoints past the retention window and then
// orphan-collects unreferenced blobs.
func (s *Store) CleanupOld(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.Retention)
	rows, err := s.pool.Reader().QueryxContext(ctx,
		`SELECT id FROM checkpoints WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired checkpoints: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	deleted := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to delete expired checkpoint",
				zap.String("checkpoint_id", id), zap.Error(err))
			continue
		}
		deleted++
	}

	if err := s.collectOrphans(ctx); err != nil {
		s.logger.Warn("orphan blob collection failed", zap.Error(err))
	}
	return deleted, nil
}

// RunCleanup runs CleanupOld on the configured cadence until the context
// is cancelled.
func (s *Store) RunCleanup(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if deleted, err := s.CleanupOld(ctx); err != nil {
				s.logger.Error("checkpoint cleanup failed", zap.Error(err))
			} else if deleted > 0 {
				s.logger.Info("checkpoint cleanup complete", zap.Int("deleted", deleted))
			}
		}
	}
}

// enforceSessionCap deletes the oldest checkpoints of a session beyond the
// per-session retention cap.
func (s *Store) enforceSessionCap(ctx context.Context, sessionID string) error {
	if s.cfg.PerSessionCap <= 0 {
		return nil
	}
	rows, err := s.pool.Reader().QueryxContext(ctx,
		`SELECT id FROM checkpoints WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?`,
		sessionID, s.cfg.PerSessionCap)
	if err != nil {
		return err
	}
	var excess []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		excess = append(excess, id)
	}
	rows.Close()

	for _, id := range excess {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// collectBlob deletes a blob if no checkpoint references its hash.
func (s *Store) collectBlob(ctx context.Context, hash string) error {
	var refs int
	if err := s.pool.Reader().GetContext(ctx, &refs,
		`SELECT COUNT(*) FROM checkpoints WHERE hash = ?`, hash); err != nil {
		return err
	}
	if refs > 0 {
		return nil
	}
	return s.cas.Delete(hash)
}

// collectOrphans removes blobs with no metadata row at all.
func (s *Store) collectOrphans(ctx context.Context) error {
	hashes, err := s.cas.Hashes()
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if err := s.collectBlob(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, eventType string, cp *Checkpoint) {
	if s.bus == nil {
		return
	}
	subject := eventType + "." + cp.SessionID
	err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "checkpoint-store", map[string]any{
		"checkpoint_id": cp.ID,
		"session_id":    cp.SessionID,
		"label":         cp.Label,
		"parent_id":     cp.ParentID,
	}))
	if err != nil {
		s.logger.Warn("failed to publish checkpoint event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func scanCheckpoint(scan func(...any) error) (*Checkpoint, error) {
	var (
		cp       Checkpoint
		tagsJSON string
	)
	err := scan(&cp.ID, &cp.SessionID, &cp.Label, &cp.Description, &cp.Hash,
		&cp.Size, &cp.StoredSize, &tagsJSON, &cp.ParentID, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tagsJSON), &cp.Tags)
	cp.CompressionRatio = ratio(cp.Size, cp.StoredSize)
	return &cp, nil
}

func applyOverrides(payload *session.Payload, overrides map[string]any) {
	if overrides == nil {
		return
	}
	if model, ok := overrides["model"].(string); ok && model != "" {
		payload.Model = model
	}
	if ctx, ok := overrides["context"].(map[string]any); ok {
		if payload.Context == nil {
			payload.Context = make(map[string]any)
		}
		for k, v := range ctx {
			payload.Context[k] = v
		}
	}
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func ratio(size, storedSize int64) float64 {
	if storedSize <= 0 {
		return 0
	}
	return float64(size) / float64(storedSize)
}
