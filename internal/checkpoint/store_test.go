package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/db"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
	"github.com/shannonlabs/shannon-mcp/internal/session"
)

func testCheckpointStore(t *testing.T, cfg config.CheckpointConfig) *Store {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	if cfg.PerSessionCap == 0 {
		cfg.PerSessionCap = 50
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = 3
	}

	log := logger.NewNop()
	store, err := NewStore(context.Background(), cfg, pool, t.TempDir(),
		bus.NewMemoryEventBus(log), log)
	require.NoError(t, err)
	return store
}

func testPayload(sessionID string, messages ...string) session.Payload {
	p := session.Payload{
		SessionID: sessionID,
		Model:     "claude-3-5-sonnet",
		Context:   map[string]any{"workspace": "/tmp/project"},
	}
	ts := time.Now().UTC()
	for i, content := range messages {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		p.Messages = append(p.Messages, session.Message{
			Role: role, Content: content, Timestamp: ts.Add(time.Duration(i) * time.Second),
		})
	}
	return p
}

func TestCreateAndRestore(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	cp, err := store.Create(ctx, testPayload("sess-1", "hello", "hi"), "before refactor", "desc", []string{"manual"})
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Len(t, cp.Hash, 64)
	assert.Greater(t, cp.Size, int64(0))
	assert.Greater(t, cp.CompressionRatio, 0.0)

	got, payload, err := store.Restore(ctx, cp.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, "sess-1", payload.SessionID)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "hello", payload.Messages[0].Content)
	assert.Equal(t, "/tmp/project", payload.Context["workspace"])
}

func TestRestoreAppliesOverrides(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	cp, err := store.Create(ctx, testPayload("sess-1", "q"), "", "", nil)
	require.NoError(t, err)

	_, payload, err := store.Restore(ctx, cp.ID, map[string]any{
		"model":   "claude-3-opus",
		"context": map[string]any{"extra": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-3-opus", payload.Model)
	assert.Equal(t, true, payload.Context["extra"])
	assert.Equal(t, "/tmp/project", payload.Context["workspace"])
}

func TestRestoreMissingCheckpoint(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{})
	_, _, err := store.Restore(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCheckpointMissing))
}

func TestIdenticalContentSharesBlob(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	p := testPayload("sess-1", "same content")
	cp1, err := store.Create(ctx, p, "first", "", nil)
	require.NoError(t, err)
	cp2, err := store.Create(ctx, p, "second", "", nil)
	require.NoError(t, err)

	assert.NotEqual(t, cp1.ID, cp2.ID)
	assert.Equal(t, cp1.Hash, cp2.Hash)

	hashes, err := store.cas.Hashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)

	// Deleting one reference keeps the shared blob alive.
	require.NoError(t, store.Delete(ctx, cp1.ID))
	assert.True(t, store.cas.Exists(cp2.Hash))

	// Deleting the last reference collects it.
	require.NoError(t, store.Delete(ctx, cp2.ID))
	assert.False(t, store.cas.Exists(cp2.Hash))
}

func TestBranchLinksParent(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	src, err := store.Create(ctx, testPayload("sess-1", "q", "a"), "main", "", nil)
	require.NoError(t, err)

	branch, payload, err := store.Branch(ctx, src.ID, "experiment", map[string]any{"model": "claude-3-haiku"})
	require.NoError(t, err)
	assert.Equal(t, src.ID, branch.ParentID)
	assert.Equal(t, "experiment", branch.Label)
	assert.Equal(t, "claude-3-haiku", payload.Model)
	require.Len(t, payload.Messages, 2)

	// The branch content differs (model override), so hashes differ too.
	assert.NotEqual(t, src.Hash, branch.Hash)
}

func TestListFiltersBySessionAndTags(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	_, err := store.Create(ctx, testPayload("sess-1", "a"), "", "", []string{"auto"})
	require.NoError(t, err)
	_, err = store.Create(ctx, testPayload("sess-1", "b"), "", "", []string{"manual", "release"})
	require.NoError(t, err)
	_, err = store.Create(ctx, testPayload("sess-2", "c"), "", "", []string{"manual"})
	require.NoError(t, err)

	all, total, err := store.List(ctx, "", nil, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)

	bySession, total, err := store.List(ctx, "sess-1", nil, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, bySession, 2)

	byTags, total, err := store.List(ctx, "", []string{"manual", "release"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byTags, 1)
	assert.Contains(t, byTags[0].Tags, "release")

	page, total, err := store.List(ctx, "", nil, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 1)
}

func TestPerSessionCapDeletesOldest(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{PerSessionCap: 2})
	ctx := context.Background()

	first, err := store.Create(ctx, testPayload("sess-1", "one"), "", "", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, testPayload("sess-1", "two"), "", "", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, testPayload("sess-1", "three"), "", "", nil)
	require.NoError(t, err)

	_, total, err := store.List(ctx, "sess-1", nil, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, err = store.Get(ctx, first.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCheckpointMissing))
}

func TestCleanupOldHonorsRetention(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{Retention: time.Nanosecond})
	ctx := context.Background()

	cp, err := store.Create(ctx, testPayload("sess-1", "old"), "", "", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	deleted, err := store.CleanupOld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, cp.ID)
	require.Error(t, err)
	assert.False(t, store.cas.Exists(cp.Hash))
}

func TestCorruptBlobDetected(t *testing.T) {
	store := testCheckpointStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	cp, err := store.Create(ctx, testPayload("sess-1", "data"), "", "", nil)
	require.NoError(t, err)

	// Truncate the blob behind the store's back.
	require.NoError(t, store.cas.Delete(cp.Hash))
	_, _, err = store.Restore(ctx, cp.ID, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCheckpointCorrupt))
}
