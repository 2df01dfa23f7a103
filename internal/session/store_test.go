package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/db"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)
	return store
}

func buildSession(id string) *Session {
	s := New(id, "claude-3-5-sonnet")
	_ = s.AppendMessage(RoleUser, "hello", map[string]any{"source": "rpc"})
	_ = s.Transition(PhaseStarting)
	_ = s.Transition(PhaseRunning)
	_ = s.AppendMessage(RoleAssistant, "hi there", nil)
	return s
}

func TestSaveAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	s := buildSession("sess-1")
	require.NoError(t, store.Save(ctx, s.Snapshot()))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PhaseRunning, got.Phase)
	assert.Equal(t, "claude-3-5-sonnet", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleUser, got.Messages[0].Role)
	assert.Equal(t, "rpc", got.Messages[0].Metadata["source"])
	assert.Equal(t, RoleAssistant, got.Messages[1].Role)
}

func TestGetUnknownSession(t *testing.T) {
	store := testStore(t)
	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveIsIdempotentForMessages(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	s := buildSession("sess-1")
	require.NoError(t, store.Save(ctx, s.Snapshot()))
	require.NoError(t, store.Save(ctx, s.Snapshot()))

	// A later save with one more message only appends the new row.
	_ = s.AppendMessage(RoleUser, "followup", nil)
	require.NoError(t, store.Save(ctx, s.Snapshot()))

	msgs, err := store.Messages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestSaveUpdatesPhase(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	s := buildSession("sess-1")
	require.NoError(t, store.Save(ctx, s.Snapshot()))

	require.NoError(t, s.Transition(PhaseCompleting))
	require.NoError(t, s.Transition(PhaseCompleted))
	require.NoError(t, store.Save(ctx, s.Snapshot()))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, got.Phase)
	assert.False(t, got.EndedAt.IsZero())
}

func TestListFiltersAndPaginates(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		s := buildSession("sess-" + id)
		require.NoError(t, store.Save(ctx, s.Snapshot()))
	}
	done := buildSession("sess-done")
	require.NoError(t, done.Transition(PhaseCompleting))
	require.NoError(t, done.Transition(PhaseCompleted))
	require.NoError(t, store.Save(ctx, done.Snapshot()))

	all, total, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, all, 4)

	running, total, err := store.List(ctx, ListFilter{Phase: PhaseRunning})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, running, 3)

	page, total, err := store.List(ctx, ListFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, page, 2)

	_, _, err = store.List(ctx, ListFilter{SortBy: "evil; DROP TABLE sessions"})
	require.Error(t, err)
}
