package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/session"
)

func snapshot(id string, phase session.Phase, contentSize int) session.Snapshot {
	return session.Snapshot{
		ID:    id,
		Model: "claude-3-5-sonnet",
		Phase: phase,
		Messages: []session.Message{
			{Role: session.RoleUser, Content: strings.Repeat("x", contentSize), Timestamp: time.Now().UTC()},
		},
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
	}
}

func TestPutAndGet(t *testing.T) {
	c, err := New(Config{}, t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	c.Put(snapshot("s1", session.PhaseRunning, 100))
	got, ok := c.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.ID)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTerminalEntriesExpireSooner(t *testing.T) {
	c, err := New(Config{TerminalTTL: 20 * time.Millisecond}, t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	c.Put(snapshot("done", session.PhaseCompleted, 10))
	c.Put(snapshot("live", session.PhaseRunning, 10))

	_, ok := c.Get("done")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok = c.Get("done")
	assert.False(t, ok, "terminal entry should expire after its TTL")
	_, ok = c.Get("live")
	assert.True(t, ok, "active entry should outlive the terminal TTL")
}

func TestByteBoundEvictsOldest(t *testing.T) {
	c, err := New(Config{MaxBytes: 2048}, t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	c.Put(snapshot("a", session.PhaseRunning, 800))
	c.Put(snapshot("b", session.PhaseRunning, 800))
	c.Put(snapshot("c", session.PhaseRunning, 800))

	assert.LessOrEqual(t, c.Bytes(), int64(2048))
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted by the byte bound")
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestEntryBoundEvicts(t *testing.T) {
	c, err := New(Config{MaxEntries: 2}, t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	c.Put(snapshot("a", session.PhaseRunning, 10))
	c.Put(snapshot("b", session.PhaseRunning, 10))
	c.Put(snapshot("c", session.PhaseRunning, 10))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	log := logger.NewNop()

	c, err := New(Config{}, dir, log)
	require.NoError(t, err)
	c.Put(snapshot("survivor", session.PhaseRunning, 50))
	c.Put(snapshot("expired", session.PhaseCompleted, 50))
	require.NoError(t, c.Persist())

	// Let the terminal entry's deadline pass before reloading.
	reloaded, err := New(Config{TerminalTTL: time.Nanosecond}, dir, log)
	require.NoError(t, err)

	got, ok := reloaded.Get("survivor")
	require.True(t, ok)
	assert.Equal(t, "survivor", got.ID)
	assert.Len(t, got.Messages, 1)
}

func TestPutReplacesExistingEntry(t *testing.T) {
	c, err := New(Config{}, t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	c.Put(snapshot("s", session.PhaseRunning, 100))
	before := c.Bytes()
	c.Put(snapshot("s", session.PhaseRunning, 100))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, before, c.Bytes(), "replacing an entry must not leak byte accounting")
}
