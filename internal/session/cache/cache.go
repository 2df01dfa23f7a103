// Package cache keeps recently evicted sessions resurrectable. Entries are
// bounded by count, total byte size, and per-entry TTL, and the cache
// persists a snapshot so lookups survive a daemon restart.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/session"
)

const snapshotFile = "cache.json"

// Config bounds the cache.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	// ActiveTTL applies to non-terminal sessions, TerminalTTL to terminal
	// ones. ActiveTTL is the outer LRU expiry; terminal entries also carry
	// their own shorter deadline.
	ActiveTTL   time.Duration
	TerminalTTL time.Duration
}

type entry struct {
	Snapshot  session.Snapshot `json:"snapshot"`
	Size      int64            `json:"size"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Cache is a byte-bounded expirable LRU of session snapshots.
type Cache struct {
	cfg    Config
	dir    string
	logger *logger.Logger

	mu  sync.Mutex
	lru *expirable.LRU[string, entry]

	// totalBytes is atomic because the LRU's internal TTL reaper fires
	// onEvict outside our mutex.
	totalBytes atomic.Int64
}

// New creates the cache and loads any persisted snapshot from dir.
func New(cfg Config, dir string, log *logger.Logger) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 256
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 * 1024 * 1024
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = 30 * time.Minute
	}
	if cfg.TerminalTTL <= 0 {
		cfg.TerminalTTL = 5 * time.Minute
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:    cfg,
		dir:    dir,
		logger: log.WithFields(zap.String("component", "session-cache")),
	}
	c.lru = expirable.NewLRU[string, entry](cfg.MaxEntries, c.onEvict, cfg.ActiveTTL)
	c.load()
	return c, nil
}

// onEvict runs under the LRU's own locking; only adjust counters here.
func (c *Cache) onEvict(_ string, e entry) {
	c.totalBytes.Add(-e.Size)
}

// Put stores a session snapshot, evicting oldest entries while the byte
// bound is exceeded.
func (c *Cache) Put(snap session.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("failed to size session snapshot", zap.Error(err))
		return
	}

	e := entry{Snapshot: snap, Size: int64(len(data))}
	if snap.Phase.Terminal() {
		e.ExpiresAt = time.Now().Add(c.cfg.TerminalTTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Peek(snap.ID); ok {
		c.lru.Remove(snap.ID) // onEvict reclaims the old size
	}
	c.lru.Add(snap.ID, e)
	c.totalBytes.Add(e.Size)

	for c.totalBytes.Load() > c.cfg.MaxBytes && c.lru.Len() > 1 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Get returns a cached snapshot, honoring the shorter terminal TTL.
func (c *Cache) Get(sessionID string) (session.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(sessionID)
	if !ok {
		return session.Snapshot{}, false
	}
	if !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
		c.lru.Remove(sessionID)
		return session.Snapshot{}, false
	}
	return e.Snapshot, true
}

// Remove drops a session from the cache.
func (c *Cache) Remove(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(sessionID)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the total cached payload size.
func (c *Cache) Bytes() int64 {
	return c.totalBytes.Load()
}

// Persist writes the cache contents to the sidecar snapshot file.
func (c *Cache) Persist() error {
	c.mu.Lock()
	entries := make(map[string]entry, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			entries[key] = e
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := filepath.Join(c.dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(c.dir, snapshotFile))
}

// load restores persisted entries, skipping any already expired.
func (c *Cache) load() {
	data, err := os.ReadFile(filepath.Join(c.dir, snapshotFile))
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read cache snapshot", zap.Error(err))
		}
		return
	}
	var entries map[string]entry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("discarding corrupt cache snapshot", zap.Error(err))
		return
	}

	now := time.Now()
	restored := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range entries {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			continue
		}
		c.lru.Add(id, e)
		c.totalBytes.Add(e.Size)
		restored++
	}
	if restored > 0 {
		c.logger.Info("restored session cache snapshot", zap.Int("entries", restored))
	}
}
