package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/events"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
	"github.com/shannonlabs/shannon-mcp/internal/session"
)

// RunMonitor enforces session wall-clock timeouts and evicts terminal
// sessions past the post-mortem retention window.
func (s *Supervisor) RunMonitor(ctx context.Context) {
	tick := s.cfg.MonitorTick
	if tick <= 0 {
		tick = 10 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger.Info("session monitor started", zap.Duration("tick", tick))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session monitor stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	timeout := s.cfg.Timeout
	evictAfter := s.cfg.EvictAfter
	if evictAfter <= 0 {
		evictAfter = 5 * time.Minute
	}
	now := time.Now().UTC()

	s.mu.Lock()
	var expired, evictable []*handle
	for _, h := range s.sessions {
		snap := h.sess.Snapshot()
		switch {
		case snap.Phase == session.PhaseRunning && timeout > 0 &&
			!snap.StartedAt.IsZero() && now.Sub(snap.StartedAt) > timeout:
			expired = append(expired, h)
		case snap.Phase.Terminal() && !snap.EndedAt.IsZero() &&
			now.Sub(snap.EndedAt) > evictAfter:
			evictable = append(evictable, h)
		}
	}
	s.mu.Unlock()

	for _, h := range expired {
		s.logger.Warn("session exceeded wall-clock timeout",
			zap.String("session_id", h.sess.ID),
			zap.Duration("timeout", timeout))
		s.terminate(ctx, h, session.PhaseTimedOut, false)
	}
	for _, h := range evictable {
		s.evict(ctx, h)
	}
}

// evict drops a terminal session from the live map; the persistent log,
// cache entry, and checkpoints are unaffected.
func (s *Supervisor) evict(ctx context.Context, h *handle) {
	snap := h.sess.Snapshot()

	s.mu.Lock()
	delete(s.sessions, snap.ID)
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Put(snap)
	}
	if s.bus != nil {
		subject := events.SessionEvicted + "." + snap.ID
		_ = s.bus.Publish(ctx, subject, bus.NewEvent(events.SessionEvicted, "supervisor", map[string]any{
			"session_id": snap.ID,
			"phase":      string(snap.Phase),
		}))
	}
	s.logger.Debug("session evicted from memory", zap.String("session_id", snap.ID))
}

// runAutoCheckpoint snapshots a running session on the configured cadence
// until the session terminates.
func (s *Supervisor) runAutoCheckpoint(h *handle) {
	ticker := time.NewTicker(s.autoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.autoStop:
			return
		case <-ticker.C:
			if h.sess.CurrentPhase() != session.PhaseRunning {
				continue
			}
			label := fmt.Sprintf("auto-%s", time.Now().UTC().Format("20060102-150405"))
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := s.CreateCheckpoint(ctx, h.sess.ID, label, "", []string{"auto"})
			cancel()
			if err != nil {
				s.logger.Warn("auto-checkpoint failed",
					zap.String("session_id", h.sess.ID), zap.Error(err))
			}
		}
	}
}
