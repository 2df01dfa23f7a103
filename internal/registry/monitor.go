package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/events"
)

// RunMonitor runs the periodic liveness and resource sweep until the
// context is cancelled.
func (r *Registry) RunMonitor(ctx context.Context) {
	interval := r.cfg.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("process monitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("process monitor stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep checks every live record once.
func (r *Registry) sweep(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.checkRecord(ctx, id)
	}
}

func (r *Registry) checkRecord(ctx context.Context, id string) {
	r.mu.Lock()
	rec, ok := r.live[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	info, err := r.inspector.Info(rec.PID)
	if err != nil || !info.CreateTime.Equal(rec.CreateTime) {
		// Process gone (or PID already reused) without an unregister call.
		now := time.Now().UTC()
		rec.Status = StatusOrphaned
		rec.StatusReason = "process_disappeared"
		rec.EndedAt = &now
		if updErr := r.store.Update(ctx, rec); updErr != nil {
			r.logger.Error("failed to persist orphaned record", zap.Error(updErr))
		}
		delete(r.live, id)
		r.removeSidecar(id)
		r.audit(ctx, AuditEvent{PID: rec.PID, Kind: AuditOrphaned, RecordID: id,
			Detail: map[string]any{"reason": "process_disappeared"}})
		r.mu.Unlock()

		r.publish(ctx, events.ProcessOrphaned, id, map[string]any{
			"pid": rec.PID, "session_id": rec.SessionID,
		})
		r.logger.Warn("child process orphaned",
			zap.Int32("pid", rec.PID), zap.String("record_id", id))
		return
	}

	if metrics, err := r.inspector.Metrics(rec.PID); err == nil {
		rec.Metrics = metrics
	}
	staleHeartbeat := r.cfg.HeartbeatTimeout > 0 &&
		time.Since(rec.LastSeenAt) > r.cfg.HeartbeatTimeout
	if err := r.store.Update(ctx, rec); err != nil {
		r.logger.Warn("failed to persist monitor sample", zap.Error(err))
	}
	snapshot := *rec
	r.mu.Unlock()

	if staleHeartbeat {
		r.publish(ctx, events.ProcessAlert, id, map[string]any{
			"pid":    snapshot.PID,
			"reason": "heartbeat_timeout",
			"last_seen_at": snapshot.LastSeenAt,
		})
	}

	for _, alert := range r.resourceAlerts(&snapshot) {
		r.publish(ctx, events.ProcessAlert, id, map[string]any{
			"pid": snapshot.PID, "reason": alert,
		})
		r.logger.Warn("resource alert", zap.Int32("pid", snapshot.PID), zap.String("alert", alert))
	}

	if r.cfg.AutoTerminate {
		if critical := r.criticalViolation(&snapshot); critical != "" {
			// Record the full check results before the child goes away.
			if _, err := r.Validate(ctx, id, r.DefaultConstraints()); err != nil {
				r.logger.Warn("pre-termination validation failed", zap.Error(err))
			}
			r.logger.Warn("terminating child on critical violation",
				zap.Int32("pid", snapshot.PID), zap.String("violation", critical))
			if err := r.Terminate(ctx, id, true, 5*time.Second); err != nil {
				r.logger.Error("auto-termination failed", zap.Error(err))
			}
		}
	}
}

// resourceAlerts returns alerts for metrics past the alert fraction of a
// hard limit.
func (r *Registry) resourceAlerts(rec *Record) []string {
	frac := r.cfg.AlertFraction
	if frac <= 0 {
		frac = 0.8
	}
	limits := r.cfg.Limits
	m := rec.Metrics

	var alerts []string
	if limits.MaxRSSBytes > 0 && float64(m.RSSBytes) >= float64(limits.MaxRSSBytes)*frac {
		alerts = append(alerts, fmt.Sprintf("rss %d near limit %d", m.RSSBytes, limits.MaxRSSBytes))
	}
	if limits.MaxCPUPercent > 0 && m.CPUPercent >= limits.MaxCPUPercent*frac {
		alerts = append(alerts, fmt.Sprintf("cpu %.1f%% near limit %.1f%%", m.CPUPercent, limits.MaxCPUPercent))
	}
	if limits.MaxOpenFiles > 0 && float64(m.NumFDs) >= float64(limits.MaxOpenFiles)*frac {
		alerts = append(alerts, fmt.Sprintf("fds %d near limit %d", m.NumFDs, limits.MaxOpenFiles))
	}
	if limits.MaxConnections > 0 && float64(m.NumConnections) >= float64(limits.MaxConnections)*frac {
		alerts = append(alerts, fmt.Sprintf("connections %d near limit %d", m.NumConnections, limits.MaxConnections))
	}
	return alerts
}

// criticalViolation returns the first hard-limit breach, or "".
func (r *Registry) criticalViolation(rec *Record) string {
	limits := r.cfg.Limits
	m := rec.Metrics
	if limits.MaxRSSBytes > 0 && m.RSSBytes > limits.MaxRSSBytes {
		return fmt.Sprintf("rss %d exceeds limit %d", m.RSSBytes, limits.MaxRSSBytes)
	}
	if limits.MaxUptime > 0 && time.Since(rec.CreateTime) > limits.MaxUptime {
		return fmt.Sprintf("uptime exceeds limit %s", limits.MaxUptime)
	}
	return ""
}

// RunMaintenance prunes expired records, validation results, and audit
// events on the configured cadence, then compacts the store.
func (r *Registry) RunMaintenance(ctx context.Context) {
	interval := r.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Maintain(ctx)
		}
	}
}

// Maintain runs one maintenance pass.
func (r *Registry) Maintain(ctx context.Context) {
	terminal, err := r.store.PruneTerminal(ctx, r.cfg.Retention)
	if err != nil {
		r.logger.Error("failed to prune terminal records", zap.Error(err))
	}
	validations, err := r.store.PruneValidations(ctx, r.cfg.ValidationRetention)
	if err != nil {
		r.logger.Error("failed to prune validation results", zap.Error(err))
	}
	auditEvents, err := r.store.PruneAudit(ctx, r.cfg.AuditRetention)
	if err != nil {
		r.logger.Error("failed to prune audit events", zap.Error(err))
	}
	if err := r.reconcileSidecars(ctx); err != nil {
		r.logger.Warn("sidecar reconciliation failed", zap.Error(err))
	}
	if err := r.store.Compact(ctx); err != nil {
		r.logger.Warn("store compaction failed", zap.Error(err))
	}

	r.audit(ctx, AuditEvent{Kind: AuditCleanup, Detail: map[string]any{
		"pruned_records":     terminal,
		"pruned_validations": validations,
		"pruned_audit":       auditEvents,
	}})
	r.logger.Info("registry maintenance complete",
		zap.Int64("pruned_records", terminal),
		zap.Int64("pruned_validations", validations),
		zap.Int64("pruned_audit_events", auditEvents))
}
