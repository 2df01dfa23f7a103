package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/events"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
)

// Registry tracks every child process the daemon spawns. Live records are
// cached in memory and rebuilt from the store on startup.
type Registry struct {
	cfg       config.RegistryConfig
	store     *Store
	inspector Inspector
	bus       bus.EventBus
	logger    *logger.Logger
	pidDir    string

	mu   sync.RWMutex
	live map[string]*Record // record id -> record, non-terminal only
}

// New creates a Registry and reconciles persisted state against the OS:
// stale PID sidecar files are removed, and records in non-terminal phases
// whose processes are gone are promoted to orphaned.
func New(ctx context.Context, cfg config.RegistryConfig, pidDir string, store *Store,
	inspector Inspector, eventBus bus.EventBus, log *logger.Logger) (*Registry, error) {

	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pid directory: %w", err)
	}

	r := &Registry{
		cfg:       cfg,
		store:     store,
		inspector: inspector,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "process-registry")),
		pidDir:    pidDir,
	}

	if err := r.reconcile(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Register records a child process. Registration is idempotent for the same
// (PID, creation time); a live record with the same PID but a different
// creation time is marked terminated with reason pid_reused first.
func (r *Registry) Register(ctx context.Context, pid int32, kind, sessionID string) (string, error) {
	info, err := r.inspector.Info(pid)
	if err != nil {
		return "", errs.Wrap(errs.KindValidationFailed,
			fmt.Sprintf("cannot inspect pid %d", pid), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, err := r.store.GetLiveByPID(ctx, pid); err != nil {
		return "", err
	} else if prior != nil {
		if prior.CreateTime.Equal(info.CreateTime) {
			return prior.ID, nil
		}
		// Same PID, different creation time: the OS reused the PID.
		if err := r.markTerminatedLocked(ctx, prior, "pid_reused"); err != nil {
			return "", err
		}
		r.audit(ctx, AuditEvent{
			PID: pid, Kind: AuditReused, RecordID: prior.ID,
			Detail: map[string]any{
				"old_create_time": prior.CreateTime,
				"new_create_time": info.CreateTime,
			},
		})
		r.publish(ctx, events.ProcessReused, prior.ID, map[string]any{
			"pid": pid, "stale_record_id": prior.ID,
		})
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:           uuid.New().String(),
		PID:          pid,
		ParentPID:    info.ParentPID,
		Kind:         kind,
		SessionID:    sessionID,
		CreateTime:   info.CreateTime,
		CommandLine:  info.CommandLine,
		Executable:   info.Executable,
		Status:       StatusRunning,
		RegisteredAt: now,
		LastSeenAt:   now,
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return "", err
	}
	if err := r.writeSidecar(rec); err != nil {
		r.logger.Warn("failed to write pid sidecar",
			zap.String("record_id", rec.ID), zap.Error(err))
	}
	r.live[rec.ID] = rec

	r.audit(ctx, AuditEvent{
		PID: pid, Kind: AuditCreated, RecordID: rec.ID,
		Detail: map[string]any{"kind": kind, "session_id": sessionID},
	})
	r.publish(ctx, events.ProcessRegistered, rec.ID, map[string]any{
		"pid": pid, "kind": kind, "session_id": sessionID,
	})

	r.logger.Info("registered child process",
		zap.Int32("pid", pid),
		zap.String("record_id", rec.ID),
		zap.String("session_id", sessionID))
	return rec.ID, nil
}

// Unregister marks a record stopped after a voluntary exit.
func (r *Registry) Unregister(ctx context.Context, processID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.getLocked(ctx, processID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	if err := r.markTerminatedLocked(ctx, rec, "voluntary_exit"); err != nil {
		return err
	}
	r.audit(ctx, AuditEvent{PID: rec.PID, Kind: AuditTerminated, RecordID: rec.ID,
		Detail: map[string]any{"reason": "voluntary_exit"}})
	r.publish(ctx, events.ProcessUnregistered, rec.ID, map[string]any{"pid": rec.PID})
	return nil
}

// Heartbeat updates the last-seen time and resource metrics of a live
// record. Unknown process ids are a no-op.
func (r *Registry) Heartbeat(ctx context.Context, processID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.live[processID]
	if !ok {
		return
	}
	rec.LastSeenAt = time.Now().UTC()
	if metrics, err := r.inspector.Metrics(rec.PID); err == nil {
		rec.Metrics = metrics
	}
	if err := r.store.Update(ctx, rec); err != nil {
		r.logger.Warn("failed to persist heartbeat",
			zap.String("record_id", processID), zap.Error(err))
	}
}

// Get returns a record by id, or nil when unknown.
func (r *Registry) Get(ctx context.Context, processID string) (*Record, error) {
	r.mu.RLock()
	if rec, ok := r.live[processID]; ok {
		out := *rec
		r.mu.RUnlock()
		return &out, nil
	}
	r.mu.RUnlock()
	return r.store.Get(ctx, processID)
}

// GetByPID returns the live record for a PID, or nil.
func (r *Registry) GetByPID(ctx context.Context, pid int32) (*Record, error) {
	return r.store.GetLiveByPID(ctx, pid)
}

// List returns records matching the filter.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Record, error) {
	return r.store.List(ctx, f)
}

// Audit returns recent audit events for a PID (zero matches all).
func (r *Registry) Audit(ctx context.Context, pid int32, limit int) ([]AuditEvent, error) {
	return r.store.ListAudit(ctx, pid, limit)
}

// Terminate sends a graceful signal when requested, waits up to timeout for
// the process to exit, then escalates to a forceful kill.
func (r *Registry) Terminate(ctx context.Context, processID string, graceful bool, timeout time.Duration) error {
	r.mu.Lock()
	rec, err := r.getLocked(ctx, processID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if rec.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	rec.Status = StatusStopping
	if err := r.store.Update(ctx, rec); err != nil {
		r.mu.Unlock()
		return err
	}
	pid := rec.PID
	r.mu.Unlock()

	reason := "killed"
	if graceful {
		if err := r.inspector.Terminate(pid); err == nil {
			if r.waitForExit(ctx, pid, timeout) {
				reason = "terminated_gracefully"
			} else {
				_ = r.inspector.Kill(pid)
				reason = "killed_after_grace"
			}
		} else {
			_ = r.inspector.Kill(pid)
		}
	} else {
		if err := r.inspector.Kill(pid); err != nil && r.inspector.Exists(pid) {
			return errs.Wrap(errs.KindInternal,
				fmt.Sprintf("failed to kill pid %d", pid), err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.markTerminatedLocked(ctx, rec, reason); err != nil {
		return err
	}
	r.audit(ctx, AuditEvent{PID: pid, Kind: AuditTerminated, RecordID: rec.ID,
		Detail: map[string]any{"reason": reason, "graceful": graceful}})
	r.publish(ctx, events.ProcessTerminated, rec.ID, map[string]any{
		"pid": pid, "reason": reason,
	})
	return nil
}

// waitForExit polls until the PID disappears or the timeout elapses.
func (r *Registry) waitForExit(ctx context.Context, pid int32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if !r.inspector.Exists(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return !r.inspector.Exists(pid)
}

// reconcile rebuilds the live cache from the store and resolves state the
// daemon missed while it was down.
func (r *Registry) reconcile(ctx context.Context) error {
	r.live = make(map[string]*Record)

	records, err := r.store.List(ctx, Filter{LiveOnly: true})
	if err != nil {
		return fmt.Errorf("failed to load live records: %w", err)
	}

	for _, rec := range records {
		info, err := r.inspector.Info(rec.PID)
		alive := err == nil && info.CreateTime.Equal(rec.CreateTime)
		if alive {
			r.live[rec.ID] = rec
			// Survivors get a full validation pass: the child may have
			// drifted past its limits while the daemon was down.
			if _, err := r.Validate(ctx, rec.ID, r.DefaultConstraints()); err != nil {
				r.logger.Warn("startup validation failed",
					zap.Int32("pid", rec.PID),
					zap.String("record_id", rec.ID),
					zap.Error(err))
			}
			continue
		}
		now := time.Now().UTC()
		rec.Status = StatusOrphaned
		rec.StatusReason = "orphaned_on_startup"
		rec.EndedAt = &now
		if err := r.store.Update(ctx, rec); err != nil {
			return err
		}
		r.removeSidecar(rec.ID)
		r.audit(ctx, AuditEvent{PID: rec.PID, Kind: AuditOrphaned, RecordID: rec.ID,
			Detail: map[string]any{"reason": "orphaned_on_startup"}})
		r.logger.Warn("promoted record to orphaned on startup",
			zap.Int32("pid", rec.PID), zap.String("record_id", rec.ID))
	}

	return r.reconcileSidecars(ctx)
}

// reconcileSidecars removes pid files whose processes (or records) are gone.
func (r *Registry) reconcileSidecars(ctx context.Context) error {
	entries, err := os.ReadDir(r.pidDir)
	if err != nil {
		return fmt.Errorf("failed to read pid directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		recordID := strings.TrimSuffix(entry.Name(), ".pid")
		if _, ok := r.live[recordID]; ok {
			continue
		}
		path := filepath.Join(r.pidDir, entry.Name())
		if err := os.Remove(path); err != nil {
			r.logger.Warn("failed to remove stale pid sidecar",
				zap.String("path", path), zap.Error(err))
			continue
		}
		r.audit(ctx, AuditEvent{Kind: AuditCleanup, RecordID: recordID,
			Detail: map[string]any{"sidecar": entry.Name()}})
	}
	return nil
}

// getLocked resolves a record from cache or store. Caller holds r.mu.
func (r *Registry) getLocked(ctx context.Context, processID string) (*Record, error) {
	if rec, ok := r.live[processID]; ok {
		return rec, nil
	}
	rec, err := r.store.Get(ctx, processID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.Newf(errs.KindValidationFailed, "unknown process id %s", processID)
	}
	return rec, nil
}

// markTerminatedLocked moves a record to stopped and removes its sidecar.
// Caller holds r.mu.
func (r *Registry) markTerminatedLocked(ctx context.Context, rec *Record, reason string) error {
	now := time.Now().UTC()
	rec.Status = StatusStopped
	rec.StatusReason = reason
	rec.EndedAt = &now
	rec.LastSeenAt = now
	if err := r.store.Update(ctx, rec); err != nil {
		return err
	}
	delete(r.live, rec.ID)
	r.removeSidecar(rec.ID)
	return nil
}

// sidecar is the JSON body of a pids/<record-id>.pid file. It carries the
// identity pair so external tooling and startup reconciliation can recognize
// the child without opening the store.
type sidecar struct {
	PID          int32     `json:"pid"`
	CreateTimeMS int64     `json:"create_time_ms"`
	SessionID    string    `json:"session_id,omitempty"`
	Kind         string    `json:"kind"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (r *Registry) writeSidecar(rec *Record) error {
	data, err := json.Marshal(sidecar{
		PID:          rec.PID,
		CreateTimeMS: rec.CreateTime.UnixMilli(),
		SessionID:    rec.SessionID,
		Kind:         rec.Kind,
		RegisteredAt: rec.RegisteredAt,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.pidDir, rec.ID+".pid"), data, 0o644)
}

func (r *Registry) removeSidecar(recordID string) {
	path := filepath.Join(r.pidDir, recordID+".pid")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to remove pid sidecar", zap.String("path", path), zap.Error(err))
	}
}

func (r *Registry) audit(ctx context.Context, ev AuditEvent) {
	if err := r.store.AppendAudit(ctx, ev); err != nil {
		r.logger.Error("failed to append audit event",
			zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (r *Registry) publish(ctx context.Context, eventType, processID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["process_id"] = processID
	subject := events.BuildProcessSubject(eventType, processID)
	if err := r.bus.Publish(ctx, subject, bus.NewEvent(eventType, "process-registry", data)); err != nil {
		r.logger.Warn("failed to publish process event",
			zap.String("subject", subject), zap.Error(err))
	}
}
