package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/db"
	"github.com/shannonlabs/shannon-mcp/internal/events"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
)

// fakeInspector serves deterministic process facts.
type fakeInspector struct {
	mu      sync.Mutex
	procs   map[int32]*ProcessInfo
	metrics map[int32]ResourceMetrics
	termed  []int32
	killed  []int32
	// termStops makes Terminate remove the process, simulating a child
	// that honors the graceful signal.
	termStops bool
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		procs:   make(map[int32]*ProcessInfo),
		metrics: make(map[int32]ResourceMetrics),
	}
}

func (f *fakeInspector) add(pid int32, createTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[pid] = &ProcessInfo{
		PID:         pid,
		ParentPID:   1000,
		CreateTime:  createTime,
		CommandLine: "claude --output-format stream-json",
		Executable:  "/usr/local/bin/claude",
		Username:    "shannon",
		Statuses:    []string{"sleep"},
	}
}

func (f *fakeInspector) remove(pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, pid)
}

func (f *fakeInspector) Exists(pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pid == 1000 {
		return true // parent of every fake child
	}
	_, ok := f.procs[pid]
	return ok
}

func (f *fakeInspector) Info(pid int32) (*ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.procs[pid]
	if !ok {
		return nil, errors.New("process does not exist")
	}
	out := *info
	return &out, nil
}

func (f *fakeInspector) Metrics(pid int32) (ResourceMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.procs[pid]; !ok {
		return ResourceMetrics{}, errors.New("process does not exist")
	}
	m := f.metrics[pid]
	m.SampledAt = time.Now().UTC()
	return m, nil
}

func (f *fakeInspector) Terminate(pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.termed = append(f.termed, pid)
	if f.termStops {
		delete(f.procs, pid)
	}
	return nil
}

func (f *fakeInspector) Kill(pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	delete(f.procs, pid)
	return nil
}

func testRegistry(t *testing.T, insp Inspector) (*Registry, *Store, string) {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)

	pidDir := t.TempDir()
	cfg := config.RegistryConfig{
		MonitorInterval:  time.Second,
		HeartbeatTimeout: time.Minute,
		Retention:        time.Hour,
		AlertFraction:    0.8,
	}
	reg, err := New(context.Background(), cfg, pidDir, store,
		insp, bus.NewMemoryEventBus(logger.NewNop()), logger.NewNop())
	require.NoError(t, err)
	return reg, store, pidDir
}

func TestRegisterIsIdempotentForSameIdentity(t *testing.T) {
	insp := newFakeInspector()
	created := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	insp.add(4242, created)

	reg, _, pidDir := testRegistry(t, insp)
	ctx := context.Background()

	id1, err := reg.Register(ctx, 4242, "cli", "sess-1")
	require.NoError(t, err)
	id2, err := reg.Register(ctx, 4242, "cli", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Sidecar carries the identity pair.
	data, err := os.ReadFile(filepath.Join(pidDir, id1+".pid"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "4242")
}

func TestRegisterDetectsPIDReuse(t *testing.T) {
	insp := newFakeInspector()
	firstBorn := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	insp.add(4242, firstBorn)

	reg, store, _ := testRegistry(t, insp)
	ctx := context.Background()

	oldID, err := reg.Register(ctx, 4242, "cli", "sess-1")
	require.NoError(t, err)

	// Same PID comes back with a newer creation time.
	insp.add(4242, firstBorn.Add(30*time.Minute))
	newID, err := reg.Register(ctx, 4242, "cli", "sess-2")
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	stale, err := store.Get(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stale.Status)
	assert.Equal(t, "pid_reused", stale.StatusReason)

	audits, err := store.ListAudit(ctx, 4242, 10)
	require.NoError(t, err)
	kinds := make([]AuditKind, len(audits))
	for i, a := range audits {
		kinds[i] = a.Kind
	}
	assert.Contains(t, kinds, AuditReused)
}

func TestUnregisterStopsRecordAndRemovesSidecar(t *testing.T) {
	insp := newFakeInspector()
	insp.add(7, time.Now().UTC().Truncate(time.Millisecond))

	reg, store, pidDir := testRegistry(t, insp)
	ctx := context.Background()

	id, err := reg.Register(ctx, 7, "cli", "")
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(ctx, id))

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, rec.Status)
	assert.NotNil(t, rec.EndedAt)

	_, err = os.Stat(filepath.Join(pidDir, id+".pid"))
	assert.True(t, os.IsNotExist(err))

	// Unregistering again is a no-op.
	require.NoError(t, reg.Unregister(ctx, id))
}

func TestTerminateEscalatesWhenGracefulIgnored(t *testing.T) {
	insp := newFakeInspector()
	insp.termStops = false
	insp.add(9, time.Now().UTC().Truncate(time.Millisecond))

	reg, store, _ := testRegistry(t, insp)
	ctx := context.Background()

	id, err := reg.Register(ctx, 9, "cli", "")
	require.NoError(t, err)
	require.NoError(t, reg.Terminate(ctx, id, true, 200*time.Millisecond))

	assert.Contains(t, insp.termed, int32(9))
	assert.Contains(t, insp.killed, int32(9))

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, rec.Status)
	assert.Equal(t, "killed_after_grace", rec.StatusReason)
}

func TestTerminateGraceful(t *testing.T) {
	insp := newFakeInspector()
	insp.termStops = true
	insp.add(11, time.Now().UTC().Truncate(time.Millisecond))

	reg, store, _ := testRegistry(t, insp)
	ctx := context.Background()

	id, err := reg.Register(ctx, 11, "cli", "")
	require.NoError(t, err)
	require.NoError(t, reg.Terminate(ctx, id, true, time.Second))

	assert.Empty(t, insp.killed)
	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "terminated_gracefully", rec.StatusReason)
}

func TestSweepPromotesDisappearedProcessToOrphaned(t *testing.T) {
	insp := newFakeInspector()
	insp.add(21, time.Now().UTC().Truncate(time.Millisecond))

	reg, store, _ := testRegistry(t, insp)
	ctx := context.Background()

	id, err := reg.Register(ctx, 21, "cli", "sess-x")
	require.NoError(t, err)

	insp.remove(21)
	reg.sweep(ctx)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphaned, rec.Status)
	assert.Equal(t, "process_disappeared", rec.StatusReason)
}

func TestValidateResourceAndSecurityChecks(t *testing.T) {
	insp := newFakeInspector()
	created := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	insp.add(31, created)
	insp.mu.Lock()
	insp.procs[31].Environ = []string{"PATH=/usr/bin", "LD_PRELOAD=/tmp/evil.so"}
	insp.metrics[31] = ResourceMetrics{RSSBytes: 4 << 30, CPUPercent: 10}
	insp.mu.Unlock()

	reg, _, _ := testRegistry(t, insp)
	ctx := context.Background()

	id, err := reg.Register(ctx, 31, "cli", "")
	require.NoError(t, err)

	result, err := reg.Validate(ctx, id, Constraints{
		Limits: config.ResourceLimits{MaxRSSBytes: 2 << 30},
		Security: config.SecurityPolicy{
			FlaggedEnvVars: []string{"LD_PRELOAD"},
		},
	})
	require.NoError(t, err)
	assert.False(t, result.Passed)

	var failedNames []string
	for _, f := range result.Failures() {
		failedNames = append(failedNames, f.Name)
	}
	assert.Contains(t, failedNames, "rss_within_limit")
	assert.Contains(t, failedNames, "flagged_env_absent")
}

func TestValidatePassesHealthyProcess(t *testing.T) {
	insp := newFakeInspector()
	insp.add(41, time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond))
	insp.mu.Lock()
	insp.metrics[41] = ResourceMetrics{RSSBytes: 100 << 20, CPUPercent: 5, NumFDs: 12}
	insp.mu.Unlock()

	reg, _, _ := testRegistry(t, insp)
	ctx := context.Background()

	id, err := reg.Register(ctx, 41, "cli", "")
	require.NoError(t, err)

	result, err := reg.Validate(ctx, id, reg.DefaultConstraints())
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Empty(t, result.Failures())
}

func TestReconcileOrphansDeadRecordsOnStartup(t *testing.T) {
	insp := newFakeInspector()
	created := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	insp.add(51, created)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer pool.Close()
	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)

	pidDir := t.TempDir()
	cfg := config.RegistryConfig{Retention: time.Hour, AlertFraction: 0.8}
	log := logger.NewNop()
	memBus := bus.NewMemoryEventBus(log)

	reg, err := New(context.Background(), cfg, pidDir, store, insp, memBus, log)
	require.NoError(t, err)
	id, err := reg.Register(context.Background(), 51, "cli", "")
	require.NoError(t, err)

	// Simulate a daemon restart with the child gone.
	insp.remove(51)
	reg2, err := New(context.Background(), cfg, pidDir, store, insp, memBus, log)
	require.NoError(t, err)

	rec, err := reg2.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphaned, rec.Status)

	// The stale sidecar was cleaned up.
	_, err = os.Stat(filepath.Join(pidDir, id+".pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestReconcileValidatesSurvivingRecords(t *testing.T) {
	insp := newFakeInspector()
	created := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	insp.add(71, created)
	insp.mu.Lock()
	insp.procs[71].Environ = []string{"PATH=/usr/bin", "LD_PRELOAD=/tmp/evil.so"}
	insp.metrics[71] = ResourceMetrics{RSSBytes: 4 << 30}
	insp.mu.Unlock()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer pool.Close()
	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)

	cfg := config.RegistryConfig{
		Retention:     time.Hour,
		AlertFraction: 0.8,
		Limits:        config.ResourceLimits{MaxRSSBytes: 2 << 30},
		Security:      config.SecurityPolicy{FlaggedEnvVars: []string{"LD_PRELOAD"}},
	}
	log := logger.NewNop()
	memBus := bus.NewMemoryEventBus(log)
	pidDir := t.TempDir()

	reg, err := New(context.Background(), cfg, pidDir, store, insp, memBus, log)
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), 71, "cli", "sess-v")
	require.NoError(t, err)

	var mu sync.Mutex
	violations := 0
	_, err = memBus.Subscribe(events.ProcessViolation+".*",
		func(ctx context.Context, event *bus.Event) error {
			mu.Lock()
			violations++
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	// Daemon restart with the child still alive but past its limits.
	_, err = New(context.Background(), cfg, pidDir, store, insp, memBus, log)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, violations, "surviving record should be validated on startup")
	mu.Unlock()

	audits, err := store.ListAudit(context.Background(), 71, 20)
	require.NoError(t, err)
	kinds := make([]AuditKind, len(audits))
	for i, a := range audits {
		kinds[i] = a.Kind
	}
	assert.Contains(t, kinds, AuditValidated)
}

func TestMaintainPrunesOldTerminalRecords(t *testing.T) {
	insp := newFakeInspector()
	insp.add(61, time.Now().UTC().Truncate(time.Millisecond))

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer pool.Close()
	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)

	cfg := config.RegistryConfig{
		Retention:           time.Nanosecond,
		ValidationRetention: time.Hour,
		AuditRetention:      time.Hour,
		AlertFraction:       0.8,
	}
	reg, err := New(context.Background(), cfg, t.TempDir(), store, insp,
		bus.NewMemoryEventBus(logger.NewNop()), logger.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	id, err := reg.Register(ctx, 61, "cli", "")
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(ctx, id))

	time.Sleep(5 * time.Millisecond)
	reg.Maintain(ctx)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
