package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/checkpoint"
	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/registry"
	"github.com/shannonlabs/shannon-mcp/internal/session"
	"github.com/shannonlabs/shannon-mcp/internal/session/decoder"
)

type fakeSessionAPI struct {
	snapshots map[string]session.Snapshot
	stream    []decoder.Message
	metrics   map[string]decoder.BackpressureMetrics
	listErr   error
}

func (f *fakeSessionAPI) GetSession(_ context.Context, id string) (session.Snapshot, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return session.Snapshot{}, errs.Newf(errs.KindSessionNotFound, "session %s not found", id)
	}
	return snap, nil
}

func (f *fakeSessionAPI) ListSessions(_ context.Context, fl session.ListFilter) ([]session.Snapshot, int, error) {
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var out []session.Snapshot
	for _, snap := range f.snapshots {
		if fl.Phase != "" && snap.Phase != fl.Phase {
			continue
		}
		out = append(out, snap)
	}
	return out, len(out), nil
}

func (f *fakeSessionAPI) SessionStream(id string) ([]decoder.Message, error) {
	if _, ok := f.snapshots[id]; !ok {
		return nil, errs.Newf(errs.KindSessionNotFound, "session %s not found", id)
	}
	return f.stream, nil
}

func (f *fakeSessionAPI) StreamMetrics(id string) (decoder.BackpressureMetrics, error) {
	m, ok := f.metrics[id]
	if !ok {
		return decoder.BackpressureMetrics{}, errs.Newf(errs.KindSessionNotFound, "session %s not live", id)
	}
	return m, nil
}

type fakeCheckpointAPI struct {
	checkpoints []*checkpoint.Checkpoint
}

func (f *fakeCheckpointAPI) List(_ context.Context, sessionID string, _ []string, _, _ int) ([]*checkpoint.Checkpoint, int, error) {
	var out []*checkpoint.Checkpoint
	for _, cp := range f.checkpoints {
		if sessionID != "" && cp.SessionID != sessionID {
			continue
		}
		out = append(out, cp)
	}
	return out, len(out), nil
}

type fakeProcessAPI struct {
	records []*registry.Record
	audit   []registry.AuditEvent
}

func (f *fakeProcessAPI) List(_ context.Context, fl registry.Filter) ([]*registry.Record, error) {
	var out []*registry.Record
	for _, rec := range f.records {
		if fl.LiveOnly && rec.Status != registry.StatusRunning {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeProcessAPI) Audit(_ context.Context, _ int32, _ int) ([]registry.AuditEvent, error) {
	return f.audit, nil
}

func newTestServer(t *testing.T, sessions *fakeSessionAPI) (*Server, *fakeProcessAPI) {
	t.Helper()
	procs := &fakeProcessAPI{}
	deps := Deps{
		Sessions: sessions,
		Checkpoints: &fakeCheckpointAPI{checkpoints: []*checkpoint.Checkpoint{
			{ID: "cp-1", SessionID: "sess-1", Label: "before refactor"},
			{ID: "cp-2", SessionID: "sess-2"},
		}},
		Processes: procs,
		Version:   "1.0.0",
	}
	return NewServer(config.ServerConfig{}, deps, nil, logger.NewNop()), procs
}

func doGet(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSessionAPI{})

	w, body := doGet(t, srv, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	sessions := &fakeSessionAPI{
		snapshots: map[string]session.Snapshot{
			"sess-1": {ID: "sess-1", Phase: session.PhaseRunning},
			"sess-2": {ID: "sess-2", Phase: session.PhaseCompleted},
		},
		metrics: map[string]decoder.BackpressureMetrics{
			"sess-1": {Buffered: 3, Capacity: 1024},
		},
	}
	srv, procs := newTestServer(t, sessions)
	procs.records = []*registry.Record{
		{PID: 101, Status: registry.StatusRunning},
		{PID: 102, Status: registry.StatusStopped},
	}

	w, body := doGet(t, srv, "/api/v1/status")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0.0", body["version"])
	assert.Equal(t, float64(2), body["total_sessions"])
	assert.Equal(t, float64(1), body["running_sessions"])
	assert.Equal(t, float64(1), body["live_processes"])

	streams, ok := body["stream_metrics"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, streams, "sess-1")
}

func TestListSessionsFiltersByStatus(t *testing.T) {
	sessions := &fakeSessionAPI{
		snapshots: map[string]session.Snapshot{
			"sess-1": {ID: "sess-1", Phase: session.PhaseRunning},
			"sess-2": {ID: "sess-2", Phase: session.PhaseCompleted},
		},
	}
	srv, _ := newTestServer(t, sessions)

	w, body := doGet(t, srv, "/api/v1/sessions?status=running")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])
	list := body["sessions"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].(map[string]any)["id"])
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSessionAPI{snapshots: map[string]session.Snapshot{}})

	w, body := doGet(t, srv, "/api/v1/sessions/missing")

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(errs.KindSessionNotFound), body["code"])
}

func TestGetSessionIncludesStreamMetrics(t *testing.T) {
	sessions := &fakeSessionAPI{
		snapshots: map[string]session.Snapshot{
			"sess-1": {ID: "sess-1", Phase: session.PhaseRunning, CreatedAt: time.Now().UTC()},
		},
		metrics: map[string]decoder.BackpressureMetrics{
			"sess-1": {Buffered: 1, Capacity: 1024},
		},
	}
	srv, _ := newTestServer(t, sessions)

	w, body := doGet(t, srv, "/api/v1/sessions/sess-1")

	require.Equal(t, http.StatusOK, w.Code)
	snap := body["session"].(map[string]any)
	assert.Equal(t, "sess-1", snap["id"])
	assert.Contains(t, body, "stream_metrics")
}

func TestSessionStreamEndpoint(t *testing.T) {
	sessions := &fakeSessionAPI{
		snapshots: map[string]session.Snapshot{"sess-1": {ID: "sess-1"}},
		stream: []decoder.Message{
			{Type: decoder.TypePartial, Content: "thinking", Seq: 1},
			{Type: decoder.TypeResponse, Content: "done", Seq: 2},
		},
	}
	srv, _ := newTestServer(t, sessions)

	w, body := doGet(t, srv, "/api/v1/sessions/sess-1/stream")

	require.Equal(t, http.StatusOK, w.Code)
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "partial", messages[0].(map[string]any)["type"])
}

func TestListCheckpointsBySession(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSessionAPI{})

	w, body := doGet(t, srv, "/api/v1/checkpoints?session_id=sess-1")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])
}

func TestListProcessesLiveOnly(t *testing.T) {
	srv, procs := newTestServer(t, &fakeSessionAPI{})
	procs.records = []*registry.Record{
		{PID: 101, Status: registry.StatusRunning},
		{PID: 102, Status: registry.StatusStopped},
	}

	w, body := doGet(t, srv, "/api/v1/processes?live=true")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])
}

func TestProcessAuditRejectsBadPID(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSessionAPI{})

	w, _ := doGet(t, srv, "/api/v1/processes/not-a-pid/audit")

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessAuditEndpoint(t *testing.T) {
	srv, procs := newTestServer(t, &fakeSessionAPI{})
	procs.audit = []registry.AuditEvent{
		{PID: 101, Kind: registry.AuditCreated},
		{PID: 101, Kind: registry.AuditTerminated},
	}

	w, body := doGet(t, srv, "/api/v1/processes/101/audit")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["total"])
}
