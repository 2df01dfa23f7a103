package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/binary"
	"github.com/shannonlabs/shannon-mcp/internal/checkpoint"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/session"
	"github.com/shannonlabs/shannon-mcp/internal/session/decoder"
	"github.com/shannonlabs/shannon-mcp/internal/supervisor"
)

type fakeSessions struct {
	createReq  supervisor.CreateRequest
	createSnap session.Snapshot
	createErr  error

	sentContent string
	sendErr     error

	cancelled  string
	cancelSnap session.Snapshot

	stream []decoder.Message
}

func (f *fakeSessions) CreateSession(ctx context.Context, req supervisor.CreateRequest) (session.Snapshot, error) {
	f.createReq = req
	return f.createSnap, f.createErr
}

func (f *fakeSessions) SendMessage(ctx context.Context, sessionID, content string, timeout time.Duration) error {
	f.sentContent = content
	return f.sendErr
}

func (f *fakeSessions) CancelSession(ctx context.Context, sessionID, reason string, force bool) (session.Snapshot, error) {
	f.cancelled = sessionID
	return f.cancelSnap, nil
}

func (f *fakeSessions) ListSessions(ctx context.Context, filter session.ListFilter) ([]session.Snapshot, int, error) {
	return []session.Snapshot{f.createSnap}, 1, nil
}

func (f *fakeSessions) SessionStream(sessionID string) ([]decoder.Message, error) {
	if f.stream == nil {
		return nil, errs.Newf(errs.KindSessionNotFound, "session %s has no live stream", sessionID)
	}
	return f.stream, nil
}

func (f *fakeSessions) CreateCheckpoint(ctx context.Context, sessionID, label, description string, tags []string) (*checkpoint.Checkpoint, error) {
	return &checkpoint.Checkpoint{ID: "cp-1", SessionID: sessionID, Label: label, Tags: tags}, nil
}

func (f *fakeSessions) RestoreSession(ctx context.Context, checkpointID string, overrides map[string]any) (session.Snapshot, error) {
	return session.Snapshot{ID: "restored", ParentCheckpoint: checkpointID}, nil
}

func (f *fakeSessions) BranchSession(ctx context.Context, checkpointID, label string, modifications map[string]any) (session.Snapshot, *checkpoint.Checkpoint, error) {
	return session.Snapshot{ID: "branched", ParentCheckpoint: checkpointID},
		&checkpoint.Checkpoint{ID: "cp-2", Label: label, ParentID: checkpointID}, nil
}

type fakeBinaries struct {
	ref *binary.Ref
	err error
}

func (f *fakeBinaries) Resolve(ctx context.Context, forceRefresh bool) (*binary.Ref, error) {
	return f.ref, f.err
}

type fakeCheckpoints struct{}

func (fakeCheckpoints) List(ctx context.Context, sessionID string, tags []string, offset, limit int) ([]*checkpoint.Checkpoint, int, error) {
	return []*checkpoint.Checkpoint{{ID: "cp-1", SessionID: sessionID}}, 1, nil
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestCreateSessionHandler(t *testing.T) {
	sessions := &fakeSessions{
		createSnap: session.Snapshot{ID: "s-1", Phase: session.PhaseRunning, Model: "m"},
	}
	h := createSessionHandler(Deps{Sessions: sessions}, logger.NewNop())

	res, err := h(context.Background(), callRequest(map[string]any{
		"prompt":  "hello",
		"model":   "m",
		"context": map[string]any{"project": "demo"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, "hello", sessions.createReq.Prompt)
	assert.Equal(t, "m", sessions.createReq.Model)
	assert.Equal(t, "demo", sessions.createReq.Context["project"])

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &snap))
	assert.Equal(t, "s-1", snap.ID)
	assert.Equal(t, session.PhaseRunning, snap.Phase)
}

func TestCreateSessionHandlerMissingPrompt(t *testing.T) {
	h := createSessionHandler(Deps{Sessions: &fakeSessions{}}, logger.NewNop())
	res, err := h(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCreateSessionHandlerErrorEnvelope(t *testing.T) {
	sessions := &fakeSessions{
		createErr: errs.New(errs.KindCapacityExceeded, "maximum concurrent sessions reached").
			WithDetails(map[string]any{"max_concurrent": 2}),
	}
	h := createSessionHandler(Deps{Sessions: sessions}, logger.NewNop())

	res, err := h(context.Background(), callRequest(map[string]any{"prompt": "p"}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	var envelope struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &envelope))
	assert.Equal(t, "CapacityExceeded", envelope.Code)
	assert.Equal(t, float64(2), envelope.Details["max_concurrent"])
}

func TestFindBinaryHandler(t *testing.T) {
	h := findBinaryHandler(Deps{Binaries: &fakeBinaries{
		ref: &binary.Ref{Path: "/usr/bin/claude", Version: "1.2.3", Method: "which"},
	}}, logger.NewNop())

	res, err := h(context.Background(), callRequest(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var result struct {
		Status string     `json:"status"`
		Binary binary.Ref `json:"binary"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, "found", result.Status)
	assert.Equal(t, "/usr/bin/claude", result.Binary.Path)
}

func TestFindBinaryHandlerNotFound(t *testing.T) {
	h := findBinaryHandler(Deps{Binaries: &fakeBinaries{
		err: errs.New(errs.KindBinaryUnavailable, "no valid CLI binary found").
			WithDetails(map[string]any{"candidates": []string{"claude"}}),
	}}, logger.NewNop())

	res, err := h(context.Background(), callRequest(nil))
	require.NoError(t, err)
	// not_found is a structured result, not a tool error
	require.False(t, res.IsError)

	var result struct {
		Status      string         `json:"status"`
		Suggestions map[string]any `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, "not_found", result.Status)
	assert.Contains(t, result.Suggestions, "candidates")
}

func TestCancelSessionHandler(t *testing.T) {
	sessions := &fakeSessions{
		cancelSnap: session.Snapshot{ID: "s-1", Phase: session.PhaseCancelled},
	}
	h := cancelSessionHandler(Deps{Sessions: sessions}, logger.NewNop())

	res, err := h(context.Background(), callRequest(map[string]any{
		"session_id": "s-1",
		"reason":     "done with it",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "s-1", sessions.cancelled)

	var result struct {
		Phase      string           `json:"phase"`
		FinalState session.Snapshot `json:"final_state"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, "cancelled", result.Phase)
	assert.Equal(t, "s-1", result.FinalState.ID)
}

func TestGetSessionStreamHandler(t *testing.T) {
	sessions := &fakeSessions{stream: []decoder.Message{
		{Seq: 1, Type: decoder.TypePartial, Content: "a"},
		{Seq: 2, Type: decoder.TypeResponse, Content: "ab"},
	}}
	h := getSessionStreamHandler(Deps{Sessions: sessions}, logger.NewNop())

	res, err := h(context.Background(), callRequest(map[string]any{"session_id": "s-1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var result struct {
		Messages []decoder.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	require.Len(t, result.Messages, 2)
	assert.Equal(t, int64(1), result.Messages[0].Seq)
}

func TestListCheckpointsHandler(t *testing.T) {
	h := listCheckpointsHandler(Deps{Checkpoints: fakeCheckpoints{}}, logger.NewNop())

	res, err := h(context.Background(), callRequest(map[string]any{
		"session_id": "s-1",
		"tags":       []any{"auto"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var result struct {
		Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
		Total       int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, "cp-1", result.Checkpoints[0].ID)
}

func TestBranchCheckpointHandler(t *testing.T) {
	h := branchCheckpointHandler(Deps{Sessions: &fakeSessions{}}, logger.NewNop())

	res, err := h(context.Background(), callRequest(map[string]any{
		"checkpoint_id": "cp-1",
		"label":         "alt",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var result struct {
		Session    session.Snapshot      `json:"session"`
		Checkpoint checkpoint.Checkpoint `json:"checkpoint"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, "branched", result.Session.ID)
	assert.Equal(t, "cp-1", result.Checkpoint.ParentID)
}
