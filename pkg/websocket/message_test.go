package websocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeConstructors(t *testing.T) {
	resp, err := NewResponse("req-1", ActionSessionGet, map[string]any{"id": "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.False(t, resp.Timestamp.IsZero())

	var body map[string]any
	require.NoError(t, resp.ParsePayload(&body))
	assert.Equal(t, "sess-1", body["id"])

	note, err := NewNotification(ActionStreamMessage, map[string]any{"seq": 1})
	require.NoError(t, err)
	assert.Empty(t, note.ID, "notifications are uncorrelated")
	assert.Equal(t, MessageTypeNotification, note.Type)

	fail, err := NewError("req-2", ActionSessionGet, ErrorCodeNotFound, "no such session", nil)
	require.NoError(t, err)
	var payload ErrorPayload
	require.NoError(t, fail.ParsePayload(&payload))
	assert.Equal(t, ErrorCodeNotFound, payload.Code)
	assert.Equal(t, "no such session", payload.Message)
}

func TestParsePayloadNilIsNoOp(t *testing.T) {
	msg := &Message{Action: ActionHealthCheck}
	var out map[string]any
	require.NoError(t, msg.ParsePayload(&out))
	assert.Nil(t, out)
}

func TestDispatcherRoutesByAction(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionHealthCheck, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, map[string]any{"status": "ok"})
	})

	resp, err := d.Dispatch(context.Background(), &Message{ID: "1", Action: ActionHealthCheck})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.Equal(t, "1", resp.ID)
}

func TestDispatcherUnknownActionReturnsErrorFrame(t *testing.T) {
	d := NewDispatcher()

	resp, err := d.Dispatch(context.Background(), &Message{ID: "9", Action: "no.such.action"})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeError, resp.Type)
	assert.Equal(t, "9", resp.ID)

	var payload ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ErrorCodeUnknownAction, payload.Code)
}
