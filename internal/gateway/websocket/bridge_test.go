package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/events"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
	ws "github.com/shannonlabs/shannon-mcp/pkg/websocket"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(ws.NewDispatcher(), logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func recvFrame(t *testing.T, c *Client) ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return ws.Message{}
	}
}

func TestBridgeScopesStreamMessages(t *testing.T) {
	hub := startHub(t)
	log := logger.NewNop()
	memBus := bus.NewMemoryEventBus(log)

	bridge := NewBridge(hub, memBus, log)
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	subscriber := NewClient("sub", nil, hub, log)
	other := NewClient("other", nil, hub, log)
	hub.Register(subscriber)
	hub.Register(other)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	hub.SubscribeToSession(subscriber, "s-1")

	err := memBus.Publish(context.Background(),
		events.BuildSessionStreamSubject("s-1"),
		bus.NewEvent(events.SessionStream, "stream-decoder", map[string]any{
			"session_id": "s-1",
			"type":       "partial",
			"content":    "hi",
		}))
	require.NoError(t, err)

	frame := recvFrame(t, subscriber)
	assert.Equal(t, ws.ActionStreamMessage, frame.Action)
	assert.Equal(t, ws.MessageTypeNotification, frame.Type)

	var event bus.Event
	require.NoError(t, json.Unmarshal(frame.Payload, &event))
	assert.Equal(t, "hi", event.Data["content"])

	// The unsubscribed client sees nothing.
	select {
	case data := <-other.send:
		t.Fatalf("unexpected frame for unsubscribed client: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridgeBroadcastsLifecycleEvents(t *testing.T) {
	hub := startHub(t)
	log := logger.NewNop()
	memBus := bus.NewMemoryEventBus(log)

	bridge := NewBridge(hub, memBus, log)
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	a := NewClient("a", nil, hub, log)
	b := NewClient("b", nil, hub, log)
	hub.Register(a)
	hub.Register(b)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	err := memBus.Publish(context.Background(),
		events.SessionCompleted+".s-9",
		bus.NewEvent(events.SessionCompleted, "supervisor", map[string]any{
			"session_id": "s-9",
			"phase":      "completed",
		}))
	require.NoError(t, err)

	for _, c := range []*Client{a, b} {
		frame := recvFrame(t, c)
		assert.Equal(t, ws.ActionSessionEvent, frame.Action)
	}
}

func TestHubSessionUnsubscribeStopsDelivery(t *testing.T) {
	hub := startHub(t)
	log := logger.NewNop()

	c := NewClient("c", nil, hub, log)
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	hub.SubscribeToSession(c, "s-1")
	msg, err := ws.NewNotification(ws.ActionStreamMessage, map[string]any{"seq": 1})
	require.NoError(t, err)
	hub.BroadcastToSession("s-1", msg)
	recvFrame(t, c)

	hub.UnsubscribeFromSession(c, "s-1")
	hub.BroadcastToSession("s-1", msg)
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame after unsubscribe: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}
