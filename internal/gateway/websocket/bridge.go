package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/events"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
	ws "github.com/shannonlabs/shannon-mcp/pkg/websocket"
)

// Bridge forwards event-bus traffic into the hub. Stream and error
// messages go only to the session's subscribers; lifecycle, checkpoint,
// and process events broadcast to every client.
type Bridge struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewBridge wires the event bus to the hub.
func NewBridge(h *Hub, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    h,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to the daemon's event subjects.
func (b *Bridge) Start() error {
	routes := []struct {
		subject string
		action  string
		scoped  bool // deliver only to the session's subscribers
	}{
		{events.BuildSessionStreamWildcardSubject(), ws.ActionStreamMessage, true},
		{events.BuildSessionErrorWildcardSubject(), ws.ActionStreamError, true},
		{events.SessionCreated + ".*", ws.ActionSessionEvent, false},
		{events.SessionCompleted + ".*", ws.ActionSessionEvent, false},
		{events.SessionFailed + ".*", ws.ActionSessionEvent, false},
		{events.SessionCancelled + ".*", ws.ActionSessionEvent, false},
		{events.SessionTimedOut + ".*", ws.ActionSessionEvent, false},
		{events.SessionEvicted + ".*", ws.ActionSessionEvent, false},
		{"checkpoint.>", ws.ActionCheckpointEvent, false},
		{"process.>", ws.ActionProcessEvent, false},
	}

	for _, route := range routes {
		route := route
		sub, err := b.bus.Subscribe(route.subject, b.forward(route.action, route.scoped))
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}

	b.logger.Info("event bridge started", zap.Int("subscriptions", len(b.subs)))
	return nil
}

// Stop unsubscribes everything.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

func (b *Bridge) forward(action string, scoped bool) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event)
		if err != nil {
			return err
		}
		if scoped {
			sessionID, _ := event.Data["session_id"].(string)
			if sessionID == "" {
				return nil
			}
			b.hub.BroadcastToSession(sessionID, msg)
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	}
}
