package websocket

import (
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
	ws "github.com/shannonlabs/shannon-mcp/pkg/websocket"
)

// Provide assembles the gateway: dispatcher with the query actions, hub,
// HTTP handler, and the bus bridge (not yet started).
func Provide(eventBus bus.EventBus, queries SessionQueries, log *logger.Logger) (*Hub, *Handler, *Bridge) {
	dispatcher := ws.NewDispatcher()
	RegisterHealthHandler(dispatcher)
	RegisterSessionHandlers(dispatcher, queries)

	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)
	bridge := NewBridge(hub, eventBus, log)
	return hub, handler, bridge
}
