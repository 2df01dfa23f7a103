package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session queries (request/response)
	ActionSessionList   = "session.list"
	ActionSessionGet    = "session.get"
	ActionSessionStream = "session.stream"

	// Subscription actions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionEvent    = "session.event"
	ActionStreamMessage   = "stream.message"
	ActionStreamError     = "stream.error"
	ActionCheckpointEvent = "checkpoint.event"
	ActionProcessEvent    = "process.event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
