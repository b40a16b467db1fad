package websocket

// Action constants for WebSocket messages exchanged over the daemon's
// task event stream.
const (
	ActionHealthCheck = "health.check"

	// Task actions
	ActionTaskList = "task.list"
	ActionTaskGet  = "task.get"

	// Subscription actions
	ActionTaskSubscribe   = "task.subscribe"
	ActionTaskUnsubscribe = "task.unsubscribe"

	// Notification actions (server -> client), named after the
	// taskevents.EventType they mirror.
	ActionTaskUpdated    = "task.updated"
	ActionAgentMessage   = "agent.message"
	ActionGateRequired   = "gate.required"
	ActionUsageUpdated   = "usage.updated"
	ActionLogEntry       = "log.entry"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
