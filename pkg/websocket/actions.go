package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Conversation actions
	ActionConversationGet = "conversation.get"

	// Subscription actions
	ActionConversationSubscribe   = "conversation.subscribe"
	ActionConversationUnsubscribe = "conversation.unsubscribe"

	// Notification actions (server -> client)
	ActionConversationEvent = "conversation.event"
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
