// Package events provides event types and subject utilities for the Parley
// event system. Subjects follow the pattern conversation.<id>.<type>, so
// subscribers can watch one conversation (conversation.<id>.>) or every
// conversation (conversation.>).
package events

// Event types for conversation lifecycle
const (
	ConversationCreated = "conversation_created"
	ConversationReady   = "conversation_ready"
	ConversationEnded   = "conversation_ended"
	Rehydrated          = "rehydrated"
)

// Event types for turns
const (
	TurnStarted   = "turn_started"
	TurnCompleted = "turn_completed"
	TurnCancelled = "turn_cancelled"
)

// Event types for traces. AgentThinking and ToolExecuting are derived from
// thought/tool_call trace entries at publish time.
const (
	TraceAdded    = "trace_added"
	AgentThinking = "agent_thinking"
	ToolExecuting = "tool_executing"
)

// Event types for user queries
const (
	UserQueryCreated  = "user_query_created"
	UserQueryAnswered = "user_query_answered"
)

const subjectPrefix = "conversation."

// AllConversations is the conversation id wildcard accepted by subscription
// APIs: events for every conversation.
const AllConversations = "*"

// BuildSubject creates the bus subject for one event type within a conversation.
func BuildSubject(conversationID, eventType string) string {
	return subjectPrefix + conversationID + "." + eventType
}

// BuildConversationWildcard creates a subscription subject matching every
// event of a single conversation.
func BuildConversationWildcard(conversationID string) string {
	if conversationID == AllConversations {
		return BuildGlobalWildcard()
	}
	return subjectPrefix + conversationID + ".>"
}

// BuildGlobalWildcard creates a subscription subject matching every
// conversation event in the system.
func BuildGlobalWildcard() string {
	return subjectPrefix + ">"
}
