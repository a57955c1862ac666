// Package client defines the narrow interface agents use to act on their
// conversation. Agents hold this interface, never the orchestrator itself,
// which keeps ownership one-directional.
package client

import (
	"context"

	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/events/bus"
)

// StartTurnRequest opens a turn for an agent.
type StartTurnRequest struct {
	ConversationID string
	AgentID        string
	Metadata       map[string]interface{}
}

// CompleteTurnRequest seals a turn with its user-visible content. Embedded
// attachment payloads are persisted atomically with the seal.
type CompleteTurnRequest struct {
	ConversationID string
	TurnID         string
	AgentID        string
	Content        string
	IsFinalTurn    bool
	Metadata       map[string]interface{}
	Attachments    []models.AttachmentPayload
}

// CreateUserQueryRequest asks a human a question mid-conversation.
type CreateUserQueryRequest struct {
	ConversationID string
	AgentID        string
	Question       string
	Context        string
}

// SubscribeOptions filters which events a subscription receives. Nil slices
// match everything.
type SubscribeOptions struct {
	EventTypes []string
	AgentIDs   []string
}

// Unsubscribe tears down a subscription.
type Unsubscribe func() error

// Client is the conversation surface available to an agent.
type Client interface {
	StartTurn(ctx context.Context, req StartTurnRequest) (*models.Turn, error)
	AddTraceEntry(ctx context.Context, conversationID, turnID, agentID string, entry *models.TraceEntry) error
	CompleteTurn(ctx context.Context, req CompleteTurnRequest) (*models.Turn, error)

	GetConversation(ctx context.Context, conversationID string, opts store.GetConversationOptions) (*models.Conversation, error)
	GetAttachment(ctx context.Context, attachmentID string) (*models.Attachment, error)
	GetScenario(ctx context.Context, scenarioID, version string) (*models.Scenario, error)

	CreateUserQuery(ctx context.Context, req CreateUserQueryRequest) (string, error)
	AwaitUserQueryResponse(ctx context.Context, queryID string) (string, error)

	SubscribeToConversation(conversationID string, handler bus.EventHandler, opts *SubscribeOptions) (Unsubscribe, error)
}
