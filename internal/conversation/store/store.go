// Package store persists conversations, turns, traces, attachments, user
// queries, agent tokens, and scenarios. Two implementations are provided:
// a SQLite/PostgreSQL repository and an in-memory store for tests and
// ephemeral deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/conversation/models"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a conversation, attachment, query, or
	// token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTurnNotFound is returned when a turn does not exist or is no longer
	// in progress for operations that require an open turn.
	ErrTurnNotFound = errors.New("turn not found or not in progress")
	// ErrConflict is returned when a write contradicts existing state, e.g.
	// a duplicate id or a second in-progress turn for the same agent.
	ErrConflict = errors.New("conflict")
)

// GetConversationOptions selects which child collections to load.
type GetConversationOptions struct {
	IncludeTurns       bool
	IncludeTrace       bool
	IncludeAttachments bool
}

// CompleteTurnParams seals a turn. Attachments and TraceEntries are persisted
// in the same atomic action that marks the turn completed: if any insert
// fails the turn stays in_progress.
type CompleteTurnParams struct {
	TurnID      string
	Content     string
	IsFinalTurn bool
	Metadata    map[string]interface{}
	// Attachments carry ids pre-assigned by the caller so matching
	// trace entries can reference them.
	Attachments []*models.Attachment
	// TraceEntries are the attachment_creation tool results recorded
	// alongside sealing.
	TraceEntries []*models.TraceEntry
}

// Store is the durable log behind the orchestrator.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conversation *models.Conversation) error
	UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error
	GetConversation(ctx context.Context, id string, opts GetConversationOptions) (*models.Conversation, error)
	// MarkStaleConversationsInactive closes out active conversations with no
	// activity inside the lookback window. Returns the number affected.
	MarkStaleConversationsInactive(ctx context.Context, lookback time.Duration) (int, error)
	// GetActiveConversationsWithRecentActivity returns conversations eligible
	// for resurrection at process start.
	GetActiveConversationsWithRecentActivity(ctx context.Context, lookback time.Duration) ([]*models.Conversation, error)

	// Turns
	StartTurn(ctx context.Context, turn *models.Turn) error
	CompleteTurn(ctx context.Context, params CompleteTurnParams) (*models.Turn, error)
	CancelTurn(ctx context.Context, turnID string) error
	GetTurn(ctx context.Context, turnID string) (*models.Turn, error)
	GetInProgressTurns(ctx context.Context, conversationID string) ([]*models.Turn, error)

	// Traces
	AddTraceEntry(ctx context.Context, conversationID string, entry *models.TraceEntry) error
	GetTraceEntriesForTurn(ctx context.Context, turnID string) ([]*models.TraceEntry, error)

	// Attachments
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	GetAttachmentsForConversation(ctx context.Context, conversationID string) ([]*models.Attachment, error)

	// User queries
	CreateUserQuery(ctx context.Context, query *models.UserQuery) error
	UpdateUserQueryStatus(ctx context.Context, id string, status models.UserQueryStatus, response string) error
	GetUserQuery(ctx context.Context, id string) (*models.UserQuery, error)

	// Agent tokens
	CreateAgentToken(ctx context.Context, token *models.AgentToken) error
	GetAgentToken(ctx context.Context, token string) (*models.AgentToken, error)
	GetTokensForConversation(ctx context.Context, conversationID string) ([]*models.AgentToken, error)
	DeleteTokensForConversation(ctx context.Context, conversationID string) error
	CleanupExpiredTokens(ctx context.Context) (int, error)

	// Scenarios
	PutScenario(ctx context.Context, scenario *models.Scenario) error
	GetScenario(ctx context.Context, id, version string) (*models.Scenario, error)

	Close() error
}
