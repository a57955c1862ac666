// Package bus provides event bus abstractions for Parley.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Data holds the type-specific
// payload described in the transport event envelope contract.
type Event struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversationId"`
	Timestamp      time.Time              `json:"timestamp"`
	Data           map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, conversationID string, data map[string]interface{}) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Data:           data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
//
// Ordering contract: events published to subjects of a single conversation
// are delivered to each subscriber in publish order. No cross-conversation
// ordering is promised.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
