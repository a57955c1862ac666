package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/orchestrator/client"
)

// ScriptMessagesKey is the agent-config metadata key holding the scripted
// replies for a sequential-script agent.
const ScriptMessagesKey = "messages"

// SequentialScriptAgent replies with a fixed sequence of messages, one per
// inbound turn. The last message seals the conversation.
type SequentialScriptAgent struct {
	conversationID string
	cfg            models.AgentConfig
	cl             client.Client
	log            *logger.Logger

	unsubscribe client.Unsubscribe

	mu       sync.Mutex
	messages []string
	next     int
	closed   bool
}

// NewSequentialScriptAgent creates the agent from its config metadata.
func NewSequentialScriptAgent(conversationID string, cfg models.AgentConfig, cl client.Client, log *logger.Logger) (*SequentialScriptAgent, error) {
	messages, err := scriptMessages(cfg.Metadata)
	if err != nil {
		return nil, err
	}
	return &SequentialScriptAgent{
		conversationID: conversationID,
		cfg:            cfg,
		cl:             cl,
		messages:       messages,
		log:            log.WithConversationID(conversationID).WithAgentID(cfg.ID),
	}, nil
}

func scriptMessages(metadata map[string]interface{}) ([]string, error) {
	raw, ok := metadata[ScriptMessagesKey].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("sequential script requires a non-empty %q metadata list", ScriptMessagesKey)
	}
	messages := make([]string, 0, len(raw))
	for i, item := range raw {
		text, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("script message %d is not a string", i)
		}
		messages = append(messages, text)
	}
	return messages, nil
}

// Initialize subscribes to the conversation.
func (a *SequentialScriptAgent) Initialize(ctx context.Context, agentToken string) error {
	unsubscribe, err := a.cl.SubscribeToConversation(a.conversationID, a.onEvent, &client.SubscribeOptions{
		EventTypes: []string{events.TurnCompleted, events.ConversationEnded},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	a.unsubscribe = unsubscribe
	return nil
}

// InitializeConversation sends the first scripted message.
func (a *SequentialScriptAgent) InitializeConversation(ctx context.Context, additionalInstructions string) error {
	return a.sendNext(ctx)
}

// Close detaches the agent from the bus.
func (a *SequentialScriptAgent) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	if a.unsubscribe != nil {
		_ = a.unsubscribe()
	}
}

func (a *SequentialScriptAgent) onEvent(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case events.ConversationEnded:
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		return nil
	case events.TurnCompleted:
		turn, ok := event.Data["turn"].(*models.Turn)
		if !ok || turn.AgentID == a.cfg.ID || turn.IsFinalTurn {
			return nil
		}
		a.mu.Lock()
		done := a.closed || a.next >= len(a.messages)
		a.mu.Unlock()
		if done {
			return nil
		}
		if err := a.sendNext(ctx); err != nil {
			a.log.WithError(err).Error("Scripted reply failed")
		}
	}
	return nil
}

// sendNext completes one turn with the next scripted message. The final
// message in the script ends the conversation.
func (a *SequentialScriptAgent) sendNext(ctx context.Context) error {
	a.mu.Lock()
	if a.next >= len(a.messages) {
		a.mu.Unlock()
		return fmt.Errorf("script exhausted after %d messages", len(a.messages))
	}
	index := a.next
	a.next++
	a.mu.Unlock()

	turn, err := a.cl.StartTurn(ctx, client.StartTurnRequest{
		ConversationID: a.conversationID,
		AgentID:        a.cfg.ID,
	})
	if err != nil {
		return err
	}

	isFinal := index == len(a.messages)-1
	a.log.WithTurnID(turn.ID).Debug("Sending scripted message",
		zap.Int("index", index), zap.Bool("final", isFinal))
	_, err = a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        a.messages[index],
		IsFinalTurn:    isFinal,
	})
	return err
}
