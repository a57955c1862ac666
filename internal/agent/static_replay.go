package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/orchestrator/client"
)

// ReplayTurnsKey is the agent-config metadata key holding the prerecorded
// turns for a static-replay agent.
const ReplayTurnsKey = "turns"

// replayTurn is one prerecorded turn: thoughts replayed into the trace, then
// the message content.
type replayTurn struct {
	Thoughts []string
	Content  string
}

// StaticReplayAgent replays a prerecorded transcript turn by turn. Useful for
// deterministic demos and regression fixtures.
type StaticReplayAgent struct {
	conversationID string
	cfg            models.AgentConfig
	cl             client.Client
	log            *logger.Logger

	unsubscribe client.Unsubscribe

	mu     sync.Mutex
	turns  []replayTurn
	next   int
	closed bool
}

// NewStaticReplayAgent creates the agent from its config metadata.
func NewStaticReplayAgent(conversationID string, cfg models.AgentConfig, cl client.Client, log *logger.Logger) (*StaticReplayAgent, error) {
	turns, err := replayTurns(cfg.Metadata)
	if err != nil {
		return nil, err
	}
	return &StaticReplayAgent{
		conversationID: conversationID,
		cfg:            cfg,
		cl:             cl,
		turns:          turns,
		log:            log.WithConversationID(conversationID).WithAgentID(cfg.ID),
	}, nil
}

func replayTurns(metadata map[string]interface{}) ([]replayTurn, error) {
	raw, ok := metadata[ReplayTurnsKey].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("static replay requires a non-empty %q metadata list", ReplayTurnsKey)
	}
	turns := make([]replayTurn, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			turns = append(turns, replayTurn{Content: v})
		case map[string]interface{}:
			turn := replayTurn{}
			turn.Content, _ = v["content"].(string)
			if turn.Content == "" {
				return nil, fmt.Errorf("replay turn %d has no content", i)
			}
			if thoughts, ok := v["thoughts"].([]interface{}); ok {
				for _, t := range thoughts {
					if s, ok := t.(string); ok {
						turn.Thoughts = append(turn.Thoughts, s)
					}
				}
			}
			turns = append(turns, turn)
		default:
			return nil, fmt.Errorf("replay turn %d has unsupported type %T", i, item)
		}
	}
	return turns, nil
}

// Initialize subscribes to the conversation.
func (a *StaticReplayAgent) Initialize(ctx context.Context, agentToken string) error {
	unsubscribe, err := a.cl.SubscribeToConversation(a.conversationID, a.onEvent, &client.SubscribeOptions{
		EventTypes: []string{events.TurnCompleted, events.ConversationEnded},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	a.unsubscribe = unsubscribe
	return nil
}

// InitializeConversation replays the first recorded turn.
func (a *StaticReplayAgent) InitializeConversation(ctx context.Context, additionalInstructions string) error {
	return a.replayNext(ctx)
}

// Close detaches the agent from the bus.
func (a *StaticReplayAgent) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	if a.unsubscribe != nil {
		_ = a.unsubscribe()
	}
}

func (a *StaticReplayAgent) onEvent(ctx context.Context, event *bus.Event) error {
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
		done := a.closed || a.next >= len(a.turns)
		a.mu.Unlock()
		if done {
			return nil
		}
		if err := a.replayNext(ctx); err != nil {
			a.log.WithError(err).Error("Replay turn failed")
		}
	}
	return nil
}

// replayNext replays one recorded turn: thoughts into the trace, then the
// message. The last recorded turn ends the conversation.
func (a *StaticReplayAgent) replayNext(ctx context.Context) error {
	a.mu.Lock()
	if a.next >= len(a.turns) {
		a.mu.Unlock()
		return fmt.Errorf("transcript exhausted after %d turns", len(a.turns))
	}
	index := a.next
	a.next++
	recorded := a.turns[index]
	a.mu.Unlock()

	turn, err := a.cl.StartTurn(ctx, client.StartTurnRequest{
		ConversationID: a.conversationID,
		AgentID:        a.cfg.ID,
	})
	if err != nil {
		return err
	}
	for _, thought := range recorded.Thoughts {
		entry := &models.TraceEntry{Type: models.TraceThought, Content: thought}
		if err := a.cl.AddTraceEntry(ctx, a.conversationID, turn.ID, a.cfg.ID, entry); err != nil {
			return err
		}
	}
	_, err = a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        recorded.Content,
		IsFinalTurn:    index == len(a.turns)-1,
	})
	return err
}
