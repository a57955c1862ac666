package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/orchestrator/client"
)

// Endpoint config rejection kinds.
const (
	KindInvalidConfig         orchestrator.Kind = "invalid_config"
	KindNoBridgedAgent        orchestrator.Kind = "no_bridged_agent"
	KindInvalidBridgeStrategy orchestrator.Kind = "invalid_bridge_strategy"
)

// ErrBusy reports that the bridged slot already has a rendezvous in flight.
// The surface converts it to a StillWorking value.
var ErrBusy = orchestrator.NewError(orchestrator.KindConflict, "a bridge request is already in flight")

// ReplyStatus tells the external counterparty whose move it is.
type ReplyStatus string

const (
	StatusWorking       ReplyStatus = "working"
	StatusInputRequired ReplyStatus = "input-required"
	StatusCompleted     ReplyStatus = "completed"
)

// Reply is what the bridge hands back to the external counterparty.
type Reply struct {
	MessageFromAgent string              `json:"messageFromAgent"`
	Attachments      []models.Attachment `json:"attachments,omitempty"`
	Status           ReplyStatus         `json:"status"`
}

// Stats summarises the counterparty's observable activity since the last
// reply. Reported inside StillWorking values.
type Stats struct {
	ActionCount    int       `json:"actionCount"`
	LastActionAt   time.Time `json:"lastActionAt"`
	LastActionType string    `json:"lastActionType"`
}

// Agent carries the external counterparty's voice inside one conversation.
// It holds no policy: turns go in verbatim, and the next completed turn from
// any other agent comes back out.
type Agent struct {
	conversationID string
	agentID        string
	cl             client.Client
	log            *logger.Logger

	unsubscribe client.Unsubscribe

	mu       sync.Mutex
	inFlight bool
	parked   *Reply
	notify   chan struct{}
	ended    bool
	stats    Stats
}

// NewAgent creates the bridge agent for one conversation slot. Initialize
// must run before any rendezvous.
func NewAgent(conversationID string, cfg models.AgentConfig, cl client.Client, log *logger.Logger) *Agent {
	return &Agent{
		conversationID: conversationID,
		agentID:        cfg.ID,
		cl:             cl,
		notify:         make(chan struct{}, 1),
		log:            log.WithConversationID(conversationID).WithAgentID(cfg.ID),
	}
}

// Initialize subscribes to the conversation. The bridge watches the
// counterparty's activity, not just its messages, so it can report progress
// while the external caller polls.
func (a *Agent) Initialize(ctx context.Context) error {
	unsubscribe, err := a.cl.SubscribeToConversation(a.conversationID, a.onEvent, &client.SubscribeOptions{
		EventTypes: []string{events.TurnStarted, events.TraceAdded, events.TurnCompleted, events.ConversationEnded},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	a.unsubscribe = unsubscribe
	return nil
}

// Close detaches the bridge from the bus and wakes any waiter.
func (a *Agent) Close() {
	a.mu.Lock()
	a.ended = true
	a.mu.Unlock()
	a.wake()
	if a.unsubscribe != nil {
		_ = a.unsubscribe()
	}
}

// StatsSnapshot returns the counterparty activity stats.
func (a *Agent) StatsSnapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Agent) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Agent) onEvent(ctx context.Context, event *bus.Event) error {
	agentID, _ := event.Data["agentId"].(string)
	if agentID == a.agentID {
		return nil
	}

	switch event.Type {
	case events.TurnStarted, events.TraceAdded:
		a.mu.Lock()
		a.stats.ActionCount++
		a.stats.LastActionAt = event.Timestamp
		a.stats.LastActionType = lastActionType(event)
		a.mu.Unlock()

	case events.TurnCompleted:
		turn, ok := event.Data["turn"].(*models.Turn)
		if !ok {
			return nil
		}
		reply := &Reply{
			MessageFromAgent: turn.Content,
			Status:           StatusInputRequired,
		}
		if turn.IsFinalTurn {
			reply.Status = StatusCompleted
		}
		for _, attachmentID := range turn.AttachmentIDs {
			attachment, err := a.cl.GetAttachment(ctx, attachmentID)
			if err != nil {
				a.log.WithError(err).Warn("Failed to load reply attachment")
				continue
			}
			reply.Attachments = append(reply.Attachments, *attachment)
		}
		a.mu.Lock()
		a.parked = reply
		a.mu.Unlock()
		a.wake()

	case events.ConversationEnded:
		a.mu.Lock()
		a.ended = true
		if a.parked != nil {
			a.parked.Status = StatusCompleted
		}
		a.mu.Unlock()
		a.wake()
	}
	return nil
}

func lastActionType(event *bus.Event) string {
	if event.Type != events.TraceAdded {
		return event.Type
	}
	if entry, ok := event.Data["entry"].(*models.TraceEntry); ok {
		return string(entry.Type)
	}
	return event.Type
}

// acquire claims the single in-flight slot.
func (a *Agent) acquire() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight {
		return ErrBusy
	}
	a.inFlight = true
	return nil
}

func (a *Agent) release() {
	a.mu.Lock()
	a.inFlight = false
	a.mu.Unlock()
}

// ExternalClientTurn speaks for the counterparty: it seals one turn with the
// incoming content and waits for the next reply from any other agent. On
// timeout the pending wait survives; a later WaitForPendingReply picks the
// reply up.
func (a *Agent) ExternalClientTurn(ctx context.Context, text string, attachments []models.AttachmentPayload, timeout time.Duration) (*Reply, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()

	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return nil, orchestrator.NewError(orchestrator.KindConflict, "conversation %s has ended", a.conversationID)
	}
	// A reply the caller never collected is superseded by this message.
	a.parked = nil
	a.stats = Stats{}
	a.mu.Unlock()

	turn, err := a.cl.StartTurn(ctx, client.StartTurnRequest{
		ConversationID: a.conversationID,
		AgentID:        a.agentID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.agentID,
		Content:        text,
		Attachments:    attachments,
	}); err != nil {
		return nil, err
	}

	return a.awaitReply(ctx, timeout)
}

// WaitForPendingReply waits for the counterparty's reply without sending
// anything. Used by the external caller to poll after a timeout.
func (a *Agent) WaitForPendingReply(ctx context.Context, timeout time.Duration) (*Reply, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()
	return a.awaitReply(ctx, timeout)
}

func (a *Agent) awaitReply(ctx context.Context, timeout time.Duration) (*Reply, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		a.mu.Lock()
		if a.parked != nil {
			reply := a.parked
			a.parked = nil
			a.stats = Stats{}
			a.mu.Unlock()
			return reply, nil
		}
		ended := a.ended
		a.mu.Unlock()
		if ended {
			return nil, orchestrator.NewError(orchestrator.KindConflict, "conversation %s ended without a reply", a.conversationID)
		}

		select {
		case <-a.notify:
		case <-deadline.C:
			return nil, orchestrator.NewError(orchestrator.KindTimeout, "no reply within %s", timeout)
		case <-ctx.Done():
			return nil, orchestrator.WrapError(orchestrator.KindTimeout, ctx.Err(), "wait cancelled")
		}
	}
}
