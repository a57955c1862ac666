package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
)

// ConversationEventBroadcaster forwards every conversation event on the bus
// to the hub, which fans out to subscribed clients.
type ConversationEventBroadcaster struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

func RegisterConversationNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *ConversationEventBroadcaster {
	b := &ConversationEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-conversation-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	sub, err := eventBus.Subscribe(events.BuildGlobalWildcard(), func(ctx context.Context, event *bus.Event) error {
		b.hub.BroadcastEvent(event)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to conversation events", zap.Error(err))
		return b
	}
	b.subscription = sub

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

func (b *ConversationEventBroadcaster) Close() {
	if b.subscription != nil && b.subscription.IsValid() {
		_ = b.subscription.Unsubscribe()
	}
	b.subscription = nil
}
