// Package websocket provides the WebSocket gateway for conversation event
// streaming. Front-ends subscribe per conversation, optionally filtered by
// event type and agent id, and receive event envelopes as notifications.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	ws "github.com/parleyhq/parley/pkg/websocket"
)

// SubscriptionFilter narrows which conversation events a client receives.
// Empty slices match everything. Events with no agent attribution always
// pass the agent filter.
type SubscriptionFilter struct {
	EventTypes []string
	AgentIDs   []string
}

func (f *SubscriptionFilter) matches(event *bus.Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.AgentIDs) > 0 {
		agentID, _ := event.Data["agentId"].(string)
		if agentID != "" {
			found := false
			for _, id := range f.AgentIDs {
				if id == agentID {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// Hub manages all WebSocket client connections and their conversation
// subscriptions.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed per conversation id; events.AllConversations
	// subscribes to everything.
	conversationSubscribers map[string]map[*Client]*SubscriptionFilter

	register   chan *Client
	unregister chan *Client

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:                 make(map[*Client]bool),
		conversationSubscribers: make(map[string]map[*Client]*SubscriptionFilter),
		register:                make(chan *Client),
		unregister:              make(chan *Client),
		dispatcher:              dispatcher,
		logger:                  log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.conversationSubscribers = make(map[string]map[*Client]*SubscriptionFilter)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for conversationID := range client.subscriptions {
			if clients, ok := h.conversationSubscribers[conversationID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.conversationSubscribers, conversationID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastEvent forwards a conversation event to every subscribed client
// whose filter it passes.
func (h *Hub) BroadcastEvent(event *bus.Event) {
	msg, err := ws.NewNotification(ws.ActionConversationEvent, eventEnvelope(event))
	if err != nil {
		h.logger.Error("Failed to build event notification", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal event notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendToSubscribers(h.conversationSubscribers[event.ConversationID], event, data)
	h.sendToSubscribers(h.conversationSubscribers[events.AllConversations], event, data)
}

func (h *Hub) sendToSubscribers(subscribers map[*Client]*SubscriptionFilter, event *bus.Event, data []byte) {
	for client, filter := range subscribers {
		if !filter.matches(event) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// eventEnvelope is the wire shape for transport subscribers.
func eventEnvelope(event *bus.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":           event.Type,
		"conversationId": event.ConversationID,
		"timestamp":      event.Timestamp,
		"data":           event.Data,
	}
}

// Subscribe subscribes a client to a conversation's events.
func (h *Hub) Subscribe(client *Client, conversationID string, filter *SubscriptionFilter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conversationSubscribers[conversationID]; !ok {
		h.conversationSubscribers[conversationID] = make(map[*Client]*SubscriptionFilter)
	}
	h.conversationSubscribers[conversationID][client] = filter
	client.subscriptions[conversationID] = true

	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("conversation_id", conversationID))
}

// Unsubscribe removes a client's conversation subscription.
func (h *Hub) Unsubscribe(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, conversationID)
	if clients, ok := h.conversationSubscribers[conversationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.conversationSubscribers, conversationID)
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}
