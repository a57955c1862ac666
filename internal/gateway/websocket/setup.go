package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/orchestrator"
	ws "github.com/parleyhq/parley/pkg/websocket"
)

// Gateway bundles the WebSocket hub, dispatcher, and connection handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a WebSocket gateway with all components initialized.
func NewGateway(svc *orchestrator.Service, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)
	RegisterConversationHandlers(dispatcher, svc)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// Start runs the hub loop and connects the event bus feed.
func (g *Gateway) Start(ctx context.Context, eventBus bus.EventBus) {
	go g.Hub.Run(ctx)
	RegisterConversationNotifications(ctx, eventBus, g.Hub, g.logger)
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
