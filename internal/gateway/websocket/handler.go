package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/orchestrator"
	ws "github.com/parleyhq/parley/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "parley",
		})
	})
}

type getConversationRequest struct {
	ConversationID     string `json:"conversation_id"`
	IncludeTurns       bool   `json:"include_turns"`
	IncludeTrace       bool   `json:"include_trace"`
	IncludeAttachments bool   `json:"include_attachments"`
}

// RegisterConversationHandlers registers request/response conversation
// handlers backed by the orchestrator.
func RegisterConversationHandlers(d *ws.Dispatcher, svc *orchestrator.Service) {
	d.RegisterFunc(ws.ActionConversationGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req getConversationRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if req.ConversationID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "conversation_id is required", nil)
		}

		conversation, err := svc.GetConversation(ctx, req.ConversationID, store.GetConversationOptions{
			IncludeTurns:       req.IncludeTurns,
			IncludeTrace:       req.IncludeTrace,
			IncludeAttachments: req.IncludeAttachments,
		})
		if err != nil {
			if orchestrator.IsKind(err, orchestrator.KindNotFound) {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
			}
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, conversation)
	})
}
