// Package handlers exposes the orchestrator over HTTP. The adapter is thin:
// it authenticates agents against the token registry, forwards everything to
// the orchestrator, and holds no conversation state.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/orchestrator/client"
	"github.com/parleyhq/parley/internal/token"
)

type ConversationHandlers struct {
	svc    *orchestrator.Service
	logger *logger.Logger
}

func NewConversationHandlers(svc *orchestrator.Service, log *logger.Logger) *ConversationHandlers {
	return &ConversationHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "conversation-handlers")),
	}
}

// RegisterConversationRoutes wires the conversation API. Operator endpoints
// are open; agent endpoints require a bearer token bound to the conversation.
func RegisterConversationRoutes(router *gin.Engine, svc *orchestrator.Service, tokens *token.Registry, log *logger.Logger) *ConversationHandlers {
	h := NewConversationHandlers(svc, log)

	api := router.Group("/api/v1")
	api.POST("/conversations", h.createConversation)
	api.GET("/conversations/:id", h.getConversation)
	api.POST("/conversations/:id/start", h.startConversation)
	api.POST("/conversations/:id/end", h.endConversation)
	api.POST("/turns/:turnID/cancel", h.cancelTurn)
	api.GET("/queries/:queryID", h.getUserQuery)
	api.POST("/queries/:queryID/respond", h.respondToUserQuery)

	agentAPI := router.Group("/api/v1", agentAuth(tokens))
	agentAPI.POST("/conversations/:id/turns", h.startTurn)
	agentAPI.POST("/conversations/:id/turns/:turnID/trace", h.addTraceEntry)
	agentAPI.POST("/conversations/:id/turns/:turnID/complete", h.completeTurn)
	agentAPI.GET("/conversations/:id/attachments/:attachmentID", h.getAttachment)
	agentAPI.POST("/conversations/:id/queries", h.createUserQuery)
	agentAPI.GET("/conversations/:id/queries/:queryID/wait", h.awaitUserQuery)

	return h
}

type createConversationRequest struct {
	Agents   []models.AgentConfig   `json:"agents" binding:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

type createConversationResponse struct {
	Conversation *models.Conversation `json:"conversation"`
	AgentTokens  map[string]string    `json:"agent_tokens"`
}

func (h *ConversationHandlers) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.svc.CreateConversation(c.Request.Context(), orchestrator.CreateConversationRequest{
		Agents:   req.Agents,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, createConversationResponse{
		Conversation: result.Conversation,
		AgentTokens:  result.AgentTokens,
	})
}

func (h *ConversationHandlers) getConversation(c *gin.Context) {
	opts := store.GetConversationOptions{
		IncludeTurns:       c.Query("include_turns") == "true",
		IncludeTrace:       c.Query("include_trace") == "true",
		IncludeAttachments: c.Query("include_attachments") == "true",
	}
	conversation, err := h.svc.GetConversation(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conversation)
}

type startConversationRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

func (h *ConversationHandlers) startConversation(c *gin.Context) {
	var req startConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.svc.StartConversation(c.Request.Context(), c.Param("id"), req.AgentIDs); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (h *ConversationHandlers) endConversation(c *gin.Context) {
	if err := h.svc.EndConversation(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

type startTurnRequest struct {
	Metadata map[string]interface{} `json:"metadata"`
}

func (h *ConversationHandlers) startTurn(c *gin.Context) {
	var req startTurnRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	turn, err := h.svc.StartTurn(c.Request.Context(), client.StartTurnRequest{
		ConversationID: c.Param("id"),
		AgentID:        boundAgentID(c),
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, turn)
}

func (h *ConversationHandlers) addTraceEntry(c *gin.Context) {
	var entry models.TraceEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.svc.AddTraceEntry(c.Request.Context(), c.Param("id"), c.Param("turnID"), boundAgentID(c), &entry)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type completeTurnRequest struct {
	Content     string                     `json:"content"`
	IsFinalTurn bool                       `json:"is_final_turn"`
	Metadata    map[string]interface{}     `json:"metadata"`
	Attachments []models.AttachmentPayload `json:"attachments"`
}

func (h *ConversationHandlers) completeTurn(c *gin.Context) {
	var req completeTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	turn, err := h.svc.CompleteTurn(c.Request.Context(), client.CompleteTurnRequest{
		ConversationID: c.Param("id"),
		TurnID:         c.Param("turnID"),
		AgentID:        boundAgentID(c),
		Content:        req.Content,
		IsFinalTurn:    req.IsFinalTurn,
		Metadata:       req.Metadata,
		Attachments:    req.Attachments,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, turn)
}

func (h *ConversationHandlers) cancelTurn(c *gin.Context) {
	if err := h.svc.CancelTurn(c.Request.Context(), c.Param("turnID")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *ConversationHandlers) getAttachment(c *gin.Context) {
	attachment, err := h.svc.GetAttachment(c.Request.Context(), c.Param("attachmentID"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if attachment.ConversationID != boundConversationID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "attachment belongs to another conversation"})
		return
	}
	c.JSON(http.StatusOK, attachment)
}

type createUserQueryRequest struct {
	Question string `json:"question" binding:"required"`
	Context  string `json:"context"`
}

func (h *ConversationHandlers) createUserQuery(c *gin.Context) {
	var req createUserQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	queryID, err := h.svc.CreateUserQuery(c.Request.Context(), client.CreateUserQueryRequest{
		ConversationID: c.Param("id"),
		AgentID:        boundAgentID(c),
		Question:       req.Question,
		Context:        req.Context,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"query_id": queryID})
}

func (h *ConversationHandlers) awaitUserQuery(c *gin.Context) {
	response, err := h.svc.AwaitUserQueryResponse(c.Request.Context(), c.Param("queryID"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": response})
}

func (h *ConversationHandlers) getUserQuery(c *gin.Context) {
	query, err := h.svc.GetUserQueryStatus(c.Request.Context(), c.Param("queryID"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, query)
}

type respondToUserQueryRequest struct {
	Response string `json:"response" binding:"required"`
}

func (h *ConversationHandlers) respondToUserQuery(c *gin.Context) {
	var req respondToUserQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RespondToUserQuery(c.Request.Context(), c.Param("queryID"), req.Response); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "answered"})
}
