package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/orchestrator"
)

func registerTools(s *server.MCPServer, manager *bridge.Manager, blob string, cfg *bridge.EndpointConfig, log *logger.Logger) {
	counterparty := counterpartyName(cfg)

	s.AddTool(
		mcp.NewTool("begin_chat_thread",
			mcp.WithDescription(fmt.Sprintf(
				"Start a new chat thread with %s. Returns the conversationId used by the other tools. "+
					"No message is sent yet; you speak first with send_message_to_chat_thread.", counterparty)),
		),
		beginChatThreadHandler(manager, blob, log),
	)

	s.AddTool(
		mcp.NewTool("send_message_to_chat_thread",
			mcp.WithDescription(fmt.Sprintf(
				"Send a message to %s and wait for the reply. "+
					"If the reply takes too long you get {stillWorking: true} with progress stats; "+
					"poll with wait_for_reply.", counterparty)),
			mcp.WithString("conversationId",
				mcp.Required(),
				mcp.Description("The conversation id returned by begin_chat_thread"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text to send"),
			),
			mcp.WithArray("attachments",
				mcp.Description("Optional documents to attach. Each item: {name, contentType, content}"),
			),
		),
		sendMessageHandler(manager, log),
	)

	s.AddTool(
		mcp.NewTool("wait_for_reply",
			mcp.WithDescription(fmt.Sprintf(
				"Wait for the pending reply from %s without sending anything. "+
					"Use after send_message_to_chat_thread returned stillWorking.", counterparty)),
			mcp.WithString("conversationId",
				mcp.Required(),
				mcp.Description("The conversation id returned by begin_chat_thread"),
			),
		),
		waitForReplyHandler(manager, log),
	)

	log.Info("registered bridge tools", zap.Int("count", 3), zap.String("counterparty", counterparty))
}

// counterpartyName renders who the external caller is talking to, from the
// non-bridged agents of the bound config.
func counterpartyName(cfg *bridge.EndpointConfig) string {
	var names []string
	for _, agent := range cfg.Agents {
		if agent.StrategyType.IsBridge() {
			continue
		}
		name := agent.ID
		if agent.ScenarioID != "" {
			name = fmt.Sprintf("%s (%s)", agent.ID, agent.ScenarioID)
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "the conversation"
	}
	return strings.Join(names, ", ")
}

func beginChatThreadHandler(manager *bridge.Manager, blob string, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := manager.Begin(ctx, blob)
		if err != nil {
			log.Error("begin_chat_thread failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start chat thread: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"conversationId": conversationID})
	}
}

func sendMessageHandler(manager *bridge.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		attachments, err := parseAttachments(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		reply, err := manager.SendMessage(ctx, conversationID, message, attachments)
		return replyResult(ctx, manager, conversationID, reply, err, log)
	}
}

func waitForReplyHandler(manager *bridge.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		reply, err := manager.WaitForReply(ctx, conversationID)
		return replyResult(ctx, manager, conversationID, reply, err, log)
	}
}

// replyResult maps a rendezvous outcome to the wire shape: the reply itself,
// a StillWorking value for timeouts and busy slots, or a tool error.
func replyResult(ctx context.Context, manager *bridge.Manager, conversationID string, reply *bridge.Reply, err error, log *logger.Logger) (*mcp.CallToolResult, error) {
	if err == nil {
		return jsonResult(reply)
	}
	if errors.Is(err, bridge.ErrBusy) || orchestrator.IsKind(err, orchestrator.KindTimeout) {
		return jsonResult(bridge.NewStillWorking(manager.Stats(ctx, conversationID)))
	}
	log.Error("bridge rendezvous failed",
		zap.String("conversation_id", conversationID), zap.Error(err))
	return mcp.NewToolResultError(fmt.Sprintf("Bridge error: %v", err)), nil
}

func parseAttachments(req mcp.CallToolRequest) ([]models.AttachmentPayload, error) {
	raw, ok := req.GetArguments()["attachments"]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse attachments: %w", err)
	}
	var items []struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	}
	if err := json.Unmarshal(encoded, &items); err != nil {
		return nil, fmt.Errorf("failed to parse attachments: %w", err)
	}

	payloads := make([]models.AttachmentPayload, 0, len(items))
	for i, item := range items {
		if item.Name == "" || item.Content == "" {
			return nil, fmt.Errorf("attachment %d needs name and content", i)
		}
		if item.ContentType == "" {
			item.ContentType = "text/plain"
		}
		payloads = append(payloads, models.AttachmentPayload{
			Name:        item.Name,
			ContentType: item.ContentType,
			Content:     item.Content,
		})
	}
	return payloads, nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
