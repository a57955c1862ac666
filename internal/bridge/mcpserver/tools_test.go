package mcpserver

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/conversation/models"
)

func TestCounterpartyName(t *testing.T) {
	cfg := &bridge.EndpointConfig{
		Agents: []models.AgentConfig{
			{ID: "caller", StrategyType: models.StrategyBridgeAsServer},
			{ID: "supplier", StrategyType: models.StrategyScenarioDriven, ScenarioID: "clinic"},
		},
	}
	if got := counterpartyName(cfg); got != "supplier (clinic)" {
		t.Errorf("counterpartyName = %q", got)
	}

	bare := &bridge.EndpointConfig{
		Agents: []models.AgentConfig{
			{ID: "caller", StrategyType: models.StrategyBridgeAsServer},
		},
	}
	if got := counterpartyName(bare); got != "the conversation" {
		t.Errorf("counterpartyName = %q", got)
	}
}

func TestParseAttachments(t *testing.T) {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]interface{}{
		"attachments": []interface{}{
			map[string]interface{}{"name": "referral.md", "contentType": "text/markdown", "content": "# Referral"},
			map[string]interface{}{"name": "note.txt", "content": "plain note"},
		},
	}

	payloads, err := parseAttachments(req)
	if err != nil {
		t.Fatalf("parseAttachments: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("got %d payloads, want 2", len(payloads))
	}
	if payloads[0].ContentType != "text/markdown" {
		t.Errorf("contentType = %q", payloads[0].ContentType)
	}
	if payloads[1].ContentType != "text/plain" {
		t.Errorf("default contentType = %q", payloads[1].ContentType)
	}
}

func TestParseAttachmentsRejectsIncomplete(t *testing.T) {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]interface{}{
		"attachments": []interface{}{
			map[string]interface{}{"name": "empty.md"},
		},
	}
	if _, err := parseAttachments(req); err == nil {
		t.Fatal("expected an error for an attachment without content")
	}
}
