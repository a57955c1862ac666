package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/conversation/models"
)

// Synthesizer fabricates plausible tool results for scenario tools that have
// no real backend. It is a second consumer of the completion capability.
type Synthesizer struct {
	client CompletionClient
}

// NewSynthesizer creates a tool-result synthesizer.
func NewSynthesizer(client CompletionClient) *Synthesizer {
	return &Synthesizer{client: client}
}

// SynthesizeToolResult produces a fabricated result for a tool call, steered
// by the tool's synthesis guidance from the scenario.
func (s *Synthesizer) SynthesizeToolResult(ctx context.Context, tool *models.ScenarioTool, parameters map[string]interface{}) (string, error) {
	paramsJSON, err := json.MarshalIndent(parameters, "", "  ")
	if err != nil {
		paramsJSON = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("You simulate the backend of a tool in a role-play environment.\n")
	b.WriteString("Produce a realistic result for the following tool invocation.\n\n")
	fmt.Fprintf(&b, "Tool: %s\n", tool.Name)
	if tool.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", tool.Description)
	}
	fmt.Fprintf(&b, "Arguments:\n%s\n", paramsJSON)
	if tool.SynthesisGuidance != "" {
		fmt.Fprintf(&b, "\nGuidance for the result:\n%s\n", tool.SynthesisGuidance)
	}
	b.WriteString("\nRespond with the tool result only, no commentary.\n")

	result, err := s.client.Complete(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("tool synthesis failed: %w", err)
	}
	return strings.TrimSpace(result), nil
}
