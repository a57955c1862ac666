package agent

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/conversation/models"
)

// FinalStepBanner is the warning injected into the last prompt of a reply
// loop. Exactly one prompt per turn carries it.
const FinalStepBanner = "0 STEPS REMAINING - send your final reply now"

// promptBuilder renders prompts for a scenario-driven agent. One builder per
// agent instance; all methods are pure renders over their inputs.
type promptBuilder struct {
	agentID                string
	scenarioAgent          *models.ScenarioAgent
	additionalInstructions string
}

// renderSystem renders the role header: system prompt, goals, tool catalog.
func (b *promptBuilder) renderSystem() string {
	var sb strings.Builder
	sb.WriteString(b.scenarioAgent.SystemPrompt)
	sb.WriteString("\n")
	if len(b.scenarioAgent.Goals) > 0 {
		sb.WriteString("\nYour goals:\n")
		for _, goal := range b.scenarioAgent.Goals {
			fmt.Fprintf(&sb, "- %s\n", goal)
		}
	}
	if b.additionalInstructions != "" {
		fmt.Fprintf(&sb, "\nAdditional instructions:\n%s\n", b.additionalInstructions)
	}

	sb.WriteString("\nAvailable tools:\n")
	fmt.Fprintf(&sb, "- %s: send your user-visible message for this turn. Args: {\"text\": string, \"attachments_to_include\": [string]?}\n", models.SendMessageToolName)
	for _, tool := range b.scenarioAgent.Tools {
		fmt.Fprintf(&sb, "- %s", tool.Name)
		if tool.Description != "" {
			fmt.Fprintf(&sb, ": %s", tool.Description)
		}
		if tool.InputSchema != "" {
			fmt.Fprintf(&sb, " Args schema: %s", tool.InputSchema)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nRespond with a <scratchpad>your reasoning</scratchpad> block followed by exactly one tool call as a fenced JSON object:\n")
	sb.WriteString("```json\n{\"name\": \"<tool>\", \"args\": {...}}\n```\n")
	return sb.String()
}

// renderHistory renders completed turns. The agent's own turns include their
// trace; other agents' turns are shown as timestamped messages.
func (b *promptBuilder) renderHistory(conversation *models.Conversation) string {
	var sb strings.Builder
	sb.WriteString("Conversation so far:\n")
	wrote := false
	for _, turn := range conversation.Turns {
		if turn.Status != models.TurnCompleted {
			continue
		}
		wrote = true
		if turn.AgentID == b.agentID {
			fmt.Fprintf(&sb, "[%s] [%s] (you)\n", turn.StartedAt.Format("15:04:05"), turn.AgentID)
			for _, entry := range turn.Trace {
				sb.WriteString(renderTraceEntry(entry))
			}
			fmt.Fprintf(&sb, "  message: %s\n", turn.Content)
		} else {
			fmt.Fprintf(&sb, "[%s] [%s]\n%s\n", turn.StartedAt.Format("15:04:05"), turn.AgentID, turn.Content)
		}
	}
	if !wrote {
		sb.WriteString("(no messages yet - you are opening the conversation)\n")
	}
	return sb.String()
}

// renderCurrentStep renders this turn's trace so far with a position marker.
func renderCurrentStep(trace []*models.TraceEntry) string {
	if len(trace) == 0 {
		return "This turn: nothing yet. Decide your first step.\n"
	}
	var sb strings.Builder
	sb.WriteString("This turn so far:\n")
	for _, entry := range trace {
		sb.WriteString(renderTraceEntry(entry))
	}
	sb.WriteString("  <- you are here\n")
	return sb.String()
}

func renderTraceEntry(entry *models.TraceEntry) string {
	switch entry.Type {
	case models.TraceThought:
		return fmt.Sprintf("  thought: %s\n", entry.Content)
	case models.TraceToolCall:
		return fmt.Sprintf("  tool call: %s(%v)\n", entry.ToolName, entry.Parameters)
	case models.TraceToolResult:
		if entry.Error != "" {
			return fmt.Sprintf("  tool error: %s\n", entry.Error)
		}
		return fmt.Sprintf("  tool result: %v\n", entry.Result)
	}
	return ""
}

// Step renders the prompt for one step of the reply loop. stepsRemaining is
// the number of steps left after this one; zero adds the final-step banner.
func (b *promptBuilder) Step(conversation *models.Conversation, trace []*models.TraceEntry, stepsRemaining int) string {
	var sb strings.Builder
	sb.WriteString(b.renderSystem())
	sb.WriteString("\n")
	sb.WriteString(b.renderHistory(conversation))
	sb.WriteString("\n")
	sb.WriteString(renderCurrentStep(trace))
	if stepsRemaining == 0 {
		fmt.Fprintf(&sb, "\n%s\n", FinalStepBanner)
	} else {
		fmt.Fprintf(&sb, "\nSteps remaining in this turn: %d.\n", stepsRemaining)
	}
	return sb.String()
}

// Final renders the prompt for the closing message after a terminal tool
// call ended the scenario.
func (b *promptBuilder) Final(conversation *models.Conversation, trace []*models.TraceEntry, terminalTool string) string {
	var sb strings.Builder
	sb.WriteString(b.renderSystem())
	sb.WriteString("\n")
	sb.WriteString(b.renderHistory(conversation))
	sb.WriteString("\n")
	sb.WriteString(renderCurrentStep(trace))
	fmt.Fprintf(&sb, "\nYou called %s, which ends this conversation. Send your final message now using %s. Your scratchpad may note that this is final.\n",
		terminalTool, models.SendMessageToolName)
	return sb.String()
}

// Direct renders the prompt used after a max-steps failure: the next reply
// must be a plain message with no intermediate tool work.
func (b *promptBuilder) Direct(conversation *models.Conversation) string {
	var sb strings.Builder
	sb.WriteString(b.renderSystem())
	sb.WriteString("\n")
	sb.WriteString(b.renderHistory(conversation))
	fmt.Fprintf(&sb, "\nReply directly with %s. Do not call any other tool this turn.\n", models.SendMessageToolName)
	return sb.String()
}
