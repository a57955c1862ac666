package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/agent/parser"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/orchestrator/client"
)

// DefaultMaxSteps bounds the prompt/tool loop of a single reply.
const DefaultMaxSteps = 10

// apologyMessage closes a turn when the language model is unreachable. The
// conversation continues.
const apologyMessage = "I'm sorry, I ran into a technical problem on my side. Could you repeat that?"

// maxStepsMessage closes a turn whose reply loop exhausted its step budget.
const maxStepsMessage = "I wasn't able to finish working through that. Let me stop here for now."

// ScenarioDrivenAgent drives one conversation slot from a scenario role and
// a language-model policy. Each inbound reply runs a bounded step loop:
// prompt, parse, trace, dispatch.
type ScenarioDrivenAgent struct {
	conversationID string
	cfg            models.AgentConfig
	cl             client.Client
	completions    llm.CompletionClient
	synth          *llm.Synthesizer
	log            *logger.Logger
	maxSteps       int

	prompts     *promptBuilder
	unsubscribe client.Unsubscribe

	mu          sync.Mutex
	closed      bool
	maxStepsHit bool
}

// NewScenarioDrivenAgent creates the agent. Initialize must run before it
// reacts to anything.
func NewScenarioDrivenAgent(conversationID string, cfg models.AgentConfig, cl client.Client, completions llm.CompletionClient, synth *llm.Synthesizer, maxSteps int, log *logger.Logger) *ScenarioDrivenAgent {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &ScenarioDrivenAgent{
		conversationID: conversationID,
		cfg:            cfg,
		cl:             cl,
		completions:    completions,
		synth:          synth,
		maxSteps:       maxSteps,
		log:            log.WithConversationID(conversationID).WithAgentID(cfg.ID),
	}
}

// Initialize loads the scenario role and subscribes to conversation events.
func (a *ScenarioDrivenAgent) Initialize(ctx context.Context, agentToken string) error {
	scenario, err := a.cl.GetScenario(ctx, a.cfg.ScenarioID, a.cfg.ScenarioVersion)
	if err != nil {
		return fmt.Errorf("failed to load scenario %s@%s: %w", a.cfg.ScenarioID, a.cfg.ScenarioVersion, err)
	}
	role := scenario.AgentByID(a.cfg.ID)
	if role == nil {
		return fmt.Errorf("scenario %s@%s has no role for agent %q", a.cfg.ScenarioID, a.cfg.ScenarioVersion, a.cfg.ID)
	}
	a.prompts = &promptBuilder{
		agentID:                a.cfg.ID,
		scenarioAgent:          role,
		additionalInstructions: a.cfg.AdditionalInstructions,
	}

	unsubscribe, err := a.cl.SubscribeToConversation(a.conversationID, a.onEvent, &client.SubscribeOptions{
		EventTypes: []string{events.TurnCompleted, events.ConversationEnded},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	a.unsubscribe = unsubscribe
	return nil
}

// InitializeConversation opens the conversation with the agent's first turn.
// Called only on the agent marked shouldInitiate.
func (a *ScenarioDrivenAgent) InitializeConversation(ctx context.Context, additionalInstructions string) error {
	if additionalInstructions != "" {
		a.prompts.additionalInstructions = additionalInstructions
	}
	return a.takeTurn(ctx)
}

// Close detaches the agent from the bus.
func (a *ScenarioDrivenAgent) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	if a.unsubscribe != nil {
		_ = a.unsubscribe()
	}
}

func (a *ScenarioDrivenAgent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// onEvent is the reactive entry point. A completed turn from another agent
// triggers a reply; a final turn or conversation end shuts the agent down.
func (a *ScenarioDrivenAgent) onEvent(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case events.ConversationEnded:
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		return nil
	case events.TurnCompleted:
		turn, ok := event.Data["turn"].(*models.Turn)
		if !ok || turn.AgentID == a.cfg.ID || turn.IsFinalTurn {
			return nil
		}
		if a.isClosed() {
			return nil
		}
		if err := a.takeTurn(ctx); err != nil {
			a.log.WithError(err).Error("Reply failed")
		}
	}
	return nil
}

// takeTurn produces one reply through the bounded step loop.
func (a *ScenarioDrivenAgent) takeTurn(ctx context.Context) error {
	conversation, err := a.cl.GetConversation(ctx, a.conversationID, store.GetConversationOptions{
		IncludeTurns: true,
		IncludeTrace: true,
	})
	if err != nil {
		return err
	}

	turn, err := a.cl.StartTurn(ctx, client.StartTurnRequest{
		ConversationID: a.conversationID,
		AgentID:        a.cfg.ID,
	})
	if err != nil {
		return err
	}
	turnLog := a.log.WithTurnID(turn.ID)

	a.mu.Lock()
	recovering := a.maxStepsHit
	a.maxStepsHit = false
	a.mu.Unlock()
	if recovering {
		// Last reply died at the step limit; this one goes straight to a
		// message so the failure cannot repeat immediately.
		return a.directReply(ctx, conversation, turn)
	}

	var trace []*models.TraceEntry
	for step := 1; step <= a.maxSteps; step++ {
		prompt := a.prompts.Step(conversation, trace, a.maxSteps-step)
		raw, err := a.completions.Complete(ctx, prompt)
		if err != nil {
			return a.closeWithApology(ctx, turn, err)
		}
		response := parser.Parse(raw)

		if response.Scratchpad != "" {
			thought := &models.TraceEntry{Type: models.TraceThought, Content: response.Scratchpad}
			if err := a.cl.AddTraceEntry(ctx, a.conversationID, turn.ID, a.cfg.ID, thought); err != nil {
				return err
			}
			trace = append(trace, thought)
		}

		if response.ToolCall == nil {
			// No tool block: the scratchpad text is the message.
			content := response.Scratchpad
			if content == "" {
				content = raw
			}
			_, err := a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
				ConversationID: a.conversationID,
				TurnID:         turn.ID,
				AgentID:        a.cfg.ID,
				Content:        content,
			})
			return err
		}

		call := &models.TraceEntry{
			Type:       models.TraceToolCall,
			ToolCallID: fmt.Sprintf("%s-step-%d", turn.ID, step),
			ToolName:   response.ToolCall.Name,
			Parameters: response.ToolCall.Args,
		}
		if err := a.cl.AddTraceEntry(ctx, a.conversationID, turn.ID, a.cfg.ID, call); err != nil {
			return err
		}
		trace = append(trace, call)

		switch {
		case response.ToolCall.Name == models.SendMessageToolName:
			return a.sendMessage(ctx, turn, response.ToolCall, false)

		case models.IsTerminalTool(response.ToolCall.Name):
			return a.finalReply(ctx, conversation, turn, trace, response.ToolCall.Name)

		default:
			result := a.dispatchTool(ctx, turn, call, response.ToolCall)
			trace = append(trace, result)
		}
	}

	turnLog.Warn("Reply loop exhausted its step budget")
	a.mu.Lock()
	a.maxStepsHit = true
	a.mu.Unlock()
	_, err = a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        maxStepsMessage,
		Metadata:       map[string]interface{}{"maxStepsReached": true},
	})
	return err
}

// dispatchTool synthesises a result for a non-terminal, non-message tool and
// records it. Synthesis errors are contained in the trace.
func (a *ScenarioDrivenAgent) dispatchTool(ctx context.Context, turn *models.Turn, call *models.TraceEntry, toolCall *parser.ToolCall) *models.TraceEntry {
	spec := a.prompts.scenarioAgent.Tool(toolCall.Name)
	if spec == nil {
		spec = &models.ScenarioTool{Name: toolCall.Name}
	}

	result := &models.TraceEntry{
		Type:       models.TraceToolResult,
		ToolCallID: call.ToolCallID,
	}
	value, err := a.synth.SynthesizeToolResult(ctx, spec, toolCall.Args)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Result = value
	}
	if err := a.cl.AddTraceEntry(ctx, a.conversationID, turn.ID, a.cfg.ID, result); err != nil {
		a.log.WithTurnID(turn.ID).WithError(err).Error("Failed to record tool result")
	}
	return result
}

// sendMessage completes the turn with the message tool's text and resolves
// any attachments the call named.
func (a *ScenarioDrivenAgent) sendMessage(ctx context.Context, turn *models.Turn, call *parser.ToolCall, isFinal bool) error {
	text, _ := call.Args["text"].(string)
	attachments, err := a.resolveAttachments(ctx, call.Args)
	if err != nil {
		a.log.WithTurnID(turn.ID).WithError(err).Warn("Attachment synthesis failed; sending without attachments")
		attachments = nil
	}
	_, err = a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        text,
		IsFinalTurn:    isFinal,
		Attachments:    attachments,
	})
	return err
}

// resolveAttachments turns attachments_to_include entries into payloads.
// Object entries carry their own content; bare ids get synthesized documents.
func (a *ScenarioDrivenAgent) resolveAttachments(ctx context.Context, args map[string]interface{}) ([]models.AttachmentPayload, error) {
	raw, ok := args["attachments_to_include"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, nil
	}

	var payloads []models.AttachmentPayload
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			content, err := a.synth.SynthesizeToolResult(ctx, &models.ScenarioTool{
				Name:        "create_attachment",
				Description: fmt.Sprintf("Produce the full contents of the document %q referenced in this conversation.", v),
			}, map[string]interface{}{"docId": v})
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, models.AttachmentPayload{
				DocID:       v,
				Name:        v + ".md",
				ContentType: "text/markdown",
				Content:     content,
			})
		case map[string]interface{}:
			payload := models.AttachmentPayload{}
			payload.DocID, _ = v["doc_id"].(string)
			payload.Name, _ = v["name"].(string)
			payload.ContentType, _ = v["content_type"].(string)
			payload.Content, _ = v["content"].(string)
			payload.Summary, _ = v["summary"].(string)
			if payload.ContentType == "" {
				payload.ContentType = "text/plain"
			}
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}

// finalReply runs the closing prompt pass after a terminal tool and seals the
// turn as final.
func (a *ScenarioDrivenAgent) finalReply(ctx context.Context, conversation *models.Conversation, turn *models.Turn, trace []*models.TraceEntry, terminalTool string) error {
	prompt := a.prompts.Final(conversation, trace, terminalTool)
	content := ""
	raw, err := a.completions.Complete(ctx, prompt)
	if err != nil {
		// The terminal outcome already happened; close out politely.
		a.log.WithTurnID(turn.ID).WithError(err).Warn("Final message pass failed")
		content = apologyMessage
	} else {
		response := parser.Parse(raw)
		if response.Scratchpad != "" {
			thought := &models.TraceEntry{Type: models.TraceThought, Content: response.Scratchpad}
			if err := a.cl.AddTraceEntry(ctx, a.conversationID, turn.ID, a.cfg.ID, thought); err != nil {
				return err
			}
		}
		if response.ToolCall != nil && response.ToolCall.Name == models.SendMessageToolName {
			return a.sendMessage(ctx, turn, response.ToolCall, true)
		}
		content = response.Scratchpad
		if content == "" {
			content = raw
		}
	}
	_, err = a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        content,
		IsFinalTurn:    true,
	})
	return err
}

// directReply is the post-max-steps recovery pass: one prompt, one message.
func (a *ScenarioDrivenAgent) directReply(ctx context.Context, conversation *models.Conversation, turn *models.Turn) error {
	raw, err := a.completions.Complete(ctx, a.prompts.Direct(conversation))
	if err != nil {
		return a.closeWithApology(ctx, turn, err)
	}
	response := parser.Parse(raw)
	content := response.Scratchpad
	if response.ToolCall != nil {
		if text, ok := response.ToolCall.Args["text"].(string); ok {
			content = text
		}
	}
	if content == "" {
		content = raw
	}
	_, err = a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        content,
	})
	return err
}

// closeWithApology contains a policy failure: the error becomes a thought,
// the turn closes politely, and the conversation continues.
func (a *ScenarioDrivenAgent) closeWithApology(ctx context.Context, turn *models.Turn, cause error) error {
	a.log.WithTurnID(turn.ID).WithError(cause).Error("Completion request failed",
		zap.String("recovery", "apology turn"))
	thought := &models.TraceEntry{
		Type:    models.TraceThought,
		Content: fmt.Sprintf("LLM request failed: %v", cause),
	}
	if err := a.cl.AddTraceEntry(ctx, a.conversationID, turn.ID, a.cfg.ID, thought); err != nil {
		a.log.WithTurnID(turn.ID).WithError(err).Error("Failed to record failure thought")
	}
	_, err := a.cl.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        apologyMessage,
	})
	return err
}
