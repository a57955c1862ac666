// Package models defines the conversation domain model: conversations, agent
// configs, turns, trace entries, attachments, user queries, agent tokens, and
// scenarios.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConversationStatus represents the lifecycle state of a conversation.
// Transitions are monotonic: created -> active -> completed.
type ConversationStatus string

const (
	ConversationCreated   ConversationStatus = "created"
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
)

// StrategyType selects how an agent's turns are produced.
type StrategyType string

const (
	// StrategyScenarioDriven runs the LLM-backed scenario step loop in-process.
	StrategyScenarioDriven StrategyType = "scenario_driven"
	// StrategySequentialScript replies from a fixed sequence of messages.
	StrategySequentialScript StrategyType = "sequential_script"
	// StrategyStaticReplay replays a prerecorded transcript.
	StrategyStaticReplay StrategyType = "static_replay"
	// StrategyBridgeAsServer bridges an external counterparty that connects
	// to this process's tool surface.
	StrategyBridgeAsServer StrategyType = "bridge_to_external_counterparty_as_server"
	// StrategyBridgeAsClient bridges an external counterparty this process
	// dials out to.
	StrategyBridgeAsClient StrategyType = "bridge_to_external_counterparty_as_client"
)

// IsServerManaged reports whether the strategy is instantiated and driven
// in-process. Bridge strategies are externally managed; the orchestrator
// still tracks their turns.
func (s StrategyType) IsServerManaged() bool {
	switch s {
	case StrategyScenarioDriven, StrategySequentialScript, StrategyStaticReplay:
		return true
	}
	return false
}

// IsBridge reports whether the strategy represents an external counterparty.
func (s StrategyType) IsBridge() bool {
	return s == StrategyBridgeAsServer || s == StrategyBridgeAsClient
}

// Valid reports whether the strategy type is one of the known strategies.
func (s StrategyType) Valid() bool {
	return s.IsServerManaged() || s.IsBridge()
}

// AgentConfig describes one participant of a conversation.
type AgentConfig struct {
	ID                     string                 `json:"id"`
	StrategyType           StrategyType           `json:"strategy_type"`
	ScenarioID             string                 `json:"scenario_id,omitempty"`
	ScenarioVersion        string                 `json:"scenario_version,omitempty"`
	ShouldInitiate         bool                   `json:"should_initiate,omitempty"`
	AdditionalInstructions string                 `json:"additional_instructions,omitempty"`
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
}

// Conversation is a finite, ordered sequence of turns produced by its agents.
type Conversation struct {
	ID        string                 `json:"id"`
	Status    ConversationStatus     `json:"status"`
	Agents    []AgentConfig          `json:"agents"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Turns     []*Turn                `json:"turns,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Agent returns the config for the given agent id, or nil.
func (c *Conversation) Agent(agentID string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ID == agentID {
			return &c.Agents[i]
		}
	}
	return nil
}

// InitiatingAgent returns the agent marked shouldInitiate, or nil.
func (c *Conversation) InitiatingAgent() *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ShouldInitiate {
			return &c.Agents[i]
		}
	}
	return nil
}

// AllAgentsExternal reports whether no agent is server-managed.
func (c *Conversation) AllAgentsExternal() bool {
	for i := range c.Agents {
		if c.Agents[i].StrategyType.IsServerManaged() {
			return false
		}
	}
	return true
}

// TurnStatus represents the lifecycle state of a turn.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "in_progress"
	TurnCompleted  TurnStatus = "completed"
	TurnCancelled  TurnStatus = "cancelled"
)

// Turn is one agent's contribution to a conversation. While in_progress its
// trace may grow; completion seals both content and trace.
type Turn struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	AgentID        string                 `json:"agent_id"`
	Status         TurnStatus             `json:"status"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IsFinalTurn    bool                   `json:"is_final_turn"`
	Trace          []*TraceEntry          `json:"trace,omitempty"`
	AttachmentIDs  []string               `json:"attachments,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Shell returns a copy of the turn without its trace. Used for trace_added
// events, which carry the single new entry instead of the full trace.
func (t *Turn) Shell() *Turn {
	shell := *t
	shell.Trace = nil
	return &shell
}

// TraceEntryType discriminates the trace entry variants.
type TraceEntryType string

const (
	TraceThought    TraceEntryType = "thought"
	TraceToolCall   TraceEntryType = "tool_call"
	TraceToolResult TraceEntryType = "tool_result"
)

// AttachmentCreationToolCallID is the synthetic toolCallId used for the
// tool_result trace entry recorded when completeTurn persists an embedded
// attachment payload.
const AttachmentCreationToolCallID = "attachment_creation"

// TraceEntry is a tagged variant: exactly the fields for its Type are set.
//
//	thought:     Content
//	tool_call:   ToolCallID, ToolName, Parameters
//	tool_result: ToolCallID, Result or Error
type TraceEntry struct {
	ID         string                 `json:"id"`
	TurnID     string                 `json:"turn_id"`
	AgentID    string                 `json:"agent_id"`
	Type       TraceEntryType         `json:"type"`
	Content    string                 `json:"content,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Validate checks the variant invariant: the fields present must match Type.
func (e *TraceEntry) Validate() error {
	switch e.Type {
	case TraceThought:
		if e.Content == "" {
			return fmt.Errorf("thought entry requires content")
		}
	case TraceToolCall:
		if e.ToolCallID == "" || e.ToolName == "" {
			return fmt.Errorf("tool_call entry requires tool_call_id and tool_name")
		}
	case TraceToolResult:
		if e.ToolCallID == "" {
			return fmt.Errorf("tool_result entry requires tool_call_id")
		}
		if e.Result == nil && e.Error == "" {
			return fmt.Errorf("tool_result entry requires result or error")
		}
	default:
		return fmt.Errorf("unknown trace entry type: %q", e.Type)
	}
	return nil
}

// Attachment is a document created alongside a completed turn. Its lifetime
// is the conversation's.
type Attachment struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	TurnID           string    `json:"turn_id"`
	DocID            string    `json:"doc_id,omitempty"`
	Name             string    `json:"name"`
	ContentType      string    `json:"content_type"`
	Content          string    `json:"content"`
	Summary          string    `json:"summary,omitempty"`
	CreatedByAgentID string    `json:"created_by_agent_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// AttachmentPayload is the embedded attachment form accepted by completeTurn.
// The store assigns the id and links it to the turn atomically with sealing.
type AttachmentPayload struct {
	DocID       string `json:"doc_id,omitempty"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Summary     string `json:"summary,omitempty"`
}

// UserQueryStatus represents the lifecycle of a user query.
type UserQueryStatus string

const (
	UserQueryPending  UserQueryStatus = "pending"
	UserQueryAnswered UserQueryStatus = "answered"
	UserQueryExpired  UserQueryStatus = "expired"
)

// UserQuery is a question an agent asked a human during a conversation.
type UserQuery struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	AgentID        string          `json:"agent_id"`
	Question       string          `json:"question"`
	Context        string          `json:"context,omitempty"`
	Status         UserQueryStatus `json:"status"`
	Response       string          `json:"response,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AgentToken binds an opaque bearer token to one (conversation, agent) pair.
type AgentToken struct {
	Token          string    `json:"token"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the token is past its expiry.
func (t *AgentToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Scenario describes the external collaborator's authored scenario data.
// Read-only to the core.
type Scenario struct {
	ID      string          `json:"id" yaml:"id"`
	Version string          `json:"version" yaml:"version"`
	Agents  []ScenarioAgent `json:"agents" yaml:"agents"`
}

// AgentByID returns the role with the given agent id, or nil.
func (s *Scenario) AgentByID(id string) *ScenarioAgent {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			return &s.Agents[i]
		}
	}
	return nil
}

// ScenarioAgent is one role within a scenario.
type ScenarioAgent struct {
	ID           string         `json:"id" yaml:"id"`
	Role         string         `json:"role,omitempty" yaml:"role,omitempty"`
	Principal    string         `json:"principal,omitempty" yaml:"principal,omitempty"`
	SystemPrompt string         `json:"system_prompt" yaml:"system_prompt"`
	Goals        []string       `json:"goals,omitempty" yaml:"goals,omitempty"`
	Tools        []ScenarioTool `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Tool returns the tool spec with the given name, or nil.
func (a *ScenarioAgent) Tool(name string) *ScenarioTool {
	for i := range a.Tools {
		if a.Tools[i].Name == name {
			return &a.Tools[i]
		}
	}
	return nil
}

// ScenarioTool is a tool an agent may call during its turns. Synthesis
// guidance steers fabricated results for non-terminal tools.
type ScenarioTool struct {
	Name              string `json:"name" yaml:"name"`
	Description       string `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema       string `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	SynthesisGuidance string `json:"synthesis_guidance,omitempty" yaml:"synthesis_guidance,omitempty"`
}

// TerminalToolSuffixes are the tool-name suffixes that end a conversation.
// A call to such a tool makes the agent's next message its final turn.
var TerminalToolSuffixes = []string{"Success", "Approval", "Failure", "Denial", "NoSlots"}

// IsTerminalTool reports whether a tool name carries a terminal suffix.
func IsTerminalTool(name string) bool {
	for _, suffix := range TerminalToolSuffixes {
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// SendMessageToolName is the tool whose invocation carries the agent's
// user-visible reply for the turn.
const SendMessageToolName = "send_message_to_agent_conversation"

// MarshalMetadata serializes a metadata map for storage, defaulting to "{}".
func MarshalMetadata(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return string(raw), nil
}

// UnmarshalMetadata deserializes stored metadata, treating "" and "{}" as nil.
func UnmarshalMetadata(raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
	}
	return metadata, nil
}
