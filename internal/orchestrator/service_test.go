package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/orchestrator/client"
	"github.com/parleyhq/parley/internal/token"
)

// fakeAgent records lifecycle calls without doing any work.
type fakeAgent struct {
	mu            sync.Mutex
	initialized   bool
	token         string
	initiatedWith *string
	closed        bool
}

func (a *fakeAgent) Initialize(ctx context.Context, agentToken string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = true
	a.token = agentToken
	return nil
}

func (a *fakeAgent) InitializeConversation(ctx context.Context, additionalInstructions string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initiatedWith = &additionalInstructions
	return nil
}

func (a *fakeAgent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

type fakeFactory struct {
	mu     sync.Mutex
	agents map[string]*fakeAgent // keyed by conversationID+"/"+agentID
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{agents: make(map[string]*fakeAgent)}
}

func (f *fakeFactory) NewAgent(conversationID string, cfg models.AgentConfig, cl client.Client) (Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent := &fakeAgent{}
	f.agents[conversationID+"/"+cfg.ID] = agent
	return agent, nil
}

func (f *fakeFactory) get(conversationID, agentID string) *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[conversationID+"/"+agentID]
}

type testHarness struct {
	service *Service
	store   *store.MemoryStore
	bus     *bus.MemoryEventBus
	tokens  *token.Registry
	factory *fakeFactory
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := logger.Default()
	memStore := store.NewMemoryStore()
	memBus := bus.NewMemoryEventBus(log)
	registry := token.NewRegistry(memStore, time.Hour, log)
	factory := newFakeFactory()
	service := NewService(memStore, memBus, registry, factory, DefaultConfig(), log)
	t.Cleanup(func() { memBus.Close() })
	return &testHarness{service: service, store: memStore, bus: memBus, tokens: registry, factory: factory}
}

func serverManagedPair() []models.AgentConfig {
	return []models.AgentConfig{
		{ID: "patient", StrategyType: models.StrategyScenarioDriven, ScenarioID: "mri", ScenarioVersion: "v1", ShouldInitiate: true},
		{ID: "supplier", StrategyType: models.StrategyScenarioDriven, ScenarioID: "mri", ScenarioVersion: "v1"},
	}
}

func externalPair() []models.AgentConfig {
	return []models.AgentConfig{
		{ID: "caller", StrategyType: models.StrategyBridgeAsServer},
		{ID: "callee", StrategyType: models.StrategyBridgeAsClient},
	}
}

func TestService_CreateConversationValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		agents []models.AgentConfig
	}{
		{"no agents", nil},
		{"duplicate ids", []models.AgentConfig{
			{ID: "a", StrategyType: models.StrategyScenarioDriven},
			{ID: "a", StrategyType: models.StrategyScenarioDriven},
		}},
		{"two initiators", []models.AgentConfig{
			{ID: "a", StrategyType: models.StrategyScenarioDriven, ShouldInitiate: true},
			{ID: "b", StrategyType: models.StrategyScenarioDriven, ShouldInitiate: true},
		}},
		{"unknown strategy", []models.AgentConfig{
			{ID: "a", StrategyType: "teleportation"},
		}},
		{"empty agent id", []models.AgentConfig{
			{ID: "", StrategyType: models.StrategyScenarioDriven},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: tc.agents})
			if err == nil {
				t.Fatal("expected error")
			}
			if KindOf(err) != KindInvalidRequest {
				t.Errorf("expected invalid_request, got %s", KindOf(err))
			}
		})
	}
}

func TestService_CreateConversationRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: serverManagedPair()})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.Conversation.Status != models.ConversationCreated {
		t.Errorf("expected status created, got %s", result.Conversation.Status)
	}
	if len(result.AgentTokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(result.AgentTokens))
	}

	// Tokens resolve to their (conversation, agent) binding.
	for agentID, value := range result.AgentTokens {
		record, err := h.tokens.Validate(ctx, value)
		if err != nil {
			t.Fatalf("token for %s invalid: %v", agentID, err)
		}
		if record.ConversationID != result.Conversation.ID || record.AgentID != agentID {
			t.Errorf("token bound to wrong identity: %+v", record)
		}
	}

	got, err := h.service.GetConversation(ctx, result.Conversation.ID, store.GetConversationOptions{})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got.Agents) != 2 || got.Status != models.ConversationCreated {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// No agents started yet.
	if h.factory.get(result.Conversation.ID, "patient") != nil {
		t.Error("expected no agent instantiated before start")
	}
}

func TestService_StartConversationProvisionsAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var order []string
	_, _ = h.service.SubscribeToConversation(events.AllConversations, func(ctx context.Context, e *bus.Event) error {
		order = append(order, e.Type)
		return nil
	}, nil)

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: serverManagedPair()})
	convID := result.Conversation.ID

	if err := h.service.StartConversation(ctx, convID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	got, _ := h.service.GetConversation(ctx, convID, store.GetConversationOptions{})
	if got.Status != models.ConversationActive {
		t.Errorf("expected active, got %s", got.Status)
	}

	patient := h.factory.get(convID, "patient")
	supplier := h.factory.get(convID, "supplier")
	if patient == nil || !patient.initialized {
		t.Fatal("expected patient agent provisioned")
	}
	if supplier == nil || !supplier.initialized {
		t.Fatal("expected supplier agent provisioned")
	}
	if patient.token == "" || patient.token != result.AgentTokens["patient"] {
		t.Error("agent initialized with wrong token")
	}
	if patient.initiatedWith == nil {
		t.Error("expected initiator's InitializeConversation to run")
	}
	if supplier.initiatedWith != nil {
		t.Error("non-initiator must not be asked to open the conversation")
	}

	if len(order) < 2 || order[0] != events.ConversationCreated || order[1] != events.ConversationReady {
		t.Errorf("expected created then ready, got %v", order)
	}

	// Starting twice conflicts.
	if err := h.service.StartConversation(ctx, convID, nil); KindOf(err) != KindConflict {
		t.Errorf("expected conflict on double start, got %v", err)
	}
}

func TestService_StartConversationAllExternalRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	err := h.service.StartConversation(ctx, result.Conversation.ID, nil)
	if KindOf(err) != KindInvalidRequest {
		t.Errorf("expected invalid_request, got %v", err)
	}
}

func TestService_FirstTurnActivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	convID := result.Conversation.ID

	turn, err := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"})
	if err != nil {
		t.Fatalf("start turn failed: %v", err)
	}
	if turn.Status != models.TurnInProgress {
		t.Errorf("expected in_progress, got %s", turn.Status)
	}

	got, _ := h.service.GetConversation(ctx, convID, store.GetConversationOptions{})
	if got.Status != models.ConversationActive {
		t.Errorf("expected first turn to activate conversation, got %s", got.Status)
	}
}

func TestService_TurnLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var eventOrder []string
	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	convID := result.Conversation.ID
	_, _ = h.service.SubscribeToConversation(convID, func(ctx context.Context, e *bus.Event) error {
		eventOrder = append(eventOrder, e.Type)
		return nil
	}, nil)

	turn, err := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"})
	if err != nil {
		t.Fatalf("start turn failed: %v", err)
	}

	// Second open turn for the same agent conflicts.
	if _, err := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"}); KindOf(err) != KindConflict {
		t.Errorf("expected conflict, got %v", err)
	}

	entry := &models.TraceEntry{Type: models.TraceThought, Content: "let me think"}
	if err := h.service.AddTraceEntry(ctx, convID, turn.ID, "caller", entry); err != nil {
		t.Fatalf("add trace failed: %v", err)
	}
	if entry.ID == "" || entry.Timestamp.IsZero() {
		t.Error("expected entry stamped with id and timestamp")
	}

	sealed, err := h.service.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: convID, TurnID: turn.ID, AgentID: "caller", Content: "hello there",
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if sealed.Status != models.TurnCompleted || sealed.Content != "hello there" {
		t.Errorf("unexpected sealed turn: %+v", sealed)
	}
	if len(sealed.Trace) != 1 {
		t.Errorf("expected sealed turn to carry its trace, got %d entries", len(sealed.Trace))
	}

	// Sealed turns reject trace appends and double completion.
	err = h.service.AddTraceEntry(ctx, convID, turn.ID, "caller", &models.TraceEntry{Type: models.TraceThought, Content: "late"})
	if KindOf(err) != KindTurnNotFound {
		t.Errorf("expected turn_not_found, got %v", err)
	}
	_, err = h.service.CompleteTurn(ctx, client.CompleteTurnRequest{ConversationID: convID, TurnID: turn.ID, AgentID: "caller", Content: "again"})
	if KindOf(err) != KindTurnNotFound {
		t.Errorf("expected turn_not_found on double completion, got %v", err)
	}

	want := []string{events.TurnStarted, events.TraceAdded, events.AgentThinking, events.TurnCompleted}
	if len(eventOrder) != len(want) {
		t.Fatalf("expected %v, got %v", want, eventOrder)
	}
	for i := range want {
		if eventOrder[i] != want[i] {
			t.Fatalf("event order mismatch at %d: expected %v, got %v", i, want, eventOrder)
		}
	}
}

func TestService_ToolCallEmitsToolExecuting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	convID := result.Conversation.ID

	var executing []*bus.Event
	_, _ = h.service.SubscribeToConversation(convID, func(ctx context.Context, e *bus.Event) error {
		executing = append(executing, e)
		return nil
	}, &client.SubscribeOptions{EventTypes: []string{events.ToolExecuting}})

	turn, _ := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"})
	_ = h.service.AddTraceEntry(ctx, convID, turn.ID, "caller", &models.TraceEntry{
		Type:       models.TraceToolCall,
		ToolCallID: "tc1",
		ToolName:   "lookupPolicy",
		Parameters: map[string]interface{}{"policy": "P-1"},
	})

	if len(executing) != 1 {
		t.Fatalf("expected 1 tool_executing event, got %d", len(executing))
	}
	if executing[0].Data["toolName"] != "lookupPolicy" {
		t.Errorf("unexpected payload: %v", executing[0].Data)
	}
}

func TestService_CompleteTurnWithAttachments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	convID := result.Conversation.ID

	var completed []*bus.Event
	var traceAdded []*bus.Event
	_, _ = h.service.SubscribeToConversation(convID, func(ctx context.Context, e *bus.Event) error {
		switch e.Type {
		case events.TurnCompleted:
			completed = append(completed, e)
		case events.TraceAdded:
			traceAdded = append(traceAdded, e)
		}
		return nil
	}, nil)

	turn, _ := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"})
	sealed, err := h.service.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: convID,
		TurnID:         turn.ID,
		AgentID:        "caller",
		Content:        "see attached policy",
		Attachments: []models.AttachmentPayload{{
			Name:        "policy.md",
			ContentType: "text/markdown",
			Content:     "# Policy\n- A\n- B\n",
		}},
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if len(completed) != 1 {
		t.Fatalf("expected exactly one turn_completed, got %d", len(completed))
	}
	if len(sealed.AttachmentIDs) != 1 {
		t.Fatalf("expected 1 attachment link, got %d", len(sealed.AttachmentIDs))
	}

	attachment, err := h.service.GetAttachment(ctx, sealed.AttachmentIDs[0])
	if err != nil {
		t.Fatalf("get attachment failed: %v", err)
	}
	if attachment.Content != "# Policy\n- A\n- B\n" {
		t.Errorf("attachment content mismatch: %q", attachment.Content)
	}
	if attachment.CreatedByAgentID != "caller" {
		t.Errorf("expected creator caller, got %s", attachment.CreatedByAgentID)
	}

	foundCreation := false
	for _, e := range traceAdded {
		if entry, ok := e.Data["entry"].(*models.TraceEntry); ok {
			if entry.ToolCallID == models.AttachmentCreationToolCallID {
				foundCreation = true
			}
		}
	}
	if !foundCreation {
		t.Error("expected a trace_added event with the attachment_creation tool result")
	}
}

func TestService_FinalTurnEndsConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	convID := result.Conversation.ID

	var ended int
	_, _ = h.service.SubscribeToConversation(convID, func(ctx context.Context, e *bus.Event) error {
		ended++
		return nil
	}, &client.SubscribeOptions{EventTypes: []string{events.ConversationEnded}})

	turn, _ := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"})
	_, err := h.service.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: convID, TurnID: turn.ID, AgentID: "caller", Content: "goodbye", IsFinalTurn: true,
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, _ := h.service.GetConversation(ctx, convID, store.GetConversationOptions{})
	if got.Status != models.ConversationCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if ended != 1 {
		t.Errorf("expected 1 conversation_ended, got %d", ended)
	}

	// Tokens are revoked with the conversation.
	if _, err := h.tokens.Validate(ctx, result.AgentTokens["caller"]); err == nil {
		t.Error("expected token revoked after conversation end")
	}

	// Completed conversations accept no further turns.
	_, err = h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "callee"})
	if KindOf(err) != KindConflict {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestService_CancelTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	convID := result.Conversation.ID

	var cancelled []*bus.Event
	_, _ = h.service.SubscribeToConversation(convID, func(ctx context.Context, e *bus.Event) error {
		cancelled = append(cancelled, e)
		return nil
	}, &client.SubscribeOptions{EventTypes: []string{events.TurnCancelled}})

	turn, _ := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"})
	if err := h.service.CancelTurn(ctx, turn.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if len(cancelled) != 1 {
		t.Fatalf("expected 1 turn_cancelled, got %d", len(cancelled))
	}
	if cancelled[0].Data["turnId"] != turn.ID || cancelled[0].Data["agentId"] != "caller" {
		t.Errorf("unexpected payload: %v", cancelled[0].Data)
	}

	// The slot is free again.
	if _, err := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"}); err != nil {
		t.Errorf("expected new turn after cancel, got %v", err)
	}
}

func TestService_SubscriptionAgentFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	convID := result.Conversation.ID

	var fromCallee []string
	_, _ = h.service.SubscribeToConversation(convID, func(ctx context.Context, e *bus.Event) error {
		fromCallee = append(fromCallee, e.Type)
		return nil
	}, &client.SubscribeOptions{
		EventTypes: []string{events.TurnCompleted},
		AgentIDs:   []string{"callee"},
	})

	callerTurn, _ := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "caller"})
	_, _ = h.service.CompleteTurn(ctx, client.CompleteTurnRequest{ConversationID: convID, TurnID: callerTurn.ID, AgentID: "caller", Content: "hi"})

	calleeTurn, _ := h.service.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "callee"})
	_, _ = h.service.CompleteTurn(ctx, client.CompleteTurnRequest{ConversationID: convID, TurnID: calleeTurn.ID, AgentID: "callee", Content: "hello"})

	if len(fromCallee) != 1 {
		t.Fatalf("expected only callee's turn_completed, got %d events", len(fromCallee))
	}
}

func TestService_UserQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	convID := result.Conversation.ID

	var answered []*bus.Event
	_, _ = h.service.SubscribeToConversation(convID, func(ctx context.Context, e *bus.Event) error {
		answered = append(answered, e)
		return nil
	}, &client.SubscribeOptions{EventTypes: []string{events.UserQueryAnswered}})

	queryID, err := h.service.CreateUserQuery(ctx, client.CreateUserQueryRequest{
		ConversationID: convID, AgentID: "caller", Question: "Which plan?", Context: "two plans matched",
	})
	if err != nil {
		t.Fatalf("create query failed: %v", err)
	}

	if err := h.service.RespondToUserQuery(ctx, queryID, "the premium one"); err != nil {
		t.Fatalf("respond failed: %v", err)
	}

	response, err := h.service.AwaitUserQueryResponse(ctx, queryID)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if response != "the premium one" {
		t.Errorf("unexpected response: %q", response)
	}

	// A query is consumed at most once.
	if err := h.service.RespondToUserQuery(ctx, queryID, "other"); KindOf(err) != KindConflict {
		t.Errorf("expected conflict on second response, got %v", err)
	}

	if len(answered) != 1 {
		t.Fatalf("expected 1 user_query_answered, got %d", len(answered))
	}
	if answered[0].Data["context"] != "two plans matched" {
		t.Errorf("expected query context in event, got %v", answered[0].Data)
	}

	status, err := h.service.GetUserQueryStatus(ctx, queryID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != models.UserQueryAnswered {
		t.Errorf("expected answered, got %s", status.Status)
	}
}

func TestService_UserQueryExpiry(t *testing.T) {
	log := logger.Default()
	memStore := store.NewMemoryStore()
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()
	registry := token.NewRegistry(memStore, time.Hour, log)
	cfg := DefaultConfig()
	cfg.UserQueryTimeout = 30 * time.Millisecond
	service := NewService(memStore, memBus, registry, newFakeFactory(), cfg, log)
	ctx := context.Background()

	result, _ := service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	queryID, _ := service.CreateUserQuery(ctx, client.CreateUserQueryRequest{
		ConversationID: result.Conversation.ID, AgentID: "caller", Question: "anyone there?",
	})

	_, err := service.AwaitUserQueryResponse(ctx, queryID)
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	status, _ := service.GetUserQueryStatus(ctx, queryID)
	if status.Status != models.UserQueryExpired {
		t.Errorf("expected expired, got %s", status.Status)
	}
	if err := service.RespondToUserQuery(ctx, queryID, "late"); KindOf(err) != KindConflict {
		t.Errorf("expected conflict on expired query, got %v", err)
	}
}

func TestService_RehydrationAfterRestart(t *testing.T) {
	log := logger.Default()
	memStore := store.NewMemoryStore()
	firstBus := bus.NewMemoryEventBus(log)
	registry := token.NewRegistry(memStore, time.Hour, log)
	factory := newFakeFactory()
	first := NewService(memStore, firstBus, registry, factory, DefaultConfig(), log)
	ctx := context.Background()

	result, err := first.CreateConversation(ctx, CreateConversationRequest{Agents: serverManagedPair()})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	convID := result.Conversation.ID
	if err := first.StartConversation(ctx, convID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	turn, err := first.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "patient"})
	if err != nil {
		t.Fatalf("start turn failed: %v", err)
	}
	if _, err := first.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: convID, TurnID: turn.ID, AgentID: "patient", Content: "Hello",
	}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	first.Close(ctx)
	firstBus.Close()

	// A fresh process over the same store.
	secondBus := bus.NewMemoryEventBus(log)
	defer secondBus.Close()
	secondFactory := newFakeFactory()
	second := NewService(memStore, secondBus, token.NewRegistry(memStore, time.Hour, log), secondFactory, DefaultConfig(), log)

	var rehydrated []*bus.Event
	_, _ = second.SubscribeToConversation(convID, func(ctx context.Context, e *bus.Event) error {
		if e.Type == events.Rehydrated {
			rehydrated = append(rehydrated, e)
		}
		return nil
	}, nil)

	instance, err := second.EnsureAgentInstance(ctx, convID, "patient")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if instance == nil {
		t.Fatal("expected live agent instance")
	}
	if secondFactory.get(convID, "supplier") == nil {
		t.Error("expected all server-managed agents re-instantiated")
	}

	if len(rehydrated) != 1 {
		t.Fatalf("expected 1 rehydrated event, got %d", len(rehydrated))
	}
	snapshot, ok := rehydrated[0].Data["conversation"].(*models.Conversation)
	if !ok {
		t.Fatal("expected conversation snapshot in rehydrated event")
	}
	if len(snapshot.Turns) != 1 || snapshot.Turns[0].Content != "Hello" {
		t.Errorf("expected snapshot to carry the completed turn, got %+v", snapshot.Turns)
	}

	// Subsequent turns proceed normally.
	next, err := second.StartTurn(ctx, client.StartTurnRequest{ConversationID: convID, AgentID: "supplier"})
	if err != nil {
		t.Fatalf("post-rehydration turn failed: %v", err)
	}
	if _, err := second.CompleteTurn(ctx, client.CompleteTurnRequest{
		ConversationID: convID, TurnID: next.ID, AgentID: "supplier", Content: "Hi back",
	}); err != nil {
		t.Fatalf("post-rehydration completion failed: %v", err)
	}
}

func TestService_EnsureAgentInstanceExternalRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.service.CreateConversation(ctx, CreateConversationRequest{Agents: externalPair()})
	_, err := h.service.EnsureAgentInstance(ctx, result.Conversation.ID, "caller")
	if KindOf(err) != KindInvalidRequest {
		t.Errorf("expected invalid_request for external agent, got %v", err)
	}
}

func TestService_StartResurrection(t *testing.T) {
	log := logger.Default()
	memStore := store.NewMemoryStore()
	firstBus := bus.NewMemoryEventBus(log)
	registry := token.NewRegistry(memStore, time.Hour, log)
	first := NewService(memStore, firstBus, registry, newFakeFactory(), DefaultConfig(), log)
	ctx := context.Background()

	result, _ := first.CreateConversation(ctx, CreateConversationRequest{Agents: serverManagedPair()})
	convID := result.Conversation.ID
	_ = first.StartConversation(ctx, convID, nil)
	first.Close(ctx)
	firstBus.Close()

	secondBus := bus.NewMemoryEventBus(log)
	defer secondBus.Close()
	factory := newFakeFactory()
	second := NewService(memStore, secondBus, token.NewRegistry(memStore, time.Hour, log), factory, DefaultConfig(), log)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if factory.get(convID, "patient") == nil {
		t.Error("expected resurrected conversation to reprovision its agents")
	}
}
