// Package orchestrator coordinates multi-party agent conversations. It owns
// the conversation/turn state machine, the in-memory projection of active
// conversations, agent provisioning and rehydration, and event publication.
//
// The orchestrator is the process-wide singleton; everything else reaches it
// through the narrow client interface or the transport adapters.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/orchestrator/client"
	"github.com/parleyhq/parley/internal/token"
)

// Agent is the lifecycle surface the orchestrator drives for a server-managed
// agent. Implementations subscribe themselves to conversation events during
// Initialize and react from there on.
type Agent interface {
	Initialize(ctx context.Context, agentToken string) error
	InitializeConversation(ctx context.Context, additionalInstructions string) error
	Close()
}

// AgentFactory builds a server-managed agent for one conversation slot.
type AgentFactory interface {
	NewAgent(conversationID string, cfg models.AgentConfig, cl client.Client) (Agent, error)
}

// Config holds the orchestrator's runtime knobs.
type Config struct {
	// UserQueryTimeout bounds how long a pending user query stays answerable.
	UserQueryTimeout time.Duration
	// ResurrectionLookback is the activity window used at startup to decide
	// which active conversations to rehydrate versus close out.
	ResurrectionLookback time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		UserQueryTimeout:     300 * time.Second,
		ResurrectionLookback: 24 * time.Hour,
	}
}

// conversationState is the in-memory projection of one resident conversation.
// All fields are guarded by Service.mu.
type conversationState struct {
	conversation    *models.Conversation
	agents          map[string]Agent
	inProgressTurns map[string]*models.Turn
}

// Service is the orchestrator.
type Service struct {
	store   store.Store
	bus     bus.EventBus
	tokens  *token.Registry
	factory AgentFactory
	cfg     Config
	log     *logger.Logger

	mu     sync.Mutex
	active map[string]*conversationState
	closed bool

	queries *queryRegistry
}

var _ client.Client = (*Service)(nil)

// NewService creates the orchestrator.
func NewService(s store.Store, eventBus bus.EventBus, tokens *token.Registry, factory AgentFactory, cfg Config, log *logger.Logger) *Service {
	if cfg.UserQueryTimeout <= 0 {
		cfg.UserQueryTimeout = DefaultConfig().UserQueryTimeout
	}
	if cfg.ResurrectionLookback <= 0 {
		cfg.ResurrectionLookback = DefaultConfig().ResurrectionLookback
	}
	return &Service{
		store:   s,
		bus:     eventBus,
		tokens:  tokens,
		factory: factory,
		cfg:     cfg,
		log:     log,
		active:  make(map[string]*conversationState),
		queries: newQueryRegistry(),
	}
}

// Start performs startup resurrection: stale active conversations are closed
// out, recently active ones are rehydrated so their agents resume listening.
func (s *Service) Start(ctx context.Context) error {
	closed, err := s.store.MarkStaleConversationsInactive(ctx, s.cfg.ResurrectionLookback)
	if err != nil {
		return WrapError(KindInternal, err, "failed to mark stale conversations")
	}
	if closed > 0 {
		s.log.Info("Closed stale conversations", zap.Int("count", closed))
	}

	recent, err := s.store.GetActiveConversationsWithRecentActivity(ctx, s.cfg.ResurrectionLookback)
	if err != nil {
		return WrapError(KindInternal, err, "failed to list resurrectable conversations")
	}
	for _, conversation := range recent {
		if _, err := s.rehydrate(ctx, conversation.ID); err != nil {
			s.log.WithConversationID(conversation.ID).WithError(err).Error("Resurrection failed")
			continue
		}
		s.log.WithConversationID(conversation.ID).Info("Resurrected conversation")
	}

	s.tokens.StartSweeper(ctx, time.Hour)
	return nil
}

// Close broadcasts conversation_ended to every resident conversation and
// drops in-memory state. Conversations stay active in the store so the next
// process can resurrect them.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	states := make(map[string]*conversationState, len(s.active))
	for id, state := range s.active {
		states[id] = state
	}
	s.active = make(map[string]*conversationState)
	s.mu.Unlock()

	for id, state := range states {
		s.emit(ctx, events.ConversationEnded, id, map[string]interface{}{
			"conversationId": id,
			"reason":         "shutdown",
		})
		for _, agent := range state.agents {
			agent.Close()
		}
	}
}

// CreateConversationRequest creates a new conversation.
type CreateConversationRequest struct {
	Agents   []models.AgentConfig
	Metadata map[string]interface{}
}

// CreateConversationResult carries the persisted conversation and one bearer
// token per agent, keyed by agent id.
type CreateConversationResult struct {
	Conversation *models.Conversation
	AgentTokens  map[string]string
}

// CreateConversation validates and persists a conversation in status created,
// mints agent tokens, and initialises in-memory state without starting any
// agent.
func (s *Service) CreateConversation(ctx context.Context, req CreateConversationRequest) (*CreateConversationResult, error) {
	if len(req.Agents) == 0 {
		return nil, NewError(KindInvalidRequest, "at least one agent is required")
	}
	seen := make(map[string]bool, len(req.Agents))
	initiators := 0
	for _, agent := range req.Agents {
		if agent.ID == "" {
			return nil, NewError(KindInvalidRequest, "agent id must not be empty")
		}
		if seen[agent.ID] {
			return nil, NewError(KindInvalidRequest, "duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = true
		if !agent.StrategyType.Valid() {
			return nil, NewError(KindInvalidRequest, "unknown strategy type %q for agent %q", agent.StrategyType, agent.ID)
		}
		if agent.ShouldInitiate {
			initiators++
		}
	}
	if initiators > 1 {
		return nil, NewError(KindInvalidRequest, "at most one agent may initiate")
	}

	conversation := &models.Conversation{
		Agents:   req.Agents,
		Metadata: req.Metadata,
	}
	if err := s.store.CreateConversation(ctx, conversation); err != nil {
		return nil, WrapError(KindInternal, err, "failed to persist conversation")
	}

	agentTokens := make(map[string]string, len(req.Agents))
	for _, agent := range req.Agents {
		value, err := s.tokens.Mint(ctx, conversation.ID, agent.ID)
		if err != nil {
			return nil, WrapError(KindInternal, err, "failed to mint token for agent %q", agent.ID)
		}
		agentTokens[agent.ID] = value
	}

	s.mu.Lock()
	s.active[conversation.ID] = &conversationState{
		conversation:    conversation,
		agents:          make(map[string]Agent),
		inProgressTurns: make(map[string]*models.Turn),
	}
	s.mu.Unlock()

	s.emit(ctx, events.ConversationCreated, conversation.ID, map[string]interface{}{
		"conversation": conversation,
	})
	s.log.WithConversationID(conversation.ID).Info("Conversation created",
		zap.Int("agents", len(req.Agents)))

	return &CreateConversationResult{Conversation: conversation, AgentTokens: agentTokens}, nil
}

// StartConversation transitions created -> active and provisions the
// server-managed agents. If an initiating agent exists its
// InitializeConversation hook runs after provisioning.
func (s *Service) StartConversation(ctx context.Context, conversationID string, agentIDs []string) error {
	state, err := s.getOrLoadState(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conversation := state.conversation
	switch conversation.Status {
	case models.ConversationCompleted:
		s.mu.Unlock()
		return NewError(KindConflict, "conversation %s is completed", conversationID)
	case models.ConversationActive:
		s.mu.Unlock()
		return NewError(KindConflict, "conversation %s is already started", conversationID)
	}
	if conversation.AllAgentsExternal() && len(agentIDs) == 0 {
		s.mu.Unlock()
		return NewError(KindInvalidRequest, "conversation %s has no server-managed agents; it activates on its first turn", conversationID)
	}
	s.mu.Unlock()

	if err := s.store.UpdateConversationStatus(ctx, conversationID, models.ConversationActive); err != nil {
		return s.mapStoreError(err, conversationID)
	}
	s.mu.Lock()
	conversation.Status = models.ConversationActive
	s.mu.Unlock()

	if err := s.provisionAgents(ctx, state, agentIDs); err != nil {
		return err
	}

	s.emit(ctx, events.ConversationReady, conversationID, map[string]interface{}{
		"conversationId": conversationID,
	})
	s.log.WithConversationID(conversationID).Info("Conversation started")

	if initiator := conversation.InitiatingAgent(); initiator != nil {
		if instance := s.GetAgentInstance(conversationID, initiator.ID); instance != nil {
			if err := instance.InitializeConversation(ctx, initiator.AdditionalInstructions); err != nil {
				s.log.WithConversationID(conversationID).WithAgentID(initiator.ID).
					WithError(err).Error("Initiating agent failed to open the conversation")
			}
		}
	}
	return nil
}

// provisionAgents instantiates server-managed agents that are not yet
// resident. When agentIDs is non-empty only those slots are provisioned.
func (s *Service) provisionAgents(ctx context.Context, state *conversationState, agentIDs []string) error {
	requested := map[string]bool{}
	for _, id := range agentIDs {
		requested[id] = true
	}

	tokens, err := s.store.GetTokensForConversation(ctx, state.conversation.ID)
	if err != nil {
		return WrapError(KindInternal, err, "failed to load agent tokens")
	}
	tokenByAgent := make(map[string]string, len(tokens))
	for _, record := range tokens {
		tokenByAgent[record.AgentID] = record.Token
	}

	for _, cfg := range state.conversation.Agents {
		if !cfg.StrategyType.IsServerManaged() {
			continue
		}
		if len(requested) > 0 && !requested[cfg.ID] {
			continue
		}
		s.mu.Lock()
		_, exists := state.agents[cfg.ID]
		s.mu.Unlock()
		if exists {
			continue
		}

		instance, err := s.factory.NewAgent(state.conversation.ID, cfg, s)
		if err != nil {
			return WrapError(KindInternal, err, "failed to build agent %q", cfg.ID)
		}
		if err := instance.Initialize(ctx, tokenByAgent[cfg.ID]); err != nil {
			return WrapError(KindInternal, err, "failed to initialize agent %q", cfg.ID)
		}
		s.mu.Lock()
		state.agents[cfg.ID] = instance
		s.mu.Unlock()
		s.log.WithConversationID(state.conversation.ID).WithAgentID(cfg.ID).
			Debug("Agent provisioned", zap.String("strategy", string(cfg.StrategyType)))
	}
	return nil
}

// StartTurn opens an in_progress turn for an agent. The first turn of an
// all-external conversation activates it.
func (s *Service) StartTurn(ctx context.Context, req client.StartTurnRequest) (*models.Turn, error) {
	state, err := s.getOrLoadState(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	conversation := state.conversation
	if conversation.Agent(req.AgentID) == nil {
		s.mu.Unlock()
		return nil, NewError(KindInvalidRequest, "agent %q is not part of conversation %s", req.AgentID, req.ConversationID)
	}
	if conversation.Status == models.ConversationCompleted {
		s.mu.Unlock()
		return nil, NewError(KindConflict, "conversation %s is completed", req.ConversationID)
	}
	firstTurnActivation := conversation.Status == models.ConversationCreated && conversation.AllAgentsExternal()
	if firstTurnActivation {
		// Flip in memory first so concurrent first turns transition once.
		conversation.Status = models.ConversationActive
	}
	s.mu.Unlock()

	if firstTurnActivation {
		if err := s.store.UpdateConversationStatus(ctx, req.ConversationID, models.ConversationActive); err != nil {
			return nil, s.mapStoreError(err, req.ConversationID)
		}
	}

	turn := &models.Turn{
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Metadata:       req.Metadata,
	}
	if err := s.store.StartTurn(ctx, turn); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, WrapError(KindConflict, err, "agent %q already has a turn in progress", req.AgentID)
		}
		return nil, s.mapStoreError(err, req.ConversationID)
	}

	s.mu.Lock()
	state.inProgressTurns[turn.ID] = turn
	s.mu.Unlock()

	s.emit(ctx, events.TurnStarted, req.ConversationID, map[string]interface{}{
		"turn":    turn,
		"agentId": req.AgentID,
	})
	return turn, nil
}

// AddTraceEntry stamps and persists a trace entry on an in-progress turn, then
// publishes trace_added with the turn shell plus the single new entry.
func (s *Service) AddTraceEntry(ctx context.Context, conversationID, turnID, agentID string, entry *models.TraceEntry) error {
	entry.ID = uuid.New().String()
	entry.TurnID = turnID
	entry.AgentID = agentID
	entry.Timestamp = time.Now().UTC()
	if err := entry.Validate(); err != nil {
		return WrapError(KindInvalidRequest, err, "invalid trace entry")
	}

	if err := s.store.AddTraceEntry(ctx, conversationID, entry); err != nil {
		if errors.Is(err, store.ErrTurnNotFound) {
			return WrapError(KindTurnNotFound, err, "turn %s", turnID)
		}
		return s.mapStoreError(err, conversationID)
	}

	shell := s.turnShell(conversationID, turnID, agentID)
	s.emit(ctx, events.TraceAdded, conversationID, map[string]interface{}{
		"turn":    shell,
		"entry":   entry,
		"agentId": agentID,
	})

	switch entry.Type {
	case models.TraceThought:
		s.emit(ctx, events.AgentThinking, conversationID, map[string]interface{}{
			"agentId": agentID,
			"thought": entry.Content,
		})
	case models.TraceToolCall:
		s.emit(ctx, events.ToolExecuting, conversationID, map[string]interface{}{
			"agentId":    agentID,
			"toolName":   entry.ToolName,
			"parameters": entry.Parameters,
		})
	}
	return nil
}

// turnShell returns the in-memory turn without its trace, falling back to a
// minimal record when the conversation is not resident.
func (s *Service) turnShell(conversationID, turnID, agentID string) *models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.active[conversationID]; ok {
		if turn, ok := state.inProgressTurns[turnID]; ok {
			return turn.Shell()
		}
	}
	return &models.Turn{ID: turnID, ConversationID: conversationID, AgentID: agentID, Status: models.TurnInProgress}
}

// CompleteTurn seals a turn. Embedded attachment payloads are assigned ids,
// persisted atomically with the seal, and recorded as attachment_creation
// tool results. A final turn ends the conversation.
func (s *Service) CompleteTurn(ctx context.Context, req client.CompleteTurnRequest) (*models.Turn, error) {
	state, err := s.getOrLoadState(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, tracked := state.inProgressTurns[req.TurnID]
	s.mu.Unlock()
	if !tracked {
		return nil, NewError(KindTurnNotFound, "turn %s is not in progress", req.TurnID)
	}

	params := store.CompleteTurnParams{
		TurnID:      req.TurnID,
		Content:     req.Content,
		IsFinalTurn: req.IsFinalTurn,
		Metadata:    req.Metadata,
	}
	now := time.Now().UTC()
	for _, payload := range req.Attachments {
		attachmentID := uuid.New().String()
		params.Attachments = append(params.Attachments, &models.Attachment{
			ID:               attachmentID,
			DocID:            payload.DocID,
			Name:             payload.Name,
			ContentType:      payload.ContentType,
			Content:          payload.Content,
			Summary:          payload.Summary,
			CreatedByAgentID: req.AgentID,
			CreatedAt:        now,
		})
		params.TraceEntries = append(params.TraceEntries, &models.TraceEntry{
			ID:         uuid.New().String(),
			TurnID:     req.TurnID,
			AgentID:    req.AgentID,
			Type:       models.TraceToolResult,
			ToolCallID: models.AttachmentCreationToolCallID,
			Result: map[string]interface{}{
				"attachmentId": attachmentID,
				"name":         payload.Name,
			},
			Timestamp: now,
		})
	}

	sealed, err := s.store.CompleteTurn(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrTurnNotFound) {
			return nil, WrapError(KindTurnNotFound, err, "turn %s", req.TurnID)
		}
		return nil, s.mapStoreError(err, req.ConversationID)
	}

	s.mu.Lock()
	delete(state.inProgressTurns, req.TurnID)
	s.mu.Unlock()

	// Attachment records are persisted with the seal, so their trace_added
	// events go out here, before turn_completed.
	for _, entry := range params.TraceEntries {
		s.emit(ctx, events.TraceAdded, req.ConversationID, map[string]interface{}{
			"turn":    sealed.Shell(),
			"entry":   entry,
			"agentId": req.AgentID,
		})
	}

	s.emit(ctx, events.TurnCompleted, req.ConversationID, map[string]interface{}{
		"turn":    sealed,
		"agentId": req.AgentID,
	})

	if req.IsFinalTurn {
		if err := s.EndConversation(ctx, req.ConversationID); err != nil {
			s.log.WithConversationID(req.ConversationID).WithError(err).
				Error("Failed to end conversation after final turn")
		}
	}
	return sealed, nil
}

// CancelTurn is an operator-level escape: it marks an in-progress turn
// cancelled and frees the agent's slot.
func (s *Service) CancelTurn(ctx context.Context, turnID string) error {
	turn, err := s.store.GetTurn(ctx, turnID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return WrapError(KindTurnNotFound, err, "turn %s", turnID)
		}
		return WrapError(KindInternal, err, "failed to load turn %s", turnID)
	}
	if err := s.store.CancelTurn(ctx, turnID); err != nil {
		if errors.Is(err, store.ErrTurnNotFound) {
			return WrapError(KindTurnNotFound, err, "turn %s", turnID)
		}
		return WrapError(KindInternal, err, "failed to cancel turn %s", turnID)
	}

	s.mu.Lock()
	if state, ok := s.active[turn.ConversationID]; ok {
		delete(state.inProgressTurns, turnID)
	}
	s.mu.Unlock()

	s.emit(ctx, events.TurnCancelled, turn.ConversationID, map[string]interface{}{
		"turnId":  turnID,
		"agentId": turn.AgentID,
	})
	return nil
}

// CreateUserQuery persists a pending question to the human and arms its
// expiry timer.
func (s *Service) CreateUserQuery(ctx context.Context, req client.CreateUserQueryRequest) (string, error) {
	query := &models.UserQuery{
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Question:       req.Question,
		Context:        req.Context,
	}
	if err := s.store.CreateUserQuery(ctx, query); err != nil {
		return "", WrapError(KindInternal, err, "failed to persist user query")
	}

	s.queries.add(query.ID, req.ConversationID, req.AgentID)
	queryID := query.ID
	time.AfterFunc(s.cfg.UserQueryTimeout, func() {
		if p, ok := s.queries.consume(queryID); ok {
			close(p.responseCh)
			if err := s.store.UpdateUserQueryStatus(context.Background(), queryID, models.UserQueryExpired, ""); err != nil {
				s.log.WithError(err).Warn("Failed to expire user query", zap.String("query_id", queryID))
			}
		}
	})

	s.emit(ctx, events.UserQueryCreated, req.ConversationID, map[string]interface{}{
		"query":   query,
		"agentId": req.AgentID,
	})
	return query.ID, nil
}

// RespondToUserQuery delivers the human's answer to the waiting agent. A
// query can be consumed at most once.
func (s *Service) RespondToUserQuery(ctx context.Context, queryID, response string) error {
	pending, ok := s.queries.consume(queryID)
	if !ok {
		if _, err := s.store.GetUserQuery(ctx, queryID); err == nil {
			return NewError(KindConflict, "user query %s was already answered or expired", queryID)
		}
		return NewError(KindNotFound, "user query %s not found", queryID)
	}

	query, err := s.store.GetUserQuery(ctx, queryID)
	if err != nil {
		return WrapError(KindInternal, err, "failed to load user query %s", queryID)
	}
	if err := s.store.UpdateUserQueryStatus(ctx, queryID, models.UserQueryAnswered, response); err != nil {
		return WrapError(KindInternal, err, "failed to answer user query %s", queryID)
	}

	// Buffered send: the agent may not be waiting yet.
	pending.responseCh <- response

	s.emit(ctx, events.UserQueryAnswered, pending.conversationID, map[string]interface{}{
		"queryId":  queryID,
		"response": response,
		"context":  query.Context,
		"agentId":  pending.agentID,
	})
	return nil
}

// GetUserQueryStatus returns the persisted query record.
func (s *Service) GetUserQueryStatus(ctx context.Context, queryID string) (*models.UserQuery, error) {
	query, err := s.store.GetUserQuery(ctx, queryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, WrapError(KindNotFound, err, "user query %s", queryID)
		}
		return nil, WrapError(KindInternal, err, "failed to load user query %s", queryID)
	}
	return query, nil
}

// AwaitUserQueryResponse blocks until the query is answered, expires, or the
// context is cancelled.
func (s *Service) AwaitUserQueryResponse(ctx context.Context, queryID string) (string, error) {
	pending, ok := s.queries.get(queryID)
	if !ok {
		// Possibly already answered before the agent started waiting.
		query, err := s.GetUserQueryStatus(ctx, queryID)
		if err != nil {
			return "", err
		}
		if query.Status == models.UserQueryAnswered {
			return query.Response, nil
		}
		return "", NewError(KindTimeout, "user query %s expired", queryID)
	}

	select {
	case response, open := <-pending.responseCh:
		if !open {
			return "", NewError(KindTimeout, "user query %s expired", queryID)
		}
		return response, nil
	case <-ctx.Done():
		return "", WrapError(KindTimeout, ctx.Err(), "wait for user query %s cancelled", queryID)
	}
}

// SubscribeToConversation registers a callback for one conversation's events,
// or for every conversation when conversationID is "*". Options filter by
// event type and acting agent.
func (s *Service) SubscribeToConversation(conversationID string, handler bus.EventHandler, opts *client.SubscribeOptions) (client.Unsubscribe, error) {
	wrapped := handler
	if opts != nil {
		filter := *opts
		wrapped = func(ctx context.Context, event *bus.Event) error {
			if !matchesFilter(event, &filter) {
				return nil
			}
			return handler(ctx, event)
		}
	}
	sub, err := s.bus.Subscribe(events.BuildConversationWildcard(conversationID), wrapped)
	if err != nil {
		return nil, WrapError(KindInternal, err, "failed to subscribe to conversation %s", conversationID)
	}
	return sub.Unsubscribe, nil
}

// matchesFilter applies a subscription filter. Events with no acting agent
// pass agent filters.
func matchesFilter(event *bus.Event, opts *client.SubscribeOptions) bool {
	if len(opts.EventTypes) > 0 {
		found := false
		for _, t := range opts.EventTypes {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(opts.AgentIDs) > 0 {
		agentID, ok := event.Data["agentId"].(string)
		if ok && agentID != "" {
			found := false
			for _, id := range opts.AgentIDs {
				if agentID == id {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// GetConversation loads a conversation from the store.
func (s *Service) GetConversation(ctx context.Context, conversationID string, opts store.GetConversationOptions) (*models.Conversation, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID, opts)
	if err != nil {
		return nil, s.mapStoreError(err, conversationID)
	}
	return conversation, nil
}

// GetAttachment loads an attachment from the store.
func (s *Service) GetAttachment(ctx context.Context, attachmentID string) (*models.Attachment, error) {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, WrapError(KindNotFound, err, "attachment %s", attachmentID)
		}
		return nil, WrapError(KindInternal, err, "failed to load attachment %s", attachmentID)
	}
	return attachment, nil
}

// GetScenario loads a scenario from the store.
func (s *Service) GetScenario(ctx context.Context, scenarioID, version string) (*models.Scenario, error) {
	scenario, err := s.store.GetScenario(ctx, scenarioID, version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, WrapError(KindNotFound, err, "scenario %s@%s", scenarioID, version)
		}
		return nil, WrapError(KindInternal, err, "failed to load scenario %s@%s", scenarioID, version)
	}
	return scenario, nil
}

// GetAgentInstance returns the live server-managed agent for the slot, or nil.
func (s *Service) GetAgentInstance(conversationID, agentID string) Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.active[conversationID]; ok {
		return state.agents[agentID]
	}
	return nil
}

// EnsureAgentInstance returns a live agent, rehydrating the conversation from
// the store on a miss. Requesting an externally managed agent is an error.
func (s *Service) EnsureAgentInstance(ctx context.Context, conversationID, agentID string) (Agent, error) {
	if instance := s.GetAgentInstance(conversationID, agentID); instance != nil {
		return instance, nil
	}

	state, err := s.rehydrate(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := state.conversation.Agent(agentID)
	if cfg == nil {
		return nil, NewError(KindNotFound, "agent %q is not part of conversation %s", agentID, conversationID)
	}
	if !cfg.StrategyType.IsServerManaged() {
		return nil, NewError(KindInvalidRequest, "agent %q is externally managed", agentID)
	}
	instance, ok := state.agents[agentID]
	if !ok {
		return nil, NewError(KindInternal, "agent %q was not provisioned during rehydration", agentID)
	}
	return instance, nil
}

// EnsureConversation makes a conversation resident without requiring a
// specific agent. Used by the bridge when it reattaches after a restart.
func (s *Service) EnsureConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	state, err := s.getOrLoadState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *state.conversation
	return &snapshot, nil
}

// EndConversation completes a conversation: status flip, conversation_ended
// broadcast, in-memory teardown, token revocation.
func (s *Service) EndConversation(ctx context.Context, conversationID string) error {
	if err := s.store.UpdateConversationStatus(ctx, conversationID, models.ConversationCompleted); err != nil {
		return s.mapStoreError(err, conversationID)
	}
	s.mu.Lock()
	if state, ok := s.active[conversationID]; ok {
		state.conversation.Status = models.ConversationCompleted
	}
	s.mu.Unlock()

	s.emit(ctx, events.ConversationEnded, conversationID, map[string]interface{}{
		"conversationId": conversationID,
	})

	s.mu.Lock()
	state, ok := s.active[conversationID]
	delete(s.active, conversationID)
	s.mu.Unlock()
	if ok {
		for _, agent := range state.agents {
			agent.Close()
		}
	}

	if err := s.tokens.RevokeConversation(ctx, conversationID); err != nil {
		s.log.WithConversationID(conversationID).WithError(err).Warn("Failed to revoke tokens")
	}
	s.log.WithConversationID(conversationID).Info("Conversation ended")
	return nil
}

// getOrLoadState returns the resident state for a conversation, rehydrating
// it on a miss.
func (s *Service) getOrLoadState(ctx context.Context, conversationID string) (*conversationState, error) {
	s.mu.Lock()
	if state, ok := s.active[conversationID]; ok {
		s.mu.Unlock()
		return state, nil
	}
	s.mu.Unlock()
	return s.rehydrate(ctx, conversationID)
}

// rehydrate rebuilds the in-memory projection from the store: conversation,
// open turns, agent instances (for active conversations), then emits a
// rehydrated event carrying the full snapshot.
func (s *Service) rehydrate(ctx context.Context, conversationID string) (*conversationState, error) {
	full, err := s.store.GetConversation(ctx, conversationID, store.GetConversationOptions{
		IncludeTurns:       true,
		IncludeTrace:       true,
		IncludeAttachments: true,
	})
	if err != nil {
		return nil, s.mapStoreError(err, conversationID)
	}
	open, err := s.store.GetInProgressTurns(ctx, conversationID)
	if err != nil {
		return nil, WrapError(KindInternal, err, "failed to load open turns for %s", conversationID)
	}

	shallow := *full
	shallow.Turns = nil
	state := &conversationState{
		conversation:    &shallow,
		agents:          make(map[string]Agent),
		inProgressTurns: make(map[string]*models.Turn, len(open)),
	}
	for _, turn := range open {
		state.inProgressTurns[turn.ID] = turn
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, NewError(KindInternal, "orchestrator is shut down")
	}
	if existing, ok := s.active[conversationID]; ok {
		// Lost the race to another rehydration.
		s.mu.Unlock()
		return existing, nil
	}
	s.active[conversationID] = state
	s.mu.Unlock()

	// Created conversations have not started; their agents stay dormant.
	if shallow.Status == models.ConversationActive {
		if err := s.provisionAgents(ctx, state, nil); err != nil {
			return nil, err
		}
	}

	s.emit(ctx, events.Rehydrated, conversationID, map[string]interface{}{
		"conversation": full,
	})
	s.log.WithConversationID(conversationID).Info("Conversation rehydrated",
		zap.Int("turns", len(full.Turns)), zap.Int("open_turns", len(open)))
	return state, nil
}

func (s *Service) mapStoreError(err error, conversationID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return WrapError(KindNotFound, err, "conversation %s", conversationID)
	}
	if errors.Is(err, store.ErrConflict) {
		return WrapError(KindConflict, err, "conversation %s", conversationID)
	}
	return WrapError(KindInternal, err, "store operation failed for conversation %s", conversationID)
}

// emit publishes an event on the conversation's subject. Publish errors are
// logged, not propagated: the state change already happened.
func (s *Service) emit(ctx context.Context, eventType, conversationID string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, conversationID, data)
	if err := s.bus.Publish(ctx, events.BuildSubject(conversationID, eventType), event); err != nil {
		s.log.WithConversationID(conversationID).WithError(err).
			Error("Failed to publish event", zap.String("event_type", eventType))
	}
}
