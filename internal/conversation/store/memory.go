package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/conversation/models"
)

// MemoryStore provides in-memory conversation storage. Used by tests and by
// ephemeral deployments that do not need durability.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	turns         map[string]*models.Turn
	turnOrder     []string // turn ids in creation order, across conversations
	traces        map[string][]*models.TraceEntry // turn id -> entries
	attachments   map[string]*models.Attachment
	queries       map[string]*models.UserQuery
	tokens        map[string]*models.AgentToken
	scenarios     map[string]*models.Scenario // id@version -> scenario
	activity      map[string]time.Time        // conversation id -> last write
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		turns:         make(map[string]*models.Turn),
		traces:        make(map[string][]*models.TraceEntry),
		attachments:   make(map[string]*models.Attachment),
		queries:       make(map[string]*models.UserQuery),
		tokens:        make(map[string]*models.AgentToken),
		scenarios:     make(map[string]*models.Scenario),
		activity:      make(map[string]time.Time),
	}
}

func (s *MemoryStore) touch(conversationID string) {
	s.activity[conversationID] = time.Now().UTC()
}

// setActivityForTest backdates a conversation's last activity.
func (s *MemoryStore) setActivityForTest(conversationID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity[conversationID] = at
}

// CreateConversation stores a new conversation.
func (s *MemoryStore) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}
	if _, exists := s.conversations[conversation.ID]; exists {
		return fmt.Errorf("conversation %s: %w", conversation.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	conversation.UpdatedAt = now

	stored := *conversation
	stored.Turns = nil
	s.conversations[conversation.ID] = &stored
	s.touch(conversation.ID)
	return nil
}

// UpdateConversationStatus sets the conversation status.
func (s *MemoryStore) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	conversation.Status = status
	conversation.UpdatedAt = time.Now().UTC()
	s.touch(id)
	return nil
}

// GetConversation returns a conversation, optionally with turns, traces, and
// attachment links populated.
func (s *MemoryStore) GetConversation(ctx context.Context, id string, opts GetConversationOptions) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversation, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}

	result := *conversation
	if opts.IncludeTurns {
		result.Turns = s.turnsForConversationLocked(id, opts.IncludeTrace, opts.IncludeAttachments)
	}
	return &result, nil
}

func (s *MemoryStore) turnsForConversationLocked(conversationID string, includeTrace, includeAttachments bool) []*models.Turn {
	var turns []*models.Turn
	for _, turnID := range s.turnOrder {
		turn := s.turns[turnID]
		if turn == nil || turn.ConversationID != conversationID {
			continue
		}
		copied := *turn
		if includeTrace {
			copied.Trace = append([]*models.TraceEntry(nil), s.traces[turn.ID]...)
		}
		if !includeAttachments {
			copied.AttachmentIDs = nil
		}
		turns = append(turns, &copied)
	}
	return turns
}

// MarkStaleConversationsInactive completes active conversations whose last
// activity predates the lookback window.
func (s *MemoryStore) MarkStaleConversationsInactive(ctx context.Context, lookback time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-lookback)
	count := 0
	for id, conversation := range s.conversations {
		if conversation.Status != models.ConversationActive {
			continue
		}
		if last, ok := s.activity[id]; ok && last.After(cutoff) {
			continue
		}
		conversation.Status = models.ConversationCompleted
		conversation.UpdatedAt = time.Now().UTC()
		count++
	}
	return count, nil
}

// GetActiveConversationsWithRecentActivity returns active conversations with
// activity inside the lookback window.
func (s *MemoryStore) GetActiveConversationsWithRecentActivity(ctx context.Context, lookback time.Duration) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-lookback)
	var result []*models.Conversation
	for id, conversation := range s.conversations {
		if conversation.Status != models.ConversationActive {
			continue
		}
		if last, ok := s.activity[id]; !ok || last.Before(cutoff) {
			continue
		}
		copied := *conversation
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// StartTurn records a new in-progress turn. Rejected when the conversation
// does not exist or the agent already has an open turn.
func (s *MemoryStore) StartTurn(ctx context.Context, turn *models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[turn.ConversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", turn.ConversationID, ErrNotFound)
	}
	for _, existing := range s.turns {
		if existing.ConversationID == turn.ConversationID &&
			existing.AgentID == turn.AgentID &&
			existing.Status == models.TurnInProgress {
			return fmt.Errorf("agent %s already has turn %s in progress: %w", turn.AgentID, existing.ID, ErrConflict)
		}
	}

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if _, exists := s.turns[turn.ID]; exists {
		return fmt.Errorf("turn %s: %w", turn.ID, ErrConflict)
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = time.Now().UTC()
	}
	turn.Status = models.TurnInProgress

	stored := *turn
	stored.Trace = nil
	s.turns[turn.ID] = &stored
	s.turnOrder = append(s.turnOrder, turn.ID)
	s.touch(turn.ConversationID)
	return nil
}

// CompleteTurn seals a turn, inserting attachments and their trace entries in
// the same atomic action. If validation of any attachment or entry fails the
// turn remains in progress.
func (s *MemoryStore) CompleteTurn(ctx context.Context, params CompleteTurnParams) (*models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[params.TurnID]
	if !ok || turn.Status != models.TurnInProgress {
		return nil, fmt.Errorf("turn %s: %w", params.TurnID, ErrTurnNotFound)
	}

	// Validate everything before mutating: completion is all-or-nothing.
	for _, attachment := range params.Attachments {
		if attachment.ID == "" || attachment.Name == "" {
			return nil, fmt.Errorf("attachment requires id and name: %w", ErrConflict)
		}
		if _, exists := s.attachments[attachment.ID]; exists {
			return nil, fmt.Errorf("attachment %s: %w", attachment.ID, ErrConflict)
		}
	}
	for _, entry := range params.TraceEntries {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrConflict)
		}
	}

	for _, attachment := range params.Attachments {
		attachment.ConversationID = turn.ConversationID
		attachment.TurnID = turn.ID
		if attachment.CreatedAt.IsZero() {
			attachment.CreatedAt = time.Now().UTC()
		}
		stored := *attachment
		s.attachments[attachment.ID] = &stored
		turn.AttachmentIDs = append(turn.AttachmentIDs, attachment.ID)
	}
	for _, entry := range params.TraceEntries {
		stored := *entry
		s.traces[turn.ID] = append(s.traces[turn.ID], &stored)
	}

	now := time.Now().UTC()
	turn.Status = models.TurnCompleted
	turn.Content = params.Content
	turn.IsFinalTurn = params.IsFinalTurn
	if params.Metadata != nil {
		turn.Metadata = params.Metadata
	}
	turn.CompletedAt = &now
	s.touch(turn.ConversationID)

	sealed := *turn
	sealed.Trace = append([]*models.TraceEntry(nil), s.traces[turn.ID]...)
	return &sealed, nil
}

// CancelTurn marks an in-progress turn cancelled.
func (s *MemoryStore) CancelTurn(ctx context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[turnID]
	if !ok || turn.Status != models.TurnInProgress {
		return fmt.Errorf("turn %s: %w", turnID, ErrTurnNotFound)
	}
	now := time.Now().UTC()
	turn.Status = models.TurnCancelled
	turn.CompletedAt = &now
	s.touch(turn.ConversationID)
	return nil
}

// GetTurn returns a turn with its trace.
func (s *MemoryStore) GetTurn(ctx context.Context, turnID string) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turn, ok := s.turns[turnID]
	if !ok {
		return nil, fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	copied := *turn
	copied.Trace = append([]*models.TraceEntry(nil), s.traces[turnID]...)
	return &copied, nil
}

// GetInProgressTurns returns the open turns of a conversation.
func (s *MemoryStore) GetInProgressTurns(ctx context.Context, conversationID string) ([]*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Turn
	for _, turnID := range s.turnOrder {
		turn := s.turns[turnID]
		if turn == nil || turn.ConversationID != conversationID || turn.Status != models.TurnInProgress {
			continue
		}
		copied := *turn
		result = append(result, &copied)
	}
	return result, nil
}

// AddTraceEntry appends an entry to an in-progress turn's trace.
func (s *MemoryStore) AddTraceEntry(ctx context.Context, conversationID string, entry *models.TraceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[entry.TurnID]
	if !ok || turn.Status != models.TurnInProgress {
		return fmt.Errorf("turn %s: %w", entry.TurnID, ErrTurnNotFound)
	}
	if turn.ConversationID != conversationID {
		return fmt.Errorf("turn %s does not belong to conversation %s: %w", entry.TurnID, conversationID, ErrTurnNotFound)
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	stored := *entry
	s.traces[entry.TurnID] = append(s.traces[entry.TurnID], &stored)
	s.touch(conversationID)
	return nil
}

// GetTraceEntriesForTurn returns a turn's trace in append order.
func (s *MemoryStore) GetTraceEntriesForTurn(ctx context.Context, turnID string) ([]*models.TraceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.turns[turnID]; !ok {
		return nil, fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	return append([]*models.TraceEntry(nil), s.traces[turnID]...), nil
}

// GetAttachment returns an attachment by id.
func (s *MemoryStore) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attachment, ok := s.attachments[id]
	if !ok {
		return nil, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
	}
	copied := *attachment
	return &copied, nil
}

// GetAttachmentsForConversation returns all attachments of a conversation.
func (s *MemoryStore) GetAttachmentsForConversation(ctx context.Context, conversationID string) ([]*models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Attachment
	for _, attachment := range s.attachments {
		if attachment.ConversationID != conversationID {
			continue
		}
		copied := *attachment
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// CreateUserQuery stores a pending user query.
func (s *MemoryStore) CreateUserQuery(ctx context.Context, query *models.UserQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[query.ConversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", query.ConversationID, ErrNotFound)
	}
	if query.ID == "" {
		query.ID = uuid.New().String()
	}
	if query.CreatedAt.IsZero() {
		query.CreatedAt = time.Now().UTC()
	}
	if query.Status == "" {
		query.Status = models.UserQueryPending
	}
	stored := *query
	s.queries[query.ID] = &stored
	s.touch(query.ConversationID)
	return nil
}

// UpdateUserQueryStatus updates a query's status and response.
func (s *MemoryStore) UpdateUserQueryStatus(ctx context.Context, id string, status models.UserQueryStatus, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, ok := s.queries[id]
	if !ok {
		return fmt.Errorf("user query %s: %w", id, ErrNotFound)
	}
	query.Status = status
	query.Response = response
	return nil
}

// GetUserQuery returns a query by id.
func (s *MemoryStore) GetUserQuery(ctx context.Context, id string) (*models.UserQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, ok := s.queries[id]
	if !ok {
		return nil, fmt.Errorf("user query %s: %w", id, ErrNotFound)
	}
	copied := *query
	return &copied, nil
}

// CreateAgentToken stores a token.
func (s *MemoryStore) CreateAgentToken(ctx context.Context, token *models.AgentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.Token]; exists {
		return fmt.Errorf("token: %w", ErrConflict)
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	stored := *token
	s.tokens[token.Token] = &stored
	return nil
}

// GetAgentToken returns the token record for an opaque token string.
func (s *MemoryStore) GetAgentToken(ctx context.Context, token string) (*models.AgentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	copied := *record
	return &copied, nil
}

// GetTokensForConversation returns every token minted for a conversation.
func (s *MemoryStore) GetTokensForConversation(ctx context.Context, conversationID string) ([]*models.AgentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.AgentToken
	for _, record := range s.tokens {
		if record.ConversationID != conversationID {
			continue
		}
		copied := *record
		result = append(result, &copied)
	}
	return result, nil
}

// DeleteTokensForConversation revokes all of a conversation's tokens.
func (s *MemoryStore) DeleteTokensForConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, record := range s.tokens {
		if record.ConversationID == conversationID {
			delete(s.tokens, token)
		}
	}
	return nil
}

// CleanupExpiredTokens removes expired tokens and returns the count.
func (s *MemoryStore) CleanupExpiredTokens(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for token, record := range s.tokens {
		if record.Expired(now) {
			delete(s.tokens, token)
			count++
		}
	}
	return count, nil
}

// PutScenario stores or replaces a scenario version.
func (s *MemoryStore) PutScenario(ctx context.Context, scenario *models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *scenario
	s.scenarios[scenarioKey(scenario.ID, scenario.Version)] = &stored
	return nil
}

// GetScenario returns a scenario by id and version.
func (s *MemoryStore) GetScenario(ctx context.Context, id, version string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scenario, ok := s.scenarios[scenarioKey(id, version)]
	if !ok {
		return nil, fmt.Errorf("scenario %s@%s: %w", id, version, ErrNotFound)
	}
	copied := *scenario
	return &copied, nil
}

func scenarioKey(id, version string) string {
	return id + "@" + version
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
