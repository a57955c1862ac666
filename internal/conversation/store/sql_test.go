package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/db"
)

// newSQLTestStore opens an on-disk SQLite store in a temp directory. The
// reader pool needs a real file, so :memory: is not an option here.
func newSQLTestStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "parley.db"),
	})
	require.NoError(t, err)

	s, err := NewSQLStore(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_CreateAndGetConversation(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))
	require.NotEmpty(t, conversation.ID)
	assert.Equal(t, models.ConversationCreated, conversation.Status)

	got, err := s.GetConversation(ctx, conversation.ID, GetConversationOptions{})
	require.NoError(t, err)
	require.Len(t, got.Agents, 2)
	require.NotNil(t, got.Agent("agent-a"))
	assert.True(t, got.Agent("agent-a").ShouldInitiate)
	assert.Equal(t, models.StrategyScenarioDriven, got.Agent("agent-a").StrategyType)

	_, err = s.GetConversation(ctx, "missing", GetConversationOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_UpdateConversationStatus(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))

	require.NoError(t, s.UpdateConversationStatus(ctx, conversation.ID, models.ConversationActive))
	got, err := s.GetConversation(ctx, conversation.ID, GetConversationOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationActive, got.Status)

	err = s.UpdateConversationStatus(ctx, "missing", models.ConversationActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_StartTurn(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))

	turn := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	require.NoError(t, s.StartTurn(ctx, turn))
	require.NotEmpty(t, turn.ID)
	assert.Equal(t, models.TurnInProgress, turn.Status)

	// Second open turn for the same agent must be rejected.
	dup := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	assert.ErrorIs(t, s.StartTurn(ctx, dup), ErrConflict)

	// A different agent may open a turn concurrently.
	other := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-b"}
	assert.NoError(t, s.StartTurn(ctx, other))

	missing := &models.Turn{ConversationID: "missing", AgentID: "agent-a"}
	assert.ErrorIs(t, s.StartTurn(ctx, missing), ErrNotFound)
}

func TestSQLStore_TraceAppendRequiresOpenTurn(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))
	turn := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	require.NoError(t, s.StartTurn(ctx, turn))

	entry := &models.TraceEntry{
		TurnID:  turn.ID,
		AgentID: "agent-a",
		Type:    models.TraceThought,
		Content: "considering options",
	}
	require.NoError(t, s.AddTraceEntry(ctx, conversation.ID, entry))

	// Wrong conversation id must not reach the turn.
	wrong := &models.TraceEntry{TurnID: turn.ID, AgentID: "agent-a", Type: models.TraceThought, Content: "x"}
	assert.ErrorIs(t, s.AddTraceEntry(ctx, "other-conversation", wrong), ErrTurnNotFound)

	_, err := s.CompleteTurn(ctx, CompleteTurnParams{TurnID: turn.ID, Content: "done"})
	require.NoError(t, err)

	// Sealed turns reject appends.
	late := &models.TraceEntry{TurnID: turn.ID, AgentID: "agent-a", Type: models.TraceThought, Content: "late"}
	assert.ErrorIs(t, s.AddTraceEntry(ctx, conversation.ID, late), ErrTurnNotFound)
}

func TestSQLStore_TraceOrderPreserved(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))
	turn := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	require.NoError(t, s.StartTurn(ctx, turn))

	entries := []*models.TraceEntry{
		{TurnID: turn.ID, AgentID: "agent-a", Type: models.TraceThought, Content: "first"},
		{TurnID: turn.ID, AgentID: "agent-a", Type: models.TraceToolCall, ToolCallID: "tc1", ToolName: "lookupRecords", Parameters: map[string]interface{}{"q": "x"}},
		{TurnID: turn.ID, AgentID: "agent-a", Type: models.TraceToolResult, ToolCallID: "tc1", Result: map[string]interface{}{"rows": float64(3)}},
		{TurnID: turn.ID, AgentID: "agent-a", Type: models.TraceThought, Content: "second"},
	}
	for _, e := range entries {
		require.NoError(t, s.AddTraceEntry(ctx, conversation.ID, e))
	}

	got, err := s.GetTraceEntriesForTurn(ctx, turn.ID)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, models.TraceToolCall, got[1].Type)
	assert.Equal(t, "lookupRecords", got[1].ToolName)
	assert.Equal(t, map[string]interface{}{"q": "x"}, got[1].Parameters)
	assert.Equal(t, models.TraceToolResult, got[2].Type)
	assert.Equal(t, map[string]interface{}{"rows": float64(3)}, got[2].Result)
	assert.Equal(t, "second", got[3].Content)
}

func TestSQLStore_CompleteTurnWithAttachments(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))
	turn := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	require.NoError(t, s.StartTurn(ctx, turn))

	attachmentID := uuid.New().String()
	sealed, err := s.CompleteTurn(ctx, CompleteTurnParams{
		TurnID:      turn.ID,
		Content:     "here is the summary",
		IsFinalTurn: true,
		Attachments: []*models.Attachment{{
			ID:               attachmentID,
			Name:             "summary.md",
			ContentType:      "text/markdown",
			Content:          "# Summary",
			CreatedByAgentID: "agent-a",
		}},
		TraceEntries: []*models.TraceEntry{{
			TurnID:     turn.ID,
			AgentID:    "agent-a",
			Type:       models.TraceToolResult,
			ToolCallID: models.AttachmentCreationToolCallID,
			Result:     map[string]interface{}{"attachmentId": attachmentID},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TurnCompleted, sealed.Status)
	assert.True(t, sealed.IsFinalTurn)
	require.NotNil(t, sealed.CompletedAt)
	require.Equal(t, []string{attachmentID}, sealed.AttachmentIDs)
	require.Len(t, sealed.Trace, 1)
	assert.Equal(t, models.AttachmentCreationToolCallID, sealed.Trace[0].ToolCallID)

	attachment, err := s.GetAttachment(ctx, attachmentID)
	require.NoError(t, err)
	assert.Equal(t, turn.ID, attachment.TurnID)
	assert.Equal(t, conversation.ID, attachment.ConversationID)
	assert.Equal(t, "# Summary", attachment.Content)

	all, err := s.GetAttachmentsForConversation(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Completing twice fails: the turn is no longer in progress.
	_, err = s.CompleteTurn(ctx, CompleteTurnParams{TurnID: turn.ID, Content: "again"})
	assert.ErrorIs(t, err, ErrTurnNotFound)
}

// A failing attachment insert must roll back the whole completion, leaving
// the turn open and the store free of partial writes.
func TestSQLStore_CompleteTurnRollsBackOnBadAttachment(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))
	turn := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	require.NoError(t, s.StartTurn(ctx, turn))

	attachmentID := uuid.New().String()
	good := &models.Attachment{ID: attachmentID, Name: "a.txt"}
	clash := &models.Attachment{ID: attachmentID, Name: "b.txt"}

	_, err := s.CompleteTurn(ctx, CompleteTurnParams{
		TurnID:      turn.ID,
		Content:     "partial",
		Attachments: []*models.Attachment{good, clash},
	})
	require.Error(t, err)

	// Turn still open, no attachment persisted.
	got, err := s.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnInProgress, got.Status)
	assert.Empty(t, got.AttachmentIDs)

	_, err = s.GetAttachment(ctx, attachmentID)
	assert.ErrorIs(t, err, ErrNotFound)

	// And the turn can still be completed normally afterwards.
	sealed, err := s.CompleteTurn(ctx, CompleteTurnParams{TurnID: turn.ID, Content: "done"})
	require.NoError(t, err)
	assert.Equal(t, models.TurnCompleted, sealed.Status)
}

func TestSQLStore_CancelTurn(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))
	turn := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	require.NoError(t, s.StartTurn(ctx, turn))

	require.NoError(t, s.CancelTurn(ctx, turn.ID))
	got, err := s.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnCancelled, got.Status)

	// Cancelled turns free the per-agent slot.
	next := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	assert.NoError(t, s.StartTurn(ctx, next))

	assert.ErrorIs(t, s.CancelTurn(ctx, turn.ID), ErrTurnNotFound)
}

func TestSQLStore_GetConversationWithTurnsAndTrace(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))

	first := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	require.NoError(t, s.StartTurn(ctx, first))
	require.NoError(t, s.AddTraceEntry(ctx, conversation.ID, &models.TraceEntry{
		TurnID: first.ID, AgentID: "agent-a", Type: models.TraceThought, Content: "opening",
	}))
	_, err := s.CompleteTurn(ctx, CompleteTurnParams{TurnID: first.ID, Content: "hello"})
	require.NoError(t, err)

	second := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-b", StartedAt: first.StartedAt.Add(time.Second)}
	require.NoError(t, s.StartTurn(ctx, second))

	got, err := s.GetConversation(ctx, conversation.ID, GetConversationOptions{IncludeTurns: true, IncludeTrace: true})
	require.NoError(t, err)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, first.ID, got.Turns[0].ID)
	assert.Equal(t, second.ID, got.Turns[1].ID)
	require.Len(t, got.Turns[0].Trace, 1)
	assert.Equal(t, "opening", got.Turns[0].Trace[0].Content)

	shallow, err := s.GetConversation(ctx, conversation.ID, GetConversationOptions{})
	require.NoError(t, err)
	assert.Empty(t, shallow.Turns)
}

func TestSQLStore_InProgressTurns(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))

	first := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-a"}
	require.NoError(t, s.StartTurn(ctx, first))
	second := &models.Turn{ConversationID: conversation.ID, AgentID: "agent-b"}
	require.NoError(t, s.StartTurn(ctx, second))
	_, err := s.CompleteTurn(ctx, CompleteTurnParams{TurnID: first.ID, Content: "done"})
	require.NoError(t, err)

	open, err := s.GetInProgressTurns(ctx, conversation.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

func TestSQLStore_UserQueries(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))

	query := &models.UserQuery{
		ConversationID: conversation.ID,
		AgentID:        "agent-a",
		Question:       "Which account?",
		Context:        "two accounts matched",
	}
	require.NoError(t, s.CreateUserQuery(ctx, query))
	assert.Equal(t, models.UserQueryPending, query.Status)

	require.NoError(t, s.UpdateUserQueryStatus(ctx, query.ID, models.UserQueryAnswered, "the savings one"))
	got, err := s.GetUserQuery(ctx, query.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UserQueryAnswered, got.Status)
	assert.Equal(t, "the savings one", got.Response)
}

func TestSQLStore_AgentTokens(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	conversation := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, conversation))

	token := &models.AgentToken{
		Token:          "tok-a",
		ConversationID: conversation.ID,
		AgentID:        "agent-a",
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateAgentToken(ctx, token))
	expired := &models.AgentToken{
		Token:          "tok-b",
		ConversationID: conversation.ID,
		AgentID:        "agent-b",
		ExpiresAt:      time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.CreateAgentToken(ctx, expired))

	got, err := s.GetAgentToken(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.AgentID)

	all, err := s.GetTokensForConversation(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	removed, err := s.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = s.GetAgentToken(ctx, "tok-b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteTokensForConversation(ctx, conversation.ID))
	_, err = s.GetAgentToken(ctx, "tok-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_Scenarios(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	scenario := &models.Scenario{
		ID:      "refund-flow",
		Version: "v2",
		Agents: []models.ScenarioAgent{{
			ID:           "support-rep",
			SystemPrompt: "You are a support representative.",
			Tools:        []models.ScenarioTool{{Name: "processRefundSuccess"}},
		}},
	}
	require.NoError(t, s.PutScenario(ctx, scenario))

	got, err := s.GetScenario(ctx, "refund-flow", "v2")
	require.NoError(t, err)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, "support-rep", got.Agents[0].ID)

	_, err = s.GetScenario(ctx, "refund-flow", "v1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_StaleConversations(t *testing.T) {
	s := newSQLTestStore(t)
	ctx := context.Background()

	stale := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, stale))
	require.NoError(t, s.UpdateConversationStatus(ctx, stale.ID, models.ConversationActive))

	// Backdate the stale conversation's last write past the lookback window.
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`), time.Now().UTC().Add(-48*time.Hour), stale.ID)
	require.NoError(t, err)

	fresh := twoAgentConversation()
	require.NoError(t, s.CreateConversation(ctx, fresh))
	require.NoError(t, s.UpdateConversationStatus(ctx, fresh.ID, models.ConversationActive))

	recent, err := s.GetActiveConversationsWithRecentActivity(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, fresh.ID, recent[0].ID)

	n, err := s.MarkStaleConversationsInactive(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetConversation(ctx, stale.ID, GetConversationOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationCompleted, got.Status)
	got, err = s.GetConversation(ctx, fresh.ID, GetConversationOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationActive, got.Status)
}
