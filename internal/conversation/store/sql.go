package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/db/dialect"
)

// SQLStore provides conversation storage on SQLite or PostgreSQL.
// Queries use '?' placeholders and are rebound per driver, so both engines
// share one implementation.
type SQLStore struct {
	pool *db.Pool
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store on an existing connection pool and initializes
// the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) writer() *sqlx.DB { return s.pool.Writer() }
func (s *SQLStore) reader() *sqlx.DB { return s.pool.Reader() }

// initSchema creates the tables if they don't exist.
func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'created',
		agents TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		is_final_turn INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS trace_entries (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL REFERENCES turns(id),
		agent_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		parameters TEXT NOT NULL DEFAULT '{}',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		turn_id TEXT NOT NULL REFERENCES turns(id),
		doc_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		created_by_agent_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_queries (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		agent_id TEXT NOT NULL,
		question TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		response TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_tokens (
		token TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT NOT NULL,
		version TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (id, version)
	);
	`
	if _, err := s.writer().Exec(schema); err != nil {
		return err
	}
	return s.ensureIndexes()
}

func (s *SQLStore) ensureIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_id ON turns(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_status ON turns(conversation_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_entries_turn_id ON trace_entries(turn_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_conversation_id ON attachments(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_queries_conversation_id ON user_queries(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tokens_conversation_id ON agent_tokens(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tokens_expires_at ON agent_tokens(expires_at)`,
	}
	for _, idx := range indexes {
		if _, err := s.writer().Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

// Conversation operations

// CreateConversation persists a new conversation.
func (s *SQLStore) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	conversation.UpdatedAt = now
	if conversation.Status == "" {
		conversation.Status = models.ConversationCreated
	}

	agentsJSON, err := json.Marshal(conversation.Agents)
	if err != nil {
		return fmt.Errorf("failed to serialize agents: %w", err)
	}
	metadataJSON, err := models.MarshalMetadata(conversation.Metadata)
	if err != nil {
		return err
	}

	w := s.writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO conversations (id, status, agents, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), conversation.ID, conversation.Status, string(agentsJSON), metadataJSON, conversation.CreatedAt, conversation.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// UpdateConversationStatus sets the conversation status.
func (s *SQLStore) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) scanConversation(row *sqlx.Row) (*models.Conversation, error) {
	conversation := &models.Conversation{}
	var agentsJSON, metadataJSON string
	err := row.Scan(&conversation.ID, &conversation.Status, &agentsJSON, &metadataJSON,
		&conversation.CreatedAt, &conversation.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(agentsJSON), &conversation.Agents); err != nil {
		return nil, fmt.Errorf("failed to deserialize agents: %w", err)
	}
	conversation.Metadata, err = models.UnmarshalMetadata(metadataJSON)
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

// GetConversation returns a conversation, optionally with its turns, traces,
// and attachment links.
func (s *SQLStore) GetConversation(ctx context.Context, id string, opts GetConversationOptions) (*models.Conversation, error) {
	r := s.reader()
	row := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT id, status, agents, metadata, created_at, updated_at
		FROM conversations WHERE id = ?
	`), id)
	conversation, err := s.scanConversation(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	if opts.IncludeTurns {
		turns, err := s.listTurns(ctx, id)
		if err != nil {
			return nil, err
		}
		if opts.IncludeTrace {
			for _, turn := range turns {
				trace, err := s.GetTraceEntriesForTurn(ctx, turn.ID)
				if err != nil {
					return nil, err
				}
				turn.Trace = trace
			}
		}
		if opts.IncludeAttachments {
			if err := s.fillAttachmentIDs(ctx, id, turns); err != nil {
				return nil, err
			}
		}
		conversation.Turns = turns
	}
	return conversation, nil
}

func (s *SQLStore) fillAttachmentIDs(ctx context.Context, conversationID string, turns []*models.Turn) error {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT id, turn_id FROM attachments WHERE conversation_id = ? ORDER BY created_at ASC
	`), conversationID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	byTurn := map[string][]string{}
	for rows.Next() {
		var id, turnID string
		if err := rows.Scan(&id, &turnID); err != nil {
			return err
		}
		byTurn[turnID] = append(byTurn[turnID], id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, turn := range turns {
		turn.AttachmentIDs = byTurn[turn.ID]
	}
	return nil
}

// MarkStaleConversationsInactive completes active conversations whose last
// write predates the lookback window. Returns the number affected.
func (s *SQLStore) MarkStaleConversationsInactive(ctx context.Context, lookback time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-lookback)
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`), models.ConversationCompleted, time.Now().UTC(), models.ConversationActive, cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// GetActiveConversationsWithRecentActivity returns conversations eligible for
// resurrection at startup.
func (s *SQLStore) GetActiveConversationsWithRecentActivity(ctx context.Context, lookback time.Duration) ([]*models.Conversation, error) {
	cutoff := time.Now().UTC().Add(-lookback)
	r := s.reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(`
		SELECT id, status, agents, metadata, created_at, updated_at
		FROM conversations
		WHERE status = ? AND updated_at >= ?
		ORDER BY created_at ASC
	`), models.ConversationActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Conversation
	for rows.Next() {
		conversation := &models.Conversation{}
		var agentsJSON, metadataJSON string
		if err := rows.Scan(&conversation.ID, &conversation.Status, &agentsJSON, &metadataJSON,
			&conversation.CreatedAt, &conversation.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(agentsJSON), &conversation.Agents); err != nil {
			return nil, fmt.Errorf("failed to deserialize agents: %w", err)
		}
		conversation.Metadata, err = models.UnmarshalMetadata(metadataJSON)
		if err != nil {
			return nil, err
		}
		result = append(result, conversation)
	}
	return result, rows.Err()
}

// touchConversation bumps updated_at so activity windows see recent writes.
func touchConversation(ctx context.Context, tx *sqlx.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`), time.Now().UTC(), conversationID)
	return err
}

// Turn operations

// StartTurn records a new in-progress turn. Rejected when the conversation is
// missing or the agent already has an open turn.
func (s *SQLStore) StartTurn(ctx context.Context, turn *models.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = time.Now().UTC()
	}
	turn.Status = models.TurnInProgress

	metadataJSON, err := models.MarshalMetadata(turn.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COUNT(*) FROM conversations WHERE id = ?
	`), turn.ConversationID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("conversation %s: %w", turn.ConversationID, ErrNotFound)
	}

	var open int
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COUNT(*) FROM turns WHERE conversation_id = ? AND agent_id = ? AND status = ?
	`), turn.ConversationID, turn.AgentID, models.TurnInProgress).Scan(&open)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("agent %s already has a turn in progress: %w", turn.AgentID, ErrConflict)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO turns (id, conversation_id, agent_id, status, content, metadata, is_final_turn, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), turn.ID, turn.ConversationID, turn.AgentID, turn.Status, "", metadataJSON, 0, turn.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	if err := touchConversation(ctx, tx, turn.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteTurn seals a turn, inserting attachments and their trace entries in
// the same transaction. If any insert fails the turn remains in_progress.
func (s *SQLStore) CompleteTurn(ctx context.Context, params CompleteTurnParams) (*models.Turn, error) {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var conversationID, status string
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT conversation_id, status FROM turns WHERE id = ?
	`), params.TurnID).Scan(&conversationID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("turn %s: %w", params.TurnID, ErrTurnNotFound)
		}
		return nil, err
	}
	if status != string(models.TurnInProgress) {
		return nil, fmt.Errorf("turn %s: %w", params.TurnID, ErrTurnNotFound)
	}

	for _, attachment := range params.Attachments {
		attachment.ConversationID = conversationID
		attachment.TurnID = params.TurnID
		if attachment.CreatedAt.IsZero() {
			attachment.CreatedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO attachments (id, conversation_id, turn_id, doc_id, name, content_type, content, summary, created_by_agent_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), attachment.ID, attachment.ConversationID, attachment.TurnID, attachment.DocID,
			attachment.Name, attachment.ContentType, attachment.Content, attachment.Summary,
			attachment.CreatedByAgentID, attachment.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert attachment %s: %w", attachment.Name, err)
		}
	}

	for _, entry := range params.TraceEntries {
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		if err := s.insertTraceEntryTx(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	metadataJSON, err := models.MarshalMetadata(params.Metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE turns SET status = ?, content = ?, metadata = ?, is_final_turn = ?, completed_at = ?
		WHERE id = ?
	`), models.TurnCompleted, params.Content, metadataJSON,
		dialect.BoolToInt(params.IsFinalTurn), now, params.TurnID)
	if err != nil {
		return nil, fmt.Errorf("failed to seal turn: %w", err)
	}
	if err := touchConversation(ctx, tx, conversationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTurn(ctx, params.TurnID)
}

// CancelTurn marks an in-progress turn cancelled.
func (s *SQLStore) CancelTurn(ctx context.Context, turnID string) error {
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE turns SET status = ?, completed_at = ? WHERE id = ? AND status = ?
	`), models.TurnCancelled, time.Now().UTC(), turnID, models.TurnInProgress)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("turn %s: %w", turnID, ErrTurnNotFound)
	}
	return nil
}

func scanTurn(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.Turn, error) {
	turn := &models.Turn{}
	var metadataJSON string
	var isFinal int
	var completedAt sql.NullTime
	err := scanner.Scan(&turn.ID, &turn.ConversationID, &turn.AgentID, &turn.Status,
		&turn.Content, &metadataJSON, &isFinal, &turn.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	turn.IsFinalTurn = isFinal == 1
	if completedAt.Valid {
		t := completedAt.Time
		turn.CompletedAt = &t
	}
	turn.Metadata, err = models.UnmarshalMetadata(metadataJSON)
	if err != nil {
		return nil, err
	}
	return turn, nil
}

const turnColumns = `id, conversation_id, agent_id, status, content, metadata, is_final_turn, started_at, completed_at`

// GetTurn returns a turn with its trace and attachment links.
func (s *SQLStore) GetTurn(ctx context.Context, turnID string) (*models.Turn, error) {
	r := s.reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+turnColumns+` FROM turns WHERE id = ?
	`), turnID)
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
		}
		return nil, err
	}
	trace, err := s.GetTraceEntriesForTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	turn.Trace = trace

	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT id FROM attachments WHERE turn_id = ? ORDER BY created_at ASC
	`), turnID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		turn.AttachmentIDs = append(turn.AttachmentIDs, id)
	}
	return turn, rows.Err()
}

func (s *SQLStore) listTurns(ctx context.Context, conversationID string) ([]*models.Turn, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT `+turnColumns+` FROM turns WHERE conversation_id = ? ORDER BY started_at ASC, id ASC
	`), conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, turn)
	}
	return result, rows.Err()
}

// GetInProgressTurns returns the open turns of a conversation.
func (s *SQLStore) GetInProgressTurns(ctx context.Context, conversationID string) ([]*models.Turn, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT `+turnColumns+` FROM turns
		WHERE conversation_id = ? AND status = ?
		ORDER BY started_at ASC, id ASC
	`), conversationID, models.TurnInProgress)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, turn)
	}
	return result, rows.Err()
}

// Trace operations

func (s *SQLStore) insertTraceEntryTx(ctx context.Context, tx *sqlx.Tx, entry *models.TraceEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	// seq preserves append order within a turn; timestamps alone can tie.
	var seq int
	err := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COUNT(*) FROM trace_entries WHERE turn_id = ?
	`), entry.TurnID).Scan(&seq)
	if err != nil {
		return err
	}

	parametersJSON, err := models.MarshalMetadata(entry.Parameters)
	if err != nil {
		return err
	}
	resultJSON := ""
	if entry.Result != nil {
		raw, err := json.Marshal(entry.Result)
		if err != nil {
			return fmt.Errorf("failed to serialize tool result: %w", err)
		}
		resultJSON = string(raw)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO trace_entries (id, turn_id, agent_id, seq, type, content, tool_call_id, tool_name, parameters, result, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.TurnID, entry.AgentID, seq, entry.Type, entry.Content,
		entry.ToolCallID, entry.ToolName, parametersJSON, resultJSON, entry.Error, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert trace entry: %w", err)
	}
	return nil
}

// AddTraceEntry appends an entry to an in-progress turn's trace.
func (s *SQLStore) AddTraceEntry(ctx context.Context, conversationID string, entry *models.TraceEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var turnConversationID, status string
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT conversation_id, status FROM turns WHERE id = ?
	`), entry.TurnID).Scan(&turnConversationID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("turn %s: %w", entry.TurnID, ErrTurnNotFound)
		}
		return err
	}
	if status != string(models.TurnInProgress) || turnConversationID != conversationID {
		return fmt.Errorf("turn %s: %w", entry.TurnID, ErrTurnNotFound)
	}

	if err := s.insertTraceEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := touchConversation(ctx, tx, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTraceEntriesForTurn returns a turn's trace in append order.
func (s *SQLStore) GetTraceEntriesForTurn(ctx context.Context, turnID string) ([]*models.TraceEntry, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT id, turn_id, agent_id, type, content, tool_call_id, tool_name, parameters, result, error, created_at
		FROM trace_entries WHERE turn_id = ? ORDER BY seq ASC
	`), turnID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TraceEntry
	for rows.Next() {
		entry := &models.TraceEntry{}
		var parametersJSON, resultJSON string
		err := rows.Scan(&entry.ID, &entry.TurnID, &entry.AgentID, &entry.Type, &entry.Content,
			&entry.ToolCallID, &entry.ToolName, &parametersJSON, &resultJSON, &entry.Error, &entry.Timestamp)
		if err != nil {
			return nil, err
		}
		entry.Parameters, err = models.UnmarshalMetadata(parametersJSON)
		if err != nil {
			return nil, err
		}
		if resultJSON != "" {
			var value interface{}
			if err := json.Unmarshal([]byte(resultJSON), &value); err != nil {
				return nil, fmt.Errorf("failed to deserialize tool result: %w", err)
			}
			entry.Result = value
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// Attachment operations

// GetAttachment returns an attachment by id.
func (s *SQLStore) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	r := s.reader()
	attachment := &models.Attachment{}
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, conversation_id, turn_id, doc_id, name, content_type, content, summary, created_by_agent_id, created_at
		FROM attachments WHERE id = ?
	`), id).Scan(&attachment.ID, &attachment.ConversationID, &attachment.TurnID, &attachment.DocID,
		&attachment.Name, &attachment.ContentType, &attachment.Content, &attachment.Summary,
		&attachment.CreatedByAgentID, &attachment.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return attachment, nil
}

// GetAttachmentsForConversation returns all attachments of a conversation.
func (s *SQLStore) GetAttachmentsForConversation(ctx context.Context, conversationID string) ([]*models.Attachment, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT id, conversation_id, turn_id, doc_id, name, content_type, content, summary, created_by_agent_id, created_at
		FROM attachments WHERE conversation_id = ? ORDER BY created_at ASC
	`), conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Attachment
	for rows.Next() {
		attachment := &models.Attachment{}
		err := rows.Scan(&attachment.ID, &attachment.ConversationID, &attachment.TurnID, &attachment.DocID,
			&attachment.Name, &attachment.ContentType, &attachment.Content, &attachment.Summary,
			&attachment.CreatedByAgentID, &attachment.CreatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, attachment)
	}
	return result, rows.Err()
}

// User query operations

// CreateUserQuery stores a pending user query.
func (s *SQLStore) CreateUserQuery(ctx context.Context, query *models.UserQuery) error {
	if query.ID == "" {
		query.ID = uuid.New().String()
	}
	if query.CreatedAt.IsZero() {
		query.CreatedAt = time.Now().UTC()
	}
	if query.Status == "" {
		query.Status = models.UserQueryPending
	}
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO user_queries (id, conversation_id, agent_id, question, context, status, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), query.ID, query.ConversationID, query.AgentID, query.Question, query.Context,
		query.Status, query.Response, query.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user query: %w", err)
	}
	return nil
}

// UpdateUserQueryStatus updates a query's status and response.
func (s *SQLStore) UpdateUserQueryStatus(ctx context.Context, id string, status models.UserQueryStatus, response string) error {
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE user_queries SET status = ?, response = ? WHERE id = ?
	`), status, response, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("user query %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetUserQuery returns a query by id.
func (s *SQLStore) GetUserQuery(ctx context.Context, id string) (*models.UserQuery, error) {
	r := s.reader()
	query := &models.UserQuery{}
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, conversation_id, agent_id, question, context, status, response, created_at
		FROM user_queries WHERE id = ?
	`), id).Scan(&query.ID, &query.ConversationID, &query.AgentID, &query.Question,
		&query.Context, &query.Status, &query.Response, &query.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user query %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return query, nil
}

// Token operations

// CreateAgentToken stores a token.
func (s *SQLStore) CreateAgentToken(ctx context.Context, token *models.AgentToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_tokens (token, conversation_id, agent_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), token.Token, token.ConversationID, token.AgentID, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// GetAgentToken returns the token record for an opaque token string.
func (s *SQLStore) GetAgentToken(ctx context.Context, token string) (*models.AgentToken, error) {
	r := s.reader()
	record := &models.AgentToken{}
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT token, conversation_id, agent_id, expires_at, created_at
		FROM agent_tokens WHERE token = ?
	`), token).Scan(&record.Token, &record.ConversationID, &record.AgentID,
		&record.ExpiresAt, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token: %w", ErrNotFound)
		}
		return nil, err
	}
	return record, nil
}

// GetTokensForConversation returns every token minted for a conversation.
func (s *SQLStore) GetTokensForConversation(ctx context.Context, conversationID string) ([]*models.AgentToken, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT token, conversation_id, agent_id, expires_at, created_at
		FROM agent_tokens WHERE conversation_id = ?
	`), conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AgentToken
	for rows.Next() {
		record := &models.AgentToken{}
		if err := rows.Scan(&record.Token, &record.ConversationID, &record.AgentID,
			&record.ExpiresAt, &record.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

// DeleteTokensForConversation revokes all of a conversation's tokens.
func (s *SQLStore) DeleteTokensForConversation(ctx context.Context, conversationID string) error {
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM agent_tokens WHERE conversation_id = ?
	`), conversationID)
	return err
}

// CleanupExpiredTokens removes expired tokens and returns the count.
func (s *SQLStore) CleanupExpiredTokens(ctx context.Context) (int, error) {
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM agent_tokens WHERE expires_at < ?
	`), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Scenario operations

// PutScenario stores or replaces a scenario version.
func (s *SQLStore) PutScenario(ctx context.Context, scenario *models.Scenario) error {
	data, err := json.Marshal(scenario)
	if err != nil {
		return fmt.Errorf("failed to serialize scenario: %w", err)
	}
	w := s.writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		DELETE FROM scenarios WHERE id = ? AND version = ?
	`), scenario.ID, scenario.Version)
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO scenarios (id, version, data) VALUES (?, ?, ?)
	`), scenario.ID, scenario.Version, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert scenario: %w", err)
	}
	return nil
}

// GetScenario returns a scenario by id and version.
func (s *SQLStore) GetScenario(ctx context.Context, id, version string) (*models.Scenario, error) {
	r := s.reader()
	var data string
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT data FROM scenarios WHERE id = ? AND version = ?
	`), id, version).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scenario %s@%s: %w", id, version, ErrNotFound)
		}
		return nil, err
	}
	scenario := &models.Scenario{}
	if err := json.Unmarshal([]byte(data), scenario); err != nil {
		return nil, fmt.Errorf("failed to deserialize scenario: %w", err)
	}
	return scenario, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}
