// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversation/message persistence with CAS state transitions and SLA records

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to ":memory:" would open its own database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                    TEXT PRIMARY KEY,
			state                 TEXT NOT NULL DEFAULT 'bot_handling',
			assigned_agent        TEXT,
			handover_requested_at DATETIME,
			created_at            DATETIME NOT NULL,
			updated_at            DATETIME NOT NULL,

			CHECK (state IN ('bot_handling', 'pending_agent', 'assigned', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_state
			ON conversations(state);

		CREATE INDEX IF NOT EXISTS idx_conversations_agent
			ON conversations(assigned_agent);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			sender          TEXT NOT NULL,
			body            TEXT NOT NULL,
			created_at      DATETIME NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender IN ('user', 'bot', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS sla_records (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			started_at      DATETIME NOT NULL,
			stopped_at      DATETIME,
			elapsed_ms      INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sla_conversation
			ON sla_records(conversation_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// GetConversation returns the conversation with the given id or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, assigned_agent, handover_requested_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// AppendMessage appends a message, creating the conversation if absent.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		msg.ConversationID, StateBotHandling, now, now); err != nil {
		return nil, fmt.Errorf("ensuring conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Sender, msg.Body, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, state, assigned_agent, handover_requested_at, created_at, updated_at
		FROM conversations WHERE id = ?`, msg.ConversationID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return conv, nil
}

// ListMessages returns messages for a conversation in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender, body, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// SetState performs a compare-and-swap state transition. The WHERE clause on
// the expected state makes the database the arbiter of racing transitions.
func (s *SQLiteStore) SetState(ctx context.Context, conversationID string, from, to State, agentID string) error {
	if !to.Valid() {
		return fmt.Errorf("invalid target state %q", to)
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error

	switch to {
	case StateAssigned:
		res, err = s.db.ExecContext(ctx, `
			UPDATE conversations
			SET state = ?, assigned_agent = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			to, agentID, now, conversationID, from)
	case StatePendingAgent:
		res, err = s.db.ExecContext(ctx, `
			UPDATE conversations
			SET state = ?, assigned_agent = NULL, handover_requested_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			to, now, now, conversationID, from)
	default: // StateBotHandling, StateClosed
		res, err = s.db.ExecContext(ctx, `
			UPDATE conversations
			SET state = ?, assigned_agent = NULL, handover_requested_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?`,
			to, now, conversationID, from)
	}
	if err != nil {
		return fmt.Errorf("updating state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a lost race from a missing conversation.
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	return ErrConflict
}

// ListConversationsByState returns conversations in the given state.
// Pending conversations come back oldest handover first so agent front-ends
// see the longest-waiting users at the top.
func (s *SQLiteStore) ListConversationsByState(ctx context.Context, state State) ([]*Conversation, error) {
	order := "updated_at"
	if state == StatePendingAgent {
		order = "handover_requested_at"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, assigned_agent, handover_requested_at, created_at, updated_at
		FROM conversations WHERE state = ? ORDER BY `+order, state)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// ListConversationsByAgent returns conversations assigned to the given agent.
func (s *SQLiteStore) ListConversationsByAgent(ctx context.Context, agentID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, assigned_agent, handover_requested_at, created_at, updated_at
		FROM conversations WHERE state = ? AND assigned_agent = ?`,
		StateAssigned, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// CountConversations counts conversations in the given state, or all of them
// when state is empty.
func (s *SQLiteStore) CountConversations(ctx context.Context, state State) (int, error) {
	var count int
	var err error
	if state == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE state = ?`, state).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return count, nil
}

// SaveSLARecord inserts or updates an SLA measurement.
func (s *SQLiteStore) SaveSLARecord(ctx context.Context, rec *SLARecord) error {
	var stopped any
	if rec.StoppedAt != nil {
		stopped = *rec.StoppedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sla_records (id, conversation_id, started_at, stopped_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET stopped_at = excluded.stopped_at, elapsed_ms = excluded.elapsed_ms`,
		rec.ID, rec.ConversationID, rec.StartedAt, stopped, rec.ElapsedMS)
	if err != nil {
		return fmt.Errorf("saving SLA record: %w", err)
	}
	return nil
}

// ListSLARecords returns up to limit records, most recent first.
func (s *SQLiteStore) ListSLARecords(ctx context.Context, limit int) ([]*SLARecord, error) {
	query := `
		SELECT id, conversation_id, started_at, stopped_at, elapsed_ms
		FROM sla_records ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying SLA records: %w", err)
	}
	defer rows.Close()

	var records []*SLARecord
	for rows.Next() {
		var rec SLARecord
		var stopped sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.StartedAt, &stopped, &rec.ElapsedMS); err != nil {
			return nil, fmt.Errorf("scanning SLA record: %w", err)
		}
		if stopped.Valid {
			t := stopped.Time
			rec.StoppedAt = &t
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner matches *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var agent sql.NullString
	var handover sql.NullTime
	err := row.Scan(&c.ID, &c.State, &agent, &handover, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	if agent.Valid {
		c.AssignedAgent = agent.String
	}
	if handover.Valid {
		t := handover.Time
		c.HandoverRequestedAt = &t
	}
	return &c, nil
}

func scanConversations(rows *sql.Rows) ([]*Conversation, error) {
	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}
