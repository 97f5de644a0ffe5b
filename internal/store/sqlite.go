// ABOUTME: SQLite implementation of the Backend interface using modernc.org/sqlite
// ABOUTME: Persists conversations and sequenced messages with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using SQLite
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (or creates) a SQLite database at path.
// Parent directories are created if needed.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every write path is a read-check-write transaction; one connection keeps them serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteBackend{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite backend initialized", "path", path)
	return s, nil
}

func (s *SQLiteBackend) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id   TEXT PRIMARY KEY,
			created_at        TEXT NOT NULL,
			queue_size_limit  INTEGER NOT NULL,
			message_count     INTEGER NOT NULL DEFAULT 0,
			last_sequence     INTEGER NOT NULL DEFAULT 0,
			participants_json TEXT NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS messages (
			message_id      TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
			sequence_id     INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			sender_name     TEXT NOT NULL,
			content         TEXT NOT NULL,
			type            TEXT NOT NULL,
			status          TEXT NOT NULL,
			timestamp       TEXT NOT NULL,

			UNIQUE(conversation_id, sequence_id),
			CHECK (type IN ('text', 'system', 'assistant_response', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, sequence_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies idempotent column additions for databases created by older builds.
func (s *SQLiteBackend) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "metadata_json",
			apply:  `ALTER TABLE messages ADD COLUMN metadata_json TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteBackend) Close() error {
	s.logger.Info("closing SQLite backend")
	return s.db.Close()
}

// StoreMessage inserts msg and bumps the conversation's message count in one transaction.
func (s *SQLiteBackend) StoreMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count, limit int
	err = tx.QueryRowContext(ctx,
		`SELECT message_count, queue_size_limit FROM conversations WHERE conversation_id = ?`,
		msg.ConversationID,
	).Scan(&count, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying conversation: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE message_id = ?`, msg.MessageID).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking message: %w", err)
	}

	if limit > 0 && count >= limit {
		return &QueueFullError{ConversationID: msg.ConversationID, CurrentQueueSize: count, Limit: limit}
	}

	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, conversation_id, sequence_id, sender_id, sender_name, content, type, status, timestamp, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.MessageID,
		msg.ConversationID,
		msg.SequenceID,
		msg.SenderID,
		msg.SenderName,
		msg.Content,
		string(msg.Type),
		string(msg.Status),
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
		metadata,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("sequence %d already used in conversation %s: %w", msg.SequenceID, msg.ConversationID, err)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1 WHERE conversation_id = ?`,
		msg.ConversationID,
	); err != nil {
		return fmt.Errorf("updating message count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("stored message", "id", msg.MessageID, "conversation_id", msg.ConversationID, "seq", msg.SequenceID)
	return nil
}

// GetConversationMessages returns messages after afterSequenceID, the most recent limit of them, oldest first.
func (s *SQLiteBackend) GetConversationMessages(ctx context.Context, conversationID string, limit int, afterSequenceID int64) ([]*Message, error) {
	const columns = `message_id, conversation_id, sequence_id, sender_id, sender_name, content, type, status, timestamp, metadata_json`

	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + columns + `
			FROM (
				SELECT ` + columns + `
				FROM messages
				WHERE conversation_id = ? AND sequence_id > ?
				ORDER BY sequence_id DESC
				LIMIT ?
			)
			ORDER BY sequence_id ASC
		`
		args = []any{conversationID, afterSequenceID, limit}
	} else {
		query = `
			SELECT ` + columns + `
			FROM messages
			WHERE conversation_id = ? AND sequence_id > ?
			ORDER BY sequence_id ASC
		`
		args = []any{conversationID, afterSequenceID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var msgType, status, ts string
		var metadata sql.NullString

		if err := rows.Scan(
			&msg.MessageID,
			&msg.ConversationID,
			&msg.SequenceID,
			&msg.SenderID,
			&msg.SenderName,
			&msg.Content,
			&msgType,
			&status,
			&ts,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Type = MessageType(msgType)
		msg.Status = MessageStatus(status)
		msg.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message metadata: %w", err)
			}
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// NextSequenceID atomically increments the conversation's last_sequence column.
func (s *SQLiteBackend) NextSequenceID(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE conversations SET last_sequence = last_sequence + 1 WHERE conversation_id = ? RETURNING last_sequence`,
		conversationID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}
	return seq, nil
}

// CreateConversation inserts a new conversation record.
// Returns ErrConversationExists if the id is taken.
func (s *SQLiteBackend) CreateConversation(ctx context.Context, conv *Conversation) error {
	participants, err := json.Marshal(conv.ActiveParticipants)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, created_at, queue_size_limit, message_count, last_sequence, participants_json)
		VALUES (?, ?, ?, 0, 0, ?)
	`,
		conv.ConversationID,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		conv.QueueSizeLimit,
		string(participants),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ConversationID, "queue_size_limit", conv.QueueSizeLimit)
	return nil
}

// GetConversation retrieves a conversation by id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteBackend) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	var createdAt, participants string

	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, created_at, queue_size_limit, message_count, participants_json
		FROM conversations
		WHERE conversation_id = ?
	`, conversationID).Scan(
		&conv.ConversationID,
		&createdAt,
		&conv.QueueSizeLimit,
		&conv.MessageCount,
		&participants,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &conv.ActiveParticipants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if conv.ActiveParticipants == nil {
		conv.ActiveParticipants = []ParticipantInfo{}
	}

	return &conv, nil
}

// UpdateConversation replaces the participant list and queue limit.
// The stored message count is left untouched.
func (s *SQLiteBackend) UpdateConversation(ctx context.Context, conv *Conversation) error {
	participants, err := json.Marshal(conv.ActiveParticipants)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET queue_size_limit = ?, participants_json = ?
		WHERE conversation_id = ?
	`, conv.QueueSizeLimit, string(participants), conv.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", conv.ConversationID, "participants", len(conv.ActiveParticipants))
	return nil
}

// DeleteConversation removes the conversation and its messages.
func (s *SQLiteBackend) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", conversationID)
	return nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func encodeMetadata(md map[string]any) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

// Ensure SQLiteBackend implements Backend
var _ Backend = (*SQLiteBackend)(nil)
