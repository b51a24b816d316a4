package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema is the SQL DDL for the conversation tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    tool_calls      JSONB NOT NULL DEFAULT 'null',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is a [Store] backed by PostgreSQL, for installations that
// already run one.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store over an existing connection or pool.
// Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn, migrates, and returns the store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("convstore: connect postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [PostgresSchema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("convstore: migrate: %w", err)
	}
	return nil
}

// EnsureConversation implements [Store.EnsureConversation].
func (s *PostgresStore) EnsureConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx,
		`INSERT INTO conversations (id) VALUES ($1)
		 ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		 RETURNING id, title, created_at, updated_at`, id).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("convstore: ensure conversation: %w", err)
	}
	return c, nil
}

// GetConversation implements [Store.GetConversation].
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("convstore: get conversation: %w", err)
	}
	return c, nil
}

// ListConversations implements [Store.ListConversations].
func (s *PostgresStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("convstore: list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("convstore: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage implements [Store.AppendMessage].
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	toolCalls := json.RawMessage("null")
	if len(msg.ToolCalls) > 0 {
		toolCalls = msg.ToolCalls
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, toolCalls).
		Scan(&msg.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("convstore: insert message: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, msg.ConversationID); err != nil {
		return Message{}, fmt.Errorf("convstore: touch conversation: %w", err)
	}
	return msg, nil
}

// Messages implements [Store.Messages].
func (s *PostgresStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, conversation_id, role, content, tool_calls, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convstore: list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m         Message
			toolCalls []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &toolCalls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("convstore: scan message: %w", err)
		}
		if len(toolCalls) > 0 && string(toolCalls) != "null" {
			m.ToolCalls = json.RawMessage(toolCalls)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetTitle implements [Store.SetTitle].
func (s *PostgresStore) SetTitle(ctx context.Context, conversationID, title string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE conversations SET title = $1, updated_at = now() WHERE id = $2`,
		title, conversationID)
	if err != nil {
		return fmt.Errorf("convstore: set title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements [Store.Close]. It closes the underlying DB when it is a
// *pgxpool.Pool, whether the pool was opened by [OpenPostgres] or passed to
// [NewPostgresStore]; any other DB (such as a *pgx.Conn) is left open.
func (s *PostgresStore) Close() error {
	if pool, ok := s.db.(*pgxpool.Pool); ok {
		pool.Close()
	}
	return nil
}

// isForeignKeyViolation reports whether err is a Postgres FK violation
// (SQLSTATE 23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
