// Package convstore is the SQLite-backed persistence layer for conversations
// and their messages.
//
// WAL is enabled so transcript reads don't block an in-flight agent run
// appending messages.
package convstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Conversation sources.
const (
	SourceInteractive = "interactive"
	SourceScheduled   = "scheduled"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

// OpenDB wraps an already-open database handle. Used to share one SQLite file
// with the schedule store.
func OpenDB(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Conversation struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Source              string `json:"source"`
	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type Message struct {
	ID              int64  `json:"id"`
	ConversationID  string `json:"conversation_id"`
	Role            string `json:"role"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`

	// TextContent is the plain-text rendering used for previews and titles.
	TextContent string `json:"text_content"`
	// MessageJSON is the full provider-neutral message payload.
	MessageJSON string `json:"message_json"`
}

// CreateConversation inserts a conversation, generating an id when empty, and
// returns the stored row.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if s == nil || s.db == nil {
		return Conversation{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Title = strings.TrimSpace(c.Title)
	c.Source = normalizeSource(c.Source)

	now := time.Now().UnixMilli()
	if c.CreatedAtUnixMs <= 0 {
		c.CreatedAtUnixMs = now
	}
	if c.UpdatedAtUnixMs <= 0 {
		c.UpdatedAtUnixMs = c.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(
  id, title, source,
  created_at_unix_ms, updated_at_unix_ms,
  last_message_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, ?, ?, ?)
`,
		c.ID,
		c.Title,
		c.Source,
		c.CreatedAtUnixMs,
		c.UpdatedAtUnixMs,
		c.LastMessageAtUnixMs,
		c.LastMessagePreview,
	)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if s == nil || s.db == nil {
		return Conversation{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, errors.New("missing conversation id")
	}

	var c Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT id, title, source, created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM conversations
WHERE id = ?
`, id).Scan(&c.ID, &c.Title, &c.Source, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs, &c.LastMessageAtUnixMs, &c.LastMessagePreview)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// ListConversations returns conversations most recently updated first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, source, created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM conversations
ORDER BY updated_at_unix_ms DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.Source, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs, &c.LastMessageAtUnixMs, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage inserts a message and updates the conversation metadata in
// the same transaction. An empty conversation title is filled from the first
// user message.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("missing conversation id")
	}

	m.Role = strings.TrimSpace(m.Role)
	m.TextContent = strings.TrimSpace(m.TextContent)
	m.MessageJSON = strings.TrimSpace(m.MessageJSON)
	if m.Role == "" || m.MessageJSON == "" {
		return 0, errors.New("invalid message")
	}
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	preview := buildPreview(m.Role, m.TextContent)
	titleCandidate := ""
	if m.Role == "user" {
		titleCandidate = buildTitleCandidate(m.TextContent)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the conversation exists.
	var existingTitle string
	if err := tx.QueryRowContext(ctx, `
SELECT title FROM conversations WHERE id = ?
`, conversationID).Scan(&existingTitle); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(conversation_id, role, created_at_unix_ms, text_content, message_json)
VALUES(?, ?, ?, ?, ?)
`,
		conversationID,
		m.Role,
		m.CreatedAtUnixMs,
		m.TextContent,
		m.MessageJSON,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	nextTitle := strings.TrimSpace(existingTitle)
	if nextTitle == "" && titleCandidate != "" {
		nextTitle = titleCandidate
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET title = ?,
    updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE id = ?
`,
		nextTitle,
		m.CreatedAtUnixMs,
		m.CreatedAtUnixMs,
		preview,
		conversationID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// LoadMessages returns the full transcript in insertion order.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("missing conversation id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, created_at_unix_ms, text_content, message_json
FROM messages
WHERE conversation_id = ?
ORDER BY id ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.CreatedAtUnixMs, &m.TextContent, &m.MessageJSON); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteConversation removes the conversation and its messages atomically.
// Returns sql.ErrNoRows if the conversation does not exist.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing conversation id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

func normalizeSource(source string) string {
	switch strings.TrimSpace(source) {
	case SourceScheduled:
		return SourceScheduled
	default:
		return SourceInteractive
	}
}

func buildPreview(role string, text string) string {
	role = strings.TrimSpace(role)
	text = strings.TrimSpace(text)
	if text == "" {
		if role == "user" {
			return "(no text)"
		}
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 160)
}

func buildTitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL DEFAULT 'interactive',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at_unix_ms DESC, id DESC);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL,
  FOREIGN KEY(conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id ASC);
`); err != nil {
		return err
	}
	return tx.Commit()
}
