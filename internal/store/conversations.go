package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is the top-level chat container.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Attachment metadata carried on a message. Only the opaque ID ever crosses a
// trust boundary; the on-disk path lives in the attachment store.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Size     int64  `json:"size"`
}

// ToolCall records one tool invocation requested by the assistant. It is
// carried on the assistant's preamble row so a turn's tool round-trips can
// be replayed from the log.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one entry in the append-only conversation log.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Role           string       `json:"role"` // user | assistant | tool | system
	Content        string       `json:"content"`
	RequestID      string       `json:"requestId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ToolCalls      []ToolCall   `json:"toolCalls,omitempty"`  // assistant preamble rows
	ToolCallID     string       `json:"toolCallId,omitempty"` // tool result rows
	ToolName       string       `json:"toolName,omitempty"`
	IsError        bool         `json:"isError,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// CreateConversation allocates a conversation, generating an ID when empty.
func (s *Store) CreateConversation(id, title string) (*Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, title, last_active_at, created_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &Conversation{ID: id, Title: title, LastActiveAt: now, CreatedAt: now}, nil
}

// GetConversation loads one conversation.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, title, last_active_at, created_at FROM conversations WHERE id = ?`, id)
	var c Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.LastActiveAt, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListConversations returns all conversations, most recently active first.
func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, title, last_active_at, created_at FROM conversations ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.LastActiveAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation; messages cascade.
func (s *Store) DeleteConversation(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// Session mappings pointing at the conversation cascade via FK.
	return nil
}

// AppendMessage appends to the log and bumps the conversation's last-active
// timestamp. Message IDs are generated when empty.
func (s *Store) AppendMessage(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var attachments any
	if len(m.Attachments) > 0 {
		raw, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = string(raw)
	}
	var toolCalls any
	if len(m.ToolCalls) > 0 {
		raw, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, request_id, attachments, tool_calls, tool_call_id, tool_name, is_error, created_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.RequestID, attachments, toolCalls,
		m.ToolCallID, m.ToolName, m.IsError, m.CreatedAt); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE conversations SET last_active_at = ? WHERE id = ?`, m.CreatedAt, m.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// Messages returns the ordered log for a conversation. limit <= 0 returns
// everything; otherwise the most recent limit messages, oldest first.
func (s *Store) Messages(conversationID string, limit int) ([]Message, error) {
	const cols = `id, conversation_id, role, content, COALESCE(request_id, ''), attachments,
		tool_calls, COALESCE(tool_call_id, ''), COALESCE(tool_name, ''), is_error, created_at`
	query := `SELECT ` + cols + ` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT ` + cols + ` FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var attachments, toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.RequestID, &attachments,
			&toolCalls, &m.ToolCallID, &m.ToolName, &m.IsError, &m.CreatedAt); err != nil {
			return nil, err
		}
		if attachments.Valid && attachments.String != "" {
			if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ResolveSession maps (channel, sender) to its conversation, creating both
// lazily on first contact. Exactly one active conversation exists per pair.
func (s *Store) ResolveSession(channel, sender string) (string, error) {
	var conversationID string
	err := s.db.QueryRow(
		`SELECT conversation_id FROM sessions WHERE channel = ? AND sender = ?`,
		channel, sender).Scan(&conversationID)
	if err == nil {
		return conversationID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	conv, err := s.CreateConversation("", fmt.Sprintf("%s:%s", channel, sender))
	if err != nil {
		return "", err
	}
	if _, err := s.db.Exec(
		`INSERT INTO sessions (channel, sender, conversation_id) VALUES (?, ?, ?)`,
		channel, sender, conv.ID); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return conv.ID, nil
}
