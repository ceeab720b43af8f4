package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cumulus/app/core/storage/db"
	"cumulus/app/pkg/types"
)

type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Store persists conversations, their folded message history, and the durable
// per-conversation trace cache that outlives discarded background tasks.
type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Ensure returns the conversation with the given id, creating a fresh one
// when the id is empty.
func (s *Store) Ensure(ctx context.Context, conversationID, userID, title string) (Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Conversation{}, fmt.Errorf("conversation: user_id is required")
	}

	now := time.Now().Unix()
	if strings.TrimSpace(conversationID) != "" {
		conv, err := s.get(ctx, conversationID)
		if err == nil {
			return conv, nil
		}
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}
	if len(title) > 80 {
		title = title[:80]
	}

	conv := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *Store) get(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`,
		conversationID).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// AppendMessage folds one message into the conversation history.
func (s *Store) AppendMessage(ctx context.Context, msg types.Message) error {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return fmt.Errorf("conversation: conversation_id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}

	var toolCalls interface{}
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return err
		}
		toolCalls = string(encoded)
	}

	if _, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, role, content, tool_calls, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, toolCalls, msg.CreatedAt); err != nil {
		return err
	}
	_, err := s.db.Conn().ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID)
	return err
}

// ListMessages returns the conversation history in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, COALESCE(tool_calls, ''), created_at
FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []types.Message
	for rows.Next() {
		var msg types.Message
		var toolCalls string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role, &msg.Content, &toolCalls, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("conversation: decode tool calls for %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SaveTraces appends a task's trace entries to the durable cache.
func (s *Store) SaveTraces(ctx context.Context, conversationID, taskID string, entries []types.TraceEntry) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("conversation: conversation_id is required")
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trace_cache (conversation_id, task_id, timestamp, stage, status, detail) VALUES (?, ?, ?, ?, ?, ?)`,
			conversationID, taskID, entry.Timestamp, entry.Stage, entry.Status, entry.Detail); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListTraces returns cached trace entries for a conversation in insert order.
func (s *Store) ListTraces(ctx context.Context, conversationID string, limit int) ([]types.TraceEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT task_id, timestamp, stage, status, COALESCE(detail, '')
FROM trace_cache WHERE conversation_id = ? ORDER BY id ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.TraceEntry
	for rows.Next() {
		var entry types.TraceEntry
		if err := rows.Scan(&entry.TaskID, &entry.Timestamp, &entry.Stage, &entry.Status, &entry.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
