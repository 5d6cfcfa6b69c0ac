package store

import (
	"context"
	"time"
)

// ChatMessage is one persisted conversation turn.
type ChatMessage struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	ToolName       string
	CreatedAt      time.Time
}

// AppendChatMessage persists one turn at the end of a conversation.
func (s *Store) AppendChatMessage(ctx context.Context, m ChatMessage) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO chat_messages (conversation_id, role, content, tool_name)
VALUES ($1,$2,$3,$4)`, m.ConversationID, m.Role, m.Content, m.ToolName)
	return err
}

// ListChatMessages returns a conversation's turns in insertion order.
func (s *Store) ListChatMessages(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, conversation_id, role, content, tool_name, created_at
FROM chat_messages WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ToolName, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
