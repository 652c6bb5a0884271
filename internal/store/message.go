package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// maxMessageChars is the storage cap for a single transcript message.
const maxMessageChars = 50000

// AppendMessage inserts a transcript message. Content longer than 50,000
// characters is truncated; a missing token count is estimated as
// ceil(bytes/4).
func (s *Store) AppendMessage(ctx context.Context, m *ConversationMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if len(m.Content) > maxMessageChars {
		m.Content = m.Content[:maxMessageChars]
	}
	if m.TokenCount <= 0 {
		m.TokenCount = (len(m.Content) + 3) / 4
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO conversation_messages (id, ticket_id, session_id, role,
		content, tool_name, tool_input, token_count, is_summarized, created_at)
		VALUES (:id, :ticket_id, :session_id, :role,
		:content, :tool_name, :tool_input, :token_count, :is_summarized, :created_at)`
	if _, err := s.writer.NamedExecContext(ctx, query, m); err != nil {
		return Classify(err)
	}
	return nil
}

// ListUnsummarizedMessages returns the ticket's unsummarized transcript in
// chronological order.
func (s *Store) ListUnsummarizedMessages(ctx context.Context, ticketID string) ([]*ConversationMessage, error) {
	var msgs []*ConversationMessage
	query := `SELECT * FROM conversation_messages
		WHERE ticket_id = ? AND is_summarized = FALSE
		ORDER BY created_at ASC, id ASC`
	if err := s.reader.SelectContext(ctx, &msgs, query, ticketID); err != nil {
		return nil, Classify(err)
	}
	return msgs, nil
}

// ListRecentMessages returns the last n messages of a ticket in
// chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, ticketID string, n int) ([]*ConversationMessage, error) {
	var msgs []*ConversationMessage
	query := `SELECT * FROM (
		SELECT * FROM conversation_messages WHERE ticket_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	) ORDER BY created_at ASC, id ASC`
	if err := s.reader.SelectContext(ctx, &msgs, query, ticketID, n); err != nil {
		return nil, Classify(err)
	}
	return msgs, nil
}

// CountMessages returns the ticket's transcript length.
func (s *Store) CountMessages(ctx context.Context, ticketID string) (int, error) {
	var count int
	if err := s.reader.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM conversation_messages WHERE ticket_id = ?", ticketID); err != nil {
		return 0, Classify(err)
	}
	return count, nil
}

// UpdateMessageTokenCount stores a computed token estimate back on a message.
func (s *Store) UpdateMessageTokenCount(ctx context.Context, messageID string, tokens int) error {
	if _, err := s.writer.ExecContext(ctx,
		"UPDATE conversation_messages SET token_count = ? WHERE id = ?", tokens, messageID); err != nil {
		return Classify(err)
	}
	return nil
}

// SumUnsummarizedTokens returns the total token estimate of the ticket's
// unsummarized messages.
func (s *Store) SumUnsummarizedTokens(ctx context.Context, ticketID string) (int, error) {
	var total int
	query := `SELECT COALESCE(SUM(token_count), 0) FROM conversation_messages
		WHERE ticket_id = ? AND is_summarized = FALSE`
	if err := s.reader.GetContext(ctx, &total, query, ticketID); err != nil {
		return 0, Classify(err)
	}
	return total, nil
}
