package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserMessage types.
const (
	UserMessageText    = "message"
	UserMessageCommand = "command"
)

// EnqueueUserMessage inserts an interjection from an interactive client.
func (s *Store) EnqueueUserMessage(ctx context.Context, ticketID, content, messageType string) error {
	m := &UserMessage{
		ID:          uuid.New().String(),
		TicketID:    ticketID,
		Content:     content,
		MessageType: messageType,
		CreatedAt:   time.Now().UTC(),
	}
	query := `INSERT INTO user_messages (id, ticket_id, content, message_type, processed, created_at)
		VALUES (:id, :ticket_id, :content, :message_type, :processed, :created_at)`
	if _, err := s.writer.NamedExecContext(ctx, query, m); err != nil {
		return Classify(err)
	}
	return nil
}

// TakePendingUserMessages returns the ticket's unprocessed interjections in
// order and marks them processed in the same transaction, so a crash between
// read and ack cannot replay them.
func (s *Store) TakePendingUserMessages(ctx context.Context, ticketID string) ([]*UserMessage, error) {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, Classify(err)
	}
	defer tx.Rollback()

	var msgs []*UserMessage
	query := `SELECT * FROM user_messages
		WHERE ticket_id = ? AND processed = FALSE
		ORDER BY created_at ASC, id ASC`
	if err := tx.SelectContext(ctx, &msgs, query, ticketID); err != nil {
		return nil, Classify(err)
	}
	if len(msgs) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	in, args, err := inClause(ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE user_messages SET processed = TRUE WHERE id IN ("+in+")", args...); err != nil {
		return nil, Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, Classify(err)
	}
	for _, m := range msgs {
		m.Processed = true
	}
	return msgs, nil
}
