package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateExtraction writes an extraction and marks the covered messages
// summarized in the same transaction. Passing ids that are already
// summarized is a no-op for those rows, so re-running over the same range
// changes nothing.
func (s *Store) CreateExtraction(ctx context.Context, e *ConversationExtraction, coveredMessageIDs []string) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return Classify(err)
	}
	defer tx.Rollback()

	query := `INSERT INTO conversation_extractions (id, ticket_id, decisions,
		problems_solved, files_modified, blocking_issues, important_notes,
		error_patterns, current_status, covers_msg_from_id, covers_msg_to_id,
		messages_summarized, tokens_before, tokens_after, created_at)
		VALUES (:id, :ticket_id, :decisions,
		:problems_solved, :files_modified, :blocking_issues, :important_notes,
		:error_patterns, :current_status, :covers_msg_from_id, :covers_msg_to_id,
		:messages_summarized, :tokens_before, :tokens_after, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, e); err != nil {
		return Classify(err)
	}

	if len(coveredMessageIDs) > 0 {
		in, args, err := inClause(coveredMessageIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE conversation_messages SET is_summarized = TRUE WHERE id IN ("+in+")", args...); err != nil {
			return Classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Classify(err)
	}
	return nil
}

// LatestExtraction returns the most recent extraction for a ticket, or
// ErrNotFound.
func (s *Store) LatestExtraction(ctx context.Context, ticketID string) (*ConversationExtraction, error) {
	var e ConversationExtraction
	query := `SELECT * FROM conversation_extractions WHERE ticket_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`
	if err := s.reader.GetContext(ctx, &e, query, ticketID); err != nil {
		return nil, Classify(err)
	}
	return &e, nil
}
