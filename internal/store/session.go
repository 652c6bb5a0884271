package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StartSession opens a new running session for a ticket.
func (s *Store) StartSession(ctx context.Context, ticketID string) (*ExecutionSession, error) {
	session := &ExecutionSession{
		ID:        uuid.New().String(),
		TicketID:  ticketID,
		Status:    SessionRunning,
		StartedAt: time.Now().UTC(),
	}
	query := `INSERT INTO execution_sessions (id, ticket_id, status,
		input_tokens, output_tokens, cache_tokens, api_calls, started_at)
		VALUES (:id, :ticket_id, :status,
		:input_tokens, :output_tokens, :cache_tokens, :api_calls, :started_at)`
	if _, err := s.writer.NamedExecContext(ctx, query, session); err != nil {
		return nil, Classify(err)
	}
	return session, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*ExecutionSession, error) {
	var session ExecutionSession
	if err := s.reader.GetContext(ctx, &session,
		"SELECT * FROM execution_sessions WHERE id = ?", id); err != nil {
		return nil, Classify(err)
	}
	return &session, nil
}

// EndSession closes a session with final status and usage totals.
func (s *Store) EndSession(ctx context.Context, sessionID, status string, input, output, cache, apiCalls int64) error {
	query := `UPDATE execution_sessions SET status = ?, input_tokens = ?,
		output_tokens = ?, cache_tokens = ?, api_calls = ?, ended_at = ?
		WHERE id = ?`
	if _, err := s.writer.ExecContext(ctx, query, status, input, output, cache, apiCalls,
		time.Now().UTC(), sessionID); err != nil {
		return Classify(err)
	}
	return nil
}

// CloseRunningSessions moves any running session of the ticket to the given
// terminal status with ended_at set to now.
func (s *Store) CloseRunningSessions(ctx context.Context, ticketID, status string) error {
	query := `UPDATE execution_sessions SET status = ?, ended_at = ?
		WHERE ticket_id = ? AND status = ?`
	if _, err := s.writer.ExecContext(ctx, query, status, time.Now().UTC(),
		ticketID, SessionRunning); err != nil {
		return Classify(err)
	}
	return nil
}

// CountRunningSessions returns the number of running sessions for a ticket.
func (s *Store) CountRunningSessions(ctx context.Context, ticketID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM execution_sessions WHERE ticket_id = ? AND status = ?`
	if err := s.reader.GetContext(ctx, &count, query, ticketID, SessionRunning); err != nil {
		return 0, Classify(err)
	}
	return count, nil
}
