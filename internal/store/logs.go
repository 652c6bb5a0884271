package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AppendDaemonLog records a daemon-level diagnostic event.
func (s *Store) AppendDaemonLog(ctx context.Context, level, message string) error {
	l := &DaemonLog{
		ID:        uuid.New().String(),
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	query := `INSERT INTO daemon_logs (id, level, message, created_at)
		VALUES (:id, :level, :message, :created_at)`
	if _, err := s.writer.NamedExecContext(ctx, query, l); err != nil {
		return Classify(err)
	}
	return nil
}

// ListDaemonLogs returns the newest daemon log entries, newest first.
func (s *Store) ListDaemonLogs(ctx context.Context, limit int) ([]*DaemonLog, error) {
	var logs []*DaemonLog
	query := "SELECT * FROM daemon_logs ORDER BY created_at DESC, id DESC LIMIT ?"
	if err := s.reader.SelectContext(ctx, &logs, query, limit); err != nil {
		return nil, Classify(err)
	}
	return logs, nil
}

// AppendExecutionLog records a diagnostic event for a ticket's agent run.
// sessionID may be empty.
func (s *Store) AppendExecutionLog(ctx context.Context, ticketID, sessionID, logType, text string) error {
	l := &ExecutionLog{
		ID:        uuid.New().String(),
		TicketID:  ticketID,
		LogType:   logType,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if sessionID != "" {
		l.SessionID = sql.NullString{String: sessionID, Valid: true}
	}
	query := `INSERT INTO execution_logs (id, ticket_id, session_id, log_type, text, created_at)
		VALUES (:id, :ticket_id, :session_id, :log_type, :text, :created_at)`
	if _, err := s.writer.NamedExecContext(ctx, query, l); err != nil {
		return Classify(err)
	}
	return nil
}
