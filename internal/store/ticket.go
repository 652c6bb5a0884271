package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTicket inserts a new ticket, allocating its number inside the same
// transaction. The single-writer connection serializes allocations, so
// count+1 cannot race.
func (s *Store) CreateTicket(ctx context.Context, t *Ticket) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return Classify(err)
	}
	defer tx.Rollback()

	var code string
	if err := tx.GetContext(ctx, &code, "SELECT code FROM projects WHERE id = ?", t.ProjectID); err != nil {
		return Classify(err)
	}

	var count int
	if err := tx.GetContext(ctx, &count, "SELECT COUNT(*) FROM tickets WHERE project_id = ?", t.ProjectID); err != nil {
		return Classify(err)
	}
	// Zero-padded to 4; width grows naturally past 9999.
	t.TicketNumber = fmt.Sprintf("%s-%04d", code, count+1)

	query := `INSERT INTO tickets (id, project_id, ticket_number, title, description,
		context, priority, status, model, review_deadline, close_reason,
		total_tokens, total_seconds, created_at, updated_at)
		VALUES (:id, :project_id, :ticket_number, :title, :description,
		:context, :priority, :status, :model, :review_deadline, :close_reason,
		:total_tokens, :total_seconds, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, t); err != nil {
		return Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return Classify(err)
	}
	return nil
}

// GetTicket returns a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	var t Ticket
	if err := s.reader.GetContext(ctx, &t, "SELECT * FROM tickets WHERE id = ?", id); err != nil {
		return nil, Classify(err)
	}
	return &t, nil
}

// GetTicketByNumber returns a ticket by its human-readable number.
func (s *Store) GetTicketByNumber(ctx context.Context, number string) (*Ticket, error) {
	var t Ticket
	if err := s.reader.GetContext(ctx, &t, "SELECT * FROM tickets WHERE ticket_number = ?", number); err != nil {
		return nil, Classify(err)
	}
	return &t, nil
}

// NextTicketForProject returns the next claimable ticket: status in
// {open, new, pending}, highest priority first, then oldest. ErrNotFound
// when the project has no work.
func (s *Store) NextTicketForProject(ctx context.Context, projectID string) (*Ticket, error) {
	query := fmt.Sprintf(`SELECT * FROM tickets
		WHERE project_id = ? AND status IN ('open', 'new', 'pending')
		ORDER BY %s, created_at ASC LIMIT 1`, priorityRank)

	var t Ticket
	if err := s.reader.GetContext(ctx, &t, query, projectID); err != nil {
		return nil, Classify(err)
	}
	return &t, nil
}

// UpdateTicketStatus sets the ticket status.
func (s *Store) UpdateTicketStatus(ctx context.Context, ticketID, status string) error {
	query := `UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := s.writer.ExecContext(ctx, query, status, time.Now().UTC(), ticketID); err != nil {
		return Classify(err)
	}
	return nil
}

// SetReviewDeadline moves the ticket to awaiting_input with the given
// auto-close deadline.
func (s *Store) SetReviewDeadline(ctx context.Context, ticketID string, deadline time.Time) error {
	query := `UPDATE tickets SET status = ?, review_deadline = ?, updated_at = ? WHERE id = ?`
	if _, err := s.writer.ExecContext(ctx, query, StatusAwaitingInput, deadline.UTC(), time.Now().UTC(), ticketID); err != nil {
		return Classify(err)
	}
	return nil
}

// CloseTicket marks the ticket done with a close reason.
func (s *Store) CloseTicket(ctx context.Context, ticketID, reason string) error {
	query := `UPDATE tickets SET status = ?, close_reason = ?, updated_at = ? WHERE id = ?`
	if _, err := s.writer.ExecContext(ctx, query, StatusDone, reason, time.Now().UTC(), ticketID); err != nil {
		return Classify(err)
	}
	return nil
}

// ReopenTicket moves the ticket back to open, clearing any review deadline.
func (s *Store) ReopenTicket(ctx context.Context, ticketID string) error {
	query := `UPDATE tickets SET status = ?, review_deadline = NULL, updated_at = ? WHERE id = ?`
	if _, err := s.writer.ExecContext(ctx, query, StatusOpen, time.Now().UTC(), ticketID); err != nil {
		return Classify(err)
	}
	return nil
}

// FailTicket marks the ticket failed with a truncated reason recorded as
// close_reason.
func (s *Store) FailTicket(ctx context.Context, ticketID, reason string) error {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	query := `UPDATE tickets SET status = ?, close_reason = ?, updated_at = ? WHERE id = ?`
	if _, err := s.writer.ExecContext(ctx, query, StatusFailed, reason, time.Now().UTC(), ticketID); err != nil {
		return Classify(err)
	}
	return nil
}

// AutoCloseExpired closes awaiting_input tickets past their review deadline.
// Returns the affected tickets so callers can broadcast.
func (s *Store) AutoCloseExpired(ctx context.Context, now time.Time) ([]*Ticket, error) {
	var expired []*Ticket
	query := `SELECT * FROM tickets WHERE status = ? AND review_deadline IS NOT NULL AND review_deadline < ?`
	if err := s.reader.SelectContext(ctx, &expired, query, StatusAwaitingInput, now.UTC()); err != nil {
		return nil, Classify(err)
	}
	for _, t := range expired {
		update := `UPDATE tickets SET status = ?, close_reason = ?, updated_at = ?
			WHERE id = ? AND status = ?`
		if _, err := s.writer.ExecContext(ctx, update, StatusDone, CloseReasonAutoExpired,
			time.Now().UTC(), t.ID, StatusAwaitingInput); err != nil {
			return nil, Classify(err)
		}
		t.Status = StatusDone
	}
	return expired, nil
}

// ResetOrphaned moves in_progress tickets back to open for any project not
// present in liveProjectIDs. Returns the number of tickets reset.
func (s *Store) ResetOrphaned(ctx context.Context, liveProjectIDs []string) (int64, error) {
	query := "UPDATE tickets SET status = ?, updated_at = ? WHERE status = ?"
	args := []interface{}{StatusOpen, time.Now().UTC(), StatusInProgress}
	if len(liveProjectIDs) > 0 {
		in, inArgs, err := inClause(liveProjectIDs)
		if err != nil {
			return 0, err
		}
		query += " AND project_id NOT IN (" + in + ")"
		args = append(args, inArgs...)
	}
	res, err := s.writer.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, Classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecoverStartup resets state left behind by an unclean shutdown:
// in_progress tickets reopen, recently failed tickets (updated within the
// last hour) reopen, running sessions are closed as stuck.
func (s *Store) RecoverStartup(ctx context.Context) error {
	now := time.Now().UTC()

	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return Classify(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE tickets SET status = ?, updated_at = ? WHERE status = ?",
		StatusOpen, now, StatusInProgress); err != nil {
		return Classify(err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tickets SET status = ?, updated_at = ? WHERE status = ? AND updated_at > ?",
		StatusOpen, now, StatusFailed, now.Add(-time.Hour)); err != nil {
		return Classify(err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE execution_sessions SET status = ?, ended_at = ? WHERE status = ?",
		SessionStuck, now, SessionRunning); err != nil {
		return Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return Classify(err)
	}
	return nil
}

// ListInProgressTickets returns every in_progress ticket, for the watchdog.
func (s *Store) ListInProgressTickets(ctx context.Context) ([]*Ticket, error) {
	var tickets []*Ticket
	query := "SELECT * FROM tickets WHERE status = ? ORDER BY updated_at ASC"
	if err := s.reader.SelectContext(ctx, &tickets, query, StatusInProgress); err != nil {
		return nil, Classify(err)
	}
	return tickets, nil
}

// AddTicketUsage adds session totals to the ticket's cumulative counters.
func (s *Store) AddTicketUsage(ctx context.Context, ticketID string, tokens int64, duration time.Duration) error {
	query := `UPDATE tickets SET total_tokens = total_tokens + ?,
		total_seconds = total_seconds + ?, updated_at = ? WHERE id = ?`
	if _, err := s.writer.ExecContext(ctx, query, tokens, int64(duration.Seconds()), time.Now().UTC(), ticketID); err != nil {
		return Classify(err)
	}
	return nil
}

// inClause builds a ?,?,... placeholder list for the given string values.
func inClause(values []string) (string, []interface{}, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("empty IN clause")
	}
	placeholders := make([]byte, 0, len(values)*2)
	args := make([]interface{}, 0, len(values))
	for i, v := range values {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, v)
	}
	return string(placeholders), args, nil
}
