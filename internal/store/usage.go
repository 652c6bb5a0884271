package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecordUsage writes the session-final accounting snapshot.
func (s *Store) RecordUsage(ctx context.Context, r *UsageRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now().UTC()

	query := `INSERT INTO usage_records (id, project_id, ticket_id, session_id,
		input_tokens, output_tokens, cache_tokens, api_calls, created_at)
		VALUES (:id, :project_id, :ticket_id, :session_id,
		:input_tokens, :output_tokens, :cache_tokens, :api_calls, :created_at)`
	if _, err := s.writer.NamedExecContext(ctx, query, r); err != nil {
		return Classify(err)
	}
	return nil
}

// ProjectUsageTotals sums all recorded usage for a project.
func (s *Store) ProjectUsageTotals(ctx context.Context, projectID string) (tokens int64, calls int64, err error) {
	var row struct {
		Tokens int64 `db:"tokens"`
		Calls  int64 `db:"calls"`
	}
	query := `SELECT COALESCE(SUM(input_tokens + output_tokens + cache_tokens), 0) AS tokens,
		COALESCE(SUM(api_calls), 0) AS calls
		FROM usage_records WHERE project_id = ?`
	if err := s.reader.GetContext(ctx, &row, query, projectID); err != nil {
		return 0, 0, Classify(err)
	}
	return row.Tokens, row.Calls, nil
}
