// Package store is the single source of truth for projects, tickets,
// transcripts, sessions and derived memory, backed by SQLite.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/db"
	"github.com/ticketd/ticketd/internal/tracing"
)

// Store wraps a single-writer connection and a read-only pool over the same
// SQLite file. All operations are context-aware and short; no transaction
// spans an external call.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
	logger *logger.Logger
}

// New opens the database at dbPath, initializes the schema and returns a
// ready Store.
func New(dbPath string, log *logger.Logger) (*Store, error) {
	writer, err := db.OpenWriter(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	reader, err := db.OpenReader(dbPath)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}

	s := &Store{
		writer: writer,
		reader: reader,
		logger: log.WithFields(zap.String("component", "store")),
	}
	if err := s.initSchema(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (s *Store) initSchema(ctx context.Context) error {
	ctx, span := tracing.Tracer("store").Start(ctx, "store.init_schema")
	defer span.End()

	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL DEFAULT 'web',
		web_path TEXT,
		app_path TEXT,
		context TEXT NOT NULL DEFAULT '',
		db_host TEXT,
		db_name TEXT,
		db_user TEXT,
		db_password TEXT,
		model TEXT NOT NULL DEFAULT 'sonnet',
		status TEXT NOT NULL DEFAULT 'active',
		total_tokens INTEGER NOT NULL DEFAULT 0,
		total_calls INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		ticket_number TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'open',
		model TEXT,
		review_deadline TIMESTAMP,
		close_reason TEXT,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		total_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(project_id, ticket_number)
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_project_status ON tickets(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		session_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_name TEXT,
		tool_input TEXT,
		token_count INTEGER NOT NULL DEFAULT 0,
		is_summarized BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_ticket ON conversation_messages(ticket_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_messages_unsummarized ON conversation_messages(ticket_id, is_summarized);

	CREATE TABLE IF NOT EXISTS conversation_extractions (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		decisions TEXT NOT NULL DEFAULT '[]',
		problems_solved TEXT NOT NULL DEFAULT '[]',
		files_modified TEXT NOT NULL DEFAULT '[]',
		blocking_issues TEXT NOT NULL DEFAULT '[]',
		important_notes TEXT NOT NULL DEFAULT '[]',
		error_patterns TEXT NOT NULL DEFAULT '[]',
		current_status TEXT NOT NULL DEFAULT '',
		covers_msg_from_id TEXT NOT NULL,
		covers_msg_to_id TEXT NOT NULL,
		messages_summarized INTEGER NOT NULL DEFAULT 0,
		tokens_before INTEGER NOT NULL DEFAULT 0,
		tokens_after INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_extractions_ticket ON conversation_extractions(ticket_id, created_at);

	CREATE TABLE IF NOT EXISTS execution_sessions (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		status TEXT NOT NULL DEFAULT 'running',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_tokens INTEGER NOT NULL DEFAULT 0,
		api_calls INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_ticket ON execution_sessions(ticket_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON execution_sessions(status);

	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		session_id TEXT NOT NULL REFERENCES execution_sessions(id),
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_tokens INTEGER NOT NULL DEFAULT 0,
		api_calls INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_messages (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'message',
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_messages_pending ON user_messages(ticket_id, processed, created_at);

	CREATE TABLE IF NOT EXISTS project_knowledge (
		project_id TEXT PRIMARY KEY REFERENCES projects(id),
		gotchas TEXT NOT NULL DEFAULT '[]',
		error_solutions TEXT NOT NULL DEFAULT '{}',
		decisions TEXT NOT NULL DEFAULT '[]',
		learned_tickets TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_maps (
		project_id TEXT PRIMARY KEY REFERENCES projects(id),
		tree TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		frameworks TEXT NOT NULL DEFAULT '[]',
		entry_points TEXT NOT NULL DEFAULT '[]',
		generated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_preferences (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		language TEXT NOT NULL DEFAULT '',
		response_style TEXT NOT NULL DEFAULT '',
		skill_level TEXT NOT NULL DEFAULT '',
		custom_instructions TEXT NOT NULL DEFAULT '',
		quirks TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daemon_logs (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		session_id TEXT,
		log_type TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_ticket ON execution_logs(ticket_id, created_at);
	`

	if _, err := s.writer.ExecContext(ctx, schema); err != nil {
		return Classify(err)
	}
	s.logger.Debug("Schema initialized")
	return nil
}
