package store

import (
	"database/sql"
	"time"
)

// Ticket statuses.
const (
	StatusNew           = "new"
	StatusOpen          = "open"
	StatusPending       = "pending"
	StatusInProgress    = "in_progress"
	StatusAwaitingInput = "awaiting_input"
	StatusDone          = "done"
	StatusSkipped       = "skipped"
	StatusStuck         = "stuck"
	StatusFailed        = "failed"
)

// Session statuses.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionStopped   = "stopped"
	SessionSkipped   = "skipped"
	SessionStuck     = "stuck"
)

// Ticket priorities, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Project statuses.
const (
	ProjectActive   = "active"
	ProjectArchived = "archived"
)

// CloseReasonAutoExpired marks tickets closed by the review-deadline sweep.
const CloseReasonAutoExpired = "auto_closed_7days"

// priorityRank is the CASE expression used to order tickets by priority.
// Lower rank claims first.
const priorityRank = `CASE priority
	WHEN 'critical' THEN 0
	WHEN 'high' THEN 1
	WHEN 'medium' THEN 2
	WHEN 'low' THEN 3
	ELSE 4 END`

// Project is a logical workspace owning tickets and derived memory.
type Project struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Code        string         `db:"code"`
	Type        string         `db:"type"`
	WebPath     sql.NullString `db:"web_path"`
	AppPath     sql.NullString `db:"app_path"`
	Context     string         `db:"context"`
	DBHost      sql.NullString `db:"db_host"`
	DBName      sql.NullString `db:"db_name"`
	DBUser      sql.NullString `db:"db_user"`
	DBPassword  sql.NullString `db:"db_password"`
	Model       string         `db:"model"`
	Status      string         `db:"status"`
	TotalTokens int64          `db:"total_tokens"`
	TotalCalls  int64          `db:"total_calls"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// HasDatabase reports whether the project owns a dedicated database.
func (p *Project) HasDatabase() bool {
	return p.DBName.Valid && p.DBName.String != ""
}

// PrimaryPath returns the working directory for agent runs: web root first,
// then app root, then the given fallback.
func (p *Project) PrimaryPath(fallback string) string {
	if p.WebPath.Valid && p.WebPath.String != "" {
		return p.WebPath.String
	}
	if p.AppPath.Valid && p.AppPath.String != "" {
		return p.AppPath.String
	}
	return fallback
}

// Ticket is a unit of work scoped to one project.
type Ticket struct {
	ID             string         `db:"id"`
	ProjectID      string         `db:"project_id"`
	TicketNumber   string         `db:"ticket_number"`
	Title          string         `db:"title"`
	Description    string         `db:"description"`
	Context        string         `db:"context"`
	Priority       string         `db:"priority"`
	Status         string         `db:"status"`
	Model          sql.NullString `db:"model"`
	ReviewDeadline sql.NullTime   `db:"review_deadline"`
	CloseReason    sql.NullString `db:"close_reason"`
	TotalTokens    int64          `db:"total_tokens"`
	TotalSeconds   int64          `db:"total_seconds"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// ConversationMessage is one append-only transcript event.
type ConversationMessage struct {
	ID           string         `db:"id"`
	TicketID     string         `db:"ticket_id"`
	SessionID    sql.NullString `db:"session_id"`
	Role         string         `db:"role"`
	Content      string         `db:"content"`
	ToolName     sql.NullString `db:"tool_name"`
	ToolInput    sql.NullString `db:"tool_input"`
	TokenCount   int            `db:"token_count"`
	IsSummarized bool           `db:"is_summarized"`
	CreatedAt    time.Time      `db:"created_at"`
}

// ConversationExtraction summarizes a contiguous range of older messages.
// List fields are stored as JSON arrays.
type ConversationExtraction struct {
	ID                 string    `db:"id"`
	TicketID           string    `db:"ticket_id"`
	Decisions          string    `db:"decisions"`
	ProblemsSolved     string    `db:"problems_solved"`
	FilesModified      string    `db:"files_modified"`
	BlockingIssues     string    `db:"blocking_issues"`
	ImportantNotes     string    `db:"important_notes"`
	ErrorPatterns      string    `db:"error_patterns"`
	CurrentStatus      string    `db:"current_status"`
	CoversMsgFromID    string    `db:"covers_msg_from_id"`
	CoversMsgToID      string    `db:"covers_msg_to_id"`
	MessagesSummarized int       `db:"messages_summarized"`
	TokensBefore       int       `db:"tokens_before"`
	TokensAfter        int       `db:"tokens_after"`
	CreatedAt          time.Time `db:"created_at"`
}

// ExecutionSession is one agent invocation for a ticket.
type ExecutionSession struct {
	ID           string       `db:"id"`
	TicketID     string       `db:"ticket_id"`
	Status       string       `db:"status"`
	InputTokens  int64        `db:"input_tokens"`
	OutputTokens int64        `db:"output_tokens"`
	CacheTokens  int64        `db:"cache_tokens"`
	APICalls     int64        `db:"api_calls"`
	StartedAt    time.Time    `db:"started_at"`
	EndedAt      sql.NullTime `db:"ended_at"`
}

// UsageRecord is the session-final accounting snapshot.
type UsageRecord struct {
	ID           string    `db:"id"`
	ProjectID    string    `db:"project_id"`
	TicketID     string    `db:"ticket_id"`
	SessionID    string    `db:"session_id"`
	InputTokens  int64     `db:"input_tokens"`
	OutputTokens int64     `db:"output_tokens"`
	CacheTokens  int64     `db:"cache_tokens"`
	APICalls     int64     `db:"api_calls"`
	CreatedAt    time.Time `db:"created_at"`
}

// UserMessage is a row in the interactive command queue.
type UserMessage struct {
	ID          string    `db:"id"`
	TicketID    string    `db:"ticket_id"`
	Content     string    `db:"content"`
	MessageType string    `db:"message_type"`
	Processed   bool      `db:"processed"`
	CreatedAt   time.Time `db:"created_at"`
}

// ProjectKnowledge is accumulated per-project memory. List fields are JSON
// arrays; error_solutions is a JSON object of error -> solution.
type ProjectKnowledge struct {
	ProjectID      string    `db:"project_id"`
	Gotchas        string    `db:"gotchas"`
	ErrorSolutions string    `db:"error_solutions"`
	Decisions      string    `db:"decisions"`
	LearnedTickets string    `db:"learned_tickets"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ProjectMap is the cached project structure snapshot.
type ProjectMap struct {
	ProjectID   string    `db:"project_id"`
	Tree        string    `db:"tree"`
	Language    string    `db:"language"`
	Frameworks  string    `db:"frameworks"`
	EntryPoints string    `db:"entry_points"`
	GeneratedAt time.Time `db:"generated_at"`
}

// UserPreferences is the single per-site row steering agent tone and output.
// Quirks is a JSON array of learned habits.
type UserPreferences struct {
	ID                 int       `db:"id"`
	Language           string    `db:"language"`
	ResponseStyle      string    `db:"response_style"`
	SkillLevel         string    `db:"skill_level"`
	CustomInstructions string    `db:"custom_instructions"`
	Quirks             string    `db:"quirks"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// DaemonLog is a diagnostic event from the daemon itself.
type DaemonLog struct {
	ID        string    `db:"id"`
	Level     string    `db:"level"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

// ExecutionLog is a diagnostic event tied to a ticket's agent run.
type ExecutionLog struct {
	ID        string         `db:"id"`
	TicketID  string         `db:"ticket_id"`
	SessionID sql.NullString `db:"session_id"`
	LogType   string         `db:"log_type"`
	Text      string         `db:"text"`
	CreatedAt time.Time      `db:"created_at"`
}
