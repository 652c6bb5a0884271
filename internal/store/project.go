package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateProject inserts a new project. Code is uppercased and must be unique.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Code = strings.ToUpper(p.Code)
	if p.Status == "" {
		p.Status = ProjectActive
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `INSERT INTO projects (id, name, code, type, web_path, app_path, context,
		db_host, db_name, db_user, db_password, model, status,
		total_tokens, total_calls, created_at, updated_at)
		VALUES (:id, :name, :code, :type, :web_path, :app_path, :context,
		:db_host, :db_name, :db_user, :db_password, :model, :status,
		:total_tokens, :total_calls, :created_at, :updated_at)`
	if _, err := s.writer.NamedExecContext(ctx, query, p); err != nil {
		return Classify(err)
	}
	return nil
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.reader.GetContext(ctx, &p, "SELECT * FROM projects WHERE id = ?", id)
	if err != nil {
		return nil, Classify(err)
	}
	return &p, nil
}

// GetProjectByCode returns a project by its short code.
func (s *Store) GetProjectByCode(ctx context.Context, code string) (*Project, error) {
	var p Project
	err := s.reader.GetContext(ctx, &p, "SELECT * FROM projects WHERE code = ?", strings.ToUpper(code))
	if err != nil {
		return nil, Classify(err)
	}
	return &p, nil
}

// UpdateProject persists mutable project fields.
func (s *Store) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now().UTC()
	query := `UPDATE projects SET name = :name, type = :type, web_path = :web_path,
		app_path = :app_path, context = :context, db_host = :db_host,
		db_name = :db_name, db_user = :db_user, db_password = :db_password,
		model = :model, status = :status, updated_at = :updated_at
		WHERE id = :id`
	if _, err := s.writer.NamedExecContext(ctx, query, p); err != nil {
		return Classify(err)
	}
	return nil
}

// ListActiveProjectsWithOpenTickets returns active projects having at least
// one claimable ticket, ordered by the best priority among those tickets then
// by oldest ticket first.
func (s *Store) ListActiveProjectsWithOpenTickets(ctx context.Context) ([]*Project, error) {
	query := fmt.Sprintf(`SELECT p.* FROM projects p
		JOIN (
			SELECT project_id, MIN(%s) AS best_rank, MIN(created_at) AS oldest
			FROM tickets
			WHERE status IN ('open', 'new', 'pending')
			GROUP BY project_id
		) t ON t.project_id = p.id
		WHERE p.status = 'active'
		ORDER BY t.best_rank, t.oldest`, priorityRank)

	var projects []*Project
	if err := s.reader.SelectContext(ctx, &projects, query); err != nil {
		return nil, Classify(err)
	}
	return projects, nil
}

// AddProjectUsage adds session totals to the project's cumulative counters.
func (s *Store) AddProjectUsage(ctx context.Context, projectID string, tokens, calls int64) error {
	query := `UPDATE projects SET total_tokens = total_tokens + ?,
		total_calls = total_calls + ?, updated_at = ? WHERE id = ?`
	if _, err := s.writer.ExecContext(ctx, query, tokens, calls, time.Now().UTC(), projectID); err != nil {
		return Classify(err)
	}
	return nil
}
