package store

import (
	"context"
	"encoding/json"
	"time"
)

const (
	maxKnowledgeItems = 20
	maxLearnedTickets = 50
)

// Knowledge is the decoded view of a project's accumulated memory.
type Knowledge struct {
	Gotchas        []string
	ErrorSolutions map[string]string
	Decisions      []string
	LearnedTickets []string
}

// GetKnowledge returns the project's decoded knowledge, empty when none
// has been recorded yet.
func (s *Store) GetKnowledge(ctx context.Context, projectID string) (*Knowledge, error) {
	var row ProjectKnowledge
	err := s.reader.GetContext(ctx, &row,
		"SELECT * FROM project_knowledge WHERE project_id = ?", projectID)
	if err != nil {
		if Classify(err) == ErrNotFound {
			return &Knowledge{ErrorSolutions: map[string]string{}}, nil
		}
		return nil, Classify(err)
	}
	return decodeKnowledge(&row)
}

// MergeKnowledge folds new learnings into the project's knowledge:
// duplicates are dropped, each list keeps its newest 20 items and learned
// tickets keep the newest 50.
func (s *Store) MergeKnowledge(ctx context.Context, projectID string, add *Knowledge) error {
	current, err := s.GetKnowledge(ctx, projectID)
	if err != nil {
		return err
	}

	current.Gotchas = mergeCapped(current.Gotchas, add.Gotchas, maxKnowledgeItems)
	current.Decisions = mergeCapped(current.Decisions, add.Decisions, maxKnowledgeItems)
	current.LearnedTickets = mergeCapped(current.LearnedTickets, add.LearnedTickets, maxLearnedTickets)
	if current.ErrorSolutions == nil {
		current.ErrorSolutions = map[string]string{}
	}
	for k, v := range add.ErrorSolutions {
		current.ErrorSolutions[k] = v
	}

	row, err := encodeKnowledge(projectID, current)
	if err != nil {
		return err
	}

	query := `INSERT INTO project_knowledge (project_id, gotchas, error_solutions,
		decisions, learned_tickets, updated_at)
		VALUES (:project_id, :gotchas, :error_solutions, :decisions, :learned_tickets, :updated_at)
		ON CONFLICT(project_id) DO UPDATE SET
		gotchas = excluded.gotchas, error_solutions = excluded.error_solutions,
		decisions = excluded.decisions, learned_tickets = excluded.learned_tickets,
		updated_at = excluded.updated_at`
	if _, err := s.writer.NamedExecContext(ctx, query, row); err != nil {
		return Classify(err)
	}
	return nil
}

// mergeCapped appends items absent from existing, then keeps the newest
// limit entries.
func mergeCapped(existing, add []string, limit int) []string {
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v] = true
	}
	merged := existing
	for _, v := range add {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		merged = append(merged, v)
	}
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

func decodeKnowledge(row *ProjectKnowledge) (*Knowledge, error) {
	k := &Knowledge{ErrorSolutions: map[string]string{}}
	for _, pair := range []struct {
		raw  string
		dest *[]string
	}{
		{row.Gotchas, &k.Gotchas},
		{row.Decisions, &k.Decisions},
		{row.LearnedTickets, &k.LearnedTickets},
	} {
		if pair.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return nil, err
		}
	}
	if row.ErrorSolutions != "" {
		if err := json.Unmarshal([]byte(row.ErrorSolutions), &k.ErrorSolutions); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func encodeKnowledge(projectID string, k *Knowledge) (*ProjectKnowledge, error) {
	gotchas, err := json.Marshal(k.Gotchas)
	if err != nil {
		return nil, err
	}
	solutions, err := json.Marshal(k.ErrorSolutions)
	if err != nil {
		return nil, err
	}
	decisions, err := json.Marshal(k.Decisions)
	if err != nil {
		return nil, err
	}
	learned, err := json.Marshal(k.LearnedTickets)
	if err != nil {
		return nil, err
	}
	return &ProjectKnowledge{
		ProjectID:      projectID,
		Gotchas:        string(gotchas),
		ErrorSolutions: string(solutions),
		Decisions:      string(decisions),
		LearnedTickets: string(learned),
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

// GetProjectMap returns the cached structure snapshot when it is younger
// than maxAge, ErrNotFound otherwise.
func (s *Store) GetProjectMap(ctx context.Context, projectID string, maxAge time.Duration) (*ProjectMap, error) {
	var m ProjectMap
	err := s.reader.GetContext(ctx, &m,
		"SELECT * FROM project_maps WHERE project_id = ?", projectID)
	if err != nil {
		return nil, Classify(err)
	}
	if time.Since(m.GeneratedAt) > maxAge {
		return nil, ErrNotFound
	}
	return &m, nil
}

// PutProjectMap stores or replaces the structure snapshot.
func (s *Store) PutProjectMap(ctx context.Context, m *ProjectMap) error {
	m.GeneratedAt = time.Now().UTC()
	query := `INSERT INTO project_maps (project_id, tree, language, frameworks, entry_points, generated_at)
		VALUES (:project_id, :tree, :language, :frameworks, :entry_points, :generated_at)
		ON CONFLICT(project_id) DO UPDATE SET
		tree = excluded.tree, language = excluded.language,
		frameworks = excluded.frameworks, entry_points = excluded.entry_points,
		generated_at = excluded.generated_at`
	if _, err := s.writer.NamedExecContext(ctx, query, m); err != nil {
		return Classify(err)
	}
	return nil
}
