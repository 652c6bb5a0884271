package store

import (
	"context"
	"time"
)

// GetUserPreferences returns the site-wide preferences row, ErrNotFound when
// none has been saved yet.
func (s *Store) GetUserPreferences(ctx context.Context) (*UserPreferences, error) {
	var p UserPreferences
	if err := s.reader.GetContext(ctx, &p, "SELECT * FROM user_preferences WHERE id = 1"); err != nil {
		return nil, Classify(err)
	}
	return &p, nil
}

// PutUserPreferences stores or replaces the site-wide preferences row.
func (s *Store) PutUserPreferences(ctx context.Context, p *UserPreferences) error {
	p.ID = 1
	if p.Quirks == "" {
		p.Quirks = "[]"
	}
	p.UpdatedAt = time.Now().UTC()
	query := `INSERT INTO user_preferences (id, language, response_style, skill_level,
		custom_instructions, quirks, updated_at)
		VALUES (:id, :language, :response_style, :skill_level,
		:custom_instructions, :quirks, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
		language = excluded.language, response_style = excluded.response_style,
		skill_level = excluded.skill_level, custom_instructions = excluded.custom_instructions,
		quirks = excluded.quirks, updated_at = excluded.updated_at`
	if _, err := s.writer.NamedExecContext(ctx, query, p); err != nil {
		return Classify(err)
	}
	return nil
}
