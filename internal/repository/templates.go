package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/vigil/internal/domain"
)

// SaveTemplate inserts an enrollment. Existing templates are never touched;
// the newest enrollment per subject becomes the active one.
func (r *SQLRepository) SaveTemplate(ctx context.Context, tmpl *domain.Template) error {
	if tmpl.ID == "" || tmpl.SubjectID == "" {
		return fmt.Errorf("%w: template id and subject id are required", ErrInvalidInput)
	}
	if len(tmpl.Descriptor) != domain.DescriptorLength {
		return fmt.Errorf("%w: got %d values", domain.ErrDescriptorShapeMismatch, len(tmpl.Descriptor))
	}

	descriptor, err := json.Marshal(tmpl.Descriptor)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}

	query := `
		INSERT INTO templates (id, subject_id, descriptor, quality, enrolled_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tmpl.ID, tmpl.SubjectID, string(descriptor),
		nullFloat(tmpl.Quality), toNanos(tmpl.EnrolledAt),
	)
	return err
}

const templateColumns = `id, subject_id, descriptor, quality, enrolled_at`

// GetTemplate retrieves a template by ID, superseded or not.
func (r *SQLRepository) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = ?`

	tmpl, err := scanTemplate(r.db.QueryRowContext(ctx, r.rebind(query), templateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTemplateNotFound
	}
	return tmpl, err
}

// GetActiveTemplate returns the most recent enrollment for a subject.
func (r *SQLRepository) GetActiveTemplate(ctx context.Context, subjectID string) (*domain.Template, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM templates
		WHERE subject_id = ?
		ORDER BY enrolled_at DESC, id DESC
		LIMIT 1
	`

	tmpl, err := scanTemplate(r.db.QueryRowContext(ctx, r.rebind(query), subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTemplateNotFound
	}
	return tmpl, err
}

// ListActiveTemplates returns the active template of each enrolled subject
// in subjectIDs. Subjects without a template are skipped.
func (r *SQLRepository) ListActiveTemplates(ctx context.Context, subjectIDs []string) ([]*domain.Template, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(subjectIDs)), ",")
	args := make([]any, len(subjectIDs))
	for i, id := range subjectIDs {
		args[i] = id
	}

	query := `
		SELECT ` + templateColumns + `
		FROM templates
		WHERE subject_id IN (` + placeholders + `)
		ORDER BY subject_id, enrolled_at DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*domain.Template
	seen := make(map[string]bool, len(subjectIDs))
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		if seen[tmpl.SubjectID] {
			continue
		}
		seen[tmpl.SubjectID] = true
		templates = append(templates, tmpl)
	}

	return templates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*domain.Template, error) {
	var tmpl domain.Template
	var descriptor string
	var quality sql.NullFloat64
	var enrolledAt int64

	if err := row.Scan(&tmpl.ID, &tmpl.SubjectID, &descriptor, &quality, &enrolledAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(descriptor), &tmpl.Descriptor); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor for template %s: %w", tmpl.ID, err)
	}
	tmpl.Quality = floatPtr(quality)
	tmpl.EnrolledAt = fromNanos(enrolledAt)

	return &tmpl, nil
}
