package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

const templateColumns = `id, name, description, workflow, priority, effort, acceptance_criteria, tags, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*models.Template, error) {
	t := &models.Template{}
	var tags string
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Workflow, &t.Priority, &t.Effort, &t.AcceptanceCriteria, &tags, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &t.Tags)
	return t, nil
}

// CreateTemplate inserts a new reusable task blueprint, generating an id
// if the caller left one unset.
func (r *Repository) CreateTemplate(ctx context.Context, tmpl *models.Template) error {
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	tags, err := json.Marshal(tmpl.Tags)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO templates (id, name, description, workflow, priority, effort, acceptance_criteria, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), tmpl.ID, tmpl.Name, tmpl.Description, tmpl.Workflow, string(tmpl.Priority), tmpl.Effort, tmpl.AcceptanceCriteria, string(tags), tmpl.CreatedAt, tmpl.UpdatedAt)
	return err
}

// GetTemplate retrieves a template by id.
func (r *Repository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+templateColumns+` FROM templates WHERE id = ?`), id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTemplates lists every template, newest first.
func (r *Repository) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`SELECT `+templateColumns+` FROM templates ORDER BY created_at DESC`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTemplate overwrites an existing template's mutable fields.
func (r *Repository) UpdateTemplate(ctx context.Context, id string, tmpl *models.Template) error {
	tags, err := json.Marshal(tmpl.Tags)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE templates SET name = ?, description = ?, workflow = ?, priority = ?, effort = ?,
			acceptance_criteria = ?, tags = ?, updated_at = ?
		WHERE id = ?
	`), tmpl.Name, tmpl.Description, tmpl.Workflow, string(tmpl.Priority), tmpl.Effort, tmpl.AcceptanceCriteria, string(tags), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrTemplateNotFound, id)
	}
	return nil
}

// DeleteTemplate removes a template by id.
func (r *Repository) DeleteTemplate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM templates WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrTemplateNotFound, id)
	}
	return nil
}
