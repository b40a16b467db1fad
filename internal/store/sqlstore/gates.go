package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// SetGate upserts a gate by its (taskId, name) primary key.
func (r *Repository) SetGate(ctx context.Context, gate models.Gate) error {
	if gate.RequiredAt.IsZero() {
		gate.RequiredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO gates (task_id, name, status, required_at, responded_at, approver, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, name) DO UPDATE SET
			status = excluded.status,
			required_at = excluded.required_at,
			responded_at = excluded.responded_at,
			approver = excluded.approver,
			comment = excluded.comment
	`), gate.TaskID, gate.Name, string(gate.Status), gate.RequiredAt, gate.RespondedAt, gate.Approver, gate.Comment)
	return err
}

// GetGate retrieves a gate by task id and name.
func (r *Repository) GetGate(ctx context.Context, taskID, name string) (*models.Gate, error) {
	g := &models.Gate{}
	var respondedAt sql.NullTime
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT task_id, name, status, required_at, responded_at, approver, comment
		FROM gates WHERE task_id = ? AND name = ?
	`), taskID, name).Scan(&g.TaskID, &g.Name, &g.Status, &g.RequiredAt, &respondedAt, &g.Approver, &g.Comment)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrGateNotFound, taskID, name)
	}
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		g.RespondedAt = &respondedAt.Time
	}
	return g, nil
}

// ApproveGate transitions a gate to approved, recording the approver,
// optional comment, and response time.
func (r *Repository) ApproveGate(ctx context.Context, taskID, name, approver, comment string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE gates SET status = ?, responded_at = ?, approver = ?, comment = ?
		WHERE task_id = ? AND name = ?
	`), string(models.GateApproved), time.Now().UTC(), approver, comment, taskID, name)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrGateNotFound, taskID, name)
	}
	return nil
}
