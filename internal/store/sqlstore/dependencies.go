package sqlstore

import "context"

// GetTaskDependencies returns the set of task ids that id depends on.
func (r *Repository) GetTaskDependencies(ctx context.Context, id string) ([]string, error) {
	return r.queryIDs(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, id)
}

// GetDependentTasks returns the set of task ids that depend on id.
func (r *Repository) GetDependentTasks(ctx context.Context, id string) ([]string, error) {
	return r.queryIDs(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_id = ?`, id)
}

// GetBlockingTasks returns the subset of id's dependencies that are not
// yet completed.
func (r *Repository) GetBlockingTasks(ctx context.Context, id string) ([]string, error) {
	return r.queryIDs(ctx, `
		SELECT d.depends_on_id FROM task_dependencies d
		JOIN tasks t ON t.id = d.depends_on_id
		WHERE d.task_id = ? AND t.status != 'completed'
	`, id)
}

// IsTaskReady reports whether id is pending with no incomplete dependencies.
func (r *Repository) IsTaskReady(ctx context.Context, id string) (bool, error) {
	var status string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT status FROM tasks WHERE id = ?`), id).Scan(&status)
	if err != nil {
		return false, err
	}
	if status != "pending" {
		return false, nil
	}
	blocking, err := r.GetBlockingTasks(ctx, id)
	if err != nil {
		return false, err
	}
	return len(blocking) == 0, nil
}

// AddDependency records that taskID depends on dependsOnID. Idempotent.
func (r *Repository) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	// INSERT OR IGNORE is SQLite syntax; ON CONFLICT DO NOTHING is
	// standard enough for both sqlite3 (3.24+) and postgres.
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		ON CONFLICT (task_id, depends_on_id) DO NOTHING
	`), taskID, dependsOnID)
	return err
}

// RemoveDependency removes a dependency edge, if present.
func (r *Repository) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_id = ?
	`), taskID, dependsOnID)
	return err
}

func (r *Repository) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
