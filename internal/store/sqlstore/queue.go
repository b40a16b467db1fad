package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// readyPredicate matches pending tasks with no incomplete dependency.
// Shared by GetNextQueuedTask and GetReadyTasks so both agree on what
// "ready" means.
const readyPredicate = `
	status = 'pending' AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks dt ON dt.id = d.depends_on_id
		WHERE d.task_id = tasks.id AND dt.status != 'completed'
	)
`

// GetNextQueuedTask returns the highest-priority ready task, tie-broken by
// createdAt ascending, or nil if none are ready. A blocked task is never
// returned even if its priority would otherwise dominate.
func (r *Repository) GetNextQueuedTask(ctx context.Context) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + readyPredicate +
		` ORDER BY ` + priorityRankSQL + `, created_at ASC LIMIT 1`
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(query))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	deps, err := r.GetTaskDependencies(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

// QueueTask resets a non-pending task to pending with the given priority.
func (r *Repository) QueueTask(ctx context.Context, id string, priority models.Priority) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = 'pending', priority = ?, updated_at = ? WHERE id = ?
	`), string(priority), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return nil
}

// GetReadyTasks lists every ready task in the same order GetNextQueuedTask
// uses to pick one.
func (r *Repository) GetReadyTasks(ctx context.Context, opts store.ListTasksOptions) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + readyPredicate
	if opts.OrderByPriority {
		query += ` ORDER BY ` + priorityRankSQL + `, created_at ASC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		deps, err := r.GetTaskDependencies(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}
	return out, nil
}

// resumablePauseReasons is the exact, case-sensitive set of pause reasons
// eligible for automatic resumption. session_limit, rate_limit, manual,
// and any case variant are deliberately excluded — see the Open Question
// discussion on GetPausedTasksForResume.
var resumablePauseReasons = []string{
	string(models.PauseUsageLimit),
	string(models.PauseBudget),
	string(models.PauseCapacity),
}

// GetPausedTasksForResume returns paused tasks whose pause reason is one of
// usage_limit/budget/capacity (exact match) and whose resumeAfter, if set,
// has passed. Ordered by priority then createdAt.
func (r *Repository) GetPausedTasksForResume(ctx context.Context) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'paused'
		AND pause_reason IN (?, ?, ?)
		AND (resume_after IS NULL OR resume_after <= ?)
		ORDER BY ` + priorityRankSQL + `, created_at ASC`

	args := []any{resumablePauseReasons[0], resumablePauseReasons[1], resumablePauseReasons[2], time.Now().UTC()}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		deps, err := r.GetTaskDependencies(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}
	return out, nil
}
