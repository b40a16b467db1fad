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

const idleTaskColumns = `id, type, title, description, priority, estimated_effort, suggested_workflow,
	rationale, created_at, implemented, implemented_task_id, tags`

func scanIdleTask(row interface{ Scan(...any) error }) (*models.IdleTask, error) {
	it := &models.IdleTask{}
	var tags string
	err := row.Scan(&it.ID, &it.Type, &it.Title, &it.Description, &it.Priority, &it.EstimatedEffort,
		&it.SuggestedWorkflow, &it.Rationale, &it.CreatedAt, &it.Implemented, &it.ImplementedTaskID, &tags)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &it.Tags)
	return it, nil
}

// CreateIdleTask records an idle-time candidate surfaced by an analyzer.
func (r *Repository) CreateIdleTask(ctx context.Context, it *models.IdleTask) error {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(it.Tags)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO idle_tasks (id, type, title, description, priority, estimated_effort,
			suggested_workflow, rationale, created_at, implemented, implemented_task_id, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), it.ID, it.Type, it.Title, it.Description, string(it.Priority), it.EstimatedEffort,
		it.SuggestedWorkflow, it.Rationale, it.CreatedAt, it.Implemented, it.ImplementedTaskID, string(tags))
	return err
}

// GetIdleTask retrieves an idle task by id.
func (r *Repository) GetIdleTask(ctx context.Context, id string) (*models.IdleTask, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+idleTaskColumns+` FROM idle_tasks WHERE id = ?`), id)
	it, err := scanIdleTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrIdleTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ListIdleTasks lists every idle task, newest first.
func (r *Repository) ListIdleTasks(ctx context.Context) ([]*models.IdleTask, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`SELECT `+idleTaskColumns+` FROM idle_tasks ORDER BY created_at DESC`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.IdleTask
	for rows.Next() {
		it, err := scanIdleTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// PromoteIdleTask creates a real Task from an idle task candidate and
// marks the idle task implemented, back-linking to the new task id. Both
// writes commit atomically: a promotion never leaves an idle task marked
// implemented without the task it points to, or vice versa.
func (r *Repository) PromoteIdleTask(ctx context.Context, id string, overrides *models.Task) (*models.Task, error) {
	it, err := r.GetIdleTask(ctx, id)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		Description:        it.Description,
		AcceptanceCriteria: it.Rationale,
		Priority:           it.Priority,
		Workflow:           it.SuggestedWorkflow,
		Autonomy:           models.AutonomyReviewBeforeMerge,
	}
	if overrides != nil {
		if overrides.ID != "" {
			task.ID = overrides.ID
		}
		if overrides.Description != "" {
			task.Description = overrides.Description
		}
		if overrides.Priority != "" {
			task.Priority = overrides.Priority
		}
		if overrides.Workflow != "" {
			task.Workflow = overrides.Workflow
		}
		if overrides.Autonomy != "" {
			task.Autonomy = overrides.Autonomy
		}
		if overrides.ProjectPath != "" {
			task.ProjectPath = overrides.ProjectPath
		}
		if overrides.BranchName != "" {
			task.BranchName = overrides.BranchName
		}
		task.DependsOn = overrides.DependsOn
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	subtaskIDs, _ := json.Marshal(task.SubtaskIDs)
	conversation, _ := json.Marshal(task.Conversation)

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO tasks (
			id, description, acceptance_criteria, parent_task_id, subtask_strategy, subtask_ids,
			workflow, autonomy, project_path, branch_name, priority, status, current_stage,
			retry_count, max_retries, pause_reason, resume_attempts,
			input_tokens, output_tokens, total_tokens, estimated_cost, conversation, pr_url,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		task.ID, task.Description, task.AcceptanceCriteria, task.ParentTaskID, string(task.SubtaskStrategy), string(subtaskIDs),
		task.Workflow, string(task.Autonomy), task.ProjectPath, task.BranchName, string(task.Priority), string(task.Status), task.CurrentStage,
		task.RetryCount, task.MaxRetries, string(task.PauseReason), task.ResumeAttempts,
		task.Usage.InputTokens, task.Usage.OutputTokens, task.Usage.TotalTokens, task.Usage.EstimatedCost, string(conversation), task.PRURL,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, dep := range task.DependsOn {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
			ON CONFLICT (task_id, depends_on_id) DO NOTHING
		`), task.ID, dep); err != nil {
			return nil, err
		}
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE idle_tasks SET implemented = ?, implemented_task_id = ? WHERE id = ?
	`), true, task.ID, id)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrIdleTaskNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}
