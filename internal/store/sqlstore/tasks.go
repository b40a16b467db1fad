package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
	"github.com/JoshuaAFerguson/apex/internal/telemetry"
)

// CreateTask inserts a new task row. The caller is responsible for
// assigning ID and BranchName; neither is ever rewritten afterward.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	ctx, span := telemetry.Tracer("apex-store").Start(ctx, "store.CreateTask")
	defer span.End()

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

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
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
		return err
	}

	for _, dep := range task.DependsOn {
		if err := r.AddDependency(ctx, task.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

const taskColumns = `id, description, acceptance_criteria, parent_task_id, subtask_strategy, subtask_ids,
	workflow, autonomy, project_path, branch_name, priority, status, current_stage, completed_at, error,
	retry_count, max_retries, paused_at, pause_reason, resume_after, resume_attempts,
	input_tokens, output_tokens, total_tokens, estimated_cost, conversation, pr_url, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var subtaskIDs, conversation string
	var completedAt, pausedAt, resumeAfter sql.NullTime
	err := row.Scan(
		&t.ID, &t.Description, &t.AcceptanceCriteria, &t.ParentTaskID, &t.SubtaskStrategy, &subtaskIDs,
		&t.Workflow, &t.Autonomy, &t.ProjectPath, &t.BranchName, &t.Priority, &t.Status, &t.CurrentStage, &completedAt, &t.Error,
		&t.RetryCount, &t.MaxRetries, &pausedAt, &t.PauseReason, &resumeAfter, &t.ResumeAttempts,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.TotalTokens, &t.Usage.EstimatedCost, &conversation, &t.PRURL,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(subtaskIDs), &t.SubtaskIDs)
	_ = json.Unmarshal([]byte(conversation), &t.Conversation)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if pausedAt.Valid {
		t.PausedAt = &pausedAt.Time
	}
	if resumeAfter.Valid {
		t.ResumeAfter = &resumeAfter.Time
	}
	return t, nil
}

// GetTask retrieves a task by id, including its dependency set.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	deps, err := r.GetTaskDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

// UpdateTask applies a partial patch to an existing task. An empty patch
// is a no-op; updated_at only advances when at least one field changes.
func (r *Repository) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) error {
	sets := []string{}
	args := []any{}

	addSet := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Status != nil {
		addSet("status", string(*patch.Status))
	}
	if patch.CurrentStage != nil {
		addSet("current_stage", *patch.CurrentStage)
	}
	if patch.CompletedAt != nil {
		addSet("completed_at", *patch.CompletedAt)
	}
	if patch.Error != nil {
		addSet("error", *patch.Error)
	}
	if patch.RetryCount != nil {
		addSet("retry_count", *patch.RetryCount)
	}
	if patch.PausedAt != nil {
		addSet("paused_at", *patch.PausedAt)
	}
	if patch.PauseReason != nil {
		addSet("pause_reason", string(*patch.PauseReason))
	}
	if patch.ResumeAfter != nil {
		addSet("resume_after", *patch.ResumeAfter)
	}
	if patch.ResumeAttempts != nil {
		addSet("resume_attempts", *patch.ResumeAttempts)
	}
	if patch.Usage != nil {
		addSet("input_tokens", patch.Usage.InputTokens)
		addSet("output_tokens", patch.Usage.OutputTokens)
		addSet("total_tokens", patch.Usage.TotalTokens)
		addSet("estimated_cost", patch.Usage.EstimatedCost)
	}
	if patch.Conversation != nil {
		conv, _ := json.Marshal(*patch.Conversation)
		addSet("conversation", string(conv))
	}
	if patch.PRURL != nil {
		addSet("pr_url", *patch.PRURL)
	}
	if patch.SubtaskIDs != nil {
		ids, _ := json.Marshal(*patch.SubtaskIDs)
		addSet("subtask_ids", string(ids))
	}
	if patch.SubtaskStrategy != nil {
		addSet("subtask_strategy", string(*patch.SubtaskStrategy))
	}
	if patch.BranchName != nil {
		addSet("branch_name", *patch.BranchName)
	}

	if len(sets) == 0 {
		return nil
	}

	addSet("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(sets, ", "))
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return nil
}

// ListTasks lists tasks, optionally filtered by status and ordered by
// priority then age.
func (r *Repository) ListTasks(ctx context.Context, opts store.ListTasksOptions) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if opts.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*opts.Status))
	}
	if opts.OrderByPriority {
		query += ` ORDER BY ` + priorityRankSQL + `, created_at ASC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

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
