package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// AddLog appends a log entry to a task's log stream.
func (r *Repository) AddLog(ctx context.Context, taskID string, entry models.TaskLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = models.LogInfo
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_logs (id, task_id, timestamp, level, message, stage, agent, component)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, taskID, entry.Timestamp, string(entry.Level), entry.Message, entry.Stage, entry.Agent, entry.Component)
	return err
}

// AddArtifact appends an artifact record to a task.
func (r *Repository) AddArtifact(ctx context.Context, taskID string, artifact models.TaskArtifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_artifacts (id, task_id, name, type, path, content)
		VALUES (?, ?, ?, ?, ?, ?)
	`), artifact.ID, taskID, artifact.Name, artifact.Type, artifact.Path, artifact.Content)
	return err
}

// LogCommand records an external command invocation as an info-level log
// entry with component "command".
func (r *Repository) LogCommand(ctx context.Context, taskID, command string) error {
	return r.AddLog(ctx, taskID, models.TaskLog{
		Level:     models.LogInfo,
		Message:   command,
		Component: "command",
	})
}
