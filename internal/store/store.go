// Package store defines the durable, queryable persistence contract for
// tasks, logs, artifacts, gates, templates, checkpoints, and idle tasks.
// The Store is the single authority that mutates these rows; every other
// component observes them through its read APIs and submits changes
// through its mutating operations, which are linearisable per task id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// Sentinel errors identifying a missing entity. Implementations wrap these
// with the entity id via fmt.Errorf("%w: %s", ErrTaskNotFound, id) so
// callers can both errors.Is and read a human message.
var (
	ErrTaskNotFound       = errors.New("Task not found")
	ErrTemplateNotFound   = errors.New("Template not found")
	ErrCheckpointNotFound = errors.New("Checkpoint not found")
	ErrGateNotFound       = errors.New("Gate not found")
	ErrIdleTaskNotFound   = errors.New("Idle task not found")
)

// TaskPatch describes a partial update to a task. Nil fields are left
// unchanged. An entirely empty patch is a no-op, not an error.
type TaskPatch struct {
	Status         *models.Status
	CurrentStage   *string
	CompletedAt    *time.Time
	Error          *string
	RetryCount     *int
	PausedAt       *time.Time
	PauseReason    *models.PauseReason
	ResumeAfter    *time.Time
	ResumeAttempts *int
	Usage          *models.Usage
	Conversation   *[]models.ConversationMessage
	PRURL          *string
	SubtaskIDs     *[]string
	SubtaskStrategy *models.SubtaskStrategy
	BranchName     *string
}

// ListTasksOptions filters and orders a task listing.
type ListTasksOptions struct {
	Status          *models.Status
	OrderByPriority bool
	Limit           int
}

// Store is the durable persistence contract described in the data model.
type Store interface {
	// Task CRUD.
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) error
	ListTasks(ctx context.Context, opts ListTasksOptions) ([]*models.Task, error)

	// Logs, artifacts, commands.
	AddLog(ctx context.Context, taskID string, entry models.TaskLog) error
	AddArtifact(ctx context.Context, taskID string, artifact models.TaskArtifact) error
	LogCommand(ctx context.Context, taskID, command string) error

	// Queue.
	GetNextQueuedTask(ctx context.Context) (*models.Task, error)
	QueueTask(ctx context.Context, id string, priority models.Priority) error
	GetReadyTasks(ctx context.Context, opts ListTasksOptions) ([]*models.Task, error)

	// Dependencies.
	GetTaskDependencies(ctx context.Context, id string) ([]string, error)
	GetDependentTasks(ctx context.Context, id string) ([]string, error)
	GetBlockingTasks(ctx context.Context, id string) ([]string, error)
	IsTaskReady(ctx context.Context, id string) (bool, error)
	AddDependency(ctx context.Context, taskID, dependsOnID string) error
	RemoveDependency(ctx context.Context, taskID, dependsOnID string) error

	// Gates.
	SetGate(ctx context.Context, gate models.Gate) error
	GetGate(ctx context.Context, taskID, name string) (*models.Gate, error)
	ApproveGate(ctx context.Context, taskID, name, approver, comment string) error

	// Checkpoints.
	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
	GetCheckpoint(ctx context.Context, taskID, checkpointID string) (*models.Checkpoint, error)
	GetLatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, taskID, checkpointID string) error
	DeleteAllCheckpoints(ctx context.Context, taskID string) error

	// Resumption.
	GetPausedTasksForResume(ctx context.Context) ([]*models.Task, error)

	// Templates.
	CreateTemplate(ctx context.Context, tmpl *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]*models.Template, error)
	UpdateTemplate(ctx context.Context, id string, tmpl *models.Template) error
	DeleteTemplate(ctx context.Context, id string) error

	// Idle tasks.
	CreateIdleTask(ctx context.Context, it *models.IdleTask) error
	GetIdleTask(ctx context.Context, id string) (*models.IdleTask, error)
	ListIdleTasks(ctx context.Context) ([]*models.IdleTask, error)
	// PromoteIdleTask atomically creates a Task from the idle task and
	// marks the idle task implemented, back-linking via ImplementedTaskID.
	PromoteIdleTask(ctx context.Context, id string, overrides *models.Task) (*models.Task, error)

	Close() error
}
