package mcpserver

import (
	"context"

	"github.com/JoshuaAFerguson/apex/internal/orchestrator"
	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// TaskAPI is the narrow slice of the orchestrator façade the MCP tools
// drive. Keeping it separate from *orchestrator.Orchestrator lets tests
// exercise the tools against a fake without touching the Store, scheduler,
// or VCS wiring.
type TaskAPI interface {
	CreateTask(ctx context.Context, req orchestrator.CreateTaskRequest) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, opts store.ListTasksOptions) ([]*models.Task, error)
	CancelTask(ctx context.Context, id string) (bool, error)
	ListIdleTasks(ctx context.Context) ([]*models.IdleTask, error)
	PromoteIdleTask(ctx context.Context, id string, overrides orchestrator.CreateTaskRequest) (*models.Task, error)
}

var _ TaskAPI = (*orchestrator.Orchestrator)(nil)
