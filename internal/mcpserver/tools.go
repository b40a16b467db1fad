package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/orchestrator"
	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func registerTools(s *server.MCPServer, tasks TaskAPI, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks in the queue, optionally filtered by status."),
			mcp.WithString("status",
				mcp.Description("Filter by status: pending, queued, planning, in-progress, waiting-approval, paused, completed, failed, cancelled (optional)"),
			),
		),
		listTasksHandler(tasks, log),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get a single task by id, including its status, conversation, and usage."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id")),
		),
		getTaskHandler(tasks, log),
	)

	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task and admit it into the queue."),
			mcp.WithString("description", mcp.Required(), mcp.Description("What the task should accomplish")),
			mcp.WithString("project_path", mcp.Required(), mcp.Description("Absolute path to the project repository")),
			mcp.WithString("workflow", mcp.Description("Named workflow to run (optional, defaults to the standard workflow)")),
			mcp.WithString("acceptance_criteria", mcp.Description("Criteria the task must satisfy to be considered done (optional)")),
			mcp.WithString("priority", mcp.Description("urgent, high, normal, or low (optional, defaults to normal)")),
			mcp.WithArray("depends_on", mcp.Description("Task ids this task must wait on (optional)")),
		),
		createTaskHandler(tasks, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a running or queued task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id to cancel")),
		),
		cancelTaskHandler(tasks, log),
	)

	s.AddTool(
		mcp.NewTool("list_idle_tasks",
			mcp.WithDescription("List idle-time task suggestions discovered during off-hours, not yet promoted into the queue."),
		),
		listIdleTasksHandler(tasks, log),
	)

	s.AddTool(
		mcp.NewTool("promote_idle_task",
			mcp.WithDescription("Promote an idle-task suggestion into a real queued task."),
			mcp.WithString("idle_task_id", mcp.Required(), mcp.Description("The idle task id to promote")),
			mcp.WithString("project_path", mcp.Required(), mcp.Description("Absolute path to the project repository to run it against")),
		),
		promoteIdleTaskHandler(tasks, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

func listTasksHandler(tasks TaskAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		opts := store.ListTasksOptions{OrderByPriority: true}
		if s := req.GetString("status", ""); s != "" {
			status := models.Status(s)
			opts.Status = &status
		}

		list, err := tasks.ListTasks(ctx, opts)
		if err != nil {
			log.Error("failed to list tasks", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		return jsonResult(list)
	}
}

func getTaskHandler(tasks TaskAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := tasks.GetTask(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func createTaskHandler(tasks TaskAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		projectPath, err := req.RequireString("project_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		createReq := orchestrator.CreateTaskRequest{
			Description:        description,
			ProjectPath:        projectPath,
			Workflow:           req.GetString("workflow", ""),
			AcceptanceCriteria: req.GetString("acceptance_criteria", ""),
			Priority:           models.Priority(req.GetString("priority", "")),
			DependsOn:          stringSliceArg(req, "depends_on"),
		}

		task, err := tasks.CreateTask(ctx, createReq)
		if err != nil {
			log.Error("failed to create task", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func cancelTaskHandler(tasks TaskAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cancelled, err := tasks.CancelTask(ctx, id)
		if err != nil {
			log.Error("failed to cancel task", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to cancel task: %v", err)), nil
		}
		if !cancelled {
			return mcp.NewToolResultText(fmt.Sprintf("task %s was already in a terminal state", id)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("task %s cancelled", id)), nil
	}
}

func listIdleTasksHandler(tasks TaskAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := tasks.ListIdleTasks(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list idle tasks: %v", err)), nil
		}
		return jsonResult(list)
	}
}

func promoteIdleTaskHandler(tasks TaskAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idleID, err := req.RequireString("idle_task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		projectPath, err := req.RequireString("project_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := tasks.PromoteIdleTask(ctx, idleID, orchestrator.CreateTaskRequest{ProjectPath: projectPath})
		if err != nil {
			log.Error("failed to promote idle task", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to promote idle task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

// stringSliceArg reads an optional JSON array argument as []string, ignoring
// non-string elements rather than failing the whole call.
func stringSliceArg(req mcp.CallToolRequest, name string) []string {
	raw, ok := req.GetArguments()[name]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
