package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/orchestrator"
	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// fakeTaskAPI is a minimal in-memory TaskAPI exercising only what the tool
// handlers call, in the style of the orchestrator package's fakeStore.
type fakeTaskAPI struct {
	tasks     map[string]*models.Task
	idleTasks map[string]*models.IdleTask
	createErr error
	cancelled map[string]bool
}

func newFakeTaskAPI() *fakeTaskAPI {
	return &fakeTaskAPI{
		tasks:     make(map[string]*models.Task),
		idleTasks: make(map[string]*models.IdleTask),
		cancelled: make(map[string]bool),
	}
}

func (f *fakeTaskAPI) CreateTask(_ context.Context, req orchestrator.CreateTaskRequest) (*models.Task, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	task := &models.Task{
		ID:          "task_1",
		Description: req.Description,
		Status:      models.StatusQueued,
		Priority:    req.Priority,
	}
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeTaskAPI) GetTask(_ context.Context, id string) (*models.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeTaskAPI) ListTasks(_ context.Context, opts store.ListTasksOptions) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range f.tasks {
		if opts.Status != nil && t.Status != *opts.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTaskAPI) CancelTask(_ context.Context, id string) (bool, error) {
	if _, ok := f.tasks[id]; !ok {
		return false, store.ErrTaskNotFound
	}
	f.cancelled[id] = true
	return true, nil
}

func (f *fakeTaskAPI) ListIdleTasks(_ context.Context) ([]*models.IdleTask, error) {
	var out []*models.IdleTask
	for _, t := range f.idleTasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTaskAPI) PromoteIdleTask(_ context.Context, id string, overrides orchestrator.CreateTaskRequest) (*models.Task, error) {
	idle, ok := f.idleTasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	task := &models.Task{ID: "task_promoted", Description: idle.Description, Status: models.StatusQueued}
	f.tasks[task.ID] = task
	return task, nil
}

var _ TaskAPI = (*fakeTaskAPI)(nil)

func callReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	}
}

func TestCreateTaskHandler(t *testing.T) {
	api := newFakeTaskAPI()
	handler := createTaskHandler(api, logger.Default())

	result, err := handler(context.Background(), callReq(map[string]any{
		"description":  "fix the thing",
		"project_path": "/repo",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var task models.Task
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &task))
	assert.Equal(t, "fix the thing", task.Description)
	assert.Len(t, api.tasks, 1)
}

func TestCreateTaskHandlerMissingRequired(t *testing.T) {
	api := newFakeTaskAPI()
	handler := createTaskHandler(api, logger.Default())

	result, err := handler(context.Background(), callReq(map[string]any{
		"description": "missing project path",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, api.tasks)
}

func TestCreateTaskHandlerPropagatesError(t *testing.T) {
	api := newFakeTaskAPI()
	api.createErr = errors.New("capacity exhausted")
	handler := createTaskHandler(api, logger.Default())

	result, err := handler(context.Background(), callReq(map[string]any{
		"description":  "x",
		"project_path": "/repo",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetTaskHandler(t *testing.T) {
	api := newFakeTaskAPI()
	api.tasks["task_1"] = &models.Task{ID: "task_1", Description: "seeded"}
	handler := getTaskHandler(api, logger.Default())

	result, err := handler(context.Background(), callReq(map[string]any{"task_id": "task_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var task models.Task
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &task))
	assert.Equal(t, "seeded", task.Description)
}

func TestGetTaskHandlerNotFound(t *testing.T) {
	api := newFakeTaskAPI()
	handler := getTaskHandler(api, logger.Default())

	result, err := handler(context.Background(), callReq(map[string]any{"task_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListTasksHandlerFiltersByStatus(t *testing.T) {
	api := newFakeTaskAPI()
	api.tasks["a"] = &models.Task{ID: "a", Status: models.StatusQueued}
	api.tasks["b"] = &models.Task{ID: "b", Status: models.StatusCompleted}
	handler := listTasksHandler(api, logger.Default())

	result, err := handler(context.Background(), callReq(map[string]any{"status": "queued"}))
	require.NoError(t, err)

	var tasks []*models.Task
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)
}

func TestCancelTaskHandler(t *testing.T) {
	api := newFakeTaskAPI()
	api.tasks["task_1"] = &models.Task{ID: "task_1"}
	handler := cancelTaskHandler(api, logger.Default())

	result, err := handler(context.Background(), callReq(map[string]any{"task_id": "task_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, api.cancelled["task_1"])
}

func TestPromoteIdleTaskHandler(t *testing.T) {
	api := newFakeTaskAPI()
	api.idleTasks["idle_1"] = &models.IdleTask{ID: "idle_1", Description: "found while idle"}
	handler := promoteIdleTaskHandler(api, logger.Default())

	result, err := handler(context.Background(), callReq(map[string]any{
		"idle_task_id": "idle_1",
		"project_path": "/repo",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var task models.Task
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &task))
	assert.Equal(t, "found while idle", task.Description)
}

func TestStringSliceArgIgnoresNonStrings(t *testing.T) {
	req := callReq(map[string]any{"depends_on": []any{"a", 2, "b", nil}})
	got := stringSliceArg(req, "depends_on")
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestStringSliceArgMissing(t *testing.T) {
	req := callReq(map[string]any{})
	assert.Nil(t, stringSliceArg(req, "depends_on"))
}

// textContent extracts the text of a single-content-item tool result, the
// shape jsonResult and mcp.NewToolResultText/Error both produce.
func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}
