// Package workspace provides the per-task working directory and optional
// container id consulted by the Workflow Executor. Workspaces are
// optionally backed by a Docker container for isolation; when Docker is
// unavailable the manager falls back to a plain directory under baseDir.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
)

// Workspace is the per-task isolation unit: a directory and, when Docker
// is available, the id of a container mounting it.
type Workspace struct {
	TaskID      string
	Path        string
	ContainerID string
}

// Manager owns workspace lifecycle: creation at task start, read-only
// queries during execution, and cleanup/release at task end.
type Manager struct {
	baseDir string
	image   string
	docker  *client.Client
	log     *logger.Logger

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// NewManager constructs a Manager. Docker connectivity is attempted
// eagerly but is not required: containerless projectPath/workspace-dir
// isolation is a legitimate degraded mode.
func NewManager(baseDir, image string, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		baseDir:    baseDir,
		image:      image,
		log:        log.WithComponent("workspace"),
		workspaces: make(map[string]*Workspace),
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		m.log.Warn("docker unavailable, workspaces will not be containerized", zap.Error(err))
		return m
	}
	m.docker = cli
	return m
}

// CreateWorkspace allocates a working directory for taskID under baseDir,
// optionally backed by a Docker container mounting projectPath. Returns
// the workspace; callers persist its Path/ContainerID onto the task as
// needed.
func (m *Manager) CreateWorkspace(ctx context.Context, taskID, projectPath string) (*Workspace, error) {
	dir := filepath.Join(m.baseDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}

	ws := &Workspace{TaskID: taskID, Path: dir}

	if m.docker != nil && m.image != "" {
		containerID, err := m.startContainer(ctx, taskID, dir, projectPath)
		if err != nil {
			m.log.Warn("failed to start workspace container, continuing without one",
				zap.String("task_id", taskID), zap.Error(err))
		} else {
			ws.ContainerID = containerID
		}
	}

	m.mu.Lock()
	m.workspaces[taskID] = ws
	m.mu.Unlock()
	return ws, nil
}

func (m *Manager) startContainer(ctx context.Context, taskID, workspaceDir, projectPath string) (string, error) {
	resp, err := m.docker.ContainerCreate(ctx, &container.Config{
		Image: m.image,
		Tty:   true,
		Labels: map[string]string{
			"apex.task_id": taskID,
		},
	}, &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:/workspace", workspaceDir), fmt.Sprintf("%s:/project:ro", projectPath)},
	}, nil, nil, "apex-task-"+taskID)
	if err != nil {
		return "", err
	}
	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetWorkspacePath returns the workspace directory for taskID, or "" if
// none was ever created. Callers fall back to the task's projectPath.
func (m *Manager) GetWorkspacePath(taskID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ws, ok := m.workspaces[taskID]; ok {
		return ws.Path
	}
	return ""
}

// GetContainerID returns the container id backing taskID's workspace, or
// "" if the workspace is not containerized.
func (m *Manager) GetContainerID(taskID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ws, ok := m.workspaces[taskID]; ok {
		return ws.ContainerID
	}
	return ""
}

// CleanupWorkspace stops and removes the backing container (if any) and
// deletes the workspace directory. Safe to call on a taskID with no
// recorded workspace.
func (m *Manager) CleanupWorkspace(ctx context.Context, taskID string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[taskID]
	delete(m.workspaces, taskID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if ws.ContainerID != "" && m.docker != nil {
		timeout := 5
		_ = m.docker.ContainerStop(ctx, ws.ContainerID, container.StopOptions{Timeout: &timeout})
		if err := m.docker.ContainerRemove(ctx, ws.ContainerID, container.RemoveOptions{Force: true}); err != nil {
			m.log.Warn("failed to remove workspace container", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	if ws.Path != "" {
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("failed to remove workspace dir: %w", err)
		}
	}
	return nil
}

// ReleaseWorkspace is an alias for CleanupWorkspace used from the
// cancellation path, where the spec refers to "releasing" rather than
// "cleaning up" the workspace.
func (m *Manager) ReleaseWorkspace(ctx context.Context, taskID string) error {
	return m.CleanupWorkspace(ctx, taskID)
}
