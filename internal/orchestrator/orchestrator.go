// Package orchestrator is the Orchestrator Façade (§4.5): the public
// surface bundling the Store, Scheduler, Capacity Monitor, Workflow
// Executor, and VCS runner behind a single encapsulated value, replacing
// the source's module-level singletons. Grounded on the shape of the
// teacher's internal/orchestrator Service (one struct coordinating
// sub-services, wired in by Set*/New* calls) and its event_handlers_*.go
// files (small per-concern handler methods registered onto the bus),
// adapted here onto the fixed taskevents.Emitter channel set instead of
// the teacher's free-form bus.Event.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/capacity"
	"github.com/JoshuaAFerguson/apex/internal/common/config"
	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/internal/health"
	"github.com/JoshuaAFerguson/apex/internal/idgen"
	"github.com/JoshuaAFerguson/apex/internal/scheduler"
	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
	"github.com/JoshuaAFerguson/apex/internal/taskevents"
	"github.com/JoshuaAFerguson/apex/internal/vcs"
	"github.com/JoshuaAFerguson/apex/internal/workspace"
)

// WorkspaceCleaner is the subset of workspace.Manager the façade's
// auto-cleanup hook consumes.
type WorkspaceCleaner interface {
	CleanupWorkspace(ctx context.Context, taskID string) error
}

var _ WorkspaceCleaner = (*workspace.Manager)(nil)

// VCS is the subset of vcs.Runner the façade's PR/push surface consumes,
// narrowed to an interface so it can be faked in tests without shelling
// out to git/gh.
type VCS interface {
	GitHubCLIAvailable(ctx context.Context) bool
	IsGitHubRepo(ctx context.Context, projectPath string) (bool, error)
	PushBranch(ctx context.Context, projectPath, branchName string) (string, error)
	CreatePullRequest(ctx context.Context, projectPath string, opts vcs.CreatePullRequestOptions) (string, error)
}

var _ VCS = (*vcs.Runner)(nil)

// Orchestrator is the encapsulated global state described in §9: the
// Store, Scheduler, Capacity Monitor, and event bus, plus the VCS runner
// and workspace cleaner needed for the façade's PR/push/cleanup surface.
type Orchestrator struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	capacity  *capacity.Monitor
	workspace WorkspaceCleaner
	vcsRunner VCS
	health    *health.Monitor
	emitter   *taskevents.Emitter
	cfg       *config.Config
	log       *logger.Logger

	mu          sync.Mutex
	initialized bool
}

// New constructs an Orchestrator. Initialize must be called before it is
// used; construction alone performs no I/O.
func New(cfg *config.Config, st store.Store, sched *scheduler.Scheduler, exec *executor.Executor, capMon *capacity.Monitor, ws WorkspaceCleaner, vcsRunner VCS, healthMon *health.Monitor, emitter *taskevents.Emitter, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		store:     st,
		scheduler: sched,
		executor:  exec,
		capacity:  capMon,
		workspace: ws,
		vcsRunner: vcsRunner,
		health:    healthMon,
		emitter:   emitter,
		cfg:       cfg,
		log:       log.WithComponent("orchestrator"),
	}
}

// Initialize wires the auto-cleanup listener and starts the Scheduler and
// Health Monitor. Idempotent: a second call is a no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}

	if o.emitter != nil {
		o.emitter.On(taskevents.EventTaskCompleted, o.handleTaskCompleted)
	}
	if o.scheduler != nil {
		o.scheduler.Start(ctx)
	}
	if o.health != nil {
		o.health.Start(ctx)
	}

	o.initialized = true
	return nil
}

// Shutdown stops the Scheduler and Health Monitor, blocking until any
// in-flight task workers return.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return
	}
	if o.scheduler != nil {
		o.scheduler.Stop()
	}
	if o.health != nil {
		o.health.Stop()
	}
	o.initialized = false
}

// cleanupEnabled reports whether workspace.cleanupOnComplete is in
// effect, defaulting to true when the config section is absent.
func (o *Orchestrator) cleanupEnabled() bool {
	if o.cfg == nil {
		return true
	}
	return o.cfg.Workspace.CleanupOnComplete
}

// handleTaskCompleted is the auto-cleanup hook: on task:completed it
// releases the task's workspace, logging (never throwing) on failure both
// to the component logger and the task's own log, tagged
// "workspace-cleanup" per §4.5.
func (o *Orchestrator) handleTaskCompleted(ev taskevents.Event) {
	if o.workspace == nil || !o.cleanupEnabled() {
		return
	}
	ctx := context.Background()
	if err := o.workspace.CleanupWorkspace(ctx, ev.TaskID); err != nil {
		o.log.Warn("workspace cleanup failed after task completion",
			zap.String("task_id", ev.TaskID), zap.Error(err))
		_ = o.store.AddLog(ctx, ev.TaskID, models.TaskLog{
			Timestamp: time.Now(),
			Level:     models.LogWarn,
			Message:   fmt.Sprintf("workspace cleanup failed: %v", err),
			Component: "workspace-cleanup",
		})
	}
}

// CreateTaskRequest describes a new task to admit into the Store.
type CreateTaskRequest struct {
	Description        string
	AcceptanceCriteria string
	Workflow           string
	ProjectPath        string
	Priority           models.Priority
	Autonomy           models.Autonomy
	MaxRetries         int
	DependsOn          []string
}

// CreateTask assigns the task's literal id and branch name, persists it,
// wires any declared dependencies, and emits task:created.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	now := time.Now()
	autonomy := req.Autonomy
	if autonomy == "" && o.cfg != nil {
		autonomy = models.Autonomy(o.cfg.Autonomy.Default)
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 && o.cfg != nil {
		maxRetries = o.cfg.Limits.MaxRetries
	}

	task := &models.Task{
		ID:                 idgen.TaskID(now),
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Workflow:           req.Workflow,
		ProjectPath:        req.ProjectPath,
		BranchName:         vcs.BranchName(req.Description),
		Priority:           req.Priority,
		Autonomy:           autonomy,
		Status:             models.StatusPending,
		MaxRetries:         maxRetries,
		DependsOn:          req.DependsOn,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}

	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	for _, dep := range req.DependsOn {
		if err := o.store.AddDependency(ctx, task.ID, dep); err != nil {
			return nil, err
		}
	}

	o.emit(taskevents.EventTaskCreated, task.ID, task)
	if o.scheduler != nil {
		o.scheduler.Nudge()
	}
	return task, nil
}

func (o *Orchestrator) emit(typ taskevents.EventType, taskID string, payload any) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(taskevents.Event{Type: typ, TaskID: taskID, Payload: payload})
}

// GetTask reads a task by id.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return o.store.GetTask(ctx, id)
}

// ListTasks lists tasks per opts.
func (o *Orchestrator) ListTasks(ctx context.Context, opts store.ListTasksOptions) ([]*models.Task, error) {
	return o.store.ListTasks(ctx, opts)
}

// CancelTask delegates to the Workflow Executor's terminal-state-aware
// cancellation, which also releases the task's workspace.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (bool, error) {
	return o.executor.CancelTask(ctx, id)
}

// DecomposeTask delegates to the Workflow Executor.
func (o *Orchestrator) DecomposeTask(ctx context.Context, parentID string, specs []executor.SubtaskSpec, strategy models.SubtaskStrategy) ([]string, error) {
	return o.executor.DecomposeTask(ctx, parentID, specs, strategy)
}

// ExecuteSubtasks delegates to the Workflow Executor.
func (o *Orchestrator) ExecuteSubtasks(ctx context.Context, parentID string, opts executor.Options) (bool, error) {
	return o.executor.ExecuteSubtasks(ctx, parentID, opts)
}

// DetectSessionLimit applies the shared session-pressure subroutine to the
// task's stored conversation. contextWindow is used as given: 0 yields an
// infinite utilization and a handoff recommendation.
func (o *Orchestrator) DetectSessionLimit(ctx context.Context, id string, contextWindow int) (*models.SessionStatus, error) {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	threshold := 0.8
	if o.cfg != nil && o.cfg.Daemon.SessionRecovery.ContextWindowThreshold > 0 {
		threshold = o.cfg.Daemon.SessionRecovery.ContextWindowThreshold
	}
	status := capacity.CheckSessionPressure(task.Conversation, contextWindow, threshold)
	return &status, nil
}

// Template CRUD. Ids are assigned here; everything else is a direct Store
// pass-through, matching the teacher's workflow_store.go's thin-wrapper
// shape around its own persistence layer.

// CreateTemplate assigns a template id and persists it.
func (o *Orchestrator) CreateTemplate(ctx context.Context, tmpl *models.Template) (*models.Template, error) {
	now := time.Now()
	tmpl.ID = idgen.TemplateID()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	if err := o.store.CreateTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	o.emit(taskevents.EventTemplateCreated, "", tmpl)
	return tmpl, nil
}

// UpdateTemplate persists changes to an existing template and emits
// template:updated.
func (o *Orchestrator) UpdateTemplate(ctx context.Context, id string, tmpl *models.Template) error {
	tmpl.UpdatedAt = time.Now()
	if err := o.store.UpdateTemplate(ctx, id, tmpl); err != nil {
		return err
	}
	o.emit(taskevents.EventTemplateUpdated, "", tmpl)
	return nil
}

// ListIdleTasks exposes the idle-task backlog surfaced by analyzers.
func (o *Orchestrator) ListIdleTasks(ctx context.Context) ([]*models.IdleTask, error) {
	return o.store.ListIdleTasks(ctx)
}

// PromoteIdleTask converts an idle task into a real, queued Task,
// preserving the bi-directional link described in the glossary.
func (o *Orchestrator) PromoteIdleTask(ctx context.Context, id string, overrides CreateTaskRequest) (*models.Task, error) {
	now := time.Now()
	task := &models.Task{
		ID:                 idgen.TaskID(now),
		Description:        overrides.Description,
		AcceptanceCriteria: overrides.AcceptanceCriteria,
		Workflow:           overrides.Workflow,
		ProjectPath:        overrides.ProjectPath,
		BranchName:         vcs.BranchName(overrides.Description),
		Priority:           overrides.Priority,
		Status:             models.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}
	created, err := o.store.PromoteIdleTask(ctx, id, task)
	if err != nil {
		return nil, err
	}
	o.emit(taskevents.EventTaskCreated, created.ID, created)
	return created, nil
}

// CreatePullRequestOptions configures CreatePullRequest.
type CreatePullRequestOptions struct {
	Title string
	Body  string
	Draft bool
}

// CreatePullRequest checks gh/GitHub-remote availability, generates a
// conventional-commit title and body when the caller doesn't supply one,
// and shells out to gh pr create, persisting prUrl on success. Emits
// pr:created or pr:failed per §4.5.
func (o *Orchestrator) CreatePullRequest(ctx context.Context, id string, opts CreatePullRequestOptions) (string, error) {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}

	if !o.vcsRunner.GitHubCLIAvailable(ctx) {
		o.emit(taskevents.EventPRFailed, id, vcs.ErrGitHubCLIUnavailable.Error())
		return "", vcs.ErrGitHubCLIUnavailable
	}
	isGitHub, err := o.vcsRunner.IsGitHubRepo(ctx, task.ProjectPath)
	if err != nil {
		o.emit(taskevents.EventPRFailed, id, err.Error())
		return "", err
	}
	if !isGitHub {
		o.emit(taskevents.EventPRFailed, id, vcs.ErrNotGitHubRemote.Error())
		return "", vcs.ErrNotGitHubRemote
	}

	title := opts.Title
	if title == "" {
		title = vcs.CommitTitle(task.Workflow, task.Description)
	}
	body := opts.Body
	if body == "" {
		body = vcs.CommitBody(vcs.PRBodyInput{
			TaskID:             task.ID,
			AcceptanceCriteria: task.AcceptanceCriteria,
			Workflow:           task.Workflow,
			BranchName:         task.BranchName,
			TotalTokens:        task.Usage.TotalTokens,
			Cost:               task.Usage.EstimatedCost,
		})
	}

	prURL, err := o.vcsRunner.CreatePullRequest(ctx, task.ProjectPath, vcs.CreatePullRequestOptions{
		Title: title, Body: body, Draft: opts.Draft,
	})
	if err != nil {
		o.emit(taskevents.EventPRFailed, id, err.Error())
		return "", err
	}

	if err := o.store.UpdateTask(ctx, id, store.TaskPatch{PRURL: &prURL}); err != nil {
		return "", err
	}
	o.emit(taskevents.EventPRCreated, id, prURL)
	return prURL, nil
}

// PushValidator runs pre-push checks (build, test) and reports whether the
// branch is safe to push.
type PushValidator func(ctx context.Context, task *models.Task) error

// PushResult is the outcome of PushBranch.
type PushResult struct {
	Success      bool
	RemoteBranch string
	Error        string
}

// PushBranch is guarded by config.git.pushAfterTask. When enabled, it runs
// validator (if supplied) and then pushes the task's branch to origin.
func (o *Orchestrator) PushBranch(ctx context.Context, id string, validator PushValidator) (PushResult, error) {
	if o.cfg == nil || !o.cfg.Git.PushAfterTask {
		return PushResult{Success: false, Error: "push after task is disabled"}, nil
	}
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return PushResult{}, err
	}
	if validator != nil {
		if err := validator(ctx, task); err != nil {
			return PushResult{Success: false, Error: err.Error()}, nil
		}
	}
	if _, err := o.vcsRunner.PushBranch(ctx, task.ProjectPath, task.BranchName); err != nil {
		return PushResult{Success: false, Error: err.Error()}, nil
	}
	return PushResult{Success: true, RemoteBranch: task.BranchName}, nil
}
