package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JoshuaAFerguson/apex/internal/agentdef"
	"github.com/JoshuaAFerguson/apex/internal/capacity"
	"github.com/JoshuaAFerguson/apex/internal/common/config"
	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/idgen"
	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
	"github.com/JoshuaAFerguson/apex/internal/taskevents"
	"github.com/JoshuaAFerguson/apex/internal/workflow"
	"github.com/JoshuaAFerguson/apex/internal/workspace"
)

// defaultContextWindow is used by the session-pressure check when the
// caller does not supply an explicit window size.
const defaultContextWindow = 200_000

// WorkspaceProvider is the subset of workspace.Manager the executor
// consumes: two read-only queries, defensively treated as "no workspace"
// on any missing value.
type WorkspaceProvider interface {
	GetWorkspacePath(taskID string) string
	GetContainerID(taskID string) string
	ReleaseWorkspace(ctx context.Context, taskID string) error
}

var _ WorkspaceProvider = (*workspace.Manager)(nil)

// Options configures one executeTask/resumeTask call.
type Options struct {
	AutoRetry            bool
	ResumeFromCheckpoint string
	ContextWindow        int
}

// Executor is the Workflow Executor component: the per-task state machine
// that runs stages, aggregates usage, classifies errors, retries, detects
// session pressure, and writes resumable checkpoints.
type Executor struct {
	store     store.Store
	workspace WorkspaceProvider
	capacity  *capacity.Monitor
	transport Transport
	emitter   *taskevents.Emitter
	limits    config.LimitsConfig
	session   config.SessionRecoveryConfig
	log       *logger.Logger

	sleep func(time.Duration)
	now   func() time.Time
}

// New constructs an Executor.
func New(st store.Store, ws WorkspaceProvider, capMon *capacity.Monitor, transport Transport, emitter *taskevents.Emitter, limits config.LimitsConfig, session config.SessionRecoveryConfig, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		store:     st,
		workspace: ws,
		capacity:  capMon,
		transport: transport,
		emitter:   emitter,
		limits:    limits,
		session:   session,
		log:       log.WithComponent("executor"),
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

func (e *Executor) emit(typ taskevents.EventType, taskID string, payload any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(taskevents.Event{Type: typ, TaskID: taskID, Payload: payload})
}

// outcome is the internal result of one run through a workflow's stages.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomePaused
	outcomeCancelled
	outcomeRetry
	outcomeFailed
)

// ExecuteTask transitions task id through its workflow and returns only
// once it reaches a terminal or pause state. It never returns an error for
// pause/cancel outcomes; a non-nil error means the task ended failed.
func (e *Executor) ExecuteTask(ctx context.Context, id string, opts Options) error {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if opts.ContextWindow == 0 {
		opts.ContextWindow = defaultContextWindow
	}

	e.emit(taskevents.EventTaskStarted, task.ID, task)

	return e.runWithRetry(ctx, task, opts, 0)
}

// runWithRetry drives the retry-from-stage-0 policy described in §4.2: on a
// retryable transient failure it logs, increments retryCount, sleeps for an
// exponential backoff, and re-enters the workflow from the first stage.
func (e *Executor) runWithRetry(ctx context.Context, task *models.Task, opts Options, startIndex int) error {
	for {
		loader := workflow.NewLoader(task.ProjectPath)
		wf, err := loader.Load(task.Workflow)
		if err != nil {
			return e.fail(ctx, task, err)
		}
		stages, err := wf.TopologicalStages()
		if err != nil {
			return e.fail(ctx, task, err)
		}

		out, runErr := e.runStages(ctx, task, wf, stages, startIndex, opts)
		switch out {
		case outcomeCompleted:
			return e.complete(ctx, task)
		case outcomePaused, outcomeCancelled:
			return nil
		case outcomeRetry:
			cls := classifyError(runErr)
			if !cls.isRetryable() || !opts.AutoRetry || task.RetryCount >= e.limits.MaxRetries {
				return e.fail(ctx, task, runErr)
			}
			task.RetryCount++
			retryCount := task.RetryCount
			if err := e.store.UpdateTask(ctx, task.ID, store.TaskPatch{RetryCount: &retryCount}); err != nil {
				e.log.Warn("failed to persist retry count", zap.String("task_id", task.ID), zap.Error(err))
			}
			_ = e.store.AddLog(ctx, task.ID, models.TaskLog{
				Timestamp: e.now(),
				Level:     models.LogWarn,
				Message:   fmt.Sprintf("retrying after transient error: %v", runErr),
				Component: "executor",
			})
			e.sleep(e.backoff(task.RetryCount))
			startIndex = 0
			continue
		default: // outcomeFailed
			return e.fail(ctx, task, runErr)
		}
	}
}

// backoff computes the exponential delay for the nth retry (1-indexed).
func (e *Executor) backoff(attempt int) time.Duration {
	base := e.limits.RetryDelay()
	factor := e.limits.RetryBackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	mult := math.Pow(factor, float64(attempt-1))
	return time.Duration(float64(base) * mult)
}

func (e *Executor) complete(ctx context.Context, task *models.Task) error {
	now := e.now()
	status := models.StatusCompleted
	zero := 0
	if err := e.store.UpdateTask(ctx, task.ID, store.TaskPatch{
		Status:         &status,
		CompletedAt:    &now,
		ResumeAttempts: &zero,
	}); err != nil {
		return err
	}
	e.emit(taskevents.EventTaskCompleted, task.ID, task)
	return nil
}

func (e *Executor) fail(ctx context.Context, task *models.Task, cause error) error {
	status := models.StatusFailed
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := e.store.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &status, Error: &msg}); err != nil {
		e.log.Warn("failed to persist failed status", zap.String("task_id", task.ID), zap.Error(err))
	}
	e.emit(taskevents.EventTaskFailed, task.ID, task)
	return cause
}

// pause writes a pause checkpoint and flips the task to paused. reason and
// resumePoint are stored in the checkpoint metadata per §3/§4.2.
func (e *Executor) pause(ctx context.Context, task *models.Task, stage string, stageIndex int, reason models.PauseReason, meta models.CheckpointMetadata) error {
	now := e.now()
	meta.PauseReason = reason
	cp := models.Checkpoint{
		TaskID:            task.ID,
		CheckpointID:      idgen.CheckpointID(),
		Stage:             stage,
		StageIndex:        stageIndex,
		ConversationState: task.Conversation,
		Metadata:          meta,
		CreatedAt:         now,
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}

	status := models.StatusPaused
	if err := e.store.UpdateTask(ctx, task.ID, store.TaskPatch{
		Status:      &status,
		PausedAt:    &now,
		PauseReason: &reason,
	}); err != nil {
		return err
	}
	e.emit(taskevents.EventTaskPaused, task.ID, task)
	return nil
}

// resolveWorkspace returns the working directory and container id for a
// task, treating a nil provider or empty strings as "no workspace".
func (e *Executor) resolveWorkspace(task *models.Task) (workDir, containerID string) {
	workDir = task.ProjectPath
	if e.workspace == nil {
		return workDir, ""
	}
	if p := e.workspace.GetWorkspacePath(task.ID); p != "" {
		workDir = p
	}
	containerID = e.workspace.GetContainerID(task.ID)
	return workDir, containerID
}

// checkCancelled re-reads the task status and reports whether it has been
// flipped to cancelled by another caller. The executor never forcibly
// interrupts the transport; this is the cooperative check described in §5.
func (e *Executor) checkCancelled(ctx context.Context, taskID string) (bool, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.Status == models.StatusCancelled, nil
}

// runStages executes stages[startIndex:] in order, returning the run's
// outcome. Errors other than session/budget pauses are wrapped unchanged
// so classifyError can inspect the original message.
func (e *Executor) runStages(ctx context.Context, task *models.Task, wf *workflow.Definition, stages []workflow.Stage, startIndex int, opts Options) (outcome, error) {
	agents := agentdef.NewLoader(task.ProjectPath)
	var completedStages []string

	for i := startIndex; i < len(stages); i++ {
		stage := stages[i]

		if cancelled, err := e.checkCancelled(ctx, task.ID); err != nil {
			return outcomeFailed, err
		} else if cancelled {
			return outcomeCancelled, nil
		}

		if err := e.store.UpdateTask(ctx, task.ID, store.TaskPatch{CurrentStage: &stage.Name}); err != nil {
			return outcomeFailed, err
		}
		e.emit(taskevents.EventTaskStageChanged, task.ID, stage.Name)

		workDir, containerID := e.resolveWorkspace(task)

		windowSize := opts.ContextWindow
		if windowSize == 0 {
			windowSize = defaultContextWindow
		}
		threshold := e.session.ContextWindowThreshold
		if threshold == 0 {
			threshold = 0.8
		}
		pressure := capacity.CheckSessionPressure(task.Conversation, windowSize, threshold)
		if pressure.Recommendation == "checkpoint" || pressure.Recommendation == "handoff" {
			statusCopy := pressure
			if err := e.pause(ctx, task, stage.Name, i, models.PauseSessionLimit, models.CheckpointMetadata{
				ResumePoint:        models.ResumeStageStart,
				SessionLimitStatus: &statusCopy,
			}); err != nil {
				return outcomeFailed, err
			}
			return outcomePaused, fmt.Errorf("%w", ErrSessionLimitReached)
		}

		agentDef, err := agents.Load(stage.Agent)
		if err != nil {
			return outcomeFailed, err
		}

		out, err := e.runOneStage(ctx, task, stage, agentDef, workDir, containerID)
		if err != nil {
			cls := classifyError(err)
			if cls.PauseReason != "" {
				if pauseErr := e.pause(ctx, task, stage.Name, i, cls.PauseReason, models.CheckpointMetadata{
					ResumePoint:     models.ResumeStageStart,
					CompletedStages: completedStages,
				}); pauseErr != nil {
					return outcomeFailed, pauseErr
				}
				return outcomePaused, nil
			}
			if cls.NonRetryable {
				return outcomeFailed, err
			}
			return outcomeRetry, err
		}
		_ = out

		completedStages = append(completedStages, stage.Name)
		cp := models.Checkpoint{
			TaskID:       task.ID,
			CheckpointID: idgen.CheckpointID(),
			Stage:        stage.Name,
			StageIndex:   i + 1,
			CreatedAt:    e.now(),
			Metadata: models.CheckpointMetadata{
				ResumePoint:     models.ResumeWorkflowContinue,
				CompletedStages: append([]string(nil), completedStages...),
			},
		}
		if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
			return outcomeFailed, err
		}
	}

	return outcomeCompleted, nil
}

// runOneStage invokes the transport for a single stage and streams its
// messages, accumulating usage and conversation state and enforcing the
// per-task budget cap after every usage block.
func (e *Executor) runOneStage(ctx context.Context, task *models.Task, stage workflow.Stage, agentDef *agentdef.Definition, workDir, containerID string) (struct{}, error) {
	req := StageRequest{
		TaskID:       task.ID,
		ProjectPath:  task.ProjectPath,
		WorkspaceDir: workDir,
		ContainerID:  containerID,
		SystemPrompt: agentDef.SystemPrompt,
		Stage:        stage.Name,
		Agent:        stage.Agent,
		Env:          e.stageEnv(task, workDir, containerID),
	}

	msgCh, errCh, err := e.transport.Run(ctx, req)
	if err != nil {
		return struct{}{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		case msg, ok := <-msgCh:
			if !ok {
				msgCh = nil
				if errCh == nil {
					return struct{}{}, nil
				}
				continue
			}
			if err := e.handleMessage(ctx, task, stage.Name, msg); err != nil {
				return struct{}{}, err
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				if msgCh == nil {
					return struct{}{}, nil
				}
				continue
			}
			if err != nil {
				return struct{}{}, err
			}
		}
		if msgCh == nil && errCh == nil {
			return struct{}{}, nil
		}
	}
}

// stageEnv builds the environment handed to the transport per §6: task id,
// project path, plus container id / workspace path only when non-empty.
func (e *Executor) stageEnv(task *models.Task, workDir, containerID string) map[string]string {
	env := map[string]string{
		"APEX_TASK_ID": task.ID,
		"APEX_PROJECT": task.ProjectPath,
	}
	if containerID != "" {
		env["APEX_CONTAINER_ID"] = containerID
	}
	if workDir != "" && workDir != task.ProjectPath {
		env["APEX_WORKSPACE_PATH"] = workDir
	}
	return env
}

func (e *Executor) handleMessage(ctx context.Context, task *models.Task, stage string, msg AgentMessage) error {
	switch msg.Kind {
	case MessageText:
		task.Conversation = append(task.Conversation, models.ConversationMessage{Role: "assistant", Content: msg.Content})
		e.emit(taskevents.EventAgentMessage, task.ID, msg)
	case MessageToolUse:
		task.Conversation = append(task.Conversation, models.ConversationMessage{Role: "assistant", Structured: msg})
		e.emit(taskevents.EventAgentToolUse, task.ID, msg)
	case MessageToolResult:
		task.Conversation = append(task.Conversation, models.ConversationMessage{Role: "tool", Structured: msg})
		e.emit(taskevents.EventAgentToolResult, task.ID, msg)
	case MessageUsage:
		costDelta := estimateCostDelta(msg.InputTokens, msg.OutputTokens)
		task.Usage.Add(msg.InputTokens, msg.OutputTokens, costDelta)
		usage := task.Usage
		conv := task.Conversation
		if err := e.store.UpdateTask(ctx, task.ID, store.TaskPatch{Usage: &usage, Conversation: &conv}); err != nil {
			return err
		}
		e.emit(taskevents.EventUsageUpdated, task.ID, usage)

		if e.limits.MaxTokensPerTask > 0 && usage.TotalTokens > e.limits.MaxTokensPerTask {
			return fmt.Errorf("%w: total tokens %d exceeds per-task cap %d", ErrBudgetExceeded, usage.TotalTokens, e.limits.MaxTokensPerTask)
		}
		if e.limits.MaxCostPerTask > 0 && usage.EstimatedCost > e.limits.MaxCostPerTask {
			return fmt.Errorf("%w: cost %.2f exceeds per-task cap %.2f", ErrBudgetExceeded, usage.EstimatedCost, e.limits.MaxCostPerTask)
		}
	}
	return nil
}

// estimateCostDelta is a placeholder cost model (dollars per 1K tokens,
// blended input/output rate) used until a real pricing table is wired in
// by the model-routing config.
func estimateCostDelta(inputTokens, outputTokens int) float64 {
	const dollarsPerKTokens = 0.01
	return float64(inputTokens+outputTokens) / 1000.0 * dollarsPerKTokens
}

// ResumeTask loads the latest (or named) checkpoint and continues the
// workflow from its recorded stage index, enforcing maxResumeAttempts.
func (e *Executor) ResumeTask(ctx context.Context, id string, opts Options) (bool, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}

	var cp *models.Checkpoint
	if opts.ResumeFromCheckpoint != "" {
		cp, err = e.store.GetCheckpoint(ctx, id, opts.ResumeFromCheckpoint)
	} else {
		cp, err = e.store.GetLatestCheckpoint(ctx, id)
	}
	if err != nil {
		return false, err
	}

	maxAttempts := e.session.MaxResumeAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	attempts := task.ResumeAttempts + 1

	if attempts > maxAttempts {
		resumeErr := &ErrMaxResumeAttemptsExceeded{Attempts: attempts, Max: maxAttempts}
		status := models.StatusFailed
		msg := resumeErr.Error()
		_ = e.store.UpdateTask(ctx, id, store.TaskPatch{Status: &status, Error: &msg, ResumeAttempts: &attempts})
		e.emit(taskevents.EventTaskFailed, id, task)
		return false, nil
	}

	if err := e.store.UpdateTask(ctx, id, store.TaskPatch{ResumeAttempts: &attempts}); err != nil {
		return false, err
	}
	task.ResumeAttempts = attempts
	e.emit(taskevents.EventTaskSessionResumed, id, task)

	loader := workflow.NewLoader(task.ProjectPath)
	wf, err := loader.Load(task.Workflow)
	if err != nil {
		return false, e.fail(ctx, task, err)
	}
	stages, err := wf.TopologicalStages()
	if err != nil {
		return false, e.fail(ctx, task, err)
	}

	if opts.ContextWindow == 0 {
		opts.ContextWindow = defaultContextWindow
	}

	if cp.StageIndex >= len(stages) {
		return true, e.complete(ctx, task)
	}

	err = e.runWithRetry(ctx, task, opts, cp.StageIndex)
	if err != nil {
		return false, err
	}
	return true, nil
}

// CancelTask refuses to cancel a terminal task. Otherwise it flips status
// to cancelled and releases the task's workspace; workspace release
// failures are logged at warn and never change the return value.
func (e *Executor) CancelTask(ctx context.Context, id string) (bool, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task.Status.IsTerminal() {
		return false, nil
	}

	status := models.StatusCancelled
	if err := e.store.UpdateTask(ctx, id, store.TaskPatch{Status: &status}); err != nil {
		return false, err
	}

	if e.workspace != nil {
		if err := e.workspace.ReleaseWorkspace(ctx, id); err != nil {
			e.log.Warn("failed to release workspace on cancel", zap.String("task_id", id), zap.Error(err))
		}
	}
	return true, nil
}

// ExecuteTasksConcurrently runs up to maxConcurrent tasks in parallel,
// returning a map from task id to the outcome. A semaphore-backed errgroup
// bounds concurrency; a failing task never cancels its siblings.
func (e *Executor) ExecuteTasksConcurrently(ctx context.Context, ids []string, maxConcurrent int, opts Options) map[string]error {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	results := make(map[string]error, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := e.ExecuteTask(gctx, id, opts)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil // never abort siblings
		})
	}
	_ = g.Wait()
	return results
}

// DecomposeTask creates child tasks from specs, inheriting workflow,
// priority, and branch from the parent, resolving intra-call dependsOn
// references by description match.
func (e *Executor) DecomposeTask(ctx context.Context, parentID string, specs []SubtaskSpec, strategy models.SubtaskStrategy) ([]string, error) {
	parent, err := e.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if strategy == "" {
		strategy = models.SubtaskSequential
	}

	now := e.now()
	byDescription := make(map[string]string, len(specs))
	ids := make([]string, 0, len(specs))

	for _, spec := range specs {
		child := &models.Task{
			ID:          idgen.TaskID(now),
			Description: spec.Description,
			AcceptanceCriteria: spec.AcceptanceCriteria,
			ParentTaskID: parent.ID,
			Workflow:    parent.Workflow,
			Autonomy:    parent.Autonomy,
			ProjectPath: parent.ProjectPath,
			BranchName:  parent.BranchName,
			Priority:    parent.Priority,
			Status:      models.StatusPending,
			MaxRetries:  parent.MaxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.CreateTask(ctx, child); err != nil {
			return nil, err
		}
		byDescription[spec.Description] = child.ID
		ids = append(ids, child.ID)
		e.emit(taskevents.EventSubtaskCreated, child.ID, child)
	}

	for _, spec := range specs {
		childID := byDescription[spec.Description]
		for _, depDesc := range spec.DependsOn {
			if depID, ok := byDescription[depDesc]; ok {
				if err := e.store.AddDependency(ctx, childID, depID); err != nil {
					return nil, err
				}
			}
		}
	}

	subtaskIDs := append([]string(nil), ids...)
	if err := e.store.UpdateTask(ctx, parent.ID, store.TaskPatch{
		SubtaskIDs:      &subtaskIDs,
		SubtaskStrategy: &strategy,
	}); err != nil {
		return nil, err
	}
	e.emit(taskevents.EventTaskDecomposed, parent.ID, subtaskIDs)

	return ids, nil
}

// SubtaskSpec describes one child task to create in DecomposeTask.
type SubtaskSpec struct {
	Description        string
	AcceptanceCriteria string
	DependsOn          []string // descriptions of sibling specs, resolved within this call
}

// ExecuteSubtasks runs a parent's children per its stored strategy and
// reports whether every child completed. Any paused child makes this
// return false without marking the parent completed.
func (e *Executor) ExecuteSubtasks(ctx context.Context, parentID string, opts Options) (bool, error) {
	parent, err := e.store.GetTask(ctx, parentID)
	if err != nil {
		return false, err
	}

	switch parent.SubtaskStrategy {
	case models.SubtaskParallel:
		results := e.ExecuteTasksConcurrently(ctx, parent.SubtaskIDs, len(parent.SubtaskIDs), opts)
		return e.summarizeSubtasks(ctx, parent, results)
	default: // sequential, dependency-based: dependencies gate admission via the Store/Scheduler
		results := make(map[string]error, len(parent.SubtaskIDs))
		for _, id := range parent.SubtaskIDs {
			results[id] = e.ExecuteTask(ctx, id, opts)
		}
		return e.summarizeSubtasks(ctx, parent, results)
	}
}

func (e *Executor) summarizeSubtasks(ctx context.Context, parent *models.Task, results map[string]error) (bool, error) {
	allCompleted := true
	var totalUsage models.Usage
	for id, runErr := range results {
		child, err := e.store.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		totalUsage.Add(child.Usage.InputTokens, child.Usage.OutputTokens, child.Usage.EstimatedCost)
		if runErr != nil {
			e.emit(taskevents.EventSubtaskFailed, id, runErr)
			allCompleted = false
			continue
		}
		if child.Status == models.StatusPaused {
			allCompleted = false
			continue
		}
		if child.Status == models.StatusCompleted {
			e.emit(taskevents.EventSubtaskCompleted, id, child)
		} else {
			allCompleted = false
		}
	}

	usage := totalUsage
	if err := e.store.UpdateTask(ctx, parent.ID, store.TaskPatch{Usage: &usage}); err != nil {
		return false, err
	}
	return allCompleted, nil
}

