// Package scheduler is the Scheduler / Task Runner component: a single
// admission-cycle loop that pulls ready work off the Store's queue and
// hands it to the Workflow Executor on a bounded pool of concurrent
// workers. Grounded on the teacher's orchestrator scheduler's
// ticker+stopCh+wg lifecycle, replacing its internal priority-queue
// admission with direct Store queries per the task data model here.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/capacity"
	"github.com/JoshuaAFerguson/apex/internal/common/config"
	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/taskevents"
)

const defaultPollInterval = 5 * time.Second

// TaskExecutor is the subset of the Workflow Executor the scheduler
// drives. Narrowed to an interface (as executor.WorkspaceProvider narrows
// the workspace manager) so the admission cycle can be tested without a
// real executor.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, id string, opts executor.Options) error
	ResumeTask(ctx context.Context, id string, opts executor.Options) (bool, error)
}

var _ TaskExecutor = (*executor.Executor)(nil)

// Scheduler is the Task Runner: it owns the admission cycle and the
// in-memory set of currently running task ids. Persistent task state
// lives only in the Store; runningTaskIds is transient and rebuilt from
// nothing on restart.
type Scheduler struct {
	store    store.Store
	executor TaskExecutor
	capacity *capacity.Monitor
	emitter  *taskevents.Emitter
	log      *logger.Logger

	maxConcurrent int
	maxResume     int
	pollInterval  time.Duration

	mu             sync.Mutex
	runningTaskIDs map[string]bool
	running        bool
	stopCh         chan struct{}
	wg             sync.WaitGroup

	wake              chan struct{}
	unsubscribeRestore func()
}

// New constructs a Scheduler. maxConcurrent and maxResumeAttempts fall
// back to the spec's defaults (3 and 3) when unset.
func New(st store.Store, exec TaskExecutor, capMon *capacity.Monitor, emitter *taskevents.Emitter, limits config.LimitsConfig, session config.SessionRecoveryConfig, daemon config.DaemonConfig, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	maxConcurrent := limits.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	maxResume := session.MaxResumeAttempts
	if maxResume <= 0 {
		maxResume = 3
	}
	poll := daemon.PollIntervalDuration()
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Scheduler{
		store:          st,
		executor:       exec,
		capacity:       capMon,
		emitter:        emitter,
		log:            log.WithComponent("scheduler"),
		maxConcurrent:  maxConcurrent,
		maxResume:      maxResume,
		pollInterval:   poll,
		runningTaskIDs: make(map[string]bool),
		wake:           make(chan struct{}, 1),
	}
}

// Start begins the admission-cycle loop on its own goroutine. Starting an
// already-running Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.capacity != nil {
		s.unsubscribeRestore = s.capacity.OnCapacityRestored(func(capacity.RestorationEvent) {
			s.requestWake()
		})
	}

	// Run the first admission cycle right away rather than one poll
	// interval after start.
	s.requestWake()

	s.wg.Add(1)
	go s.processLoop(ctx)
}

// Nudge requests an immediate admission cycle rather than waiting for the
// next poll tick — callers use this right after queuing new work so it
// doesn't sit idle for up to pollInterval before being considered.
func (s *Scheduler) Nudge() {
	s.requestWake()
}

// requestWake nudges the admission loop to run immediately instead of
// waiting for the next poll tick, without blocking if one is already
// pending.
func (s *Scheduler) requestWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stopTaskRunner stops admitting new work and blocks until every
// in-flight worker has returned, per §5's graceful-shutdown contract.
// Stopping an already-stopped Scheduler is a no-op.
func (s *Scheduler) stopTaskRunner() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.unsubscribeRestore != nil {
		s.unsubscribeRestore()
		s.unsubscribeRestore = nil
	}

	s.waitForAllTasks()
}

// Stop is the public graceful-shutdown entry point.
func (s *Scheduler) Stop() {
	s.stopTaskRunner()
}

// waitForAllTasks blocks until the processLoop goroutine and every worker
// it launched have returned.
func (s *Scheduler) waitForAllTasks() {
	s.wg.Wait()
}

// IsTaskRunnerActive reports whether the admission loop is currently
// running.
func (s *Scheduler) IsTaskRunnerActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetMaxConcurrentTasks returns the configured concurrency ceiling.
func (s *Scheduler) GetMaxConcurrentTasks() int {
	return s.maxConcurrent
}

// GetRunningTaskCount returns the number of workers currently in flight.
func (s *Scheduler) GetRunningTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runningTaskIDs)
}

// GetRunningTaskIds returns a snapshot of the currently running task ids.
func (s *Scheduler) GetRunningTaskIds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runningTaskIDs))
	for id := range s.runningTaskIDs {
		ids = append(ids, id)
	}
	return ids
}

// IsTaskRunning reports whether id is one of the currently running tasks.
func (s *Scheduler) IsTaskRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningTaskIDs[id]
}

// processLoop is the scheduler thread: it ticks on pollInterval (or
// immediately on a capacity:restored wake) and runs one admission cycle
// per tick until stopCh closes or ctx is cancelled.
func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			s.admitCycle(ctx)
		case <-ticker.C:
			s.admitCycle(ctx)
		}
	}
}

// admitCycle runs exactly one pass of the admission algorithm: a capacity
// pause-check, a concurrency-slot check, resumption of paused-and-eligible
// tasks, and launch of the next queued task. Each step only proceeds if
// the previous one left room.
func (s *Scheduler) admitCycle(ctx context.Context) {
	if s.capacity != nil {
		paused, err := s.capacity.Evaluate(ctx)
		if err != nil {
			s.log.Warn("capacity evaluation failed; skipping admission this tick", zap.Error(err))
			return
		}
		if paused {
			return
		}
	}

	s.resumeEligibleTasks(ctx)

	for s.hasAdmissionSlot() {
		task, err := s.store.GetNextQueuedTask(ctx)
		if err != nil {
			s.log.Warn("failed to read next queued task", zap.Error(err))
			return
		}
		if task == nil {
			return
		}
		// The head of the queue is already running (its worker has not yet
		// moved it out of pending); admitting again would only spin.
		if s.IsTaskRunning(task.ID) {
			return
		}
		s.launch(ctx, task.ID, s.runTask)
	}
}

func (s *Scheduler) hasAdmissionSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runningTaskIDs) < s.maxConcurrent
}

// resumeEligibleTasks handles §4.3's paused-task branch: every task
// returned by GetPausedTasksForResume is a candidate, but each still
// consumes an admission slot and is skipped once resumeAttempts has
// reached the cap (ResumeTask itself fails the task in that case; the
// scheduler's job is only to decide whether to call it at all).
func (s *Scheduler) resumeEligibleTasks(ctx context.Context) {
	paused, err := s.store.GetPausedTasksForResume(ctx)
	if err != nil {
		s.log.Warn("failed to list paused tasks for resume", zap.Error(err))
		return
	}
	for _, task := range paused {
		if !s.hasAdmissionSlot() {
			return
		}
		if task.ResumeAttempts >= s.maxResume {
			continue
		}
		s.launch(ctx, task.ID, s.resumeTask)
	}
}

// launch admits id into runningTaskIds and runs fn on its own goroutine,
// removing id from the set on completion via the worker's completion
// callback. runningTaskIds is the only piece of scheduler state mutated
// outside the scheduler thread, and only through this path.
func (s *Scheduler) launch(ctx context.Context, id string, fn func(context.Context, string)) {
	s.mu.Lock()
	if s.runningTaskIDs[id] {
		s.mu.Unlock()
		return
	}
	s.runningTaskIDs[id] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.complete(id)
		fn(ctx, id)
	}()
}

func (s *Scheduler) complete(id string) {
	s.mu.Lock()
	delete(s.runningTaskIDs, id)
	s.mu.Unlock()
	// A slot just freed; nudge the loop rather than waiting a full poll
	// interval for the next admission to happen.
	s.requestWake()
}

func (s *Scheduler) runTask(ctx context.Context, id string) {
	s.emit(id, "admitted from queue")
	if err := s.executor.ExecuteTask(ctx, id, executor.Options{AutoRetry: true}); err != nil {
		s.log.Warn("task execution returned an error", zap.String("task_id", id), zap.Error(err))
	}
}

func (s *Scheduler) resumeTask(ctx context.Context, id string) {
	s.emit(id, "admitted for resume")
	if _, err := s.executor.ResumeTask(ctx, id, executor.Options{AutoRetry: true}); err != nil {
		s.log.Warn("task resume returned an error", zap.String("task_id", id), zap.Error(err))
	}
}

// emit publishes a log:entry for a scheduler admission decision. The
// Workflow Executor emits its own lifecycle events once it takes over;
// this is the scheduler's only direct contribution to the event bus.
func (s *Scheduler) emit(taskID, message string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(taskevents.Event{Type: taskevents.EventLogEntry, TaskID: taskID, Payload: message})
}
