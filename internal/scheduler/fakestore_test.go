package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// fakeStore is a minimal in-memory store.Store used to exercise the
// admission cycle without a database. Queue ordering mirrors
// sqlstore.Repository's priority-then-createdAt rule closely enough for
// the scheduler's own tests; it is not a substitute for the Store's own
// queue tests.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*models.Task)}
}

func (s *fakeStore) put(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
}

func (s *fakeStore) get(id string) *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

func (s *fakeStore) CreateTask(_ context.Context, task *models.Task) error {
	s.put(task)
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	t := s.get(id)
	if t == nil {
		return nil, store.ErrTaskNotFound
	}
	return t, nil
}

func (s *fakeStore) UpdateTask(_ context.Context, id string, patch store.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.ResumeAttempts != nil {
		t.ResumeAttempts = *patch.ResumeAttempts
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	return nil
}

func (s *fakeStore) ListTasks(context.Context, store.ListTasksOptions) ([]*models.Task, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) AddLog(context.Context, string, models.TaskLog) error { return nil }
func (s *fakeStore) AddArtifact(context.Context, string, models.TaskArtifact) error {
	return errors.New("not implemented")
}
func (s *fakeStore) LogCommand(context.Context, string, string) error {
	return errors.New("not implemented")
}

// GetNextQueuedTask returns the highest-priority pending task, tie-broken
// by createdAt ascending, matching the Store's documented ordering.
func (s *fakeStore) GetNextQueuedTask(_ context.Context) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.Task
	for _, t := range s.tasks {
		if t.Status == models.StatusPending {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority.Less(candidates[j].Priority)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0].Clone(), nil
}

func (s *fakeStore) QueueTask(context.Context, string, models.Priority) error {
	return errors.New("not implemented")
}
func (s *fakeStore) GetReadyTasks(context.Context, store.ListTasksOptions) ([]*models.Task, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) GetTaskDependencies(context.Context, string) ([]string, error) { return nil, nil }
func (s *fakeStore) GetDependentTasks(context.Context, string) ([]string, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) GetBlockingTasks(context.Context, string) ([]string, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) IsTaskReady(context.Context, string) (bool, error) {
	return false, errors.New("not implemented")
}
func (s *fakeStore) AddDependency(context.Context, string, string) error {
	return errors.New("not implemented")
}
func (s *fakeStore) RemoveDependency(context.Context, string, string) error {
	return errors.New("not implemented")
}
func (s *fakeStore) SetGate(context.Context, models.Gate) error { return errors.New("not implemented") }
func (s *fakeStore) GetGate(context.Context, string, string) (*models.Gate, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) ApproveGate(context.Context, string, string, string, string) error {
	return errors.New("not implemented")
}
func (s *fakeStore) SaveCheckpoint(context.Context, models.Checkpoint) error { return nil }
func (s *fakeStore) GetCheckpoint(context.Context, string, string) (*models.Checkpoint, error) {
	return nil, store.ErrCheckpointNotFound
}
func (s *fakeStore) GetLatestCheckpoint(context.Context, string) (*models.Checkpoint, error) {
	return nil, store.ErrCheckpointNotFound
}
func (s *fakeStore) ListCheckpoints(context.Context, string) ([]*models.Checkpoint, error) {
	return nil, nil
}
func (s *fakeStore) DeleteCheckpoint(context.Context, string, string) error { return nil }
func (s *fakeStore) DeleteAllCheckpoints(context.Context, string) error     { return nil }

// GetPausedTasksForResume returns paused tasks whose pause reason is
// automatically resumable, mirroring sqlstore's exact-match set.
func (s *fakeStore) GetPausedTasksForResume(_ context.Context) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resumable := map[models.PauseReason]bool{
		models.PauseUsageLimit: true,
		models.PauseBudget:     true,
		models.PauseCapacity:   true,
	}
	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status == models.StatusPaused && resumable[t.PauseReason] {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) CreateTemplate(context.Context, *models.Template) error {
	return errors.New("not implemented")
}
func (s *fakeStore) GetTemplate(context.Context, string) (*models.Template, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) ListTemplates(context.Context) ([]*models.Template, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) UpdateTemplate(context.Context, string, *models.Template) error {
	return errors.New("not implemented")
}
func (s *fakeStore) DeleteTemplate(context.Context, string) error {
	return errors.New("not implemented")
}
func (s *fakeStore) CreateIdleTask(context.Context, *models.IdleTask) error {
	return errors.New("not implemented")
}
func (s *fakeStore) GetIdleTask(context.Context, string) (*models.IdleTask, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) ListIdleTasks(context.Context) ([]*models.IdleTask, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) PromoteIdleTask(context.Context, string, *models.Task) (*models.Task, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)
