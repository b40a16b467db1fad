package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// fakeStore is a minimal in-memory store.Store exercising only the
// operations the façade and its wired Workflow Executor use.
type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	templates map[string]*models.Template
	idle      map[string]*models.IdleTask
	deps      map[string][]string
	logs      []models.TaskLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     make(map[string]*models.Task),
		templates: make(map[string]*models.Template),
		idle:      make(map[string]*models.IdleTask),
		deps:      make(map[string][]string),
	}
}

func (s *fakeStore) put(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
}

func (s *fakeStore) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t.Clone(), nil
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
	if patch.PRURL != nil {
		t.PRURL = *patch.PRURL
	}
	return nil
}

func (s *fakeStore) ListTasks(_ context.Context, _ store.ListTasksOptions) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *fakeStore) AddLog(_ context.Context, taskID string, entry models.TaskLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.TaskID = taskID
	s.logs = append(s.logs, entry)
	return nil
}

func (s *fakeStore) AddArtifact(context.Context, string, models.TaskArtifact) error {
	return errors.New("not implemented")
}
func (s *fakeStore) LogCommand(context.Context, string, string) error {
	return errors.New("not implemented")
}
func (s *fakeStore) GetNextQueuedTask(context.Context) (*models.Task, error) { return nil, nil }
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

func (s *fakeStore) AddDependency(_ context.Context, taskID, dependsOnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[taskID] = append(s.deps[taskID], dependsOnID)
	return nil
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

func (s *fakeStore) GetPausedTasksForResume(context.Context) ([]*models.Task, error) {
	return nil, nil
}

func (s *fakeStore) CreateTemplate(_ context.Context, tmpl *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tmpl
	s.templates[tmpl.ID] = &cp
	return nil
}
func (s *fakeStore) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, store.ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}
func (s *fakeStore) ListTemplates(context.Context) ([]*models.Template, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeStore) UpdateTemplate(_ context.Context, id string, tmpl *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return store.ErrTemplateNotFound
	}
	cp := *tmpl
	cp.ID = id
	s.templates[id] = &cp
	return nil
}
func (s *fakeStore) DeleteTemplate(context.Context, string) error {
	return errors.New("not implemented")
}

func (s *fakeStore) CreateIdleTask(_ context.Context, it *models.IdleTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *it
	s.idle[it.ID] = &cp
	return nil
}
func (s *fakeStore) GetIdleTask(_ context.Context, id string) (*models.IdleTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.idle[id]
	if !ok {
		return nil, store.ErrIdleTaskNotFound
	}
	cp := *it
	return &cp, nil
}
func (s *fakeStore) ListIdleTasks(_ context.Context) ([]*models.IdleTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.IdleTask, 0, len(s.idle))
	for _, it := range s.idle {
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}
func (s *fakeStore) PromoteIdleTask(_ context.Context, id string, overrides *models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.idle[id]
	if !ok {
		return nil, store.ErrIdleTaskNotFound
	}
	task := overrides
	s.tasks[task.ID] = task.Clone()
	it.Implemented = true
	it.ImplementedTaskID = task.ID
	return task.Clone(), nil
}

func (s *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)
