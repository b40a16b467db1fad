package executor

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// fakeStore is a minimal in-memory store.Store used to exercise the
// executor without a database. Only the operations the executor actually
// calls are implemented; everything else returns an error so an
// unexpected dependency surfaces immediately in a test failure.
type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]*models.Task
	checkpoints map[string][]*models.Checkpoint
	logs        []models.TaskLog
	deps        map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       make(map[string]*models.Task),
		checkpoints: make(map[string][]*models.Checkpoint),
		deps:        make(map[string][]string),
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
	if patch.CurrentStage != nil {
		t.CurrentStage = *patch.CurrentStage
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.RetryCount != nil {
		t.RetryCount = *patch.RetryCount
	}
	if patch.PausedAt != nil {
		t.PausedAt = patch.PausedAt
	}
	if patch.PauseReason != nil {
		t.PauseReason = *patch.PauseReason
	}
	if patch.ResumeAttempts != nil {
		t.ResumeAttempts = *patch.ResumeAttempts
	}
	if patch.Usage != nil {
		t.Usage = *patch.Usage
	}
	if patch.Conversation != nil {
		t.Conversation = *patch.Conversation
	}
	if patch.PRURL != nil {
		t.PRURL = *patch.PRURL
	}
	if patch.SubtaskIDs != nil {
		t.SubtaskIDs = *patch.SubtaskIDs
	}
	if patch.SubtaskStrategy != nil {
		t.SubtaskStrategy = *patch.SubtaskStrategy
	}
	if patch.BranchName != nil {
		t.BranchName = *patch.BranchName
	}
	return nil
}

func (s *fakeStore) ListTasks(context.Context, store.ListTasksOptions) ([]*models.Task, error) {
	return nil, errors.New("not implemented")
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

func (s *fakeStore) GetNextQueuedTask(context.Context) (*models.Task, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) QueueTask(context.Context, string, models.Priority) error {
	return errors.New("not implemented")
}

func (s *fakeStore) GetReadyTasks(context.Context, store.ListTasksOptions) ([]*models.Task, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) GetTaskDependencies(context.Context, string) ([]string, error) {
	return nil, errors.New("not implemented")
}

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

func (s *fakeStore) SetGate(context.Context, models.Gate) error {
	return errors.New("not implemented")
}

func (s *fakeStore) GetGate(context.Context, string, string) (*models.Gate, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) ApproveGate(context.Context, string, string, string, string) error {
	return errors.New("not implemented")
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.TaskID] = append(s.checkpoints[cp.TaskID], &cp)
	return nil
}

func (s *fakeStore) GetCheckpoint(_ context.Context, taskID, checkpointID string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.checkpoints[taskID] {
		if cp.CheckpointID == checkpointID {
			return cp, nil
		}
	}
	return nil, store.ErrCheckpointNotFound
}

func (s *fakeStore) GetLatestCheckpoint(_ context.Context, taskID string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.checkpoints[taskID]
	if len(cps) == 0 {
		return nil, store.ErrCheckpointNotFound
	}
	sorted := append([]*models.Checkpoint(nil), cps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	return sorted[len(sorted)-1], nil
}

func (s *fakeStore) ListCheckpoints(_ context.Context, taskID string) ([]*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Checkpoint(nil), s.checkpoints[taskID]...), nil
}

func (s *fakeStore) DeleteCheckpoint(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (s *fakeStore) DeleteAllCheckpoints(context.Context, string) error {
	return errors.New("not implemented")
}

func (s *fakeStore) GetPausedTasksForResume(context.Context) ([]*models.Task, error) {
	return nil, errors.New("not implemented")
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
