// Package memory provides in-memory store implementations for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexa-labs/classifyd/internal/classify"
)

// TaskStore is a thread-safe in-memory classify.TaskStore.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]classify.Task
}

// NewTaskStore returns an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]classify.Task)}
}

// CreateTask stores the task keyed by id.
func (s *TaskStore) CreateTask(_ context.Context, task classify.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// GetTask loads a task or returns classify.ErrNotFound.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (classify.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return classify.Task{}, classify.ErrNotFound
	}
	return task, nil
}

// FindTasks applies the AND-combination of the filter's non-nil fields.
func (s *TaskStore) FindTasks(_ context.Context, filter classify.TaskFilter) ([]classify.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []classify.Task
	for _, task := range s.tasks {
		if matchesFilter(task, filter) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateTask merges the non-nil fields into the stored task.
func (s *TaskStore) UpdateTask(_ context.Context, taskID string, update classify.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return classify.ErrNotFound
	}
	if update.JobID != nil {
		jobID := *update.JobID
		task.JobID = &jobID
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Current != nil {
		task.Current = *update.Current
	}
	if update.Total != nil {
		task.Total = *update.Total
	}
	if update.Message != nil {
		task.Message = *update.Message
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return nil
}

// MarkFailed sets status FAILED with the message.
func (s *TaskStore) MarkFailed(ctx context.Context, taskID string, message string) error {
	status := classify.TaskStatusFailed
	return s.UpdateTask(ctx, taskID, classify.TaskUpdate{Status: &status, Message: &message})
}

// MarkFinished sets status DONE, snaps current to total, and records the
// final message.
func (s *TaskStore) MarkFinished(_ context.Context, taskID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return classify.ErrNotFound
	}
	task.Status = classify.TaskStatusDone
	task.Current = task.Total
	task.Message = message
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return nil
}

func matchesFilter(task classify.Task, filter classify.TaskFilter) bool {
	if filter.ID != nil && task.ID != *filter.ID {
		return false
	}
	if filter.JobID != nil && (task.JobID == nil || *task.JobID != *filter.JobID) {
		return false
	}
	if filter.RoomID != nil && task.RoomID != *filter.RoomID {
		return false
	}
	if filter.ProgressChannel != nil && task.ProgressChannel != *filter.ProgressChannel {
		return false
	}
	if filter.Status != nil && task.Status != *filter.Status {
		return false
	}
	if filter.UserID != nil && (task.UserID == nil || *task.UserID != *filter.UserID) {
		return false
	}
	if filter.IdempotencyKey != nil && (task.IdempotencyKey == nil || *task.IdempotencyKey != *filter.IdempotencyKey) {
		return false
	}
	return true
}
