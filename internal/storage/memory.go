package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bulk-task-dispatcher/internal/common"
)

// MemoryStore provides an in-memory storage for tasks
type MemoryStore struct {
	tasks map[string]common.Task
	mu    sync.RWMutex
	now   func() time.Time
}

// NewMemoryStore initializes a new MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]common.Task),
		now:   time.Now,
	}
}

// AddTask adds a new task to the store
func (s *MemoryStore) AddTask(_ context.Context, task common.Task) error {
	if err := validateNew(task); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s: %w", task.ID, ErrTaskExists)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a task by ID
func (s *MemoryStore) GetTask(_ context.Context, id string) (common.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, exists := s.tasks[id]
	if !exists {
		return common.Task{}, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// ListTasks lists tasks matching filter, newest first
func (s *MemoryStore) ListTasks(_ context.Context, filter Filter) ([]common.Task, error) {
	return filterTasks(s.snapshot(), filter), nil
}

// CountTasks counts tasks matching filter
func (s *MemoryStore) CountTasks(_ context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, task := range s.tasks {
		if filter.Match(task) {
			n++
		}
	}
	return n, nil
}

// ListDispatched lists every task with a remote id
func (s *MemoryStore) ListDispatched(_ context.Context) ([]common.Task, error) {
	var tasks []common.Task
	for _, task := range s.snapshot() {
		if task.Dispatched() {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// SetRemoteID records the platform's identifier for a task
func (s *MemoryStore) SetRemoteID(_ context.Context, id, remoteID string) (common.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[id]
	if !exists {
		return common.Task{}, ErrTaskNotFound
	}
	if err := applyRemoteID(&task, remoteID, s.now()); err != nil {
		return common.Task{}, err
	}
	s.tasks[id] = task
	return task.Clone(), nil
}

// UpdateStatus changes the status of a task if it still has status from
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to common.Status) (common.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[id]
	if !exists {
		return common.Task{}, ErrTaskNotFound
	}
	if err := applyStatus(&task, from, to, s.now()); err != nil {
		return common.Task{}, err
	}
	s.tasks[id] = task
	return task.Clone(), nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) snapshot() []common.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]common.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks
}
