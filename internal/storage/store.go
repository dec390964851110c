package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bulk-task-dispatcher/internal/common"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
	// ErrConflict means the record changed between read and conditional write.
	ErrConflict = errors.New("task was modified concurrently")
	// ErrRemoteIDSet means the task already carries a remote identifier.
	ErrRemoteIDSet = errors.New("remote id already set")
	// ErrNotDispatched means a status change was attempted on a task the platform never acknowledged.
	ErrNotDispatched = errors.New("task has not been dispatched")
)

// Store is the persistent task record store.
//
// SetRemoteID is written only by the dispatcher and UpdateStatus only by the
// reconciler, so the two never contend for the same field.
type Store interface {
	AddTask(ctx context.Context, task common.Task) error
	GetTask(ctx context.Context, id string) (common.Task, error)
	ListTasks(ctx context.Context, filter Filter) ([]common.Task, error)
	CountTasks(ctx context.Context, filter Filter) (int, error)
	// ListDispatched returns every task that has a remote id, whatever its status.
	ListDispatched(ctx context.Context) ([]common.Task, error)
	SetRemoteID(ctx context.Context, id, remoteID string) (common.Task, error)
	// UpdateStatus moves a task from one status to another, failing with
	// ErrConflict if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to common.Status) (common.Task, error)
	Close() error
}

// Filter narrows ListTasks and CountTasks. Zero fields match everything.
type Filter struct {
	OwnerID      string
	CreatedSince time.Time
	Status       common.Status
	Limit        int
}

// Match reports whether task satisfies every set field of f
func (f Filter) Match(task common.Task) bool {
	if f.OwnerID != "" && task.OwnerID != f.OwnerID {
		return false
	}
	if !f.CreatedSince.IsZero() && task.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	return true
}

// validateNew checks the record invariants a freshly created task must satisfy
func validateNew(task common.Task) error {
	switch {
	case task.ID == "":
		return fmt.Errorf("task id is empty")
	case len(task.Numbers) == 0:
		return fmt.Errorf("task %s has no numbers", task.ID)
	case task.RemoteID != "" || task.Status != common.StatusPending:
		return fmt.Errorf("task %s must be created pending and undispatched", task.ID)
	case (task.MediaType == common.MediaNone) != (len(task.MediaURLs) == 0):
		return fmt.Errorf("task %s media type %q does not match %d media urls", task.ID, task.MediaType, len(task.MediaURLs))
	}
	return nil
}

// applyRemoteID sets the remote id on task if it has none yet
func applyRemoteID(task *common.Task, remoteID string, now time.Time) error {
	if remoteID == "" {
		return fmt.Errorf("remote id is empty")
	}
	if task.RemoteID != "" {
		return fmt.Errorf("task %s has remote id %s: %w", task.ID, task.RemoteID, ErrRemoteIDSet)
	}
	task.RemoteID = remoteID
	task.UpdatedAt = now
	return nil
}

// applyStatus moves task from one status to another
func applyStatus(task *common.Task, from, to common.Status, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status %q", to)
	}
	if task.Status != from {
		return fmt.Errorf("task %s is %s, expected %s: %w", task.ID, task.Status, from, ErrConflict)
	}
	if task.RemoteID == "" && to != common.StatusPending {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotDispatched)
	}
	task.Status = to
	task.UpdatedAt = now
	return nil
}

// sortNewestFirst orders tasks by creation time descending, ties broken by id
func sortNewestFirst(tasks []common.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

// filterTasks applies f to an unordered slice and returns the ordered, limited result
func filterTasks(all []common.Task, f Filter) []common.Task {
	out := make([]common.Task, 0, len(all))
	for _, task := range all {
		if f.Match(task) {
			out = append(out, task)
		}
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
