// Package dispatch hands newly created tasks to the execution platform.
//
// A task is dispatched exactly once, inline with its creation request. A
// failed dispatch never removes the task: it stays pending without a remote
// id, and nothing in this package retries it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bulk-task-dispatcher/internal/common"
	"bulk-task-dispatcher/internal/executor"
)

var (
	// ErrDispatch marks every failure to notify the execution platform.
	ErrDispatch = errors.New("dispatch failed")
	// ErrAlreadyDispatched is returned for a task that already has a remote id.
	ErrAlreadyDispatched = errors.New("task already dispatched")
)

// Executor is the part of the platform client the dispatcher needs
type Executor interface {
	CreateTask(ctx context.Context, req executor.CreateRequest) (string, error)
}

// RemoteIDWriter persists the platform's identifier for a task
type RemoteIDWriter interface {
	SetRemoteID(ctx context.Context, id, remoteID string) (common.Task, error)
}

// Error describes a failed dispatch. RemoteID is set when the platform
// accepted the task but the identifier could not be stored.
type Error struct {
	TaskID   string
	RemoteID string
	Err      error
}

func (e *Error) Error() string {
	if e.RemoteID != "" {
		return fmt.Sprintf("dispatch task %s: remote id %s not recorded: %v", e.TaskID, e.RemoteID, e.Err)
	}
	return fmt.Sprintf("dispatch task %s: %v", e.TaskID, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}

// Dispatcher sends a task to the execution platform and records the remote id
type Dispatcher struct {
	executor Executor
	store    RemoteIDWriter
	timeout  time.Duration
}

// New creates a Dispatcher. timeout bounds the single outbound call.
func New(exec Executor, store RemoteIDWriter, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		executor: exec,
		store:    store,
		timeout:  timeout,
	}
}

// BuildRequest converts a task into the platform's dispatch payload
func BuildRequest(task common.Task) executor.CreateRequest {
	var extra map[string]any
	if len(task.Options) > 0 {
		extra = make(map[string]any, len(task.Options))
		for k, v := range task.Options {
			extra[k] = v
		}
	}
	return executor.CreateRequest{
		ID:        task.ID,
		UserID:    task.OwnerID,
		Content:   task.Content,
		Numbers:   task.Numbers,
		MediaURLs: task.MediaURLs,
		MediaType: string(task.MediaType),
		Extra:     extra,
	}
}

// Dispatch makes exactly one attempt to hand task to the platform.
// On success it returns the task with its remote id set. On failure it
// returns task unchanged and an *Error wrapping ErrDispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, task common.Task) (common.Task, error) {
	if task.Dispatched() {
		return task, fmt.Errorf("task %s has remote id %s: %w", task.ID, task.RemoteID, ErrAlreadyDispatched)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	remoteID, err := d.executor.CreateTask(callCtx, BuildRequest(task))
	if err != nil {
		log.Printf("Dispatcher: task %s not accepted by execution platform: %v", task.ID, err)
		return task, &Error{TaskID: task.ID, Err: err}
	}

	// the platform holds the task now; record its id even if the caller has gone away
	updated, err := d.store.SetRemoteID(context.WithoutCancel(ctx), task.ID, remoteID)
	if err != nil {
		log.Printf("Dispatcher: task %s accepted as %s but remote id was not stored: %v", task.ID, remoteID, err)
		return task, &Error{TaskID: task.ID, RemoteID: remoteID, Err: err}
	}

	log.Printf("Dispatcher: task %s dispatched as %s", task.ID, remoteID)
	return updated, nil
}
