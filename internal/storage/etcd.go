package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bulk-task-dispatcher/internal/common"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const taskPrefix = "tasks/"

// EtcdStore provides etcd-backed storage for tasks
// Each task is a JSON document under "tasks/<id>"; field updates are
// read-modify-write transactions guarded by the key's mod revision.
type EtcdStore struct {
	client  *clientv3.Client // The etcd client used for communication
	timeout time.Duration    // Timeout for etcd operations
	now     func() time.Time
}

// NewEtcdStore initializes a new EtcdStore
// Accepts etcd endpoints and a timeout duration for client operations.
func NewEtcdStore(endpoints []string, timeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints, // etcd cluster endpoints
		DialTimeout: timeout,   // Timeout for connecting to the etcd cluster
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdStore{
		client:  cli,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

func taskKey(id string) string {
	return taskPrefix + id
}

// AddTask creates a task; it fails if the key already exists
func (s *EtcdStore) AddTask(ctx context.Context, task common.Task) error {
	if err := validateNew(task); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	key := taskKey(task.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(taskData))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to add task: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("task %s: %w", task.ID, ErrTaskExists)
	}
	return nil
}

// GetTask retrieves a task by ID from etcd
func (s *EtcdStore) GetTask(ctx context.Context, id string) (common.Task, error) {
	task, _, err := s.getWithRevision(ctx, id)
	return task, err
}

func (s *EtcdStore) getWithRevision(ctx context.Context, id string) (common.Task, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, taskKey(id))
	if err != nil {
		return common.Task{}, 0, fmt.Errorf("failed to get task: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return common.Task{}, 0, ErrTaskNotFound
	}

	var task common.Task
	if err := json.Unmarshal(resp.Kvs[0].Value, &task); err != nil {
		return common.Task{}, 0, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return task, resp.Kvs[0].ModRevision, nil
}

// all fetches every task under the "tasks/" prefix
func (s *EtcdStore) all(ctx context.Context) ([]common.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, taskPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks := make([]common.Task, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var task common.Task
		if err := json.Unmarshal(kv.Value, &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task %s: %w", kv.Key, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ListTasks lists tasks matching filter, newest first
func (s *EtcdStore) ListTasks(ctx context.Context, filter Filter) ([]common.Task, error) {
	tasks, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return filterTasks(tasks, filter), nil
}

// CountTasks counts tasks matching filter
func (s *EtcdStore) CountTasks(ctx context.Context, filter Filter) (int, error) {
	tasks, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range tasks {
		if filter.Match(task) {
			n++
		}
	}
	return n, nil
}

// ListDispatched lists every task with a remote id
func (s *EtcdStore) ListDispatched(ctx context.Context) ([]common.Task, error) {
	tasks, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	dispatched := tasks[:0]
	for _, task := range tasks {
		if task.Dispatched() {
			dispatched = append(dispatched, task)
		}
	}
	return dispatched, nil
}

// SetRemoteID records the platform's identifier for a task
func (s *EtcdStore) SetRemoteID(ctx context.Context, id, remoteID string) (common.Task, error) {
	return s.update(ctx, id, func(task *common.Task) error {
		return applyRemoteID(task, remoteID, s.now())
	})
}

// UpdateStatus changes the status of a task if it still has status from
func (s *EtcdStore) UpdateStatus(ctx context.Context, id string, from, to common.Status) (common.Task, error) {
	return s.update(ctx, id, func(task *common.Task) error {
		return applyStatus(task, from, to, s.now())
	})
}

// update applies mutate to the stored task and writes it back only if the
// key has not changed since it was read.
func (s *EtcdStore) update(ctx context.Context, id string, mutate func(*common.Task) error) (common.Task, error) {
	task, rev, err := s.getWithRevision(ctx, id)
	if err != nil {
		return common.Task{}, err
	}
	if err := mutate(&task); err != nil {
		return common.Task{}, err
	}

	taskData, err := json.Marshal(task)
	if err != nil {
		return common.Task{}, fmt.Errorf("failed to marshal task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := taskKey(id)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(taskData))).
		Commit()
	if err != nil {
		return common.Task{}, fmt.Errorf("failed to atomically update task: %w", err)
	}
	if !resp.Succeeded {
		return common.Task{}, fmt.Errorf("task %s: %w", id, ErrConflict)
	}
	return task, nil
}

// Close closes the etcd client
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
