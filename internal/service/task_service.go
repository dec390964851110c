package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulk-task-dispatcher/internal/common"
	"bulk-task-dispatcher/internal/media"
	"bulk-task-dispatcher/internal/storage"
)

type TaskStore interface {
	AddTask(ctx context.Context, task common.Task) error
	GetTask(ctx context.Context, id string) (common.Task, error)
	ListTasks(ctx context.Context, filter storage.Filter) ([]common.Task, error)
	CountTasks(ctx context.Context, filter storage.Filter) (int, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, task common.Task) (common.Task, error)
}

// Upload is an optional attachment submitted with a new task
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type CreateTaskInput struct {
	OwnerID string
	Content string
	Numbers []string
	Options common.Options
	File    *Upload
}

// CreateResult is the outcome of a creation request. The task is persisted
// whenever err is nil; DispatchErr reports a failed platform notification.
type CreateResult struct {
	Task        common.Task
	Dispatched  bool
	DispatchErr error
}

type Stats struct {
	TotalTasks     int `json:"totalTasks"`
	TodayTasks     int `json:"todayTasks"`
	CompletedTasks int `json:"completedTasks"`
}

type TaskService struct {
	store      TaskStore
	dispatcher Dispatcher
	media      media.Store
	limits     media.Limits
	now        func() time.Time
}

// New wires a TaskService. mediaStore may be nil, in which case tasks with
// attachments are rejected.
func New(store TaskStore, dispatcher Dispatcher, mediaStore media.Store, limits media.Limits) (*TaskService, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if dispatcher == nil {
		return nil, ErrDispatcherNil
	}

	return &TaskService{
		store:      store,
		dispatcher: dispatcher,
		media:      mediaStore,
		limits:     limits,
		now:        time.Now,
	}, nil
}

// normalizeNumbers trims every number and drops blank entries
func normalizeNumbers(numbers []string) []string {
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// CreateTask validates the input, stores any attachment, persists the task
// and dispatches it once. A failed dispatch does not undo the creation.
func (s *TaskService) CreateTask(ctx context.Context, in CreateTaskInput) (CreateResult, error) {
	if in.OwnerID == "" {
		return CreateResult{}, ErrOwnerMissing
	}

	numbers := normalizeNumbers(in.Numbers)
	var missing []string
	if strings.TrimSpace(in.Content) == "" {
		missing = append(missing, "content")
	}
	if len(numbers) == 0 {
		missing = append(missing, "numbers")
	}
	if len(missing) > 0 {
		return CreateResult{}, &MissingFieldsError{Fields: missing}
	}

	mediaURLs := []string{}
	mediaType := common.MediaNone
	if in.File != nil {
		url, mt, err := s.storeAttachment(ctx, in.File)
		if err != nil {
			return CreateResult{}, err
		}
		mediaURLs = append(mediaURLs, url)
		mediaType = mt
	}

	now := s.now()
	task := common.Task{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Content:   in.Content,
		Numbers:   numbers,
		MediaURLs: mediaURLs,
		MediaType: mediaType,
		Options:   in.Options,
		Status:    common.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.AddTask(ctx, task); err != nil {
		return CreateResult{}, fmt.Errorf("persist task: %w", err)
	}
	log.Printf("TaskService: task %s created for user %s with %d numbers", task.ID, task.OwnerID, len(task.Numbers))

	dispatched, err := s.dispatcher.Dispatch(ctx, task)
	if err != nil {
		return CreateResult{Task: task, DispatchErr: err}, nil
	}
	return CreateResult{Task: dispatched, Dispatched: true}, nil
}

func (s *TaskService) storeAttachment(ctx context.Context, file *Upload) (string, common.MediaType, error) {
	if s.media == nil {
		return "", "", ErrMediaDisabled
	}
	mt, err := media.Classify(file.ContentType, file.Size, s.limits)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMediaRejected, err)
	}
	url, err := s.media.Put(ctx, file.Name, file.ContentType, file.Body)
	if err != nil {
		log.Printf("TaskService: storing attachment %q failed: %v", file.Name, err)
		return "", "", fmt.Errorf("%w: %v", ErrMediaUpload, err)
	}
	return url, mt, nil
}

// GetTask returns a task owned by ownerID
func (s *TaskService) GetTask(ctx context.Context, ownerID, id string) (common.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrTaskNotFound) || (err == nil && task.OwnerID != ownerID) {
		return common.Task{}, ErrNotFound
	}
	if err != nil {
		return common.Task{}, err
	}
	return task, nil
}

// ListTasks returns the owner's tasks, newest first
func (s *TaskService) ListTasks(ctx context.Context, ownerID string) ([]common.Task, error) {
	return s.store.ListTasks(ctx, storage.Filter{OwnerID: ownerID})
}

// LatestTask returns the owner's most recently created task
func (s *TaskService) LatestTask(ctx context.Context, ownerID string) (common.Task, error) {
	tasks, err := s.store.ListTasks(ctx, storage.Filter{OwnerID: ownerID, Limit: 1})
	if err != nil {
		return common.Task{}, err
	}
	if len(tasks) == 0 {
		return common.Task{}, ErrNotFound
	}
	return tasks[0], nil
}

// Stats counts the owner's tasks: all of them, those created since local
// midnight, and those completed.
func (s *TaskService) Stats(ctx context.Context, ownerID string) (Stats, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		stats Stats
		err   error
	)
	if stats.TotalTasks, err = s.store.CountTasks(ctx, storage.Filter{OwnerID: ownerID}); err != nil {
		return Stats{}, err
	}
	if stats.TodayTasks, err = s.store.CountTasks(ctx, storage.Filter{OwnerID: ownerID, CreatedSince: midnight}); err != nil {
		return Stats{}, err
	}
	if stats.CompletedTasks, err = s.store.CountTasks(ctx, storage.Filter{OwnerID: ownerID, Status: common.StatusCompleted}); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
