package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bulk-task-dispatcher/internal/common"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore keeps tasks in a Postgres table
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to dsn and ensures the schema exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store := &PostgresStore{pool: pool, now: time.Now}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the tasks table if it doesn't exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    content    TEXT NOT NULL,
    numbers    TEXT[] NOT NULL,
    media_urls TEXT[] NOT NULL DEFAULT '{}',
    media_type TEXT NOT NULL DEFAULT 'none',
    options    JSONB,
    remote_id  TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner_created ON tasks (owner_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_remote ON tasks (remote_id) WHERE remote_id <> ''`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func pgTime(t time.Time) any { return t }

func scanPGTask(row rowScanner) (common.Task, error) {
	var (
		task              common.Task
		opts              []byte
		mediaType, status string
	)
	err := row.Scan(&task.ID, &task.OwnerID, &task.Content, &task.Numbers, &task.MediaURLs, &mediaType, &opts,
		&task.RemoteID, &status, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return common.Task{}, err
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &task.Options); err != nil {
			return common.Task{}, fmt.Errorf("decode options of task %s: %w", task.ID, err)
		}
	}
	task.MediaType = common.MediaType(mediaType)
	task.Status = common.Status(status)
	return task, nil
}

// AddTask inserts a new task
func (s *PostgresStore) AddTask(ctx context.Context, task common.Task) error {
	if err := validateNew(task); err != nil {
		return err
	}
	var opts []byte
	if task.Options != nil {
		data, err := json.Marshal(task.Options)
		if err != nil {
			return err
		}
		opts = data
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.OwnerID, task.Content, task.Numbers, append([]string{}, task.MediaURLs...), string(task.MediaType), opts,
		task.RemoteID, string(task.Status), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("task %s: %w", task.ID, ErrTaskExists)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(ctx context.Context, id string) (common.Task, error) {
	task, err := scanPGTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Task{}, ErrTaskNotFound
		}
		return common.Task{}, err
	}
	return task, nil
}

// ListTasks lists tasks matching filter, newest first
func (s *PostgresStore) ListTasks(ctx context.Context, filter Filter) ([]common.Task, error) {
	where, args := whereClause(filter, pgPlaceholder, pgTime)
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}
	return s.query(ctx, query, args...)
}

// CountTasks counts tasks matching filter
func (s *PostgresStore) CountTasks(ctx context.Context, filter Filter) (int, error) {
	where, args := whereClause(filter, pgPlaceholder, pgTime)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// ListDispatched lists every task with a remote id
func (s *PostgresStore) ListDispatched(ctx context.Context) ([]common.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE remote_id <> '' ORDER BY created_at`)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]common.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []common.Task
	for rows.Next() {
		task, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SetRemoteID records the platform's identifier for a task
func (s *PostgresStore) SetRemoteID(ctx context.Context, id, remoteID string) (common.Task, error) {
	if remoteID == "" {
		return common.Task{}, fmt.Errorf("remote id is empty")
	}
	task, err := scanPGTask(s.pool.QueryRow(ctx,
		`UPDATE tasks SET remote_id = $1, updated_at = $2 WHERE id = $3 AND remote_id = '' RETURNING `+taskColumns,
		remoteID, s.now(), id))
	return s.explainMiss(ctx, task, err, id, func(current *common.Task) error {
		return applyRemoteID(current, remoteID, s.now())
	})
}

// UpdateStatus changes the status of a task if it still has status from
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to common.Status) (common.Task, error) {
	if !to.Valid() {
		return common.Task{}, fmt.Errorf("invalid status %q", to)
	}
	task, err := scanPGTask(s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = $4 AND (remote_id <> '' OR $1 = 'pending')
		 RETURNING `+taskColumns,
		string(to), s.now(), id, string(from)))
	return s.explainMiss(ctx, task, err, id, func(current *common.Task) error {
		return applyStatus(current, from, to, s.now())
	})
}

// explainMiss turns a conditional UPDATE that returned no row into the
// matching store error.
func (s *PostgresStore) explainMiss(ctx context.Context, task common.Task, err error, id string, rule func(*common.Task) error) (common.Task, error) {
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return common.Task{}, err
	}
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return common.Task{}, err
	}
	if err := rule(&current); err != nil {
		return common.Task{}, err
	}
	return common.Task{}, fmt.Errorf("task %s: %w", id, ErrConflict)
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
