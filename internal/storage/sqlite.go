package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bulk-task-dispatcher/internal/common"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps tasks in a single SQLite table
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and creates, if needed) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			content TEXT NOT NULL,
			numbers TEXT NOT NULL,
			media_urls TEXT NOT NULL DEFAULT '[]',
			media_type TEXT NOT NULL DEFAULT 'none',
			options TEXT,
			remote_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_owner_created ON tasks(owner_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_remote ON tasks(remote_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func sqlitePlaceholder(int) string { return "?" }

func sqliteTime(t time.Time) any { return t.UnixNano() }

// AddTask inserts a new task
func (s *SQLiteStore) AddTask(ctx context.Context, task common.Task) error {
	if err := validateNew(task); err != nil {
		return err
	}
	numbers, err := encodeJSON(task.Numbers)
	if err != nil {
		return err
	}
	mediaURLs, err := encodeJSON(append([]string{}, task.MediaURLs...))
	if err != nil {
		return err
	}
	opts, err := encodeJSON(task.Options)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OwnerID, task.Content, numbers, mediaURLs, string(task.MediaType), opts,
		task.RemoteID, string(task.Status), task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("task %s: %w", task.ID, ErrTaskExists)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (common.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTextTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.Task{}, ErrTaskNotFound
		}
		return common.Task{}, err
	}
	return task, nil
}

// ListTasks lists tasks matching filter, newest first
func (s *SQLiteStore) ListTasks(ctx context.Context, filter Filter) ([]common.Task, error) {
	where, args := whereClause(filter, sqlitePlaceholder, sqliteTime)
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}
	return s.query(ctx, query, args...)
}

// CountTasks counts tasks matching filter
func (s *SQLiteStore) CountTasks(ctx context.Context, filter Filter) (int, error) {
	where, args := whereClause(filter, sqlitePlaceholder, sqliteTime)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// ListDispatched lists every task with a remote id
func (s *SQLiteStore) ListDispatched(ctx context.Context) ([]common.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE remote_id <> '' ORDER BY created_at`)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]common.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []common.Task
	for rows.Next() {
		task, err := scanTextTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SetRemoteID records the platform's identifier for a task
func (s *SQLiteStore) SetRemoteID(ctx context.Context, id, remoteID string) (common.Task, error) {
	if remoteID == "" {
		return common.Task{}, fmt.Errorf("remote id is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET remote_id = ?, updated_at = ? WHERE id = ? AND remote_id = ''`,
		remoteID, s.now().UnixNano(), id)
	if err != nil {
		return common.Task{}, fmt.Errorf("failed to set remote id: %w", err)
	}
	return s.afterConditionalUpdate(ctx, res, id, func(task *common.Task) error {
		return applyRemoteID(task, remoteID, s.now())
	})
}

// UpdateStatus changes the status of a task if it still has status from
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from, to common.Status) (common.Task, error) {
	if !to.Valid() {
		return common.Task{}, fmt.Errorf("invalid status %q", to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND (remote_id <> '' OR ? = 'pending')`,
		string(to), s.now().UnixNano(), id, string(from), string(to))
	if err != nil {
		return common.Task{}, fmt.Errorf("failed to update status: %w", err)
	}
	return s.afterConditionalUpdate(ctx, res, id, func(task *common.Task) error {
		return applyStatus(task, from, to, s.now())
	})
}

// afterConditionalUpdate returns the updated task, or explains why the
// conditional update matched no row by replaying the rule on the current record.
func (s *SQLiteStore) afterConditionalUpdate(ctx context.Context, res sql.Result, id string, rule func(*common.Task) error) (common.Task, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return common.Task{}, err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return common.Task{}, err
	}
	if affected == 1 {
		return task, nil
	}
	if err := rule(&task); err != nil {
		return common.Task{}, err
	}
	return common.Task{}, fmt.Errorf("task %s: %w", id, ErrConflict)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
