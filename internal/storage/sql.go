package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bulk-task-dispatcher/internal/common"
)

const taskColumns = "id, owner_id, content, numbers, media_urls, media_type, options, remote_id, status, created_at, updated_at"

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row
type rowScanner interface {
	Scan(dest ...any) error
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// scanTextTask reads a row whose list and option columns are JSON text and
// whose timestamps are unix nanoseconds.
func scanTextTask(row rowScanner) (common.Task, error) {
	var (
		task                      common.Task
		numbers, mediaURLs, opts  string
		mediaType, status         string
		createdNanos, updatedNano int64
	)
	err := row.Scan(&task.ID, &task.OwnerID, &task.Content, &numbers, &mediaURLs, &mediaType, &opts,
		&task.RemoteID, &status, &createdNanos, &updatedNano)
	if err != nil {
		return common.Task{}, err
	}
	if err := json.Unmarshal([]byte(numbers), &task.Numbers); err != nil {
		return common.Task{}, fmt.Errorf("decode numbers of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(mediaURLs), &task.MediaURLs); err != nil {
		return common.Task{}, fmt.Errorf("decode media urls of task %s: %w", task.ID, err)
	}
	if opts != "" && opts != "null" {
		if err := json.Unmarshal([]byte(opts), &task.Options); err != nil {
			return common.Task{}, fmt.Errorf("decode options of task %s: %w", task.ID, err)
		}
	}
	task.MediaType = common.MediaType(mediaType)
	task.Status = common.Status(status)
	task.CreatedAt = time.Unix(0, createdNanos)
	task.UpdatedAt = time.Unix(0, updatedNano)
	return task, nil
}

// whereClause renders f as a SQL condition. placeholder returns the
// driver-specific marker for the n-th argument (1-based).
func whereClause(f Filter, placeholder func(n int) string, timeArg func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		conds = append(conds, "owner_id = "+placeholder(len(args)))
	}
	if !f.CreatedSince.IsZero() {
		args = append(args, timeArg(f.CreatedSince))
		conds = append(conds, "created_at >= "+placeholder(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status = "+placeholder(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
