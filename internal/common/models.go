package common

import "time"

// Status is the local lifecycle state of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further remote progress is expected
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known local statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// MediaType describes the attachment carried by a task
type MediaType string

const (
	MediaNone  MediaType = "none"
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// OptionAIRevise asks the execution platform to rewrite the content before sending.
const OptionAIRevise = "ai_revise"

// Options are free-form processing flags forwarded verbatim to the execution platform
type Options map[string]any

// Task represents a bulk messaging job
type Task struct {
	ID        string    `json:"id"`         // Unique identifier, assigned at creation
	OwnerID   string    `json:"owner_id"`   // User that created the task
	Content   string    `json:"content"`    // Message text
	Numbers   []string  `json:"numbers"`    // Destination phone numbers, never empty
	MediaURLs []string  `json:"media_urls"` // Durable URLs of attached media
	MediaType MediaType `json:"media_type"` // none iff MediaURLs is empty
	Options   Options   `json:"options,omitempty"`
	RemoteID  string    `json:"remote_id,omitempty"` // Set by the dispatcher once the platform accepts the task
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dispatched reports whether the execution platform has acknowledged the task
func (t Task) Dispatched() bool {
	return t.RemoteID != ""
}

// Clone returns a copy that shares no slices or maps with t
func (t Task) Clone() Task {
	c := t
	c.Numbers = append(make([]string, 0, len(t.Numbers)), t.Numbers...)
	c.MediaURLs = append(make([]string, 0, len(t.MediaURLs)), t.MediaURLs...)
	if t.Options != nil {
		c.Options = make(Options, len(t.Options))
		for k, v := range t.Options {
			c.Options[k] = v
		}
	}
	return c
}
