package task

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether a status allows no further transitions (other
// than the explicit failed → pending retry).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority_%d", int(p))
	}
}

// Task is one durable unit of deferred work.
type Task struct {
	ID      string         `json:"task_id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Schedule marks a task that represents a recurring job rather than a
	// one-shot; the interval is advisory metadata for the scheduler side.
	Schedule time.Duration `json:"schedule,omitempty"`
	Tags     []string      `json:"tags,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	ExpiresAt  time.Time     `json:"expires_at,omitempty"`
	DependsOn  []string      `json:"depends_on,omitempty"`

	CallbackURL       string `json:"callback_url,omitempty"`
	CallbackAttempts  int    `json:"callback_attempts,omitempty"`
	CallbackLastError string `json:"callback_last_error,omitempty"`
}

// Expired reports whether the task's absolute deadline has passed.
func (t *Task) Expired(now time.Time) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return now.After(t.ExpiresAt)
}

// CanRetry reports whether retry budget remains.
func (t *Task) CanRetry() bool {
	return t != nil && t.RetryCount < t.MaxRetries
}

// Ready reports whether every dependency is in the completed set.
func (t *Task) Ready(completed map[string]bool) bool {
	if t == nil {
		return false
	}
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}
