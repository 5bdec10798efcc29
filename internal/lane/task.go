package lane

import (
	"context"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Executor runs a task's work. The context is cancelled when the task is
// cancelled or the queue shuts down.
type Executor func(ctx context.Context, task *Task) (any, error)

// Submission describes a task to enqueue.
type Submission struct {
	ID           string
	Lane         string
	Priority     int
	Dependencies []string
	ParentID     string
	Payload      any
	MaxRetries   int
	Execute      Executor
}

// Task is a caller-visible snapshot of a queued unit of work.
type Task struct {
	ID           string    `json:"id"`
	Lane         string    `json:"lane"`
	Priority     int       `json:"priority"`
	Dependencies []string  `json:"dependencies,omitempty"`
	ParentID     string    `json:"parent_id,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	State        State     `json:"state"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	CreatedAt    time.Time `json:"created_at"`
	QueuedAt     time.Time `json:"queued_at,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	Result       any       `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// task is the internal mutable record. All fields are guarded by the queue
// mutex except the channels, which are only closed under it.
type task struct {
	Task

	execute Executor
	cancel  context.CancelFunc
	done    chan struct{}
	seq     uint64
	index   int
}

func (t *task) snapshot() *Task {
	s := t.Task
	s.Dependencies = append([]string(nil), t.Dependencies...)
	return &s
}
