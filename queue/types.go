package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names the pipeline stage a Task runs.
type Kind string

// Task kinds.
const (
	KindRound   Kind = "round"
	KindCleanup Kind = "cleanup"
)

// ErrInvalidTask is returned when scheduling a task with an unknown kind or no message id.
var ErrInvalidTask = errors.New("invalid task")

// Task is one unit of deferred work for a single message.
type Task struct {
	Kind      Kind   `json:"kind"`
	MessageID string `json:"message_id"`
}

func (t Task) String() string {
	return fmt.Sprintf("%s/%s", t.Kind, t.MessageID)
}

// Validate checks that t can be scheduled.
func (t Task) Validate() error {
	switch t.Kind {
	case KindRound, KindCleanup:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Kind)
	}
	if t.MessageID == "" {
		return fmt.Errorf("%w: empty message id", ErrInvalidTask)
	}
	return nil
}

// Handler runs a due task. Returned errors are logged and the task is dropped.
type Handler func(ctx context.Context, task Task) error

// Scheduler runs tasks after a delay.
type Scheduler interface {
	Schedule(ctx context.Context, task Task, delay time.Duration) error
}

// queuedTask is a task waiting in the in-process queue.
type queuedTask struct {
	Task Task
	Due  time.Time
}
