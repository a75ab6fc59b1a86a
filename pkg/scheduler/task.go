package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/zenith/pkg/sandbox"
)

// State is the lifecycle position of a task.
type State int32

const (
	StateEnqueued State = iota
	StateAdmitted
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateEnqueued:
		return "enqueued"
	case StateAdmitted:
		return "admitted"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Task is one plugin invocation for one event. Priority must not change once
// the task is submitted.
type Task struct {
	ID       string
	Plugin   string
	Priority Priority
	Event    sandbox.EventView

	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	// Err is the handler error of a Failed or TimedOut task.
	Err error
	// Result is whatever the handler chose to record for the completion hook.
	Result any

	state atomic.Int32
}

// NewTask creates a task with a fresh ID.
func NewTask(plugin string, priority Priority, event sandbox.EventView) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Plugin:   plugin,
		Priority: priority,
		Event:    event,
	}
}

// State returns the current state.
func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
}

// QueueWait is the time the task spent enqueued.
func (t *Task) QueueWait() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return t.StartedAt.Sub(t.EnqueuedAt)
}

// Duration is the time the handler ran.
func (t *Task) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}
