package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/harun/ranya-runtime/pkg/cron"
)

var (
	// ErrShuttingDown is returned when work is submitted after shutdown was
	// requested.
	ErrShuttingDown = errors.New("scheduler: shutting down")
	// ErrNotRunning is returned by Start when the scheduler was already
	// started or stopped.
	ErrNotRunning = errors.New("scheduler: not in created state")
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Task is one unit of submitted work.
type Task struct {
	ID      string            `json:"id"`
	Payload []byte            `json:"payload"`
	Source  string            `json:"source"`
	Seq     uint64            `json:"seq"`
	Meta    map[string]string `json:"metadata,omitempty"`
	// EnqueuedAt is set when the queue accepts the task.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ScheduledEvent is a payload the timer goroutine releases at Due.
type ScheduledEvent struct {
	ID      string
	Name    string
	Due     time.Time
	Payload any

	seq      uint64
	schedule *cron.Schedule
	index    int
}

// Recurring reports whether the event reschedules itself after firing.
func (e *ScheduledEvent) Recurring() bool {
	return e.schedule != nil && e.schedule.Recurring()
}

// TaskHandler processes one task. Errors are logged and counted; they never
// stop the worker.
type TaskHandler func(ctx context.Context, task Task) error

// EventHandler processes one due event.
type EventHandler func(ctx context.Context, event ScheduledEvent) error

// SubmitOption customizes a submitted task.
type SubmitOption func(*Task)

// WithMetadata attaches metadata to the task. The map is copied.
func WithMetadata(md map[string]string) SubmitOption {
	return func(t *Task) {
		if len(md) == 0 {
			return
		}
		if t.Meta == nil {
			t.Meta = make(map[string]string, len(md))
		}
		for k, v := range md {
			t.Meta[k] = v
		}
	}
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	State         string `json:"state"`
	Workers       int    `json:"workers"`
	Queued        int    `json:"queued"`
	InFlight      int64  `json:"in_flight"`
	Submitted     uint64 `json:"submitted"`
	Rejected      uint64 `json:"rejected"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Panicked      uint64 `json:"panicked"`
	PendingEvents int    `json:"pending_events"`
	FiredEvents   uint64 `json:"fired_events"`
	Abandoned     uint64 `json:"abandoned"`
}
