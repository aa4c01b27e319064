package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/durable/pkg/api"
)

// ErrQueueClosed is returned by Dequeue after the queue has been closed.
var ErrQueueClosed = errors.New("task queue closed")

// TaskKind identifies what the worker should do.
type TaskKind string

const (
	// KindWorkflow replays a workflow and records its new decisions.
	KindWorkflow TaskKind = "workflow"
	// KindActivity runs one activity attempt.
	KindActivity TaskKind = "activity"
	// KindTimer fires a durable timer.
	KindTimer TaskKind = "timer"
	// KindExecutionTimeout closes a run whose execution timeout elapsed.
	KindExecutionTimeout TaskKind = "execution-timeout"
)

// Task represents a unit of work for the worker. Tasks carry only
// identifiers; the engine loads everything else from history.
type Task struct {
	ID        string
	Kind      TaskKind
	Queue     string
	Execution api.WorkflowExecution

	// Activity tasks.
	ActivityID api.ActivityID
	Attempt    int
	// ScheduledAt is when the activity was first scheduled, the origin of
	// its schedule-to-close timeout.
	ScheduledAt      time.Time
	LastFailure      *api.Failure
	HeartbeatDetails api.Payload

	// Timer tasks.
	TimerID api.TimerID

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts failed deliveries of this task.
	Attempts int

	// Recover asks a workflow task to re-dispatch the activities, timers
	// and children that history shows as pending.
	Recover bool
}

// NewTask returns a task with a fresh id.
func NewTask(kind TaskKind, queue string, exec api.WorkflowExecution) Task {
	return Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Queue:     queue,
		Execution: exec,
	}
}

// Lane is the sub-queue a task is delivered on. Workflow and timer tasks
// share the workflow lane; activities have their own so the two worker
// pools are throttled independently.
func (t Task) Lane() string {
	if t.Kind == KindActivity {
		return ActivityLane(t.Queue)
	}
	return WorkflowLane(t.Queue)
}

// WorkflowLane names the lane workflow pollers of queue read from.
func WorkflowLane(queue string) string {
	return queue + ":workflow"
}

// ActivityLane names the lane activity pollers of queue read from.
func ActivityLane(queue string) string {
	return queue + ":activity"
}

// Queue is a durable, delay-aware task queue interface.
type Queue interface {
	// Enqueue adds a task to the lane returned by t.Lane(). It should
	// respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task of lane whose NotBefore
	// has passed, blocking until one is available or the context is
	// cancelled.
	Dequeue(ctx context.Context, lane string) (*Task, error)

	// Len returns the approximate number of tasks queued across all lanes.
	Len() int
}

// prepare fills the id and enqueue time of a task.
func prepare(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

// newIdleTimer returns a stopped timer for poll loops.
func newIdleTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}

// waitPoll sleeps for d or until ctx is done.
func waitPoll(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
