package persistence

import (
	"context"
	"errors"
	"time"

	"k8s.io/utils/clock"

	"github.com/petrijr/durable/pkg/api"
)

var (
	// ErrNotFound is returned when an execution, run or snapshot does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by AppendEvents when the first appended event
	// does not continue the stored history. Another writer got there first;
	// callers reload and retry.
	ErrConflict = errors.New("history append conflict")

	// ErrExecutionClosed is returned when events are appended after a
	// terminal event.
	ErrExecutionClosed = errors.New("execution is closed")

	// ErrAlreadyExists is returned by SaveWorkflowExecution when the run
	// already has a history.
	ErrAlreadyExists = errors.New("execution already exists")

	// ErrLeaseNotHeld is returned when renewing a lease owned by someone
	// else, or one that has expired.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// HistoryStore persists the append-only event history of each run.
type HistoryStore interface {
	// SaveWorkflowExecution creates a run with its initial events and makes
	// it the current run of its workflow id.
	SaveWorkflowExecution(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error

	// LoadWorkflowExecution returns the current run of workflowID and its
	// history.
	LoadWorkflowExecution(ctx context.Context, workflowID api.WorkflowID) (api.WorkflowExecution, []api.WorkflowEvent, error)

	// LoadHistory returns the history of a specific run.
	LoadHistory(ctx context.Context, exec api.WorkflowExecution) ([]api.WorkflowEvent, error)

	// AppendEvents appends events to a run. It is linearizable per run:
	// events[0].ID must equal the stored length, otherwise ErrConflict, and
	// nothing may follow a terminal event (ErrExecutionClosed).
	AppendEvents(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error
}

// StateFilter selects snapshots. Zero fields mean no filter.
type StateFilter struct {
	WorkflowType string
	TaskQueue    string
	Status       api.Status
}

func (f StateFilter) matches(s *api.Snapshot) bool {
	if f.WorkflowType != "" && s.WorkflowType != f.WorkflowType {
		return false
	}
	if f.TaskQueue != "" && s.TaskQueue != f.TaskQueue {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// SnapshotStore persists the derived state of each run.
type SnapshotStore interface {
	SaveState(ctx context.Context, snap api.Snapshot) error

	// LoadState returns the snapshot of the current run of workflowID, or
	// nil when there is none.
	LoadState(ctx context.Context, workflowID api.WorkflowID) (*api.Snapshot, error)

	// LoadRunState returns the snapshot of a specific run, or nil.
	LoadRunState(ctx context.Context, exec api.WorkflowExecution) (*api.Snapshot, error)

	ListStates(ctx context.Context, filter StateFilter) ([]api.Snapshot, error)
}

// IdempotencyStore deduplicates side effects across activity retries.
type IdempotencyStore interface {
	// PutIdempotencyKey atomically inserts key unless an unexpired record
	// exists. It reports whether the key was newly inserted.
	PutIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// LeaseStore grants a single owner the right to process a workflow id.
type LeaseStore interface {
	// TryAcquireLease attempts to acquire (or re-acquire) the lease on
	// workflowID. If another owner holds an unexpired lease it returns
	// false and a nil error. A lease held by the same owner is re-entrant.
	TryAcquireLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) (bool, error)

	// RenewLease extends a lease held by owner.
	RenewLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease held by owner. It is idempotent.
	ReleaseLease(ctx context.Context, workflowID api.WorkflowID, owner string) error
}

// Store is the full persistence adapter the engine depends on.
type Store interface {
	HistoryStore
	SnapshotStore
	IdempotencyStore
	LeaseStore
}

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	clock clock.PassiveClock
}

// WithClock sets the clock used for TTLs and leases.
func WithClock(c clock.PassiveClock) Option {
	return func(o *storeOptions) {
		o.clock = c
	}
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkAppend validates events against a stored history of length next
// whose last event may be terminal.
func checkAppend(next api.EventID, closed bool, events []api.WorkflowEvent) error {
	if closed {
		return ErrExecutionClosed
	}
	if len(events) == 0 {
		return nil
	}
	if events[0].ID != next {
		return ErrConflict
	}
	if err := api.ValidateSequence(next, false, events); err != nil {
		if errors.Is(err, api.ErrHistoryClosed) {
			return ErrExecutionClosed
		}
		return err
	}
	return nil
}

func storageErr(op string, kind api.StorageErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var se *api.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &api.StorageError{Kind: kind, Op: op, Err: err}
}

// classify wraps err with the storage kind matching its sentinel.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return storageErr(op, api.StorageErrNotFound, err)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrExecutionClosed), errors.Is(err, ErrAlreadyExists):
		return storageErr(op, api.StorageErrConflict, err)
	case errors.Is(err, api.ErrEventIDGap):
		return storageErr(op, api.StorageErrConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return storageErr(op, api.StorageErrQuery, err)
}
