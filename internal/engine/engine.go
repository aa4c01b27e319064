// Package engine implements the durable execution engine: it replays
// workflow code against persisted histories, records the decisions the code
// makes, and turns them into activity, timer and child workflow tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"k8s.io/utils/clock"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

// ErrExecutionBusy is returned when another worker holds the lease on an
// execution. The task should be retried later.
var ErrExecutionBusy = errors.New("execution is leased by another worker")

const (
	defaultLeaseTTL               = 30 * time.Second
	defaultMaxAppendRetries       = 10
	defaultHeartbeatCheckInterval = time.Second
)

// Config describes how to construct an Engine.
type Config struct {
	Store persistence.Store `validate:"required"`
	Queue taskqueue.Queue   `validate:"required"`

	// Clock measures timers, timeouts and event timestamps. Defaults to
	// the real clock.
	Clock clock.WithDelayedExecution

	Logger   *slog.Logger
	Observer api.Observer

	// Identity names this process in leases and ActivityTaskStarted
	// events. Defaults to hostname-pid.
	Identity string

	// LeaseTTL bounds how long a crashed worker blocks an execution.
	LeaseTTL time.Duration `validate:"gte=0"`

	// MaxAppendRetries bounds reload-and-retry cycles on append conflicts.
	MaxAppendRetries int `validate:"gte=0"`

	// HeartbeatCheckInterval is the minimum time between checks, made
	// from RecordHeartbeat, of whether the activity's run is still open.
	HeartbeatCheckInterval time.Duration `validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Identity == "" {
		c.Identity = DefaultIdentity()
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MaxAppendRetries == 0 {
		c.MaxAppendRetries = defaultMaxAppendRetries
	}
	if c.HeartbeatCheckInterval == 0 {
		c.HeartbeatCheckInterval = defaultHeartbeatCheckInterval
	}
	return c
}

// DefaultIdentity returns hostname-pid.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Engine is the event-sourced engine. The control plane methods implement
// api.Engine; the Process* methods are called by workers for dequeued tasks.
type Engine struct {
	cfg      Config
	store    persistence.Store
	queue    taskqueue.Queue
	clock    clock.WithDelayedExecution
	logger   *slog.Logger
	observer api.Observer

	registry *registry
	locks    *keyedMutex
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if err := api.Validator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	cfg = cfg.withDefaults()

	return &Engine{
		cfg:      cfg,
		store:    cfg.Store,
		queue:    cfg.Queue,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		registry: newRegistry(),
		locks:    newKeyedMutex(),
	}, nil
}

// Queue returns the task queue the engine schedules work on.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// Store returns the persistence adapter.
func (e *Engine) Store() persistence.Store { return e.store }

// Clock returns the engine's clock.
func (e *Engine) Clock() clock.WithDelayedExecution { return e.clock }

func (e *Engine) RegisterWorkflow(w api.Workflow) error {
	return e.registry.registerWorkflow(w)
}

func (e *Engine) RegisterActivity(a api.Activity) error {
	return e.registry.registerActivity(a)
}

// ProcessTask routes a dequeued task to its handler.
func (e *Engine) ProcessTask(ctx context.Context, task *taskqueue.Task) error {
	switch task.Kind {
	case taskqueue.KindWorkflow:
		return e.ProcessWorkflowTask(ctx, task)
	case taskqueue.KindActivity:
		return e.ProcessActivityTask(ctx, task)
	case taskqueue.KindTimer:
		return e.ProcessTimerTask(ctx, task)
	case taskqueue.KindExecutionTimeout:
		return e.ProcessExecutionTimeoutTask(ctx, task)
	}
	return fmt.Errorf("unknown task kind %q", task.Kind)
}

// acquireLease takes the store lease on workflowID for this engine's
// identity and returns its release.
func (e *Engine) acquireLease(ctx context.Context, workflowID api.WorkflowID) (func(), error) {
	ok, err := e.store.TryAcquireLease(ctx, workflowID, e.cfg.Identity, e.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionBusy, workflowID)
	}
	return func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), workflowID, e.cfg.Identity); err != nil {
			e.logger.Warn("lease_release_failed",
				slog.String("workflow_id", workflowID),
				slog.Any("error", err),
			)
		}
	}, nil
}

// loadRun resolves exec (an empty RunID means the current run) and loads
// its history.
func (e *Engine) loadRun(ctx context.Context, exec api.WorkflowExecution) (api.WorkflowExecution, *api.EventHistory, error) {
	var (
		events []api.WorkflowEvent
		err    error
	)
	if exec.RunID == "" {
		exec, events, err = e.store.LoadWorkflowExecution(ctx, exec.WorkflowID)
	} else {
		events, err = e.store.LoadHistory(ctx, exec)
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return exec, nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, exec)
	}
	if err != nil {
		return exec, nil, err
	}
	return exec, api.NewEventHistory(events), nil
}

// appendEvents assigns ids and timestamps to evs, appends them after h and
// mirrors them into h on success.
func (e *Engine) appendEvents(ctx context.Context, exec api.WorkflowExecution, h *api.EventHistory, evs []api.WorkflowEvent) ([]api.WorkflowEvent, error) {
	now := e.clock.Now()
	next := h.NextEventID()
	out := make([]api.WorkflowEvent, len(evs))
	for i, ev := range evs {
		ev.ID = next + api.EventID(i)
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		out[i] = ev
	}

	if err := e.store.AppendEvents(ctx, exec, out); err != nil {
		return nil, err
	}
	for _, ev := range out {
		h.Append(ev)
	}
	e.observer.OnEventsAppended(ctx, exec, out)
	return out, nil
}

// appendWithRetry loads the run, asks build for the events to append and
// appends them, reloading on conflict. build returning no events appends
// nothing; an error from build is returned as is.
func (e *Engine) appendWithRetry(
	ctx context.Context,
	exec api.WorkflowExecution,
	build func(h *api.EventHistory) ([]api.WorkflowEvent, error),
) (*api.EventHistory, []api.WorkflowEvent, error) {
	for range e.cfg.MaxAppendRetries {
		events, err := e.store.LoadHistory(ctx, exec)
		if err != nil {
			return nil, nil, err
		}
		h := api.NewEventHistory(events)

		evs, err := build(h)
		if err != nil || len(evs) == 0 {
			return h, nil, err
		}

		appended, err := e.appendEvents(ctx, exec, h, evs)
		if errors.Is(err, persistence.ErrConflict) {
			continue
		}
		return h, appended, err
	}
	return nil, nil, fmt.Errorf("append to %s: %w", exec, persistence.ErrConflict)
}

func isClosed(err error) bool {
	return errors.Is(err, persistence.ErrExecutionClosed) || errors.Is(err, api.ErrWorkflowClosed)
}

func (e *Engine) enqueueWorkflowTask(ctx context.Context, exec api.WorkflowExecution, queue string, notBefore time.Time) error {
	t := taskqueue.NewTask(taskqueue.KindWorkflow, queue, exec)
	t.NotBefore = notBefore
	return e.queue.Enqueue(ctx, t)
}

// buildSnapshot derives the state of a run from its history.
func buildSnapshot(exec api.WorkflowExecution, h *api.EventHistory, now time.Time) api.Snapshot {
	snap := api.Snapshot{
		Execution: exec,
		Status:    h.Status(),
		UpdatedAt: now,
	}

	events := h.Events()
	if len(events) == 0 {
		return snap
	}
	if started := events[0].WorkflowExecutionStarted; started != nil {
		snap.WorkflowType = started.WorkflowType
		snap.TaskQueue = started.TaskQueue
		snap.StartedAt = events[0].Timestamp
	}
	for _, ev := range events {
		if ev.Type == api.EventWorkflowExecutionCancelRequested {
			snap.CancelRequested = true
			break
		}
	}

	last := events[len(events)-1]
	snap.LastEventID = last.ID
	if !last.Type.IsTerminal() {
		return snap
	}
	snap.ClosedAt = last.Timestamp
	switch {
	case last.WorkflowExecutionCompleted != nil:
		snap.Result = last.WorkflowExecutionCompleted.Result
	case last.WorkflowExecutionFailed != nil:
		f := last.WorkflowExecutionFailed.Failure
		snap.Failure = &f
	}
	return snap
}

func (e *Engine) saveSnapshot(ctx context.Context, exec api.WorkflowExecution, h *api.EventHistory) error {
	return e.store.SaveState(ctx, buildSnapshot(exec, h, e.clock.Now()))
}
