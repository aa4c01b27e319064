package api

import (
	"context"
	"log/slog"
	"time"
)

// WorkflowInfo describes the execution a workflow function is running in.
type WorkflowInfo struct {
	Execution    WorkflowExecution
	WorkflowType string
	TaskQueue    string
	StartedAt    time.Time
	Parent       *WorkflowExecution
	// ContinuedFrom is the previous run of a cron workflow.
	ContinuedFrom RunID
}

// Future is the pending result of an activity, timer or child workflow.
type Future interface {
	// Get blocks the workflow until the result is available and decodes it
	// into out, which may be nil. The returned error is a *WorkflowError.
	Get(out any) error

	// IsReady reports whether Get would return without suspending.
	IsReady() bool
}

// WorkflowContext is the surface workflow code uses to interact with the
// outside world. Every method records or replays a decision, so workflow
// code must reach non-deterministic values (time, randomness, I/O) only
// through it. Workflow code must call it from the goroutine the workflow
// function was invoked on.
type WorkflowContext interface {
	Info() WorkflowInfo

	// ExecuteActivity schedules the named activity and returns its future.
	// On replay the recorded outcome is returned without scheduling again.
	ExecuteActivity(name string, input any, opts ActivityOptions) Future

	// ExecuteChildWorkflow starts a child workflow and returns its future.
	ExecuteChildWorkflow(workflowType string, input any, opts ChildWorkflowOptions) Future

	// NewTimer starts a durable timer.
	NewTimer(d time.Duration) Future

	// Sleep is NewTimer(d).Get(nil).
	Sleep(d time.Duration) error

	// ReceiveSignal blocks until the next unconsumed signal with the given
	// name and decodes its payload into out.
	ReceiveSignal(name string, out any) error

	// SetQueryHandler registers fn to answer queries named name. The
	// handler must not mutate workflow state.
	SetQueryHandler(name string, fn QueryHandler) error

	// SideEffect runs fn once, records its value, and returns the recorded
	// value on replay.
	SideEffect(fn func() (any, error), out any) error

	// Now returns a replay-stable wall-clock time.
	Now() time.Time

	// IsReplaying reports whether the workflow is re-executing decisions
	// that are already in history.
	IsReplaying() bool

	// IsCancelRequested reports whether a cancellation was requested.
	// Returning ErrWorkflowCancelled (or a WorkflowError of that kind) closes
	// the run as cancelled.
	IsCancelRequested() bool

	// Logger returns a logger that drops records while replaying.
	Logger() *slog.Logger
}

// QueryHandler answers a query. args holds the caller's encoded arguments.
type QueryHandler func(args Payload) (any, error)

// Workflow is the registry capability set for workflow implementations.
type Workflow interface {
	Name() string
	Execute(ctx WorkflowContext, input Payload) (Payload, error)
}

// SignalDeclarer is implemented by workflows that accept signals. Signals
// with other names are rejected by the client.
type SignalDeclarer interface {
	Signals() []string
}

// Activity is the registry capability set for activity implementations.
type Activity interface {
	Name() string
	Execute(ctx ActivityContext, input Payload) (Payload, error)
}

// ActivityInfo describes the attempt an activity is running as.
type ActivityInfo struct {
	Execution    WorkflowExecution
	ActivityID   ActivityID
	ActivityType string
	TaskQueue    string
	Attempt      int
	ScheduledAt  time.Time
	StartedAt    time.Time
	// Deadline is the earliest of the attempt's timeouts, zero if none.
	Deadline time.Time
}

// ActivityContext is the runtime surface given to activity code. It is a
// context.Context that is cancelled when the attempt times out, misses a
// heartbeat, or its workflow is cancelled.
type ActivityContext interface {
	context.Context

	Info() ActivityInfo

	// RecordHeartbeat reports liveness. details replace any previously
	// recorded details and are handed to the next attempt on retry.
	RecordHeartbeat(details ...any)

	// HeartbeatDetails decodes the details recorded by the previous
	// attempt. It returns false when there are none.
	HeartbeatDetails(out any) bool

	// IsCancelled reports whether the attempt should stop. Long-running
	// activities must poll it.
	IsCancelled() bool

	// IdempotencyKey is stable across retries of this invocation.
	IdempotencyKey() string

	// PutIdempotencyKey atomically stores key for ttl and reports whether
	// it was newly inserted.
	PutIdempotencyKey(key string, ttl time.Duration) (bool, error)

	Logger() *slog.Logger
}
