package durable

import (
	"context"

	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/client"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Workflow             = api.Workflow
	Activity             = api.Activity
	WorkflowContext      = api.WorkflowContext
	ActivityContext      = api.ActivityContext
	Future               = api.Future
	QueryHandler         = api.QueryHandler
	WorkflowInfo         = api.WorkflowInfo
	ActivityInfo         = api.ActivityInfo
	StartOptions         = api.StartOptions
	ActivityOptions      = api.ActivityOptions
	ChildWorkflowOptions = api.ChildWorkflowOptions
	RetryPolicy          = api.RetryPolicy
	WorkflowExecution    = api.WorkflowExecution
	WorkflowEvent        = api.WorkflowEvent
	Snapshot             = api.Snapshot
	Status               = api.Status
	Payload              = api.Payload
	WorkflowError        = api.WorkflowError
	ActivityError        = api.ActivityError
	Failure              = api.Failure
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	NoopObserver         = api.NoopObserver
	Client               = client.Client
	WorkflowHandle       = client.WorkflowHandle

	WorkflowFunc[In, Out any] = api.WorkflowFunc[In, Out]
	ActivityFunc[In, Out any] = api.ActivityFunc[In, Out]
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	NewTemporaryFailure    = api.NewTemporaryFailure
	NewValidationFailed    = api.NewValidationFailed
	NewExecutionFailed     = api.NewExecutionFailed
	NewCustomActivityError = api.NewCustomActivityError
	DefaultRetryPolicy     = api.DefaultRetryPolicy
)

// Sentinels for errors.Is.
var (
	ErrWorkflowNotFound       = api.ErrWorkflowNotFound
	ErrWorkflowAlreadyStarted = api.ErrWorkflowAlreadyStarted
	ErrWorkflowClosed         = api.ErrWorkflowClosed
	ErrWorkflowCancelled      = api.ErrWorkflowCancelled
	ErrWorkflowTimeout        = api.ErrWorkflowTimeout
	ErrActivityFailed         = api.ErrActivityFailed
	ErrChildWorkflowFailed    = api.ErrChildWorkflowFailed
)

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusTimeout   = api.StatusTimeout
	StatusCancelled = api.StatusCancelled
)

// NewWorkflow adapts a typed function into a Workflow registered under name.
// signals lists the signal names the workflow accepts.
func NewWorkflow[In, Out any](name string, fn WorkflowFunc[In, Out], signals ...string) Workflow {
	return api.NewWorkflow(name, fn, signals...)
}

// NewActivity adapts a typed function into an Activity registered under name.
func NewActivity[In, Out any](name string, fn ActivityFunc[In, Out]) Activity {
	return api.NewActivity(name, fn)
}

// ExecuteActivity schedules an activity and waits for its typed result.
func ExecuteActivity[Out any](ctx WorkflowContext, name string, input any, opts ActivityOptions) (Out, error) {
	return api.ExecuteActivity[Out](ctx, name, input, opts)
}

// ExecuteChildWorkflow starts a child workflow and waits for its typed result.
func ExecuteChildWorkflow[Out any](ctx WorkflowContext, workflowType string, input any, opts ChildWorkflowOptions) (Out, error) {
	return api.ExecuteChildWorkflow[Out](ctx, workflowType, input, opts)
}

// GetResult waits for the run behind h and returns its typed result.
func GetResult[T any](ctx context.Context, h *WorkflowHandle) (T, error) {
	return client.GetResult[T](ctx, h)
}
