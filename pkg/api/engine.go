package api

import (
	"context"
)

// Engine is the control plane of the durable execution engine. It owns the
// registries, persists histories through a store, and hands work to workers
// through task queues.
type Engine interface {
	// RegisterWorkflow registers a workflow implementation under its Name.
	RegisterWorkflow(w Workflow) error

	// RegisterActivity registers an activity implementation under its Name.
	RegisterActivity(a Activity) error

	// StartWorkflow records a new run and schedules its first workflow task.
	StartWorkflow(ctx context.Context, opts StartOptions, workflowType string, input any) (WorkflowExecution, error)

	// SignalWorkflow appends a signal to a running execution. An empty
	// RunID targets the current run.
	SignalWorkflow(ctx context.Context, exec WorkflowExecution, name string, payload any) error

	// CancelWorkflow records a cancellation request that workflow code
	// observes through IsCancelRequested.
	CancelWorkflow(ctx context.Context, exec WorkflowExecution, reason string) error

	// QueryWorkflow answers a query without mutating history.
	QueryWorkflow(ctx context.Context, exec WorkflowExecution, name string, args any) (Payload, error)

	// DescribeWorkflow returns the latest snapshot of the workflow's current run.
	DescribeWorkflow(ctx context.Context, workflowID WorkflowID) (*Snapshot, error)

	// GetWorkflowHistory returns the full history of a run.
	GetWorkflowHistory(ctx context.Context, exec WorkflowExecution) ([]WorkflowEvent, error)

	// Recover schedules a workflow task for every running execution so
	// that work interrupted by a crash resumes from history. It returns the
	// number of executions scheduled.
	Recover(ctx context.Context) (int, error)
}
