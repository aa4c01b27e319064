package client

import (
	"context"
	"log/slog"

	"github.com/petrijr/durable/pkg/api"
)

// WorkflowHandle refers to one run of a workflow.
type WorkflowHandle struct {
	client    *Client
	execution api.WorkflowExecution
}

func (h *WorkflowHandle) ID() api.WorkflowID { return h.execution.WorkflowID }

func (h *WorkflowHandle) RunID() api.RunID { return h.execution.RunID }

func (h *WorkflowHandle) Execution() api.WorkflowExecution { return h.execution }

func (h *WorkflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.engine.SignalWorkflow(ctx, h.execution, name, payload)
}

func (h *WorkflowHandle) Query(ctx context.Context, name string, args any, out any) error {
	p, err := h.client.engine.QueryWorkflow(ctx, h.execution, name, args)
	if err != nil {
		return err
	}
	return p.Decode(out)
}

func (h *WorkflowHandle) Cancel(ctx context.Context, reason string) error {
	return h.client.engine.CancelWorkflow(ctx, h.execution, reason)
}

// Get waits until the run closes and decodes its result into out, which
// may be nil. A run that failed, timed out or was cancelled is reported as
// a *api.WorkflowError of the matching kind.
func (h *WorkflowHandle) Get(ctx context.Context, out any) error {
	ticker := h.client.clock.NewTicker(h.client.pollInterval)
	defer ticker.Stop()

	for {
		closed, err := h.poll(ctx, out)
		if closed || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// poll checks the run once. It reports whether the run is closed and, if
// so, the outcome.
func (h *WorkflowHandle) poll(ctx context.Context, out any) (bool, error) {
	if h.execution.RunID == "" {
		// Pin the current run so a cron continuation is not mistaken for it.
		snap, err := h.client.engine.DescribeWorkflow(ctx, h.execution.WorkflowID)
		if err != nil {
			return false, err
		}
		h.execution.RunID = snap.Execution.RunID
	}

	events, err := h.client.engine.GetWorkflowHistory(ctx, h.execution)
	if err != nil {
		return false, err
	}
	history := api.NewEventHistory(events)
	last, ok := history.Last()
	if !ok || !last.Type.IsTerminal() {
		return false, nil
	}

	h.client.logger.Debug("workflow_result_received",
		slog.String("workflow_id", h.execution.WorkflowID),
		slog.String("run_id", h.execution.RunID),
		slog.String("status", string(history.Status())),
	)
	return true, resultOf(last, out)
}

func resultOf(last api.WorkflowEvent, out any) error {
	switch last.Type {
	case api.EventWorkflowExecutionCompleted:
		return last.WorkflowExecutionCompleted.Result.Decode(out)
	case api.EventWorkflowExecutionTimedOut:
		return api.NewWorkflowError(api.WorkflowErrTimeout, last.WorkflowExecutionFailed.Failure.Message, nil)
	case api.EventWorkflowExecutionCancelled:
		return api.NewWorkflowError(api.WorkflowErrCancelled, last.WorkflowExecutionFailed.Failure.Message, nil)
	}
	f := last.WorkflowExecutionFailed.Failure
	switch kind := api.WorkflowErrorKind(f.Kind); kind {
	case api.WorkflowErrActivityFailed, api.WorkflowErrChildWorkflowFailed,
		api.WorkflowErrTimeout, api.WorkflowErrCancelled, api.WorkflowErrSignalChannelClosed,
		api.WorkflowErrInvalidInput, api.WorkflowErrStorage, api.WorkflowErrSerialization:
		return api.NewWorkflowError(kind, f.Message, nil)
	}
	// Activity errors returned straight from workflow code, and typed custom
	// failures, keep their kind and type on the cause.
	var cause error
	if f.Type != "" || (f.Kind != "" && f.Kind != string(api.WorkflowErrCustom)) {
		cause = &api.ActivityError{Kind: api.ActivityErrorKind(f.Kind), Type: f.Type, Message: f.Message}
	}
	return api.NewWorkflowError(api.WorkflowErrCustom, f.Message, cause)
}

// GetResult waits for h and returns its typed result.
func GetResult[T any](ctx context.Context, h *WorkflowHandle) (T, error) {
	var out T
	err := h.Get(ctx, &out)
	return out, err
}
