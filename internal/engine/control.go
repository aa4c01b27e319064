package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

func (e *Engine) StartWorkflow(ctx context.Context, opts api.StartOptions, workflowType string, input any) (api.WorkflowExecution, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return api.WorkflowExecution{}, err
	}
	if _, err := e.registry.workflow(workflowType); err != nil {
		return api.WorkflowExecution{}, err
	}
	if opts.CronSchedule != "" {
		if _, err := cron.ParseStandard(opts.CronSchedule); err != nil {
			return api.WorkflowExecution{}, api.NewWorkflowError(api.WorkflowErrInvalidInput, "cron schedule: "+err.Error(), err)
		}
	}
	payload, err := api.Encode(input)
	if err != nil {
		return api.WorkflowExecution{}, err
	}

	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = api.NewWorkflowID()
	}

	unlock := e.locks.lock(workflowID)
	defer unlock()

	_, events, err := e.store.LoadWorkflowExecution(ctx, workflowID)
	switch {
	case err == nil && !api.NewEventHistory(events).IsClosed():
		return api.WorkflowExecution{}, fmt.Errorf("%w: %s", api.ErrWorkflowAlreadyStarted, workflowID)
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		return api.WorkflowExecution{}, err
	}

	exec := api.WorkflowExecution{WorkflowID: workflowID, RunID: api.NewRunID()}
	err = e.startRun(ctx, exec, &api.WorkflowExecutionStartedAttributes{
		WorkflowType:     workflowType,
		TaskQueue:        opts.TaskQueue,
		Input:            payload,
		ExecutionTimeout: opts.ExecutionTimeout,
		TaskTimeout:      opts.TaskTimeout,
		CronSchedule:     opts.CronSchedule,
	}, e.clock.Now())
	if errors.Is(err, persistence.ErrAlreadyExists) {
		return api.WorkflowExecution{}, fmt.Errorf("%w: %s", api.ErrWorkflowAlreadyStarted, workflowID)
	}
	if err != nil {
		return api.WorkflowExecution{}, err
	}

	e.logger.Info("workflow_started",
		slog.String("workflow", workflowType),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("run_id", exec.RunID),
		slog.String("task_queue", opts.TaskQueue),
	)
	return exec, nil
}

func (e *Engine) SignalWorkflow(ctx context.Context, exec api.WorkflowExecution, name string, payload any) error {
	exec, h, err := e.loadRun(ctx, exec)
	if errors.Is(err, api.ErrWorkflowNotFound) {
		return &api.SignalError{Kind: api.SignalErrWorkflowNotFound, Message: exec.String(), Cause: err}
	}
	if err != nil {
		return err
	}
	if h.IsClosed() {
		return &api.SignalError{Kind: api.SignalErrWorkflowNotFound, Message: exec.String(), Cause: api.ErrWorkflowClosed}
	}

	started, _ := h.Started()
	wf, err := e.registry.workflow(started.WorkflowType)
	if err != nil {
		return err
	}
	if !acceptsSignal(wf, name) {
		return &api.SignalError{Kind: api.SignalErrSignalNotRegistered, Message: fmt.Sprintf("%s does not accept %q", started.WorkflowType, name)}
	}
	input, err := api.Encode(payload)
	if err != nil {
		return &api.SignalError{Kind: api.SignalErrSerialization, Message: err.Error(), Cause: err}
	}

	_, _, err = e.appendWithRetry(ctx, exec, func(h *api.EventHistory) ([]api.WorkflowEvent, error) {
		if h.IsClosed() {
			return nil, api.ErrWorkflowClosed
		}
		return []api.WorkflowEvent{{
			Type: api.EventWorkflowExecutionSignaled,
			WorkflowExecutionSignaled: &api.WorkflowExecutionSignaledAttributes{
				SignalName: name,
				Input:      input,
			},
		}}, nil
	})
	if isClosed(err) {
		return &api.SignalError{Kind: api.SignalErrWorkflowNotFound, Message: exec.String(), Cause: api.ErrWorkflowClosed}
	}
	if err != nil {
		return err
	}
	return e.enqueueWorkflowTask(ctx, exec, started.TaskQueue, e.clock.Now())
}

func (e *Engine) CancelWorkflow(ctx context.Context, exec api.WorkflowExecution, reason string) error {
	exec, h, err := e.loadRun(ctx, exec)
	if err != nil {
		return err
	}
	if h.IsClosed() {
		return fmt.Errorf("%w: %s", api.ErrWorkflowClosed, exec)
	}

	h, appended, err := e.appendWithRetry(ctx, exec, func(h *api.EventHistory) ([]api.WorkflowEvent, error) {
		if h.IsClosed() {
			return nil, api.ErrWorkflowClosed
		}
		for _, ev := range h.Events() {
			if ev.Type == api.EventWorkflowExecutionCancelRequested {
				return nil, nil
			}
		}
		return []api.WorkflowEvent{{
			Type:                             api.EventWorkflowExecutionCancelRequested,
			WorkflowExecutionCancelRequested: &api.WorkflowExecutionCancelRequestedAttributes{Reason: reason},
		}}, nil
	})
	if isClosed(err) {
		return fmt.Errorf("%w: %s", api.ErrWorkflowClosed, exec)
	}
	if err != nil || len(appended) == 0 {
		return err
	}

	e.logger.Info("workflow_cancel_requested",
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("run_id", exec.RunID),
		slog.String("reason", reason),
	)
	if err := e.saveSnapshot(ctx, exec, h); err != nil {
		return err
	}
	started, _ := h.Started()
	return e.enqueueWorkflowTask(ctx, exec, started.TaskQueue, e.clock.Now())
}

// QueryWorkflow answers a query by replaying the run without recording
// anything. Closed runs answer from the results cached when they closed.
func (e *Engine) QueryWorkflow(ctx context.Context, exec api.WorkflowExecution, name string, args any) (api.Payload, error) {
	exec, h, err := e.loadRun(ctx, exec)
	if errors.Is(err, api.ErrWorkflowNotFound) {
		return nil, &api.QueryError{Kind: api.QueryErrWorkflowNotFound, Message: exec.String(), Cause: err}
	}
	if err != nil {
		return nil, err
	}

	if h.IsClosed() {
		snap, err := e.store.LoadRunState(ctx, exec)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			if p, ok := snap.QueryResults[name]; ok {
				return p, nil
			}
		}
		return nil, &api.QueryError{Kind: api.QueryErrWorkflowNotRunning, Message: fmt.Sprintf("%s is closed and has no cached answer for %q", exec, name)}
	}

	argPayload, err := api.Encode(args)
	if err != nil {
		return nil, &api.QueryError{Kind: api.QueryErrSerialization, Message: err.Error(), Cause: err}
	}

	started, _ := h.Started()
	wf, err := e.registry.workflow(started.WorkflowType)
	if err != nil {
		return nil, err
	}
	c := e.newWorkflowContext(exec, h, wf, e.clock.Now(), true)
	out, err := runWorkflow(ctx, e.clock, c, wf, started.TaskTimeout)
	if err != nil {
		return nil, err
	}
	if out.nondet != nil {
		return nil, &api.QueryError{Kind: api.QueryErrCustom, Message: out.nondet.Error(), Cause: out.nondet}
	}

	fn, ok := c.queryHandlers[name]
	if !ok {
		return nil, &api.QueryError{Kind: api.QueryErrQueryNotRegistered, Message: fmt.Sprintf("%s has no handler for %q", started.WorkflowType, name)}
	}
	v, err := fn(argPayload)
	if err != nil {
		return nil, &api.QueryError{Kind: api.QueryErrCustom, Message: err.Error(), Cause: err}
	}
	p, err := api.Encode(v)
	if err != nil {
		return nil, &api.QueryError{Kind: api.QueryErrSerialization, Message: err.Error(), Cause: err}
	}
	return p, nil
}

func (e *Engine) DescribeWorkflow(ctx context.Context, workflowID api.WorkflowID) (*api.Snapshot, error) {
	snap, err := e.store.LoadState(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, workflowID)
	}
	return snap, nil
}

func (e *Engine) GetWorkflowHistory(ctx context.Context, exec api.WorkflowExecution) ([]api.WorkflowEvent, error) {
	_, h, err := e.loadRun(ctx, exec)
	if err != nil {
		return nil, err
	}
	return h.Events(), nil
}

// Recover enqueues a recovering workflow task for every running execution.
// The task re-dispatches whatever history shows as pending, so work lost
// between an append and its enqueue resumes.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	snaps, err := e.store.ListStates(ctx, persistence.StateFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, snap := range snaps {
		t := taskqueue.NewTask(taskqueue.KindWorkflow, snap.TaskQueue, snap.Execution)
		t.Recover = true
		if err := e.queue.Enqueue(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", snap.Execution, err))
			continue
		}
		n++
	}
	if n > 0 {
		e.logger.Info("executions_recovered", slog.Int("count", n))
	}
	return n, errors.Join(errs...)
}
