package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

// errNotDue reports a timer task delivered before its fire time.
var errNotDue = errors.New("timer not due")

// ProcessTimerTask records TimerFired for a started timer and wakes the
// workflow.
func (e *Engine) ProcessTimerTask(ctx context.Context, task *taskqueue.Task) error {
	exec := task.Execution
	var fireAt time.Time

	h, appended, err := e.appendWithRetry(ctx, exec, func(h *api.EventHistory) ([]api.WorkflowEvent, error) {
		if h.IsClosed() {
			return nil, nil
		}
		var started *api.TimerStartedAttributes
		for _, ev := range h.Events() {
			switch {
			case ev.TimerStarted != nil && ev.TimerStarted.TimerID == task.TimerID:
				started = ev.TimerStarted
			case ev.TimerFired != nil && ev.TimerFired.TimerID == task.TimerID:
				return nil, nil
			}
		}
		if started == nil {
			return nil, fmt.Errorf("timer %s of %s was never started", task.TimerID, exec)
		}
		if started.FireAt.After(e.clock.Now()) {
			fireAt = started.FireAt
			return nil, errNotDue
		}
		return []api.WorkflowEvent{{
			Type:       api.EventTimerFired,
			TimerFired: &api.TimerFiredAttributes{TimerID: task.TimerID},
		}}, nil
	})
	switch {
	case errors.Is(err, errNotDue):
		next := *task
		next.NotBefore = fireAt
		return e.queue.Enqueue(ctx, next)
	case errors.Is(err, persistence.ErrNotFound), isClosed(err):
		return nil
	case err != nil:
		return err
	case len(appended) == 0:
		return nil
	}

	started, _ := h.Started()
	return e.enqueueWorkflowTask(ctx, exec, started.TaskQueue, time.Time{})
}

// ProcessExecutionTimeoutTask closes a run whose execution timeout has
// elapsed with StatusTimeout.
func (e *Engine) ProcessExecutionTimeoutTask(ctx context.Context, task *taskqueue.Task) error {
	exec := task.Execution

	unlock := e.locks.lock(exec.WorkflowID)
	defer unlock()

	release, err := e.acquireLease(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	defer release()

	h, appended, err := e.appendWithRetry(ctx, exec, func(h *api.EventHistory) ([]api.WorkflowEvent, error) {
		if h.IsClosed() {
			return nil, nil
		}
		started, _ := h.Started()
		deadline := h.Events()[0].Timestamp.Add(started.ExecutionTimeout)
		if started.ExecutionTimeout <= 0 || deadline.After(e.clock.Now()) {
			return nil, nil
		}
		return []api.WorkflowEvent{{
			Type: api.EventWorkflowExecutionTimedOut,
			WorkflowExecutionFailed: &api.WorkflowExecutionFailedAttributes{
				Failure: api.Failure{
					Kind:    string(api.WorkflowErrTimeout),
					Message: fmt.Sprintf("workflow execution timed out after %s", started.ExecutionTimeout),
				},
			},
		}}, nil
	})
	if errors.Is(err, persistence.ErrNotFound) || isClosed(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(appended) == 0 {
		if task.Recover && h.IsClosed() {
			return e.resumeClose(ctx, exec, h, true)
		}
		return nil
	}

	e.logger.Info("workflow_timed_out",
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("run_id", exec.RunID),
	)
	if err := e.afterClose(ctx, exec, h, e.closedQueryResults(ctx, exec, h)); err != nil {
		task.Recover = true
		return err
	}
	return nil
}

// closedQueryResults replays a run that was closed from outside workflow
// code so its query handlers can still be cached.
func (e *Engine) closedQueryResults(ctx context.Context, exec api.WorkflowExecution, h *api.EventHistory) map[string]api.Payload {
	started, ok := h.Started()
	if !ok {
		return nil
	}
	wf, err := e.registry.workflow(started.WorkflowType)
	if err != nil {
		return nil
	}
	c := e.newWorkflowContext(exec, h, wf, e.clock.Now(), true)
	if _, err := runWorkflow(ctx, e.clock, c, wf, started.TaskTimeout); err != nil {
		return nil
	}
	return c.queryResults()
}
