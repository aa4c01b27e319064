package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

// ProcessWorkflowTask replays the task's run and persists the decisions the
// workflow code made. The run is locked in-process and leased in the store
// for the duration of the task.
func (e *Engine) ProcessWorkflowTask(ctx context.Context, task *taskqueue.Task) error {
	exec := task.Execution

	unlock := e.locks.lock(exec.WorkflowID)
	defer unlock()

	release, err := e.acquireLease(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	defer release()

	begin := time.Now()
	workflowType, appended, err := e.workflowTask(ctx, task)
	e.observer.OnWorkflowTask(ctx, exec, workflowType, appended, err, time.Since(begin))
	return err
}

func (e *Engine) workflowTask(ctx context.Context, task *taskqueue.Task) (string, int, error) {
	exec := task.Execution

	for range e.cfg.MaxAppendRetries {
		events, err := e.store.LoadHistory(ctx, exec)
		if errors.Is(err, persistence.ErrNotFound) {
			e.logger.Warn("workflow_task_dropped",
				slog.String("workflow_id", exec.WorkflowID),
				slog.String("run_id", exec.RunID),
				slog.String("reason", "run not found"),
			)
			return "", 0, nil
		}
		if err != nil {
			return "", 0, err
		}

		h := api.NewEventHistory(events)
		started, ok := h.Started()
		if !ok {
			return "", 0, fmt.Errorf("history of %s has no start event", exec)
		}
		if h.IsClosed() {
			return started.WorkflowType, 0, e.resumeClose(ctx, exec, h, task.Recover)
		}

		now := e.clock.Now()
		if due := events[0].Timestamp; due.After(now) {
			// A cron run picked up before its activation.
			return started.WorkflowType, 0, e.enqueueWorkflowTask(ctx, exec, started.TaskQueue, due)
		}

		wf, err := e.registry.workflow(started.WorkflowType)
		if err != nil {
			return started.WorkflowType, 0, err
		}

		c := e.newWorkflowContext(exec, h, wf, now, false)
		out, err := runWorkflow(ctx, e.clock, c, wf, started.TaskTimeout)
		if err != nil {
			return started.WorkflowType, 0, err
		}
		if err := e.decide(c, out); err != nil {
			return started.WorkflowType, 0, err
		}

		if task.Recover {
			if err := e.redispatch(ctx, exec, h, started); err != nil {
				return started.WorkflowType, 0, err
			}
		}

		if len(c.decisions) == 0 {
			return started.WorkflowType, 0, e.saveSnapshot(ctx, exec, h)
		}

		appended, err := e.appendEvents(ctx, exec, h, c.decisions)
		switch {
		case errors.Is(err, persistence.ErrConflict):
			e.logger.Debug("workflow_task_conflict",
				slog.String("workflow_id", exec.WorkflowID),
				slog.String("run_id", exec.RunID),
			)
			continue
		case errors.Is(err, persistence.ErrExecutionClosed):
			return started.WorkflowType, 0, nil
		case err != nil:
			return started.WorkflowType, 0, err
		}

		if err := e.dispatch(ctx, exec, h, appended, c); err != nil {
			// The decisions are durable; a retried task must re-dispatch
			// them from history.
			task.Recover = true
			return started.WorkflowType, len(appended), err
		}
		return started.WorkflowType, len(appended), nil
	}
	return "", 0, fmt.Errorf("workflow task for %s: %w", exec, persistence.ErrConflict)
}

// decide appends the terminal decision, if any, for how the workflow code
// ended. Nondeterminism is a task failure and leaves history untouched.
func (e *Engine) decide(c *workflowContext, out runOutcome) error {
	switch {
	case out.nondet != nil:
		return out.nondet
	case out.panicked != nil:
		e.logger.Error("workflow_panic",
			slog.String("workflow", c.info.WorkflowType),
			slog.String("workflow_id", c.exec.WorkflowID),
			slog.String("run_id", c.exec.RunID),
			slog.Any("panic", out.panicked),
			slog.String("stack", string(out.stack)),
		)
		c.record(api.WorkflowEvent{
			Type: api.EventWorkflowExecutionFailed,
			WorkflowExecutionFailed: &api.WorkflowExecutionFailedAttributes{
				Failure: api.Failure{
					Kind:    string(api.WorkflowErrCustom),
					Type:    "Panic",
					Message: fmt.Sprintf("workflow panic: %v", out.panicked),
				},
			},
		})
	case out.completed:
		if c.replaying() {
			return fmt.Errorf("%w: %s returned with %d recorded commands not issued",
				api.ErrNonDeterministic, c.exec, len(c.commands)-c.seq)
		}
		c.record(terminalEvent(out.result, out.err))
	}
	return nil
}

func terminalEvent(result api.Payload, err error) api.WorkflowEvent {
	if err == nil {
		return api.WorkflowEvent{
			Type:                       api.EventWorkflowExecutionCompleted,
			WorkflowExecutionCompleted: &api.WorkflowExecutionCompletedAttributes{Result: result},
		}
	}
	typ := api.EventWorkflowExecutionFailed
	if errors.Is(err, api.ErrWorkflowCancelled) {
		typ = api.EventWorkflowExecutionCancelled
	}
	return api.WorkflowEvent{
		Type:                    typ,
		WorkflowExecutionFailed: &api.WorkflowExecutionFailedAttributes{Failure: api.FailureFromError(err)},
	}
}

// dispatch turns newly appended decisions into tasks and closes the run
// when the last decision is terminal.
func (e *Engine) dispatch(ctx context.Context, exec api.WorkflowExecution, h *api.EventHistory, appended []api.WorkflowEvent, c *workflowContext) error {
	var errs []error
	for _, ev := range appended {
		switch ev.Type {
		case api.EventActivityTaskScheduled:
			errs = append(errs, e.queue.Enqueue(ctx, activityTask(exec, ev, 1)))
		case api.EventTimerStarted:
			errs = append(errs, e.queue.Enqueue(ctx, timerTask(exec, c.info.TaskQueue, ev.TimerStarted)))
		case api.EventChildWorkflowExecutionStarted:
			errs = append(errs, e.startChild(ctx, exec, ev.ChildWorkflowExecutionStarted))
		}
	}

	if last := appended[len(appended)-1]; last.Type.IsTerminal() {
		errs = append(errs, e.afterClose(ctx, exec, h, c.queryResults()))
	} else {
		errs = append(errs, e.saveSnapshot(ctx, exec, h))
	}
	return errors.Join(errs...)
}

func activityTask(exec api.WorkflowExecution, scheduled api.WorkflowEvent, attempt int) taskqueue.Task {
	attrs := scheduled.ActivityTaskScheduled
	t := taskqueue.NewTask(taskqueue.KindActivity, attrs.TaskQueue, exec)
	t.ActivityID = attrs.ActivityID
	t.Attempt = attempt
	t.ScheduledAt = scheduled.Timestamp
	return t
}

func timerTask(exec api.WorkflowExecution, queue string, attrs *api.TimerStartedAttributes) taskqueue.Task {
	t := taskqueue.NewTask(taskqueue.KindTimer, queue, exec)
	t.TimerID = attrs.TimerID
	t.NotBefore = attrs.FireAt
	return t
}

func executionTimeoutTask(exec api.WorkflowExecution, queue string, at time.Time) taskqueue.Task {
	t := taskqueue.NewTask(taskqueue.KindExecutionTimeout, queue, exec)
	t.NotBefore = at
	return t
}

// redispatch re-enqueues the work history shows as pending. Tasks lost in
// a crash between append and enqueue are recovered this way; duplicates are
// discarded when their results are appended.
func (e *Engine) redispatch(ctx context.Context, exec api.WorkflowExecution, h *api.EventHistory, started *api.WorkflowExecutionStartedAttributes) error {
	events := h.Events()

	scheduled := make(map[api.ActivityID]api.WorkflowEvent)
	attempts := make(map[api.ActivityID]int)
	timers := make(map[api.TimerID]*api.TimerStartedAttributes)
	children := make(map[string]*api.ChildWorkflowExecutionStartedAttributes)
	var order []api.WorkflowEvent

	for _, ev := range events {
		switch {
		case ev.ActivityTaskScheduled != nil:
			scheduled[ev.ActivityTaskScheduled.ActivityID] = ev
			order = append(order, ev)
		case ev.ActivityTaskStarted != nil:
			attempts[ev.ActivityTaskStarted.ActivityID] = ev.ActivityTaskStarted.Attempt
		case ev.ActivityTaskCompleted != nil:
			delete(scheduled, ev.ActivityTaskCompleted.ActivityID)
		case ev.ActivityTaskFailed != nil:
			delete(scheduled, ev.ActivityTaskFailed.ActivityID)
		case ev.TimerStarted != nil:
			timers[ev.TimerStarted.TimerID] = ev.TimerStarted
			order = append(order, ev)
		case ev.TimerFired != nil:
			delete(timers, ev.TimerFired.TimerID)
		case ev.ChildWorkflowExecutionStarted != nil:
			children[ev.ChildWorkflowExecutionStarted.CommandID] = ev.ChildWorkflowExecutionStarted
			order = append(order, ev)
		case ev.ChildWorkflowExecutionCompleted != nil:
			delete(children, ev.ChildWorkflowExecutionCompleted.CommandID)
		case ev.ChildWorkflowExecutionFailed != nil:
			delete(children, ev.ChildWorkflowExecutionFailed.CommandID)
		}
	}

	var errs []error
	for _, ev := range order {
		switch {
		case ev.ActivityTaskScheduled != nil:
			id := ev.ActivityTaskScheduled.ActivityID
			if _, pending := scheduled[id]; !pending {
				continue
			}
			attempt := attempts[id] + 1
			if p := ev.ActivityTaskScheduled.Options.RetryPolicy; p != nil && p.MaximumAttempts > 0 && attempt > p.MaximumAttempts {
				attempt = p.MaximumAttempts
			}
			errs = append(errs, e.queue.Enqueue(ctx, activityTask(exec, ev, attempt)))
		case ev.TimerStarted != nil:
			if attrs, pending := timers[ev.TimerStarted.TimerID]; pending {
				errs = append(errs, e.queue.Enqueue(ctx, timerTask(exec, started.TaskQueue, attrs)))
			}
		case ev.ChildWorkflowExecutionStarted != nil:
			if attrs, pending := children[ev.ChildWorkflowExecutionStarted.CommandID]; pending {
				errs = append(errs, e.startChild(ctx, exec, attrs))
			}
		}
	}

	if started.ExecutionTimeout > 0 {
		at := events[0].Timestamp.Add(started.ExecutionTimeout)
		errs = append(errs, e.queue.Enqueue(ctx, executionTimeoutTask(exec, started.TaskQueue, at)))
	}
	return errors.Join(errs...)
}

// startRun persists the first event of a run, saves its snapshot and
// schedules its first workflow task. A notBefore in the future delays the
// run, which is how cron runs wait for their activation.
func (e *Engine) startRun(ctx context.Context, exec api.WorkflowExecution, attrs *api.WorkflowExecutionStartedAttributes, notBefore time.Time) error {
	now := e.clock.Now()
	startAt := now
	if notBefore.After(now) {
		startAt = notBefore
	}
	if attrs.TaskTimeout == 0 {
		attrs.TaskTimeout = api.DefaultWorkflowTaskTimeout
	}

	first := api.WorkflowEvent{
		ID:                       0,
		Timestamp:                startAt,
		Type:                     api.EventWorkflowExecutionStarted,
		WorkflowExecutionStarted: attrs,
	}
	if err := e.store.SaveWorkflowExecution(ctx, exec, []api.WorkflowEvent{first}); err != nil {
		return err
	}
	e.observer.OnEventsAppended(ctx, exec, []api.WorkflowEvent{first})

	h := api.NewEventHistory([]api.WorkflowEvent{first})
	snap := buildSnapshot(exec, h, now)
	if err := e.store.SaveState(ctx, snap); err != nil {
		return err
	}
	e.observer.OnWorkflowStart(ctx, &snap)

	if err := e.enqueueWorkflowTask(ctx, exec, attrs.TaskQueue, startAt); err != nil {
		return err
	}
	if attrs.ExecutionTimeout > 0 {
		return e.queue.Enqueue(ctx, executionTimeoutTask(exec, attrs.TaskQueue, startAt.Add(attrs.ExecutionTimeout)))
	}
	return nil
}

// startChild creates the run a parent recorded in a
// ChildWorkflowExecutionStarted decision. It is idempotent.
func (e *Engine) startChild(ctx context.Context, parent api.WorkflowExecution, attrs *api.ChildWorkflowExecutionStartedAttributes) error {
	_, err := e.store.LoadHistory(ctx, attrs.Execution)
	if err == nil {
		return nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	fail := func(msg string) error {
		return e.notifyParent(ctx, parent, attrs.CommandID, nil, &api.Failure{
			Kind:    string(api.WorkflowErrChildWorkflowFailed),
			Message: msg,
		})
	}

	if _, err := e.registry.workflow(attrs.WorkflowType); err != nil {
		return fail(err.Error())
	}
	_, events, err := e.store.LoadWorkflowExecution(ctx, attrs.Execution.WorkflowID)
	switch {
	case err == nil && !api.NewEventHistory(events).IsClosed():
		return fail(fmt.Sprintf("%s: %s", api.ErrWorkflowAlreadyStarted, attrs.Execution.WorkflowID))
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		return err
	}

	p := parent
	return e.startRun(ctx, attrs.Execution, &api.WorkflowExecutionStartedAttributes{
		WorkflowType:     attrs.WorkflowType,
		TaskQueue:        attrs.TaskQueue,
		Input:            attrs.Input,
		ExecutionTimeout: attrs.ExecutionTimeout,
		Parent:           &p,
		ParentCommandID:  attrs.CommandID,
	}, time.Time{})
}

// notifyParent records a child's outcome in the parent's history and wakes
// the parent.
func (e *Engine) notifyParent(ctx context.Context, parent api.WorkflowExecution, commandID string, result api.Payload, failure *api.Failure) error {
	h, appended, err := e.appendWithRetry(ctx, parent, func(h *api.EventHistory) ([]api.WorkflowEvent, error) {
		if h.IsClosed() {
			return nil, nil
		}
		for _, ev := range h.Events() {
			if (ev.ChildWorkflowExecutionCompleted != nil && ev.ChildWorkflowExecutionCompleted.CommandID == commandID) ||
				(ev.ChildWorkflowExecutionFailed != nil && ev.ChildWorkflowExecutionFailed.CommandID == commandID) {
				return nil, nil
			}
		}
		if failure != nil {
			return []api.WorkflowEvent{{
				Type: api.EventChildWorkflowExecutionFailed,
				ChildWorkflowExecutionFailed: &api.ChildWorkflowExecutionFailedAttributes{
					CommandID: commandID,
					Failure:   *failure,
				},
			}}, nil
		}
		return []api.WorkflowEvent{{
			Type: api.EventChildWorkflowExecutionCompleted,
			ChildWorkflowExecutionCompleted: &api.ChildWorkflowExecutionCompletedAttributes{
				CommandID: commandID,
				Result:    result,
			},
		}}, nil
	})
	if errors.Is(err, persistence.ErrNotFound) || isClosed(err) {
		return nil
	}
	if err != nil || len(appended) == 0 {
		return err
	}
	started, _ := h.Started()
	return e.enqueueWorkflowTask(ctx, parent, started.TaskQueue, time.Time{})
}

// afterClose runs once a terminal event is durable: it saves the final
// snapshot, reports the outcome to the parent and starts the next cron run.
// Each step is safe to repeat, and resumeClose picks up where a failed
// afterClose stopped.
func (e *Engine) afterClose(ctx context.Context, exec api.WorkflowExecution, h *api.EventHistory, queryResults map[string]api.Payload) error {
	snap := buildSnapshot(exec, h, e.clock.Now())
	snap.QueryResults = queryResults
	if err := e.store.SaveState(ctx, snap); err != nil {
		return err
	}
	if snap.Status == api.StatusCompleted {
		e.observer.OnWorkflowCompleted(ctx, &snap)
	} else {
		e.observer.OnWorkflowFailed(ctx, &snap)
	}
	return e.followClose(ctx, exec, h, &snap)
}

// followClose notifies the parent, then continues a cron schedule. Both
// steps are idempotent, so a recovering task may repeat them.
func (e *Engine) followClose(ctx context.Context, exec api.WorkflowExecution, h *api.EventHistory, snap *api.Snapshot) error {
	started, _ := h.Started()
	if started.Parent != nil {
		if err := e.notifyParent(ctx, *started.Parent, started.ParentCommandID, snap.Result, snap.Failure); err != nil {
			return err
		}
	}
	if started.CronSchedule != "" && snap.Status != api.StatusCancelled {
		return e.continueCron(ctx, exec, started)
	}
	return nil
}

// resumeClose finishes closing a run whose terminal event is durable but
// whose afterClose failed part way. A run without a terminal snapshot is
// always finished; one with a terminal snapshot only when recovering, since
// a plain task for a closed run is usually a late duplicate.
func (e *Engine) resumeClose(ctx context.Context, exec api.WorkflowExecution, h *api.EventHistory, recovering bool) error {
	snap, err := e.store.LoadRunState(ctx, exec)
	if err != nil {
		return err
	}
	if snap == nil || !snap.Status.IsTerminal() {
		e.logger.Info("workflow_close_resumed",
			slog.String("workflow_id", exec.WorkflowID),
			slog.String("run_id", exec.RunID),
		)
		return e.afterClose(ctx, exec, h, e.closedQueryResults(ctx, exec, h))
	}
	if !recovering {
		return nil
	}
	return e.followClose(ctx, exec, h, snap)
}

// continueCron starts the next run of a cron workflow at the schedule's
// next activation. The next run id is derived from exec, so a repeated
// call finds the run an earlier call created.
func (e *Engine) continueCron(ctx context.Context, exec api.WorkflowExecution, started *api.WorkflowExecutionStartedAttributes) error {
	sched, err := cron.ParseStandard(started.CronSchedule)
	if err != nil {
		return api.NewWorkflowError(api.WorkflowErrInvalidInput, "cron schedule: "+err.Error(), err)
	}

	next := sched.Next(e.clock.Now())
	attrs := *started
	attrs.ContinuedFrom = exec.RunID
	nextExec := api.WorkflowExecution{WorkflowID: exec.WorkflowID, RunID: api.ContinuationRunID(exec.RunID)}

	e.logger.Info("cron_run_scheduled",
		slog.String("workflow", started.WorkflowType),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("run_id", nextExec.RunID),
		slog.Time("next", next),
	)
	err = e.startRun(ctx, nextExec, &attrs, next)
	if errors.Is(err, persistence.ErrAlreadyExists) {
		return e.resumeStart(ctx, nextExec)
	}
	return err
}

// resumeStart completes a startRun that stopped after the first event was
// saved: it publishes the run's snapshot if missing and schedules its first
// task. A run that already closed is left alone.
func (e *Engine) resumeStart(ctx context.Context, exec api.WorkflowExecution) error {
	snap, err := e.store.LoadRunState(ctx, exec)
	if err != nil {
		return err
	}
	if snap != nil && snap.Status.IsTerminal() {
		return nil
	}

	events, err := e.store.LoadHistory(ctx, exec)
	if err != nil {
		return err
	}
	h := api.NewEventHistory(events)
	started, ok := h.Started()
	if !ok {
		return fmt.Errorf("history of %s has no start event", exec)
	}
	if snap == nil {
		if err := e.store.SaveState(ctx, buildSnapshot(exec, h, e.clock.Now())); err != nil {
			return err
		}
	}
	return e.enqueueWorkflowTask(ctx, exec, started.TaskQueue, events[0].Timestamp)
}
