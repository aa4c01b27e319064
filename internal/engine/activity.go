package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

// Cancellation causes of an attempt context.
var (
	errStartToClose = &api.ActivityError{
		Kind: api.ActivityErrTimeout, Type: api.TimeoutStartToClose, Message: "start-to-close timeout exceeded",
	}
	errScheduleToClose = &api.ActivityError{
		Kind: api.ActivityErrTimeout, Type: api.TimeoutScheduleToClose, Message: "schedule-to-close timeout exceeded",
	}
	errScheduleToStart = &api.ActivityError{
		Kind: api.ActivityErrTimeout, Type: api.TimeoutScheduleToStart, Message: "schedule-to-start timeout exceeded",
	}
	errHeartbeatTimeout = &api.ActivityError{
		Kind: api.ActivityErrTimeout, Type: api.TimeoutHeartbeat, Message: "heartbeat timeout exceeded",
	}
	errWorkflowGone = &api.ActivityError{
		Kind: api.ActivityErrCancelled, Message: "workflow closed or cancellation requested",
	}
)

// errSkipAttempt stops an attempt whose run closed or whose result is
// already recorded.
var errSkipAttempt = errors.New("activity attempt no longer needed")

// activityContext is the api.ActivityContext of one attempt.
type activityContext struct {
	context.Context

	e      *Engine
	info   api.ActivityInfo
	prev   api.Payload
	cancel context.CancelCauseFunc
	beat   chan struct{}
	logger *slog.Logger

	mu        sync.Mutex
	details   api.Payload
	lastCheck time.Time
}

var _ api.ActivityContext = (*activityContext)(nil)

func (a *activityContext) Info() api.ActivityInfo { return a.info }

func (a *activityContext) RecordHeartbeat(details ...any) {
	var p api.Payload
	switch len(details) {
	case 0:
	case 1:
		p, _ = api.Encode(details[0])
	default:
		p, _ = api.Encode(details)
	}

	now := a.e.clock.Now()
	a.mu.Lock()
	if p != nil {
		a.details = p
	}
	check := now.Sub(a.lastCheck) >= a.e.cfg.HeartbeatCheckInterval
	if check {
		a.lastCheck = now
	}
	a.mu.Unlock()

	select {
	case a.beat <- struct{}{}:
	default:
	}

	if check {
		a.checkRun()
	}
}

// checkRun cancels the attempt when its run closed or was asked to cancel.
func (a *activityContext) checkRun() {
	snap, err := a.e.store.LoadRunState(a, a.info.Execution)
	if err != nil {
		a.logger.Debug("heartbeat_state_check_failed", slog.Any("error", err))
		return
	}
	if snap == nil || snap.Status.IsTerminal() || snap.CancelRequested {
		a.cancel(errWorkflowGone)
	}
}

func (a *activityContext) HeartbeatDetails(out any) bool {
	if len(a.prev) == 0 {
		return false
	}
	return a.prev.Decode(out) == nil
}

func (a *activityContext) currentDetails() api.Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.details != nil {
		return a.details
	}
	return a.prev
}

func (a *activityContext) IsCancelled() bool { return a.Err() != nil }

func (a *activityContext) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s/%s", a.info.Execution.WorkflowID, a.info.Execution.RunID, a.info.ActivityID)
}

func (a *activityContext) PutIdempotencyKey(key string, ttl time.Duration) (bool, error) {
	return a.e.store.PutIdempotencyKey(a, key, ttl)
}

func (a *activityContext) Logger() *slog.Logger { return a.logger }

// watchHeartbeats cancels the attempt when no heartbeat arrives within
// timeout.
func (a *activityContext) watchHeartbeats(timeout time.Duration) {
	t := a.e.clock.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-a.Done():
			return
		case <-a.beat:
			if !t.Stop() {
				select {
				case <-t.C():
				default:
				}
			}
			t.Reset(timeout)
		case <-t.C():
			a.cancel(errHeartbeatTimeout)
			return
		}
	}
}

// ProcessActivityTask runs one attempt of a scheduled activity and records
// its outcome, or schedules the next attempt under the retry policy.
func (e *Engine) ProcessActivityTask(ctx context.Context, task *taskqueue.Task) error {
	exec := task.Execution

	events, err := e.store.LoadHistory(ctx, exec)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	h := api.NewEventHistory(events)
	if h.IsClosed() {
		return nil
	}
	scheduled, done := findActivity(h, task.ActivityID)
	if scheduled == nil {
		e.logger.Warn("activity_task_dropped",
			slog.String("workflow_id", exec.WorkflowID),
			slog.String("activity_id", task.ActivityID),
			slog.String("reason", "activity was never scheduled"),
		)
		return nil
	}
	if done {
		return nil
	}

	attrs := scheduled.ActivityTaskScheduled
	opts := attrs.Options
	policy := api.DefaultRetryPolicy().WithDefaults()
	if opts.RetryPolicy != nil {
		policy = opts.RetryPolicy.WithDefaults()
	}

	now := e.clock.Now()
	info := api.ActivityInfo{
		Execution:    exec,
		ActivityID:   attrs.ActivityID,
		ActivityType: attrs.ActivityType,
		TaskQueue:    attrs.TaskQueue,
		Attempt:      max(task.Attempt, 1),
		ScheduledAt:  task.ScheduledAt,
		StartedAt:    now,
	}
	if info.ScheduledAt.IsZero() {
		info.ScheduledAt = scheduled.Timestamp
	}
	var closeDeadline time.Time
	if opts.ScheduleToCloseTimeout > 0 {
		closeDeadline = info.ScheduledAt.Add(opts.ScheduleToCloseTimeout)
	}

	if !closeDeadline.IsZero() && !now.Before(closeDeadline) {
		return e.finishAttempt(ctx, task, info, policy, closeDeadline, nil, errScheduleToClose, task.HeartbeatDetails)
	}
	if opts.ScheduleToStartTimeout > 0 {
		ready := task.NotBefore
		if ready.IsZero() {
			ready = task.EnqueuedAt
		}
		if !ready.IsZero() && now.Sub(ready) > opts.ScheduleToStartTimeout {
			return e.finishAttempt(ctx, task, info, policy, closeDeadline, nil, errScheduleToStart, task.HeartbeatDetails)
		}
	}

	act, err := e.registry.activity(attrs.ActivityType)
	if err != nil {
		return e.recordActivityResult(ctx, exec, api.WorkflowEvent{
			Type: api.EventActivityTaskFailed,
			ActivityTaskFailed: &api.ActivityTaskFailedAttributes{
				ActivityID: attrs.ActivityID,
				Attempt:    info.Attempt,
				Failure: api.Failure{
					Kind:    string(api.ActivityErrCustom),
					Type:    "ActivityNotRegistered",
					Message: err.Error(),
					Attempt: info.Attempt,
				},
			},
		})
	}

	_, _, err = e.appendWithRetry(ctx, exec, func(h *api.EventHistory) ([]api.WorkflowEvent, error) {
		if h.IsClosed() {
			return nil, errSkipAttempt
		}
		if _, done := findActivity(h, attrs.ActivityID); done {
			return nil, errSkipAttempt
		}
		return []api.WorkflowEvent{{
			Type: api.EventActivityTaskStarted,
			ActivityTaskStarted: &api.ActivityTaskStartedAttributes{
				ActivityID:  attrs.ActivityID,
				Attempt:     info.Attempt,
				Identity:    e.cfg.Identity,
				LastFailure: task.LastFailure,
			},
		}}, nil
	})
	if errors.Is(err, errSkipAttempt) || isClosed(err) {
		return nil
	}
	if err != nil {
		return err
	}

	e.observer.OnActivityStart(ctx, info)
	begin := e.clock.Now()
	result, actErr, details := e.runAttempt(ctx, act, attrs.Input, &info, opts, closeDeadline, task.HeartbeatDetails)
	if ctx.Err() != nil {
		// The worker is stopping; the attempt is retried from the queue.
		return ctx.Err()
	}
	e.observer.OnActivityCompleted(ctx, info, actErr, e.clock.Since(begin))

	return e.finishAttempt(ctx, task, info, policy, closeDeadline, result, actErr, details)
}

// runAttempt invokes the activity under its deadline and heartbeat
// watchdog. An attempt that ignores cancellation is abandoned.
func (e *Engine) runAttempt(
	ctx context.Context,
	act api.Activity,
	input api.Payload,
	info *api.ActivityInfo,
	opts api.ActivityOptions,
	closeDeadline time.Time,
	prevDetails api.Payload,
) (api.Payload, error, api.Payload) {
	var (
		deadline time.Time
		cause    error
	)
	if opts.StartToCloseTimeout > 0 {
		deadline, cause = info.StartedAt.Add(opts.StartToCloseTimeout), errStartToClose
	}
	if !closeDeadline.IsZero() && (deadline.IsZero() || closeDeadline.Before(deadline)) {
		deadline, cause = closeDeadline, errScheduleToClose
	}
	info.Deadline = deadline

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !deadline.IsZero() {
		t := e.clock.AfterFunc(deadline.Sub(info.StartedAt), func() { cancel(cause) })
		defer t.Stop()
	}

	ac := &activityContext{
		Context:   actx,
		e:         e,
		info:      *info,
		prev:      prevDetails,
		cancel:    cancel,
		beat:      make(chan struct{}, 1),
		lastCheck: info.StartedAt,
		logger: e.logger.With(
			slog.String("activity", info.ActivityType),
			slog.String("activity_id", info.ActivityID),
			slog.String("workflow_id", info.Execution.WorkflowID),
			slog.Int("attempt", info.Attempt),
		),
	}
	if opts.HeartbeatTimeout > 0 {
		go ac.watchHeartbeats(opts.HeartbeatTimeout)
	}

	type attemptResult struct {
		payload api.Payload
		err     error
	}
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{err: api.NewExecutionFailed(fmt.Sprintf("activity panic: %v", p), nil)}
			}
		}()
		p, err := act.Execute(ac, input)
		done <- attemptResult{payload: p, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && actx.Err() != nil {
			// The activity observed our cancellation; report why.
			var ae *api.ActivityError
			if errors.As(context.Cause(actx), &ae) {
				return nil, ae, ac.currentDetails()
			}
		}
		return r.payload, r.err, ac.currentDetails()
	case <-actx.Done():
		var ae *api.ActivityError
		if errors.As(context.Cause(actx), &ae) {
			return nil, ae, ac.currentDetails()
		}
		return nil, context.Cause(actx), ac.currentDetails()
	}
}

// recordActivityResult appends a completion or failure once and wakes the
// workflow.
func (e *Engine) recordActivityResult(ctx context.Context, exec api.WorkflowExecution, ev api.WorkflowEvent) error {
	var id api.ActivityID
	switch {
	case ev.ActivityTaskCompleted != nil:
		id = ev.ActivityTaskCompleted.ActivityID
	case ev.ActivityTaskFailed != nil:
		id = ev.ActivityTaskFailed.ActivityID
	}

	h, appended, err := e.appendWithRetry(ctx, exec, func(h *api.EventHistory) ([]api.WorkflowEvent, error) {
		if h.IsClosed() {
			return nil, nil
		}
		if _, done := findActivity(h, id); done {
			return nil, nil
		}
		return []api.WorkflowEvent{ev}, nil
	})
	if errors.Is(err, persistence.ErrNotFound) || isClosed(err) {
		return nil
	}
	if err != nil || len(appended) == 0 {
		return err
	}
	started, _ := h.Started()
	return e.enqueueWorkflowTask(ctx, exec, started.TaskQueue, time.Time{})
}

// findActivity returns the scheduling event of id and whether a result is
// already recorded.
func findActivity(h *api.EventHistory, id api.ActivityID) (*api.WorkflowEvent, bool) {
	var scheduled *api.WorkflowEvent
	for _, ev := range h.Events() {
		switch {
		case ev.ActivityTaskScheduled != nil && ev.ActivityTaskScheduled.ActivityID == id:
			scheduled = &ev
		case ev.ActivityTaskCompleted != nil && ev.ActivityTaskCompleted.ActivityID == id,
			ev.ActivityTaskFailed != nil && ev.ActivityTaskFailed.ActivityID == id:
			return scheduled, true
		}
	}
	return scheduled, false
}
