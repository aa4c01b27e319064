package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

// finishAttempt applies the retry policy to an attempt's outcome.
func (e *Engine) finishAttempt(
	ctx context.Context,
	task *taskqueue.Task,
	info api.ActivityInfo,
	policy api.RetryPolicy,
	closeDeadline time.Time,
	result api.Payload,
	actErr error,
	details api.Payload,
) error {
	exec := task.Execution
	if actErr == nil {
		return e.recordActivityResult(ctx, exec, api.WorkflowEvent{
			Type: api.EventActivityTaskCompleted,
			ActivityTaskCompleted: &api.ActivityTaskCompletedAttributes{
				ActivityID: info.ActivityID,
				Attempt:    info.Attempt,
				Result:     result,
			},
		})
	}

	ae := api.AsActivityError(actErr)
	now := e.clock.Now()
	decision := policy.Decide(ae, info.Attempt, now, closeDeadline)
	failure := api.FailureFromActivityError(ae, info.Attempt)

	if decision.Retry {
		next := taskqueue.NewTask(taskqueue.KindActivity, task.Queue, exec)
		next.ActivityID = info.ActivityID
		next.Attempt = info.Attempt + 1
		next.ScheduledAt = info.ScheduledAt
		next.LastFailure = &failure
		next.HeartbeatDetails = details
		next.NotBefore = now.Add(decision.Delay)

		e.observer.OnActivityRetry(ctx, info, decision.Delay, ae)
		return e.queue.Enqueue(ctx, next)
	}

	if decision.Reason == "schedule_to_close" && failure.Type != api.TimeoutScheduleToClose {
		failure = api.Failure{
			Kind:    string(api.ActivityErrTimeout),
			Type:    api.TimeoutScheduleToClose,
			Message: fmt.Sprintf("schedule-to-close timeout after attempt %d: %s", info.Attempt, failure.Message),
			Attempt: info.Attempt,
		}
	}
	e.logger.Debug("activity_failed",
		slog.String("activity", info.ActivityType),
		slog.String("activity_id", info.ActivityID),
		slog.String("workflow_id", exec.WorkflowID),
		slog.Int("attempt", info.Attempt),
		slog.String("reason", decision.Reason),
	)
	return e.recordActivityResult(ctx, exec, api.WorkflowEvent{
		Type: api.EventActivityTaskFailed,
		ActivityTaskFailed: &api.ActivityTaskFailedAttributes{
			ActivityID: info.ActivityID,
			Attempt:    info.Attempt,
			Failure:    failure,
		},
	})
}
