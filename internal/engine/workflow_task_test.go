package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/pkg/api"
)

func echoActivity() api.Activity {
	return api.NewActivity("echo", func(ctx api.ActivityContext, in string) (string, error) {
		return in, nil
	})
}

func TestWorkflow_ActivityResultBecomesWorkflowResult(t *testing.T) {
	h := newHarness(t)
	h.registerActivity(api.NewActivity("greet", func(ctx api.ActivityContext, name string) (string, error) {
		return "hello " + name, nil
	}))
	h.registerWorkflow(api.NewWorkflow("greeter", func(ctx api.WorkflowContext, name string) (string, error) {
		return api.ExecuteActivity[string](ctx, "greet", name, api.ActivityOptions{})
	}))

	exec := h.start("greet-1", "greeter", "ada")
	h.drain()

	snap := h.describe("greet-1")
	assert.Equal(t, api.StatusCompleted, snap.Status)
	assert.Equal(t, exec, snap.Execution)
	assert.Equal(t, "hello ada", decodeResult[string](t, snap))

	want := []api.EventType{
		api.EventWorkflowExecutionStarted,
		api.EventActivityTaskScheduled,
		api.EventActivityTaskStarted,
		api.EventActivityTaskCompleted,
		api.EventWorkflowExecutionCompleted,
	}
	if diff := cmp.Diff(want, eventTypes(h.history(exec))); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

type stamp struct {
	N        int32
	Started  time.Time
	Finished time.Time
}

func TestReplay_SideEffectAndNowAreRecordedOnce(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32

	h.registerActivity(echoActivity())
	h.registerWorkflow(api.NewWorkflow("stamped", func(ctx api.WorkflowContext, _ struct{}) (stamp, error) {
		var n int32
		if err := ctx.SideEffect(func() (any, error) { return calls.Add(1), nil }, &n); err != nil {
			return stamp{}, err
		}
		started := ctx.Now()
		if _, err := api.ExecuteActivity[string](ctx, "echo", "x", api.ActivityOptions{}); err != nil {
			return stamp{}, err
		}
		if err := ctx.Sleep(time.Minute); err != nil {
			return stamp{}, err
		}
		return stamp{N: n, Started: started, Finished: ctx.Now()}, nil
	}))

	exec := h.start("stamped-1", "stamped", struct{}{})
	h.drain()
	h.advance(time.Minute)

	snap := h.describe("stamped-1")
	require.Equal(t, api.StatusCompleted, snap.Status)
	got := decodeResult[stamp](t, snap)
	assert.Equal(t, int32(1), got.N)
	assert.Equal(t, int32(1), calls.Load(), "side effect must run once across replays")
	assert.True(t, got.Started.Equal(epoch), "started=%s", got.Started)
	assert.True(t, got.Finished.Equal(epoch.Add(time.Minute)), "finished=%s", got.Finished)

	want := []api.EventType{
		api.EventWorkflowExecutionStarted,
		api.EventMarkerRecorded,
		api.EventMarkerRecorded,
		api.EventActivityTaskScheduled,
		api.EventActivityTaskStarted,
		api.EventActivityTaskCompleted,
		api.EventTimerStarted,
		api.EventTimerFired,
		api.EventMarkerRecorded,
		api.EventWorkflowExecutionCompleted,
	}
	if diff := cmp.Diff(want, eventTypes(h.history(exec))); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestReplay_ResultsArriveAtTheirRecordedPosition(t *testing.T) {
	h := newHarness(t)
	h.registerActivity(echoActivity())
	h.registerWorkflow(api.NewWorkflow("racer", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		f := ctx.ExecuteActivity("echo", "x", api.ActivityOptions{})
		branch := "waited"
		if f.IsReady() {
			branch = "ready"
		} else if err := ctx.Sleep(time.Minute); err != nil {
			return "", err
		}
		var s string
		if err := f.Get(&s); err != nil {
			return "", err
		}
		return branch, nil
	}))

	h.start("racer-1", "racer", struct{}{})
	// The activity completes before the timer fires. The replay must not
	// see that result before the timer command recorded ahead of it.
	h.drain()
	require.Equal(t, api.StatusRunning, h.describe("racer-1").Status)

	h.advance(time.Minute)
	snap := h.describe("racer-1")
	require.Equal(t, api.StatusCompleted, snap.Status)
	assert.Equal(t, "waited", decodeResult[string](t, snap))
}

func TestWorkflow_TimerFiresAfterDuration(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("sleeper", func(ctx api.WorkflowContext, d time.Duration) (string, error) {
		if err := ctx.Sleep(d); err != nil {
			return "", err
		}
		return "woke", nil
	}))

	exec := h.start("sleeper-1", "sleeper", time.Hour)
	h.drain()

	h.advance(59 * time.Minute)
	require.Equal(t, api.StatusRunning, h.describe("sleeper-1").Status)

	h.advance(time.Minute)
	snap := h.describe("sleeper-1")
	require.Equal(t, api.StatusCompleted, snap.Status)
	assert.Equal(t, "woke", decodeResult[string](t, snap))

	started := filterEvents(h.history(exec), api.EventTimerStarted)
	require.Len(t, started, 1)
	assert.True(t, started[0].TimerStarted.FireAt.Equal(epoch.Add(time.Hour)))
}

func TestWorkflow_NonPositiveTimerIsReadyImmediately(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("zero-sleep", func(ctx api.WorkflowContext, _ struct{}) (bool, error) {
		return ctx.NewTimer(0).IsReady(), ctx.Sleep(-time.Second)
	}))

	exec := h.start("zero-1", "zero-sleep", struct{}{})
	h.drain()

	snap := h.describe("zero-1")
	require.Equal(t, api.StatusCompleted, snap.Status)
	assert.True(t, decodeResult[bool](t, snap))
	assert.Empty(t, filterEvents(h.history(exec), api.EventTimerStarted))
}

func TestWorkflow_ErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("failing", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		return "", errors.New("order rejected")
	}))

	h.start("failing-1", "failing", struct{}{})
	h.drain()

	snap := h.describe("failing-1")
	require.Equal(t, api.StatusFailed, snap.Status)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, string(api.WorkflowErrCustom), snap.Failure.Kind)
	assert.Equal(t, "order rejected", snap.Failure.Message)
}

func TestWorkflow_PanicFailsRun(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("panicky", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		panic("nil map")
	}))

	h.start("panicky-1", "panicky", struct{}{})
	h.drain()

	snap := h.describe("panicky-1")
	require.Equal(t, api.StatusFailed, snap.Status)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, "Panic", snap.Failure.Type)
	assert.Contains(t, snap.Failure.Message, "nil map")
}

func TestReplay_ChangedCommandIsNondeterministic(t *testing.T) {
	h := newHarness(t)
	var name atomic.Value
	name.Store("first")

	h.registerActivity(api.NewActivity("first", func(ctx api.ActivityContext, _ struct{}) (string, error) { return "1", nil }))
	h.registerActivity(api.NewActivity("second", func(ctx api.ActivityContext, _ struct{}) (string, error) { return "2", nil }))
	h.registerWorkflow(api.NewWorkflow("fickle", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		return api.ExecuteActivity[string](ctx, name.Load().(string), struct{}{}, api.ActivityOptions{})
	}))

	exec := h.start("fickle-1", "fickle", struct{}{})
	task := h.next(api.DefaultTaskQueue)
	require.NotNil(t, task)
	require.NoError(t, h.engine.ProcessTask(h.ctx, task))

	name.Store("second")
	errs := h.drainErrors()
	require.True(t, isNonDeterministic(errs), "errors: %v", errs)

	events := h.history(exec)
	assert.Empty(t, filterEvents(events, api.EventWorkflowExecutionCompleted))
	assert.Empty(t, filterEvents(events, api.EventWorkflowExecutionFailed))
	assert.Equal(t, api.StatusRunning, h.describe("fickle-1").Status)
}

func TestReplay_DroppedCommandIsNondeterministic(t *testing.T) {
	h := newHarness(t)
	var skip atomic.Bool

	h.registerWorkflow(api.NewWorkflow("shrinking", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		if !skip.Load() {
			if err := ctx.Sleep(time.Minute); err != nil {
				return "", err
			}
		}
		return "done", nil
	}))

	h.start("shrinking-1", "shrinking", struct{}{})
	h.drain()

	skip.Store(true)
	h.clock.Step(time.Minute)
	errs := h.drainErrors()
	require.True(t, isNonDeterministic(errs), "errors: %v", errs)
	assert.Equal(t, api.StatusRunning, h.describe("shrinking-1").Status)
}

func TestWorkflow_ChildResultIsDeliveredToParent(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("double", func(ctx api.WorkflowContext, n int) (int, error) {
		return n * 2, nil
	}))
	h.registerWorkflow(api.NewWorkflow("parent", func(ctx api.WorkflowContext, n int) (int, error) {
		doubled, err := api.ExecuteChildWorkflow[int](ctx, "double", n, api.ChildWorkflowOptions{})
		if err != nil {
			return 0, err
		}
		return doubled + 1, nil
	}))

	parent := h.start("parent-1", "parent", 2)
	h.drain()

	snap := h.describe("parent-1")
	require.Equal(t, api.StatusCompleted, snap.Status)
	assert.Equal(t, 5, decodeResult[int](t, snap))

	child := h.describe("parent-1-child-1")
	require.Equal(t, api.StatusCompleted, child.Status)

	childEvents := h.history(child.Execution)
	started := childEvents[0].WorkflowExecutionStarted
	require.NotNil(t, started.Parent)
	assert.Equal(t, parent, *started.Parent)
}

func TestWorkflow_ChildFailureSurfacesAsChildWorkflowFailed(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("broken", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		return "", errors.New("boom")
	}))
	h.registerWorkflow(api.NewWorkflow("guardian", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		_, err := api.ExecuteChildWorkflow[string](ctx, "broken", struct{}{}, api.ChildWorkflowOptions{WorkflowID: "broken-child"})
		if errors.Is(err, api.ErrChildWorkflowFailed) {
			return "handled: " + err.Error(), nil
		}
		return "", fmt.Errorf("unexpected child outcome: %v", err)
	}))

	h.start("guardian-1", "guardian", struct{}{})
	h.drain()

	snap := h.describe("guardian-1")
	require.Equal(t, api.StatusCompleted, snap.Status)
	assert.Contains(t, decodeResult[string](t, snap), "boom")
	assert.Equal(t, api.StatusFailed, h.describe("broken-child").Status)
}

func TestWorkflow_ChildOfUnregisteredTypeFailsInParent(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("orphaner", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		return api.ExecuteChildWorkflow[string](ctx, "missing", struct{}{}, api.ChildWorkflowOptions{})
	}))

	h.start("orphaner-1", "orphaner", struct{}{})
	h.drain()

	snap := h.describe("orphaner-1")
	require.Equal(t, api.StatusFailed, snap.Status)
	assert.Equal(t, string(api.WorkflowErrChildWorkflowFailed), snap.Failure.Kind)
}

func TestWorkflow_CronStartsNextRunAtActivation(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("report", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		return ctx.Info().ContinuedFrom, nil
	}))

	first := h.startWith(api.StartOptions{WorkflowID: "report", CronSchedule: "*/5 * * * *"}, "report", struct{}{})
	h.drain()

	firstSnap, err := h.store.LoadRunState(h.ctx, first)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, firstSnap.Status)

	second := h.describe("report")
	require.Equal(t, api.StatusRunning, second.Status)
	require.NotEqual(t, first.RunID, second.Execution.RunID)
	assert.True(t, second.StartedAt.Equal(epoch.Add(5*time.Minute)), "next run starts at %s", second.StartedAt)

	h.advance(4 * time.Minute)
	require.Equal(t, api.StatusRunning, h.describe("report").Status)

	h.advance(time.Minute)
	secondSnap, err := h.store.LoadRunState(h.ctx, second.Execution)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, secondSnap.Status)
	assert.Equal(t, first.RunID, decodeResult[string](t, secondSnap))

	third := h.describe("report")
	assert.NotEqual(t, second.Execution.RunID, third.Execution.RunID)
	assert.True(t, third.StartedAt.Equal(epoch.Add(10*time.Minute)))
}

func TestWorkflow_CancelledCronDoesNotContinue(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("ticker", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		if err := ctx.Sleep(time.Hour); err != nil {
			return "", err
		}
		return "tick", nil
	}))

	exec := h.startWith(api.StartOptions{WorkflowID: "ticker", CronSchedule: "@hourly"}, "ticker", struct{}{})
	h.drain()
	require.NoError(t, h.engine.CancelWorkflow(h.ctx, api.WorkflowExecution{WorkflowID: "ticker"}, "shutting down"))
	h.drain()

	snap := h.describe("ticker")
	assert.Equal(t, exec, snap.Execution)
	assert.Equal(t, api.StatusCancelled, snap.Status)
}

func TestWorkflow_ExecutionTimeoutClosesRun(t *testing.T) {
	h := newHarness(t)
	h.registerWorkflow(api.NewWorkflow("slow", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		if err := ctx.Sleep(time.Hour); err != nil {
			return "", err
		}
		return "finished", nil
	}))

	exec := h.startWith(api.StartOptions{WorkflowID: "slow-1", ExecutionTimeout: 10 * time.Minute}, "slow", struct{}{})
	h.drain()
	h.advance(10 * time.Minute)

	snap := h.describe("slow-1")
	require.Equal(t, api.StatusTimeout, snap.Status)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, string(api.WorkflowErrTimeout), snap.Failure.Kind)

	// The timer that fires later must not reopen the run.
	h.advance(time.Hour)
	events := h.history(exec)
	assert.Equal(t, api.EventWorkflowExecutionTimedOut, events[len(events)-1].Type)
}

func TestWorkflow_TaskThatNeverYieldsTimesOutOnEngineClock(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.registerWorkflow(api.NewWorkflow("stuck", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		<-block
		return "unreachable", nil
	}))

	exec := h.startWith(api.StartOptions{WorkflowID: "stuck-1", TaskTimeout: 2 * time.Second}, "stuck", struct{}{})
	task := h.next(api.DefaultTaskQueue)
	require.NotNil(t, task)

	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.ProcessTask(h.ctx, task) }()

	// Only the fake clock can end the task.
	var err error
	require.Eventually(t, func() bool {
		h.clock.Step(500 * time.Millisecond)
		select {
		case err = <-errCh:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	require.ErrorContains(t, err, "did not yield within 2s")

	assert.Equal(t, api.StatusRunning, h.describe("stuck-1").Status)
	assert.Len(t, h.history(exec), 1)
}
