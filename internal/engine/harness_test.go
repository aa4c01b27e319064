package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// harness drives an Engine synchronously: drain processes every due task
// on the calling goroutine instead of running workers.
type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *testingclock.FakeClock
	store  persistence.Store
	queue  *taskqueue.InMemoryQueue
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(epoch)
	h := newHarnessWith(t, persistence.NewInMemoryStore(persistence.WithClock(clk)), clk)
	h.clock = clk
	return h
}

func newHarnessWith(t *testing.T, store persistence.Store, clk clock.WithDelayedExecution) *harness {
	t.Helper()
	queue := taskqueue.NewInMemoryQueueWithClock(clk)
	eng, err := New(Config{
		Store:    store,
		Queue:    queue,
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Identity: "test-worker",
	})
	require.NoError(t, err)
	t.Cleanup(queue.Close)

	return &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		queue:  queue,
		engine: eng,
	}
}

func (h *harness) registerWorkflow(w api.Workflow) {
	h.t.Helper()
	require.NoError(h.t, h.engine.RegisterWorkflow(w))
}

func (h *harness) registerActivity(a api.Activity) {
	h.t.Helper()
	require.NoError(h.t, h.engine.RegisterActivity(a))
}

func (h *harness) start(workflowID, workflowType string, input any) api.WorkflowExecution {
	h.t.Helper()
	return h.startWith(api.StartOptions{WorkflowID: workflowID}, workflowType, input)
}

func (h *harness) startWith(opts api.StartOptions, workflowType string, input any) api.WorkflowExecution {
	h.t.Helper()
	exec, err := h.engine.StartWorkflow(h.ctx, opts, workflowType, input)
	require.NoError(h.t, err)
	return exec
}

// next returns the next due task of queue, preferring workflow tasks.
func (h *harness) next(queue string) *taskqueue.Task {
	done, cancel := context.WithCancel(h.ctx)
	cancel()
	for _, lane := range []string{taskqueue.WorkflowLane(queue), taskqueue.ActivityLane(queue)} {
		if task, err := h.queue.Dequeue(done, lane); err == nil {
			return task
		}
	}
	return nil
}

// drainErrors processes due tasks on the default queue until none remain
// and returns the errors tasks failed with.
func (h *harness) drainErrors() []error {
	h.t.Helper()
	var errs []error
	for range 1000 {
		task := h.next(api.DefaultTaskQueue)
		if task == nil {
			return errs
		}
		if err := h.engine.ProcessTask(h.ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	h.t.Fatalf("queue did not drain")
	return nil
}

func (h *harness) drain() {
	h.t.Helper()
	require.Empty(h.t, h.drainErrors())
}

// advance moves the fake clock and processes what became due.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Step(d)
	h.drain()
}

func (h *harness) describe(workflowID string) *api.Snapshot {
	h.t.Helper()
	snap, err := h.engine.DescribeWorkflow(h.ctx, workflowID)
	require.NoError(h.t, err)
	return snap
}

func (h *harness) history(exec api.WorkflowExecution) []api.WorkflowEvent {
	h.t.Helper()
	events, err := h.engine.GetWorkflowHistory(h.ctx, exec)
	require.NoError(h.t, err)
	return events
}

func eventTypes(events []api.WorkflowEvent) []api.EventType {
	out := make([]api.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func filterEvents(events []api.WorkflowEvent, typ api.EventType) []api.WorkflowEvent {
	var out []api.WorkflowEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func decodeResult[T any](t *testing.T, snap *api.Snapshot) T {
	t.Helper()
	var out T
	require.NoError(t, snap.Result.Decode(&out))
	return out
}

func isNonDeterministic(errs []error) bool {
	for _, err := range errs {
		if errors.Is(err, api.ErrNonDeterministic) {
			return true
		}
	}
	return false
}
