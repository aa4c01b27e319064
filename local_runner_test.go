package durable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newRunner(t *testing.T, opts Options) *LocalRunner {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discard
	}
	r, err := NewLocalRunner(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func registerCounter(t *testing.T, r *LocalRunner) {
	t.Helper()
	require.NoError(t, r.RegisterActivity(NewActivity("inc", func(ctx ActivityContext, n int) (int, error) {
		return n + 1, nil
	})))
	require.NoError(t, r.RegisterWorkflow(NewWorkflow("count-to", func(ctx WorkflowContext, target int) (int, error) {
		n := 0
		for n < target {
			var err error
			if n, err = ExecuteActivity[int](ctx, "inc", n, ActivityOptions{}); err != nil {
				return 0, err
			}
		}
		return n, nil
	})))
}

func TestLocalRunner_Run(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := newRunner(t, Options{})
	registerCounter(t, r)
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	var out int
	require.NoError(t, r.Run(ctx, StartOptions{WorkflowID: "count-1"}, "count-to", 5, &out))
	assert.Equal(t, 5, out)

	snap, err := r.Engine.DescribeWorkflow(ctx, "count-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
}

func TestLocalRunner_Async(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := newRunner(t, Options{})
	registerCounter(t, r)

	// Work queues up until the runner starts.
	handles := make([]*WorkflowHandle, 3)
	for i := range handles {
		h, err := r.StartWorkflowAsync(ctx, StartOptions{WorkflowID: fmt.Sprintf("async-%d", i)}, "count-to", i+1)
		require.NoError(t, err)
		handles[i] = h
	}
	assert.Positive(t, r.Queue().Len())

	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	for i, h := range handles {
		out, err := GetResult[int](ctx, h)
		require.NoError(t, err)
		assert.Equal(t, i+1, out)
	}
}

func TestLocalRunner_StartTwice(t *testing.T) {
	r := newRunner(t, Options{})
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
}

func TestLocalRunner_FakeClockDrivesEngineAndPolling(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := testingclock.NewFakeClock(start)
	r := newRunner(t, Options{Clock: fc})
	registerCounter(t, r)
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	// Result polling ticks on fc, so nothing completes unless it moves.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				fc.Step(time.Millisecond)
			}
		}
	}()

	h, err := r.StartWorkflowAsync(ctx, StartOptions{WorkflowID: "fake-clock-1"}, "count-to", 3)
	require.NoError(t, err)
	out, err := GetResult[int](ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	snap, err := r.Engine.DescribeWorkflow(ctx, "fake-clock-1")
	require.NoError(t, err)
	assert.False(t, snap.StartedAt.Before(start))
	assert.True(t, snap.StartedAt.Before(start.Add(time.Hour)), "started at %s", snap.StartedAt)
}

func TestLocalRunner_ObserverAndMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics := &BasicMetrics{}
	r := newRunner(t, Options{Observer: NewCompositeObserver(NewLoggingObserver(discard), metrics)})
	registerCounter(t, r)
	require.NoError(t, r.RegisterWorkflow(NewWorkflow("broken", func(ctx WorkflowContext, _ struct{}) (int, error) {
		return 0, errors.New("broken on purpose")
	})))
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	var out int
	require.NoError(t, r.Run(ctx, StartOptions{}, "count-to", 2, &out))
	err := r.Run(ctx, StartOptions{}, "broken", struct{}{}, nil)
	assert.EqualError(t, err, "broken on purpose")

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.WorkflowsStarted)
	assert.Equal(t, int64(1), snap.WorkflowsCompleted)
	assert.Equal(t, int64(1), snap.WorkflowsFailed)
	assert.Equal(t, int64(2), snap.ActivitiesCompleted)
	assert.Positive(t, snap.EventsAppended)
}

func BenchmarkLocalRunner_Run(b *testing.B) {
	ctx := context.Background()
	r, err := NewLocalRunner(Options{Logger: discard})
	require.NoError(b, err)
	defer func() { _ = r.Close() }()
	require.NoError(b, r.RegisterActivity(NewActivity("noop", func(ctx ActivityContext, n int) (int, error) { return n, nil })))
	require.NoError(b, r.RegisterWorkflow(NewWorkflow("noop", func(ctx WorkflowContext, n int) (int, error) {
		return ExecuteActivity[int](ctx, "noop", n, ActivityOptions{})
	})))
	require.NoError(b, r.Start(ctx))
	defer r.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var out int
		if err := r.Run(ctx, StartOptions{}, "noop", i, &out); err != nil {
			b.Fatal(err)
		}
	}
}
