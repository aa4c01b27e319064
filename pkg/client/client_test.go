package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/client"
	"github.com/petrijr/durable/pkg/worker"
)

func newClient(t *testing.T) (*client.Client, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := taskqueue.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	eng, err := engine.New(engine.Config{
		Store:  persistence.NewInMemoryStore(),
		Queue:  queue,
		Logger: logger,
	})
	require.NoError(t, err)

	require.NoError(t, eng.RegisterActivity(api.NewActivity("greet", func(ctx api.ActivityContext, name string) (string, error) {
		if name == "" {
			return "", api.NewValidationFailed("name is required")
		}
		return "hello " + name, nil
	})))
	require.NoError(t, eng.RegisterWorkflow(api.NewWorkflow("greeting", func(ctx api.WorkflowContext, name string) (string, error) {
		return api.ExecuteActivity[string](ctx, "greet", name, api.ActivityOptions{})
	})))
	require.NoError(t, eng.RegisterWorkflow(api.NewWorkflow("waiter", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		state := "waiting"
		if err := ctx.SetQueryHandler("state", func(api.Payload) (any, error) { return state, nil }); err != nil {
			return "", err
		}
		var who string
		if err := ctx.ReceiveSignal("release", &who); err != nil {
			return "", err
		}
		state = "released"
		return "released by " + who, nil
	}, "release")))
	require.NoError(t, eng.RegisterWorkflow(api.NewWorkflow("sleeper", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		return "", ctx.Sleep(time.Hour)
	})))
	require.NoError(t, eng.RegisterWorkflow(api.NewWorkflow("crasher", func(ctx api.WorkflowContext, _ struct{}) (string, error) {
		return "", errors.New("boom")
	})))

	w, err := worker.New(eng, queue, worker.Config{Logger: logger})
	require.NoError(t, err)
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	return client.New(eng, client.WithLogger(logger), client.WithPollInterval(5*time.Millisecond)), eng
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandle_GetResult(t *testing.T) {
	c, _ := newClient(t)
	ctx := withTimeout(t)

	h, err := c.StartWorkflow(ctx, api.StartOptions{WorkflowID: "greet-1"}, "greeting", "ada")
	require.NoError(t, err)
	assert.Equal(t, "greet-1", h.ID())
	assert.NotEmpty(t, h.RunID())

	out, err := client.GetResult[string](ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)

	snap, err := c.DescribeWorkflow(ctx, "greet-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, snap.Status)

	events, err := c.GetWorkflowHistory(ctx, h.ID(), h.RunID())
	require.NoError(t, err)
	assert.Equal(t, api.EventWorkflowExecutionCompleted, events[len(events)-1].Type)
}

func TestHandle_GetReportsActivityFailure(t *testing.T) {
	c, _ := newClient(t)
	ctx := withTimeout(t)

	h, err := c.StartWorkflow(ctx, api.StartOptions{}, "greeting", "")
	require.NoError(t, err)

	err = h.Get(ctx, nil)
	require.ErrorIs(t, err, api.ErrActivityFailed)
	assert.Contains(t, err.Error(), "name is required")
}

func TestHandle_GetReportsWorkflowError(t *testing.T) {
	c, _ := newClient(t)
	ctx := withTimeout(t)

	h, err := c.StartWorkflow(ctx, api.StartOptions{}, "crasher", struct{}{})
	require.NoError(t, err)

	err = h.Get(ctx, nil)
	var we *api.WorkflowError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, api.WorkflowErrCustom, we.Kind)
	assert.Equal(t, "boom", we.Message)
}

func TestHandle_SignalAndQuery(t *testing.T) {
	c, _ := newClient(t)
	ctx := withTimeout(t)

	h, err := c.StartWorkflow(ctx, api.StartOptions{WorkflowID: "wait-1"}, "waiter", struct{}{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var state string
		return h.Query(ctx, "state", nil, &state) == nil && state == "waiting"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.SignalWorkflow(ctx, "wait-1", "", "release", "grace"))

	out, err := client.GetResult[string](ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "released by grace", out)

	p, err := c.QueryWorkflow(ctx, "wait-1", h.RunID(), "state", nil)
	require.NoError(t, err)
	var state string
	require.NoError(t, p.Decode(&state))
	assert.Equal(t, "released", state)
}

func TestHandle_Cancel(t *testing.T) {
	c, _ := newClient(t)
	ctx := withTimeout(t)

	h, err := c.StartWorkflow(ctx, api.StartOptions{WorkflowID: "sleep-1"}, "sleeper", struct{}{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := c.GetWorkflowHistory(ctx, "sleep-1", "")
		return err == nil && len(events) > 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.Cancel(ctx, "no longer needed"))

	err = c.GetWorkflowHandle("sleep-1", "").Get(ctx, nil)
	require.ErrorIs(t, err, api.ErrWorkflowCancelled)
	assert.Contains(t, err.Error(), "no longer needed")

	assert.ErrorIs(t, c.CancelWorkflow(ctx, "sleep-1", "", "again"), api.ErrWorkflowClosed)
}

func TestHandle_GetHonoursContext(t *testing.T) {
	c, _ := newClient(t)

	h, err := c.StartWorkflow(context.Background(), api.StartOptions{}, "sleeper", struct{}{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Get(ctx, nil), context.DeadlineExceeded)
}

func TestClient_NotFound(t *testing.T) {
	c, _ := newClient(t)
	ctx := withTimeout(t)

	_, err := c.DescribeWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)

	err = c.GetWorkflowHandle("missing", "").Get(ctx, nil)
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)

	_, err = c.StartWorkflow(ctx, api.StartOptions{}, "unknown", nil)
	assert.ErrorIs(t, err, api.ErrWorkflowNotRegistered)
}
