package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/durable/pkg/api"
)

// StoreSuite runs the same behavioral checks against every backend.
type StoreSuite struct {
	suite.Suite

	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func newExec() api.WorkflowExecution {
	return api.WorkflowExecution{WorkflowID: "wf-" + uuid.NewString(), RunID: api.NewRunID()}
}

func startedEvents() []api.WorkflowEvent {
	return []api.WorkflowEvent{{
		ID:        0,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Type:      api.EventWorkflowExecutionStarted,
		WorkflowExecutionStarted: &api.WorkflowExecutionStartedAttributes{
			WorkflowType: "OrderWorkflow",
			TaskQueue:    api.DefaultTaskQueue,
			Input:        api.MustEncode(map[string]any{"order_id": "o-1", "amount": 42}),
		},
	}}
}

func signalEvent(id api.EventID, name string) api.WorkflowEvent {
	return api.WorkflowEvent{
		ID:   id,
		Type: api.EventWorkflowExecutionSignaled,
		WorkflowExecutionSignaled: &api.WorkflowExecutionSignaledAttributes{
			SignalName: name,
			Input:      api.MustEncode(name),
		},
	}
}

func (s *StoreSuite) TestSaveAndLoadWorkflowExecution() {
	exec := newExec()
	s.Require().NoError(s.store.SaveWorkflowExecution(s.ctx, exec, startedEvents()))

	got, events, err := s.store.LoadWorkflowExecution(s.ctx, exec.WorkflowID)
	s.Require().NoError(err)
	s.Equal(exec, got)
	s.Require().Len(events, 1)
	s.Equal(api.EventWorkflowExecutionStarted, events[0].Type)

	var in map[string]any
	s.Require().NoError(events[0].WorkflowExecutionStarted.Input.Decode(&in))
	s.Equal("o-1", in["order_id"])

	err = s.store.SaveWorkflowExecution(s.ctx, exec, startedEvents())
	s.ErrorIs(err, ErrAlreadyExists)
}

func (s *StoreSuite) TestLoadMissing() {
	_, _, err := s.store.LoadWorkflowExecution(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)

	_, err = s.store.LoadHistory(s.ctx, newExec())
	s.ErrorIs(err, ErrNotFound)

	snap, err := s.store.LoadState(s.ctx, "missing")
	s.NoError(err)
	s.Nil(snap)
}

func (s *StoreSuite) TestNewRunBecomesCurrent() {
	first := newExec()
	s.Require().NoError(s.store.SaveWorkflowExecution(s.ctx, first, startedEvents()))

	second := api.WorkflowExecution{WorkflowID: first.WorkflowID, RunID: api.NewRunID()}
	s.Require().NoError(s.store.SaveWorkflowExecution(s.ctx, second, startedEvents()))

	got, _, err := s.store.LoadWorkflowExecution(s.ctx, first.WorkflowID)
	s.Require().NoError(err)
	s.Equal(second.RunID, got.RunID)

	// The previous run stays readable.
	events, err := s.store.LoadHistory(s.ctx, first)
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *StoreSuite) TestAppendEvents() {
	exec := newExec()
	s.Require().NoError(s.store.SaveWorkflowExecution(s.ctx, exec, startedEvents()))

	s.Require().NoError(s.store.AppendEvents(s.ctx, exec, []api.WorkflowEvent{
		signalEvent(1, "a"),
		signalEvent(2, "b"),
	}))

	events, err := s.store.LoadHistory(s.ctx, exec)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	for i, ev := range events {
		s.Equal(api.EventID(i), ev.ID)
	}
	s.Equal("b", events[2].WorkflowExecutionSignaled.SignalName)
}

func (s *StoreSuite) TestAppendConflict() {
	exec := newExec()
	s.Require().NoError(s.store.SaveWorkflowExecution(s.ctx, exec, startedEvents()))

	// Stale writer: id 0 is already taken.
	err := s.store.AppendEvents(s.ctx, exec, []api.WorkflowEvent{signalEvent(0, "x")})
	s.ErrorIs(err, ErrConflict)

	// Gap.
	err = s.store.AppendEvents(s.ctx, exec, []api.WorkflowEvent{signalEvent(5, "x")})
	s.ErrorIs(err, ErrConflict)

	err = s.store.AppendEvents(s.ctx, newExec(), []api.WorkflowEvent{signalEvent(1, "x")})
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestTerminalStickiness() {
	exec := newExec()
	s.Require().NoError(s.store.SaveWorkflowExecution(s.ctx, exec, startedEvents()))
	s.Require().NoError(s.store.AppendEvents(s.ctx, exec, []api.WorkflowEvent{{
		ID:                         1,
		Type:                       api.EventWorkflowExecutionCompleted,
		WorkflowExecutionCompleted: &api.WorkflowExecutionCompletedAttributes{Result: api.MustEncode("done")},
	}}))

	err := s.store.AppendEvents(s.ctx, exec, []api.WorkflowEvent{signalEvent(2, "late")})
	s.ErrorIs(err, ErrExecutionClosed)

	var se *api.StorageError
	s.Require().True(errors.As(err, &se))
	s.Equal(api.StorageErrConflict, se.Kind)

	events, err := s.store.LoadHistory(s.ctx, exec)
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *StoreSuite) TestConcurrentAppendsStayMonotonic() {
	exec := newExec()
	s.Require().NoError(s.store.SaveWorkflowExecution(s.ctx, exec, startedEvents()))

	const writers = 4
	const perWriter = 5

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// Reload and retry on conflict, the way the engine does.
				for {
					events, err := s.store.LoadHistory(s.ctx, exec)
					if err != nil {
						errs <- err
						return
					}
					ev := signalEvent(api.EventID(len(events)), fmt.Sprintf("w%d-%d", w, i))
					err = s.store.AppendEvents(s.ctx, exec, []api.WorkflowEvent{ev})
					if errors.Is(err, ErrConflict) {
						continue
					}
					if err != nil {
						errs <- err
						return
					}
					break
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	events, err := s.store.LoadHistory(s.ctx, exec)
	s.Require().NoError(err)
	s.Require().Len(events, 1+writers*perWriter)
	seen := make(map[string]bool)
	for i, ev := range events {
		s.Equal(api.EventID(i), ev.ID, "event ids must be contiguous")
		if i > 0 {
			name := ev.WorkflowExecutionSignaled.SignalName
			s.False(seen[name], "duplicate event %s", name)
			seen[name] = true
		}
	}
}

func (s *StoreSuite) TestSnapshots() {
	exec := newExec()
	s.Require().NoError(s.store.SaveWorkflowExecution(s.ctx, exec, startedEvents()))

	snap := api.Snapshot{
		Execution:    exec,
		WorkflowType: "OrderWorkflow",
		TaskQueue:    "orders",
		Status:       api.StatusRunning,
		StartedAt:    time.Unix(1700000000, 0).UTC(),
		UpdatedAt:    time.Unix(1700000001, 0).UTC(),
		LastEventID:  0,
	}
	s.Require().NoError(s.store.SaveState(s.ctx, snap))

	got, err := s.store.LoadState(s.ctx, exec.WorkflowID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(api.StatusRunning, got.Status)
	s.Equal("orders", got.TaskQueue)

	snap.Status = api.StatusFailed
	snap.Failure = &api.Failure{Kind: "ValidationFailed", Message: "card declined"}
	snap.QueryResults = map[string]api.Payload{"status": api.MustEncode("failed")}
	s.Require().NoError(s.store.SaveState(s.ctx, snap))

	got, err = s.store.LoadRunState(s.ctx, exec)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(api.StatusFailed, got.Status)
	s.Require().NotNil(got.Failure)
	s.Equal("card declined", got.Failure.Message)
	s.Equal(`"failed"`, got.QueryResults["status"].String())

	running, err := s.store.ListStates(s.ctx, StateFilter{Status: api.StatusRunning, TaskQueue: "orders"})
	s.Require().NoError(err)
	for _, r := range running {
		s.NotEqual(exec, r.Execution)
	}

	failed, err := s.store.ListStates(s.ctx, StateFilter{Status: api.StatusFailed, WorkflowType: "OrderWorkflow"})
	s.Require().NoError(err)
	found := false
	for _, f := range failed {
		if f.Execution == exec {
			found = true
		}
	}
	s.True(found, "expected failed snapshot in ListStates")
}

func (s *StoreSuite) TestIdempotencyKeyDedup() {
	key := "charge-" + uuid.NewString()

	ok, err := s.store.PutIdempotencyKey(s.ctx, key, time.Hour)
	s.Require().NoError(err)
	s.True(ok, "first insert should succeed")

	ok, err = s.store.PutIdempotencyKey(s.ctx, key, time.Hour)
	s.Require().NoError(err)
	s.False(ok, "second insert within ttl should be rejected")
}

func (s *StoreSuite) TestLeases() {
	id := "lease-" + uuid.NewString()

	acq, err := s.store.TryAcquireLease(s.ctx, id, "owner1", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "expected owner1 to acquire")

	acq, err = s.store.TryAcquireLease(s.ctx, id, "owner1", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "lease should be re-entrant")

	acq, err = s.store.TryAcquireLease(s.ctx, id, "owner2", time.Minute)
	s.Require().NoError(err)
	s.False(acq, "expected owner2 not to acquire while active")

	s.NoError(s.store.RenewLease(s.ctx, id, "owner1", time.Minute))
	s.ErrorIs(s.store.RenewLease(s.ctx, id, "owner2", time.Minute), ErrLeaseNotHeld)

	s.NoError(s.store.ReleaseLease(s.ctx, id, "owner2"), "release by non-owner is a no-op")
	s.NoError(s.store.ReleaseLease(s.ctx, id, "owner1"))
	s.NoError(s.store.ReleaseLease(s.ctx, id, "owner1"), "release is idempotent")

	acq, err = s.store.TryAcquireLease(s.ctx, id, "owner2", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "expected owner2 to acquire after release")
}
