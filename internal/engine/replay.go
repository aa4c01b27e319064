package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"time"

	"k8s.io/utils/clock"

	"github.com/petrijr/durable/pkg/api"
)

// Marker names recorded in MarkerRecorded events.
const (
	markerSideEffect = "side_effect"
	markerNow        = "now"
)

// nondeterminismPanic unwinds workflow code when it issues a command that
// does not match history.
type nondeterminismPanic struct{ err error }

// workflowContext replays one run. Commands issued by workflow code take
// the next sequence number and are matched against the commands recorded in
// history; commands past the end of history become new decisions. Awaiting
// a result that is not in history ends the workflow goroutine with
// runtime.Goexit, so no goroutine is parked between tasks.
type workflowContext struct {
	exec      api.WorkflowExecution
	info      api.WorkflowInfo
	input     api.Payload
	now       time.Time
	queryOnly bool
	logger    *slog.Logger

	// declared is nil when the workflow accepts any signal.
	declared []string

	commands []api.WorkflowEvent
	seq      int

	activityResults map[api.ActivityID]api.WorkflowEvent
	timersFired     map[api.TimerID]api.WorkflowEvent
	childResults    map[string]api.WorkflowEvent
	signals         map[string][]api.WorkflowEvent
	signalCursor    map[string]int

	cancelRequested bool
	cancelAt        api.EventID
	cancelReason    string

	queryHandlers map[string]api.QueryHandler
	decisions     []api.WorkflowEvent
}

var _ api.WorkflowContext = (*workflowContext)(nil)

func isCommand(t api.EventType) bool {
	switch t {
	case api.EventActivityTaskScheduled,
		api.EventTimerStarted,
		api.EventMarkerRecorded,
		api.EventChildWorkflowExecutionStarted:
		return true
	}
	return false
}

func (e *Engine) newWorkflowContext(exec api.WorkflowExecution, h *api.EventHistory, wf api.Workflow, now time.Time, queryOnly bool) *workflowContext {
	c := &workflowContext{
		exec:            exec,
		now:             now,
		queryOnly:       queryOnly,
		declared:        signals(wf),
		activityResults: make(map[api.ActivityID]api.WorkflowEvent),
		timersFired:     make(map[api.TimerID]api.WorkflowEvent),
		childResults:    make(map[string]api.WorkflowEvent),
		signals:         make(map[string][]api.WorkflowEvent),
		signalCursor:    make(map[string]int),
		queryHandlers:   make(map[string]api.QueryHandler),
	}

	for _, ev := range h.Events() {
		switch {
		case ev.Type == api.EventWorkflowExecutionStarted && ev.WorkflowExecutionStarted != nil:
			s := ev.WorkflowExecutionStarted
			c.input = s.Input
			c.info = api.WorkflowInfo{
				Execution:     exec,
				WorkflowType:  s.WorkflowType,
				TaskQueue:     s.TaskQueue,
				StartedAt:     ev.Timestamp,
				Parent:        s.Parent,
				ContinuedFrom: s.ContinuedFrom,
			}
		case isCommand(ev.Type):
			c.commands = append(c.commands, ev)
		case ev.ActivityTaskCompleted != nil:
			c.addActivityResult(ev.ActivityTaskCompleted.ActivityID, ev)
		case ev.ActivityTaskFailed != nil:
			c.addActivityResult(ev.ActivityTaskFailed.ActivityID, ev)
		case ev.TimerFired != nil:
			if _, ok := c.timersFired[ev.TimerFired.TimerID]; !ok {
				c.timersFired[ev.TimerFired.TimerID] = ev
			}
		case ev.ChildWorkflowExecutionCompleted != nil:
			c.addChildResult(ev.ChildWorkflowExecutionCompleted.CommandID, ev)
		case ev.ChildWorkflowExecutionFailed != nil:
			c.addChildResult(ev.ChildWorkflowExecutionFailed.CommandID, ev)
		case ev.WorkflowExecutionSignaled != nil:
			name := ev.WorkflowExecutionSignaled.SignalName
			c.signals[name] = append(c.signals[name], ev)
		case ev.Type == api.EventWorkflowExecutionCancelRequested && !c.cancelRequested:
			c.cancelRequested = true
			c.cancelAt = ev.ID
			if ev.WorkflowExecutionCancelRequested != nil {
				c.cancelReason = ev.WorkflowExecutionCancelRequested.Reason
			}
		}
	}

	c.logger = slog.New(replayAwareHandler{
		Handler:   e.logger.Handler(),
		replaying: c.replaying,
	}).With(
		slog.String("workflow", c.info.WorkflowType),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("run_id", exec.RunID),
	)
	return c
}

func (c *workflowContext) addActivityResult(id api.ActivityID, ev api.WorkflowEvent) {
	if _, ok := c.activityResults[id]; !ok {
		c.activityResults[id] = ev
	}
}

func (c *workflowContext) addChildResult(id string, ev api.WorkflowEvent) {
	if _, ok := c.childResults[id]; !ok {
		c.childResults[id] = ev
	}
}

// replaying reports whether recorded commands remain that the code has not
// issued yet.
func (c *workflowContext) replaying() bool {
	return c.seq < len(c.commands)
}

// visible reports whether the event with the given id was already in
// history when the code originally reached its current position. That
// position is bounded by the next recorded command.
func (c *workflowContext) visible(id api.EventID) bool {
	return !c.replaying() || id < c.commands[c.seq].ID
}

func (c *workflowContext) cancelVisible() bool {
	return c.cancelRequested && c.visible(c.cancelAt)
}

func (c *workflowContext) cancelledError() error {
	return api.NewWorkflowError(api.WorkflowErrCancelled, c.cancelReason, nil)
}

func (c *workflowContext) nextSeq() int {
	c.seq++
	return c.seq
}

// recorded returns the command recorded at seq, or nil past the end of
// history.
func (c *workflowContext) recorded(seq int) *api.WorkflowEvent {
	if seq-1 < len(c.commands) {
		return &c.commands[seq-1]
	}
	return nil
}

func (c *workflowContext) record(ev api.WorkflowEvent) {
	ev.Timestamp = c.now
	c.decisions = append(c.decisions, ev)
}

// suspend ends the workflow goroutine until the next workflow task.
func (c *workflowContext) suspend() {
	runtime.Goexit()
}

func (c *workflowContext) nondeterministic(seq int, issued string, recorded api.WorkflowEvent) {
	panic(nondeterminismPanic{err: fmt.Errorf(
		"%w: command %d of %s issued %s but history recorded %s (event %d)",
		api.ErrNonDeterministic, seq, c.exec, issued, recorded.Type, recorded.ID,
	)})
}

func (c *workflowContext) Info() api.WorkflowInfo { return c.info }

func (c *workflowContext) ExecuteActivity(name string, input any, opts api.ActivityOptions) api.Future {
	opts = opts.WithDefaults(c.info.TaskQueue)
	if err := opts.Validate(); err != nil {
		return &future{c: c, err: err}
	}
	payload, err := api.Encode(input)
	if err != nil {
		return &future{c: c, err: err}
	}

	seq := c.nextSeq()
	id := opts.ActivityID
	if id == "" {
		id = fmt.Sprintf("activity-%d", seq)
	}
	f := &future{
		c: c,
		lookup: func() (api.WorkflowEvent, bool) {
			ev, ok := c.activityResults[id]
			return ev, ok
		},
		resolve: resolveActivity,
	}

	if ev := c.recorded(seq); ev != nil {
		a := ev.ActivityTaskScheduled
		if a == nil || a.ActivityID != id || a.ActivityType != name {
			c.nondeterministic(seq, fmt.Sprintf("activity %s (%s)", name, id), *ev)
		}
		return f
	}
	if c.queryOnly {
		c.suspend()
	}

	opts.ActivityID = id
	c.record(api.WorkflowEvent{
		Type: api.EventActivityTaskScheduled,
		ActivityTaskScheduled: &api.ActivityTaskScheduledAttributes{
			ActivityID:   id,
			ActivityType: name,
			TaskQueue:    opts.TaskQueue,
			Input:        payload,
			Options:      opts,
		},
	})
	return f
}

func (c *workflowContext) ExecuteChildWorkflow(workflowType string, input any, opts api.ChildWorkflowOptions) api.Future {
	if err := api.Validator().Struct(opts); err != nil {
		return &future{c: c, err: api.NewWorkflowError(api.WorkflowErrInvalidInput, "child workflow options: "+err.Error(), err)}
	}
	payload, err := api.Encode(input)
	if err != nil {
		return &future{c: c, err: err}
	}

	seq := c.nextSeq()
	cmd := fmt.Sprintf("child-%d", seq)
	f := &future{
		c: c,
		lookup: func() (api.WorkflowEvent, bool) {
			ev, ok := c.childResults[cmd]
			return ev, ok
		},
		resolve: resolveChild,
	}

	if ev := c.recorded(seq); ev != nil {
		a := ev.ChildWorkflowExecutionStarted
		if a == nil || a.CommandID != cmd || a.WorkflowType != workflowType {
			c.nondeterministic(seq, "child workflow "+workflowType, *ev)
		}
		return f
	}
	if c.queryOnly {
		c.suspend()
	}

	childID := opts.WorkflowID
	if childID == "" {
		childID = c.exec.WorkflowID + "-" + cmd
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = c.info.TaskQueue
	}
	c.record(api.WorkflowEvent{
		Type: api.EventChildWorkflowExecutionStarted,
		ChildWorkflowExecutionStarted: &api.ChildWorkflowExecutionStartedAttributes{
			CommandID:        cmd,
			WorkflowType:     workflowType,
			Execution:        api.WorkflowExecution{WorkflowID: childID, RunID: api.NewRunID()},
			TaskQueue:        queue,
			Input:            payload,
			ExecutionTimeout: opts.ExecutionTimeout,
		},
	})
	return f
}

func (c *workflowContext) NewTimer(d time.Duration) api.Future {
	if d <= 0 {
		return &future{c: c, ready: true}
	}

	seq := c.nextSeq()
	id := fmt.Sprintf("timer-%d", seq)
	f := &future{
		c: c,
		lookup: func() (api.WorkflowEvent, bool) {
			ev, ok := c.timersFired[id]
			return ev, ok
		},
		resolve: func(api.WorkflowEvent, any) error { return nil },
	}

	if ev := c.recorded(seq); ev != nil {
		if ev.TimerStarted == nil || ev.TimerStarted.TimerID != id {
			c.nondeterministic(seq, "timer "+id, *ev)
		}
		return f
	}
	if c.queryOnly {
		c.suspend()
	}

	c.record(api.WorkflowEvent{
		Type: api.EventTimerStarted,
		TimerStarted: &api.TimerStartedAttributes{
			TimerID:  id,
			Duration: d,
			FireAt:   c.now.Add(d),
		},
	})
	return f
}

func (c *workflowContext) Sleep(d time.Duration) error {
	return c.NewTimer(d).Get(nil)
}

func (c *workflowContext) ReceiveSignal(name string, out any) error {
	if c.declared != nil && !slices.Contains(c.declared, name) {
		return api.NewWorkflowError(api.WorkflowErrSignalChannelClosed, name, nil)
	}

	k := c.signalCursor[name]
	if list := c.signals[name]; k < len(list) {
		c.signalCursor[name] = k + 1
		return list[k].WorkflowExecutionSignaled.Input.Decode(out)
	}
	if c.cancelVisible() {
		return c.cancelledError()
	}
	c.suspend()
	return nil
}

func (c *workflowContext) SetQueryHandler(name string, fn api.QueryHandler) error {
	if name == "" || fn == nil {
		return api.NewWorkflowError(api.WorkflowErrInvalidInput, "query handler needs a name and a function", nil)
	}
	c.queryHandlers[name] = fn
	return nil
}

func (c *workflowContext) SideEffect(fn func() (any, error), out any) error {
	seq := c.nextSeq()
	if ev := c.recorded(seq); ev != nil {
		m := ev.MarkerRecorded
		if m == nil || m.Name != markerSideEffect {
			c.nondeterministic(seq, "side effect", *ev)
		}
		return decodeMarker(m, out)
	}
	if c.queryOnly {
		c.suspend()
	}

	m := &api.MarkerRecordedAttributes{
		MarkerID: fmt.Sprintf("marker-%d", seq),
		Name:     markerSideEffect,
	}
	v, err := fn()
	if err == nil {
		m.Value, err = api.Encode(v)
	}
	if err != nil {
		f := api.FailureFromError(err)
		m.Failure = &f
	}
	c.record(api.WorkflowEvent{Type: api.EventMarkerRecorded, MarkerRecorded: m})
	return decodeMarker(m, out)
}

func decodeMarker(m *api.MarkerRecordedAttributes, out any) error {
	if m.Failure != nil {
		return api.NewWorkflowError(api.WorkflowErrorKind(m.Failure.Kind), m.Failure.Message, nil)
	}
	return m.Value.Decode(out)
}

func (c *workflowContext) Now() time.Time {
	seq := c.nextSeq()
	var t time.Time
	if ev := c.recorded(seq); ev != nil {
		m := ev.MarkerRecorded
		if m == nil || m.Name != markerNow {
			c.nondeterministic(seq, "clock read", *ev)
		}
		_ = m.Value.Decode(&t)
		return t
	}
	if c.queryOnly {
		return c.now
	}

	value := api.MustEncode(c.now)
	c.record(api.WorkflowEvent{
		Type: api.EventMarkerRecorded,
		MarkerRecorded: &api.MarkerRecordedAttributes{
			MarkerID: fmt.Sprintf("marker-%d", seq),
			Name:     markerNow,
			Value:    value,
		},
	})
	_ = value.Decode(&t)
	return t
}

func (c *workflowContext) IsReplaying() bool { return c.replaying() }

func (c *workflowContext) IsCancelRequested() bool { return c.cancelVisible() }

func (c *workflowContext) Logger() *slog.Logger { return c.logger }

// queryResults evaluates every registered query without arguments so that
// closed runs can still answer them.
func (c *workflowContext) queryResults() map[string]api.Payload {
	if len(c.queryHandlers) == 0 {
		return nil
	}
	out := make(map[string]api.Payload, len(c.queryHandlers))
	for name, fn := range c.queryHandlers {
		v, err := fn(nil)
		if err != nil {
			continue
		}
		p, err := api.Encode(v)
		if err != nil {
			continue
		}
		out[name] = p
	}
	return out
}

// future is the pending result of a command. lookup finds the result event
// in history; err is set for commands rejected before being recorded.
type future struct {
	c       *workflowContext
	lookup  func() (api.WorkflowEvent, bool)
	resolve func(ev api.WorkflowEvent, out any) error
	err     error
	ready   bool
}

func (f *future) IsReady() bool {
	if f.err != nil || f.ready {
		return true
	}
	ev, ok := f.lookup()
	return ok && f.c.visible(ev.ID)
}

func (f *future) Get(out any) error {
	if f.err != nil {
		return f.err
	}
	if f.ready {
		return nil
	}

	ev, ok := f.lookup()
	if ok && f.c.visible(ev.ID) {
		return f.resolve(ev, out)
	}
	if f.c.cancelVisible() {
		return f.c.cancelledError()
	}
	if ok {
		return f.resolve(ev, out)
	}
	f.c.suspend()
	return nil
}

func resolveActivity(ev api.WorkflowEvent, out any) error {
	if ev.ActivityTaskFailed != nil {
		return api.WorkflowErrorFromFailure(api.WorkflowErrActivityFailed, ev.ActivityTaskFailed.Failure)
	}
	return ev.ActivityTaskCompleted.Result.Decode(out)
}

func resolveChild(ev api.WorkflowEvent, out any) error {
	if ev.ChildWorkflowExecutionFailed != nil {
		return api.WorkflowErrorFromFailure(api.WorkflowErrChildWorkflowFailed, ev.ChildWorkflowExecutionFailed.Failure)
	}
	return ev.ChildWorkflowExecutionCompleted.Result.Decode(out)
}

// runOutcome is how one execution of workflow code ended. A zero value
// means the code suspended.
type runOutcome struct {
	completed bool
	result    api.Payload
	err       error

	panicked any
	stack    []byte
	nondet   error
}

// runWorkflow executes wf on its own goroutine until it returns, suspends
// or panics. timeout, measured on clk, guards against workflow code that
// never yields; the goroutine of a timed out task is abandoned.
func runWorkflow(ctx context.Context, clk clock.Clock, c *workflowContext, wf api.Workflow, timeout time.Duration) (runOutcome, error) {
	done := make(chan runOutcome, 1)
	go func() {
		finished := false
		defer func() {
			if p := recover(); p != nil {
				if nd, ok := p.(nondeterminismPanic); ok {
					done <- runOutcome{nondet: nd.err}
					return
				}
				done <- runOutcome{panicked: p, stack: debug.Stack()}
				return
			}
			if !finished {
				done <- runOutcome{}
			}
		}()

		res, err := wf.Execute(c, c.input)
		finished = true
		done <- runOutcome{completed: true, result: res, err: err}
	}()

	if timeout <= 0 {
		timeout = api.DefaultWorkflowTaskTimeout
	}
	timer := clk.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out, nil
	case <-timer.C():
		return runOutcome{}, fmt.Errorf("workflow task for %s did not yield within %s", c.exec, timeout)
	case <-ctx.Done():
		return runOutcome{}, ctx.Err()
	}
}

// replayAwareHandler drops records while the workflow is replaying so each
// log line is written once per execution.
type replayAwareHandler struct {
	slog.Handler
	replaying func() bool
}

func (h replayAwareHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.replaying() && h.Handler.Enabled(ctx, level)
}

func (h replayAwareHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return replayAwareHandler{Handler: h.Handler.WithAttrs(attrs), replaying: h.replaying}
}

func (h replayAwareHandler) WithGroup(name string) slog.Handler {
	return replayAwareHandler{Handler: h.Handler.WithGroup(name), replaying: h.replaying}
}
