package api

import (
	"time"
)

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowExecutionStarted         EventType = "WorkflowExecutionStarted"
	EventWorkflowExecutionCompleted       EventType = "WorkflowExecutionCompleted"
	EventWorkflowExecutionFailed          EventType = "WorkflowExecutionFailed"
	EventWorkflowExecutionTimedOut        EventType = "WorkflowExecutionTimedOut"
	EventWorkflowExecutionCancelRequested EventType = "WorkflowExecutionCancelRequested"
	EventWorkflowExecutionCancelled       EventType = "WorkflowExecutionCancelled"
	EventWorkflowExecutionSignaled        EventType = "WorkflowExecutionSignaled"

	EventActivityTaskScheduled EventType = "ActivityTaskScheduled"
	EventActivityTaskStarted   EventType = "ActivityTaskStarted"
	EventActivityTaskCompleted EventType = "ActivityTaskCompleted"
	EventActivityTaskFailed    EventType = "ActivityTaskFailed"

	EventTimerStarted EventType = "TimerStarted"
	EventTimerFired   EventType = "TimerFired"

	EventMarkerRecorded EventType = "MarkerRecorded"

	EventChildWorkflowExecutionStarted   EventType = "ChildWorkflowExecutionStarted"
	EventChildWorkflowExecutionCompleted EventType = "ChildWorkflowExecutionCompleted"
	EventChildWorkflowExecutionFailed    EventType = "ChildWorkflowExecutionFailed"
)

// IsTerminal reports whether an event of this type closes the execution.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventWorkflowExecutionCompleted,
		EventWorkflowExecutionFailed,
		EventWorkflowExecutionTimedOut,
		EventWorkflowExecutionCancelled:
		return true
	}
	return false
}

// WorkflowEvent is one immutable fact in an execution's history.
//
// Exactly one attribute pointer is set, matching Type. Events are persisted
// as JSON, so attribute structs only carry serializable values.
type WorkflowEvent struct {
	ID        EventID   `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	WorkflowExecutionStarted         *WorkflowExecutionStartedAttributes         `json:"workflow_execution_started,omitempty"`
	WorkflowExecutionCompleted       *WorkflowExecutionCompletedAttributes       `json:"workflow_execution_completed,omitempty"`
	WorkflowExecutionFailed          *WorkflowExecutionFailedAttributes          `json:"workflow_execution_failed,omitempty"`
	WorkflowExecutionCancelRequested *WorkflowExecutionCancelRequestedAttributes `json:"workflow_execution_cancel_requested,omitempty"`
	WorkflowExecutionSignaled        *WorkflowExecutionSignaledAttributes        `json:"workflow_execution_signaled,omitempty"`

	ActivityTaskScheduled *ActivityTaskScheduledAttributes `json:"activity_task_scheduled,omitempty"`
	ActivityTaskStarted   *ActivityTaskStartedAttributes   `json:"activity_task_started,omitempty"`
	ActivityTaskCompleted *ActivityTaskCompletedAttributes `json:"activity_task_completed,omitempty"`
	ActivityTaskFailed    *ActivityTaskFailedAttributes    `json:"activity_task_failed,omitempty"`

	TimerStarted *TimerStartedAttributes `json:"timer_started,omitempty"`
	TimerFired   *TimerFiredAttributes   `json:"timer_fired,omitempty"`

	MarkerRecorded *MarkerRecordedAttributes `json:"marker_recorded,omitempty"`

	ChildWorkflowExecutionStarted   *ChildWorkflowExecutionStartedAttributes   `json:"child_workflow_execution_started,omitempty"`
	ChildWorkflowExecutionCompleted *ChildWorkflowExecutionCompletedAttributes `json:"child_workflow_execution_completed,omitempty"`
	ChildWorkflowExecutionFailed    *ChildWorkflowExecutionFailedAttributes    `json:"child_workflow_execution_failed,omitempty"`
}

type WorkflowExecutionStartedAttributes struct {
	WorkflowType     string             `json:"workflow_type"`
	TaskQueue        string             `json:"task_queue"`
	Input            Payload            `json:"input,omitempty"`
	ExecutionTimeout time.Duration      `json:"execution_timeout,omitempty"`
	TaskTimeout      time.Duration      `json:"task_timeout,omitempty"`
	CronSchedule     string             `json:"cron_schedule,omitempty"`
	Parent           *WorkflowExecution `json:"parent,omitempty"`
	ParentCommandID  string             `json:"parent_command_id,omitempty"`
	// ContinuedFrom names the previous run when this run was started by a
	// cron schedule.
	ContinuedFrom RunID `json:"continued_from,omitempty"`
}

type WorkflowExecutionCompletedAttributes struct {
	Result Payload `json:"result,omitempty"`
}

// WorkflowExecutionFailedAttributes is shared by the Failed, TimedOut and
// Cancelled terminal events.
type WorkflowExecutionFailedAttributes struct {
	Failure Failure `json:"failure"`
}

type WorkflowExecutionCancelRequestedAttributes struct {
	Reason string `json:"reason,omitempty"`
}

type WorkflowExecutionSignaledAttributes struct {
	SignalName string  `json:"signal_name"`
	Input      Payload `json:"input,omitempty"`
}

type ActivityTaskScheduledAttributes struct {
	ActivityID   ActivityID      `json:"activity_id"`
	ActivityType string          `json:"activity_type"`
	TaskQueue    string          `json:"task_queue"`
	Input        Payload         `json:"input,omitempty"`
	Options      ActivityOptions `json:"options"`
}

type ActivityTaskStartedAttributes struct {
	ActivityID  ActivityID `json:"activity_id"`
	Attempt     int        `json:"attempt"`
	Identity    string     `json:"identity,omitempty"`
	LastFailure *Failure   `json:"last_failure,omitempty"`
}

type ActivityTaskCompletedAttributes struct {
	ActivityID ActivityID `json:"activity_id"`
	Attempt    int        `json:"attempt"`
	Result     Payload    `json:"result,omitempty"`
}

type ActivityTaskFailedAttributes struct {
	ActivityID ActivityID `json:"activity_id"`
	Attempt    int        `json:"attempt"`
	Failure    Failure    `json:"failure"`
}

type TimerStartedAttributes struct {
	TimerID  TimerID       `json:"timer_id"`
	Duration time.Duration `json:"duration"`
	FireAt   time.Time     `json:"fire_at"`
}

type TimerFiredAttributes struct {
	TimerID TimerID `json:"timer_id"`
}

// MarkerRecordedAttributes stores the value produced by a side effect so
// replay can return it without running the side effect again.
type MarkerRecordedAttributes struct {
	MarkerID string   `json:"marker_id"`
	Name     string   `json:"name"`
	Value    Payload  `json:"value,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
}

type ChildWorkflowExecutionStartedAttributes struct {
	CommandID        string            `json:"command_id"`
	WorkflowType     string            `json:"workflow_type"`
	Execution        WorkflowExecution `json:"execution"`
	TaskQueue        string            `json:"task_queue"`
	Input            Payload           `json:"input,omitempty"`
	ExecutionTimeout time.Duration     `json:"execution_timeout,omitempty"`
}

type ChildWorkflowExecutionCompletedAttributes struct {
	CommandID string  `json:"command_id"`
	Result    Payload `json:"result,omitempty"`
}

type ChildWorkflowExecutionFailedAttributes struct {
	CommandID string  `json:"command_id"`
	Failure   Failure `json:"failure"`
}

// EventHistory is the ordered, append-only log of one execution.
type EventHistory struct {
	events []WorkflowEvent
}

// NewEventHistory wraps events that were loaded from storage. The caller
// guarantees they are ordered by ID starting at 0.
func NewEventHistory(events []WorkflowEvent) *EventHistory {
	return &EventHistory{events: events}
}

// Append assigns the next EventID to ev, appends it, and returns the id.
func (h *EventHistory) Append(ev WorkflowEvent) EventID {
	ev.ID = EventID(len(h.events))
	h.events = append(h.events, ev)
	return ev.ID
}

// Events returns a copy of the history so callers cannot mutate recorded
// facts.
func (h *EventHistory) Events() []WorkflowEvent {
	out := make([]WorkflowEvent, len(h.events))
	copy(out, h.events)
	return out
}

// Len returns the number of events, which is also the next EventID.
func (h *EventHistory) Len() int {
	return len(h.events)
}

// NextEventID returns the id the next appended event will receive.
func (h *EventHistory) NextEventID() EventID {
	return EventID(len(h.events))
}

// Last returns the most recent event, or false for an empty history.
func (h *EventHistory) Last() (WorkflowEvent, bool) {
	if len(h.events) == 0 {
		return WorkflowEvent{}, false
	}
	return h.events[len(h.events)-1], true
}

// Started returns the attributes of the first event.
func (h *EventHistory) Started() (*WorkflowExecutionStartedAttributes, bool) {
	if len(h.events) == 0 || h.events[0].WorkflowExecutionStarted == nil {
		return nil, false
	}
	return h.events[0].WorkflowExecutionStarted, true
}

// IsClosed reports whether the history ends with a terminal event.
func (h *EventHistory) IsClosed() bool {
	last, ok := h.Last()
	return ok && last.Type.IsTerminal()
}

// Status derives the execution status from the history.
func (h *EventHistory) Status() Status {
	last, ok := h.Last()
	if !ok {
		return StatusRunning
	}
	return StatusForEvent(last.Type)
}

// StatusForEvent maps a terminal event type to its status. Non-terminal
// types map to StatusRunning.
func StatusForEvent(t EventType) Status {
	switch t {
	case EventWorkflowExecutionCompleted:
		return StatusCompleted
	case EventWorkflowExecutionFailed:
		return StatusFailed
	case EventWorkflowExecutionTimedOut:
		return StatusTimeout
	case EventWorkflowExecutionCancelled:
		return StatusCancelled
	}
	return StatusRunning
}

// ValidateSequence checks that events carry consecutive ids starting at
// first and that nothing follows a terminal event.
func ValidateSequence(first EventID, closed bool, events []WorkflowEvent) error {
	for i, ev := range events {
		if closed {
			return ErrHistoryClosed
		}
		if ev.ID != first+EventID(i) {
			return ErrEventIDGap
		}
		closed = ev.Type.IsTerminal()
	}
	return nil
}
