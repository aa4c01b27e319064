package api

import (
	"errors"
	"fmt"
)

var (
	// ErrHistoryClosed is returned when events are appended after a
	// terminal event.
	ErrHistoryClosed = errors.New("workflow history is closed")

	// ErrEventIDGap is returned when appended events do not continue the
	// history's id sequence.
	ErrEventIDGap = errors.New("event ids are not contiguous")

	// ErrNonDeterministic is returned when workflow code issues a command
	// that differs from the one recorded at the same position in history.
	ErrNonDeterministic = errors.New("nondeterministic workflow")

	// ErrWorkflowAlreadyStarted is returned when starting a workflow id
	// whose current run is still running.
	ErrWorkflowAlreadyStarted = errors.New("workflow already started")

	// ErrWorkflowNotFound is returned when no execution exists for a
	// workflow id or run.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowClosed is returned when a control-plane operation targets a
	// run that has already closed.
	ErrWorkflowClosed = errors.New("workflow execution is closed")

	// ErrWorkflowNotRegistered is returned when no workflow with the given
	// type name is registered.
	ErrWorkflowNotRegistered = errors.New("workflow not registered")

	// ErrActivityNotRegistered is returned when no activity with the given
	// name is registered.
	ErrActivityNotRegistered = errors.New("activity not registered")
)

// WorkflowErrorKind classifies failures surfaced to workflow code.
type WorkflowErrorKind string

const (
	WorkflowErrActivityFailed      WorkflowErrorKind = "ActivityFailed"
	WorkflowErrChildWorkflowFailed WorkflowErrorKind = "ChildWorkflowFailed"
	WorkflowErrTimeout             WorkflowErrorKind = "Timeout"
	WorkflowErrCancelled           WorkflowErrorKind = "Cancelled"
	WorkflowErrSignalChannelClosed WorkflowErrorKind = "SignalChannelClosed"
	WorkflowErrInvalidInput        WorkflowErrorKind = "InvalidInput"
	WorkflowErrStorage             WorkflowErrorKind = "StorageError"
	WorkflowErrSerialization       WorkflowErrorKind = "SerializationError"
	WorkflowErrCustom              WorkflowErrorKind = "Custom"
)

// WorkflowError is returned to workflow code when awaiting an activity,
// child workflow, timer or signal fails, and is the error a WorkflowHandle
// reports for runs that did not complete.
type WorkflowError struct {
	Kind    WorkflowErrorKind
	Message string
	Cause   error
}

func NewWorkflowError(kind WorkflowErrorKind, msg string, cause error) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: msg, Cause: cause}
}

func (e *WorkflowError) Error() string {
	switch e.Kind {
	case WorkflowErrActivityFailed:
		return "activity failed: " + e.Message
	case WorkflowErrChildWorkflowFailed:
		return "child workflow failed: " + e.Message
	case WorkflowErrTimeout:
		return "timeout: " + e.Message
	case WorkflowErrCancelled:
		if e.Message == "" {
			return "workflow cancelled"
		}
		return "workflow cancelled: " + e.Message
	case WorkflowErrSignalChannelClosed:
		return "signal channel closed: " + e.Message
	case WorkflowErrInvalidInput:
		return "invalid input: " + e.Message
	case WorkflowErrStorage:
		return "storage error: " + e.Message
	case WorkflowErrSerialization:
		return "serialization error: " + e.Message
	}
	return e.Message
}

func (e *WorkflowError) Unwrap() error { return e.Cause }

// Is matches another *WorkflowError of the same kind, so the Err* sentinels
// below work with errors.Is.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	return ok && t.Message == "" && t.Cause == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is on WorkflowError kinds.
var (
	ErrActivityFailed      = &WorkflowError{Kind: WorkflowErrActivityFailed}
	ErrChildWorkflowFailed = &WorkflowError{Kind: WorkflowErrChildWorkflowFailed}
	ErrWorkflowTimeout     = &WorkflowError{Kind: WorkflowErrTimeout}
	ErrWorkflowCancelled   = &WorkflowError{Kind: WorkflowErrCancelled}
	ErrSignalChannelClosed = &WorkflowError{Kind: WorkflowErrSignalChannelClosed}
)

// ActivityErrorKind classifies failures returned by activity code.
type ActivityErrorKind string

const (
	ActivityErrTemporaryFailure ActivityErrorKind = "TemporaryFailure"
	ActivityErrValidationFailed ActivityErrorKind = "ValidationFailed"
	ActivityErrExecutionFailed  ActivityErrorKind = "ExecutionFailed"
	ActivityErrCancelled        ActivityErrorKind = "Cancelled"
	ActivityErrTimeout          ActivityErrorKind = "Timeout"
	ActivityErrHeartbeatFailed  ActivityErrorKind = "HeartbeatFailed"
	ActivityErrInvalidInput     ActivityErrorKind = "InvalidInput"
	ActivityErrCustom           ActivityErrorKind = "Custom"
)

// ActivityError is the error activities return to steer retry behavior.
// Type names a Custom error so it can be listed in
// RetryPolicy.NonRetryableErrorKinds.
type ActivityError struct {
	Kind    ActivityErrorKind
	Type    string
	Message string
	Cause   error
}

func NewTemporaryFailure(msg string) *ActivityError {
	return &ActivityError{Kind: ActivityErrTemporaryFailure, Message: msg}
}

func NewValidationFailed(msg string) *ActivityError {
	return &ActivityError{Kind: ActivityErrValidationFailed, Message: msg}
}

func NewExecutionFailed(msg string, cause error) *ActivityError {
	return &ActivityError{Kind: ActivityErrExecutionFailed, Message: msg, Cause: cause}
}

// NewCustomActivityError returns a Custom error whose Type participates in
// non-retryable matching.
func NewCustomActivityError(typ, msg string) *ActivityError {
	return &ActivityError{Kind: ActivityErrCustom, Type: typ, Message: msg}
}

func (e *ActivityError) Error() string {
	switch e.Kind {
	case ActivityErrTemporaryFailure:
		return "temporary failure: " + e.Message
	case ActivityErrValidationFailed:
		return "validation failed: " + e.Message
	case ActivityErrExecutionFailed:
		return "execution failed: " + e.Message
	case ActivityErrCancelled:
		return "activity cancelled"
	case ActivityErrTimeout:
		if e.Message == "" {
			return "activity timeout"
		}
		return "activity timeout: " + e.Message
	case ActivityErrHeartbeatFailed:
		return "heartbeat failed: " + e.Message
	case ActivityErrInvalidInput:
		return "invalid input: " + e.Message
	}
	return e.Message
}

func (e *ActivityError) Unwrap() error { return e.Cause }

// AsActivityError normalizes any error returned by activity code. Plain
// errors become ExecutionFailed.
func AsActivityError(err error) *ActivityError {
	if err == nil {
		return nil
	}
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae
	}
	return &ActivityError{Kind: ActivityErrExecutionFailed, Message: err.Error(), Cause: err}
}

// Failure is the persisted form of an error inside history events and
// snapshots.
type Failure struct {
	Kind    string `json:"kind"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}

func (f Failure) String() string {
	if f.Kind == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// FailureFromActivityError records err with the attempt it ended.
func FailureFromActivityError(err *ActivityError, attempt int) Failure {
	return Failure{Kind: string(err.Kind), Type: err.Type, Message: err.Message, Attempt: attempt}
}

// StorageErrorKind classifies persistence adapter failures.
type StorageErrorKind string

const (
	StorageErrConnection    StorageErrorKind = "ConnectionError"
	StorageErrQuery         StorageErrorKind = "QueryError"
	StorageErrSerialization StorageErrorKind = "SerializationError"
	StorageErrNotFound      StorageErrorKind = "NotFound"
	StorageErrConflict      StorageErrorKind = "Conflict"
	StorageErrCustom        StorageErrorKind = "Custom"
)

// StorageError wraps a persistence failure with the operation that
// produced it.
type StorageError struct {
	Kind StorageErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SignalErrorKind classifies failures delivering a signal.
type SignalErrorKind string

const (
	SignalErrWorkflowNotFound    SignalErrorKind = "WorkflowNotFound"
	SignalErrSignalNotRegistered SignalErrorKind = "SignalNotRegistered"
	SignalErrSerialization       SignalErrorKind = "SerializationError"
	SignalErrCustom              SignalErrorKind = "Custom"
)

type SignalError struct {
	Kind    SignalErrorKind
	Message string
	Cause   error
}

func (e *SignalError) Error() string {
	switch e.Kind {
	case SignalErrWorkflowNotFound:
		return "workflow not found: " + e.Message
	case SignalErrSignalNotRegistered:
		return "signal not registered: " + e.Message
	case SignalErrSerialization:
		return "serialization error: " + e.Message
	}
	return e.Message
}

func (e *SignalError) Unwrap() error { return e.Cause }

func (e *SignalError) Is(target error) bool {
	t, ok := target.(*SignalError)
	return ok && t.Message == "" && t.Kind == e.Kind
}

var (
	ErrSignalWorkflowNotFound = &SignalError{Kind: SignalErrWorkflowNotFound}
	ErrSignalNotRegistered    = &SignalError{Kind: SignalErrSignalNotRegistered}
)

// QueryErrorKind classifies failures answering a query.
type QueryErrorKind string

const (
	QueryErrWorkflowNotFound   QueryErrorKind = "WorkflowNotFound"
	QueryErrQueryNotRegistered QueryErrorKind = "QueryNotRegistered"
	QueryErrSerialization      QueryErrorKind = "SerializationError"
	QueryErrWorkflowNotRunning QueryErrorKind = "WorkflowNotRunning"
	QueryErrCustom             QueryErrorKind = "Custom"
)

type QueryError struct {
	Kind    QueryErrorKind
	Message string
	Cause   error
}

func (e *QueryError) Error() string {
	switch e.Kind {
	case QueryErrWorkflowNotFound:
		return "workflow not found: " + e.Message
	case QueryErrQueryNotRegistered:
		return "query not registered: " + e.Message
	case QueryErrSerialization:
		return "serialization error: " + e.Message
	case QueryErrWorkflowNotRunning:
		return "workflow not running: " + e.Message
	}
	return e.Message
}

func (e *QueryError) Unwrap() error { return e.Cause }

func (e *QueryError) Is(target error) bool {
	t, ok := target.(*QueryError)
	return ok && t.Message == "" && t.Kind == e.Kind
}

var (
	ErrQueryWorkflowNotFound = &QueryError{Kind: QueryErrWorkflowNotFound}
	ErrQueryNotRegistered    = &QueryError{Kind: QueryErrQueryNotRegistered}
	ErrWorkflowNotRunning    = &QueryError{Kind: QueryErrWorkflowNotRunning}
)

// Failure.Type values recorded for activity timeouts.
const (
	TimeoutScheduleToStart = "ScheduleToStart"
	TimeoutStartToClose    = "StartToClose"
	TimeoutScheduleToClose = "ScheduleToClose"
	TimeoutHeartbeat       = "Heartbeat"
)

// WorkflowErrorFromFailure rebuilds the error workflow code sees for a
// failed activity or child. The original activity error is kept as Cause.
func WorkflowErrorFromFailure(kind WorkflowErrorKind, f Failure) *WorkflowError {
	switch {
	case kind == WorkflowErrActivityFailed && f.Type == TimeoutScheduleToClose:
		kind = WorkflowErrTimeout
	case kind == WorkflowErrChildWorkflowFailed && f.Kind == string(WorkflowErrTimeout):
		kind = WorkflowErrTimeout
	}
	we := &WorkflowError{Kind: kind, Message: f.Message}
	if kind != WorkflowErrChildWorkflowFailed {
		we.Cause = &ActivityError{Kind: ActivityErrorKind(f.Kind), Type: f.Type, Message: f.Message}
	}
	return we
}

// FailureFromError converts an error returned by workflow code into the
// failure recorded on its terminal event.
func FailureFromError(err error) Failure {
	var we *WorkflowError
	if errors.As(err, &we) {
		return Failure{Kind: string(we.Kind), Message: we.Message}
	}
	var ae *ActivityError
	if errors.As(err, &ae) {
		return Failure{Kind: string(ae.Kind), Type: ae.Type, Message: ae.Message}
	}
	return Failure{Kind: string(WorkflowErrCustom), Message: err.Error()}
}
