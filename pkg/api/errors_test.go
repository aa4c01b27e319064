package api

import (
	"errors"
	"fmt"
	"testing"
)

func asWorkflowError(err error, target **WorkflowError) bool {
	return errors.As(err, target)
}

func TestWorkflowError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewWorkflowError(WorkflowErrTimeout, "deadline", nil))

	if !errors.Is(err, ErrWorkflowTimeout) {
		t.Fatalf("expected errors.Is(err, ErrWorkflowTimeout)")
	}
	if errors.Is(err, ErrWorkflowCancelled) {
		t.Fatalf("did not expect timeout to match ErrWorkflowCancelled")
	}
}

func TestWorkflowError_Messages(t *testing.T) {
	tests := []struct {
		err  *WorkflowError
		want string
	}{
		{NewWorkflowError(WorkflowErrActivityFailed, "card declined", nil), "activity failed: card declined"},
		{NewWorkflowError(WorkflowErrCancelled, "", nil), "workflow cancelled"},
		{NewWorkflowError(WorkflowErrCancelled, "user request", nil), "workflow cancelled: user request"},
		{NewWorkflowError(WorkflowErrCustom, "plain", nil), "plain"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Fatalf("Error()=%q, want %q", got, tt.want)
		}
	}
}

func TestAsActivityError(t *testing.T) {
	if AsActivityError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}

	plain := errors.New("boom")
	ae := AsActivityError(plain)
	if ae.Kind != ActivityErrExecutionFailed || ae.Message != "boom" || !errors.Is(ae, plain) {
		t.Fatalf("unexpected conversion of plain error: %+v", ae)
	}

	orig := NewValidationFailed("bad")
	if got := AsActivityError(fmt.Errorf("ctx: %w", orig)); got != orig {
		t.Fatalf("expected wrapped ActivityError to be returned as-is, got %+v", got)
	}
}

func TestWorkflowErrorFromFailure(t *testing.T) {
	f := Failure{Kind: string(ActivityErrValidationFailed), Message: "Payment failed: card declined", Attempt: 1}
	we := WorkflowErrorFromFailure(WorkflowErrActivityFailed, f)

	if we.Kind != WorkflowErrActivityFailed {
		t.Fatalf("Kind=%s, want ActivityFailed", we.Kind)
	}
	var ae *ActivityError
	if !errors.As(we, &ae) || ae.Kind != ActivityErrValidationFailed {
		t.Fatalf("expected ActivityError cause, got %v", we.Cause)
	}
	if we.Error() != "activity failed: Payment failed: card declined" {
		t.Fatalf("unexpected message %q", we.Error())
	}

	timeout := WorkflowErrorFromFailure(WorkflowErrActivityFailed, Failure{Kind: string(ActivityErrTimeout), Type: TimeoutScheduleToClose})
	if !errors.Is(timeout, ErrWorkflowTimeout) {
		t.Fatalf("expected schedule-to-close failure to surface as timeout, got %v", timeout)
	}

	child := WorkflowErrorFromFailure(WorkflowErrChildWorkflowFailed, Failure{Kind: string(WorkflowErrCustom), Message: "x"})
	if child.Cause != nil || !errors.Is(child, ErrChildWorkflowFailed) {
		t.Fatalf("unexpected child failure conversion: %+v", child)
	}
}

func TestFailureFromError(t *testing.T) {
	f := FailureFromError(NewCustomActivityError("InsufficientFunds", "no money"))
	if f.Kind != string(ActivityErrCustom) || f.Type != "InsufficientFunds" || f.Message != "no money" {
		t.Fatalf("unexpected failure: %+v", f)
	}

	f = FailureFromError(errors.New("plain"))
	if f.Kind != string(WorkflowErrCustom) || f.Message != "plain" {
		t.Fatalf("unexpected failure: %+v", f)
	}
}

func TestSignalAndQueryErrors_Is(t *testing.T) {
	se := &SignalError{Kind: SignalErrWorkflowNotFound, Message: "order-1"}
	if !errors.Is(se, ErrSignalWorkflowNotFound) || errors.Is(se, ErrSignalNotRegistered) {
		t.Fatalf("signal error kind matching is wrong")
	}
	qe := &QueryError{Kind: QueryErrWorkflowNotRunning, Message: "order-1"}
	if !errors.Is(qe, ErrWorkflowNotRunning) || errors.Is(qe, ErrQueryNotRegistered) {
		t.Fatalf("query error kind matching is wrong")
	}
}
