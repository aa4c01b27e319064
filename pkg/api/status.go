package api

import "time"

// Status represents the lifecycle state of a workflow execution.
// StatusRunning is the only non-terminal state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is a closed state.
func (s Status) IsTerminal() bool {
	return s != StatusRunning && s != ""
}

// CanTransition reports whether an execution in state s may move to next.
// Terminal states are sticky.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return s == next
	}
	return true
}

// Snapshot is the latest known state of a workflow's current run. It is
// derived from history and saved after every workflow task so that clients
// can describe an execution without replaying it.
type Snapshot struct {
	Execution    WorkflowExecution `json:"execution"`
	WorkflowType string            `json:"workflow_type"`
	TaskQueue    string            `json:"task_queue"`
	Status       Status            `json:"status"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ClosedAt  time.Time `json:"closed_at,omitzero"`

	// LastEventID is the id of the newest event reflected in this snapshot.
	LastEventID EventID `json:"last_event_id"`

	// CancelRequested is set once a cancellation has been recorded.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Result  Payload  `json:"result,omitempty"`
	Failure *Failure `json:"failure,omitempty"`

	// QueryResults holds answers computed when the run closed, keyed by
	// query name, so closed runs can still be queried.
	QueryResults map[string]Payload `json:"query_results,omitempty"`
}
