package api

import (
	"fmt"

	"github.com/google/uuid"
)

// WorkflowID is the stable, caller-visible name of a workflow instance.
type WorkflowID = string

// RunID identifies one incarnation of a WorkflowID. A new RunID is minted
// on every start, including cron continuations.
type RunID = string

// ActivityID identifies one activity invocation within an execution. It is
// stable across retries of that invocation.
type ActivityID = string

// TimerID identifies one durable timer within an execution.
type TimerID = string

// EventID is the position of an event in its execution's history. The first
// event of every history has EventID 0.
type EventID uint64

// WorkflowExecution pairs a WorkflowID with one of its runs.
type WorkflowExecution struct {
	WorkflowID WorkflowID `json:"workflow_id" bson:"workflow_id"`
	RunID      RunID      `json:"run_id" bson:"run_id"`
}

func (e WorkflowExecution) String() string {
	return fmt.Sprintf("%s/%s", e.WorkflowID, e.RunID)
}

// IsZero reports whether e has neither id set.
func (e WorkflowExecution) IsZero() bool {
	return e.WorkflowID == "" && e.RunID == ""
}

// NewRunID returns a fresh random RunID.
func NewRunID() RunID {
	return uuid.NewString()
}

// ContinuationRunID derives the RunID of the run that continues prev. The
// same prev always yields the same id.
func ContinuationRunID(prev RunID) RunID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("durable:continue/"+prev)).String()
}

// NewWorkflowID returns a generated WorkflowID for callers that did not
// supply one.
func NewWorkflowID() WorkflowID {
	return "wf-" + uuid.NewString()
}
