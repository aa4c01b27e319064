package taskqueue

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// taskFormat prefixes every encoded task so the SQL, Redis and Mongo
// backends can tell a stored envelope from foreign bytes.
const taskFormat byte = 1

// ErrMalformedTask is returned for tasks that cannot be routed to a lane
// or run: an unknown kind, no queue, or no workflow execution.
var ErrMalformedTask = errors.New("malformed task")

// EncodeTask serializes a task for the durable queues. The task must name
// its kind, queue and execution; attempts, NotBefore and the activity
// retry state travel with it.
func EncodeTask(t Task) ([]byte, error) {
	if err := validateTask(&t); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(taskFormat)
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode %s task %s: %w", t.Kind, t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	if len(data) == 0 || data[0] != taskFormat {
		return nil, fmt.Errorf("%w: unknown envelope", ErrMalformedTask)
	}
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if err := validateTask(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func validateTask(t *Task) error {
	switch t.Kind {
	case KindWorkflow, KindActivity, KindTimer, KindExecutionTimeout:
	default:
		return fmt.Errorf("%w: kind %q", ErrMalformedTask, t.Kind)
	}
	if t.Queue == "" {
		return fmt.Errorf("%w: %s task %s has no queue", ErrMalformedTask, t.Kind, t.ID)
	}
	if t.Execution.WorkflowID == "" {
		return fmt.Errorf("%w: %s task %s has no workflow id", ErrMalformedTask, t.Kind, t.ID)
	}
	return nil
}
