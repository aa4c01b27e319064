package taskqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/petrijr/durable/pkg/api"
)

func TestEncodeDecodeTask_ActivityRetry(t *testing.T) {
	in := Task{
		ID:               "task-1",
		Kind:             KindActivity,
		Queue:            "orders",
		Execution:        api.WorkflowExecution{WorkflowID: "order-1", RunID: "run-1"},
		ActivityID:       "activity-2",
		Attempt:          3,
		ScheduledAt:      time.Unix(1700000000, 0).UTC(),
		LastFailure:      &api.Failure{Kind: "TemporaryFailure", Message: "gateway down", Attempt: 2},
		HeartbeatDetails: api.MustEncode(map[string]int{"processed": 10}),
		EnqueuedAt:       time.Unix(1700000001, 0).UTC(),
		NotBefore:        time.Unix(1700000003, 0).UTC(),
	}

	data, err := EncodeTask(in)
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	out, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if diff := cmp.Diff(in, *out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskLane(t *testing.T) {
	exec := api.WorkflowExecution{WorkflowID: "w", RunID: "r"}
	cases := map[TaskKind]string{
		KindWorkflow:         "q:workflow",
		KindTimer:            "q:workflow",
		KindExecutionTimeout: "q:workflow",
		KindActivity:         "q:activity",
	}
	for kind, want := range cases {
		if got := NewTask(kind, "q", exec).Lane(); got != want {
			t.Fatalf("%s lane = %q, want %q", kind, got, want)
		}
	}
}

func TestEncodeTask_RejectsUnroutableTasks(t *testing.T) {
	exec := api.WorkflowExecution{WorkflowID: "order-1", RunID: "run-1"}
	cases := map[string]Task{
		"unknown kind": {Kind: "cleanup", Queue: "orders", Execution: exec},
		"no queue":     {Kind: KindWorkflow, Execution: exec},
		"no execution": {Kind: KindTimer, Queue: "orders"},
	}
	for name, task := range cases {
		if _, err := EncodeTask(task); !errors.Is(err, ErrMalformedTask) {
			t.Fatalf("%s: err = %v, want ErrMalformedTask", name, err)
		}
	}
}

func TestDecodeTask_RejectsForeignBytes(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("{\"kind\":\"workflow\"}"), {taskFormat, 0xff, 0x00}} {
		if _, err := DecodeTask(data); !errors.Is(err, ErrMalformedTask) {
			t.Fatalf("DecodeTask(%q): err = %v, want ErrMalformedTask", data, err)
		}
	}

	data, err := EncodeTask(NewTask(KindWorkflow, "orders", api.WorkflowExecution{WorkflowID: "order-1", RunID: "run-1"}))
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	if data[0] != taskFormat {
		t.Fatalf("envelope byte = %d, want %d", data[0], taskFormat)
	}
	got, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if got.Lane() != "orders:workflow" {
		t.Fatalf("lane = %q", got.Lane())
	}
}
