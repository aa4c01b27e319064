package persistence

import (
	"encoding/json"

	"github.com/petrijr/durable/pkg/api"
)

// Histories and snapshots are stored as JSON in every backend. Payloads
// inside them are already JSON and are embedded verbatim.

func encodeEvent(ev api.WorkflowEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, storageErr("encode_event", api.StorageErrSerialization, err)
	}
	return b, nil
}

func decodeEvent(data []byte) (api.WorkflowEvent, error) {
	var ev api.WorkflowEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, storageErr("decode_event", api.StorageErrSerialization, err)
	}
	return ev, nil
}

func encodeSnapshot(s api.Snapshot) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, storageErr("encode_snapshot", api.StorageErrSerialization, err)
	}
	return b, nil
}

func decodeSnapshot(data []byte) (*api.Snapshot, error) {
	var s api.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, storageErr("decode_snapshot", api.StorageErrSerialization, err)
	}
	return &s, nil
}

func cloneEvents(events []api.WorkflowEvent) []api.WorkflowEvent {
	out := make([]api.WorkflowEvent, len(events))
	copy(out, events)
	return out
}
