package api

import (
	"bytes"
	"encoding/json"
)

// Payload is an encoded workflow or activity value. Payloads are JSON so a
// value recorded by one worker build decodes into the typed target of
// another.
type Payload []byte

// Encode serializes v into a Payload. A nil v yields a nil Payload.
func Encode(v any) (Payload, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(Payload); ok {
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, NewWorkflowError(WorkflowErrSerialization, err.Error(), err)
	}
	return b, nil
}

// MustEncode is Encode for values known to be serializable, such as test
// fixtures.
func MustEncode(v any) Payload {
	p, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode deserializes p into out, which must be a pointer. Empty payloads
// leave out untouched.
func (p Payload) Decode(out any) error {
	if out == nil || len(p) == 0 {
		return nil
	}
	if raw, ok := out.(*Payload); ok {
		*raw = append((*raw)[:0], p...)
		return nil
	}
	if err := json.Unmarshal(p, out); err != nil {
		return NewWorkflowError(WorkflowErrSerialization, err.Error(), err)
	}
	return nil
}

// Equal reports whether two payloads hold the same bytes.
func (p Payload) Equal(other Payload) bool {
	return bytes.Equal(p, other)
}

func (p Payload) String() string {
	return string(p)
}

// MarshalJSON embeds the payload as raw JSON instead of base64 so persisted
// histories stay readable.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}
