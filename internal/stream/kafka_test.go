package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/pkg/api"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestKafkaPublisher_PublishesKeyedRecords(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, discard)
	exec := api.WorkflowExecution{WorkflowID: "order-7", RunID: "run-1"}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.OnEventsAppended(ctx, exec, []api.WorkflowEvent{
		{ID: 4, Timestamp: ts, Type: api.EventTimerStarted, TimerStarted: &api.TimerStartedAttributes{TimerID: "timer-1", Duration: time.Minute}},
		{ID: 5, Timestamp: ts, Type: api.EventWorkflowExecutionSignaled, WorkflowExecutionSignaled: &api.WorkflowExecutionSignaledAttributes{SignalName: "go"}},
	})

	require.Len(t, w.msgs, 2)
	msg := w.msgs[1]
	assert.Equal(t, "order-7", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	assert.Contains(t, msg.Headers, kafkago.Header{Key: headerEventType, Value: []byte("WorkflowExecutionSignaled")})
	assert.Contains(t, msg.Headers, kafkago.Header{Key: headerEventID, Value: []byte("5")})

	rec, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, exec, rec.Execution)
	assert.Equal(t, api.EventID(5), rec.Event.ID)
	assert.Equal(t, "go", rec.Event.WorkflowExecutionSignaled.SignalName)
}

func TestKafkaPublisher_WriteErrorIsReturned(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	p := newKafkaPublisher(w, discard)

	err := p.Publish(context.Background(), api.WorkflowExecution{WorkflowID: "wf"}, []api.WorkflowEvent{{ID: 1, Type: api.EventTimerFired}})
	assert.EqualError(t, err, "broker unavailable")

	// The observer path only logs.
	p.OnEventsAppended(context.Background(), api.WorkflowExecution{WorkflowID: "wf"}, []api.WorkflowEvent{{ID: 1}})

	require.NoError(t, p.Publish(context.Background(), api.WorkflowExecution{WorkflowID: "wf"}, nil))
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisher_ValidatesConfig(t *testing.T) {
	_, err := NewKafkaPublisher(Config{Topic: "history"}, discard)
	assert.Error(t, err)

	p, err := NewKafkaPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "history", Async: true}, discard)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestDecode_RejectsForeignMessages(t *testing.T) {
	_, err := Decode(kafkago.Message{Value: []byte(`{"hello":"world"}`)})
	assert.Error(t, err)

	_, err = Decode(kafkago.Message{Value: []byte(`not json`)})
	assert.Error(t, err)
}
