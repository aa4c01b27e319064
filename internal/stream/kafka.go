// Package stream publishes workflow history to Kafka as it is appended, so
// other systems can follow executions without polling the store.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/petrijr/durable/pkg/api"
)

const (
	headerEventType  = "event_type"
	headerRunID      = "run_id"
	headerEventID    = "event_id"
	defaultBatchWait = 100 * time.Millisecond
)

// Config describes where events are published.
type Config struct {
	Brokers []string `yaml:"brokers" validate:"required,min=1,dive,hostname_port"`
	Topic   string   `yaml:"topic" validate:"required"`

	// Async hands messages to the writer without waiting for broker
	// acknowledgement. Failures are then only logged.
	Async bool `yaml:"async"`

	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Record is the JSON value of each published message.
type Record struct {
	Execution api.WorkflowExecution `json:"execution"`
	Event     api.WorkflowEvent     `json:"event"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher is an api.Observer that writes every appended history
// event to a topic. Messages are keyed by workflow id, so the events of one
// workflow land on one partition in history order.
type KafkaPublisher struct {
	api.NoopObserver

	logger *slog.Logger
	writer messageWriter
}

func NewKafkaPublisher(cfg Config, logger *slog.Logger) (*KafkaPublisher, error) {
	if err := api.Validator().Struct(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = defaultBatchWait
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafkago.RequireAll,
		Async:                  cfg.Async,
		AllowAutoTopicCreation: true,
	}
	if cfg.Async {
		w.Completion = func(msgs []kafkago.Message, err error) {
			if err != nil {
				logger.Error("history_publish_failed", slog.Int("messages", len(msgs)), slog.Any("error", err))
			}
		}
	}
	return newKafkaPublisher(w, logger), nil
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{logger: logger.With(slog.String("component", "history_stream")), writer: w}
}

// Publish writes events of exec as one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(events))
	for _, ev := range events {
		msg, err := message(exec, ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	// History is already durable; a cancelled caller must not lose the copy.
	return p.writer.WriteMessages(context.WithoutCancel(ctx), msgs...)
}

func (p *KafkaPublisher) OnEventsAppended(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) {
	if err := p.Publish(ctx, exec, events); err != nil {
		p.logger.ErrorContext(ctx, "history_publish_failed",
			slog.String("workflow_id", exec.WorkflowID),
			slog.String("run_id", exec.RunID),
			slog.Int("events", len(events)),
			slog.Any("error", err),
		)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func message(exec api.WorkflowExecution, ev api.WorkflowEvent) (kafkago.Message, error) {
	value, err := json.Marshal(Record{Execution: exec, Event: ev})
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(exec.WorkflowID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafkago.Header{
			{Key: headerEventType, Value: []byte(ev.Type)},
			{Key: headerRunID, Value: []byte(exec.RunID)},
			{Key: headerEventID, Value: []byte(strconv.FormatUint(uint64(ev.ID), 10))},
		},
	}, nil
}

// Decode parses a message written by KafkaPublisher.
func Decode(msg kafkago.Message) (Record, error) {
	var r Record
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		return Record{}, err
	}
	if r.Execution.WorkflowID == "" {
		return Record{}, errors.New("stream: message carries no execution")
	}
	return r, nil
}
