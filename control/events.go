package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/devskill-org/hvac-mpc/logging"
)

// StepEventSchema identifies the payload layout of published step events
const StepEventSchema = "hvac-mpc.step.v1"

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StepEvent is the message value published for every applied step
type StepEvent struct {
	Schema      string             `json:"schema"`
	RunID       string             `json:"run_id"`
	Step        int                `json:"step"`
	Timestamp   time.Time          `json:"timestamp"`
	Actions     map[string]float64 `json:"actions"`
	Price       float64            `json:"price"`
	EnergyCost  string             `json:"energy_cost"`
	Objective   float64            `json:"objective"`
	ComfortCost float64            `json:"comfort_cost"`
	Iterations  int                `json:"iterations"`
}

// EventPublisher publishes step events to a Kafka topic, keyed by run id so
// the steps of one run stay ordered on one partition.
type EventPublisher struct {
	topic  string
	writer kafkaMessageWriter
	logger *zap.Logger
}

var errPublisherNilWriter = errors.New("publisher requires a writer")

// NewEventPublisher creates a publisher writing to the given brokers
func NewEventPublisher(brokers []string, topic string, logger *zap.Logger) (*EventPublisher, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newEventPublisherWithWriter(topic, writer, logger)
}

// newEventPublisherWithWriter wires the provided writer into the publisher. It is used in tests.
func newEventPublisherWithWriter(topic string, writer kafkaMessageWriter, logger *zap.Logger) (*EventPublisher, error) {
	if writer == nil {
		return nil, errPublisherNilWriter
	}
	return &EventPublisher{
		topic:  topic,
		writer: writer,
		logger: logging.OrNop(logger).Named("events"),
	}, nil
}

// RecordStep publishes the step event
func (p *EventPublisher) RecordStep(ctx context.Context, rec *StepRecord) error {
	event := StepEvent{
		Schema:      StepEventSchema,
		RunID:       rec.RunID.String(),
		Step:        rec.Step,
		Timestamp:   rec.StartedAt.UTC(),
		Actions:     rec.Actions,
		Price:       rec.Price,
		EnergyCost:  rec.EnergyCost.String(),
		Objective:   rec.Objective,
		ComfortCost: rec.ComfortCost,
		Iterations:  rec.Iterations,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode step event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.RunID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "schema", Value: []byte(StepEventSchema)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish step %d to %s: %w", rec.Step, p.topic, err)
	}

	p.logger.Debug("Published step event", zap.String("topic", p.topic), zap.Int("step", rec.Step+1))
	return nil
}

// Close flushes pending messages and closes the writer
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
