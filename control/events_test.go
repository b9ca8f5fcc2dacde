package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKafkaWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestEventPublisherRecordStep(t *testing.T) {
	writer := &fakeKafkaWriter{}
	publisher, err := newEventPublisherWithWriter("hvac.control.steps", writer, nil)
	require.NoError(t, err)

	runID := uuid.New()
	started := time.Date(2024, time.January, 8, 9, 0, 0, 0, time.UTC)
	rec := &StepRecord{
		RunID:      runID,
		Step:       4,
		StartedAt:  started,
		Actions:    map[string]float64{"hvac_cor": 0.5},
		Price:      0.25,
		EnergyCost: decimal.RequireFromString("0.125"),
		Objective:  7.5,
		Iterations: 1000,
	}
	require.NoError(t, publisher.RecordStep(context.Background(), rec))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, runID.String(), string(msg.Key))
	assert.True(t, started.Equal(msg.Time))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "schema", msg.Headers[0].Key)
	assert.Equal(t, StepEventSchema, string(msg.Headers[0].Value))

	var event StepEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, StepEventSchema, event.Schema)
	assert.Equal(t, runID.String(), event.RunID)
	assert.Equal(t, 4, event.Step)
	assert.Equal(t, "0.125", event.EnergyCost)
	assert.Equal(t, rec.Actions, event.Actions)

	require.NoError(t, publisher.Close())
	assert.True(t, writer.closed)
}

func TestEventPublisherWriteError(t *testing.T) {
	writer := &fakeKafkaWriter{err: errors.New("broker down")}
	publisher, err := newEventPublisherWithWriter("steps", writer, nil)
	require.NoError(t, err)

	err = publisher.RecordStep(context.Background(), &StepRecord{RunID: uuid.New(), Step: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Contains(t, err.Error(), "steps")
}

func TestNewEventPublisherValidation(t *testing.T) {
	_, err := NewEventPublisher([]string{"localhost:9092"}, " ", nil)
	assert.Error(t, err)

	_, err = NewEventPublisher(nil, "steps", nil)
	assert.Error(t, err)

	_, err = newEventPublisherWithWriter("steps", nil, nil)
	assert.ErrorIs(t, err, errPublisherNilWriter)

	publisher, err := NewEventPublisher([]string{"localhost:9092"}, "steps", nil)
	require.NoError(t, err)
	require.NoError(t, publisher.Close())
}
