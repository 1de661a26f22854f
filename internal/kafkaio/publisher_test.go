package kafkaio

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theY4Kman/psu-progs/internal/charging"
	"github.com/theY4Kman/psu-progs/internal/config"
	"github.com/theY4Kman/psu-progs/internal/psu"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func testPublisher(w *recordingWriter) *Publisher {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return &Publisher{writer: w, logger: logger}
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewPublisher(config.KafkaConfig{Topic: "x"}, logrus.New())
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestPublishTick(t *testing.T) {
	w := &recordingWriter{}
	p := testPublisher(w)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.PublishTick(context.Background(), charging.TickReport{
		SessionID:   "s1",
		Tick:        3,
		Time:        now,
		Mode:        psu.ConstantCurrent,
		MeanCurrent: 1.0,
	}))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "s1", string(msg.Key))
	assert.Equal(t, now, msg.Time)
	assert.Equal(t, []kafka.Header{{Key: "event-type", Value: []byte("tick")}}, msg.Headers)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, EventTick, ev.Type)
	require.NotNil(t, ev.Tick)
	assert.Equal(t, 3, ev.Tick.Tick)
	assert.Nil(t, ev.Result)
}

func TestPublishResult(t *testing.T) {
	w := &recordingWriter{}
	p := testPublisher(w)

	require.NoError(t, p.PublishResult(context.Background(), charging.Result{
		SessionID: "s1",
		Outcome:   charging.Aborted,
		Reason:    charging.ErrMaxFailuresExceeded,
	}))

	require.Len(t, w.messages, 1)
	var ev Event
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &ev))
	assert.Equal(t, EventResult, ev.Type)
	require.NotNil(t, ev.Result)
	assert.Equal(t, charging.Aborted, ev.Result.Outcome)
	assert.Equal(t, charging.ErrMaxFailuresExceeded.Error(), ev.Reason)
}

func TestPublishError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := testPublisher(w)

	err := p.PublishTick(context.Background(), charging.TickReport{SessionID: "s1"})
	assert.ErrorContains(t, err, "broker down")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
