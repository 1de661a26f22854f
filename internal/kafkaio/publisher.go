// Package kafkaio streams charge session events to Kafka, keyed by session
// so one session stays on one partition.
package kafkaio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/theY4Kman/psu-progs/internal/charging"
	"github.com/theY4Kman/psu-progs/internal/config"
)

const (
	EventTick   = "tick"
	EventResult = "result"

	writeTimeout = 5 * time.Second
)

var ErrNoBrokers = errors.New("no Kafka brokers configured")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Event struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id"`
	Time      time.Time            `json:"time"`
	Tick      *charging.TickReport `json:"tick,omitempty"`
	Result    *charging.Result     `json:"result,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

type Publisher struct {
	writer messageWriter
	logger *logrus.Logger
}

func NewPublisher(cfg config.KafkaConfig, logger *logrus.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 100 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warnf("Kafka: failed to deliver %d events: %v", len(messages), err)
			}
		},
	}

	logger.Infof("Kafka: publishing charge events to %s on %v", cfg.Topic, cfg.Brokers)
	return &Publisher{writer: w, logger: logger}, nil
}

func (p *Publisher) PublishTick(ctx context.Context, r charging.TickReport) error {
	return p.publish(ctx, Event{
		Type:      EventTick,
		SessionID: r.SessionID,
		Time:      r.Time,
		Tick:      &r,
	})
}

func (p *Publisher) PublishResult(ctx context.Context, r charging.Result) error {
	return p.publish(ctx, Event{
		Type:      EventResult,
		SessionID: r.SessionID,
		Time:      r.FinishedAt,
		Result:    &r,
		Reason:    r.ReasonText(),
	})
}

func (p *Publisher) publish(ctx context.Context, ev Event) error {
	msg, err := NewMessage(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s event: %w", ev.Type, err)
	}
	return nil
}

func NewMessage(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}, nil
}

// Close flushes pending async writes.
func (p *Publisher) Close() error {
	p.logger.Info("Kafka: closing writer")
	return p.writer.Close()
}
