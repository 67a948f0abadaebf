package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/mechanic-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes mechanic positions and request lifecycle events to
// two topics. Positions are keyed by mechanic so one mechanic's samples stay
// ordered within a partition; events are keyed by request.
type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, eventsTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic),
		events:    newWriter(brokers, eventsTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	return k.write(ctx, k.locations, s.MechanicID, s)
}

func (k *KafkaProducer) PublishEvent(ctx context.Context, evt models.RequestEvent) error {
	return k.write(ctx, k.events, evt.RequestID, evt)
}

func (k *KafkaProducer) write(ctx context.Context, w messageWriter, key string, v any) error {
	if w == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
