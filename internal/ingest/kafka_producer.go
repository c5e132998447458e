package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer republishes driver locations and emits dispatch events.
// Either writer may be nil, in which case that stream is dropped.
type KafkaProducer struct {
	locations MessageWriter
	events    MessageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, eventsTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = logging.Discard()
	}
	p := &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.LeastBytes{}}),
	}
	if eventsTopic != "" {
		p.events = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        eventsTopic,
			Balancer:     &kafka.Hash{},
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					logger.Warn("dispatch events not delivered", "count", len(msgs), "error", err)
				}
			},
		}
	}
	return p
}

// NewKafkaProducerWith wires explicit writers, which tests use to capture messages.
func NewKafkaProducerWith(locations, events MessageWriter) *KafkaProducer {
	return &KafkaProducer{locations: locations, events: events}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	if k.locations == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

// PublishDispatchEvent is keyed by ride so a partition sees a run in order.
func (k *KafkaProducer) PublishDispatchEvent(ctx context.Context, ev models.DispatchEvent) error {
	if k.events == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.events.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(ev.Type)}},
	})
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []MessageWriter{k.locations, k.events} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
