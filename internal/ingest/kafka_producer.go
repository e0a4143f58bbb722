package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
)

const (
	typeHeader   = "type"
	typeLocation = "location"
	typeStatus   = "status"
)

// KafkaProducer publishes relay events keyed by room, so one room's events
// stay ordered within a partition. Writes are async and never block the relay.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				observability.SideChannelErrors.WithLabelValues("kafka_write").Add(float64(len(messages)))
			}
		},
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	return k.publish(ctx, ev.Room, typeLocation, ev)
}

func (k *KafkaProducer) PublishStatus(ctx context.Context, ev models.StatusEvent) error {
	return k.publish(ctx, ev.Room, typeStatus, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, key, typ string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   b,
		Headers: []kafka.Header{{Key: typeHeader, Value: []byte(typ)}},
	})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EventType returns the type header of a relay event message.
func EventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == typeHeader {
			return string(h.Value)
		}
	}
	return ""
}

// IsLocation reports whether m carries a LocationEvent.
func IsLocation(m kafka.Message) bool { return EventType(m) == typeLocation }
