// ABOUTME: Kafka sink publishing one message per event
// ABOUTME: Messages are keyed by user id so a visitor's events stay ordered within a partition

package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/2389/abkit/internal/analytics"
)

// KafkaSink writes events to a Kafka topic.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Deliver writes events in one call; the batch fails as a whole.
func (s *KafkaSink) Deliver(ctx context.Context, events []analytics.Event) error {
	msgs, err := kafkaMessages(events)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing to kafka: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func kafkaMessages(events []analytics.Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := encode(e)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.UserID),
			Value: value,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "event", Value: []byte(e.Name)},
				{Key: "event_id", Value: []byte(e.ID)},
			},
		})
	}
	return msgs, nil
}
