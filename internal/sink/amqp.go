// ABOUTME: AMQP sink publishing events to an exchange
// ABOUTME: Connects lazily and reconnects on the next delivery after a failure

package sink

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/abkit/internal/analytics"
)

// AMQPSink publishes events to an AMQP exchange.
type AMQPSink struct {
	url        string
	exchange   string
	routingKey string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPSink creates a sink. No connection is made until the first delivery.
// An empty routingKey routes by event name.
func NewAMQPSink(url, exchange, routingKey string) *AMQPSink {
	return &AMQPSink{url: url, exchange: exchange, routingKey: routingKey}
}

// Deliver publishes each event as a persistent JSON message.
func (s *AMQPSink) Deliver(ctx context.Context, events []analytics.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(); err != nil {
		return err
	}

	for _, e := range events {
		msg, err := amqpPublishing(e)
		if err != nil {
			return err
		}
		key := s.routingKey
		if key == "" {
			key = e.Name
		}
		if err := s.channel.PublishWithContext(ctx, s.exchange, key, false, false, msg); err != nil {
			s.closeLocked()
			return fmt.Errorf("publishing event %s: %w", e.ID, err)
		}
	}
	return nil
}

func (s *AMQPSink) connectLocked() error {
	if s.channel != nil && !s.channel.IsClosed() {
		return nil
	}
	s.closeLocked()

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dialing amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening amqp channel: %w", err)
	}

	s.conn = conn
	s.channel = channel
	return nil
}

func (s *AMQPSink) closeLocked() {
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func amqpPublishing(e analytics.Event) (amqp.Publishing, error) {
	body, err := encode(e)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.Timestamp,
		Type:         e.Name,
		Headers: amqp.Table{
			"user_id":    e.UserID,
			"session_id": e.SessionID,
		},
		Body: body,
	}, nil
}
