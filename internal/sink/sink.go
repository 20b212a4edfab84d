// ABOUTME: Outbound sinks that forward captured analytics events
// ABOUTME: Builds the configured sink and provides the log sink and shared encoding

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/config"
)

// Sink is an analytics.Sink that owns a connection and must be closed.
type Sink interface {
	analytics.Sink
	Close() error
}

// New builds the sink selected by cfg. It returns a nil Sink for type "none",
// which makes the tracker drain its queue without delivering.
func New(ctx context.Context, cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "log":
		return NewLogSink(logger), nil
	case "http":
		return NewHTTPSink(cfg.HTTP.Endpoint, cfg.HTTP.APIKey, WithTimeout(cfg.HTTP.Timeout)), nil
	case "kafka":
		return NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "amqp":
		return NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey), nil
	case "redis":
		return NewRedisStreamSink(ctx, RedisStreamOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

// encode serializes one event as the JSON payload used by the broker sinks.
func encode(e analytics.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", e.ID, err)
	}
	return data, nil
}

// LogSink writes every delivered event to a logger. Useful for development.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "sink")}
}

// Deliver logs each event at info level.
func (s *LogSink) Deliver(ctx context.Context, events []analytics.Event) error {
	for _, e := range events {
		s.logger.InfoContext(ctx, "event",
			"id", e.ID,
			"event", e.Name,
			"user_id", e.UserID,
			"session_id", e.SessionID,
			"page_url", e.PageURL,
			"device", string(e.Device),
			"properties", e.Properties,
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
