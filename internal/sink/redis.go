// ABOUTME: Redis Streams sink appending one stream entry per event
// ABOUTME: Uses a pipeline so a batch costs one round trip

package sink

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/2389/abkit/internal/analytics"
)

// RedisStreamOptions configures a RedisStreamSink
type RedisStreamOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen approximately caps the stream; zero leaves it unbounded
	MaxLen int64
}

// RedisStreamSink appends events to a Redis stream with XADD.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink connects to Redis and verifies the connection.
func NewRedisStreamSink(ctx context.Context, opts RedisStreamOptions) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStreamSink{client: client, stream: opts.Stream, maxLen: opts.MaxLen}, nil
}

// Deliver appends every event in one pipeline.
func (s *RedisStreamSink) Deliver(ctx context.Context, events []analytics.Event) error {
	args := make([]*redis.XAddArgs, 0, len(events))
	for _, e := range events {
		a, err := s.xaddArgs(e)
		if err != nil {
			return err
		}
		args = append(args, a)
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range args {
			pipe.XAdd(ctx, a)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending to stream %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStreamSink) xaddArgs(e analytics.Event) (*redis.XAddArgs, error) {
	payload, err := encode(e)
	if err != nil {
		return nil, err
	}
	return &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]interface{}{
			"id":      e.ID,
			"event":   e.Name,
			"user_id": e.UserID,
			"payload": string(payload),
		},
	}, nil
}

// Close closes the Redis client.
func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}
