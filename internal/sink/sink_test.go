// ABOUTME: Tests for outbound sinks
// ABOUTME: Exercises the HTTP batch sink against httptest and the broker message encodings

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/config"
)

func sampleEvents() []analytics.Event {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	return []analytics.Event{
		{
			ID:         "2ZcKtxH5nVZ0qGZGw2Yv8Tq1Xb3",
			Name:       analytics.EventConversion,
			Properties: analytics.ConversionProperties("hero-cta", "urgency", analytics.Properties{"amount": 49.0}),
			Timestamp:  ts,
			SessionID:  "session-1",
			UserID:     "user-1",
			PageURL:    "https://example.com/",
			Device:     analytics.DeviceMobile,
			Viewport:   analytics.Viewport{Width: 390, Height: 844},
		},
		{
			ID:        "2ZcKtxH5nVZ0qGZGw2Yv8Tq1Xb4",
			Name:      analytics.EventPageView,
			Timestamp: ts.Add(time.Second),
			UserID:    "user-1",
		},
	}
}

func TestHTTPSink_PostsBatch(t *testing.T) {
	var got batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":1}`))
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL+"/batch", "phc_test")
	require.NoError(t, s.Deliver(context.Background(), sampleEvents()))
	require.NoError(t, s.Close())

	assert.Equal(t, "phc_test", got.APIKey)
	require.Len(t, got.Batch, 2)

	first := got.Batch[0]
	assert.Equal(t, "conversion", first.Event)
	assert.Equal(t, "user-1", first.DistinctID)
	assert.Equal(t, "2ZcKtxH5nVZ0qGZGw2Yv8Tq1Xb3", first.UUID)
	assert.Equal(t, "2026-02-03T04:05:06Z", first.Timestamp)
	assert.Equal(t, "hero-cta", first.Properties["experimentId"])
	assert.Equal(t, "urgency", first.Properties["variant"])
	assert.Equal(t, "mobile", first.Properties["$device_type"])
	assert.Equal(t, "session-1", first.Properties["$session_id"])
	assert.Equal(t, float64(390), first.Properties["$viewport_width"])
}

func TestHTTPSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, "k", WithRetry(3, time.Millisecond))
	require.NoError(t, s.Deliver(context.Background(), sampleEvents()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPSink_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, "bad", WithRetry(5, time.Millisecond))
	err := s.Deliver(context.Background(), sampleEvents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPSink_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewHTTPSink(url, "k", WithRetry(1, 0), WithTimeout(time.Second))
	assert.Error(t, s.Deliver(context.Background(), sampleEvents()))
}

func TestKafkaMessages(t *testing.T) {
	msgs, err := kafkaMessages(sampleEvents())
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, []byte("user-1"), msgs[0].Key)
	assert.Equal(t, "event", msgs[0].Headers[0].Key)
	assert.Equal(t, []byte("conversion"), msgs[0].Headers[0].Value)

	var decoded analytics.Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, "2ZcKtxH5nVZ0qGZGw2Yv8Tq1Xb3", decoded.ID)
	expID, variant, ok := decoded.Conversion()
	assert.True(t, ok)
	assert.Equal(t, "hero-cta", expID)
	assert.Equal(t, "urgency", variant)
}

func TestAMQPPublishing(t *testing.T) {
	msg, err := amqpPublishing(sampleEvents()[0])
	require.NoError(t, err)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "2ZcKtxH5nVZ0qGZGw2Yv8Tq1Xb3", msg.MessageId)
	assert.Equal(t, "conversion", msg.Type)
	assert.Equal(t, "user-1", msg.Headers["user_id"])
	assert.True(t, json.Valid(msg.Body))
}

func TestRedisStreamArgs(t *testing.T) {
	s := &RedisStreamSink{stream: "abkit:events", maxLen: 1000}
	args, err := s.xaddArgs(sampleEvents()[1])
	require.NoError(t, err)

	assert.Equal(t, "abkit:events", args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values, ok := args.Values.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "page_view", values["event"])
	assert.True(t, json.Valid([]byte(values["payload"].(string))))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	s := NewLogSink(logger)
	require.NoError(t, s.Deliver(context.Background(), sampleEvents()))

	out := buf.String()
	assert.Contains(t, out, `"event":"conversion"`)
	assert.Contains(t, out, `"event":"page_view"`)
	assert.Contains(t, out, `"component":"sink"`)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.SinkConfig{Type: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = New(ctx, config.SinkConfig{Type: "log"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogSink{}, s)

	s, err = New(ctx, config.SinkConfig{Type: "http", HTTP: config.HTTPSinkConfig{Endpoint: "http://localhost/batch"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSink{}, s)

	s, err = New(ctx, config.SinkConfig{Type: "kafka", Kafka: config.KafkaSinkConfig{Brokers: []string{"localhost:9092"}, Topic: "events"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &KafkaSink{}, s)
	require.NoError(t, s.Close())

	s, err = New(ctx, config.SinkConfig{Type: "amqp", AMQP: config.AMQPSinkConfig{URL: "amqp://localhost"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &AMQPSink{}, s)

	_, err = New(ctx, config.SinkConfig{Type: "pigeon"}, nil)
	assert.Error(t, err)
}
