// ABOUTME: HTTP sink posting PostHog-compatible batch requests
// ABOUTME: Retries transport failures and 5xx responses; 4xx responses fail immediately

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/2389/abkit/internal/analytics"
)

// captureEvent is one entry of a PostHog batch
type captureEvent struct {
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// batchRequest is the body of POST /batch
type batchRequest struct {
	APIKey string         `json:"api_key"`
	Batch  []captureEvent `json:"batch"`
}

// HTTPSink posts event batches to a PostHog-style /batch endpoint.
type HTTPSink struct {
	endpoint string
	apiKey   string
	client   *http.Client
	attempts uint
	delay    time.Duration
}

// HTTPOption configures an HTTPSink
type HTTPOption func(*HTTPSink)

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSink) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSink) { s.client = c }
}

// WithRetry sets how many requests one delivery may make
func WithRetry(attempts uint, delay time.Duration) HTTPOption {
	return func(s *HTTPSink) {
		s.attempts = max(attempts, 1)
		s.delay = delay
	}
}

// NewHTTPSink creates a sink posting to endpoint with apiKey.
func NewHTTPSink(endpoint, apiKey string, opts ...HTTPOption) *HTTPSink {
	s := &HTTPSink{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 2,
		delay:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver posts events as one batch.
func (s *HTTPSink) Deliver(ctx context.Context, events []analytics.Event) error {
	body, err := json.Marshal(toBatch(s.apiKey, events))
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	return retry.Do(
		func() error { return s.post(ctx, body) },
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("batch endpoint returned %s", resp.Status)
	default:
		return retry.Unrecoverable(fmt.Errorf("batch endpoint rejected request: %s", resp.Status))
	}
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// toBatch maps events onto the PostHog capture schema. Enrichment fields are
// carried as $-prefixed properties.
func toBatch(apiKey string, events []analytics.Event) batchRequest {
	batch := batchRequest{APIKey: apiKey, Batch: make([]captureEvent, 0, len(events))}
	for _, e := range events {
		props := make(map[string]any, len(e.Properties)+6)
		for k, v := range e.Properties {
			props[k] = v
		}
		props["$session_id"] = e.SessionID
		props["$current_url"] = e.PageURL
		props["$referrer"] = e.Referrer
		props["$device_type"] = string(e.Device)
		props["$viewport_width"] = e.Viewport.Width
		props["$viewport_height"] = e.Viewport.Height

		batch.Batch = append(batch.Batch, captureEvent{
			UUID:       e.ID,
			Event:      e.Name,
			DistinctID: e.UserID,
			Properties: props,
			Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return batch
}
