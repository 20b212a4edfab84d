// ABOUTME: Tests for the experimentation HTTP API
// ABOUTME: Drives the chi router through httptest against an in-memory store

package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/experiment"
	"github.com/2389/abkit/internal/kv"
	"github.com/2389/abkit/internal/results"
	"github.com/2389/abkit/internal/visitor"
)

type testEnv struct {
	server  *Server
	http    *httptest.Server
	backend *kv.MemoryBackend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := experiment.NewRegistry(
		experiment.Definition{
			ID:       "pricing-display",
			Variants: []string{"control", "value-focused"},
			Weights:  []float64{0.5, 0.5},
		},
	)
	require.NoError(t, err)

	backend := kv.NewMemoryBackend()
	s := New(Options{
		Store:    kv.New(backend),
		Registry: reg,
		Tokens:   visitor.NewTokens([]byte("test-secret-that-is-long-enough")),
		TokenTTL: time.Hour,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
	})
	return &testEnv{server: s, http: ts, backend: backend}
}

func (env *testEnv) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (env *testEnv) newVisitor(t *testing.T) visitorResponse {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/visitors", "", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	v := decode[visitorResponse](t, resp)
	require.NotEmpty(t, v.VisitorID)
	require.NotEmpty(t, v.Token)
	return v
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.backend.SetUnavailable(true)
	resp = env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/experiments/pricing-display/variant", tt.token, "")
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			body := decode[map[string]string](t, resp)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_TokenFromOtherSecretRejected(t *testing.T) {
	env := newTestEnv(t)
	forged, err := visitor.NewTokens([]byte("some-other-secret-value")).Issue("intruder", time.Hour)
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/api/events", forged, `{"event":"click"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ListExperiments(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/experiments", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defs := decode[[]experiment.Definition](t, resp)
	require.Len(t, defs, 1)
	assert.Equal(t, "pricing-display", defs[0].ID)
}

func TestServer_VariantIsStable(t *testing.T) {
	env := newTestEnv(t)
	v := env.newVisitor(t)

	first := decode[variantResponse](t, env.do(t, http.MethodGet, "/api/experiments/pricing-display/variant", v.Token, ""))
	assert.Equal(t, "pricing-display", first.ExperimentID)
	assert.Contains(t, []string{"control", "value-focused"}, first.Variant)

	for range 5 {
		again := decode[variantResponse](t, env.do(t, http.MethodGet, "/api/experiments/pricing-display/variant", v.Token, ""))
		assert.Equal(t, first.Variant, again.Variant)
	}

	// Survives the engine being dropped from the cache.
	env.server.engines.Clear()
	again := decode[variantResponse](t, env.do(t, http.MethodGet, "/api/experiments/pricing-display/variant", v.Token, ""))
	assert.Equal(t, first.Variant, again.Variant)
}

func TestServer_CreateVisitorWritesNothing(t *testing.T) {
	env := newTestEnv(t)

	var last visitorResponse
	for range 10 {
		last = env.newVisitor(t)
	}
	assert.Equal(t, 0, env.backend.Len(), "minting tokens should not touch storage")
	assert.Equal(t, 0, env.server.engines.Len())

	resp := env.do(t, http.MethodGet, "/api/me", last.Token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.server.engines.Len())
	assert.Positive(t, env.backend.Len())
}

func TestServer_ConcurrentRequestsShareEngine(t *testing.T) {
	env := newTestEnv(t)
	v := env.newVisitor(t)

	var wg sync.WaitGroup
	variants := make(chan string, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/experiments/pricing-display/variant", nil)
			if err != nil {
				return
			}
			req.Header.Set("Authorization", "Bearer "+v.Token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var got variantResponse
			if json.NewDecoder(resp.Body).Decode(&got) == nil {
				variants <- got.Variant
			}
		}()
	}
	wg.Wait()
	close(variants)

	seen := make(map[string]bool)
	for variant := range variants {
		seen[variant] = true
	}
	assert.Len(t, seen, 1, "every request should see the same assignment")
	assert.Equal(t, 1, env.server.engines.Len())

	e := env.server.engineFor(context.Background(), v.VisitorID)
	assert.Equal(t, 1, e.Preferences(context.Background()).VisitCount)
}

func TestServer_UnknownExperimentVariant(t *testing.T) {
	env := newTestEnv(t)
	v := env.newVisitor(t)

	got := decode[variantResponse](t, env.do(t, http.MethodGet, "/api/experiments/nope/variant", v.Token, ""))
	assert.Equal(t, experiment.DefaultVariant, got.Variant)
}

func TestServer_TrackEvent(t *testing.T) {
	env := newTestEnv(t)
	v := env.newVisitor(t)

	body := `{
		"event": "button_click",
		"properties": {"button": "signup", "position": 3},
		"page_url": "https://example.com/pricing",
		"referrer": "https://google.com",
		"viewport_width": 390,
		"viewport_height": 844
	}`
	resp := env.do(t, http.MethodPost, "/api/events", v.Token, body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	e := env.server.engineFor(context.Background(), v.VisitorID)
	events := e.Events(context.Background())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "button_click", last.Name)
	assert.Equal(t, v.VisitorID, last.UserID)
	assert.Equal(t, "https://example.com/pricing", last.PageURL)
	assert.Equal(t, "https://google.com", last.Referrer)
	assert.Equal(t, analytics.DeviceMobile, last.Device)
	assert.Equal(t, "signup", last.Properties.String("button"))
	pos, ok := last.Properties.Float("position")
	require.True(t, ok)
	assert.Equal(t, 3.0, pos)
}

func TestServer_TrackEventRejectsBadBodies(t *testing.T) {
	env := newTestEnv(t)
	v := env.newVisitor(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"event":`},
		{"missing event", `{"properties":{}}`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/events", v.Token, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServer_ConversionRequiresAssignment(t *testing.T) {
	env := newTestEnv(t)
	v := env.newVisitor(t)

	resp := env.do(t, http.MethodPost, "/api/experiments/pricing-display/conversions", v.Token, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/experiments/nope/conversions", v.Token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ConversionFlowsIntoResults(t *testing.T) {
	env := newTestEnv(t)

	converted := make(map[string]string)
	for i := range 4 {
		v := env.newVisitor(t)
		got := decode[variantResponse](t, env.do(t, http.MethodGet, "/api/experiments/pricing-display/variant", v.Token, ""))
		if i%2 == 0 {
			resp := env.do(t, http.MethodPost, "/api/experiments/pricing-display/conversions", v.Token, `{"plan":"pro"}`)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			conv := decode[conversionResponse](t, resp)
			assert.True(t, conv.Recorded)
			assert.Equal(t, got.Variant, conv.Variant)
			converted[v.VisitorID] = got.Variant
		}
	}

	resp := env.do(t, http.MethodGet, "/api/results", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summaries := decode[[]results.Summary](t, resp)
	require.Len(t, summaries, 1)
	assert.Equal(t, "pricing-display", summaries[0].ExperimentID)

	participants, conversions := 0, 0
	for _, vr := range summaries[0].Variants {
		participants += vr.Participants
		conversions += vr.Conversions
	}
	assert.Equal(t, 4, participants)
	assert.Equal(t, len(converted), conversions)
}

func TestServer_ResultsEmpty(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/results", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summaries := decode[[]results.Summary](t, resp)
	require.Len(t, summaries, 1)
	assert.Equal(t, 0, summaries[0].Variants[0].Participants)
}

func TestServer_Me(t *testing.T) {
	env := newTestEnv(t)
	v := env.newVisitor(t)
	env.do(t, http.MethodGet, "/api/experiments/pricing-display/variant", v.Token, "")

	resp := env.do(t, http.MethodGet, "/api/me", v.Token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		VisitorID   string                  `json:"visitor_id"`
		Assignments []experiment.Assignment `json:"assignments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, v.VisitorID, body.VisitorID)
	require.Len(t, body.Assignments, 1)
	assert.Equal(t, v.VisitorID, body.Assignments[0].ParticipantID)
}

func TestServer_ReplaceExperiments(t *testing.T) {
	env := newTestEnv(t)

	err := env.server.ReplaceExperiments([]experiment.Definition{
		{ID: "hero-cta", Variants: []string{"control", "urgency"}, Weights: []float64{0.5, 0.5}},
	})
	require.NoError(t, err)

	defs := decode[[]experiment.Definition](t, env.do(t, http.MethodGet, "/api/experiments", "", ""))
	require.Len(t, defs, 1)
	assert.Equal(t, "hero-cta", defs[0].ID)

	err = env.server.ReplaceExperiments([]experiment.Definition{{ID: "bad"}})
	assert.Error(t, err)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	reg, err := experiment.NewRegistry()
	require.NoError(t, err)
	s := New(Options{
		Store:    kv.New(kv.NewMemoryBackend()),
		Registry: reg,
		Tokens:   visitor.NewTokens([]byte("secret-secret-secret-secret")),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
