// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, duration parsing and hot reload

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "abkit.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  visitor_cache_ttl: "10m"

storage:
  backend: sqlite
  path: "./abkit.db"
  namespace: "site_"

auth:
  jwt_secret: "secret"
  token_ttl: "720h"

analytics:
  event_limit: 500
  event_expiry: "48h"
  delivery_attempts: 5
  delivery_delay: "1s"
  sink:
    type: http
    http:
      endpoint: "https://posthog.example/batch"
      api_key: "phc_test"
      timeout: "3s"

results:
  threshold: 2.5

logging:
  level: "debug"
  format: "json"

experiments:
  - id: hero-cta
    variants: [control, urgency, value]
    weights: [0.34, 0.33, 0.33]
  - id: pricing-display
    variants: [control, value-focused]
    weights: [0.5, 0.5]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.VisitorCacheTTL != 10*time.Minute {
		t.Errorf("Server.VisitorCacheTTL = %v, want %v", cfg.Server.VisitorCacheTTL, 10*time.Minute)
	}
	if cfg.Storage.Path != "./abkit.db" {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, "./abkit.db")
	}
	if cfg.Storage.Namespace != "site_" {
		t.Errorf("Storage.Namespace = %q, want %q", cfg.Storage.Namespace, "site_")
	}
	if cfg.Auth.TokenTTL != 720*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, 720*time.Hour)
	}
	if cfg.Analytics.EventLimit != 500 {
		t.Errorf("Analytics.EventLimit = %d, want 500", cfg.Analytics.EventLimit)
	}
	if cfg.Analytics.EventExpiry != 48*time.Hour {
		t.Errorf("Analytics.EventExpiry = %v, want %v", cfg.Analytics.EventExpiry, 48*time.Hour)
	}
	if cfg.Analytics.DeliveryAttempts != 5 {
		t.Errorf("Analytics.DeliveryAttempts = %d, want 5", cfg.Analytics.DeliveryAttempts)
	}
	if cfg.Analytics.DeliveryDelay != time.Second {
		t.Errorf("Analytics.DeliveryDelay = %v, want %v", cfg.Analytics.DeliveryDelay, time.Second)
	}
	if cfg.Analytics.Sink.HTTP.Timeout != 3*time.Second {
		t.Errorf("Analytics.Sink.HTTP.Timeout = %v, want %v", cfg.Analytics.Sink.HTTP.Timeout, 3*time.Second)
	}
	if cfg.Results.Threshold != 2.5 {
		t.Errorf("Results.Threshold = %v, want 2.5", cfg.Results.Threshold)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}

	if len(cfg.Experiments) != 2 {
		t.Fatalf("Experiments len = %d, want 2", len(cfg.Experiments))
	}
	if cfg.Experiments[0].ID != "hero-cta" || len(cfg.Experiments[0].Variants) != 3 {
		t.Errorf("Experiments[0] = %+v", cfg.Experiments[0])
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}
	if _, ok := reg.Lookup("pricing-display"); !ok {
		t.Error("registry is missing pricing-display")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "abkit.yaml", `
storage:
  path: "./abkit.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Storage.Namespace != "abkit_" {
		t.Errorf("Storage.Namespace = %q, want abkit_", cfg.Storage.Namespace)
	}
	if cfg.Analytics.EventLimit != 1000 {
		t.Errorf("Analytics.EventLimit = %d, want 1000", cfg.Analytics.EventLimit)
	}
	if cfg.Analytics.ConversionLimit != 100 {
		t.Errorf("Analytics.ConversionLimit = %d, want 100", cfg.Analytics.ConversionLimit)
	}
	if cfg.Analytics.EventExpiry != 7*24*time.Hour {
		t.Errorf("Analytics.EventExpiry = %v, want 7 days", cfg.Analytics.EventExpiry)
	}
	if cfg.Analytics.Sink.Type != "none" {
		t.Errorf("Analytics.Sink.Type = %q, want none", cfg.Analytics.Sink.Type)
	}
	if cfg.Results.Threshold != 5 {
		t.Errorf("Results.Threshold = %v, want 5", cfg.Results.Threshold)
	}
	if cfg.Auth.TokenTTL != 0 {
		t.Errorf("Auth.TokenTTL = %v, want 0", cfg.Auth.TokenTTL)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "abkit.toml", `
[server]
http_addr = ":9090"

[storage]
backend = "redis"

[storage.redis]
addr = "localhost:6379"
db = 2

[analytics.sink]
type = "redis"

[analytics.sink.redis]
addr = "localhost:6379"
stream = "events"
max_len = 10000

[[experiments]]
id = "hero-cta"
variants = ["control", "urgency"]
weights = [0.5, 0.5]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, ":9090")
	}
	if cfg.Storage.Redis.DB != 2 {
		t.Errorf("Storage.Redis.DB = %d, want 2", cfg.Storage.Redis.DB)
	}
	if cfg.Analytics.Sink.Redis.Addr != "localhost:6379" {
		t.Errorf("Analytics.Sink.Redis.Addr = %q", cfg.Analytics.Sink.Redis.Addr)
	}
	if cfg.Analytics.Sink.Redis.MaxLen != 10000 {
		t.Errorf("Analytics.Sink.Redis.MaxLen = %d, want 10000", cfg.Analytics.Sink.Redis.MaxLen)
	}
	if len(cfg.Experiments) != 1 || cfg.Experiments[0].Weights[1] != 0.5 {
		t.Errorf("Experiments = %+v", cfg.Experiments)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_ABKIT_SECRET", "from-env")
	t.Setenv("TEST_ABKIT_DB", "/tmp/from-env.db")

	configPath := writeConfig(t, "abkit.yaml", `
storage:
  path: "${TEST_ABKIT_DB}"
auth:
  jwt_secret: "${TEST_ABKIT_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "from-env")
	}
	if cfg.Storage.Path != "/tmp/from-env.db" {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, "/tmp/from-env.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/abkit.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "abkit.yaml", "storage: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "abkit.yaml", `
storage:
  path: "./abkit.db"
analytics:
  event_expiry: "a week"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "analytics.event_expiry") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "sqlite without path",
			content: "storage:\n  backend: sqlite\n",
			wantErr: "storage.path",
		},
		{
			name:    "redis without addr",
			content: "storage:\n  backend: redis\n",
			wantErr: "storage.redis.addr",
		},
		{
			name:    "unknown backend",
			content: "storage:\n  backend: etcd\n",
			wantErr: "storage.backend",
		},
		{
			name:    "http sink without endpoint",
			content: "storage:\n  backend: memory\nanalytics:\n  sink:\n    type: http\n",
			wantErr: "endpoint",
		},
		{
			name:    "kafka sink without topic",
			content: "storage:\n  backend: memory\nanalytics:\n  sink:\n    type: kafka\n    kafka:\n      brokers: [localhost:9092]\n",
			wantErr: "kafka",
		},
		{
			name:    "unknown sink",
			content: "storage:\n  backend: memory\nanalytics:\n  sink:\n    type: carrier-pigeon\n",
			wantErr: "analytics.sink.type",
		},
		{
			name: "weights do not sum to one",
			content: `
storage:
  backend: memory
experiments:
  - id: bad
    variants: [a, b]
    weights: [0.5, 0.6]
`,
			wantErr: "experiments",
		},
		{
			name: "duplicate experiment",
			content: `
storage:
  backend: memory
experiments:
  - id: dup
    variants: [a]
    weights: [1]
  - id: dup
    variants: [a]
    weights: [1]
`,
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "abkit.yaml", tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "value")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_VAR}", "value"},
		{"prefix-${TEST_VAR}-suffix", "prefix-value-suffix"},
		{"${TEST_UNSET_VAR_ABKIT}", ""},
		{"no vars here", "no vars here"},
		{"${TEST_VAR}${TEST_VAR}", "valuevalue"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("ABKIT_CONFIG", "/etc/abkit/custom.yaml")
	if got := Path(); got != "/etc/abkit/custom.yaml" {
		t.Errorf("Path() = %q, want env override", got)
	}

	t.Setenv("ABKIT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := Path(); got != filepath.Join("/xdg", "abkit", "abkit.yaml") {
		t.Errorf("Path() = %q, want XDG location", got)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	configPath := writeConfig(t, "abkit.yaml", `
storage:
  backend: memory
experiments:
  - id: first
    variants: [a]
    weights: [1]
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, configPath, nil, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher a moment to register before writing
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is ignored
	if err := os.WriteFile(configPath, []byte("storage:\n  backend: nope\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(configPath, []byte(`
storage:
  backend: memory
experiments:
  - id: second
    variants: [a, b]
    weights: [0.5, 0.5]
`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if len(cfg.Experiments) == 1 && cfg.Experiments[0].ID == "second" {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Watch() error = %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
