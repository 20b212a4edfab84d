// ABOUTME: Configuration loading and parsing for abkit
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/abkit/internal/experiment"
)

// Config represents the complete abkit configuration
type Config struct {
	Server      ServerConfig            `yaml:"server" toml:"server"`
	Storage     StorageConfig           `yaml:"storage" toml:"storage"`
	Auth        AuthConfig              `yaml:"auth" toml:"auth"`
	Analytics   AnalyticsConfig         `yaml:"analytics" toml:"analytics"`
	Results     ResultsConfig           `yaml:"results" toml:"results"`
	Logging     LoggingConfig           `yaml:"logging" toml:"logging"`
	Experiments []experiment.Definition `yaml:"experiments" toml:"experiments"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// VisitorCacheTTL bounds how long an idle visitor's engine stays in memory
	VisitorCacheTTL    time.Duration `yaml:"-" toml:"-"`
	VisitorCacheTTLRaw string        `yaml:"visitor_cache_ttl" toml:"visitor_cache_ttl"`
	VisitorCacheSize   int           `yaml:"visitor_cache_size" toml:"visitor_cache_size"`
}

// StorageConfig selects and configures the durable key-value backend
type StorageConfig struct {
	Backend   string      `yaml:"backend" toml:"backend"` // sqlite, redis or memory
	Path      string      `yaml:"path" toml:"path"`
	Namespace string      `yaml:"namespace" toml:"namespace"`
	Redis     RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig holds connection settings for a Redis server
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// AuthConfig holds visitor token configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	// TokenTTL of zero issues tokens without expiry
	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// AnalyticsConfig holds event pipeline configuration
type AnalyticsConfig struct {
	EventLimit       int        `yaml:"event_limit" toml:"event_limit"`
	ConversionLimit  int        `yaml:"conversion_limit" toml:"conversion_limit"`
	DeliveryAttempts uint       `yaml:"delivery_attempts" toml:"delivery_attempts"`
	Sink             SinkConfig `yaml:"sink" toml:"sink"`

	EventExpiry      time.Duration `yaml:"-" toml:"-"`
	DeliveryDelay    time.Duration `yaml:"-" toml:"-"`
	EventExpiryRaw   string        `yaml:"event_expiry" toml:"event_expiry"`
	DeliveryDelayRaw string        `yaml:"delivery_delay" toml:"delivery_delay"`
}

// SinkConfig selects where captured events are forwarded
type SinkConfig struct {
	Type  string          `yaml:"type" toml:"type"` // none, log, http, kafka, amqp or redis
	HTTP  HTTPSinkConfig  `yaml:"http" toml:"http"`
	Kafka KafkaSinkConfig `yaml:"kafka" toml:"kafka"`
	AMQP  AMQPSinkConfig  `yaml:"amqp" toml:"amqp"`
	Redis RedisSinkConfig `yaml:"redis" toml:"redis"`
}

// HTTPSinkConfig posts PostHog-style batches to an endpoint
type HTTPSinkConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	APIKey   string `yaml:"api_key" toml:"api_key"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// KafkaSinkConfig publishes events to a Kafka topic
type KafkaSinkConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// AMQPSinkConfig publishes events to an AMQP exchange
type AMQPSinkConfig struct {
	URL        string `yaml:"url" toml:"url"`
	Exchange   string `yaml:"exchange" toml:"exchange"`
	RoutingKey string `yaml:"routing_key" toml:"routing_key"`
}

// RedisSinkConfig appends events to a Redis stream
type RedisSinkConfig struct {
	RedisConfig `yaml:",inline"`
	Stream      string `yaml:"stream" toml:"stream"`
	MaxLen      int64  `yaml:"max_len" toml:"max_len"`
}

// ResultsConfig tunes the results aggregator
type ResultsConfig struct {
	// Threshold is the improvement in percentage points flagged as significant
	Threshold float64 `yaml:"threshold" toml:"threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.Server.VisitorCacheTTL == 0 {
		cfg.Server.VisitorCacheTTL = 30 * time.Minute
	}
	if cfg.Server.VisitorCacheSize == 0 {
		cfg.Server.VisitorCacheSize = 10000
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "abkit_"
	}
	if cfg.Analytics.EventLimit == 0 {
		cfg.Analytics.EventLimit = 1000
	}
	if cfg.Analytics.ConversionLimit == 0 {
		cfg.Analytics.ConversionLimit = 100
	}
	if cfg.Analytics.EventExpiry == 0 {
		cfg.Analytics.EventExpiry = 7 * 24 * time.Hour
	}
	if cfg.Analytics.DeliveryAttempts == 0 {
		cfg.Analytics.DeliveryAttempts = 3
	}
	if cfg.Analytics.DeliveryDelay == 0 {
		cfg.Analytics.DeliveryDelay = 250 * time.Millisecond
	}
	if cfg.Analytics.Sink.Type == "" {
		cfg.Analytics.Sink.Type = "none"
	}
	if cfg.Analytics.Sink.HTTP.Timeout == 0 {
		cfg.Analytics.Sink.HTTP.Timeout = 10 * time.Second
	}
	if cfg.Analytics.Sink.Redis.Stream == "" {
		cfg.Analytics.Sink.Redis.Stream = "abkit:events"
	}
	if cfg.Results.Threshold == 0 {
		cfg.Results.Threshold = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not one of sqlite, redis, memory", c.Storage.Backend)
	}

	if c.Analytics.EventLimit < 0 || c.Analytics.ConversionLimit < 0 {
		return fmt.Errorf("analytics limits must not be negative")
	}

	switch c.Analytics.Sink.Type {
	case "none", "log":
	case "http":
		if c.Analytics.Sink.HTTP.Endpoint == "" {
			return fmt.Errorf("analytics.sink.http.endpoint is required for the http sink")
		}
	case "kafka":
		if len(c.Analytics.Sink.Kafka.Brokers) == 0 || c.Analytics.Sink.Kafka.Topic == "" {
			return fmt.Errorf("analytics.sink.kafka.brokers and topic are required for the kafka sink")
		}
	case "amqp":
		if c.Analytics.Sink.AMQP.URL == "" {
			return fmt.Errorf("analytics.sink.amqp.url is required for the amqp sink")
		}
	case "redis":
		if c.Analytics.Sink.Redis.Addr == "" {
			return fmt.Errorf("analytics.sink.redis.addr is required for the redis sink")
		}
	default:
		return fmt.Errorf("analytics.sink.type %q is not one of none, log, http, kafka, amqp, redis", c.Analytics.Sink.Type)
	}

	if c.Results.Threshold < 0 {
		return fmt.Errorf("results.threshold must not be negative")
	}

	if _, err := experiment.NewRegistry(c.Experiments...); err != nil {
		return fmt.Errorf("experiments: %w", err)
	}

	return nil
}

// Registry builds an experiment registry from the configured definitions.
func (c *Config) Registry() (*experiment.Registry, error) {
	return experiment.NewRegistry(c.Experiments...)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.visitor_cache_ttl", cfg.Server.VisitorCacheTTLRaw, &cfg.Server.VisitorCacheTTL},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"analytics.event_expiry", cfg.Analytics.EventExpiryRaw, &cfg.Analytics.EventExpiry},
		{"analytics.delivery_delay", cfg.Analytics.DeliveryDelayRaw, &cfg.Analytics.DeliveryDelay},
		{"analytics.sink.http.timeout", cfg.Analytics.Sink.HTTP.TimeoutRaw, &cfg.Analytics.Sink.HTTP.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// Path returns the path to the abkit config file.
// Priority: ABKIT_CONFIG env var > XDG_CONFIG_HOME/abkit/abkit.yaml > ~/.config/abkit/abkit.yaml
func Path() string {
	if envPath := os.Getenv("ABKIT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "abkit.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "abkit", "abkit.yaml")
}
