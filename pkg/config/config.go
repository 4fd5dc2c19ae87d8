// Package config provides configuration loading and validation for the
// mirrord binary.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Source types.
const (
	// SourceTypeHTTP polls a snapshot endpoint over HTTP.
	SourceTypeHTTP = "http"

	// SourceTypeWebSocket streams updates over a WebSocket session.
	SourceTypeWebSocket = "websocket"
)

// DefaultMetricsAddress is used when metrics are enabled without an
// explicit listen address.
const DefaultMetricsAddress = ":9090"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Source configures the data source the replica mirrors
	Source SourceConfig `yaml:"source"`

	// Retry configures the full-resync retry policy
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// Store configures optional snapshot persistence
	Store *StoreConfig `yaml:"store,omitempty"`

	// Metrics configures the metrics endpoint
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// SourceConfig defines the data source configuration
type SourceConfig struct {
	// Type is the source type (http or websocket)
	Type string `yaml:"type"`

	// Type-specific configurations (only one should be set)
	HTTP      *HTTPSourceConfig      `yaml:"http,omitempty"`
	WebSocket *WebSocketSourceConfig `yaml:"websocket,omitempty"`
}

// HTTPSourceConfig defines HTTP polling source settings
type HTTPSourceConfig struct {
	// Endpoint is the snapshot URL (http or https)
	Endpoint string `yaml:"endpoint"`

	// Interval is the polling interval (e.g. "10s")
	Interval string `yaml:"interval,omitempty"`

	// Timeout is the per-request timeout (e.g. "15s")
	Timeout string `yaml:"timeout,omitempty"`
}

// WebSocketSourceConfig defines WebSocket streaming source settings
type WebSocketSourceConfig struct {
	// URL is the stream URL (ws or wss)
	URL string `yaml:"url"`

	// HandshakeTimeout bounds the WebSocket handshake (e.g. "10s")
	HandshakeTimeout string `yaml:"handshakeTimeout,omitempty"`
}

// RetryConfig bounds the full-resync retry loop
type RetryConfig struct {
	// MaxAttempts is the total attempt budget, including the first
	MaxAttempts uint `yaml:"maxAttempts,omitempty"`

	// InitialInterval is the delay before the second attempt (e.g. "500ms")
	InitialInterval string `yaml:"initialInterval,omitempty"`

	// MaxInterval caps the inter-attempt delay (e.g. "30s")
	MaxInterval string `yaml:"maxInterval,omitempty"`

	// Multiplier is the backoff growth factor
	Multiplier float64 `yaml:"multiplier,omitempty"`
}

// StoreConfig defines snapshot persistence settings
type StoreConfig struct {
	// Path is the snapshot file location
	Path string `yaml:"path"`
}

// MetricsConfig defines the metrics endpoint settings
type MetricsConfig struct {
	// Enabled turns the Prometheus metrics endpoint on
	Enabled bool `yaml:"enabled"`

	// Address is the listen address for the metrics endpoint
	Address string `yaml:"address,omitempty"`
}

// Load reads and validates a configuration
func Load(opts ...Option) (*Config, error) {
	loader := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loader); err != nil {
			return nil, err
		}
	}
	if loader.path == "" {
		return nil, fmt.Errorf("no configuration source provided")
	}

	data, err := os.ReadFile(loader.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency and applies defaults
func (c *Config) Validate() error {
	if err := c.Source.validate(); err != nil {
		return err
	}
	if c.Retry != nil {
		if err := c.Retry.validate(); err != nil {
			return err
		}
	}
	if c.Store != nil && c.Store.Path == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	if c.Metrics != nil && c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	return nil
}

func (s *SourceConfig) validate() error {
	switch s.Type {
	case SourceTypeHTTP:
		if s.HTTP == nil {
			return fmt.Errorf("http configuration is required for source type %q", SourceTypeHTTP)
		}
		if err := validateURL(s.HTTP.Endpoint, "http", "https"); err != nil {
			return fmt.Errorf("invalid http endpoint: %w", err)
		}
		if err := validateDuration(s.HTTP.Interval); err != nil {
			return fmt.Errorf("invalid http interval: %w", err)
		}
		if err := validateDuration(s.HTTP.Timeout); err != nil {
			return fmt.Errorf("invalid http timeout: %w", err)
		}
	case SourceTypeWebSocket:
		if s.WebSocket == nil {
			return fmt.Errorf("websocket configuration is required for source type %q", SourceTypeWebSocket)
		}
		if err := validateURL(s.WebSocket.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("invalid websocket url: %w", err)
		}
		if err := validateDuration(s.WebSocket.HandshakeTimeout); err != nil {
			return fmt.Errorf("invalid websocket handshakeTimeout: %w", err)
		}
	case "":
		return fmt.Errorf("source type is required")
	default:
		return fmt.Errorf("unsupported source type: %q", s.Type)
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if err := validateDuration(r.InitialInterval); err != nil {
		return fmt.Errorf("invalid retry initialInterval: %w", err)
	}
	if err := validateDuration(r.MaxInterval); err != nil {
		return fmt.Errorf("invalid retry maxInterval: %w", err)
	}
	if r.Multiplier != 0 && r.Multiplier <= 1 {
		return fmt.Errorf("retry multiplier must be greater than 1, got %v", r.Multiplier)
	}
	return nil
}

// ParseDuration parses an optional duration string, returning fallback
// when the string is empty.
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", value, err)
	}
	return d, nil
}

func validateDuration(value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %q", value)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("url scheme must be one of %v, got %q", schemes, parsed.Scheme)
}
