// Package config loads and validates the curasync YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Defaults and limits applied by [Load].
const (
	DefaultRequestTimeout  = 15 * time.Second
	DefaultSyncInterval    = 60 * time.Second
	DefaultBatchSize       = 50
	DefaultMaxPushAttempts = 5
	DefaultProbeInterval   = 15 * time.Second

	MinSyncInterval = 10 * time.Second
	MaxSyncInterval = time.Hour
	MaxBatchSize    = 500
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// RemoteURL is the base URL of the remote service (e.g. "https://api.example.com").
	RemoteURL string `yaml:"remote_url"`

	// RemoteToken is the bearer token sent on every request.
	RemoteToken string `yaml:"remote_token"`

	// RequestTimeout bounds a single HTTP request. Defaults to 15s.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// SyncInterval is the period of the background quick sync.
	// Minimum 10s, maximum 1h. Defaults to 60s if unset.
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`

	// BatchSize is the page size of a pull, 1–500. Defaults to 50.
	BatchSize int `yaml:"batch_size,omitempty"`

	// MaxPushAttempts is how many validation rejections a record survives
	// before it is parked as failed. Defaults to 5.
	MaxPushAttempts int `yaml:"max_push_attempts,omitempty"`

	// ProbeInterval controls how often the daemon checks reachability of the
	// remote host. Defaults to 15s.
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty"`

	// DBPath overrides the record store location. Defaults to
	// $XDG_DATA_HOME/curasync/records.db.
	DBPath string `yaml:"db_path,omitempty"`

	// LogFile, when set, makes the daemon write logs to a rotating file
	// instead of stderr.
	LogFile string `yaml:"log_file,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "curasync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path under the XDG config
// directory, e.g. ~/.config/curasync/config.yaml.
func DefaultPath() (string, error) {
	path, err := xdg.ConfigFile(filepath.Join("curasync", "config.yaml"))
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return path, nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates the configuration and saves it to path with owner-only
// permissions, since it carries the remote token.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	u, err := url.ParseRequestURI(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote_url %q must be a valid http or https URL", c.RemoteURL)
	}

	if c.RemoteToken == "" {
		return fmt.Errorf("remote_token is required")
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout %v must be positive", c.RequestTimeout)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.SyncInterval < MinSyncInterval {
		return fmt.Errorf("sync_interval %v is too short (minimum %v)", c.SyncInterval, MinSyncInterval)
	}
	if c.SyncInterval > MaxSyncInterval {
		return fmt.Errorf("sync_interval %v is too long (maximum %v)", c.SyncInterval, MaxSyncInterval)
	}

	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size %d is out of range (1–%d)", c.BatchSize, MaxBatchSize)
	}

	if c.MaxPushAttempts == 0 {
		c.MaxPushAttempts = DefaultMaxPushAttempts
	}
	if c.MaxPushAttempts < 1 {
		return fmt.Errorf("max_push_attempts %d must be at least 1", c.MaxPushAttempts)
	}

	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ProbeInterval < time.Second {
		return fmt.Errorf("probe_interval %v is too short (minimum 1s)", c.ProbeInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
