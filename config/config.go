// Package config defines the streamhub application configuration: JSON file
// loading with defaults, environment overrides, and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Backpressure policy constants for slow consumers
const (
	BackpressureBlock = "block" // writes wait for the transport, bounded by write_timeout
	BackpressureDrop  = "drop"  // writes past the deadline are dropped and reported
	BackpressureClose = "close" // writes past the deadline close the session
)

// Config represents the complete application configuration
type Config struct {
	Platform PlatformConfig `json:"platform"`
	Hub      HubConfig      `json:"hub"`
	NATS     NATSConfig     `json:"nats"`
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
}

// PlatformConfig defines process identity, used for origin tagging of
// cross-process broadcasts
type PlatformConfig struct {
	ID          string `json:"id"`                    // process identifier (e.g., "hub-west-1")
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// HubConfig defines the streaming engine settings
type HubConfig struct {
	// CapacityPerStream bounds the per-stream replay ring (entry count, not time)
	CapacityPerStream int `json:"capacity_per_stream,omitempty"`
	// SequenceOrigin is the first event id assigned on a fresh stream
	SequenceOrigin uint64 `json:"sequence_origin,omitempty"`
	// PublishTimeout bounds distributed adapter publishes
	PublishTimeout time.Duration `json:"publish_timeout,omitempty"`
	// WriteTimeout bounds a single transport write to one session
	WriteTimeout time.Duration `json:"write_timeout,omitempty"`
	// Backpressure selects the slow-consumer policy: block, drop, or close
	Backpressure string `json:"backpressure,omitempty"`
	// KeepRoomsWarm keeps a room's remote subscription after the last local
	// member leaves instead of tearing it down
	KeepRoomsWarm bool `json:"keep_rooms_warm,omitempty"`
	// RetryHint is the reconnect delay suggested to clients on connect (0 = none)
	RetryHint time.Duration `json:"retry_hint,omitempty"`
}

// NATSConfig defines NATS connection settings for the bridged adapter
type NATSConfig struct {
	Enabled       bool          `json:"enabled"`
	URL           string        `json:"url,omitempty"`
	SubjectPrefix string        `json:"subject_prefix,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// HTTPConfig defines the listener settings for client-facing transports
type HTTPConfig struct {
	SSEPort       int    `json:"sse_port,omitempty"`
	SSEPath       string `json:"sse_path,omitempty"`
	WebSocketPort int    `json:"websocket_port,omitempty"`
	WebSocketPath string `json:"websocket_path,omitempty"`
	MetricsPort   int    `json:"metrics_port,omitempty"`
	MetricsPath   string `json:"metrics_path,omitempty"`
}

// LoggingConfig defines log output settings
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			ID:          "streamhub-local",
			Environment: "dev",
		},
		Hub: HubConfig{
			CapacityPerStream: 1000,
			SequenceOrigin:    1,
			PublishTimeout:    2 * time.Second,
			WriteTimeout:      5 * time.Second,
			Backpressure:      BackpressureDrop,
			KeepRoomsWarm:     false,
			RetryHint:         3 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "streamhub.rooms",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			SSEPort:       8080,
			SSEPath:       "/events",
			WebSocketPort: 8081,
			WebSocketPath: "/ws",
			MetricsPort:   9090,
			MetricsPath:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a JSON file layered over defaults, then
// applies environment overrides and validates. An empty path loads defaults
// plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}

		// Durations in the file are written as strings ("5s"), so decode
		// through an intermediate map and normalize before unmarshaling.
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		normalizeDurations(raw)

		normalized, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize config file %s: %w", path, err)
		}
		if err := json.Unmarshal(normalized, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// durationKeys are config fields accepted as Go duration strings.
var durationKeys = map[string]bool{
	"publish_timeout": true,
	"write_timeout":   true,
	"retry_hint":      true,
	"reconnect_wait":  true,
}

// normalizeDurations rewrites duration strings to nanosecond integers so the
// typed unmarshal succeeds.
func normalizeDurations(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			normalizeDurations(val)
		case string:
			if durationKeys[k] {
				if d, err := time.ParseDuration(val); err == nil {
					m[k] = int64(d)
				}
			}
		}
	}
}

// applyEnvOverrides layers STREAMHUB_* environment variables over the config
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STREAMHUB_PLATFORM_ID"); v != "" {
		cfg.Platform.ID = v
	}
	if v := os.Getenv("STREAMHUB_NATS_URL"); v != "" {
		cfg.NATS.URL = v
		cfg.NATS.Enabled = true
	}
	if v := os.Getenv("STREAMHUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STREAMHUB_SSE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.SSEPort = port
		}
	}
	if v := os.Getenv("STREAMHUB_CAPACITY_PER_STREAM"); v != "" {
		if capacity, err := strconv.Atoi(v); err == nil {
			cfg.Hub.CapacityPerStream = capacity
		}
	}
}

// Validate checks if the config is valid and normalizes enum fields
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return errors.New("platform.id is required")
	}

	if c.Hub.CapacityPerStream <= 0 {
		return fmt.Errorf("hub.capacity_per_stream must be positive, got %d", c.Hub.CapacityPerStream)
	}
	if c.Hub.SequenceOrigin == 0 {
		return errors.New("hub.sequence_origin must be at least 1")
	}
	if c.Hub.PublishTimeout <= 0 {
		return errors.New("hub.publish_timeout must be positive")
	}
	if c.Hub.WriteTimeout <= 0 {
		return errors.New("hub.write_timeout must be positive")
	}

	c.Hub.Backpressure = strings.ToLower(c.Hub.Backpressure)
	switch c.Hub.Backpressure {
	case BackpressureBlock, BackpressureDrop, BackpressureClose:
	default:
		return fmt.Errorf("hub.backpressure must be one of block, drop, close; got %q", c.Hub.Backpressure)
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return errors.New("nats.url is required when nats.enabled is true")
		}
		if c.NATS.SubjectPrefix == "" {
			return errors.New("nats.subject_prefix is required when nats.enabled is true")
		}
		if !isValidSubjectPrefix(c.NATS.SubjectPrefix) {
			return fmt.Errorf("nats.subject_prefix %q is not valid for NATS subjects", c.NATS.SubjectPrefix)
		}
	}

	if err := validatePort("http.sse_port", c.HTTP.SSEPort); err != nil {
		return err
	}
	if err := validatePort("http.websocket_port", c.HTTP.WebSocketPort); err != nil {
		return err
	}
	if err := validatePort("http.metrics_port", c.HTTP.MetricsPort); err != nil {
		return err
	}

	return nil
}

// validatePort accepts 0 (disabled / random port in tests) or 1024-65535
func validatePort(field string, port int) error {
	if port != 0 && (port < 1024 || port > 65535) {
		return fmt.Errorf("%s %d out of range 1024-65535", field, port)
	}
	return nil
}

// isValidSubjectPrefix checks if a string is valid as a NATS subject prefix.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidSubjectPrefix(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') &&
			r != '.' && r != '-' && r != '_' {
			return false
		}
	}
	return !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".")
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
