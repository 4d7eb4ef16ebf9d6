package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "streamhub-local", cfg.Platform.ID)
	assert.Equal(t, 1000, cfg.Hub.CapacityPerStream)
	assert.Equal(t, uint64(1), cfg.Hub.SequenceOrigin)
	assert.Equal(t, BackpressureDrop, cfg.Hub.Backpressure)
	assert.False(t, cfg.Hub.KeepRoomsWarm)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 8080, cfg.HTTP.SSEPort)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Hub.CapacityPerStream, cfg.Hub.CapacityPerStream)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{
		"platform": {"id": "hub-west-1", "environment": "prod"},
		"hub": {
			"capacity_per_stream": 250,
			"backpressure": "block",
			"write_timeout": "750ms",
			"retry_hint": "10s"
		},
		"http": {"sse_port": 9000}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hub-west-1", cfg.Platform.ID)
	assert.Equal(t, 250, cfg.Hub.CapacityPerStream)
	assert.Equal(t, BackpressureBlock, cfg.Hub.Backpressure)
	assert.Equal(t, 750*time.Millisecond, cfg.Hub.WriteTimeout)
	assert.Equal(t, 10*time.Second, cfg.Hub.RetryHint)
	assert.Equal(t, 9000, cfg.HTTP.SSEPort)

	// Fields the file does not mention keep their defaults.
	assert.Equal(t, uint64(1), cfg.Hub.SequenceOrigin)
	assert.Equal(t, "/events", cfg.HTTP.SSEPath)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeConfigFile(t, `{"platform": `)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := writeConfigFile(t, `{"hub": {"capacity_per_stream": -5}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity_per_stream")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STREAMHUB_PLATFORM_ID", "hub-env")
	t.Setenv("STREAMHUB_NATS_URL", "nats://broker:4222")
	t.Setenv("STREAMHUB_CAPACITY_PER_STREAM", "42")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "hub-env", cfg.Platform.ID)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, 42, cfg.Hub.CapacityPerStream)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"missing platform id", func(c *Config) { c.Platform.ID = "" }, "platform.id"},
		{"zero sequence origin", func(c *Config) { c.Hub.SequenceOrigin = 0 }, "sequence_origin"},
		{"negative capacity", func(c *Config) { c.Hub.CapacityPerStream = -1 }, "capacity_per_stream"},
		{"zero publish timeout", func(c *Config) { c.Hub.PublishTimeout = 0 }, "publish_timeout"},
		{"zero write timeout", func(c *Config) { c.Hub.WriteTimeout = 0 }, "write_timeout"},
		{"bad backpressure", func(c *Config) { c.Hub.Backpressure = "panic" }, "backpressure"},
		{"nats enabled without url", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.URL = ""
		}, "nats.url"},
		{"nats wildcard prefix", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.SubjectPrefix = "rooms.>"
		}, "subject_prefix"},
		{"sse port out of range", func(c *Config) { c.HTTP.SSEPort = 80 }, "sse_port"},
		{"metrics port out of range", func(c *Config) { c.HTTP.MetricsPort = 70000 }, "metrics_port"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), test.wantErr)
			}
		})
	}
}

func TestValidate_NormalizesBackpressureCase(t *testing.T) {
	cfg := Default()
	cfg.Hub.Backpressure = "CLOSE"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackpressureClose, cfg.Hub.Backpressure)
}

func TestClone(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()

	clone.Platform.ID = "mutated"
	clone.Hub.CapacityPerStream = 7

	assert.Equal(t, "streamhub-local", cfg.Platform.ID)
	assert.Equal(t, 1000, cfg.Hub.CapacityPerStream)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(Default())

	got := sc.Get()
	got.Platform.ID = "mutated"
	assert.Equal(t, "streamhub-local", sc.Get().Platform.ID, "Get should return a copy")

	next := Default()
	next.Platform.ID = "hub-east-1"
	require.NoError(t, sc.Update(next))
	assert.Equal(t, "hub-east-1", sc.Get().Platform.ID)

	bad := Default()
	bad.Hub.CapacityPerStream = 0
	require.Error(t, sc.Update(bad))
	assert.Equal(t, "hub-east-1", sc.Get().Platform.ID, "failed update should not replace config")

	require.Error(t, sc.Update(nil))
}
