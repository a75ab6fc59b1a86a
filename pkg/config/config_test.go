package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/store"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("ZENITH_TEST_STR", "custom")
	t.Setenv("ZENITH_TEST_BOOL", "1")
	t.Setenv("ZENITH_TEST_INT", "42")
	t.Setenv("ZENITH_TEST_BAD_INT", "forty")
	t.Setenv("ZENITH_TEST_INT64", "9000000000")
	t.Setenv("ZENITH_TEST_DURATION", "250ms")

	assert.Equal(t, "custom", getEnv("ZENITH_TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("ZENITH_TEST_UNSET", "default"))
	assert.True(t, getEnvBool("ZENITH_TEST_BOOL", false))
	assert.True(t, getEnvBool("ZENITH_TEST_UNSET", true))
	assert.Equal(t, 42, getEnvInt("ZENITH_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("ZENITH_TEST_BAD_INT", 7))
	assert.Equal(t, int64(9000000000), getEnvInt64("ZENITH_TEST_INT64", 0))
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("ZENITH_TEST_DURATION", time.Second))
	assert.Equal(t, observability.WarnLevel, parseLogLevel("warning"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Engine.BufferSize)
	assert.Equal(t, 4, cfg.Engine.Slots)
	assert.Equal(t, "reject", cfg.Engine.Backpressure)
	assert.Equal(t, sandbox.DefaultLimits(), cfg.Sandbox.Limits)
	assert.Equal(t, sandbox.DefaultMaxModuleSize, cfg.Sandbox.MaxModuleSize)
	assert.False(t, cfg.Store.Enabled())
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ZENITH_BUFFER_SIZE", "16")
	t.Setenv("ZENITH_SLOTS", "1")
	t.Setenv("ZENITH_BACKPRESSURE", "BLOCK")
	t.Setenv("ZENITH_PLUGIN_DIR", "/plugins")
	t.Setenv("ZENITH_INTERPRETER", "true")
	t.Setenv("ZENITH_CPU_BUDGET", "20ms")
	t.Setenv("ZENITH_MAX_HOST_CALLS", "10")
	t.Setenv("ZENITH_QUOTA_POLICY", "fatal")
	t.Setenv("ZENITH_STORE_DRIVER", "sqlite3")
	t.Setenv("ZENITH_STORE_DSN", "/tmp/state.db")
	t.Setenv("ZENITH_BLOB_ROOT", "/tmp/blobs")
	t.Setenv("ZENITH_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ZENITH_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.BufferSize)
	assert.Equal(t, 1, cfg.Engine.Slots)
	assert.Equal(t, "block", cfg.Engine.Backpressure)
	assert.Equal(t, "/plugins", cfg.Engine.PluginDir)
	assert.True(t, cfg.Engine.Interpreter)
	assert.Equal(t, 20*time.Millisecond, cfg.Sandbox.Limits.CPUBudget)
	assert.Equal(t, 10, cfg.Sandbox.Limits.MaxHostCalls)
	assert.Equal(t, sandbox.QuotaFatal, cfg.Sandbox.Limits.QuotaPolicy)
	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/blobs", cfg.Store.BlobRoot)
	assert.Equal(t, "zenith:events", cfg.Sources.RedisList)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestLoadConfig_BadSandboxValue(t *testing.T) {
	t.Setenv("ZENITH_CPU_BUDGET", "fast")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "ZENITH_CPU_BUDGET")

	t.Setenv("ZENITH_CPU_BUDGET", "")
	t.Setenv("ZENITH_QUOTA_POLICY", "lenient")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "ZENITH_QUOTA_POLICY")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero buffer", func(c *Config) { c.Engine.BufferSize = 0 }, "buffer size"},
		{"zero slots", func(c *Config) { c.Engine.Slots = 0 }, "slots"},
		{"bad backpressure", func(c *Config) { c.Engine.Backpressure = "drop" }, "invalid backpressure"},
		{"negative breaker", func(c *Config) { c.Engine.BreakerThreshold = -1 }, "breaker"},
		{"sample ratio above one", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelSampleRatio = 1.5
		}, "sample ratio"},
		{"bad limits", func(c *Config) { c.Sandbox.Limits.CPUBudget = 0 }, "sandbox limits"},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port"},
		{"admin disabled without port", func(c *Config) {
			c.Server.Enabled = false
			c.Server.Port = ""
		}, ""},
		{"store without dsn", func(c *Config) { c.Store.Driver = store.DriverPostgres }, "store"},
		{"amqp without queue", func(c *Config) {
			c.Sources.AMQPURL = "amqp://localhost"
			c.Sources.AMQPQueue = ""
		}, "AMQP queue"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "OpenTelemetry endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
