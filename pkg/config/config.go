package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/store"
)

// Config holds all application configuration
type Config struct {
	Engine        EngineConfig
	Sandbox       SandboxConfig
	Server        ServerConfig
	Store         store.Config
	Sources       SourcesConfig
	Observability ObservabilityConfig
}

// EngineConfig holds scheduler and registry settings
type EngineConfig struct {
	// BufferSize is the queue depth of each priority level.
	BufferSize int
	// Slots is the number of tasks executing at once.
	Slots        int
	Backpressure string // "reject" or "block"

	PluginDir       string
	WatchPlugins    bool
	LoadParallelism int

	// BreakerThreshold is the number of consecutive traps that disables a plugin. Zero disables the breaker.
	BreakerThreshold int

	// Cron specs for maintenance jobs. Empty disables the job.
	RescanSchedule   string
	StatsLogSchedule string

	ModuleCacheSize int
	ModuleCacheTTL  time.Duration

	// Interpreter runs plugins on the wazero interpreter instead of the compiler.
	Interpreter bool
}

// SandboxConfig holds the default per-call limits
type SandboxConfig struct {
	Limits        sandbox.Limits
	MaxModuleSize int
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Enabled         bool
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64

	// RateLimit is the number of API requests per minute each client may
	// make. Zero disables rate limiting.
	RateLimit      int
	RateLimitBurst int
}

// SourcesConfig holds event source settings. Empty URLs disable a source.
type SourcesConfig struct {
	RedisURL     string
	RedisList    string
	RedisTimeout time.Duration

	AMQPURL      string
	AMQPQueue    string
	AMQPPrefetch int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	sandboxCfg, err := loadSandboxConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Engine:        loadEngineConfig(),
		Sandbox:       sandboxCfg,
		Server:        loadServerConfig(),
		Store:         loadStoreConfig(),
		Sources:       loadSourcesConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no environment is set
func Default() *Config {
	sandboxCfg, _ := loadSandboxConfigFrom(func(string) string { return "" })
	return &Config{
		Engine:  defaultEngineConfig(),
		Sandbox: sandboxCfg,
		Server:  defaultServerConfig(),
		Store:   store.DefaultConfig(),
		Sources: SourcesConfig{
			RedisList:    "zenith:events",
			RedisTimeout: 5 * time.Second,
			AMQPQueue:    "zenith.events",
			AMQPPrefetch: 64,
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.InfoLevel,
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "zenithd",
			OTelServiceVersion: "dev",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		BufferSize:       1024,
		Slots:            4,
		Backpressure:     "reject",
		PluginDir:        "",
		WatchPlugins:     true,
		LoadParallelism:  4,
		BreakerThreshold: 5,
		RescanSchedule:   "@every 5m",
		StatsLogSchedule: "@every 1m",
		ModuleCacheSize:  128,
		ModuleCacheTTL:   time.Hour,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:         true,
		Host:            "0.0.0.0",
		Port:            "8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxUploadBytes:  int64(sandbox.DefaultMaxModuleSize),
		RateLimit:       600,
		RateLimitBurst:  100,
	}
}

// loadEngineConfig loads engine configuration from environment
func loadEngineConfig() EngineConfig {
	d := defaultEngineConfig()
	return EngineConfig{
		BufferSize:       getEnvInt("ZENITH_BUFFER_SIZE", d.BufferSize),
		Slots:            getEnvInt("ZENITH_SLOTS", d.Slots),
		Backpressure:     strings.ToLower(getEnv("ZENITH_BACKPRESSURE", d.Backpressure)),
		PluginDir:        getEnv("ZENITH_PLUGIN_DIR", d.PluginDir),
		WatchPlugins:     getEnvBool("ZENITH_WATCH_PLUGINS", d.WatchPlugins),
		LoadParallelism:  getEnvInt("ZENITH_LOAD_PARALLELISM", d.LoadParallelism),
		BreakerThreshold: getEnvInt("ZENITH_BREAKER_THRESHOLD", d.BreakerThreshold),
		RescanSchedule:   getEnv("ZENITH_RESCAN_SCHEDULE", d.RescanSchedule),
		StatsLogSchedule: getEnv("ZENITH_STATS_LOG_SCHEDULE", d.StatsLogSchedule),
		ModuleCacheSize:  getEnvInt("ZENITH_MODULE_CACHE_SIZE", d.ModuleCacheSize),
		ModuleCacheTTL:   getEnvDuration("ZENITH_MODULE_CACHE_TTL", d.ModuleCacheTTL),
		Interpreter:      getEnvBool("ZENITH_INTERPRETER", d.Interpreter),
	}
}

// loadSandboxConfig loads the default sandbox limits from environment
func loadSandboxConfig() (SandboxConfig, error) {
	return loadSandboxConfigFrom(os.Getenv)
}

func loadSandboxConfigFrom(get func(string) string) (SandboxConfig, error) {
	limits := sandbox.DefaultLimits()

	if v := get("ZENITH_CPU_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return SandboxConfig{}, fmt.Errorf("ZENITH_CPU_BUDGET: %w", err)
		}
		limits.CPUBudget = d
	}
	if v := get("ZENITH_WALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return SandboxConfig{}, fmt.Errorf("ZENITH_WALL_TIMEOUT: %w", err)
		}
		limits.WallTimeout = d
	}
	if v := get("ZENITH_MEMORY_CEILING"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return SandboxConfig{}, fmt.Errorf("ZENITH_MEMORY_CEILING: %w", err)
		}
		limits.MemoryCeiling = n
	}
	if v := get("ZENITH_MAX_HOST_CALLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return SandboxConfig{}, fmt.Errorf("ZENITH_MAX_HOST_CALLS: %w", err)
		}
		limits.MaxHostCalls = n
	}
	if v := get("ZENITH_HOST_CALL_CEILING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return SandboxConfig{}, fmt.Errorf("ZENITH_HOST_CALL_CEILING: %w", err)
		}
		limits.HostCallCeiling = n
	}
	policy, err := sandbox.ParseQuotaPolicy(get("ZENITH_QUOTA_POLICY"))
	if err != nil {
		return SandboxConfig{}, fmt.Errorf("ZENITH_QUOTA_POLICY: %w", err)
	}
	limits.QuotaPolicy = policy

	maxSize := sandbox.DefaultMaxModuleSize
	if v := get("ZENITH_MAX_MODULE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return SandboxConfig{}, fmt.Errorf("ZENITH_MAX_MODULE_SIZE: %w", err)
		}
		maxSize = n
	}

	return SandboxConfig{Limits: limits, MaxModuleSize: maxSize}, nil
}

// loadServerConfig loads admin server configuration from environment
func loadServerConfig() ServerConfig {
	d := defaultServerConfig()
	return ServerConfig{
		Enabled:         getEnvBool("ZENITH_ADMIN_ENABLED", d.Enabled),
		Host:            getEnv("ZENITH_HOST", d.Host),
		Port:            getEnv("ZENITH_PORT", d.Port),
		ReadTimeout:     getEnvDuration("ZENITH_READ_TIMEOUT", d.ReadTimeout),
		WriteTimeout:    getEnvDuration("ZENITH_WRITE_TIMEOUT", d.WriteTimeout),
		IdleTimeout:     getEnvDuration("ZENITH_IDLE_TIMEOUT", d.IdleTimeout),
		ShutdownTimeout: getEnvDuration("ZENITH_SHUTDOWN_TIMEOUT", d.ShutdownTimeout),
		MaxUploadBytes:  getEnvInt64("ZENITH_MAX_UPLOAD_BYTES", d.MaxUploadBytes),
		RateLimit:       getEnvInt("ZENITH_RATE_LIMIT", d.RateLimit),
		RateLimitBurst:  getEnvInt("ZENITH_RATE_LIMIT_BURST", d.RateLimitBurst),
	}
}

// loadStoreConfig loads state store configuration from environment
func loadStoreConfig() store.Config {
	cfg := store.DefaultConfig()

	if driver := getEnv("ZENITH_STORE_DRIVER", ""); driver != "" {
		cfg.Driver = strings.ToLower(driver)
	}
	if dsn := getEnv("ZENITH_STORE_DSN", ""); dsn != "" {
		cfg.DSN = dsn
	}
	if maxConns := getEnvInt("ZENITH_STORE_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxOpenConns = maxConns
	}
	if timeout := getEnvDuration("ZENITH_STORE_TIMEOUT", 0); timeout > 0 {
		cfg.ConnTimeout = timeout
	}

	// Blob config
	if blobType := getEnv("ZENITH_BLOB_TYPE", ""); blobType != "" {
		cfg.BlobType = strings.ToLower(blobType)
	}
	if blobRoot := getEnv("ZENITH_BLOB_ROOT", ""); blobRoot != "" {
		cfg.BlobRoot = blobRoot
	}

	// S3 config
	if s3Endpoint := getEnv("ZENITH_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("ZENITH_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("ZENITH_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3Prefix := getEnv("ZENITH_S3_PREFIX", ""); s3Prefix != "" {
		cfg.S3Prefix = s3Prefix
	}
	if s3AccessKey := getEnv("ZENITH_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("ZENITH_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	cfg.S3UsePathStyle = getEnvBool("ZENITH_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	return cfg
}

// loadSourcesConfig loads event source configuration from environment
func loadSourcesConfig() SourcesConfig {
	return SourcesConfig{
		RedisURL:     getEnv("ZENITH_REDIS_URL", ""),
		RedisList:    getEnv("ZENITH_REDIS_LIST", "zenith:events"),
		RedisTimeout: getEnvDuration("ZENITH_REDIS_TIMEOUT", 5*time.Second),
		AMQPURL:      getEnv("ZENITH_AMQP_URL", ""),
		AMQPQueue:    getEnv("ZENITH_AMQP_QUEUE", "zenith.events"),
		AMQPPrefetch: getEnvInt("ZENITH_AMQP_PREFETCH", 64),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("ZENITH_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ZENITH_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ZENITH_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ZENITH_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ZENITH_OTEL_SERVICE_NAME", "zenithd"),
		OTelServiceVersion: getEnv("ZENITH_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("ZENITH_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("ZENITH_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	if c.Engine.Slots <= 0 {
		return fmt.Errorf("slots must be positive")
	}
	switch c.Engine.Backpressure {
	case "reject", "block":
	default:
		return fmt.Errorf("invalid backpressure: %s (must be reject or block)", c.Engine.Backpressure)
	}
	if c.Engine.LoadParallelism <= 0 {
		return fmt.Errorf("load parallelism must be positive")
	}
	if c.Engine.BreakerThreshold < 0 {
		return fmt.Errorf("breaker threshold cannot be negative")
	}

	if err := c.Sandbox.Limits.Validate(); err != nil {
		return fmt.Errorf("sandbox limits: %w", err)
	}
	if c.Sandbox.MaxModuleSize <= 0 {
		return fmt.Errorf("max module size must be positive")
	}

	if c.Server.Enabled && c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.RateLimit < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if c.Sources.RedisURL != "" && c.Sources.RedisList == "" {
		return fmt.Errorf("redis list is required when a redis source is configured")
	}
	if c.Sources.AMQPURL != "" && c.Sources.AMQPQueue == "" {
		return fmt.Errorf("AMQP queue is required when an AMQP source is configured")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %g", r)
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	return observability.ParseLogLevel(level)
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
