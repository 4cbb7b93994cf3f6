// Package config loads the proxy's operator configuration: YAML file,
// overlaid with environment variables, following the same
// default-then-file-then-env precedence the teacher codebase uses for its
// own configuration loader.
package config

import "time"

// Config is the full configuration for a proxy instance.
type Config struct {
	Server        ServerConfig        `yaml:"server" env:"SERVER"`
	Store         StoreConfig         `yaml:"store" env:"STORE"`
	Log           LogConfig           `yaml:"log" env:"LOG"`
	Observability ObservabilityConfig `yaml:"observability" env:"OBSERVABILITY"`
	Auth          AuthConfig          `yaml:"auth" env:"AUTH"`
	Routing       RoutingConfig       `yaml:"routing" env:"ROUTING"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" env:"TELEMETRY"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency" env:"IDEMPOTENCY"`
	Admin         AdminConfig         `yaml:"admin" env:"ADMIN"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// StoreConfig points at the two local databases of spec §6.
type StoreConfig struct {
	Driver       string `yaml:"driver" env:"DRIVER"` // sqlite, postgres, mysql
	DataDir      string `yaml:"data_dir" env:"DATA_DIR"`
	MachineDSN   string `yaml:"machine_dsn" env:"MACHINE_DSN"`
	UsageDSN     string `yaml:"usage_dsn" env:"USAGE_DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
}

// LogConfig controls zap construction.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// ObservabilityConfig mirrors the environment knobs of spec §6.
type ObservabilityConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	MaxRecords       int           `yaml:"max_records" env:"MAX_RECORDS"`
	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval    time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL_MS"`
	MaxJSONSizeBytes int           `yaml:"max_json_size_bytes" env:"MAX_JSON_SIZE"`
	MetricsAddr      string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
	OTLPEndpoint     string        `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
}

// AuthConfig controls API-key verification (spec §4.7).
type AuthConfig struct {
	RequireAPIKey bool   `yaml:"require_api_key" env:"REQUIRE_API_KEY"`
	CRCSecret     string `yaml:"crc_secret" env:"CRC_SECRET"`
}

// RoutingConfig controls fallback selection defaults (spec §4.3).
type RoutingConfig struct {
	FallbackStrategy      string `yaml:"fallback_strategy" env:"FALLBACK_STRATEGY"` // fill-first, round-robin
	StickyRoundRobinLimit int    `yaml:"sticky_round_robin_limit" env:"STICKY_ROUND_ROBIN_LIMIT"`
}

// TelemetryConfig controls the OTel SDK wiring in internal/telemetry.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// IdempotencyConfig controls internal/idempotency's response cache. An empty
// RedisAddr falls back to an in-process memory manager.
type IdempotencyConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
}

// AdminConfig controls internal/admin's websocket push channel. An empty
// JWTSecret disables bearer-token enforcement on the admin endpoint.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// DefaultConfig returns the baseline configuration before file/env overlays.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8787",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses may run indefinitely, per spec §5
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			DataDir:      "./data",
			MachineDSN:   "machine.db",
			UsageDSN:     "usage.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Enabled:          true,
			MaxRecords:       1000,
			BatchSize:        20,
			FlushInterval:    5 * time.Second,
			MaxJSONSizeBytes: 1024 * 1024,
			MetricsAddr:      ":9090",
		},
		Auth: AuthConfig{
			RequireAPIKey: true,
		},
		Routing: RoutingConfig{
			FallbackStrategy:      "fill-first",
			StickyRoundRobinLimit: 3,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "llmproxy",
			SampleRate:  0.1,
		},
		Idempotency: IdempotencyConfig{
			Enabled: false,
			Prefix:  "idempotency:",
		},
		Admin: AdminConfig{
			Enabled: false,
		},
	}
}
