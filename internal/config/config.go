// Package config provides hierarchical configuration loading for autopack.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	"github.com/Strob0t/autopack/internal/domain/resource"
	"github.com/Strob0t/autopack/internal/domain/retry"
)

// Config holds all runtime configuration for the autopack kernel.
type Config struct {
	Server     Server     `yaml:"server"`
	Postgres   Postgres   `yaml:"postgres"`
	NATS       NATS       `yaml:"nats"`
	LiteLLM    LiteLLM    `yaml:"litellm"`
	Logging    Logging    `yaml:"logging"`
	Breaker    Breaker    `yaml:"breaker"`
	Cache      Cache      `yaml:"cache"`
	OTEL       OTEL       `yaml:"otel"`
	Executor   Executor   `yaml:"executor"`
	Run        Run        `yaml:"run"`
	Governance Governance `yaml:"governance"`
	Secrets    Secrets    `yaml:"secrets"`
}

// Server holds the operator control server configuration.
type Server struct {
	Enabled    bool   `yaml:"enabled"`
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	// APIToken guards every route except /health. Empty disables auth.
	APIToken string `yaml:"api_token"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// IdempotencyTTL bounds how long a replayable response is kept.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// Secrets configures where rotating credentials are read from.
type Secrets struct {
	// Dir holds one file per secret, reread on SIGHUP.
	Dir string `yaml:"dir"`
}

// Postgres holds PostgreSQL connection configuration.
// An empty DSN selects the in-memory store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables publishing.
type NATS struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// LiteLLM holds the role transport configuration.
type LiteLLM struct {
	URL       string        `yaml:"url"`
	MasterKey string        `yaml:"master_key"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level       string `yaml:"level"`
	Service     string `yaml:"service"`
	Async       bool   `yaml:"async"`
	AsyncBuffer int    `yaml:"async_buffer"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds the file content cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	TTL       time.Duration `yaml:"ttl"`
	// SharedBucket names a NATS KV bucket used as a second level shared
	// between processes. Empty keeps the cache in-process only.
	SharedBucket string `yaml:"shared_bucket"`
}

// OTEL holds OpenTelemetry configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Executor holds phase execution configuration.
type Executor struct {
	Retry           retry.Config `yaml:"retry"`
	FuzzLines       int          `yaml:"fuzz_lines"`
	RevertOnReject  bool         `yaml:"revert_on_reject"`
	MaxFileBytes    int64        `yaml:"max_file_bytes"`
	MaxContextBytes int64        `yaml:"max_context_bytes"`
	ProtectedPaths  []string     `yaml:"protected_paths"`
}

// Run holds run-level budget configuration. Zero fields are unlimited.
type Run struct {
	Budget  resource.Budget `yaml:"budget"`
	Ceiling resource.Budget `yaml:"ceiling"`
}

// Governance holds approval configuration.
type Governance struct {
	Enabled                   bool          `yaml:"enabled"`
	AutoApproveScopeExpansion bool          `yaml:"auto_approve_scope_expansion"`
	ApprovalTimeout           time.Duration `yaml:"approval_timeout"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:           "8080",
			CORSOrigin:     "http://localhost:3000",
			RateLimit:      20,
			RateBurst:      40,
			IdempotencyTTL: 24 * time.Hour,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			Stream: "AUTOPACK",
		},
		LiteLLM: LiteLLM{
			URL:       "http://localhost:4000",
			Timeout:   5 * time.Minute,
			MaxTokens: 8192,
		},
		Logging: Logging{
			Level:       "info",
			Service:     "autopack",
			AsyncBuffer: 1024,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			MaxSizeMB: 64,
			TTL:       30 * time.Minute,
		},
		OTEL: OTEL{
			Endpoint:    "localhost:4317",
			ServiceName: "autopack",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Executor: Executor{
			Retry:           retry.DefaultConfig(),
			FuzzLines:       2,
			RevertOnReject:  true,
			MaxFileBytes:    256 * 1024,
			MaxContextBytes: 2 * 1024 * 1024,
			ProtectedPaths:  []string{".git/", ".autopack/"},
		},
		Run: Run{
			Budget: resource.Budget{
				TokenCap:    5_000_000,
				MaxPhases:   25,
				MaxDuration: 2 * time.Hour,
			},
		},
		Governance: Governance{
			Enabled:         true,
			ApprovalTimeout: 15 * time.Minute,
		},
	}
}
