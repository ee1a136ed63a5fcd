package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "autopack.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setBool(&cfg.Server.Enabled, "AUTOPACK_SERVER_ENABLED")
	setString(&cfg.Server.Port, "AUTOPACK_PORT")
	setString(&cfg.Server.CORSOrigin, "AUTOPACK_CORS_ORIGIN")
	setString(&cfg.Server.APIToken, "AUTOPACK_API_TOKEN")
	setFloat64(&cfg.Server.RateLimit, "AUTOPACK_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "AUTOPACK_RATE_BURST")
	setDuration(&cfg.Server.IdempotencyTTL, "AUTOPACK_IDEMPOTENCY_TTL")
	setString(&cfg.Secrets.Dir, "AUTOPACK_SECRETS_DIR")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AUTOPACK_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AUTOPACK_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AUTOPACK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AUTOPACK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AUTOPACK_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AUTOPACK_NATS_STREAM")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setDuration(&cfg.LiteLLM.Timeout, "AUTOPACK_LLM_TIMEOUT")
	setInt(&cfg.LiteLLM.MaxTokens, "AUTOPACK_LLM_MAX_TOKENS")
	setString(&cfg.Logging.Level, "AUTOPACK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AUTOPACK_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AUTOPACK_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AUTOPACK_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AUTOPACK_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.MaxSizeMB, "AUTOPACK_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "AUTOPACK_CACHE_TTL")
	setString(&cfg.Cache.SharedBucket, "AUTOPACK_CACHE_SHARED_BUCKET")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "AUTOPACK_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "AUTOPACK_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "AUTOPACK_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "AUTOPACK_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "AUTOPACK_OTEL_SAMPLE_RATE")

	// Executor
	setInt(&cfg.Executor.Retry.MaxAttempts, "AUTOPACK_MAX_ATTEMPTS")
	setInt(&cfg.Executor.Retry.EscalateAfter, "AUTOPACK_ESCALATE_AFTER")
	setInt(&cfg.Executor.Retry.DiagnosticsAfter, "AUTOPACK_DIAGNOSTICS_AFTER")
	setInt(&cfg.Executor.Retry.MaxDoctorCalls, "AUTOPACK_MAX_DOCTOR_CALLS")
	setList(&cfg.Executor.Retry.Models, "AUTOPACK_MODELS")
	setString(&cfg.Executor.Retry.DoctorModel, "AUTOPACK_DOCTOR_MODEL")
	setInt(&cfg.Executor.FuzzLines, "AUTOPACK_FUZZ_LINES")
	setBool(&cfg.Executor.RevertOnReject, "AUTOPACK_REVERT_ON_REJECT")
	setInt64(&cfg.Executor.MaxFileBytes, "AUTOPACK_MAX_FILE_BYTES")
	setInt64(&cfg.Executor.MaxContextBytes, "AUTOPACK_MAX_CONTEXT_BYTES")
	setList(&cfg.Executor.ProtectedPaths, "AUTOPACK_PROTECTED_PATHS")

	// Run budget
	setInt64(&cfg.Run.Budget.TokenCap, "AUTOPACK_TOKEN_CAP")
	setInt(&cfg.Run.Budget.MaxPhases, "AUTOPACK_MAX_PHASES")
	setDuration(&cfg.Run.Budget.MaxDuration, "AUTOPACK_MAX_DURATION")
	setInt64(&cfg.Run.Ceiling.TokenCap, "AUTOPACK_CEILING_TOKEN_CAP")
	setInt(&cfg.Run.Ceiling.MaxPhases, "AUTOPACK_CEILING_MAX_PHASES")
	setDuration(&cfg.Run.Ceiling.MaxDuration, "AUTOPACK_CEILING_MAX_DURATION")

	// Governance
	setBool(&cfg.Governance.Enabled, "AUTOPACK_GOVERNANCE_ENABLED")
	setBool(&cfg.Governance.AutoApproveScopeExpansion, "AUTOPACK_GOVERNANCE_AUTO_APPROVE_SCOPE")
	setDuration(&cfg.Governance.ApprovalTimeout, "AUTOPACK_GOVERNANCE_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Enabled && cfg.Server.Port == "" {
		return errors.New("server.port is required when the server is enabled")
	}
	if cfg.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must be >= 0")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Executor.Retry.MaxAttempts < 1 {
		return errors.New("executor.retry.max_attempts must be >= 1")
	}
	if len(cfg.Executor.Retry.Models) == 0 {
		return errors.New("executor.retry.models must name at least one model")
	}
	if cfg.Executor.Retry.EscalateAfter < 1 {
		return errors.New("executor.retry.escalate_after must be >= 1")
	}
	if cfg.Executor.FuzzLines < 0 {
		return errors.New("executor.fuzz_lines must be >= 0")
	}
	if cfg.Cache.MaxSizeMB < 1 {
		return errors.New("cache.max_size_mb must be >= 1")
	}
	if cfg.Run.Budget.TokenCap < 0 || cfg.Run.Budget.MaxPhases < 0 || cfg.Run.Budget.MaxDuration < 0 {
		return errors.New("run.budget fields must not be negative")
	}
	if cfg.Governance.ApprovalTimeout <= 0 {
		return errors.New("governance.approval_timeout must be > 0")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList parses a comma-separated value, ignoring empty items.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
