package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file. It applies defaults
// and validates the result. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. Variables follow the naming
// convention LIMITERON_SECTION_FIELD (e.g. LIMITERON_SERVER_LISTEN_ADDRESS)
// and always take precedence over file values.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Storage
	if val := os.Getenv("LIMITERON_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("LIMITERON_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	envDuration("LIMITERON_STORAGE_CLEANUP_INTERVAL", &cfg.Storage.CleanupInterval)
	envInt("LIMITERON_STORAGE_MAX_ENTRIES", &cfg.Storage.MaxEntries)

	// Rate limit
	envBoolPtr("LIMITERON_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	if val := os.Getenv("LIMITERON_RATE_LIMIT_ALGORITHM"); val != "" {
		cfg.RateLimit.Algorithm = val
	}
	if val := os.Getenv("LIMITERON_RATE_LIMIT_RATE"); val != "" {
		if r, err := ParseRate(val); err == nil {
			cfg.RateLimit.Rate = r
		}
	}

	// Concurrency
	envBool("LIMITERON_CONCURRENCY_ENABLED", &cfg.Concurrency.Enabled)
	envInt64("LIMITERON_CONCURRENCY_MAX_IN_FLIGHT", &cfg.Concurrency.MaxInFlight)
	envDuration("LIMITERON_CONCURRENCY_ACQUIRE_TIMEOUT", &cfg.Concurrency.AcquireTimeout)

	// Quota
	envBool("LIMITERON_QUOTA_ENABLED", &cfg.Quota.Enabled)
	envInt64("LIMITERON_QUOTA_LIMIT", &cfg.Quota.Limit)
	envDuration("LIMITERON_QUOTA_WINDOW", &cfg.Quota.Window)
	envInt64("LIMITERON_QUOTA_OVERDRAFT_PERCENT", &cfg.Quota.OverdraftPercent)

	// Ban
	envBoolPtr("LIMITERON_BAN_ENABLED", &cfg.Ban.Enabled)
	if val := os.Getenv("LIMITERON_BAN_BACKEND"); val != "" {
		cfg.Ban.Backend = val
	}
	if val := os.Getenv("LIMITERON_BAN_PATH"); val != "" {
		cfg.Ban.Path = val
	}
	envDuration("LIMITERON_BAN_BASE_DURATION", &cfg.Ban.BaseDuration)
	envDuration("LIMITERON_BAN_MAX_DURATION", &cfg.Ban.MaxDuration)
	if val := os.Getenv("LIMITERON_BAN_ESCALATION_FACTOR"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Ban.EscalationFactor = f
		}
	}
	if val := os.Getenv("LIMITERON_BAN_SWEEP_SCHEDULE"); val != "" {
		cfg.Ban.SweepSchedule = val
	}
	envInt("LIMITERON_BAN_SWEEP_BATCH_SIZE", &cfg.Ban.SweepBatchSize)

	// Breaker
	envBool("LIMITERON_BREAKER_ENABLED", &cfg.Breaker.Enabled)
	envInt("LIMITERON_BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	envInt("LIMITERON_BREAKER_SUCCESS_THRESHOLD", &cfg.Breaker.SuccessThreshold)
	envDuration("LIMITERON_BREAKER_TIMEOUT", &cfg.Breaker.Timeout)
	envInt("LIMITERON_BREAKER_HALF_OPEN_MAX_CALLS", &cfg.Breaker.HalfOpenMaxCalls)

	// Chain
	if val := os.Getenv("LIMITERON_CHAIN_ORDER"); val != "" {
		var order []string
		for _, stage := range strings.Split(val, ",") {
			if stage = strings.TrimSpace(stage); stage != "" {
				order = append(order, stage)
			}
		}
		if len(order) > 0 {
			cfg.Chain.Order = order
		}
	}
	envBool("LIMITERON_CHAIN_CONCURRENT", &cfg.Chain.Concurrent)
	if val := os.Getenv("LIMITERON_CHAIN_FALLBACK"); val != "" {
		cfg.Chain.Fallback = val
	}

	// Server
	if val := os.Getenv("LIMITERON_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	envDuration("LIMITERON_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("LIMITERON_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("LIMITERON_SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	envDuration("LIMITERON_SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Logging
	if val := os.Getenv("LIMITERON_LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("LIMITERON_LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	envBool("LIMITERON_LOGGING_ADD_SOURCE", &cfg.Logging.AddSource)

	// Metrics
	envBoolPtr("LIMITERON_METRICS_ENABLED", &cfg.Metrics.Enabled)
	if val := os.Getenv("LIMITERON_METRICS_PATH"); val != "" {
		cfg.Metrics.Path = val
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envInt64(name string, dst *int64) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envBoolPtr(name string, dst **bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = &b
		}
	}
}
