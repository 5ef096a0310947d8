package config

import (
	"fmt"
	"net"
	"strings"
)

var validAlgorithms = map[string]bool{
	"token_bucket":   true,
	"fixed_window":   true,
	"sliding_window": true,
}

var validStages = map[string]bool{
	"ban":             true,
	"rate_limit":      true,
	"quota":           true,
	"circuit_breaker": true,
}

var validBackends = map[string]bool{
	"memory": true,
	"sqlite": true,
}

// Validate checks the configuration for errors. It is called after
// defaults and environment overrides are applied, so every field is
// expected to carry a final value.
func Validate(cfg *Config) error {
	if err := validateStorage(&cfg.Storage); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := validateRateLimit(&cfg.RateLimit); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := validateConcurrency(&cfg.Concurrency); err != nil {
		return fmt.Errorf("concurrency: %w", err)
	}
	if err := validateQuota(&cfg.Quota); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if err := validateBan(&cfg.Ban); err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	if err := validateBreaker(&cfg.Breaker); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if err := validateChain(&cfg.Chain); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validateLogging(&cfg.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := validateMetrics(&cfg.Metrics); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func validateStorage(cfg *StorageConfig) error {
	if !validBackends[cfg.Backend] {
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if cfg.Backend == "sqlite" && cfg.Path == "" {
		return fmt.Errorf("path is required for the sqlite backend")
	}
	if cfg.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	if cfg.MaxEntries < 0 {
		return fmt.Errorf("max_entries must not be negative")
	}
	return nil
}

func validateRateLimit(cfg *RateLimitConfig) error {
	if !*cfg.Enabled {
		return nil
	}
	if !validAlgorithms[cfg.Algorithm] {
		return fmt.Errorf("unknown algorithm %q", cfg.Algorithm)
	}
	if cfg.Rate.Count <= 0 || cfg.Rate.Per <= 0 {
		return fmt.Errorf("rate must be a positive count over a positive window")
	}
	return nil
}

func validateConcurrency(cfg *ConcurrencyConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be positive")
	}
	if cfg.AcquireTimeout < 0 {
		return fmt.Errorf("acquire_timeout must not be negative")
	}
	return nil
}

func validateQuota(cfg *QuotaConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}
	if cfg.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if cfg.OverdraftPercent < 0 || cfg.OverdraftPercent > 100 {
		return fmt.Errorf("overdraft_percent must be between 0 and 100")
	}
	if len(cfg.AlertThresholds) > 8 {
		return fmt.Errorf("at most 8 alert thresholds are supported")
	}
	for _, pct := range cfg.AlertThresholds {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("alert threshold %d must be between 1 and 100", pct)
		}
	}
	return nil
}

func validateBan(cfg *BanConfig) error {
	if !*cfg.Enabled {
		return nil
	}
	if !validBackends[cfg.Backend] {
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if cfg.Backend == "sqlite" && cfg.Path == "" {
		return fmt.Errorf("path is required for the sqlite backend")
	}
	if cfg.BaseDuration <= 0 {
		return fmt.Errorf("base_duration must be positive")
	}
	if cfg.EscalationFactor < 1 {
		return fmt.Errorf("escalation_factor must be at least 1")
	}
	if cfg.MaxDuration < cfg.BaseDuration {
		return fmt.Errorf("max_duration must not be shorter than base_duration")
	}
	if cfg.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep_batch_size must be positive")
	}
	return nil
}

func validateBreaker(cfg *BreakerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if cfg.SuccessThreshold <= 0 {
		return fmt.Errorf("success_threshold must be positive")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("half_open_max_calls must be positive")
	}
	return nil
}

func validateChain(cfg *ChainConfig) error {
	seen := make(map[string]bool, len(cfg.Order))
	for _, stage := range cfg.Order {
		if !validStages[stage] {
			return fmt.Errorf("unknown stage %q in order", stage)
		}
		if seen[stage] {
			return fmt.Errorf("duplicate stage %q in order", stage)
		}
		seen[stage] = true
	}
	if cfg.Fallback != "fail-open" && cfg.Fallback != "fail-closed" {
		return fmt.Errorf("fallback must be fail-open or fail-closed, got %q", cfg.Fallback)
	}
	return nil
}

func validateServer(cfg *ServerConfig) error {
	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen_address %q: %w", cfg.ListenAddress, err)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown format %q", cfg.Format)
	}
	return nil
}

func validateMetrics(cfg *MetricsConfig) error {
	if !*cfg.Enabled {
		return nil
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}
