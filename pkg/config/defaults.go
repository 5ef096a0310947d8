package config

import "time"

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their default values. Explicitly
// configured values are never overwritten.
func ApplyDefaults(cfg *Config) {
	applyStorageDefaults(&cfg.Storage)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyConcurrencyDefaults(&cfg.Concurrency)
	applyQuotaDefaults(&cfg.Quota)
	applyBanDefaults(&cfg.Ban)
	applyBreakerDefaults(&cfg.Breaker)
	applyChainDefaults(&cfg.Chain)
	applyServerDefaults(&cfg.Server)
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if cfg.Enabled == nil {
		cfg.Enabled = boolPtr(true)
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "token_bucket"
	}
	if cfg.Rate.IsZero() {
		cfg.Rate = Rate{Count: 100, Per: time.Second}
	}
}

func applyConcurrencyDefaults(cfg *ConcurrencyConfig) {
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 64
	}
}

func applyQuotaDefaults(cfg *QuotaConfig) {
	if cfg.Window == 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.OverdraftPercent == 0 {
		cfg.OverdraftPercent = 20
	}
	if len(cfg.AlertThresholds) == 0 {
		cfg.AlertThresholds = []int{80, 90, 100}
	}
}

func applyBanDefaults(cfg *BanConfig) {
	if cfg.Enabled == nil {
		cfg.Enabled = boolPtr(true)
	}
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.BaseDuration == 0 {
		cfg.BaseDuration = time.Minute
	}
	if cfg.EscalationFactor == 0 {
		cfg.EscalationFactor = 5.0
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = 24 * time.Hour
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1m"
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 100
	}
}

func applyBreakerDefaults(cfg *BreakerConfig) {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 3
	}
}

func applyChainDefaults(cfg *ChainConfig) {
	if len(cfg.Order) == 0 {
		cfg.Order = []string{"ban", "rate_limit", "quota", "circuit_breaker"}
	}
	if cfg.Fallback == "" {
		cfg.Fallback = "fail-open"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled == nil {
		cfg.Enabled = boolPtr(true)
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
}

func boolPtr(b bool) *bool {
	return &b
}
