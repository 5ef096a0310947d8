package config

import "time"

// Config is the root configuration for the decision engine.
type Config struct {
	// Storage selects the state backend shared by the rate limiters and
	// the quota controller.
	Storage StorageConfig `yaml:"storage"`

	// RateLimit configures the rate limiting stage.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Concurrency configures the in-flight request limiter.
	Concurrency ConcurrencyConfig `yaml:"concurrency"`

	// Quota configures long-window quota accounting.
	Quota QuotaConfig `yaml:"quota"`

	// Ban configures the ban list and its background sweeper.
	Ban BanConfig `yaml:"ban"`

	// Breaker configures the circuit breaker stage.
	Breaker BreakerConfig `yaml:"breaker"`

	// Chain configures stage ordering and the fallback policy.
	Chain ChainConfig `yaml:"chain"`

	// Server configures the admission HTTP endpoint.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig selects and tunes the state backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	// Default: "memory"
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Required for the sqlite backend.
	Path string `yaml:"path"`

	// CleanupInterval is how often expired entries are removed.
	// Default: 1m
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// MaxEntries bounds the memory backend. Zero means unbounded.
	MaxEntries int `yaml:"max_entries"`
}

// RateLimitConfig configures the rate limiting stage.
type RateLimitConfig struct {
	// Enabled controls whether the stage runs.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Algorithm is "token_bucket", "fixed_window", or "sliding_window".
	// Default: "token_bucket"
	Algorithm string `yaml:"algorithm"`

	// Rate is the admission rate, written as "count/window", for example
	// "100/s", "10/m", or "5/100ms". For the token bucket the count is
	// the burst capacity and the window sets the refill rate; for the
	// window algorithms it is the per-window limit.
	// Default: "100/s"
	Rate Rate `yaml:"rate"`
}

// ConcurrencyConfig configures the in-flight limiter.
type ConcurrencyConfig struct {
	// Enabled controls whether the limiter is constructed.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// MaxInFlight is the per-key concurrency ceiling.
	// Default: 64
	MaxInFlight int64 `yaml:"max_in_flight"`

	// AcquireTimeout bounds how long AcquireWait blocks. Zero means
	// acquisition never waits.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// QuotaConfig configures long-window quota accounting.
type QuotaConfig struct {
	// Enabled controls whether the stage runs.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Limit is the nominal allowance per window.
	Limit int64 `yaml:"limit"`

	// Window is the allocation period.
	// Default: 24h
	Window time.Duration `yaml:"window"`

	// OverdraftPercent sizes the overdraft as a percentage of the limit.
	// Default: 20
	OverdraftPercent int64 `yaml:"overdraft_percent"`

	// AlertThresholds are percentages of the limit at which alerts fire.
	// Default: [80, 90, 100]
	AlertThresholds []int `yaml:"alert_thresholds"`
}

// BanConfig configures the ban list.
type BanConfig struct {
	// Enabled controls whether the stage runs.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Backend is "memory" or "sqlite".
	// Default: "memory"
	Backend string `yaml:"backend"`

	// Path is the SQLite database file for the sqlite backend.
	Path string `yaml:"path"`

	// BaseDuration is the length of a first-offense automatic ban.
	// Default: 1m
	BaseDuration time.Duration `yaml:"base_duration"`

	// EscalationFactor multiplies the duration per repeat offense.
	// Default: 5.0
	EscalationFactor float64 `yaml:"escalation_factor"`

	// MaxDuration caps escalated durations.
	// Default: 24h
	MaxDuration time.Duration `yaml:"max_duration"`

	// SweepSchedule is a cron expression for expired-record cleanup.
	// Default: "@every 1m"
	SweepSchedule string `yaml:"sweep_schedule"`

	// SweepBatchSize bounds how many records one sweep pass deletes.
	// Default: 100
	SweepBatchSize int `yaml:"sweep_batch_size"`
}

// BreakerConfig configures the circuit breaker stage.
type BreakerConfig struct {
	// Enabled controls whether the stage runs.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// FailureThreshold is consecutive failures before the circuit opens.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is probe successes required to close again.
	// Default: 2
	SuccessThreshold int `yaml:"success_threshold"`

	// Timeout is how long the circuit stays open before probing.
	// Default: 60s
	Timeout time.Duration `yaml:"timeout"`

	// HalfOpenMaxCalls caps concurrent probes while half-open.
	// Default: 3
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// ChainConfig configures stage ordering and failure behavior.
type ChainConfig struct {
	// Order lists the stages to evaluate, first to last. Valid names are
	// ban, rate_limit, quota, and circuit_breaker.
	// Default: [ban, rate_limit, quota, circuit_breaker]
	Order []string `yaml:"order"`

	// Concurrent evaluates all stages at once with deny-wins semantics.
	// Default: false
	Concurrent bool `yaml:"concurrent"`

	// Fallback is "fail-open" or "fail-closed", applied when a stage's
	// backend stays unavailable after retries.
	// Default: "fail-open"
	Fallback string `yaml:"fallback"`
}

// ServerConfig configures the admission HTTP server.
type ServerConfig struct {
	// ListenAddress is "host:port".
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle limit.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes source file positions in log records.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and served.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Path is the HTTP path serving the metrics.
	// Default: "/metrics"
	Path string `yaml:"path"`
}
