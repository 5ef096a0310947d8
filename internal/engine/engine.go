// Package engine assembles a decision engine from configuration.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Kirky-X/limiteron/pkg/config"
	"github.com/Kirky-X/limiteron/pkg/flow"
	"github.com/Kirky-X/limiteron/pkg/flow/ban"
	"github.com/Kirky-X/limiteron/pkg/flow/breaker"
	"github.com/Kirky-X/limiteron/pkg/flow/quota"
	"github.com/Kirky-X/limiteron/pkg/flow/ratelimit"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

// Engine bundles the governor with the components it was built from, so
// callers can administer bans and tear everything down.
type Engine struct {
	Governor   *flow.Governor
	BanManager *ban.Manager
	Sweeper    *ban.Sweeper

	closers []func() error
}

// Build constructs an engine from the configuration. The context governs
// the ban sweeper's lifetime. Metrics may be nil; pass the same instance
// across rebuilds because collectors register globally once.
func Build(ctx context.Context, cfg *config.Config, metrics *flow.Metrics) (*Engine, error) {
	eng := &Engine{}

	store, err := buildStore(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	eng.closers = append(eng.closers, store.Close)

	gcfg := flow.GovernorConfig{
		Order:      cfg.Chain.Order,
		Concurrent: cfg.Chain.Concurrent,
		Fallback:   flow.FallbackPolicy(cfg.Chain.Fallback),
		Metrics:    metrics,
	}

	if *cfg.RateLimit.Enabled {
		gcfg.Limiter, err = buildLimiter(store, &cfg.RateLimit)
		if err != nil {
			eng.Close()
			return nil, err
		}
	}

	if cfg.Concurrency.Enabled {
		gcfg.Concurrency, err = ratelimit.NewConcurrent(store, cfg.Concurrency.MaxInFlight)
		if err != nil {
			eng.Close()
			return nil, fmt.Errorf("failed to build concurrency limiter: %w", err)
		}
		gcfg.AcquireTimeout = cfg.Concurrency.AcquireTimeout
	}

	if cfg.Quota.Enabled {
		gcfg.Quota, err = quota.NewController(store, quota.Config{
			Limit:            cfg.Quota.Limit,
			Window:           cfg.Quota.Window,
			OverdraftPercent: cfg.Quota.OverdraftPercent,
			AlertThresholds:  cfg.Quota.AlertThresholds,
		})
		if err != nil {
			eng.Close()
			return nil, fmt.Errorf("failed to build quota controller: %w", err)
		}
	}

	if *cfg.Ban.Enabled {
		if err := eng.buildBanStage(ctx, &cfg.Ban, &gcfg); err != nil {
			eng.Close()
			return nil, err
		}
	}

	if cfg.Breaker.Enabled {
		gcfg.Breaker = breaker.New(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.Timeout,
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		})
	}

	eng.Governor, err = flow.NewGovernor(gcfg)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("failed to build governor: %w", err)
	}

	return eng, nil
}

// Close releases every component the engine owns.
func (e *Engine) Close() {
	if e.Sweeper != nil {
		e.Sweeper.Stop()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			slog.Warn("engine component close failed", "error", err)
		}
	}
}

func buildStore(cfg *config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStoreWithConfig(storage.MemoryStoreConfig{
			MaxEntries:      cfg.MaxEntries,
			CleanupInterval: cfg.CleanupInterval,
		}), nil
	}
}

func buildLimiter(store storage.Store, cfg *config.RateLimitConfig) (ratelimit.Limiter, error) {
	switch cfg.Algorithm {
	case "fixed_window":
		return ratelimit.NewFixedWindow(store, cfg.Rate.Count, cfg.Rate.Per)
	case "sliding_window":
		return ratelimit.NewSlidingWindow(store, cfg.Rate.Count, cfg.Rate.Per)
	default:
		return ratelimit.NewTokenBucket(store, cfg.Rate.Count, cfg.Rate.PerSecond())
	}
}

func (e *Engine) buildBanStage(ctx context.Context, cfg *config.BanConfig, gcfg *flow.GovernorConfig) error {
	var banStore ban.Store
	if cfg.Backend == "sqlite" {
		sqlStore, err := ban.NewSQLiteStore(cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to open ban store: %w", err)
		}
		banStore = sqlStore
	} else {
		banStore = ban.NewMemoryStore()
	}
	e.closers = append(e.closers, banStore.Close)

	manager, err := ban.NewManager(banStore, ban.ManagerConfig{
		BaseDuration:     cfg.BaseDuration,
		EscalationFactor: cfg.EscalationFactor,
		MaxDuration:      cfg.MaxDuration,
	})
	if err != nil {
		return fmt.Errorf("failed to build ban manager: %w", err)
	}
	e.BanManager = manager

	checker, err := ban.NewParallelChecker(manager)
	if err != nil {
		return fmt.Errorf("failed to build ban checker: %w", err)
	}
	gcfg.BanChecker = checker

	sweeper, err := ban.NewSweeper(manager, ban.SweeperConfig{
		Schedule:  cfg.SweepSchedule,
		BatchSize: cfg.SweepBatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to build ban sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ban sweeper: %w", err)
	}
	e.Sweeper = sweeper

	return nil
}
