package ban

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
)

// Sweeper removes expired automatic bans on a schedule. Each run deletes
// records in bounded batches so a sweep can never stall the hot path.
type Sweeper struct {
	manager *Manager
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool

	schedule  string
	batchSize int
}

// SweeperConfig configures the sweep cadence.
type SweeperConfig struct {
	// Schedule is a cron expression. Default: "@every 1m"
	Schedule string

	// BatchSize bounds how many records one batch removes.
	// Default: 100
	BatchSize int
}

// NewSweeper creates a cleanup sweeper over a ban manager.
func NewSweeper(manager *Manager, cfg SweeperConfig) (*Sweeper, error) {
	if manager == nil {
		return nil, errs.NewValidation("manager", "cannot be nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultListLimit
	}

	return &Sweeper{
		manager:   manager,
		cron:      cron.New(),
		logger:    slog.Default().With("component", "ban.sweeper"),
		schedule:  cfg.Schedule,
		batchSize: cfg.BatchSize,
	}, nil
}

// Start begins scheduled sweeping. The sweeper stops when the context is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	_, err := s.cron.AddFunc(s.schedule, func() {
		s.runSweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("ban sweeper started",
		"schedule", s.schedule,
		"batch_size", s.batchSize,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// runSweep drains expired bans batch by batch until none remain.
func (s *Sweeper) runSweep(ctx context.Context) {
	total := 0
	for {
		removed, err := s.manager.CleanupExpired(ctx, s.batchSize)
		if err != nil {
			s.logger.Error("ban sweep failed", "error", err)
			return
		}
		total += removed
		if removed < s.batchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("ban sweep completed", "removed", total)
	}
}

// Stop stops the sweeper and waits for a running sweep to complete.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		s.running = false
		s.logger.Info("ban sweeper stopped")
	}
}

// IsRunning returns true if the sweeper is running.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep time.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
