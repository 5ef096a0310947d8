package ban

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
)

// listTargetTypes are the types accepted by listing filters.
var listTargetTypes = map[string]bool{
	"ip":   true,
	"user": true,
	"mac":  true,
}

// ManagerConfig configures ban creation and escalation.
type ManagerConfig struct {
	// BaseDuration is the length of a first-offense automatic ban.
	// Default: 1 minute
	BaseDuration time.Duration

	// EscalationFactor multiplies the duration per repeat offense:
	// duration = base * factor^offenses. Default: 5.0
	EscalationFactor float64

	// MaxDuration caps escalated durations. Default: 24 hours
	MaxDuration time.Duration
}

// DefaultManagerConfig returns conservative escalation defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BaseDuration:     time.Minute,
		EscalationFactor: 5.0,
		MaxDuration:      24 * time.Hour,
	}
}

// Manager owns the ban lifecycle over a Store.
type Manager struct {
	store  Store
	config ManagerConfig
	logger *slog.Logger
}

// NewManager creates a ban manager.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, errs.NewValidation("store", "cannot be nil")
	}
	if cfg.BaseDuration <= 0 {
		cfg.BaseDuration = time.Minute
	}
	if cfg.EscalationFactor <= 1 {
		cfg.EscalationFactor = 5.0
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 24 * time.Hour
	}

	return &Manager{
		store:  store,
		config: cfg,
		logger: slog.Default().With("component", "ban"),
	}, nil
}

// IsBanned returns the active record for a target, or nil.
func (m *Manager) IsBanned(ctx context.Context, target string) (*Record, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	record, err := m.store.Active(ctx, target)
	if err != nil {
		return nil, errs.NewStorage("ban lookup", err)
	}
	return record, nil
}

// BanRequest describes a ban to create.
type BanRequest struct {
	Target     string
	TargetType string
	Reason     string
	Source     Source

	// Duration overrides the configured base duration. Zero falls back to
	// the base for automatic bans; for manual bans zero means permanent.
	Duration time.Duration
}

// Ban creates a ban for a target, or escalates the active one.
//
// When an active record already exists this is an escalation: the offense
// counter increments and the new duration is the base scaled by the
// escalation factor raised to the offense count, capped at the configured
// maximum, with expiry recomputed from now. A manual record is never
// downgraded to automatic by an escalation.
func (m *Manager) Ban(ctx context.Context, req BanRequest) (*Record, error) {
	if err := validateTarget(req.Target); err != nil {
		return nil, err
	}
	if len(req.Reason) > MaxReasonLength {
		return nil, errs.NewValidation("reason", "exceeds maximum length")
	}
	if req.Source == "" {
		req.Source = SourceAutomatic
	}
	if req.Source != SourceManual && req.Source != SourceAutomatic {
		return nil, errs.NewValidation("source", "must be manual or automatic")
	}
	if req.Duration < 0 {
		return nil, errs.NewValidation("duration", "cannot be negative")
	}

	active, err := m.store.Active(ctx, req.Target)
	if err != nil {
		return nil, errs.NewStorage("ban lookup", err)
	}

	now := time.Now()

	if active != nil {
		// Escalation against a still-banned target.
		active.Offenses++
		switch {
		case active.Source == SourceManual && req.Source == SourceAutomatic:
			// The offense is counted, but an automatic escalation never
			// rewrites the terms of a manual ban.
		case req.Source == SourceManual && req.Duration == 0:
			active.Source = SourceManual
			active.Reason = req.Reason
			active.Duration = 0
			active.ExpiresAt = time.Time{}
		default:
			if req.Source == SourceManual {
				active.Source = SourceManual
			}
			active.Reason = req.Reason
			active.Duration = m.escalatedDuration(req.Duration, active.Offenses)
			active.ExpiresAt = now.Add(active.Duration)
		}

		if err := m.store.Save(ctx, active); err != nil {
			return nil, errs.NewStorage("ban save", err)
		}

		m.logger.Info("ban escalated",
			"target", req.Target,
			"offenses", active.Offenses,
			"duration", active.Duration,
		)
		return active, nil
	}

	record := &Record{
		ID:         uuid.New().String(),
		Target:     req.Target,
		TargetType: req.TargetType,
		Reason:     req.Reason,
		Source:     req.Source,
		Offenses:   0,
		CreatedAt:  now,
	}

	switch {
	case req.Source == SourceManual && req.Duration == 0:
		// Permanent until explicitly lifted.
	case req.Duration > 0:
		record.Duration = capDuration(req.Duration, m.config.MaxDuration)
		record.ExpiresAt = now.Add(record.Duration)
	default:
		record.Duration = m.config.BaseDuration
		record.ExpiresAt = now.Add(record.Duration)
	}

	if err := m.store.Save(ctx, record); err != nil {
		return nil, errs.NewStorage("ban save", err)
	}

	m.logger.Info("ban created",
		"target", req.Target,
		"source", record.Source,
		"duration", record.Duration,
	)
	return record, nil
}

// Unban lifts the active ban for a target. This is the only way a manual
// ban is cleared. Returns the lifted record, or nil when no ban was
// active.
func (m *Manager) Unban(ctx context.Context, target, actor string) (*Record, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	active, err := m.store.Active(ctx, target)
	if err != nil {
		return nil, errs.NewStorage("ban lookup", err)
	}
	if active == nil {
		return nil, nil
	}

	now := time.Now()
	active.UnbannedAt = &now
	active.UnbannedBy = actor

	if err := m.store.Save(ctx, active); err != nil {
		return nil, errs.NewStorage("ban save", err)
	}

	m.logger.Info("ban lifted", "target", target, "actor", actor)
	return active, nil
}

// List returns ban records matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Record, error) {
	if filter.TargetType != "" && !listTargetTypes[filter.TargetType] {
		return nil, errs.NewValidation("target_type", "must be ip, user, or mac")
	}
	if len(filter.TargetPattern) > MaxTargetLength {
		return nil, errs.NewValidation("target_pattern", "exceeds maximum length")
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, errs.NewValidation("pagination", "cannot be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}

	records, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, errs.NewStorage("ban list", err)
	}
	return records, nil
}

// CleanupExpired removes expired automatic bans in one bounded batch and
// returns the number removed. Manual bans are never touched.
func (m *Manager) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultListLimit
	}

	removed, err := m.store.CleanupExpired(ctx, time.Now(), batchSize)
	if err != nil {
		return 0, errs.NewStorage("ban cleanup", err)
	}
	if removed > 0 {
		m.logger.Debug("expired bans removed", "count", removed)
	}
	return removed, nil
}

// escalatedDuration computes base * factor^offenses, capped.
func (m *Manager) escalatedDuration(base time.Duration, offenses int) time.Duration {
	if base <= 0 {
		base = m.config.BaseDuration
	}
	scaled := float64(base) * math.Pow(m.config.EscalationFactor, float64(offenses))
	if scaled > float64(m.config.MaxDuration) || math.IsInf(scaled, 1) {
		return m.config.MaxDuration
	}
	return capDuration(time.Duration(scaled), m.config.MaxDuration)
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

func validateTarget(target string) error {
	if target == "" {
		return errs.NewValidation("target", "cannot be empty")
	}
	if len(target) > MaxTargetLength {
		return errs.NewValidation("target", "exceeds maximum length")
	}
	return nil
}
