package quota

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

// casMaxRetries bounds the compare-and-swap loop on a contended key.
const casMaxRetries = 3

const casInitialBackoff = 50 * time.Microsecond

// AlertFunc is invoked when consumption crosses a threshold. It runs on
// the calling goroutine and must be fast.
type AlertFunc func(key string, threshold int, consumed, limit int64)

// Config configures a quota controller.
type Config struct {
	// Limit is the nominal allowance per window.
	Limit int64

	// Window is the allocation period.
	Window time.Duration

	// OverdraftPercent sizes the overdraft allowance as a percentage of
	// the limit. Default: 20
	OverdraftPercent int64

	// AlertThresholds are percentages of the limit at which an alert
	// fires, each at most once per window. Default: 80, 90, 100
	AlertThresholds []int

	// OnAlert receives threshold crossings. Optional.
	OnAlert AlertFunc
}

// Controller tracks per-key quota consumption over rolling windows.
//
// State transitions go through compare-and-swap so concurrent consumers
// of the same key never double-spend, mirroring the token bucket's
// coordination strategy.
type Controller struct {
	store      storage.Store
	limit      int64
	window     time.Duration
	overdraft  int64
	thresholds []int
	onAlert    AlertFunc
	logger     *slog.Logger
	keyPrefix  string
}

// quotaState is the serialized per-key state.
type quotaState struct {
	Consumed      int64 `json:"consumed"`
	OverdraftUsed int64 `json:"overdraft_used"`
	WindowStart   int64 `json:"window_start"` // unix nanoseconds
	FiredMask     uint8 `json:"fired_mask"`   // one bit per alert threshold
}

// ConsumeResult reports the outcome of a consumption attempt.
type ConsumeResult struct {
	// Allowed indicates whether the amount was consumed.
	Allowed bool

	// Remaining is the unconsumed regular allowance.
	Remaining int64

	// OverdraftRemaining is the unconsumed overdraft allowance.
	OverdraftRemaining int64

	// AlertTriggered is true when this consumption crossed at least one
	// alert threshold.
	AlertTriggered bool

	// WindowReset is when the current window rolls over.
	WindowReset time.Time
}

// Status is a read-only snapshot of a key's quota.
type Status struct {
	Consumed           int64
	OverdraftUsed      int64
	Remaining          int64
	OverdraftRemaining int64
	WindowReset        time.Time
}

// NewController creates a quota controller.
func NewController(store storage.Store, cfg Config) (*Controller, error) {
	if store == nil {
		return nil, errs.NewValidation("store", "cannot be nil")
	}
	if cfg.Limit <= 0 {
		return nil, errs.NewValidation("limit", "must be positive")
	}
	if cfg.Window <= 0 {
		return nil, errs.NewValidation("window", "must be positive")
	}
	if cfg.OverdraftPercent < 0 {
		return nil, errs.NewValidation("overdraft_percent", "cannot be negative")
	}
	if cfg.OverdraftPercent == 0 {
		cfg.OverdraftPercent = 20
	}
	if cfg.AlertThresholds == nil {
		cfg.AlertThresholds = []int{80, 90, 100}
	}
	if len(cfg.AlertThresholds) > 8 {
		return nil, errs.NewValidation("alert_thresholds", "at most 8 thresholds")
	}

	return &Controller{
		store:      store,
		limit:      cfg.Limit,
		window:     cfg.Window,
		overdraft:  cfg.Limit * cfg.OverdraftPercent / 100,
		thresholds: cfg.AlertThresholds,
		onAlert:    cfg.OnAlert,
		logger:     slog.Default().With("component", "quota"),
		keyPrefix:  "qt:",
	}, nil
}

// Consume attempts to draw amount from the key's quota. An amount of zero
// is trivially allowed; a negative amount or one that would overflow the
// counters is a validation failure.
func (c *Controller) Consume(ctx context.Context, key string, amount int64) (*ConsumeResult, error) {
	if key == "" {
		return nil, errs.NewValidation("key", "cannot be empty")
	}
	if amount < 0 {
		return nil, errs.NewValidation("amount", "cannot be negative")
	}

	storeKey := c.keyPrefix + key
	backoff := casInitialBackoff

	for attempt := 0; attempt <= casMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		state, old, err := c.loadState(ctx, storeKey)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		c.rollover(state, now)
		windowReset := time.Unix(0, state.WindowStart).Add(c.window)

		if amount > math.MaxInt64-state.Consumed-state.OverdraftUsed {
			return nil, errs.NewValidation("amount", "would overflow quota counters")
		}

		result := &ConsumeResult{WindowReset: windowReset}
		total := state.Consumed + state.OverdraftUsed + amount

		if total <= c.limit {
			state.Consumed += amount
			result.Allowed = true
		} else if total <= c.limit+c.overdraft {
			// The excess over the nominal limit draws from overdraft
			regular := c.limit - state.Consumed
			if regular < 0 {
				regular = 0
			}
			if regular > amount {
				regular = amount
			}
			state.Consumed += regular
			state.OverdraftUsed += amount - regular
			result.Allowed = true
		} else {
			result.Allowed = false
		}

		fired := 0
		if result.Allowed {
			fired = c.checkThresholds(state, key)
			result.AlertTriggered = fired > 0
		}
		result.Remaining = maxInt64(c.limit-state.Consumed, 0)
		result.OverdraftRemaining = c.overdraft - state.OverdraftUsed

		if !result.Allowed && old != nil && !c.dirty(old, state) {
			// Nothing changed; no write needed.
			return result, nil
		}

		next, err := json.Marshal(state)
		if err != nil {
			return nil, errs.NewStorage("quota encode", err)
		}
		swapped, err := c.store.CompareAndSwap(ctx, storeKey, old, next, 2*c.window)
		if err != nil {
			return nil, errs.NewStorage("quota swap", err)
		}
		if swapped {
			if fired > 0 {
				c.fireAlerts(state, key, fired)
			}
			return result, nil
		}
	}

	return nil, errs.ErrContentionExhausted
}

// Reset clears the key's quota state so the next consumption starts a
// fresh window.
func (c *Controller) Reset(ctx context.Context, key string) error {
	if key == "" {
		return errs.NewValidation("key", "cannot be empty")
	}
	if err := c.store.Delete(ctx, c.keyPrefix+key); err != nil {
		return errs.NewStorage("quota reset", err)
	}
	return nil
}

// Status returns a snapshot of the key's quota without consuming.
func (c *Controller) Status(ctx context.Context, key string) (*Status, error) {
	if key == "" {
		return nil, errs.NewValidation("key", "cannot be empty")
	}

	state, _, err := c.loadState(ctx, c.keyPrefix+key)
	if err != nil {
		return nil, err
	}
	c.rollover(state, time.Now())

	return &Status{
		Consumed:           state.Consumed,
		OverdraftUsed:      state.OverdraftUsed,
		Remaining:          maxInt64(c.limit-state.Consumed, 0),
		OverdraftRemaining: c.overdraft - state.OverdraftUsed,
		WindowReset:        time.Unix(0, state.WindowStart).Add(c.window),
	}, nil
}

// loadState fetches and decodes the key's state. A missing key yields a
// fresh window; old is nil in that case so the subsequent CAS creates it.
func (c *Controller) loadState(ctx context.Context, storeKey string) (*quotaState, []byte, error) {
	raw, found, err := c.store.Get(ctx, storeKey)
	if err != nil {
		return nil, nil, errs.NewStorage("quota get", err)
	}
	if !found {
		return &quotaState{WindowStart: time.Now().UnixNano()}, nil, nil
	}

	state := &quotaState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, nil, errs.NewStorage("quota decode", err)
	}
	return state, raw, nil
}

// rollover resets counters when the current time has crossed the window
// boundary. Rollover is lazy; no background timer runs.
func (c *Controller) rollover(state *quotaState, now time.Time) {
	start := time.Unix(0, state.WindowStart)
	if now.Sub(start) < c.window {
		return
	}

	// Advance to the window containing now
	windowsPassed := now.Sub(start) / c.window
	state.WindowStart = start.Add(windowsPassed * c.window).UnixNano()
	state.Consumed = 0
	state.OverdraftUsed = 0
	state.FiredMask = 0
}

// checkThresholds marks newly crossed thresholds in the fired mask and
// returns a bitmask of the ones to fire.
func (c *Controller) checkThresholds(state *quotaState, key string) int {
	fired := 0
	for i, threshold := range c.thresholds {
		bit := uint8(1) << i
		if state.FiredMask&bit != 0 {
			continue
		}
		if state.Consumed+state.OverdraftUsed >= c.limit*int64(threshold)/100 {
			state.FiredMask |= bit
			fired |= 1 << i
		}
	}
	return fired
}

// fireAlerts invokes the alert callback for each newly crossed threshold.
// Called only after the state carrying the fired bits has been committed,
// so each threshold alerts at most once per window.
func (c *Controller) fireAlerts(state *quotaState, key string, fired int) {
	for i, threshold := range c.thresholds {
		if fired&(1<<i) == 0 {
			continue
		}
		consumed := state.Consumed + state.OverdraftUsed
		c.logger.Warn("quota threshold crossed",
			"key", key,
			"threshold_percent", threshold,
			"consumed", consumed,
			"limit", c.limit,
		)
		if c.onAlert != nil {
			c.onAlert(key, threshold, consumed, c.limit)
		}
	}
}

// dirty reports whether the in-memory state differs from its stored form.
func (c *Controller) dirty(old []byte, state *quotaState) bool {
	current, err := json.Marshal(state)
	if err != nil {
		return true
	}
	return string(current) != string(old)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
