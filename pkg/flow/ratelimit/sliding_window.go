package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

// WeightFunc maps the overlap fraction of the sliding frame into the
// previous window (0..1) to the weight applied to the previous window's
// count. LinearWeight is the default.
type WeightFunc func(overlap float64) float64

// LinearWeight weights the previous window by the raw overlap fraction.
func LinearWeight(overlap float64) float64 {
	return overlap
}

// SlidingWindow approximates a true sliding window using the current and
// immediately preceding fixed window, weighting the previous window's
// count by how much of the sliding frame still falls inside it:
//
//	weighted = prev*weight(overlap) + current
//
// A request is admitted while weighted + cost <= limit. This bounds the
// worst-case boundary burst far below the 2x limit a pair of independent
// fixed windows would allow.
type SlidingWindow struct {
	store     storage.Store
	limit     int64
	window    time.Duration
	weight    WeightFunc
	keyPrefix string
}

// SlidingWindowConfig configures a sliding window limiter.
type SlidingWindowConfig struct {
	// Limit is the maximum weighted count per sliding frame.
	Limit int64

	// Window is the frame duration.
	Window time.Duration

	// Weight overrides the interpolation formula.
	// Default: LinearWeight
	Weight WeightFunc
}

// NewSlidingWindow creates a sliding window limiter with linear weighting.
func NewSlidingWindow(store storage.Store, limit int64, window time.Duration) (*SlidingWindow, error) {
	return NewSlidingWindowWithConfig(store, SlidingWindowConfig{Limit: limit, Window: window})
}

// NewSlidingWindowWithConfig creates a sliding window limiter with custom
// configuration.
func NewSlidingWindowWithConfig(store storage.Store, cfg SlidingWindowConfig) (*SlidingWindow, error) {
	if store == nil {
		return nil, errs.NewValidation("store", "cannot be nil")
	}
	if cfg.Limit <= 0 {
		return nil, errs.NewValidation("limit", "must be positive")
	}
	if cfg.Window <= 0 {
		return nil, errs.NewValidation("window", "must be positive")
	}
	if cfg.Weight == nil {
		cfg.Weight = LinearWeight
	}

	return &SlidingWindow{
		store:     store,
		limit:     cfg.Limit,
		window:    cfg.Window,
		weight:    cfg.Weight,
		keyPrefix: "sw:",
	}, nil
}

// Check attempts to admit a request with the given cost for the key.
func (sw *SlidingWindow) Check(ctx context.Context, key string, cost int64) (*CheckResult, error) {
	if err := validateCost(cost); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errs.NewValidation("key", "cannot be empty")
	}

	now := time.Now()
	index := now.UnixNano() / int64(sw.window)
	elapsed := now.UnixNano() % int64(sw.window)
	overlap := 1.0 - float64(elapsed)/float64(sw.window)

	currentKey := sw.windowKey(key, index)
	previousKey := sw.windowKey(key, index-1)
	reset := time.Unix(0, (index+1)*int64(sw.window))

	// Commit the cost before reading, so concurrent checks on the same key
	// each observe the others' increments. Denials roll the cost back.
	current, err := sw.store.Increment(ctx, currentKey, cost, 2*sw.window)
	if err != nil {
		return nil, errs.NewStorage("sliding window increment", err)
	}
	previous, err := sw.loadCount(ctx, previousKey)
	if err != nil {
		if _, rbErr := sw.store.Increment(ctx, currentKey, -cost, 2*sw.window); rbErr != nil {
			return nil, errs.NewStorage("sliding window rollback", rbErr)
		}
		return nil, err
	}

	weighted := float64(previous)*sw.weight(overlap) + float64(current)

	if weighted > float64(sw.limit) {
		if _, err := sw.store.Increment(ctx, currentKey, -cost, 2*sw.window); err != nil {
			return nil, errs.NewStorage("sliding window rollback", err)
		}
		remaining := int64(float64(sw.limit) - weighted + float64(cost))
		return &CheckResult{
			Allowed:    false,
			Reason:     "rate limit exceeded",
			Limit:      sw.limit,
			Remaining:  maxInt64(remaining, 0),
			Reset:      reset,
			RetryAfter: time.Until(reset),
		}, nil
	}

	remaining := int64(float64(sw.limit) - weighted)

	return &CheckResult{
		Allowed:   true,
		Limit:     sw.limit,
		Remaining: maxInt64(remaining, 0),
		Reset:     reset,
	}, nil
}

func (sw *SlidingWindow) windowKey(key string, index int64) string {
	return fmt.Sprintf("%s%s:%d", sw.keyPrefix, key, index)
}

func (sw *SlidingWindow) loadCount(ctx context.Context, key string) (int64, error) {
	raw, found, err := sw.store.Get(ctx, key)
	if err != nil {
		return 0, errs.NewStorage("sliding window get", err)
	}
	if !found {
		return 0, nil
	}
	count, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, errs.NewStorage("sliding window decode", err)
	}
	return count, nil
}
