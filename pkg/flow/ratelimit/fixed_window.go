package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

// FixedWindow implements fixed window rate limiting over a storage.Store.
//
// The active window is the integer division of current time by the window
// length, so all instances sharing a store agree on window boundaries.
// Crossing into a new window lazily starts a fresh counter on next access;
// no background timer runs. The counter for an old window simply expires
// via TTL.
type FixedWindow struct {
	store     storage.Store
	limit     int64
	window    time.Duration
	keyPrefix string
}

// NewFixedWindow creates a fixed window limiter.
func NewFixedWindow(store storage.Store, limit int64, window time.Duration) (*FixedWindow, error) {
	if store == nil {
		return nil, errs.NewValidation("store", "cannot be nil")
	}
	if limit <= 0 {
		return nil, errs.NewValidation("limit", "must be positive")
	}
	if window <= 0 {
		return nil, errs.NewValidation("window", "must be positive")
	}

	return &FixedWindow{
		store:     store,
		limit:     limit,
		window:    window,
		keyPrefix: "fw:",
	}, nil
}

// Check attempts to admit a request with the given cost for the key.
//
// The counter is incremented first; if the result overshoots the limit the
// increment is rolled back so a denied request does not burn window
// capacity.
func (fw *FixedWindow) Check(ctx context.Context, key string, cost int64) (*CheckResult, error) {
	if err := validateCost(cost); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errs.NewValidation("key", "cannot be empty")
	}

	now := time.Now()
	index := now.UnixNano() / int64(fw.window)
	storeKey := fmt.Sprintf("%s%s:%d", fw.keyPrefix, key, index)
	reset := time.Unix(0, (index+1)*int64(fw.window))

	count, err := fw.store.Increment(ctx, storeKey, cost, 2*fw.window)
	if err != nil {
		return nil, errs.NewStorage("fixed window increment", err)
	}

	if count > fw.limit {
		// Roll back so the denied cost is not charged against the window.
		if _, err := fw.store.Increment(ctx, storeKey, -cost, 2*fw.window); err != nil {
			return nil, errs.NewStorage("fixed window rollback", err)
		}
		return &CheckResult{
			Allowed:    false,
			Reason:     "rate limit exceeded",
			Limit:      fw.limit,
			Remaining:  maxInt64(fw.limit-(count-cost), 0),
			Reset:      reset,
			RetryAfter: time.Until(reset),
		}, nil
	}

	return &CheckResult{
		Allowed:   true,
		Limit:     fw.limit,
		Remaining: fw.limit - count,
		Reset:     reset,
	}, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
