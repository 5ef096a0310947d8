package ratelimit

import (
	"context"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
)

// MaxCost is the largest cost a single check may carry. Costs above this
// are rejected as validation failures.
const MaxCost = 1_000_000

// Limiter is the common admission contract implemented by every rate
// limiting algorithm in this package.
type Limiter interface {
	// Check reports whether a request with the given cost is admitted for
	// the key. A denial is a successful result, not an error; errors are
	// reserved for validation failures, storage failures, and contention
	// exhaustion.
	Check(ctx context.Context, key string, cost int64) (*CheckResult, error)
}

// CheckResult contains the result of a rate limit check.
type CheckResult struct {
	// Allowed indicates if the request is permitted.
	Allowed bool

	// Reason explains why the request was rejected (if Allowed=false).
	Reason string

	// Limit is the configured limit value.
	Limit int64

	// Remaining is how many requests/tokens remain in the window.
	Remaining int64

	// Reset is when the limit window resets.
	Reset time.Time

	// RetryAfter suggests how long to wait before retrying.
	RetryAfter time.Duration
}

// validateCost rejects non-positive and oversized costs.
func validateCost(cost int64) error {
	if cost <= 0 {
		return errs.NewValidation("cost", "must be positive")
	}
	if cost > MaxCost {
		return errs.NewValidation("cost", "exceeds maximum")
	}
	return nil
}
