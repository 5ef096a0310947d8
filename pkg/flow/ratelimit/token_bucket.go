package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

// casMaxRetries bounds the compare-and-swap loop on a contended key.
const casMaxRetries = 3

// casInitialBackoff is the sleep before the first CAS retry; it doubles
// on each subsequent retry.
const casInitialBackoff = 50 * time.Microsecond

// TokenBucket implements the token bucket rate limiting algorithm over a
// storage.Store.
//
// The bucket allows bursts up to the capacity while maintaining an average
// rate over time. Refill is computed lazily from the elapsed time since
// the last recorded state; no background timer runs.
//
// # Algorithm
//
//  1. Load the stored bucket state (a missing key is a full bucket)
//  2. Add elapsed*rate tokens, up to capacity
//  3. If tokens >= cost, deduct and admit; otherwise deny
//  4. Commit the new state with compare-and-swap
//  5. On a lost race, retry with exponential backoff, at most
//     casMaxRetries times, then fail with ErrContentionExhausted
type TokenBucket struct {
	store      storage.Store
	capacity   int64
	refillRate float64 // tokens added per second
	ttl        time.Duration
	keyPrefix  string
}

// bucketState is the serialized per-key state.
type bucketState struct {
	Tokens     int64 `json:"tokens"`
	LastRefill int64 `json:"last_refill"` // unix nanoseconds
}

// NewTokenBucket creates a token bucket limiter.
//
// Parameters:
//   - capacity: maximum number of tokens in the bucket (burst size)
//   - refillRate: tokens added per second (average rate)
func NewTokenBucket(store storage.Store, capacity int64, refillRate float64) (*TokenBucket, error) {
	if store == nil {
		return nil, errs.NewValidation("store", "cannot be nil")
	}
	if capacity <= 0 {
		return nil, errs.NewValidation("capacity", "must be positive")
	}
	if refillRate <= 0 {
		return nil, errs.NewValidation("refill_rate", "must be positive")
	}

	return &TokenBucket{
		store:      store,
		capacity:   capacity,
		refillRate: refillRate,
		// Idle keys expire once a drained bucket would have fully refilled.
		ttl:       2 * time.Duration(float64(capacity)/refillRate*float64(time.Second)),
		keyPrefix: "tb:",
	}, nil
}

// Check attempts to consume cost tokens for the key.
func (tb *TokenBucket) Check(ctx context.Context, key string, cost int64) (*CheckResult, error) {
	if err := validateCost(cost); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errs.NewValidation("key", "cannot be empty")
	}

	storeKey := tb.keyPrefix + key
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

		raw, found, err := tb.store.Get(ctx, storeKey)
		if err != nil {
			return nil, errs.NewStorage("token bucket get", err)
		}

		now := time.Now()
		state := bucketState{Tokens: tb.capacity, LastRefill: now.UnixNano()}
		var old []byte
		if found {
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, errs.NewStorage("token bucket decode", err)
			}
			old = raw
			tb.refill(&state, now)
		}

		result := &CheckResult{
			Allowed: state.Tokens >= cost,
			Limit:   tb.capacity,
		}
		if result.Allowed {
			state.Tokens -= cost
		} else {
			result.Reason = "rate limit exceeded"
			result.RetryAfter = tb.timeUntilAvailable(&state, cost)
		}
		result.Remaining = state.Tokens
		result.Reset = now.Add(tb.timeUntilAvailable(&state, tb.capacity))

		next, err := json.Marshal(&state)
		if err != nil {
			return nil, errs.NewStorage("token bucket encode", err)
		}

		swapped, err := tb.store.CompareAndSwap(ctx, storeKey, old, next, tb.ttl)
		if err != nil {
			return nil, errs.NewStorage("token bucket swap", err)
		}
		if swapped {
			return result, nil
		}
		// Lost the race; reload and retry.
	}

	return nil, errs.ErrContentionExhausted
}

// refill adds tokens based on elapsed time since the last refill.
// The refill timestamp only advances when at least one whole token was
// added, so fractional progress is never lost.
func (tb *TokenBucket) refill(state *bucketState, now time.Time) {
	elapsed := now.Sub(time.Unix(0, state.LastRefill))
	if elapsed <= 0 {
		return
	}

	tokensToAdd := int64(elapsed.Seconds() * tb.refillRate)
	if tokensToAdd > 0 {
		state.Tokens += tokensToAdd
		if state.Tokens > tb.capacity {
			state.Tokens = tb.capacity
		}
		state.LastRefill = now.UnixNano()
	}
}

// timeUntilAvailable returns how long until n tokens will be available.
func (tb *TokenBucket) timeUntilAvailable(state *bucketState, n int64) time.Duration {
	if state.Tokens >= n {
		return 0
	}
	needed := n - state.Tokens
	return time.Duration(float64(needed) / tb.refillRate * float64(time.Second))
}
