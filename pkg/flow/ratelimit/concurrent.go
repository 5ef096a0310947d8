package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

// acquirePollInterval is how often a waiting acquire re-checks capacity.
const acquirePollInterval = 5 * time.Millisecond

// Concurrent limits the number of simultaneous in-flight requests per key.
//
// Admission increments an in-flight counter; the caller receives a Permit
// whose Release must run on every exit path. Release is idempotent, so
// deferring it is always safe. The increment-then-rollback pattern keeps
// the counter exact under concurrent acquires without holding any lock
// across the storage call.
type Concurrent struct {
	store         storage.Store
	maxConcurrent int64
	keyPrefix     string
}

// Permit represents one admitted in-flight request. Release returns the
// slot; calling it more than once has no effect.
type Permit struct {
	limiter *Concurrent
	key     string
	once    sync.Once
}

// Release returns the permit's slot to the limiter.
func (p *Permit) Release() {
	p.once.Do(func() {
		// The request is already finished; releasing must not be tied to
		// its (possibly cancelled) context.
		_, _ = p.limiter.store.Increment(context.Background(), p.limiter.storeKey(p.key), -1, 0)
	})
}

// NewConcurrent creates a concurrency limiter.
func NewConcurrent(store storage.Store, maxConcurrent int64) (*Concurrent, error) {
	if store == nil {
		return nil, errs.NewValidation("store", "cannot be nil")
	}
	if maxConcurrent <= 0 {
		return nil, errs.NewValidation("max_concurrent", "must be positive")
	}

	return &Concurrent{
		store:         store,
		maxConcurrent: maxConcurrent,
		keyPrefix:     "cc:",
	}, nil
}

// Check reports whether an acquire would currently succeed, without
// holding a slot. Cost is interpreted as the number of slots the request
// would occupy.
func (c *Concurrent) Check(ctx context.Context, key string, cost int64) (*CheckResult, error) {
	if err := validateCost(cost); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errs.NewValidation("key", "cannot be empty")
	}

	inFlight, err := c.InFlight(ctx, key)
	if err != nil {
		return nil, err
	}

	allowed := inFlight+cost <= c.maxConcurrent
	result := &CheckResult{
		Allowed:   allowed,
		Limit:     c.maxConcurrent,
		Remaining: maxInt64(c.maxConcurrent-inFlight, 0),
	}
	if !allowed {
		result.Reason = "concurrency limit exceeded"
	}
	return result, nil
}

// Acquire attempts to take one in-flight slot for the key. It returns a
// nil Permit (and a nil error) when the limiter is at capacity.
func (c *Concurrent) Acquire(ctx context.Context, key string) (*Permit, error) {
	if key == "" {
		return nil, errs.NewValidation("key", "cannot be empty")
	}

	count, err := c.store.Increment(ctx, c.storeKey(key), 1, 0)
	if err != nil {
		return nil, errs.NewStorage("concurrent increment", err)
	}

	if count > c.maxConcurrent {
		// Over capacity: roll the increment back.
		if _, err := c.store.Increment(ctx, c.storeKey(key), -1, 0); err != nil {
			return nil, errs.NewStorage("concurrent rollback", err)
		}
		return nil, nil
	}

	return &Permit{limiter: c, key: key}, nil
}

// AcquireWait attempts to take a slot, retrying until one frees up or the
// wait timeout expires. Returns a nil Permit when the timeout elapses at
// capacity.
func (c *Concurrent) AcquireWait(ctx context.Context, key string, timeout time.Duration) (*Permit, error) {
	if timeout <= 0 {
		return c.Acquire(ctx, key)
	}

	deadline := time.Now().Add(timeout)
	for {
		permit, err := c.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if permit != nil {
			return permit, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// InFlight returns the current in-flight count for a key.
func (c *Concurrent) InFlight(ctx context.Context, key string) (int64, error) {
	raw, found, err := c.store.Get(ctx, c.storeKey(key))
	if err != nil {
		return 0, errs.NewStorage("concurrent get", err)
	}
	if !found {
		return 0, nil
	}
	count, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, errs.NewStorage("concurrent decode", err)
	}
	return count, nil
}

func (c *Concurrent) storeKey(key string) string {
	return c.keyPrefix + key
}
