package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

// ===== Token Bucket Tests =====

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	tb, err := NewTokenBucket(store, 10, 1)
	if err != nil {
		t.Fatalf("NewTokenBucket failed: %v", err)
	}

	ctx := context.Background()

	// Ten cost-1 checks with no elapsed time admit all ten
	for i := 0; i < 10; i++ {
		result, err := tb.Check(ctx, "user-1", 1)
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("Check %d should be allowed", i)
		}
	}

	// The eleventh is denied
	result, err := tb.Check(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Error("Eleventh check should be denied")
	}
	if result.Reason == "" {
		t.Error("Denied result should carry a reason")
	}
	if result.RetryAfter <= 0 {
		t.Error("Denied result should suggest a retry delay")
	}
}

func TestTokenBucket_RefillAdmitsOne(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	tb, _ := NewTokenBucket(store, 10, 1)
	ctx := context.Background()

	// Drain the bucket
	for i := 0; i < 10; i++ {
		_, _ = tb.Check(ctx, "user-1", 1)
	}

	// After one second at 1 token/s, exactly one further check is admitted
	time.Sleep(1050 * time.Millisecond)

	result, err := tb.Check(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Check after refill should be allowed")
	}

	result, _ = tb.Check(ctx, "user-1", 1)
	if result.Allowed {
		t.Error("Second check after single refill should be denied")
	}
}

func TestTokenBucket_CostValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	tb, _ := NewTokenBucket(store, 10, 1)
	ctx := context.Background()

	_, err := tb.Check(ctx, "user-1", 0)
	if !errs.IsValidation(err) {
		t.Errorf("Expected ValidationError for zero cost, got %v", err)
	}

	_, err = tb.Check(ctx, "user-1", -5)
	if !errs.IsValidation(err) {
		t.Errorf("Expected ValidationError for negative cost, got %v", err)
	}

	_, err = tb.Check(ctx, "user-1", MaxCost+1)
	if !errs.IsValidation(err) {
		t.Errorf("Expected ValidationError for oversized cost, got %v", err)
	}
}

func TestTokenBucket_IndependentKeys(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	tb, _ := NewTokenBucket(store, 2, 1)
	ctx := context.Background()

	_, _ = tb.Check(ctx, "user-1", 2)
	result, _ := tb.Check(ctx, "user-1", 1)
	if result.Allowed {
		t.Error("user-1 should be drained")
	}

	result, _ = tb.Check(ctx, "user-2", 1)
	if !result.Allowed {
		t.Error("user-2 should be unaffected by user-1's usage")
	}
}

func TestTokenBucket_ConcurrentNeverOverAdmits(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	tb, _ := NewTokenBucket(store, 100, 0.001)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				result, err := tb.Check(ctx, "shared", 1)
				if err != nil {
					if errors.Is(err, errs.ErrContentionExhausted) {
						continue
					}
					t.Errorf("Check failed: %v", err)
					return
				}
				if result.Allowed {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if admitted > 100 {
		t.Errorf("Admitted %d requests, capacity is 100", admitted)
	}
}

func TestTokenBucket_ContentionExhausted(t *testing.T) {
	store := &casLosingStore{Store: storage.NewMemoryStore()}
	defer store.Close()

	tb, _ := NewTokenBucket(store, 10, 1)

	_, err := tb.Check(context.Background(), "user-1", 1)
	if !errors.Is(err, errs.ErrContentionExhausted) {
		t.Errorf("Expected ErrContentionExhausted, got %v", err)
	}
}

// ===== Fixed Window Tests =====

func TestFixedWindow_LimitWithinWindow(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	fw, err := NewFixedWindow(store, 5, time.Second)
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := fw.Check(ctx, "user-1", 1)
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("Check %d should be allowed", i)
		}
	}

	result, _ := fw.Check(ctx, "user-1", 1)
	if result.Allowed {
		t.Error("Sixth check within the window should be denied")
	}
}

func TestFixedWindow_Rollover(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	window := 100 * time.Millisecond
	fw, _ := NewFixedWindow(store, 3, window)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = fw.Check(ctx, "user-1", 1)
	}
	result, _ := fw.Check(ctx, "user-1", 1)
	if result.Allowed {
		t.Fatal("Fourth check should be denied")
	}

	// Wait clear of the boundary so the next check lands in a new window
	time.Sleep(window + window/2)

	result, err := fw.Check(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Check after rollover should be allowed")
	}
	if result.Remaining != 2 {
		t.Errorf("Expected fresh window with remaining 2, got %d", result.Remaining)
	}
}

func TestFixedWindow_DenialDoesNotBurnCapacity(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	fw, _ := NewFixedWindow(store, 5, time.Minute)
	ctx := context.Background()

	// A large denied cost must not consume window capacity
	result, _ := fw.Check(ctx, "user-1", 6)
	if result.Allowed {
		t.Fatal("Cost above limit should be denied")
	}

	for i := 0; i < 5; i++ {
		result, _ := fw.Check(ctx, "user-1", 1)
		if !result.Allowed {
			t.Fatalf("Check %d should still be allowed after denied oversized cost", i)
		}
	}
}

// ===== Sliding Window Tests =====

func TestSlidingWindow_BoundsBoundaryBurst(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	limit := int64(10)
	window := 200 * time.Millisecond
	sw, err := NewSlidingWindow(store, limit, window)
	if err != nil {
		t.Fatalf("NewSlidingWindow failed: %v", err)
	}

	ctx := context.Background()

	// Hammer across several window boundaries; count admissions within
	// each rolling frame of one window length.
	type stamp struct{ at time.Time }
	var admitted []stamp

	deadline := time.Now().Add(3 * window)
	for time.Now().Before(deadline) {
		result, err := sw.Check(ctx, "user-1", 1)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if result.Allowed {
			admitted = append(admitted, stamp{at: time.Now()})
		}
		time.Sleep(time.Millisecond)
	}

	// No rolling frame may exceed 2x limit; the interpolation should keep
	// it well below the naive double-window worst case.
	for i := range admitted {
		count := 0
		frameEnd := admitted[i].at.Add(window)
		for j := i; j < len(admitted) && admitted[j].at.Before(frameEnd); j++ {
			count++
		}
		if int64(count) >= 2*limit {
			t.Fatalf("Rolling frame admitted %d, naive double-window bound is %d", count, 2*limit)
		}
	}

	if len(admitted) == 0 {
		t.Fatal("Expected some admissions")
	}
}

func TestSlidingWindow_DeniesAtLimit(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	sw, _ := NewSlidingWindow(store, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := sw.Check(ctx, "user-1", 1)
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("Check %d should be allowed", i)
		}
	}

	result, _ := sw.Check(ctx, "user-1", 1)
	if result.Allowed {
		t.Error("Check beyond limit should be denied")
	}
}

func TestSlidingWindow_ConcurrentNeverOverAdmits(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	sw, _ := NewSlidingWindow(store, 5, 10*time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	var admitted atomic.Int64

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := sw.Check(ctx, "shared", 1)
			if err != nil {
				t.Errorf("Check failed: %v", err)
				return
			}
			if result.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := admitted.Load(); n > 5 {
		t.Errorf("Admitted %d requests in one frame, limit is 5", n)
	}
}

func TestSlidingWindow_CustomWeight(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	// A zero weight degrades to a plain fixed window
	sw, err := NewSlidingWindowWithConfig(store, SlidingWindowConfig{
		Limit:  3,
		Window: time.Minute,
		Weight: func(overlap float64) float64 { return 0 },
	})
	if err != nil {
		t.Fatalf("NewSlidingWindowWithConfig failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, _ := sw.Check(ctx, "user-1", 1)
		if !result.Allowed {
			t.Fatalf("Check %d should be allowed", i)
		}
	}
	result, _ := sw.Check(ctx, "user-1", 1)
	if result.Allowed {
		t.Error("Fourth check should be denied")
	}
}

// ===== Concurrency Limiter Tests =====

func TestConcurrent_AcquireRelease(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	c, err := NewConcurrent(store, 3)
	if err != nil {
		t.Fatalf("NewConcurrent failed: %v", err)
	}

	ctx := context.Background()

	var permits []*Permit
	for i := 0; i < 3; i++ {
		permit, err := c.Acquire(ctx, "user-1")
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		if permit == nil {
			t.Fatalf("Acquire %d should succeed", i)
		}
		permits = append(permits, permit)
	}

	// Fourth concurrent acquire is denied
	permit, err := c.Acquire(ctx, "user-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if permit != nil {
		t.Fatal("Fourth acquire should be denied at capacity")
	}

	// A release frees a slot
	permits[0].Release()
	permit, _ = c.Acquire(ctx, "user-1")
	if permit == nil {
		t.Fatal("Acquire after release should succeed")
	}
	permit.Release()

	for _, p := range permits[1:] {
		p.Release()
	}

	inFlight, _ := c.InFlight(ctx, "user-1")
	if inFlight != 0 {
		t.Errorf("Expected 0 in flight after all releases, got %d", inFlight)
	}
}

func TestConcurrent_ReleaseIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	c, _ := NewConcurrent(store, 3)
	ctx := context.Background()

	permit, _ := c.Acquire(ctx, "user-1")
	permit.Release()
	permit.Release()
	permit.Release()

	inFlight, _ := c.InFlight(ctx, "user-1")
	if inFlight != 0 {
		t.Errorf("Expected 0 in flight after repeated release, got %d", inFlight)
	}
}

func TestConcurrent_CountStaysInBounds(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	c, _ := NewConcurrent(store, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := c.Acquire(ctx, "shared")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			if permit == nil {
				return
			}
			defer permit.Release()

			inFlight, err := c.InFlight(ctx, "shared")
			if err != nil {
				t.Errorf("InFlight failed: %v", err)
				return
			}
			if inFlight < 0 || inFlight > 3 {
				t.Errorf("In-flight count %d out of bounds [0, 3]", inFlight)
			}
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()

	inFlight, _ := c.InFlight(ctx, "shared")
	if inFlight != 0 {
		t.Errorf("Expected 0 in flight after all goroutines finished, got %d", inFlight)
	}
}

func TestConcurrent_AcquireWait(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	c, _ := NewConcurrent(store, 1)
	ctx := context.Background()

	permit, _ := c.Acquire(ctx, "user-1")
	if permit == nil {
		t.Fatal("First acquire should succeed")
	}

	// Release the slot shortly after the waiter starts
	go func() {
		time.Sleep(20 * time.Millisecond)
		permit.Release()
	}()

	waited, err := c.AcquireWait(ctx, "user-1", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireWait failed: %v", err)
	}
	if waited == nil {
		t.Fatal("AcquireWait should succeed once the slot frees up")
	}
	waited.Release()
}

func TestConcurrent_AcquireWaitTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	c, _ := NewConcurrent(store, 1)
	ctx := context.Background()

	permit, _ := c.Acquire(ctx, "user-1")
	defer permit.Release()

	waited, err := c.AcquireWait(ctx, "user-1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireWait failed: %v", err)
	}
	if waited != nil {
		t.Error("AcquireWait should time out while the slot is held")
	}
}

// ===== Storage Failure Tests =====

func TestLimiters_StorageErrorSurfaced(t *testing.T) {
	store := &failingStore{}

	tb, _ := NewTokenBucket(store, 10, 1)
	if _, err := tb.Check(context.Background(), "k", 1); !errs.IsStorage(err) {
		t.Errorf("TokenBucket: expected StorageError, got %v", err)
	}

	fw, _ := NewFixedWindow(store, 5, time.Second)
	if _, err := fw.Check(context.Background(), "k", 1); !errs.IsStorage(err) {
		t.Errorf("FixedWindow: expected StorageError, got %v", err)
	}

	sw, _ := NewSlidingWindow(store, 5, time.Second)
	if _, err := sw.Check(context.Background(), "k", 1); !errs.IsStorage(err) {
		t.Errorf("SlidingWindow: expected StorageError, got %v", err)
	}

	c, _ := NewConcurrent(store, 3)
	if _, err := c.Acquire(context.Background(), "k"); !errs.IsStorage(err) {
		t.Errorf("Concurrent: expected StorageError, got %v", err)
	}
}

// ===== Test Doubles =====

// casLosingStore makes every CompareAndSwap lose its race.
type casLosingStore struct {
	storage.Store
}

func (s *casLosingStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	return false, nil
}

// failingStore fails every operation with a transient error.
type failingStore struct{}

var errBackendDown = errors.New("backend unreachable")

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errBackendDown
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errBackendDown
}

func (s *failingStore) Delete(ctx context.Context, key string) error {
	return errBackendDown
}

func (s *failingStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return 0, errBackendDown
}

func (s *failingStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	return false, errBackendDown
}

func (s *failingStore) Close() error { return nil }
