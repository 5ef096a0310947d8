package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	c, err := NewController(store, cfg)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c
}

// ===== Consumption Tests =====

func TestController_OverdraftAllowance(t *testing.T) {
	c := newTestController(t, Config{Limit: 100, Window: time.Hour})
	ctx := context.Background()

	// Consuming 110 in total succeeds: 100 regular + 10 overdraft
	result, err := c.Consume(ctx, "user-1", 60)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("First consumption should be allowed")
	}

	result, err = c.Consume(ctx, "user-1", 50)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("Consumption into overdraft should be allowed")
	}
	if result.Remaining != 0 {
		t.Errorf("Expected 0 regular remaining, got %d", result.Remaining)
	}
	if result.OverdraftRemaining != 10 {
		t.Errorf("Expected 10 overdraft remaining, got %d", result.OverdraftRemaining)
	}

	// Only 10 overdraft remained, so a further 15 fails
	result, err = c.Consume(ctx, "user-1", 15)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if result.Allowed {
		t.Error("Consumption beyond overdraft should be denied")
	}

	// The denied attempt must not have spent anything
	status, _ := c.Status(ctx, "user-1")
	if status.OverdraftRemaining != 10 {
		t.Errorf("Denied attempt changed overdraft: %d", status.OverdraftRemaining)
	}
}

func TestController_ZeroAmountTriviallyAllowed(t *testing.T) {
	c := newTestController(t, Config{Limit: 10, Window: time.Hour})

	result, err := c.Consume(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Zero amount should be trivially allowed")
	}
}

func TestController_NegativeAmountRejected(t *testing.T) {
	c := newTestController(t, Config{Limit: 10, Window: time.Hour})

	_, err := c.Consume(context.Background(), "user-1", -1)
	if !errs.IsValidation(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestController_WindowRollover(t *testing.T) {
	c := newTestController(t, Config{Limit: 10, Window: 50 * time.Millisecond, OverdraftPercent: 20})
	ctx := context.Background()

	result, _ := c.Consume(ctx, "user-1", 10)
	if !result.Allowed {
		t.Fatal("Consumption up to limit should be allowed")
	}

	time.Sleep(60 * time.Millisecond)

	// Rollover is lazy: the next access sees a fresh window
	result, err := c.Consume(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Consumption after rollover should be allowed")
	}
	if result.Remaining != 0 {
		t.Errorf("Expected fresh window fully consumed, remaining %d", result.Remaining)
	}
}

func TestController_Reset(t *testing.T) {
	c := newTestController(t, Config{Limit: 10, Window: time.Hour})
	ctx := context.Background()

	_, _ = c.Consume(ctx, "user-1", 10)
	if err := c.Reset(ctx, "user-1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	result, _ := c.Consume(ctx, "user-1", 10)
	if !result.Allowed {
		t.Error("Consumption after reset should be allowed")
	}
}

// ===== Alert Tests =====

func TestController_AlertFiresOncePerWindow(t *testing.T) {
	var mu sync.Mutex
	var alerts []int

	store := storage.NewMemoryStore()
	defer store.Close()

	c, err := NewController(store, Config{
		Limit:           100,
		Window:          50 * time.Millisecond,
		AlertThresholds: []int{80},
		OnAlert: func(key string, threshold int, consumed, limit int64) {
			mu.Lock()
			alerts = append(alerts, threshold)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	ctx := context.Background()

	result, _ := c.Consume(ctx, "user-1", 80)
	if !result.AlertTriggered {
		t.Error("Crossing 80% should trigger an alert")
	}

	// Staying above the threshold must not re-fire within the window
	result, _ = c.Consume(ctx, "user-1", 5)
	if result.AlertTriggered {
		t.Error("Alert should be suppressed for the rest of the window")
	}

	mu.Lock()
	if len(alerts) != 1 {
		t.Errorf("Expected exactly 1 alert, got %d", len(alerts))
	}
	mu.Unlock()

	// A new window re-arms the alert
	time.Sleep(60 * time.Millisecond)
	result, _ = c.Consume(ctx, "user-1", 80)
	if !result.AlertTriggered {
		t.Error("Alert should re-arm after window rollover")
	}

	mu.Lock()
	if len(alerts) != 2 {
		t.Errorf("Expected 2 alerts across two windows, got %d", len(alerts))
	}
	mu.Unlock()
}

func TestController_MultipleThresholds(t *testing.T) {
	var mu sync.Mutex
	var alerts []int

	store := storage.NewMemoryStore()
	defer store.Close()

	c, _ := NewController(store, Config{
		Limit:  100,
		Window: time.Hour,
		OnAlert: func(key string, threshold int, consumed, limit int64) {
			mu.Lock()
			alerts = append(alerts, threshold)
			mu.Unlock()
		},
	})

	ctx := context.Background()

	// A single large consumption crosses 80, 90, and 100 at once
	_, _ = c.Consume(ctx, "user-1", 100)

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 3 {
		t.Fatalf("Expected 3 alerts, got %d (%v)", len(alerts), alerts)
	}
}

// ===== Concurrency Tests =====

func TestController_ConcurrentConsumersNeverOverspend(t *testing.T) {
	c := newTestController(t, Config{Limit: 100, Window: time.Hour, OverdraftPercent: 20})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	spent := int64(0)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				result, err := c.Consume(ctx, "shared", 1)
				if err != nil {
					// Contention exhaustion is an acceptable outcome
					// under this deliberately hostile interleaving.
					continue
				}
				if result.Allowed {
					mu.Lock()
					spent++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// limit 100 + overdraft 20
	if spent > 120 {
		t.Errorf("Spent %d, allowance is 120", spent)
	}
}
