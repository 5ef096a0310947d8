package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kirky-X/limiteron/pkg/config"
	"github.com/Kirky-X/limiteron/pkg/flow"
)

func request(value string) *flow.RequestContext {
	return &flow.RequestContext{
		Identifiers: []flow.Identifier{{Type: flow.IdentifierUser, Value: value}},
		Timestamp:   time.Now(),
	}
}

func TestBuildDefaultConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := Build(ctx, config.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer eng.Close()

	if eng.BanManager == nil {
		t.Error("default config should include the ban stage")
	}
	if eng.Sweeper == nil || !eng.Sweeper.IsRunning() {
		t.Error("ban sweeper should be running")
	}

	decision, err := eng.Governor.Check(ctx, request("alice"))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow, got %+v", decision)
	}
}

func TestBuildRespectsStageToggles(t *testing.T) {
	cfg := config.DefaultConfig()
	disabled := false
	cfg.Ban.Enabled = &disabled
	cfg.RateLimit.Enabled = &disabled
	cfg.Quota.Enabled = true
	cfg.Quota.Limit = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer eng.Close()

	if eng.BanManager != nil {
		t.Error("disabled ban stage should not construct a manager")
	}

	// Quota of 2 with 20 percent overdraft rounds to 2 total.
	for i := 0; i < 2; i++ {
		decision, err := eng.Governor.Check(ctx, request("bob"))
		if err != nil || !decision.Allowed {
			t.Fatalf("request %d should pass: %+v %v", i, decision, err)
		}
	}
	decision, err := eng.Governor.Check(ctx, request("bob"))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Allowed || decision.Reason != flow.ReasonQuotaExceeded {
		t.Errorf("expected quota denial, got %+v", decision)
	}
}

func TestBuildWiresConcurrencyLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Concurrency.Enabled = true
	cfg.Concurrency.MaxInFlight = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer eng.Close()

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		eng.Governor.Do(ctx, request("dan"), func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	decision, err := eng.Governor.Do(ctx, request("dan"), func() error { return nil })
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if decision.Allowed || decision.Reason != flow.ReasonRateLimited {
		t.Errorf("expected concurrency denial while the slot is held, got %+v", decision)
	}
}

func TestBuildSQLiteBackends(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Path = filepath.Join(dir, "state.db")
	cfg.Ban.Backend = "sqlite"
	cfg.Ban.Path = filepath.Join(dir, "bans.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Build with sqlite backends failed: %v", err)
	}
	defer eng.Close()

	decision, err := eng.Governor.Check(ctx, request("carol"))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow, got %+v", decision)
	}
}
