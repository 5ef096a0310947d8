package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Kirky-X/limiteron/internal/engine"
	"github.com/Kirky-X/limiteron/pkg/config"
	"github.com/Kirky-X/limiteron/pkg/flow"
	"github.com/Kirky-X/limiteron/pkg/server"
)

func newTestEngine(t *testing.T, ctx context.Context) *engine.Engine {
	t.Helper()
	eng, err := engine.Build(ctx, config.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return eng
}

func TestEngineSwapperConcurrentReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.DefaultConfig()
	initial := newTestEngine(t, ctx)
	srv, err := server.NewServer(&cfg.Server, server.Options{
		Governor:   initial.Governor,
		BanManager: initial.BanManager,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	swapper := &engineSwapper{srv: srv, current: initial}

	// Overlapping reloads must not close any engine twice or leave the
	// server holding a closed one.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			swapper.swap(newTestEngine(t, ctx))
		}()
	}
	wg.Wait()
	defer swapper.current.Close()

	decision, err := swapper.current.Governor.Check(ctx, &flow.RequestContext{
		Identifiers: []flow.Identifier{{Type: flow.IdentifierUser, Value: "reload-check"}},
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Check on surviving engine failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("surviving engine should admit, got %+v", decision)
	}
}
