package flow

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
)

// stubCheck records evaluation order and returns a canned decision.
type stubCheck struct {
	name     string
	decision *Decision
	err      error
	calls    atomic.Int64
	order    *[]string
}

func (s *stubCheck) Name() string { return s.name }

func (s *stubCheck) Evaluate(ctx context.Context, req *RequestContext) (*Decision, error) {
	s.calls.Add(1)
	if s.order != nil {
		*s.order = append(*s.order, s.name)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.decision, nil
}

func testRequest() *RequestContext {
	return &RequestContext{
		Identifiers: []Identifier{{Type: IdentifierUser, Value: "alice"}},
	}
}

// ===== Ordering =====

func TestChainEvaluatesByDescendingPriority(t *testing.T) {
	var order []string
	chain := NewChain()
	chain.Add(&stubCheck{name: "low", decision: Allow(), order: &order}, 1, false)
	chain.Add(&stubCheck{name: "high", decision: Allow(), order: &order}, 10, false)
	chain.Add(&stubCheck{name: "mid", decision: Allow(), order: &order}, 5, false)

	decision, err := chain.Check(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected allow when every check passes")
	}

	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("expected %d evaluations, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestChainEqualPrioritiesKeepInsertionOrder(t *testing.T) {
	var order []string
	chain := NewChain()
	chain.Add(&stubCheck{name: "first", decision: Allow(), order: &order}, 5, false)
	chain.Add(&stubCheck{name: "second", decision: Allow(), order: &order}, 5, false)
	chain.Add(&stubCheck{name: "third", decision: Allow(), order: &order}, 5, false)

	if _, err := chain.Check(context.Background(), testRequest()); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("equal priorities should evaluate in insertion order, got %v", order)
	}
}

// ===== Short-circuit =====

func TestChainShortCircuitSkipsLaterChecks(t *testing.T) {
	denier := &stubCheck{name: "denier", decision: Deny(ReasonBanned, "banned")}
	later := &stubCheck{name: "later", decision: Allow()}

	chain := NewChain()
	chain.Add(denier, 10, true)
	chain.Add(later, 1, false)

	decision, err := chain.Check(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Allowed {
		t.Error("expected denial")
	}
	if decision.Reason != ReasonBanned {
		t.Errorf("expected reason %s, got %s", ReasonBanned, decision.Reason)
	}
	if later.calls.Load() != 0 {
		t.Errorf("short-circuit should skip later checks, got %d calls", later.calls.Load())
	}
}

func TestChainNonShortCircuitContinuesAndFirstDenialWins(t *testing.T) {
	first := &stubCheck{name: "first", decision: Deny(ReasonRateLimited, "rate")}
	second := &stubCheck{name: "second", decision: Deny(ReasonQuotaExceeded, "quota")}

	chain := NewChain()
	chain.Add(first, 10, false)
	chain.Add(second, 1, false)

	decision, err := chain.Check(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Reason != ReasonRateLimited {
		t.Errorf("first denial should win, got %s", decision.Reason)
	}
	if second.calls.Load() != 1 {
		t.Error("non-short-circuit denial should not stop evaluation")
	}
}

func TestChainCanceledContextStopsEvaluation(t *testing.T) {
	check := &stubCheck{name: "check", decision: Allow()}
	chain := NewChain()
	chain.Add(check, 1, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := chain.Check(ctx, testRequest()); err == nil {
		t.Error("expected context error from canceled evaluation")
	}
	if check.calls.Load() != 0 {
		t.Error("canceled context should prevent evaluation")
	}
}

// ===== Aggregation =====

func TestChainCheckAllAggregatesDenials(t *testing.T) {
	chain := NewChain()
	chain.Add(&stubCheck{name: "a", decision: Deny(ReasonRateLimited, "over the rate")}, 10, true)
	chain.Add(&stubCheck{name: "b", decision: Allow()}, 5, false)
	chain.Add(&stubCheck{name: "c", decision: Deny(ReasonQuotaExceeded, "over the quota")}, 1, false)

	decision, err := chain.CheckAll(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected aggregated denial")
	}
	if decision.Reason != ReasonRateLimited {
		t.Errorf("highest-priority denial's reason should win, got %s", decision.Reason)
	}
	if !strings.Contains(decision.Detail, "over the rate") || !strings.Contains(decision.Detail, "over the quota") {
		t.Errorf("aggregated detail should list every denial, got %q", decision.Detail)
	}
}

func TestChainCheckAllAllowsWhenEveryCheckPasses(t *testing.T) {
	chain := NewChain()
	chain.Add(&stubCheck{name: "a", decision: Allow()}, 1, false)
	chain.Add(&stubCheck{name: "b", decision: Allow()}, 2, false)

	decision, err := chain.CheckAll(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected allow")
	}
}

// ===== Counters =====

func TestChainRejectionCounts(t *testing.T) {
	denier := &stubCheck{name: "denier", decision: Deny(ReasonRateLimited, "no")}
	passer := &stubCheck{name: "passer", decision: Allow()}

	chain := NewChain()
	chain.Add(passer, 10, false)
	chain.Add(denier, 1, false)

	for i := 0; i < 3; i++ {
		if _, err := chain.Check(context.Background(), testRequest()); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
	}

	counts := chain.Rejections()
	if counts["denier"] != 3 {
		t.Errorf("expected 3 rejections for denier, got %d", counts["denier"])
	}
	if counts["passer"] != 0 {
		t.Errorf("expected 0 rejections for passer, got %d", counts["passer"])
	}
}
