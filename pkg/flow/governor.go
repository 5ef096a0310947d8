package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/ban"
	"github.com/Kirky-X/limiteron/pkg/flow/breaker"
	"github.com/Kirky-X/limiteron/pkg/flow/errs"
	"github.com/Kirky-X/limiteron/pkg/flow/quota"
	"github.com/Kirky-X/limiteron/pkg/flow/ratelimit"
)

// Stage names used in configuration, metrics, and stats.
const (
	StageBan       = "ban"
	StageRateLimit = "rate_limit"
	StageQuota     = "quota"
	StageBreaker   = "circuit_breaker"
)

// DefaultOrder is the stage evaluation order when none is configured.
var DefaultOrder = []string{StageBan, StageRateLimit, StageQuota, StageBreaker}

// GovernorConfig assembles the checks a Governor runs and how it runs
// them. Stages whose component is nil are skipped.
type GovernorConfig struct {
	// Order lists the stages to evaluate, first to last. Empty means
	// DefaultOrder. A stage omitted here is disabled even when its
	// component is set.
	Order []string

	// Concurrent evaluates every stage at once and aggregates with
	// deny-wins semantics. Ties break by Order position.
	Concurrent bool

	// Fallback is applied when a stage's backend keeps failing after the
	// retry budget. Default FailOpen.
	Fallback FallbackPolicy

	// Retry bounds the per-stage retry loop for storage failures.
	Retry errs.RetryConfig

	BanChecker *ban.ParallelChecker
	Limiter    ratelimit.Limiter
	Quota      *quota.Controller
	Breaker    *breaker.Breaker

	// Concurrency caps in-flight work run through Do. Nil disables the
	// cap. Check alone never consults it, since a bare decision has no
	// release point for the slot.
	Concurrency *ratelimit.Concurrent

	// AcquireTimeout bounds how long Do waits for a free concurrency
	// slot. Zero denies immediately at capacity.
	AcquireTimeout time.Duration

	// Metrics is optional. Nil disables metric recording.
	Metrics *Metrics
}

// Governor is the decision engine facade. It evaluates a request against
// the configured ban, rate limit, quota, and circuit breaker stages and
// returns a single Decision.
type Governor struct {
	cfg     GovernorConfig
	chain   *Chain
	guards  []*guardedCheck
	breaker *breaker.Breaker
	metrics *Metrics
	logger  *slog.Logger

	total    atomic.Int64
	allowed  atomic.Int64
	rejected atomic.Int64
	banned   atomic.Int64
	errCount atomic.Int64
}

// Stats is a point-in-time snapshot of governor counters.
type Stats struct {
	Total    int64
	Allowed  int64
	Rejected int64
	Banned   int64
	Errors   int64
}

// NewGovernor validates the configuration and builds the decision chain.
func NewGovernor(cfg GovernorConfig) (*Governor, error) {
	if len(cfg.Order) == 0 {
		cfg.Order = DefaultOrder
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FailOpen
	}
	if !cfg.Fallback.Valid() {
		return nil, errs.NewValidation("fallback", "must be fail-open or fail-closed")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = errs.DefaultRetryConfig()
	}

	g := &Governor{
		cfg:     cfg,
		chain:   NewChain(),
		breaker: cfg.Breaker,
		metrics: cfg.Metrics,
		logger:  slog.Default().With("component", "governor"),
	}

	seen := make(map[string]bool, len(cfg.Order))
	for i, stage := range cfg.Order {
		if seen[stage] {
			return nil, errs.NewValidation("order", fmt.Sprintf("duplicate stage %q", stage))
		}
		seen[stage] = true

		inner, err := g.stageCheck(stage)
		if err != nil {
			return nil, err
		}
		if inner == nil {
			continue
		}

		guard := &guardedCheck{
			inner:    inner,
			reason:   stageReason(stage),
			fallback: cfg.Fallback,
			retry:    cfg.Retry,
			metrics:  cfg.Metrics,
			logger:   g.logger,
		}
		g.guards = append(g.guards, guard)

		// Earlier stages get higher priority. Every stage short-circuits
		// in sequential mode so a ban denial never spends limiter tokens.
		g.chain.Add(guard, len(cfg.Order)-i, true)
	}

	return g, nil
}

func (g *Governor) stageCheck(stage string) (Check, error) {
	switch stage {
	case StageBan:
		if g.cfg.BanChecker == nil {
			return nil, nil
		}
		return &banCheck{checker: g.cfg.BanChecker}, nil
	case StageRateLimit:
		if g.cfg.Limiter == nil {
			return nil, nil
		}
		return &rateCheck{limiter: g.cfg.Limiter}, nil
	case StageQuota:
		if g.cfg.Quota == nil {
			return nil, nil
		}
		return &quotaCheck{ctrl: g.cfg.Quota}, nil
	case StageBreaker:
		if g.cfg.Breaker == nil {
			return nil, nil
		}
		return &breakerCheck{b: g.cfg.Breaker}, nil
	default:
		return nil, errs.NewValidation("order", fmt.Sprintf("unknown stage %q", stage))
	}
}

// Check evaluates one request. Denials are results, not errors; an error
// means the request could not be evaluated at all.
func (g *Governor) Check(ctx context.Context, req *RequestContext) (*Decision, error) {
	if req == nil {
		return nil, errs.NewValidation("request", "must not be nil")
	}
	if req.PrimaryKey() == "" {
		return nil, errs.NewValidation("identifiers", "at least one identifier is required")
	}

	g.total.Add(1)

	var decision *Decision
	var err error
	if g.cfg.Concurrent {
		decision, err = g.checkConcurrent(ctx, req)
	} else {
		decision, err = g.chain.Check(ctx, req)
	}
	if err != nil {
		g.errCount.Add(1)
		return nil, err
	}

	g.metrics.RecordCheck(decision.Allowed)
	if decision.Allowed {
		g.allowed.Add(1)
		return decision, nil
	}

	g.rejected.Add(1)
	if decision.Reason == ReasonBanned {
		g.banned.Add(1)
	}
	g.metrics.RecordDenial(decision.Reason)
	return decision, nil
}

// checkConcurrent runs every stage at once. All stages spend their side
// effects regardless of the others; the denial from the earliest stage in
// the configured order wins.
func (g *Governor) checkConcurrent(ctx context.Context, req *RequestContext) (*Decision, error) {
	type result struct {
		decision *Decision
		err      error
	}
	results := make([]result, len(g.guards))

	var wg sync.WaitGroup
	for i, guard := range g.guards {
		wg.Add(1)
		go func(i int, guard *guardedCheck) {
			defer wg.Done()
			d, err := guard.Evaluate(ctx, req)
			results[i] = result{decision: d, err: err}
		}(i, guard)
	}
	wg.Wait()

	var denial *Decision
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		if !r.decision.Allowed && denial == nil {
			denial = r.decision
		}
	}
	if denial != nil {
		return denial, nil
	}
	return Allow(), nil
}

// ReportSuccess informs the circuit breaker that downstream work for a
// previously admitted request succeeded.
func (g *Governor) ReportSuccess() {
	if g.breaker != nil {
		g.breaker.RecordSuccess()
	}
}

// ReportFailure informs the circuit breaker that downstream work failed.
func (g *Governor) ReportFailure() {
	if g.breaker != nil {
		g.breaker.RecordFailure()
	}
}

// Do admits the request and, when allowed, runs fn and feeds its outcome
// to the circuit breaker. The decision is returned either way.
func (g *Governor) Do(ctx context.Context, req *RequestContext, fn func() error) (*Decision, error) {
	decision, err := g.Check(ctx, req)
	if err != nil || !decision.Allowed {
		return decision, err
	}
	if fn == nil {
		return decision, nil
	}

	if g.cfg.Concurrency != nil {
		permit, denied, err := g.acquireSlot(ctx, req)
		if err != nil {
			g.errCount.Add(1)
			return nil, err
		}
		if denied != nil {
			// Check counted the admission before the slot ran out.
			g.allowed.Add(-1)
			g.rejected.Add(1)
			g.metrics.RecordDenial(denied.Reason)
			return denied, nil
		}
		if permit != nil {
			defer permit.Release()
		}
	}

	if err := fn(); err != nil {
		g.ReportFailure()
		return decision, err
	}
	g.ReportSuccess()
	return decision, nil
}

// acquireSlot takes an in-flight slot for the request's primary key. A
// nil permit with a nil decision means the backend failed and the
// fail-open policy admitted the request without a slot.
func (g *Governor) acquireSlot(ctx context.Context, req *RequestContext) (*ratelimit.Permit, *Decision, error) {
	permit, err := g.cfg.Concurrency.AcquireWait(ctx, req.PrimaryKey(), g.cfg.AcquireTimeout)
	if err != nil {
		if !errs.IsStorage(err) {
			return nil, nil, err
		}
		g.metrics.RecordFallback("concurrency", g.cfg.Fallback)
		g.logger.Warn("concurrency limiter unavailable, applying fallback",
			"policy", string(g.cfg.Fallback),
			"error", err)
		if g.cfg.Fallback == FailOpen {
			return nil, nil, nil
		}
		return nil, Deny(ReasonRateLimited, "concurrency check unavailable"), nil
	}
	if permit == nil {
		return nil, Deny(ReasonRateLimited, "concurrency limit exceeded"), nil
	}
	return permit, nil, nil
}

// Stats returns a snapshot of the governor's counters.
func (g *Governor) Stats() Stats {
	return Stats{
		Total:    g.total.Load(),
		Allowed:  g.allowed.Load(),
		Rejected: g.rejected.Load(),
		Banned:   g.banned.Load(),
		Errors:   g.errCount.Load(),
	}
}

// Rejections returns per-stage denial counts.
func (g *Governor) Rejections() map[string]int64 {
	return g.chain.Rejections()
}

func stageReason(stage string) DenyReason {
	switch stage {
	case StageBan:
		return ReasonBanned
	case StageQuota:
		return ReasonQuotaExceeded
	case StageBreaker:
		return ReasonCircuitOpen
	default:
		return ReasonRateLimited
	}
}

// effectiveCost normalizes the request cost. Zero means one unit.
func effectiveCost(req *RequestContext) int64 {
	if req.Cost == 0 {
		return 1
	}
	return req.Cost
}

// guardedCheck wraps a stage with the retry budget and the fallback
// policy, so storage failures never surface raw from Governor.Check.
type guardedCheck struct {
	inner    Check
	reason   DenyReason
	fallback FallbackPolicy
	retry    errs.RetryConfig
	metrics  *Metrics
	logger   *slog.Logger
}

func (gc *guardedCheck) Name() string { return gc.inner.Name() }

func (gc *guardedCheck) Evaluate(ctx context.Context, req *RequestContext) (*Decision, error) {
	start := time.Now()
	var decision *Decision
	err := errs.Retry(ctx, gc.retry, func() error {
		d, evalErr := gc.inner.Evaluate(ctx, req)
		if evalErr != nil {
			return evalErr
		}
		decision = d
		return nil
	})
	gc.metrics.RecordCheckDuration(gc.inner.Name(), time.Since(start).Seconds())

	if err == nil {
		return decision, nil
	}
	if !errs.IsStorage(err) && !errors.Is(err, errs.ErrContentionExhausted) {
		return nil, err
	}

	gc.metrics.RecordFallback(gc.inner.Name(), gc.fallback)
	gc.logger.Warn("check unavailable, applying fallback",
		"stage", gc.inner.Name(),
		"policy", string(gc.fallback),
		"error", err)

	if gc.fallback == FailOpen {
		return Allow(), nil
	}
	d := Deny(gc.reason, fmt.Sprintf("%s check unavailable", gc.inner.Name()))
	return d, nil
}

// banCheck denies when any of the request's identifiers carries an
// active ban.
type banCheck struct {
	checker *ban.ParallelChecker
}

func (bc *banCheck) Name() string { return StageBan }

func (bc *banCheck) Evaluate(ctx context.Context, req *RequestContext) (*Decision, error) {
	record, err := bc.checker.Check(ctx, req.TargetValues())
	if err != nil {
		return nil, err
	}
	if record == nil {
		return Allow(), nil
	}

	d := Deny(ReasonBanned, fmt.Sprintf("target %s is banned: %s", record.Target, record.Reason))
	d.Ban = record
	if !record.ExpiresAt.IsZero() {
		d.RetryAfter = time.Until(record.ExpiresAt)
	}
	return d, nil
}

type rateCheck struct {
	limiter ratelimit.Limiter
}

func (rc *rateCheck) Name() string { return StageRateLimit }

func (rc *rateCheck) Evaluate(ctx context.Context, req *RequestContext) (*Decision, error) {
	result, err := rc.limiter.Check(ctx, req.PrimaryKey(), effectiveCost(req))
	if err != nil {
		return nil, err
	}
	if result.Allowed {
		return Allow(), nil
	}

	d := Deny(ReasonRateLimited, result.Reason)
	d.RetryAfter = result.RetryAfter
	return d, nil
}

type quotaCheck struct {
	ctrl *quota.Controller
}

func (qc *quotaCheck) Name() string { return StageQuota }

func (qc *quotaCheck) Evaluate(ctx context.Context, req *RequestContext) (*Decision, error) {
	result, err := qc.ctrl.Consume(ctx, req.PrimaryKey(), effectiveCost(req))
	if err != nil {
		return nil, err
	}
	if result.Allowed {
		return Allow(), nil
	}

	d := Deny(ReasonQuotaExceeded, "quota exhausted including overdraft")
	d.RetryAfter = time.Until(result.WindowReset)
	return d, nil
}

type breakerCheck struct {
	b *breaker.Breaker
}

func (bk *breakerCheck) Name() string { return StageBreaker }

func (bk *breakerCheck) Evaluate(ctx context.Context, req *RequestContext) (*Decision, error) {
	if bk.b.Allow() {
		return Allow(), nil
	}
	return Deny(ReasonCircuitOpen, "circuit breaker is open"), nil
}
