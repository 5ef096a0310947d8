// Package breaker implements a three-state circuit breaker protecting a
// downstream resource: Closed while healthy, Open after repeated
// failures, HalfOpen while probing for recovery.
//
// The entire state (phase, counters, transition time) lives in one
// immutable snapshot swapped via compare-and-swap on an atomic pointer,
// so concurrent Allow and Record calls observe transitions atomically and
// two simultaneous failure reports can never both win a transition.
package breaker

import (
	"sync/atomic"
	"time"
)

// State is the circuit breaker phase.
type State int32

const (
	// StateClosed is the normal state; requests pass through.
	StateClosed State = iota

	// StateOpen rejects all requests until the timeout elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe requests.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit. Default: 5
	FailureThreshold int

	// SuccessThreshold is the probe success count that closes a half-open
	// circuit. Default: 2
	SuccessThreshold int

	// Timeout is how long an open circuit waits before probing.
	// Default: 60s
	Timeout time.Duration

	// HalfOpenMaxCalls caps concurrent probes while half-open.
	// Default: 3
	HalfOpenMaxCalls int

	// Disabled turns the breaker into a zero-overhead always-allow no-op.
	Disabled bool
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// snapshot is one immutable version of the breaker state. Transitions
// build a new snapshot and CAS it in; a lost race means another call
// already transitioned and the loser re-reads.
type snapshot struct {
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	changedAt     time.Time
}

// Breaker is a circuit breaker for one protected resource.
type Breaker struct {
	config  Config
	current atomic.Pointer[snapshot]
}

// New creates a circuit breaker. A disabled breaker holds no state and
// always allows.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}

	b := &Breaker{config: cfg}
	if !cfg.Disabled {
		b.current.Store(&snapshot{state: StateClosed, changedAt: time.Now()})
	}
	return b
}

// Allow reports whether a request may proceed. An open circuit whose
// timeout has elapsed moves to half-open, and the call that wins that
// transition is admitted as the first probe.
func (b *Breaker) Allow() bool {
	if b.config.Disabled {
		return true
	}

	for {
		cur := b.current.Load()
		switch cur.state {
		case StateClosed:
			return true

		case StateOpen:
			if time.Since(cur.changedAt) < b.config.Timeout {
				return false
			}
			// Timeout elapsed: probe. The winning caller passes through,
			// so the half-open call count starts at one.
			next := &snapshot{state: StateHalfOpen, halfOpenCalls: 1, changedAt: time.Now()}
			if b.current.CompareAndSwap(cur, next) {
				return true
			}

		case StateHalfOpen:
			if cur.halfOpenCalls >= b.config.HalfOpenMaxCalls {
				return false
			}
			next := *cur
			next.halfOpenCalls++
			if b.current.CompareAndSwap(cur, &next) {
				return true
			}
		}
	}
}

// RecordSuccess reports a successful call against the protected resource.
func (b *Breaker) RecordSuccess() {
	if b.config.Disabled {
		return
	}

	for {
		cur := b.current.Load()
		switch cur.state {
		case StateClosed:
			if cur.failures == 0 {
				return
			}
			next := *cur
			next.failures = 0
			if b.current.CompareAndSwap(cur, &next) {
				return
			}

		case StateHalfOpen:
			next := *cur
			next.successes++
			if next.successes >= b.config.SuccessThreshold {
				// Recovery confirmed
				next = snapshot{state: StateClosed, changedAt: time.Now()}
			}
			if b.current.CompareAndSwap(cur, &next) {
				return
			}

		case StateOpen:
			// A late success from before the trip changes nothing.
			return
		}
	}
}

// RecordFailure reports a failed call against the protected resource.
func (b *Breaker) RecordFailure() {
	if b.config.Disabled {
		return
	}

	for {
		cur := b.current.Load()
		switch cur.state {
		case StateClosed:
			next := *cur
			next.failures++
			if next.failures >= b.config.FailureThreshold {
				next = snapshot{state: StateOpen, changedAt: time.Now()}
			}
			if b.current.CompareAndSwap(cur, &next) {
				return
			}

		case StateHalfOpen:
			// A failed probe re-opens and restarts the timeout.
			next := &snapshot{state: StateOpen, changedAt: time.Now()}
			if b.current.CompareAndSwap(cur, next) {
				return
			}

		case StateOpen:
			return
		}
	}
}

// State returns the current phase. A disabled breaker reports closed.
func (b *Breaker) State() State {
	if b.config.Disabled {
		return StateClosed
	}
	return b.current.Load().state
}

// Execute runs fn under the breaker: a rejected call returns false
// without invoking fn, and fn's error outcome feeds the failure counter.
func (b *Breaker) Execute(fn func() error) (bool, error) {
	if !b.Allow() {
		return false, nil
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return true, err
}
