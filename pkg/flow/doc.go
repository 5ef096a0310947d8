// Package flow is the decision engine's public surface. A Governor
// composes ban checking, rate limiting, quota accounting, and circuit
// breaking into a single Check call returning one Decision, with
// configurable ordering, short-circuit evaluation, deny-wins aggregation,
// and a fail-open/fail-closed fallback for storage outages.
package flow
