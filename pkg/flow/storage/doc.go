// Package storage defines the abstract state capability that all stateful
// flow-control components depend on, along with an in-process sharded
// backend and a SQLite-backed durable backend.
//
// The Store interface is deliberately small: get, set with TTL, delete,
// atomic increment, and compare-and-swap. Limiters, the quota controller,
// and the circuit breaker build their per-key state transitions on top of
// these primitives, so any backend that implements them correctly can be
// substituted without touching the algorithms.
package storage
