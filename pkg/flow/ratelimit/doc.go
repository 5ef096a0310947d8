// Package ratelimit implements the admission algorithms of the decision
// engine: token bucket, fixed window, sliding window, and concurrency
// limiting.
//
// All limiters share the same contract: given a key and a positive cost,
// report whether the request is admitted. Per-key state lives behind the
// storage.Store capability and is mutated atomically, either through
// compare-and-swap retry loops (token bucket) or atomic increments with
// rollback (windows, concurrency), so the limiters are correct under
// concurrent traffic without any cross-key locking.
package ratelimit
