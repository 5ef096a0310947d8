package storage

import (
	"context"
	"time"
)

// Store defines the interface for per-key flow-control state.
// Implementations must be thread-safe and support concurrent access.
type Store interface {
	// Get retrieves the value for a key.
	// The second return is false if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value for a key with a TTL.
	// A TTL of zero means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. No-op if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Increment atomically adds delta to the counter stored at key and
	// returns the new value. A missing or expired key counts as zero.
	// The TTL applies only when the entry is created by this call.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// CompareAndSwap atomically replaces the value at key with next if the
	// current value equals old. An old of nil means create-if-absent.
	// Returns false without error when the comparison fails.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)

	// Close releases any resources held by the store.
	// The store should not be used after calling Close.
	Close() error
}
