package storage

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// shardCount is the number of independently locked partitions.
// Must be a power of two so the shard index is a cheap mask.
const shardCount = 64

// MemoryStore implements Store using sharded in-memory maps.
// This is the default backend and provides fast access with no persistence.
// All data is lost when the process exits.
//
// Keys are distributed across 64 shards by FNV-1a hash, each protected by
// its own sync.RWMutex, so concurrent traffic on different keys rarely
// contends on the same lock.
type MemoryStore struct {
	shards [shardCount]*shard

	// maxEntriesPerShard caps each shard before oldest-entry eviction.
	maxEntriesPerShard int

	// cleanupInterval is how often to sweep expired entries.
	cleanupInterval time.Duration

	// done signals the cleanup goroutine to stop.
	done      chan struct{}
	closeOnce sync.Once
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	value     []byte
	counter   int64
	isCounter bool
	expiresAt time.Time // zero means no expiry
	updatedAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStoreConfig configures the memory store.
type MemoryStoreConfig struct {
	// MaxEntries is the maximum number of entries to store across all
	// shards. Oldest entries are evicted when a shard fills.
	// Default: 100,000
	MaxEntries int

	// CleanupInterval is how often to sweep expired entries.
	// Default: 1 minute
	CleanupInterval time.Duration
}

// NewMemoryStore creates a new in-memory store with default settings.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryStoreConfig{})
}

// NewMemoryStoreWithConfig creates a new in-memory store with custom configuration.
func NewMemoryStoreWithConfig(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	store := &MemoryStore{
		maxEntriesPerShard: (cfg.MaxEntries + shardCount - 1) / shardCount,
		cleanupInterval:    cfg.CleanupInterval,
		done:               make(chan struct{}),
	}
	for i := range store.shards {
		store.shards[i] = &shard{entries: make(map[string]*entry)}
	}

	go store.cleanupLoop()

	return store
}

// Get retrieves the value for a key.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("key cannot be empty")
	}

	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	if e.isCounter {
		return counterBytes(e.counter), true, nil
	}
	return e.value, true, nil
}

// Set stores a value for a key with a TTL.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if len(s.entries) >= m.maxEntriesPerShard {
		if _, exists := s.entries[key]; !exists {
			s.evictOldestLocked()
		}
	}

	s.entries[key] = &entry{
		value:     value,
		expiresAt: expiry(now, ttl),
		updatedAt: now,
	}
	return nil
}

// Delete removes a key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Increment atomically adds delta to the counter stored at key.
func (m *MemoryStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = &entry{
			isCounter: true,
			expiresAt: expiry(now, ttl),
		}
		s.entries[key] = e
	}
	if !e.isCounter {
		return 0, fmt.Errorf("key %q does not hold a counter", key)
	}

	e.counter += delta
	e.updatedAt = now
	return e.counter, nil
}

// CompareAndSwap atomically replaces the value at key with next if the
// current value equals old.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key cannot be empty")
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if ok && e.expired(now) {
		delete(s.entries, key)
		ok = false
	}

	if old == nil {
		if ok {
			return false, nil
		}
		s.entries[key] = &entry{
			value:     next,
			expiresAt: expiry(now, ttl),
			updatedAt: now,
		}
		return true, nil
	}

	if !ok || e.isCounter || !bytes.Equal(e.value, old) {
		return false, nil
	}

	e.value = next
	e.expiresAt = expiry(now, ttl)
	e.updatedAt = now
	return true, nil
}

// Close releases any resources held by the store.
// Close is idempotent and safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}

// Size returns the current number of stored entries across all shards.
// This is useful for monitoring and testing.
func (m *MemoryStore) Size() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// shardFor selects the shard owning a key.
func (m *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()&(shardCount-1)]
}

// evictOldestLocked evicts the least recently updated entry in a shard.
// Caller must hold the shard's write lock.
func (s *shard) evictOldestLocked() {
	var (
		oldestKey  string
		oldestTime time.Time
		found      bool
	)
	for key, e := range s.entries {
		if !found || e.updatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.updatedAt
			found = true
		}
	}
	if found {
		delete(s.entries, oldestKey)
	}
}

// cleanupLoop sweeps expired entries on a fixed interval.
func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, s := range m.shards {
				s.mu.Lock()
				for key, e := range s.entries {
					if e.expired(now) {
						delete(s.entries, key)
					}
				}
				s.mu.Unlock()
			}
		case <-m.done:
			return
		}
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func counterBytes(n int64) []byte {
	return []byte(fmt.Sprintf("%d", n))
}
