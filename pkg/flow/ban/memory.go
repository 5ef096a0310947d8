package ban

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory maps. This is the default
// store; all history is lost when the process exits.
type MemoryStore struct {
	mu sync.RWMutex

	// records holds the full ban history, keyed by record ID.
	records map[string]*Record

	// activeByTarget indexes the record currently in force per target.
	activeByTarget map[string]string
}

// NewMemoryStore creates an in-memory ban store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:        make(map[string]*Record),
		activeByTarget: make(map[string]string),
	}
}

// Active returns the ban currently in force for a target, or nil.
func (m *MemoryStore) Active(ctx context.Context, target string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.activeByTarget[target]
	if !ok {
		return nil, nil
	}
	record := m.records[id]
	if record == nil || !record.ActiveAt(time.Now()) {
		return nil, nil
	}

	clone := *record
	return &clone, nil
}

// Save inserts or updates a record and refreshes the active index.
func (m *MemoryStore) Save(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.ID == "" {
		return fmt.Errorf("record id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *record
	m.records[record.ID] = &clone

	if clone.ActiveAt(time.Now()) {
		m.activeByTarget[clone.Target] = clone.ID
	} else if m.activeByTarget[clone.Target] == clone.ID {
		delete(m.activeByTarget, clone.Target)
	}
	return nil
}

// List returns records matching the filter, newest first.
func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var matched []*Record
	for _, record := range m.records {
		if filter.TargetType != "" && record.TargetType != filter.TargetType {
			continue
		}
		if filter.TargetPattern != "" && !strings.Contains(record.Target, filter.TargetPattern) {
			continue
		}
		if filter.ActiveOnly && !record.ActiveAt(now) {
			continue
		}
		clone := *record
		matched = append(matched, &clone)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > len(matched) {
		limit = len(matched)
	}
	return matched[:limit], nil
}

// CleanupExpired deletes expired automatic bans, at most batchSize.
func (m *MemoryStore) CleanupExpired(ctx context.Context, now time.Time, batchSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, record := range m.records {
		if removed >= batchSize {
			break
		}
		if record.Source == SourceManual {
			continue
		}
		if record.ExpiresAt.IsZero() || now.Before(record.ExpiresAt) {
			continue
		}

		delete(m.records, id)
		if m.activeByTarget[record.Target] == id {
			delete(m.activeByTarget, record.Target)
		}
		removed++
	}
	return removed, nil
}

// Close releases any resources held by the store.
func (m *MemoryStore) Close() error {
	return nil
}
