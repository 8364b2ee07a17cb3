package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory audit log for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
}

// NewMemoryStore creates a new in-memory audit log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Entry)}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries = append(m.entries, &cp)
	m.byID[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByAggregate(_ context.Context, eventType, aggregateID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first.
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.EventType == eventType && e.AggregateID == aggregateID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.LocationID != "" && e.LocationID != f.LocationID {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
			continue
		}
		if f.Processed != nil && e.Processed != *f.Processed {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) SumAmountsSince(_ context.Context, eventType, locationID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.entries {
		if e.EventType == eventType && e.LocationID == locationID && !e.CreatedAt.Before(since) {
			total += e.AmountCents
		}
	}
	return total, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Processed = true
	e.ProcessedAt = &at
	return nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
