package terminal

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory terminal registry store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal
}

// NewMemoryStore creates a new in-memory terminal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{terminals: make(map[string]*Terminal)}
}

func (m *MemoryStore) Create(_ context.Context, t *Terminal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.terminals[t.ID]; ok {
		return ErrTerminalExists
	}
	cp := *t
	m.terminals[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.terminals[id]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Terminal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.terminals[t.ID]; !ok {
		return ErrTerminalNotFound
	}
	cp := *t
	m.terminals[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.terminals[id]; !ok {
		return ErrTerminalNotFound
	}
	delete(m.terminals, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) ListByLocation(_ context.Context, locationID string) ([]*Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Terminal
	for _, t := range m.terminals {
		if t.LocationID == locationID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
