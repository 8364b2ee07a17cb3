package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewMemoryStore creates an empty in-memory queue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*Operation)}
}

func (s *MemoryStore) Create(_ context.Context, op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return ErrOperationNotFound
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Operation
	for _, op := range s.ops {
		if op.Status != StatusPending {
			continue
		}
		cp := *op
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Metrics(_ context.Context) (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Metrics
	for _, op := range s.ops {
		switch op.Status {
		case StatusPending:
			m.Pending++
		case StatusProcessing:
			m.Processing++
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		}
	}
	return &m, nil
}

func (s *MemoryStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, op := range s.ops {
		if op.Status != StatusCompleted || op.CompletedAt == nil {
			continue
		}
		if op.CompletedAt.Before(cutoff) {
			delete(s.ops, id)
			deleted++
		}
	}
	return deleted, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
