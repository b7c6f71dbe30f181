package breakpoint

import (
	"context"
	"sort"
	"sync"
)

// Store persists suspensions keyed by run id.
type Store interface {
	// Save stores s. It returns ErrAlreadySuspended if the run has one.
	Save(ctx context.Context, s *Suspension) error

	// Load returns the run's suspension or ErrNoSuspension.
	Load(ctx context.Context, runID string) (*Suspension, error)

	// Delete removes the run's suspension or returns ErrNoSuspension.
	Delete(ctx context.Context, runID string) error

	// List returns every suspension, oldest first.
	List(ctx context.Context) ([]*Suspension, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Suspension
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Suspension)}
}

func (m *MemoryStore) Save(_ context.Context, s *Suspension) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[s.RunID]; exists {
		return ErrAlreadySuspended
	}
	cp := *s
	m.items[s.RunID] = &cp
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID string) (*Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[runID]
	if !ok {
		return nil, ErrNoSuspension
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[runID]; !ok {
		return ErrNoSuspension
	}
	delete(m.items, runID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Suspension, 0, len(m.items))
	for _, s := range m.items {
		cp := *s
		out = append(out, &cp)
	}
	SortByCreated(out)
	return out, nil
}

// SortByCreated orders suspensions oldest first, breaking ties by run id.
func SortByCreated(list []*Suspension) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].RunID < list[j].RunID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
