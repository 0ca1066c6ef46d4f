package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"tenant-provisioner/internal/model"
)

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]model.Tenant
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]model.Tenant),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock stamped on LastModified.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Create(ctx context.Context, t *model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[t.ID]; exists {
		return ErrAlreadyExists
	}
	if t.LastModified.IsZero() {
		t.LastModified = s.now()
	}
	s.tenants[t.ID] = *t
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tenants[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Tenant
	for _, t := range s.tenants {
		if f.Match(&t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredOn.Before(out[j].RegisteredOn)
	})
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Apply(ctx context.Context, id string, m Mutation) (*model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tenants[id]
	if !exists {
		return nil, ErrNotFound
	}
	if !m.Satisfied(&t) {
		return nil, ErrPrecondition
	}
	m.ApplyTo(&t, s.now())
	s.tenants[id] = t
	return &t, nil
}
