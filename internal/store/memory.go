package store

import (
	"context"
	"sync"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/outreach"
)

// MemoryStore is the default in-process backend.
type MemoryStore struct {
	mu        sync.RWMutex
	entities  map[string]core.Entity
	alerts    map[string]core.Alert
	templates map[string]outreach.Template
	stats     map[string][2]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[string]core.Entity),
		alerts:    make(map[string]core.Alert),
		templates: make(map[string]outreach.Template),
		stats:     make(map[string][2]int64),
	}
}

func (s *MemoryStore) SaveEntity(_ context.Context, e core.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e
	return nil
}

func (s *MemoryStore) GetEntity(_ context.Context, id string) (*core.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) ListEntities(_ context.Context) ([]core.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, a core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context) ([]core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) DeleteAlert(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[id]; !ok {
		return ErrNotFound
	}
	delete(s.alerts, id)
	return nil
}

func (s *MemoryStore) SaveTemplate(_ context.Context, t outreach.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}

func (s *MemoryStore) ListTemplates(_ context.Context) ([]outreach.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]outreach.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) SaveResponseStats(_ context.Context, stats map[string][2]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pair := range stats {
		s.stats[id] = pair
	}
	return nil
}

func (s *MemoryStore) LoadResponseStats(_ context.Context) (map[string][2]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][2]int64, len(s.stats))
	for id, pair := range s.stats {
		out[id] = pair
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
