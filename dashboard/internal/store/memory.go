package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

// MemoryStore is an EventStore for tests and for running without Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]models.AllocationEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: map[string]models.AllocationEvent{}}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) AppendEvents(ctx context.Context, events []models.AllocationEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, ev := range events {
		id := EventID(ev)
		if _, ok := m.events[id]; ok {
			continue
		}
		ev.ID = id
		m.events[id] = ev
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, opts ListOptions) ([]models.AllocationEvent, error) {
	m.mu.RLock()
	out := make([]models.AllocationEvent, 0, len(m.events))
	for _, ev := range m.events {
		if !opts.Before.IsZero() && !ev.Timestamp.Before(opts.Before) {
			continue
		}
		if opts.EnvironmentID != "" && ev.EnvironmentID != opts.EnvironmentID {
			continue
		}
		out = append(out, ev)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if limit := opts.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (models.AllocationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return models.AllocationEvent{}, ErrNotFound
	}
	return ev, nil
}
