package coldstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRetrieval is one in-flight or finished retrieval in a Memory store.
type MemoryRetrieval struct {
	ID     string
	Handle string
	Tier   Tier
	Ready  bool
}

// Memory is an in-process ColdStore with manually driven retrieval
// completion, used by tests and local runs. The expedited tier rejects once
// capacity concurrent expedited retrievals are in flight.
type Memory struct {
	mu         sync.Mutex
	capacity   int
	nextID     int
	archives   map[string][]byte
	retrievals map[string]*MemoryRetrieval
}

// NewMemory creates a Memory ColdStore with the given expedited capacity.
func NewMemory(expeditedCapacity int) *Memory {
	return &Memory{
		capacity:   expeditedCapacity,
		archives:   make(map[string][]byte),
		retrievals: make(map[string]*MemoryRetrieval),
	}
}

func (m *Memory) Upload(_ context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	handle := fmt.Sprintf("archive-%d", m.nextID)
	m.archives[handle] = append([]byte(nil), data...)
	return handle, nil
}

func (m *Memory) InitiateRetrieval(_ context.Context, handle string, tier Tier) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.archives[handle]; !ok {
		return "", ErrNotFound
	}

	if tier == TierExpedited {
		active := 0
		for _, r := range m.retrievals {
			if r.Tier == TierExpedited && !r.Ready {
				active++
			}
		}
		if active >= m.capacity {
			return "", ErrInsufficientCapacity
		}
	}

	m.nextID++
	id := fmt.Sprintf("retrieval-%d", m.nextID)
	m.retrievals[id] = &MemoryRetrieval{ID: id, Handle: handle, Tier: tier}
	return id, nil
}

func (m *Memory) GetOutput(_ context.Context, retrievalID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.retrievals[retrievalID]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Ready {
		return nil, ErrRetrievalNotReady
	}
	data, ok := m.archives[r.Handle]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives, handle)
	return nil
}

// Complete marks a retrieval ready so GetOutput can serve it.
func (m *Memory) Complete(retrievalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.retrievals[retrievalID]; ok {
		r.Ready = true
	}
}

// Retrievals returns a snapshot of all retrievals, in initiation order by id.
func (m *Memory) Retrievals() []MemoryRetrieval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryRetrieval, 0, len(m.retrievals))
	for _, r := range m.retrievals {
		out = append(out, *r)
	}
	return out
}

// Contains reports whether an archive with the given handle still exists.
func (m *Memory) Contains(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.archives[handle]
	return ok
}
