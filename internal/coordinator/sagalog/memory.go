package sagalog

import (
	"context"
	"sync"
)

// MemoryRepository keeps entries in process. It backs the memory store
// driver and tests.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string][]*Entry
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string][]*Entry)}
}

func (r *MemoryRepository) Save(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := *entry
	r.entries[entry.SagaID] = append(r.entries[entry.SagaID], &e)
	return nil
}

func (r *MemoryRepository) History(ctx context.Context, sagaID string) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.entries[sagaID]))
	for _, e := range r.entries[sagaID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}
