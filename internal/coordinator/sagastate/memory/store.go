// Package memory is an in-process sagastate.Store for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
)

var _ sagastate.Store = (*Store)(nil)

type Store struct {
	mu        sync.RWMutex
	instances map[string]*sagastate.Instance
}

func NewStore() *Store {
	return &Store{instances: make(map[string]*sagastate.Instance)}
}

func (s *Store) Load(ctx context.Context, correlationID string) (*sagastate.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[correlationID]
	if !ok {
		return nil, sagastate.ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, initial *sagastate.Instance) (*sagastate.Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[initial.CorrelationID]; ok {
		return existing.Clone(), false, nil
	}
	stored := initial.Clone()
	stored.Version = 1
	s.instances[initial.CorrelationID] = stored
	return stored.Clone(), true, nil
}

func (s *Store) CompareAndSwapSave(ctx context.Context, inst *sagastate.Instance, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[inst.CorrelationID]
	if !ok {
		return sagastate.ErrNotFound
	}
	if current.Version != expectedVersion {
		return sagastate.ErrVersionConflict
	}
	stored := inst.Clone()
	stored.Version = expectedVersion + 1
	s.instances[inst.CorrelationID] = stored
	inst.Version = stored.Version
	return nil
}

func (s *Store) List(ctx context.Context, page, pageSize int) ([]*sagastate.Instance, int, error) {
	s.mu.RLock()
	all := make([]*sagastate.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		all = append(all, inst)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CorrelationID > all[j].CorrelationID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := sagastate.Offset(page, pageSize)
	if start >= total {
		return []*sagastate.Instance{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]*sagastate.Instance, 0, end-start)
	for _, inst := range all[start:end] {
		out = append(out, inst.Clone())
	}
	return out, total, nil
}
