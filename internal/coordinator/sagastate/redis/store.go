// Package redis provides a Redis-backed implementation of sagastate.Store.
//
// Each instance is a JSON document under "<prefix>saga:<id>". A sorted set
// "<prefix>sagas" scored by creation time drives listing. Conditional writes
// use WATCH/MULTI so a concurrent writer aborts the transaction.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
)

var _ sagastate.Store = (*Store)(nil)

type Store struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(id string) string { return s.prefix + "saga:" + id }

func (s *Store) indexKey() string { return s.prefix + "sagas" }

func (s *Store) Load(ctx context.Context, correlationID string) (*sagastate.Instance, error) {
	data, err := s.client.Get(ctx, s.key(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sagastate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load saga %q: %w", correlationID, err)
	}
	return sagastate.Unmarshal(data)
}

// CreateIfAbsent writes the document and its index entry in one MULTI
// block. An existing instance is re-indexed so a saga whose earlier create
// lost the index entry still shows up in List.
func (s *Store) CreateIfAbsent(ctx context.Context, initial *sagastate.Instance) (*sagastate.Instance, bool, error) {
	stored := initial.Clone()
	stored.Version = 1
	data, err := sagastate.Marshal(stored)
	if err != nil {
		return nil, false, err
	}
	key := s.key(stored.CorrelationID)

	var existing []byte
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == nil {
			existing = raw
			return nil
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.indexKey(), indexEntry(stored))
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		existing, err = s.client.Get(ctx, key).Bytes()
		if err != nil {
			return nil, false, fmt.Errorf("redis: load saga %q: %w", stored.CorrelationID, err)
		}
	case err != nil:
		return nil, false, fmt.Errorf("redis: create saga %q: %w", stored.CorrelationID, err)
	}

	if existing == nil {
		return stored, true, nil
	}
	inst, err := sagastate.Unmarshal(existing)
	if err != nil {
		return nil, false, err
	}
	if err := s.client.ZAddNX(ctx, s.indexKey(), indexEntry(inst)).Err(); err != nil {
		return nil, false, fmt.Errorf("redis: index saga %q: %w", inst.CorrelationID, err)
	}
	return inst, false, nil
}

func indexEntry(inst *sagastate.Instance) redis.Z {
	return redis.Z{Score: float64(inst.CreatedAt.UnixNano()), Member: inst.CorrelationID}
}

func (s *Store) CompareAndSwapSave(ctx context.Context, inst *sagastate.Instance, expectedVersion int) error {
	key := s.key(inst.CorrelationID)

	next := inst.Clone()
	next.Version = expectedVersion + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	data, err := sagastate.Marshal(next)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sagastate.ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := sagastate.Unmarshal(raw)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return sagastate.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return sagastate.ErrVersionConflict
	case errors.Is(err, sagastate.ErrNotFound), errors.Is(err, sagastate.ErrVersionConflict):
		return err
	case err != nil:
		return fmt.Errorf("redis: save saga %q: %w", inst.CorrelationID, err)
	}

	inst.Version = next.Version
	return nil
}

func (s *Store) List(ctx context.Context, page, pageSize int) ([]*sagastate.Instance, int, error) {
	total, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis: count sagas: %w", err)
	}

	start := int64(sagastate.Offset(page, pageSize))
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, start+int64(pageSize)-1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis: list sagas: %w", err)
	}
	out := []*sagastate.Instance{}
	if len(ids) == 0 {
		return out, int(total), nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis: list sagas: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		inst, err := sagastate.Unmarshal([]byte(raw))
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inst)
	}
	return out, int(total), nil
}
