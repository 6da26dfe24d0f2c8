// Package storetest holds the behaviour every sagastate.Store adapter must
// share. Adapter packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
)

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) sagastate.Store) {
	t.Run("LoadMissing", func(t *testing.T) {
		_, err := newStore(t).Load(context.Background(), "nope")
		assert.ErrorIs(t, err, sagastate.ErrNotFound)
	})

	t.Run("CreateIfAbsentIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, ok, err := s.CreateIfAbsent(ctx, sagastate.New("order-1", time.Now()))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, created.Version)
		assert.Equal(t, sagastate.StateInitial, created.State)

		again := sagastate.New("order-1", time.Now())
		again.State = sagastate.StateValidating
		existing, ok, err := s.CreateIfAbsent(ctx, again)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, existing.Version)
		assert.Equal(t, sagastate.StateInitial, existing.State)
	})

	t.Run("CompareAndSwapSaveRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inst, _, err := s.CreateIfAbsent(ctx, sagastate.New("order-2", time.Now()))
		require.NoError(t, err)

		completed := time.Now().UTC().Truncate(time.Millisecond)
		inst.State = sagastate.StateCompleted
		inst.Order = &sagastate.OrderSnapshot{
			CustomerID:  "cust-1",
			TotalAmount: 42.5,
			Items:       []contracts.OrderItem{{ProductID: "p1", ProductName: "Lamp", Quantity: 2, UnitPrice: 21.25}},
		}
		inst.Payment = &sagastate.PaymentInfo{PaymentID: "pay-1", TransactionID: "tx-1", Amount: 42.5}
		inst.LastError = "boom"
		inst.CompletedAt = &completed
		inst.PendingOutbound = []sagastate.Outbound{{Topic: "order-commands", Envelope: &messaging.Envelope{ID: "m1", Type: "ValidateOrder"}}}

		require.NoError(t, s.CompareAndSwapSave(ctx, inst, 1))
		assert.Equal(t, 2, inst.Version)

		got, err := s.Load(ctx, "order-2")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, sagastate.StateCompleted, got.State)
		assert.Equal(t, "cust-1", got.Order.CustomerID)
		assert.Equal(t, "Lamp", got.Order.Items[0].ProductName)
		assert.Equal(t, "tx-1", got.Payment.TransactionID)
		assert.Equal(t, "boom", got.LastError)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, completed.Equal(*got.CompletedAt))
		require.Len(t, got.PendingOutbound, 1)
		assert.Equal(t, "m1", got.PendingOutbound[0].Envelope.ID)
	})

	t.Run("StaleVersionIsRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inst, _, err := s.CreateIfAbsent(ctx, sagastate.New("order-3", time.Now()))
		require.NoError(t, err)

		first := inst.Clone()
		first.State = sagastate.StateValidating
		require.NoError(t, s.CompareAndSwapSave(ctx, first, 1))

		stale := inst.Clone()
		stale.State = sagastate.StateCancelled
		err = s.CompareAndSwapSave(ctx, stale, 1)
		assert.ErrorIs(t, err, sagastate.ErrVersionConflict)
		assert.Equal(t, 1, stale.Version)

		got, err := s.Load(ctx, "order-3")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, sagastate.StateValidating, got.State)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		base := time.Now().Add(-time.Hour)
		for i := 0; i < 5; i++ {
			_, _, err := s.CreateIfAbsent(ctx, sagastate.New(fmt.Sprintf("order-%d", i), base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}

		page, total, err := s.List(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, "order-4", page[0].CorrelationID)
		assert.Equal(t, "order-3", page[1].CorrelationID)

		page, _, err = s.List(ctx, 3, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "order-0", page[0].CorrelationID)

		page, _, err = s.List(ctx, 4, 2)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}
