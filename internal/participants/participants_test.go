package participants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate/memory"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/statemachine"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
	memorybus "github.com/jcmexdev/order-placement-saga/internal/messaging/memory"
)

func TestValidate(t *testing.T) {
	book := NewOrderBook(false)
	book.Seed(Order{ID: "o1", CustomerID: "c1", CustomerEmail: "a@example.com",
		Items: []contracts.OrderItem{{ProductID: "prod_1", Quantity: 2, UnitPrice: 5}, {ProductID: "prod_2", Quantity: 1, UnitPrice: 2.5}}})
	book.Seed(Order{ID: "empty"})

	got := book.Validate(contracts.ValidateOrder{CorrelationID: "o1", OrderID: "o1"})
	validated, ok := got.(contracts.OrderValidated)
	require.True(t, ok)
	assert.Equal(t, 12.5, validated.TotalAmount)
	assert.Len(t, validated.Items, 2)

	failed, ok := book.Validate(contracts.ValidateOrder{OrderID: "missing"}).(contracts.OrderValidationFailed)
	require.True(t, ok)
	assert.Equal(t, "order not found", failed.Reason)

	_, ok = book.Validate(contracts.ValidateOrder{OrderID: "empty"}).(contracts.OrderValidationFailed)
	assert.True(t, ok)

	require.NoError(t, book.SetStatus("o1", StatusPaid))
	o, _ := book.Get("o1")
	assert.Equal(t, StatusPaid, o.Status)
	assert.Error(t, book.SetStatus("missing", StatusPaid))
}

func TestAutoCreatedOrder(t *testing.T) {
	book := NewOrderBook(true)
	_, ok := book.Validate(contracts.ValidateOrder{OrderID: "new"}).(contracts.OrderValidated)
	assert.True(t, ok)
	_, found := book.Get("new")
	assert.True(t, found)
}

func TestPaymentGateway(t *testing.T) {
	g := NewPaymentGateway(100)
	ctx := context.Background()

	completed, ok := g.Charge(ctx, contracts.ProcessPayment{OrderID: "o1", Amount: 80}).(contracts.PaymentCompleted)
	require.True(t, ok)
	assert.NotEmpty(t, completed.PaymentID)
	amount, held := g.Charged("o1")
	assert.True(t, held)
	assert.Equal(t, 80.0, amount)

	declined, ok := g.Charge(ctx, contracts.ProcessPayment{OrderID: "o2", Amount: 150}).(contracts.PaymentFailed)
	require.True(t, ok)
	assert.Equal(t, "LIMIT_EXCEEDED", declined.ErrorCode)

	_, ok = g.Refund(ctx, contracts.RefundPayment{OrderID: "o1", PaymentID: completed.PaymentID, Amount: 80}).(contracts.PaymentRefunded)
	assert.True(t, ok)
	_, held = g.Charged("o1")
	assert.False(t, held)
}

func TestInventoryReservesAllOrNothing(t *testing.T) {
	inv := NewInventory(map[string]int{"a": 3, "b": 1})
	ctx := context.Background()

	failed, ok := inv.Fulfill(ctx, contracts.FulfillOrder{OrderID: "o1", Items: []contracts.FulfillmentItem{
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 2, ProductName: "Bee"},
	}}).(contracts.FulfillmentFailed)
	require.True(t, ok)
	require.Len(t, failed.OutOfStockItems, 1)
	assert.Equal(t, "Bee", failed.OutOfStockItems[0].ProductName)
	assert.Equal(t, 1, failed.OutOfStockItems[0].AvailableQuantity)
	assert.Equal(t, 3, inv.Available("a"))

	shipped, ok := inv.Fulfill(ctx, contracts.FulfillOrder{OrderID: "o2", Items: []contracts.FulfillmentItem{{ProductID: "a", Quantity: 2}}}).(contracts.OrderShipped)
	require.True(t, ok)
	assert.NotEmpty(t, shipped.TrackingNumber)
	assert.Equal(t, 1, inv.Available("a"))
}

func TestMailer(t *testing.T) {
	m := NewMailer()
	_, ok := m.Send("o1", contracts.EmailRefund, "a@example.com").(contracts.EmailSent)
	assert.True(t, ok)
	failed, ok := m.Send("o1", contracts.EmailRefund, "").(contracts.EmailFailed)
	require.True(t, ok)
	assert.Equal(t, contracts.EmailRefund, failed.EmailType)
	assert.Len(t, m.Sent(), 1)
}

func TestRepeatedCommandsReturnTheFirstReply(t *testing.T) {
	ctx := context.Background()

	t.Run("fulfill", func(t *testing.T) {
		inv := NewInventory(map[string]int{"prod_1": 4})
		cmd := contracts.FulfillOrder{OrderID: "o1", Items: []contracts.FulfillmentItem{{ProductID: "prod_1", Quantity: 2}}}

		first, ok := inv.Fulfill(ctx, cmd).(contracts.OrderShipped)
		require.True(t, ok)
		second, ok := inv.Fulfill(ctx, cmd).(contracts.OrderShipped)
		require.True(t, ok)

		assert.Equal(t, first, second)
		assert.Equal(t, 2, inv.Available("prod_1"))
	})

	t.Run("charge", func(t *testing.T) {
		g := NewPaymentGateway(0)
		cmd := contracts.ProcessPayment{OrderID: "o1", Amount: 40}

		first, ok := g.Charge(ctx, cmd).(contracts.PaymentCompleted)
		require.True(t, ok)
		second, ok := g.Charge(ctx, cmd).(contracts.PaymentCompleted)
		require.True(t, ok)

		assert.Equal(t, first, second)
		amount, held := g.Charged("o1")
		assert.True(t, held)
		assert.Equal(t, 40.0, amount)
	})

	t.Run("email", func(t *testing.T) {
		m := NewMailer()
		m.Send("o1", contracts.EmailOrderConfirmation, "a@example.com")
		_, ok := m.Send("o1", contracts.EmailOrderConfirmation, "a@example.com").(contracts.EmailSent)
		assert.True(t, ok)
		assert.Len(t, m.Sent(), 1)
	})
}

type system struct {
	bus   *memorybus.Bus
	store *memory.Store
	sim   *Simulator
}

func startSystem(t *testing.T, opts Options) *system {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := memorybus.NewBus(64)
	store := memory.NewStore()
	sim := New(bus, opts, nil)
	engine := coordinator.New(store, statemachine.OrderPlacement(), bus, bus,
		coordinator.WithConfig(coordinator.Config{RedeliveryDelay: 20 * time.Millisecond}))
	partitioner := messaging.NewPartitioner(4, engine.Handler())

	go func() { _ = bus.Subscribe(ctx, contracts.OrchestratorTopics, partitioner.Handle) }()
	go func() { _ = bus.Subscribe(ctx, Topics, sim.Handler()) }()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(contracts.TopicOrderCommands) == 2
	}, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		partitioner.Stop()
		_ = bus.Close()
	})
	return &system{bus: bus, store: store, sim: sim}
}

func (s *system) place(t *testing.T, orderID string) {
	t.Helper()
	env, err := contracts.NewEnvelope(contracts.PlaceOrder{OrderID: orderID}, orderID)
	require.NoError(t, err)
	require.NoError(t, s.bus.Publish(context.Background(), contracts.TopicOrderCommands, env))
}

func (s *system) waitForState(t *testing.T, orderID string, want sagastate.State) *sagastate.Instance {
	t.Helper()
	var inst *sagastate.Instance
	require.Eventually(t, func() bool {
		got, err := s.store.Load(context.Background(), orderID)
		if err != nil {
			return false
		}
		inst = got
		return got.State == want && len(got.PendingOutbound) == 0
	}, 5*time.Second, 10*time.Millisecond, "saga %s never reached %s", orderID, want)
	return inst
}

func TestSagaCompletesEndToEnd(t *testing.T) {
	s := startSystem(t, Options{})
	s.sim.Orders.Seed(Order{ID: "o1", CustomerID: "c1", CustomerEmail: "a@example.com", CustomerName: "Ana",
		Items: []contracts.OrderItem{{ProductID: "prod_1", ProductName: "Mug", Quantity: 2, UnitPrice: 10}}})

	s.place(t, "o1")

	inst := s.waitForState(t, "o1", sagastate.StateCompleted)
	assert.NotEmpty(t, inst.Fulfillment.TrackingNumber)
	require.Eventually(t, func() bool {
		o, _ := s.sim.Orders.Get("o1")
		return o.Status == StatusShipped
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 13, s.sim.Inventory.Available("prod_1"))
}

func TestSagaRefundsWhenOutOfStock(t *testing.T) {
	s := startSystem(t, Options{})
	s.sim.Orders.Seed(Order{ID: "o2", CustomerID: "c1", CustomerEmail: "a@example.com",
		Items: []contracts.OrderItem{{ProductID: "prod_3", ProductName: "Teapot", Quantity: 1, UnitPrice: 40}}})

	s.place(t, "o2")

	s.waitForState(t, "o2", sagastate.StateCancelled)
	_, held := s.sim.Payments.Charged("o2")
	assert.False(t, held)

	var kinds []string
	for _, e := range s.sim.Email.Sent() {
		kinds = append(kinds, e.EmailType)
	}
	assert.Equal(t, []string{contracts.EmailBackorder, contracts.EmailRefund}, kinds)
}

func TestSagaWaitsWhenPaymentDeclined(t *testing.T) {
	s := startSystem(t, Options{PaymentLimit: 50})
	s.sim.Orders.Seed(Order{ID: "o3", CustomerID: "c1", CustomerEmail: "a@example.com",
		Items: []contracts.OrderItem{{ProductID: "prod_2", Quantity: 10, UnitPrice: 10}}})

	s.place(t, "o3")

	inst := s.waitForState(t, "o3", sagastate.StatePaymentNotPaid)
	assert.Contains(t, inst.LastError, "exceeds limit")
	require.Eventually(t, func() bool { return len(s.sim.Email.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, contracts.EmailPaymentFailed, s.sim.Email.Sent()[0].EmailType)
}

func TestUnknownOrderFailsValidation(t *testing.T) {
	s := startSystem(t, Options{})
	s.place(t, "ghost")
	inst := s.waitForState(t, "ghost", sagastate.StateValidationFailed)
	assert.Equal(t, "order not found", inst.LastError)
}
