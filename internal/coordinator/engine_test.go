package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagalog"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate/memory"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/statemachine"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/cache"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/metrics"
)

type parked struct {
	topic string
	env   *messaging.Envelope
	delay time.Duration
}

// fakeBus records everything the engine sends. failPublish makes the next
// n publishes fail.
type fakeBus struct {
	mu          sync.Mutex
	published   []messaging.Delivery
	parked      []parked
	deadLetters []string
	failPublish int
}

func (b *fakeBus) Publish(_ context.Context, topic string, env *messaging.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublish > 0 {
		b.failPublish--
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, messaging.Delivery{Topic: topic, Envelope: env})
	return nil
}

func (b *fakeBus) Redeliver(_ context.Context, topic string, env *messaging.Envelope, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parked = append(b.parked, parked{topic: topic, env: env, delay: delay})
	return nil
}

func (b *fakeBus) DeadLetter(_ context.Context, _ string, _ *messaging.Envelope, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, reason)
	return nil
}

func (b *fakeBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, d := range b.published {
		out[i] = d.Envelope.Type
	}
	return out
}

func (b *fakeBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
	b.parked = nil
}

type harness struct {
	engine  *Engine
	store   *memory.Store
	bus     *fakeBus
	history *sagalog.MemoryRepository
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   memory.NewStore(),
		bus:     &fakeBus{},
		history: sagalog.NewMemoryRepository(),
	}
	opts = append([]Option{WithTransitionLog(h.history), WithMetrics(metrics.New())}, opts...)
	h.engine = New(h.store, statemachine.OrderPlacement(), h.bus, h.bus, opts...)
	return h
}

func envelope(t *testing.T, msg contracts.Message, correlationID string) *messaging.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(msg, correlationID)
	require.NoError(t, err)
	return env
}

func (h *harness) send(t *testing.T, msg contracts.Message) Outcome {
	t.Helper()
	env := envelope(t, msg, "order-1")
	topic, _ := contracts.TopicFor(msg.MessageType())
	outcome, err := h.engine.HandleMessage(context.Background(), topic, env)
	require.NoError(t, err)
	return outcome
}

func (h *harness) state(t *testing.T) *sagastate.Instance {
	t.Helper()
	inst, err := h.store.Load(context.Background(), "order-1")
	require.NoError(t, err)
	return inst
}

func validated() contracts.OrderValidated {
	return contracts.OrderValidated{
		OrderID:       "order-1",
		CustomerID:    "cust-1",
		TotalAmount:   30,
		CustomerEmail: "ana@example.com",
		CustomerName:  "Ana",
		Items:         []contracts.OrderItem{{ProductID: "p1", ProductName: "Mug", Quantity: 3, UnitPrice: 10}},
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, OutcomeCreated, h.send(t, contracts.PlaceOrder{OrderID: "order-1"}))
	assert.Equal(t, OutcomeApplied, h.send(t, validated()))
	assert.Equal(t, OutcomeApplied, h.send(t, contracts.PaymentCompleted{OrderID: "order-1", PaymentID: "pay-1", TransactionID: "tx-1", Amount: 30}))
	assert.Equal(t, OutcomeApplied, h.send(t, contracts.OrderShipped{OrderID: "order-1", FulfillmentID: "ful-1", TrackingNumber: "TRK-1"}))
	assert.Equal(t, OutcomeApplied, h.send(t, contracts.EmailSent{OrderID: "order-1", EmailType: contracts.EmailOrderConfirmation}))

	inst := h.state(t)
	assert.Equal(t, sagastate.StateCompleted, inst.State)
	assert.NotNil(t, inst.CompletedAt)
	assert.Empty(t, inst.PendingOutbound)
	assert.Equal(t, "TRK-1", inst.Fulfillment.TrackingNumber)
	require.NotNil(t, inst.Order)
	assert.Equal(t, "cust-1", inst.Order.CustomerID)
	assert.Equal(t, 30.0, inst.Order.TotalAmount)
	assert.Len(t, inst.Order.Items, 1)
	assert.Equal(t, &sagastate.PaymentInfo{PaymentID: "pay-1", TransactionID: "tx-1", Amount: 30}, inst.Payment)
	assert.Empty(t, inst.LastError)

	assert.Equal(t, []string{
		contracts.TypeValidateOrder,
		contracts.TypeProcessPayment,
		contracts.TypeMarkOrderAsPaymentCompleted,
		contracts.TypeFulfillOrder,
		contracts.TypeMarkOrderAsShipped,
		contracts.TypeSendOrderConfirmationEmail,
	}, h.bus.types())

	for _, d := range h.bus.published {
		assert.Equal(t, "order-1", d.Envelope.CorrelationID)
		assert.NotEmpty(t, d.Envelope.Header(HeaderCausationID))
		want, _ := contracts.TopicFor(d.Envelope.Type)
		assert.Equal(t, want, d.Topic)
	}

	history, err := h.history.History(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, "Initial", history[0].From)
	assert.Equal(t, "Completed", history[4].To)
}

func TestCompensationPath(t *testing.T) {
	h := newHarness(t)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	h.send(t, validated())
	h.send(t, contracts.PaymentCompleted{OrderID: "order-1", PaymentID: "pay-1", TransactionID: "tx-1", Amount: 30})
	h.bus.reset()

	h.send(t, contracts.FulfillmentFailed{OrderID: "order-1", Reason: "out of stock"})
	h.send(t, contracts.PaymentRefunded{OrderID: "order-1", PaymentID: "pay-1", Amount: 30})
	h.send(t, contracts.EmailSent{OrderID: "order-1", EmailType: contracts.EmailBackorder})
	h.send(t, contracts.EmailSent{OrderID: "order-1", EmailType: contracts.EmailRefund})

	inst := h.state(t)
	assert.Equal(t, sagastate.StateCancelled, inst.State)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, "out of stock", inst.LastError)
	assert.Equal(t, &sagastate.PaymentInfo{PaymentID: "pay-1", TransactionID: "tx-1", Amount: 30}, inst.Payment)
	assert.Nil(t, inst.Fulfillment)
	assert.Equal(t, []string{
		contracts.TypeMarkOrderAsBackOrdered,
		contracts.TypeRefundPayment,
		contracts.TypeSendBackorderEmail,
		contracts.TypeSendRefundEmail,
	}, h.bus.types())
}

func TestRetryAfterFailures(t *testing.T) {
	h := newHarness(t)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	h.send(t, contracts.OrderValidationFailed{OrderID: "order-1", Reason: "order not found"})
	assert.Equal(t, sagastate.StateValidationFailed, h.state(t).State)

	assert.Equal(t, OutcomeApplied, h.send(t, contracts.PlaceOrder{OrderID: "order-1"}))
	h.send(t, validated())
	h.send(t, contracts.PaymentFailed{OrderID: "order-1", Reason: "card declined"})
	h.send(t, contracts.EmailSent{OrderID: "order-1", EmailType: contracts.EmailPaymentFailed})

	inst := h.state(t)
	assert.Equal(t, sagastate.StatePaymentNotPaid, inst.State)
	assert.Equal(t, "card declined", inst.LastError)

	h.send(t, contracts.PaymentCompleted{OrderID: "order-1", PaymentID: "pay-2", TransactionID: "tx-2", Amount: 30})
	inst = h.state(t)
	assert.Equal(t, sagastate.StateFulfilling, inst.State)
	assert.Equal(t, 2, inst.RetryCount)
	assert.Equal(t, "pay-2", inst.Payment.PaymentID)
}

func TestMissingInstanceIsRedelivered(t *testing.T) {
	h := newHarness(t)

	env := envelope(t, contracts.PaymentCompleted{OrderID: "order-1"}, "order-1")
	outcome, err := h.engine.HandleMessage(context.Background(), contracts.TopicPaymentEvents, env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedelivered, outcome)

	require.Len(t, h.bus.parked, 1)
	p := h.bus.parked[0]
	assert.Equal(t, contracts.TopicPaymentEvents, p.topic)
	assert.Equal(t, DefaultConfig.RedeliveryDelay, p.delay)
	assert.Equal(t, 1, p.env.Attempt)
	assert.Equal(t, 0, env.Attempt)
	assert.Equal(t, env.ID, p.env.ID)

	_, err = h.store.Load(context.Background(), "order-1")
	assert.ErrorIs(t, err, sagastate.ErrNotFound)
}

func TestMissingInstanceIsDeadLetteredAfterBudget(t *testing.T) {
	h := newHarness(t, WithConfig(Config{MaxRedeliveries: 3}))

	env := envelope(t, contracts.OrderValidated{OrderID: "order-1"}, "order-1")
	for {
		outcome, err := h.engine.HandleMessage(context.Background(), contracts.TopicOrderEvents, env)
		require.NoError(t, err)
		if outcome == OutcomeDeadLettered {
			break
		}
		require.Equal(t, OutcomeRedelivered, outcome)
		env = h.bus.parked[len(h.bus.parked)-1].env
	}

	assert.Len(t, h.bus.parked, 3)
	require.Len(t, h.bus.deadLetters, 1)
	assert.Contains(t, h.bus.deadLetters[0], "not found")
}

func TestLateCreationAfterRedelivery(t *testing.T) {
	h := newHarness(t)

	early := envelope(t, validated(), "order-1")
	outcome, err := h.engine.HandleMessage(context.Background(), contracts.TopicOrderEvents, early)
	require.NoError(t, err)
	require.Equal(t, OutcomeRedelivered, outcome)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})

	outcome, err = h.engine.HandleMessage(context.Background(), contracts.TopicOrderEvents, h.bus.parked[0].env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, sagastate.StatePaymentProcessing, h.state(t).State)
}

func TestDuplicatePlaceOrderDoesNotRestart(t *testing.T) {
	h := newHarness(t)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	assert.Equal(t, OutcomeIgnored, h.send(t, contracts.PlaceOrder{OrderID: "order-1"}))
	assert.Equal(t, []string{contracts.TypeValidateOrder}, h.bus.types())
	assert.Equal(t, sagastate.StateValidating, h.state(t).State)
}

func TestTerminalInstanceIgnoresMessages(t *testing.T) {
	h := newHarness(t)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	h.send(t, validated())
	h.send(t, contracts.PaymentCompleted{OrderID: "order-1", PaymentID: "pay-1", Amount: 30})
	h.send(t, contracts.OrderShipped{OrderID: "order-1", TrackingNumber: "TRK-1"})
	h.send(t, contracts.EmailFailed{OrderID: "order-1", EmailType: contracts.EmailOrderConfirmation, Reason: "smtp down"})

	before := h.state(t)
	require.Equal(t, sagastate.StateCompleted, before.State)
	assert.Equal(t, statemachine.CodeEmailFailed, before.LastErrorCode)

	assert.Equal(t, OutcomeIgnored, h.send(t, contracts.PlaceOrder{OrderID: "order-1"}))
	assert.Equal(t, OutcomeIgnored, h.send(t, contracts.PaymentFailed{OrderID: "order-1"}))

	after := h.state(t)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, sagastate.StateCompleted, after.State)
}

func TestOutOfOrderEventIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	version := h.state(t).Version

	assert.Equal(t, OutcomeIgnored, h.send(t, contracts.OrderShipped{OrderID: "order-1"}))
	assert.Equal(t, version, h.state(t).Version)
}

func TestActionErrorIsRecorded(t *testing.T) {
	h := newHarness(t)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	h.send(t, validated())
	h.send(t, contracts.PaymentCompleted{OrderID: "order-1", Amount: 30})

	assert.Equal(t, OutcomeFailed, h.send(t, contracts.FulfillmentFailed{OrderID: "order-1", Reason: "out of stock"}))

	inst := h.state(t)
	assert.Equal(t, sagastate.StateFulfilling, inst.State)
	assert.Equal(t, statemachine.CodeMissingPayment, inst.LastErrorCode)
	assert.NotEmpty(t, inst.LastError)

	history, err := h.history.History(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "Fulfilling", history[3].From)
	assert.Equal(t, "Fulfilling", history[3].To)
	assert.NotEmpty(t, history[3].Error)
}

func TestZeroTotalOrderProceedsToPayment(t *testing.T) {
	h := newHarness(t)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	free := validated()
	free.TotalAmount = 0

	assert.Equal(t, OutcomeApplied, h.send(t, free))

	inst := h.state(t)
	assert.Equal(t, sagastate.StatePaymentProcessing, inst.State)
	assert.Empty(t, inst.LastErrorCode)
	require.NotNil(t, inst.Order)
	assert.Zero(t, inst.Order.TotalAmount)
}

func TestUndecodableMessageIsIgnored(t *testing.T) {
	h := newHarness(t)

	for _, env := range []*messaging.Envelope{
		{ID: "m1", Type: "SomethingElse", CorrelationID: "order-1", Payload: []byte(`{}`)},
		{ID: "m2", Type: contracts.TypePaymentCompleted, CorrelationID: "order-1", Payload: []byte(`{not json`)},
		{ID: "m3", Type: contracts.TypePaymentCompleted, Payload: []byte(`{}`)},
	} {
		outcome, err := h.engine.HandleMessage(context.Background(), contracts.TopicPaymentEvents, env)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome, env.ID)
	}
	assert.Empty(t, h.bus.parked)
}

// conflictingStore fails the next n conditional writes with a version
// conflict.
type conflictingStore struct {
	sagastate.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) CompareAndSwapSave(ctx context.Context, inst *sagastate.Instance, expected int) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return sagastate.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.CompareAndSwapSave(ctx, inst, expected)
}

func TestVersionConflictIsRedelivered(t *testing.T) {
	mem := memory.NewStore()
	store := &conflictingStore{Store: mem}
	bus := &fakeBus{}
	e := New(store, statemachine.OrderPlacement(), bus, bus, WithConfig(Config{ConflictDelay: 5 * time.Millisecond}))

	_, err := e.HandleMessage(context.Background(), contracts.TopicOrderCommands, envelope(t, contracts.PlaceOrder{OrderID: "order-1"}, "order-1"))
	require.NoError(t, err)

	store.conflicts = 1
	env := envelope(t, validated(), "order-1")
	outcome, err := e.HandleMessage(context.Background(), contracts.TopicOrderEvents, env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)

	require.Len(t, bus.parked, 1)
	assert.Equal(t, 5*time.Millisecond, bus.parked[0].delay)
	assert.Equal(t, 0, bus.parked[0].env.Attempt)

	inst, err := mem.Load(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, sagastate.StateValidating, inst.State)

	outcome, err = e.HandleMessage(context.Background(), contracts.TopicOrderEvents, bus.parked[0].env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestOutboxIsFlushedAfterPublishFailure(t *testing.T) {
	h := newHarness(t)

	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	h.bus.reset()

	h.bus.failPublish = 1
	env := envelope(t, validated(), "order-1")
	_, err := h.engine.HandleMessage(context.Background(), contracts.TopicOrderEvents, env)
	require.Error(t, err)

	inst := h.state(t)
	assert.Equal(t, sagastate.StatePaymentProcessing, inst.State)
	require.Len(t, inst.PendingOutbound, 1)
	assert.Equal(t, contracts.TypeProcessPayment, inst.PendingOutbound[0].Envelope.Type)
	assert.Empty(t, h.bus.types())

	outcome, err := h.engine.HandleMessage(context.Background(), contracts.TopicOrderEvents, env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, []string{contracts.TypeProcessPayment}, h.bus.types())
	assert.Empty(t, h.state(t).PendingOutbound)
}

func TestDeduplicatorSkipsAppliedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	dedup := cache.NewDeduplicator(cache.NewRedisCache(client, "orchestrator"), time.Hour)

	h := newHarness(t, WithDeduplicator(dedup))
	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	h.send(t, contracts.OrderValidationFailed{OrderID: "order-1", Reason: "nope"})

	retry := envelope(t, contracts.PlaceOrder{OrderID: "order-1"}, "order-1")
	outcome, err := h.engine.HandleMessage(context.Background(), contracts.TopicOrderCommands, retry)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	h.send(t, contracts.OrderValidationFailed{OrderID: "order-1", Reason: "nope"})

	outcome, err = h.engine.HandleMessage(context.Background(), contracts.TopicOrderCommands, retry)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, sagastate.StateValidationFailed, h.state(t).State)
}

func TestConcurrentDuplicatesApplyOnce(t *testing.T) {
	h := newHarness(t)
	h.send(t, contracts.PlaceOrder{OrderID: "order-1"})
	h.bus.reset()

	env := envelope(t, validated(), "order-1")
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := h.engine.HandleMessage(context.Background(), contracts.TopicOrderEvents, env.Clone())
			assert.NoError(t, err)
			outcomes <- o
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for o := range outcomes {
		if o == OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, []string{contracts.TypeProcessPayment}, h.bus.types())
}

func TestHandlerAdapter(t *testing.T) {
	h := newHarness(t)
	handler := h.engine.Handler()

	err := handler(context.Background(), &messaging.Delivery{
		Topic:    contracts.TopicOrderCommands,
		Envelope: envelope(t, contracts.PlaceOrder{OrderID: "order-1"}, "order-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, sagastate.StateValidating, h.state(t).State)
}
