package participants

import (
	"fmt"
	"sync"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
)

type OrderStatus string

const (
	StatusPending       OrderStatus = "PENDING"
	StatusPaid          OrderStatus = "PAID"
	StatusPaymentFailed OrderStatus = "PAYMENT_FAILED"
	StatusShipped       OrderStatus = "SHIPPED"
	StatusBackOrdered   OrderStatus = "BACK_ORDERED"
)

type Order struct {
	ID              string
	CustomerID      string
	CustomerName    string
	CustomerEmail   string
	ShippingAddress string
	Items           []contracts.OrderItem
	Status          OrderStatus
}

func (o *Order) Total() float64 {
	var total float64
	for _, it := range o.Items {
		total += float64(it.Quantity) * it.UnitPrice
	}
	return total
}

// OrderBook is the order service's view of existing orders.
type OrderBook struct {
	mu         sync.RWMutex
	orders     map[string]*Order
	autoCreate bool
}

func NewOrderBook(autoCreate bool) *OrderBook {
	return &OrderBook{orders: make(map[string]*Order), autoCreate: autoCreate}
}

// Seed adds or replaces an order in PENDING status.
func (b *OrderBook) Seed(o Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o.Items = append([]contracts.OrderItem(nil), o.Items...)
	o.Status = StatusPending
	b.orders[o.ID] = &o
}

func (b *OrderBook) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Validate answers ValidateOrder. Unknown orders and orders without items
// fail validation.
func (b *OrderBook) Validate(cmd contracts.ValidateOrder) contracts.Message {
	b.mu.Lock()
	o, ok := b.orders[cmd.OrderID]
	if !ok && b.autoCreate {
		o = sampleOrder(cmd.OrderID)
		b.orders[o.ID] = o
		ok = true
	}
	b.mu.Unlock()

	switch {
	case !ok:
		return contracts.OrderValidationFailed{CorrelationID: cmd.CorrelationID, OrderID: cmd.OrderID, Reason: "order not found"}
	case len(o.Items) == 0:
		return contracts.OrderValidationFailed{CorrelationID: cmd.CorrelationID, OrderID: cmd.OrderID, Reason: "order has no items"}
	}

	return contracts.OrderValidated{
		CorrelationID:   cmd.CorrelationID,
		OrderID:         o.ID,
		CustomerID:      o.CustomerID,
		TotalAmount:     o.Total(),
		ShippingAddress: o.ShippingAddress,
		CustomerEmail:   o.CustomerEmail,
		CustomerName:    o.CustomerName,
		Items:           append([]contracts.OrderItem(nil), o.Items...),
	}
}

func (b *OrderBook) SetStatus(id string, status OrderStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = status
	return nil
}

func sampleOrder(id string) *Order {
	return &Order{
		ID:              id,
		CustomerID:      "cust_1",
		CustomerName:    "Sample Customer",
		CustomerEmail:   "customer@example.com",
		ShippingAddress: "742 Evergreen Terrace",
		Items: []contracts.OrderItem{
			{ProductID: "prod_1", ProductName: "Coffee Mug", Quantity: 2, UnitPrice: 12.5},
			{ProductID: "prod_2", ProductName: "Green Tea", Quantity: 1, UnitPrice: 8},
		},
		Status: StatusPending,
	}
}
