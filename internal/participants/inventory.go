package participants

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
)

const shippingLeadTime = 72 * time.Hour

// Inventory reserves stock and ships orders. Either every line is
// reserved or none is. A repeated FulfillOrder for a shipped order gets the
// original shipment back.
type Inventory struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]reservation
}

type reservation struct {
	items    []contracts.FulfillmentItem
	shipment contracts.OrderShipped
}

func NewInventory(stock map[string]int) *Inventory {
	if stock == nil {
		stock = map[string]int{
			"prod_1": 15,
			"prod_2": 10,
			"prod_3": 0,
		}
	}
	return &Inventory{stock: maps.Clone(stock), reservations: make(map[string]reservation)}
}

func (i *Inventory) Fulfill(ctx context.Context, cmd contracts.FulfillOrder) contracts.Message {
	i.mu.Lock()
	defer i.mu.Unlock()

	if r, ok := i.reservations[cmd.OrderID]; ok {
		slog.InfoContext(ctx, "order already shipped", "order_id", cmd.OrderID, "tracking_number", r.shipment.TrackingNumber)
		return r.shipment
	}

	var missing []contracts.OutOfStockItem
	for _, it := range cmd.Items {
		available := i.stock[it.ProductID]
		if available < it.Quantity {
			slog.InfoContext(ctx, "insufficient stock", "order_id", cmd.OrderID, "product_id", it.ProductID,
				"available", available, "requested", it.Quantity)
			missing = append(missing, contracts.OutOfStockItem{
				ProductID:         it.ProductID,
				ProductName:       it.ProductName,
				RequestedQuantity: it.Quantity,
				AvailableQuantity: available,
			})
		}
	}
	if len(missing) > 0 {
		return contracts.FulfillmentFailed{
			CorrelationID:   cmd.CorrelationID,
			OrderID:         cmd.OrderID,
			Reason:          "items out of stock",
			OutOfStockItems: missing,
		}
	}

	for _, it := range cmd.Items {
		i.stock[it.ProductID] -= it.Quantity
	}
	shipment := contracts.OrderShipped{
		CorrelationID:     cmd.CorrelationID,
		OrderID:           cmd.OrderID,
		FulfillmentID:     uuid.NewString(),
		TrackingNumber:    "TRK-" + uuid.NewString()[:8],
		EstimatedDelivery: time.Now().UTC().Add(shippingLeadTime),
	}
	i.reservations[cmd.OrderID] = reservation{
		items:    append([]contracts.FulfillmentItem(nil), cmd.Items...),
		shipment: shipment,
	}
	return shipment
}

func (i *Inventory) Available(productID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock[productID]
}
