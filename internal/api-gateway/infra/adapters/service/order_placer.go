package service

import (
	"context"
	"fmt"

	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/core/ports"
	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/interceptors"
)

var _ ports.OrderPlacer = (*busOrderPlacer)(nil)

type busOrderPlacer struct {
	publisher messaging.Publisher
}

// NewBusOrderPlacer publishes PlaceOrder commands on the order command topic.
func NewBusOrderPlacer(p messaging.Publisher) ports.OrderPlacer {
	return &busOrderPlacer{publisher: p}
}

// PlaceOrder derives the message id from the idempotency key in ctx when
// one is present, so a repeated request is dropped as a duplicate.
func (p *busOrderPlacer) PlaceOrder(ctx context.Context, orderID string) (string, error) {
	env, err := contracts.NewEnvelope(contracts.PlaceOrder{OrderID: orderID}, orderID)
	if err != nil {
		return "", err
	}
	if key := interceptors.GetIdempotencyKey(ctx); key != "" {
		env.ID = fmt.Sprintf("%s:%s:%s", contracts.TypePlaceOrder, orderID, key)
	}

	topic, _ := contracts.TopicFor(contracts.TypePlaceOrder)
	if err := p.publisher.Publish(ctx, topic, env); err != nil {
		return "", fmt.Errorf("place order %s: %w", orderID, err)
	}
	return env.ID, nil
}
