package ports

import (
	"context"
	"errors"

	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/core/domain/entity"
)

var ErrSagaNotFound = errors.New("saga not found")

type SagaQueryService interface {
	GetStatus(ctx context.Context, orderID string) (*entity.Saga, error)
	List(ctx context.Context, page, pageSize int) (*entity.SagaPage, error)
	History(ctx context.Context, orderID string) ([]entity.Transition, error)
}

type OrderPlacer interface {
	// PlaceOrder requests placement of an existing order and returns the id
	// of the published message.
	PlaceOrder(ctx context.Context, orderID string) (string, error)
}
