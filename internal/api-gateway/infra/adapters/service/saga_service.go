package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/core/domain/entity"
	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/core/ports"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagalog"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
)

var _ ports.SagaQueryService = (*sagaQueryService)(nil)

type sagaQueryService struct {
	store   sagastate.Store
	history sagalog.Repository
}

// NewSagaQueryService reads saga instances from store. history may be nil,
// in which case every saga reports an empty history.
func NewSagaQueryService(store sagastate.Store, history sagalog.Repository) ports.SagaQueryService {
	return &sagaQueryService{store: store, history: history}
}

func (s *sagaQueryService) GetStatus(ctx context.Context, orderID string) (*entity.Saga, error) {
	inst, err := s.store.Load(ctx, orderID)
	if errors.Is(err, sagastate.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ports.ErrSagaNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return mapInstance(inst), nil
}

func (s *sagaQueryService) List(ctx context.Context, page, pageSize int) (*entity.SagaPage, error) {
	instances, total, err := s.store.List(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	items := make([]*entity.Saga, len(instances))
	for i, inst := range instances {
		items[i] = mapInstance(inst)
	}
	return &entity.SagaPage{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *sagaQueryService) History(ctx context.Context, orderID string) ([]entity.Transition, error) {
	if _, err := s.GetStatus(ctx, orderID); err != nil {
		return nil, err
	}
	out := []entity.Transition{}
	if s.history == nil {
		return out, nil
	}
	entries, err := s.history.History(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out = append(out, entity.Transition{
			From:       e.From,
			To:         e.To,
			Event:      e.Event,
			MessageID:  e.MessageID,
			Version:    e.Version,
			Error:      e.Error,
			TraceID:    e.TraceID,
			RecordedAt: e.RecordedAt,
		})
	}
	return out, nil
}

func mapInstance(inst *sagastate.Instance) *entity.Saga {
	s := &entity.Saga{
		OrderID:       inst.CorrelationID,
		State:         string(inst.State),
		Finished:      inst.IsTerminal(),
		LastError:     inst.LastError,
		LastErrorCode: inst.LastErrorCode,
		RetryCount:    inst.RetryCount,
		Version:       inst.Version,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
		CompletedAt:   inst.CompletedAt,
	}
	if o := inst.Order; o != nil {
		items := make([]entity.OrderItem, len(o.Items))
		for i, it := range o.Items {
			items[i] = entity.OrderItem{ProductID: it.ProductID, ProductName: it.ProductName, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
		}
		s.Order = &entity.Order{
			CustomerID:      o.CustomerID,
			CustomerName:    o.CustomerName,
			CustomerEmail:   o.CustomerEmail,
			ShippingAddress: o.ShippingAddress,
			TotalAmount:     o.TotalAmount,
			Items:           items,
		}
	}
	if p := inst.Payment; p != nil {
		s.Payment = &entity.Payment{PaymentID: p.PaymentID, TransactionID: p.TransactionID, Amount: p.Amount}
	}
	if f := inst.Fulfillment; f != nil {
		s.Fulfillment = &entity.Fulfillment{FulfillmentID: f.FulfillmentID, TrackingNumber: f.TrackingNumber, EstimatedDelivery: f.EstimatedDelivery}
	}
	return s
}
