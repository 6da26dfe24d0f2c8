package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/core/domain/entity"
	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/core/ports"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/interceptors"
)

const (
	defaultPage     = 1
	defaultPageSize = 10
	maxPageSize     = 100
)

// Handler exposes saga status and accepts order placement requests.
type Handler struct {
	queries ports.SagaQueryService
	placer  ports.OrderPlacer
}

func NewHandler(queries ports.SagaQueryService, placer ports.OrderPlacer) *Handler {
	return &Handler{queries: queries, placer: placer}
}

// PlaceOrder publishes PlaceOrder for an existing order and answers before
// the saga makes progress.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	slog.InfoContext(r.Context(), "placing order", "request_id", interceptors.GetIDFromContext(r.Context()), "order_id", orderID)

	messageID, err := h.placer.PlaceOrder(r.Context(), orderID)
	if err != nil {
		slog.ErrorContext(r.Context(), "place order failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusBadGateway, "publish_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, PlaceOrderResponse{OrderID: orderID, MessageID: messageID, Status: "accepted"})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	saga, err := h.queries.GetStatus(r.Context(), orderID)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSagaToResponse(saga))
}

func (h *Handler) ListSagas(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page", defaultPage)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid_page", "page must be a positive integer")
		return
	}
	pageSize, err := intQuery(r, "pageSize", defaultPageSize)
	if err != nil || pageSize < 1 {
		writeError(w, http.StatusBadRequest, "invalid_page_size", "pageSize must be a positive integer")
		return
	}
	pageSize = min(pageSize, maxPageSize)

	result, err := h.queries.List(r.Context(), page, pageSize)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}

	items := make([]SagaResponse, len(result.Items))
	for i, s := range result.Items {
		items[i] = mapSagaToResponse(s)
	}
	writeJSON(w, http.StatusOK, SagaListResponse{
		Items:      items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		Total:      result.Total,
		TotalPages: (result.Total + result.PageSize - 1) / result.PageSize,
	})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	history, err := h.queries.History(r.Context(), orderID)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}

	out := make([]TransitionResponse, len(history))
	for i, t := range history {
		out[i] = TransitionResponse{
			From:       t.From,
			To:         t.To,
			Event:      t.Event,
			MessageID:  t.MessageID,
			Version:    t.Version,
			Error:      t.Error,
			TraceID:    t.TraceID,
			RecordedAt: formatTime(t.RecordedAt),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// orderIDParam reads {orderId} and rejects anything that is not a UUID.
func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return "", false
	}
	if _, err := uuid.Parse(orderID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_order_id", "orderId must be a UUID")
		return "", false
	}
	return orderID, true
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ports.ErrSagaNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
		return
	}
	slog.ErrorContext(r.Context(), "saga query failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "")
}

func mapSagaToResponse(s *entity.Saga) SagaResponse {
	resp := SagaResponse{
		OrderID:       s.OrderID,
		State:         s.State,
		Finished:      s.Finished,
		LastError:     s.LastError,
		LastErrorCode: s.LastErrorCode,
		RetryCount:    s.RetryCount,
		Version:       s.Version,
		CreatedAt:     formatTime(s.CreatedAt),
		UpdatedAt:     formatTime(s.UpdatedAt),
	}
	if s.CompletedAt != nil {
		resp.CompletedAt = formatTime(*s.CompletedAt)
	}
	if o := s.Order; o != nil {
		items := make([]OrderItemResponse, len(o.Items))
		for i, it := range o.Items {
			items[i] = OrderItemResponse{ProductID: it.ProductID, ProductName: it.ProductName, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
		}
		resp.Order = &OrderResponse{
			CustomerID:      o.CustomerID,
			CustomerName:    o.CustomerName,
			CustomerEmail:   o.CustomerEmail,
			ShippingAddress: o.ShippingAddress,
			TotalAmount:     o.TotalAmount,
			Items:           items,
		}
	}
	if p := s.Payment; p != nil {
		resp.Payment = &PaymentResponse{PaymentID: p.PaymentID, TransactionID: p.TransactionID, Amount: p.Amount}
	}
	if f := s.Fulfillment; f != nil {
		resp.Fulfillment = &FulfillmentResponse{FulfillmentID: f.FulfillmentID, TrackingNumber: f.TrackingNumber}
		if !f.EstimatedDelivery.IsZero() {
			resp.Fulfillment.EstimatedDelivery = formatTime(f.EstimatedDelivery)
		}
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
