package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/infra/httpx/middlewares"
)

// NewRouter mounts the saga API. metrics may be nil.
func NewRouter(handler *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachRequestMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api/orders", func(r chi.Router) {
		r.Get("/", handler.ListSagas)
		r.Post("/{orderId}/place", handler.PlaceOrder)
		r.Get("/{orderId}/status", handler.GetStatus)
		r.Get("/{orderId}/history", handler.GetHistory)
	})
	return r
}
