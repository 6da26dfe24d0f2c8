package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-placement-saga/internal/api-gateway/infra/adapters/service"
	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagalog"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate/memory"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/metrics"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []messaging.Delivery
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, env *messaging.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, messaging.Delivery{Topic: topic, Envelope: env})
	return nil
}

type fixture struct {
	server    *httptest.Server
	store     *memory.Store
	history   *sagalog.MemoryRepository
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewStore(),
		history:   sagalog.NewMemoryRepository(),
		publisher: &recordingPublisher{},
	}
	h := NewHandler(service.NewSagaQueryService(f.store, f.history), service.NewBusOrderPlacer(f.publisher))
	f.server = httptest.NewServer(NewRouter(h, metrics.New().Handler()))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) seed(t *testing.T, id string, created time.Time) *sagastate.Instance {
	t.Helper()
	inst, _, err := f.store.CreateIfAbsent(context.Background(), sagastate.New(id, created))
	require.NoError(t, err)
	return inst
}

func (f *fixture) do(t *testing.T, method, path string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t)
	orderID := uuid.NewString()

	resp, body := f.do(t, http.MethodPost, "/api/orders/"+orderID+"/place", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out PlaceOrderResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, orderID, out.OrderID)
	assert.Equal(t, "accepted", out.Status)

	require.Len(t, f.publisher.sent, 1)
	d := f.publisher.sent[0]
	assert.Equal(t, contracts.TopicOrderCommands, d.Topic)
	assert.Equal(t, contracts.TypePlaceOrder, d.Envelope.Type)
	assert.Equal(t, orderID, d.Envelope.CorrelationID)
	assert.Equal(t, out.MessageID, d.Envelope.ID)
}

func TestPlaceOrderWithIdempotencyKeyIsStable(t *testing.T) {
	f := newFixture(t)
	orderID := uuid.NewString()
	header := http.Header{http.CanonicalHeaderKey(constants.HeaderXIdempotencyKey): {"k-1"}}

	f.do(t, http.MethodPost, "/api/orders/"+orderID+"/place", header)
	f.do(t, http.MethodPost, "/api/orders/"+orderID+"/place", header)

	require.Len(t, f.publisher.sent, 2)
	assert.Equal(t, f.publisher.sent[0].Envelope.ID, f.publisher.sent[1].Envelope.ID)
}

func TestPlaceOrderErrors(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/orders/not-a-uuid/place", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.publisher.err = errors.New("broker down")
	resp, body := f.do(t, http.MethodPost, "/api/orders/"+uuid.NewString()+"/place", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "publish_failed")
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	orderID := uuid.NewString()
	inst := f.seed(t, orderID, time.Now())

	next := inst.Clone()
	next.State = sagastate.StatePaymentNotPaid
	next.LastError = "card declined"
	next.Order = &sagastate.OrderSnapshot{CustomerID: "cust-1", TotalAmount: 30, Items: []contracts.OrderItem{{ProductID: "p1", Quantity: 1, UnitPrice: 30}}}
	require.NoError(t, f.store.CompareAndSwapSave(context.Background(), next, inst.Version))

	resp, body := f.do(t, http.MethodGet, "/api/orders/"+orderID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SagaResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, orderID, out.OrderID)
	assert.Equal(t, "PaymentNotPaid", out.State)
	assert.False(t, out.Finished)
	assert.Equal(t, "card declined", out.LastError)
	require.NotNil(t, out.Order)
	assert.Equal(t, 30.0, out.Order.TotalAmount)
	assert.Nil(t, out.Payment)
	assert.Equal(t, 2, out.Version)
}

func TestGetStatusNotFound(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/orders/"+uuid.NewString()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "saga_not_found")

	resp, _ = f.do(t, http.MethodGet, "/api/orders/"+uuid.NewString()+"/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSagas(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 12 {
		id := uuid.NewString()
		ids = append(ids, id)
		f.seed(t, id, base.Add(time.Duration(i)*time.Minute))
	}

	tests := []struct {
		name      string
		query     string
		status    int
		wantItems int
		wantFirst string
		wantPage  int
		wantSize  int
	}{
		{name: "defaults", query: "", status: http.StatusOK, wantItems: 10, wantFirst: ids[11], wantPage: 1, wantSize: 10},
		{name: "second page", query: "?page=2&pageSize=5", status: http.StatusOK, wantItems: 5, wantFirst: ids[6], wantPage: 2, wantSize: 5},
		{name: "past the end", query: "?page=3&pageSize=10", status: http.StatusOK, wantItems: 0, wantPage: 3, wantSize: 10},
		{name: "clamped page size", query: "?pageSize=500", status: http.StatusOK, wantItems: 12, wantFirst: ids[11], wantPage: 1, wantSize: 100},
		{name: "zero page", query: "?page=0", status: http.StatusBadRequest},
		{name: "bad page size", query: "?pageSize=abc", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, "/api/orders"+tt.query, nil)
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status != http.StatusOK {
				return
			}

			var out SagaListResponse
			require.NoError(t, json.Unmarshal(body, &out))
			assert.Len(t, out.Items, tt.wantItems)
			assert.Equal(t, 12, out.Total)
			assert.Equal(t, tt.wantPage, out.Page)
			assert.Equal(t, tt.wantSize, out.PageSize)
			if tt.wantFirst != "" {
				assert.Equal(t, tt.wantFirst, out.Items[0].OrderID)
			}
		})
	}
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	orderID := uuid.NewString()
	f.seed(t, orderID, time.Now())

	ctx := context.Background()
	require.NoError(t, f.history.Save(ctx, sagalog.NewEntry(ctx, orderID, "Initial", "Validating", "PlaceOrder", "m1", 2, nil)))
	require.NoError(t, f.history.Save(ctx, sagalog.NewEntry(ctx, orderID, "Fulfilling", "Fulfilling", "FulfillmentFailed", "m2", 3, fmt.Errorf("MISSING_PAYMENT"))))

	resp, body := f.do(t, http.MethodGet, "/api/orders/"+orderID+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []TransitionResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out, 2)
	assert.Equal(t, "Validating", out[0].To)
	assert.Equal(t, "MISSING_PAYMENT", out[1].Error)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/metrics", nil)
	require.NoError(t, err)
	mresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
