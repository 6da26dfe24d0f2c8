package interceptors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/order-placement-saga/internal/messaging"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/interceptors/constants"
)

type capturePublisher struct {
	got *messaging.Envelope
}

func (c *capturePublisher) Publish(ctx context.Context, topic string, env *messaging.Envelope) error {
	c.got = env.Clone()
	return nil
}

func setupOTel(t *testing.T) {
	t.Helper()
	tp := sdktrace.NewTracerProvider()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func TestIDsRoundTrip(t *testing.T) {
	ctx := WithIdempotencyKey(WithRequestID(context.Background(), "req-1"), "idem-1")
	env := &messaging.Envelope{ID: "m1"}

	InjectIDs(ctx, env)
	assert.Equal(t, "req-1", env.Header(constants.HeaderXRequestId))
	assert.Equal(t, "idem-1", env.Header(constants.HeaderXIdempotencyKey))

	out := ExtractIDs(context.Background(), env)
	assert.Equal(t, "req-1", GetIDFromContext(out))
	assert.Equal(t, "idem-1", GetIdempotencyKey(out))
}

func TestGetIDFromContextDefault(t *testing.T) {
	assert.Equal(t, "unknown", GetIDFromContext(context.Background()))
	assert.Empty(t, GetIdempotencyKey(context.Background()))
}

func TestTraceContextFlowsThroughEnvelope(t *testing.T) {
	setupOTel(t)

	ctx, parent := otel.Tracer("test").Start(context.Background(), "http request")
	defer parent.End()
	ctx = WithRequestID(ctx, "req-7")

	pub := &capturePublisher{}
	require.NoError(t, NewTracingPublisher(pub).Publish(ctx, "order-commands", &messaging.Envelope{ID: "m1", Type: "PlaceOrder"}))
	require.NotNil(t, pub.got)
	assert.NotEmpty(t, pub.got.Header("traceparent"))

	var consumed trace.SpanContext
	var requestID string
	h := TracingHandler(func(ctx context.Context, d *messaging.Delivery) error {
		consumed = trace.SpanContextFromContext(ctx)
		requestID = GetIDFromContext(ctx)
		return nil
	})
	require.NoError(t, h(context.Background(), &messaging.Delivery{Topic: "order-commands", Envelope: pub.got}))

	assert.Equal(t, parent.SpanContext().TraceID(), consumed.TraceID())
	assert.Equal(t, "req-7", requestID)
}

func TestEnvelopeCarrierKeys(t *testing.T) {
	c := EnvelopeCarrier{Envelope: &messaging.Envelope{}}
	c.Set("a", "1")
	c.Set("b", "2")
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
	assert.Equal(t, "1", c.Get("a"))
}
