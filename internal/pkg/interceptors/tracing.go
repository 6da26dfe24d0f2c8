package interceptors

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/order-placement-saga/internal/messaging"
)

const instrumentationName = "github.com/jcmexdev/order-placement-saga/internal/pkg/interceptors"

// EnvelopeCarrier adapts envelope headers to the OTel TextMapCarrier.
type EnvelopeCarrier struct {
	Envelope *messaging.Envelope
}

var _ propagation.TextMapCarrier = EnvelopeCarrier{}

func (c EnvelopeCarrier) Get(key string) string { return c.Envelope.Header(key) }

func (c EnvelopeCarrier) Set(key, value string) { c.Envelope.SetHeader(key, value) }

func (c EnvelopeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Envelope.Headers))
	for k := range c.Envelope.Headers {
		keys = append(keys, k)
	}
	return keys
}

// TracingPublisher injects the W3C trace context and request ids into every
// envelope before handing it to the next publisher.
type TracingPublisher struct {
	next   messaging.Publisher
	tracer trace.Tracer
}

func NewTracingPublisher(next messaging.Publisher) *TracingPublisher {
	return &TracingPublisher{next: next, tracer: otel.Tracer(instrumentationName)}
}

func (p *TracingPublisher) Publish(ctx context.Context, topic string, env *messaging.Envelope) error {
	ctx, span := p.tracer.Start(ctx, "publish "+env.Type,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("saga.correlation_id", env.CorrelationID),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, EnvelopeCarrier{Envelope: env})
	InjectIDs(ctx, env)

	if err := p.next.Publish(ctx, topic, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// TracingHandler restores the producer's trace context and request ids and
// runs next inside a consumer span.
func TracingHandler(next messaging.Handler) messaging.Handler {
	tracer := otel.Tracer(instrumentationName)
	return func(ctx context.Context, d *messaging.Delivery) error {
		env := d.Envelope
		ctx = otel.GetTextMapPropagator().Extract(ctx, EnvelopeCarrier{Envelope: env})
		ctx = ExtractIDs(ctx, env)

		ctx, span := tracer.Start(ctx, "consume "+env.Type,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", d.Topic),
				attribute.String("messaging.message.id", env.ID),
				attribute.String("saga.correlation_id", env.CorrelationID),
				attribute.Int("saga.attempt", env.Attempt),
			),
		)
		defer span.End()

		slog.DebugContext(ctx, "message received",
			"topic", d.Topic,
			"type", env.Type,
			"message_id", env.ID,
			"request_id", GetIDFromContext(ctx),
		)

		err := next(ctx, d)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
