package sagalog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty string if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Both are empty when the context
// carries no valid span.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds an Entry with the trace info taken from ctx.
//
//	entry := sagalog.NewEntry(ctx, inst.CorrelationID, "Validating", "PaymentProcessing", env.Type, env.ID, inst.Version, nil)
//	_ = repo.Save(ctx, entry)
func NewEntry(ctx context.Context, sagaID, from, to, event, messageID string, version int, cause error) *Entry {
	ti := ExtractTraceInfo(ctx)

	var errMsg string
	if cause != nil {
		errMsg = cause.Error()
	}

	return &Entry{
		SagaID:     sagaID,
		From:       from,
		To:         to,
		Event:      event,
		MessageID:  messageID,
		Version:    version,
		Error:      errMsg,
		TraceID:    ti.TraceID,
		SpanID:     ti.SpanID,
		RecordedAt: time.Now().UTC(),
	}
}
