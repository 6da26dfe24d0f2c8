// Package sagalog defines the transition log of the order placement saga.
//
// The log is a durable audit trail of every transition the coordinator
// applied. It serves two purposes:
//
//  1. Observability: the history endpoint shows how an order got to its
//     current state, and trace_id links each row to its distributed trace.
//
//  2. Diagnosis: action failures are recorded with their error so operators
//     can see what went wrong without digging through logs.
package sagalog

import "time"

// Entry is a single row in the saga_transitions table.
type Entry struct {
	// SagaID is the correlation id, i.e. the order id.
	SagaID string

	// From and To are the states before and after the transition. They are
	// equal when the row records a failed action.
	From string
	To   string

	// Event is the inbound message type that triggered the transition.
	Event string

	// MessageID is the envelope id of that message.
	MessageID string

	// Version is the instance version written by this transition.
	Version int

	// Error is set when the action failed.
	Error string

	// TraceID and SpanID identify the span that handled the message.
	TraceID string
	SpanID  string

	RecordedAt time.Time
}
