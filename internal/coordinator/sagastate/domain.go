// Package sagastate defines the saga instance aggregate and the store port
// it is persisted through.
//
// An Instance is the only durable state of the orchestrator. It is keyed by
// the correlation id (the order id), versioned for optimistic concurrency and
// mutated exclusively by the coordinator, one transition at a time.
package sagastate

import (
	"time"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
)

// State is a state of the order placement state machine.
type State string

const (
	StateInitial               State = "Initial"
	StateValidating            State = "Validating"
	StateValidationFailed      State = "ValidationFailed"
	StatePaymentProcessing     State = "PaymentProcessing"
	StatePaymentNotPaid        State = "PaymentNotPaid"
	StateFulfilling            State = "Fulfilling"
	StateSendingConfirmation   State = "SendingConfirmation"
	StateRefundingPayment      State = "RefundingPayment"
	StateSendingBackorderEmail State = "SendingBackorderEmail"
	StateSendingRefundEmail    State = "SendingRefundEmail"
	StateCompleted             State = "Completed"
	StateCancelled             State = "Cancelled"
)

// OrderSnapshot is the order as reported by the validation response. It is
// captured once and never re-fetched.
type OrderSnapshot struct {
	CustomerID      string                `json:"customer_id"`
	TotalAmount     float64               `json:"total_amount"`
	ShippingAddress string                `json:"shipping_address"`
	CustomerEmail   string                `json:"customer_email"`
	CustomerName    string                `json:"customer_name"`
	Items           []contracts.OrderItem `json:"items"`
}

// PaymentInfo is set when the payment is captured.
type PaymentInfo struct {
	PaymentID     string  `json:"payment_id"`
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
}

// FulfillmentInfo is set when the order ships.
type FulfillmentInfo struct {
	FulfillmentID     string    `json:"fulfillment_id"`
	TrackingNumber    string    `json:"tracking_number"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}

// Outbound is a message that was decided by a persisted transition but may
// not have reached the bus yet.
type Outbound struct {
	Topic    string              `json:"topic"`
	Envelope *messaging.Envelope `json:"envelope"`
}

// Instance is one order placement saga.
type Instance struct {
	// CorrelationID equals the order id. Set once at creation.
	CorrelationID string `json:"correlation_id"`

	// Version is incremented by the store on every successful write.
	Version int `json:"version"`

	State State `json:"state"`

	Order       *OrderSnapshot   `json:"order,omitempty"`
	Payment     *PaymentInfo     `json:"payment,omitempty"`
	Fulfillment *FulfillmentInfo `json:"fulfillment,omitempty"`

	LastError     string `json:"last_error,omitempty"`
	LastErrorCode string `json:"last_error_code,omitempty"`
	RetryCount    int    `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// PendingOutbound is written together with the state change that
	// produced it and cleared once every message is published.
	PendingOutbound []Outbound `json:"pending_outbound,omitempty"`
}

// New returns an instance in the Initial state.
func New(correlationID string, now time.Time) *Instance {
	now = now.UTC()
	return &Instance{
		CorrelationID: correlationID,
		State:         StateInitial,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal reports whether the saga has finished. Terminal instances
// accept no further transitions.
func (i *Instance) IsTerminal() bool {
	return i.CompletedAt != nil
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Order != nil {
		o := *i.Order
		o.Items = append([]contracts.OrderItem(nil), i.Order.Items...)
		c.Order = &o
	}
	if i.Payment != nil {
		p := *i.Payment
		c.Payment = &p
	}
	if i.Fulfillment != nil {
		f := *i.Fulfillment
		c.Fulfillment = &f
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	if i.PendingOutbound != nil {
		c.PendingOutbound = make([]Outbound, len(i.PendingOutbound))
		for n, o := range i.PendingOutbound {
			c.PendingOutbound[n] = Outbound{Topic: o.Topic, Envelope: o.Envelope.Clone()}
		}
	}
	return &c
}
