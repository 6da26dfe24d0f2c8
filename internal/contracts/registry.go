package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-placement-saga/internal/messaging"
)

// ErrUnknownMessageType is returned by Decode for envelopes whose type has
// no registered payload.
var ErrUnknownMessageType = errors.New("contracts: unknown message type")

// Topics. Every service owns a command topic and an event topic.
const (
	TopicOrderCommands       = "order-commands"
	TopicOrderEvents         = "order-events"
	TopicPaymentCommands     = "payment-commands"
	TopicPaymentEvents       = "payment-events"
	TopicFulfillmentCommands = "fulfillment-commands"
	TopicFulfillmentEvents   = "fulfillment-events"
	TopicEmailCommands       = "email-commands"
	TopicEmailEvents         = "email-events"
)

// OrchestratorTopics are the topics the orchestrator consumes.
var OrchestratorTopics = []string{
	TopicOrderCommands,
	TopicOrderEvents,
	TopicPaymentEvents,
	TopicFulfillmentEvents,
	TopicEmailEvents,
}

var topics = map[string]string{
	TypePlaceOrder:                  TopicOrderCommands,
	TypeValidateOrder:               TopicOrderCommands,
	TypeMarkOrderAsPaymentCompleted: TopicOrderCommands,
	TypeMarkOrderAsPaymentFailed:    TopicOrderCommands,
	TypeMarkOrderAsShipped:          TopicOrderCommands,
	TypeMarkOrderAsBackOrdered:      TopicOrderCommands,
	TypeOrderValidated:              TopicOrderEvents,
	TypeOrderValidationFailed:       TopicOrderEvents,
	TypeProcessPayment:              TopicPaymentCommands,
	TypeRefundPayment:               TopicPaymentCommands,
	TypePaymentCompleted:            TopicPaymentEvents,
	TypePaymentFailed:               TopicPaymentEvents,
	TypePaymentRefunded:             TopicPaymentEvents,
	TypeFulfillOrder:                TopicFulfillmentCommands,
	TypeOrderShipped:                TopicFulfillmentEvents,
	TypeFulfillmentFailed:           TopicFulfillmentEvents,
	TypeSendOrderConfirmationEmail:  TopicEmailCommands,
	TypeSendPaymentFailedEmail:      TopicEmailCommands,
	TypeSendBackorderEmail:          TopicEmailCommands,
	TypeSendRefundEmail:             TopicEmailCommands,
	TypeEmailSent:                   TopicEmailEvents,
	TypeEmailFailed:                 TopicEmailEvents,
}

// inbound maps the types the orchestrator consumes to a payload factory.
var inbound = map[string]func() Event{
	TypePlaceOrder:            func() Event { return &PlaceOrder{} },
	TypeOrderValidated:        func() Event { return &OrderValidated{} },
	TypeOrderValidationFailed: func() Event { return &OrderValidationFailed{} },
	TypePaymentCompleted:      func() Event { return &PaymentCompleted{} },
	TypePaymentFailed:         func() Event { return &PaymentFailed{} },
	TypePaymentRefunded:       func() Event { return &PaymentRefunded{} },
	TypeOrderShipped:          func() Event { return &OrderShipped{} },
	TypeFulfillmentFailed:     func() Event { return &FulfillmentFailed{} },
	TypeEmailSent:             func() Event { return &EmailSent{} },
	TypeEmailFailed:           func() Event { return &EmailFailed{} },
}

// TopicFor returns the topic a message type is published to.
func TopicFor(messageType string) (string, bool) {
	t, ok := topics[messageType]
	return t, ok
}

// IsInbound reports whether the orchestrator consumes messageType.
func IsInbound(messageType string) bool {
	_, ok := inbound[messageType]
	return ok
}

// NewEnvelope wraps msg for the bus under correlationID.
func NewEnvelope(msg Message, correlationID string) (*messaging.Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("contracts: marshal %s: %w", msg.MessageType(), err)
	}
	return &messaging.Envelope{
		ID:            uuid.NewString(),
		Type:          msg.MessageType(),
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Decode returns the typed inbound event carried by env. Pointers to the
// payload structs are returned.
func Decode(env *messaging.Envelope) (Event, error) {
	factory, ok := inbound[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	ev := factory()
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("contracts: decode %s %s: %w", env.Type, env.ID, err)
	}
	return ev, nil
}

// CorrelationOf resolves the saga key for an inbound event. The envelope
// header wins; the payload is the fallback for producers that omit it.
func CorrelationOf(env *messaging.Envelope, ev Event) string {
	if _, initiating := ev.(*PlaceOrder); initiating {
		return ev.Correlation()
	}
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return ev.Correlation()
}
