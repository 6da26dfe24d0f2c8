package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
)

// Error codes written to LastErrorCode by the order placement saga.
const (
	CodeEmailFailed     = "EMAIL_FAILED"
	CodeMissingPayment  = "MISSING_PAYMENT"
	CodeUnexpectedEvent = "UNEXPECTED_EVENT"
)

const (
	paymentMethod      = "CreditCard"
	refundReason       = "Items out of stock"
	backorderLeadTime  = 14 * 24 * time.Hour
	defaultBackordered = "Items from your order"
)

// OrderPlacement returns the order placement saga:
//
//	Initial               --PlaceOrder-->            Validating
//	Validating            --OrderValidated-->        PaymentProcessing
//	Validating            --OrderValidationFailed--> ValidationFailed
//	ValidationFailed      --PlaceOrder-->            Validating
//	PaymentProcessing     --PaymentCompleted-->      Fulfilling
//	PaymentProcessing     --PaymentFailed-->         PaymentNotPaid
//	PaymentNotPaid        --PaymentCompleted-->      Fulfilling
//	PaymentNotPaid        --EmailSent/EmailFailed--> PaymentNotPaid
//	Fulfilling            --OrderShipped-->          SendingConfirmation
//	Fulfilling            --FulfillmentFailed-->     RefundingPayment
//	RefundingPayment      --PaymentRefunded-->       SendingBackorderEmail
//	SendingBackorderEmail --EmailSent-->             SendingRefundEmail
//	SendingBackorderEmail --EmailFailed-->           Cancelled
//	SendingRefundEmail    --EmailSent/EmailFailed--> Cancelled
//	SendingConfirmation   --EmailSent/EmailFailed--> Completed
//
// ValidationFailed and PaymentNotPaid wait for the caller to retry; they are
// not terminal.
func OrderPlacement() *Definition {
	d, err := NewDefinition(
		sagastate.StateInitial,
		contracts.TypePlaceOrder,
		[]sagastate.State{sagastate.StateCompleted, sagastate.StateCancelled},
		orderPlacementTransitions(),
	)
	if err != nil {
		panic(err)
	}
	return d
}

func orderPlacementTransitions() []Transition {
	return []Transition{
		{From: sagastate.StateInitial, Event: contracts.TypePlaceOrder, Action: startValidation, To: sagastate.StateValidating},
		{From: sagastate.StateValidationFailed, Event: contracts.TypePlaceOrder, Action: retryValidation, To: sagastate.StateValidating},

		{From: sagastate.StateValidating, Event: contracts.TypeOrderValidated, Action: captureOrder, To: sagastate.StatePaymentProcessing},
		{From: sagastate.StateValidating, Event: contracts.TypeOrderValidationFailed, Action: recordValidationFailure, To: sagastate.StateValidationFailed},

		{From: sagastate.StatePaymentProcessing, Event: contracts.TypePaymentCompleted, Action: capturePayment, To: sagastate.StateFulfilling},
		{From: sagastate.StatePaymentProcessing, Event: contracts.TypePaymentFailed, Action: recordPaymentFailure, To: sagastate.StatePaymentNotPaid},
		{From: sagastate.StatePaymentNotPaid, Event: contracts.TypePaymentCompleted, Action: retryPayment, To: sagastate.StateFulfilling},
		{From: sagastate.StatePaymentNotPaid, Event: contracts.TypeEmailSent, Guard: expectEmail(contracts.EmailPaymentFailed), Action: noop, To: sagastate.StatePaymentNotPaid},
		{From: sagastate.StatePaymentNotPaid, Event: contracts.TypeEmailFailed, Guard: expectEmail(contracts.EmailPaymentFailed), Action: noop, To: sagastate.StatePaymentNotPaid},

		{From: sagastate.StateFulfilling, Event: contracts.TypeOrderShipped, Action: captureShipment, To: sagastate.StateSendingConfirmation},
		{From: sagastate.StateFulfilling, Event: contracts.TypeFulfillmentFailed, Action: startRefund, To: sagastate.StateRefundingPayment},

		{From: sagastate.StateRefundingPayment, Event: contracts.TypePaymentRefunded, Action: sendBackorderEmail, To: sagastate.StateSendingBackorderEmail},

		{From: sagastate.StateSendingBackorderEmail, Event: contracts.TypeEmailSent, Guard: expectEmail(contracts.EmailBackorder), Action: sendRefundEmail, To: sagastate.StateSendingRefundEmail},
		{From: sagastate.StateSendingBackorderEmail, Event: contracts.TypeEmailFailed, Guard: expectEmail(contracts.EmailBackorder), Action: recordEmailFailure, To: sagastate.StateCancelled},

		{From: sagastate.StateSendingRefundEmail, Event: contracts.TypeEmailSent, Guard: expectEmail(contracts.EmailRefund), Action: noop, To: sagastate.StateCancelled},
		{From: sagastate.StateSendingRefundEmail, Event: contracts.TypeEmailFailed, Guard: expectEmail(contracts.EmailRefund), Action: recordEmailFailure, To: sagastate.StateCancelled},

		{From: sagastate.StateSendingConfirmation, Event: contracts.TypeEmailSent, Guard: expectEmail(contracts.EmailOrderConfirmation), Action: noop, To: sagastate.StateCompleted},
		{From: sagastate.StateSendingConfirmation, Event: contracts.TypeEmailFailed, Guard: expectEmail(contracts.EmailOrderConfirmation), Action: recordEmailFailure, To: sagastate.StateCompleted},
	}
}

// payload extracts the concrete event, accepting both pointer and value.
func payload[T any](ev contracts.Event) (*T, error) {
	switch v := any(ev).(type) {
	case *T:
		return v, nil
	case T:
		return &v, nil
	}
	return nil, &ActionError{Code: CodeUnexpectedEvent, Err: fmt.Errorf("unexpected payload %T", ev)}
}

// expectEmail matches email events for kind. Events without an email type
// are accepted.
func expectEmail(kind string) Guard {
	return func(_ *sagastate.Instance, ev contracts.Event) bool {
		var got string
		switch e := ev.(type) {
		case *contracts.EmailSent:
			got = e.EmailType
		case contracts.EmailSent:
			got = e.EmailType
		case *contracts.EmailFailed:
			got = e.EmailType
		case contracts.EmailFailed:
			got = e.EmailType
		}
		return got == "" || got == kind
	}
}

func order(inst *sagastate.Instance) sagastate.OrderSnapshot {
	if inst.Order == nil {
		return sagastate.OrderSnapshot{}
	}
	return *inst.Order
}

func noop(*Context) error { return nil }

func startValidation(c *Context) error {
	id := c.Instance.CorrelationID
	c.Publish(contracts.ValidateOrder{CorrelationID: id, OrderID: id})
	return nil
}

func retryValidation(c *Context) error {
	c.Instance.LastError = ""
	c.Instance.LastErrorCode = ""
	c.Instance.RetryCount++
	return startValidation(c)
}

func captureOrder(c *Context) error {
	ev, err := payload[contracts.OrderValidated](c.Event)
	if err != nil {
		return err
	}
	if c.Instance.Order == nil {
		c.Instance.Order = &sagastate.OrderSnapshot{
			CustomerID:      ev.CustomerID,
			TotalAmount:     ev.TotalAmount,
			ShippingAddress: ev.ShippingAddress,
			CustomerEmail:   ev.CustomerEmail,
			CustomerName:    ev.CustomerName,
			Items:           append([]contracts.OrderItem(nil), ev.Items...),
		}
	}

	o := order(c.Instance)
	id := c.Instance.CorrelationID
	c.Publish(contracts.ProcessPayment{
		CorrelationID: id,
		OrderID:       id,
		CustomerID:    o.CustomerID,
		Amount:        o.TotalAmount,
		PaymentMethod: paymentMethod,
	})
	return nil
}

func recordValidationFailure(c *Context) error {
	ev, err := payload[contracts.OrderValidationFailed](c.Event)
	if err != nil {
		return err
	}
	c.Instance.LastError = ev.Reason
	return nil
}

func capturePayment(c *Context) error {
	ev, err := payload[contracts.PaymentCompleted](c.Event)
	if err != nil {
		return err
	}
	c.Instance.Payment = &sagastate.PaymentInfo{
		PaymentID:     ev.PaymentID,
		TransactionID: ev.TransactionID,
		Amount:        ev.Amount,
	}

	o := order(c.Instance)
	items := make([]contracts.FulfillmentItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, contracts.FulfillmentItem{ProductID: it.ProductID, ProductName: it.ProductName, Quantity: it.Quantity})
	}

	id := c.Instance.CorrelationID
	c.Publish(
		contracts.MarkOrderAsPaymentCompleted{CorrelationID: id, OrderID: id, TransactionID: ev.TransactionID},
		contracts.FulfillOrder{
			CorrelationID:   id,
			OrderID:         id,
			CustomerID:      o.CustomerID,
			Items:           items,
			ShippingAddress: o.ShippingAddress,
		},
	)
	return nil
}

func retryPayment(c *Context) error {
	c.Instance.LastError = ""
	c.Instance.LastErrorCode = ""
	c.Instance.RetryCount++
	return capturePayment(c)
}

func recordPaymentFailure(c *Context) error {
	ev, err := payload[contracts.PaymentFailed](c.Event)
	if err != nil {
		return err
	}
	c.Instance.LastError = ev.Reason
	c.Instance.LastErrorCode = ev.ErrorCode

	o := order(c.Instance)
	id := c.Instance.CorrelationID
	c.Publish(
		contracts.MarkOrderAsPaymentFailed{CorrelationID: id, OrderID: id, Reason: ev.Reason},
		contracts.SendPaymentFailedEmail{
			CorrelationID: id,
			OrderID:       id,
			CustomerID:    o.CustomerID,
			CustomerEmail: o.CustomerEmail,
			CustomerName:  o.CustomerName,
			FailureReason: ev.Reason,
		},
	)
	return nil
}

func captureShipment(c *Context) error {
	ev, err := payload[contracts.OrderShipped](c.Event)
	if err != nil {
		return err
	}
	c.Instance.Fulfillment = &sagastate.FulfillmentInfo{
		FulfillmentID:     ev.FulfillmentID,
		TrackingNumber:    ev.TrackingNumber,
		EstimatedDelivery: ev.EstimatedDelivery,
	}

	o := order(c.Instance)
	id := c.Instance.CorrelationID
	c.Publish(
		contracts.MarkOrderAsShipped{CorrelationID: id, OrderID: id, TrackingNumber: ev.TrackingNumber},
		contracts.SendOrderConfirmationEmail{
			CorrelationID:  id,
			OrderID:        id,
			CustomerID:     o.CustomerID,
			CustomerEmail:  o.CustomerEmail,
			CustomerName:   o.CustomerName,
			TotalAmount:    o.TotalAmount,
			TrackingNumber: ev.TrackingNumber,
		},
	)
	return nil
}

func startRefund(c *Context) error {
	ev, err := payload[contracts.FulfillmentFailed](c.Event)
	if err != nil {
		return err
	}
	if c.Instance.Payment == nil || c.Instance.Payment.PaymentID == "" {
		return &ActionError{Code: CodeMissingPayment, Err: errors.New("no captured payment to refund")}
	}
	c.Instance.LastError = ev.Reason

	o := order(c.Instance)
	id := c.Instance.CorrelationID
	c.Publish(
		contracts.MarkOrderAsBackOrdered{CorrelationID: id, OrderID: id, Reason: ev.Reason},
		contracts.RefundPayment{
			CorrelationID: id,
			OrderID:       id,
			PaymentID:     c.Instance.Payment.PaymentID,
			Amount:        o.TotalAmount,
			Reason:        refundReason,
		},
	)
	return nil
}

func sendBackorderEmail(c *Context) error {
	o := order(c.Instance)
	products := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		if it.ProductName != "" {
			products = append(products, it.ProductName)
		}
	}
	if len(products) == 0 {
		products = append(products, defaultBackordered)
	}

	id := c.Instance.CorrelationID
	c.Publish(contracts.SendBackorderEmail{
		CorrelationID:         id,
		OrderID:               id,
		CustomerID:            o.CustomerID,
		CustomerEmail:         o.CustomerEmail,
		CustomerName:          o.CustomerName,
		BackorderedProducts:   products,
		EstimatedAvailability: c.Now.Add(backorderLeadTime),
	})
	return nil
}

func sendRefundEmail(c *Context) error {
	o := order(c.Instance)
	id := c.Instance.CorrelationID
	c.Publish(contracts.SendRefundEmail{
		CorrelationID: id,
		OrderID:       id,
		CustomerID:    o.CustomerID,
		CustomerEmail: o.CustomerEmail,
		CustomerName:  o.CustomerName,
		RefundAmount:  o.TotalAmount,
	})
	return nil
}

// recordEmailFailure keeps the saga moving; the failure is only recorded.
func recordEmailFailure(c *Context) error {
	ev, err := payload[contracts.EmailFailed](c.Event)
	if err != nil {
		return err
	}
	c.Instance.LastError = ev.Reason
	c.Instance.LastErrorCode = CodeEmailFailed
	return nil
}
