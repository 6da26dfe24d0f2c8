// Package contracts defines the messages exchanged between the order placement
// orchestrator and the order, payment, fulfillment and email services.
//
// Every message carries the correlation id of the saga it belongs to. The
// correlation id equals the order id.
package contracts

import "time"

// Message is implemented by every payload that travels on the bus.
type Message interface {
	MessageType() string
}

// Event is an inbound message that can be routed back to a saga instance.
type Event interface {
	Message
	Correlation() string
}

// Message type names. They are the value of Envelope.Type on the wire.
const (
	TypePlaceOrder            = "PlaceOrder"
	TypeOrderValidated        = "OrderValidated"
	TypeOrderValidationFailed = "OrderValidationFailed"
	TypePaymentCompleted      = "PaymentCompleted"
	TypePaymentFailed         = "PaymentFailed"
	TypePaymentRefunded       = "PaymentRefunded"
	TypeOrderShipped          = "OrderShipped"
	TypeFulfillmentFailed     = "FulfillmentFailed"
	TypeEmailSent             = "EmailSent"
	TypeEmailFailed           = "EmailFailed"

	TypeValidateOrder               = "ValidateOrder"
	TypeProcessPayment              = "ProcessPayment"
	TypeRefundPayment               = "RefundPayment"
	TypeFulfillOrder                = "FulfillOrder"
	TypeMarkOrderAsPaymentCompleted = "MarkOrderAsPaymentCompleted"
	TypeMarkOrderAsPaymentFailed    = "MarkOrderAsPaymentFailed"
	TypeMarkOrderAsShipped          = "MarkOrderAsShipped"
	TypeMarkOrderAsBackOrdered      = "MarkOrderAsBackOrdered"
	TypeSendOrderConfirmationEmail  = "SendOrderConfirmationEmail"
	TypeSendPaymentFailedEmail      = "SendPaymentFailedEmail"
	TypeSendBackorderEmail          = "SendBackorderEmail"
	TypeSendRefundEmail             = "SendRefundEmail"
)

// Email types reported back by the email service in EmailSent/EmailFailed.
const (
	EmailOrderConfirmation = "OrderConfirmation"
	EmailPaymentFailed     = "PaymentFailed"
	EmailBackorder         = "Backorder"
	EmailRefund            = "Refund"
)

// OrderItem is a line of the order as reported by the order service.
type OrderItem struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// FulfillmentItem is a line handed to the fulfillment service.
type FulfillmentItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
}

// OutOfStockItem describes why fulfillment could not ship a line.
type OutOfStockItem struct {
	ProductID         string `json:"product_id"`
	ProductName       string `json:"product_name"`
	RequestedQuantity int    `json:"requested_quantity"`
	AvailableQuantity int    `json:"available_quantity"`
}

// correlate prefers the explicit correlation id and falls back to the order id.
func correlate(correlationID, orderID string) string {
	if correlationID != "" {
		return correlationID
	}
	return orderID
}

// --- Inbound: commands and events consumed by the orchestrator ---

// PlaceOrder starts (or retries) the placement of an existing order.
type PlaceOrder struct {
	OrderID string `json:"order_id"`
}

func (PlaceOrder) MessageType() string   { return TypePlaceOrder }
func (m PlaceOrder) Correlation() string { return m.OrderID }

type OrderValidated struct {
	CorrelationID   string      `json:"correlation_id"`
	OrderID         string      `json:"order_id"`
	CustomerID      string      `json:"customer_id"`
	TotalAmount     float64     `json:"total_amount"`
	ShippingAddress string      `json:"shipping_address"`
	CustomerEmail   string      `json:"customer_email"`
	CustomerName    string      `json:"customer_name"`
	Items           []OrderItem `json:"items"`
}

func (OrderValidated) MessageType() string   { return TypeOrderValidated }
func (m OrderValidated) Correlation() string { return correlate(m.CorrelationID, m.OrderID) }

type OrderValidationFailed struct {
	CorrelationID string `json:"correlation_id"`
	OrderID       string `json:"order_id"`
	Reason        string `json:"reason"`
}

func (OrderValidationFailed) MessageType() string { return TypeOrderValidationFailed }
func (m OrderValidationFailed) Correlation() string {
	return correlate(m.CorrelationID, m.OrderID)
}

type PaymentCompleted struct {
	CorrelationID string  `json:"correlation_id"`
	OrderID       string  `json:"order_id"`
	PaymentID     string  `json:"payment_id"`
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
}

func (PaymentCompleted) MessageType() string   { return TypePaymentCompleted }
func (m PaymentCompleted) Correlation() string { return correlate(m.CorrelationID, m.OrderID) }

type PaymentFailed struct {
	CorrelationID string `json:"correlation_id"`
	OrderID       string `json:"order_id"`
	Reason        string `json:"reason"`
	ErrorCode     string `json:"error_code"`
}

func (PaymentFailed) MessageType() string   { return TypePaymentFailed }
func (m PaymentFailed) Correlation() string { return correlate(m.CorrelationID, m.OrderID) }

type PaymentRefunded struct {
	CorrelationID string  `json:"correlation_id"`
	OrderID       string  `json:"order_id"`
	PaymentID     string  `json:"payment_id"`
	Amount        float64 `json:"amount"`
}

func (PaymentRefunded) MessageType() string   { return TypePaymentRefunded }
func (m PaymentRefunded) Correlation() string { return correlate(m.CorrelationID, m.OrderID) }

type OrderShipped struct {
	CorrelationID     string    `json:"correlation_id"`
	OrderID           string    `json:"order_id"`
	FulfillmentID     string    `json:"fulfillment_id"`
	TrackingNumber    string    `json:"tracking_number"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}

func (OrderShipped) MessageType() string   { return TypeOrderShipped }
func (m OrderShipped) Correlation() string { return correlate(m.CorrelationID, m.OrderID) }

type FulfillmentFailed struct {
	CorrelationID   string           `json:"correlation_id"`
	OrderID         string           `json:"order_id"`
	Reason          string           `json:"reason"`
	OutOfStockItems []OutOfStockItem `json:"out_of_stock_items,omitempty"`
}

func (FulfillmentFailed) MessageType() string   { return TypeFulfillmentFailed }
func (m FulfillmentFailed) Correlation() string { return correlate(m.CorrelationID, m.OrderID) }

type EmailSent struct {
	CorrelationID  string `json:"correlation_id"`
	OrderID        string `json:"order_id"`
	EmailType      string `json:"email_type"`
	RecipientEmail string `json:"recipient_email"`
}

func (EmailSent) MessageType() string   { return TypeEmailSent }
func (m EmailSent) Correlation() string { return correlate(m.CorrelationID, m.OrderID) }

type EmailFailed struct {
	CorrelationID string `json:"correlation_id"`
	OrderID       string `json:"order_id"`
	EmailType     string `json:"email_type"`
	Reason        string `json:"reason"`
}

func (EmailFailed) MessageType() string   { return TypeEmailFailed }
func (m EmailFailed) Correlation() string { return correlate(m.CorrelationID, m.OrderID) }

// --- Outbound: commands published by the orchestrator ---

type ValidateOrder struct {
	CorrelationID string `json:"correlation_id"`
	OrderID       string `json:"order_id"`
}

func (ValidateOrder) MessageType() string { return TypeValidateOrder }

type ProcessPayment struct {
	CorrelationID string  `json:"correlation_id"`
	OrderID       string  `json:"order_id"`
	CustomerID    string  `json:"customer_id"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
}

func (ProcessPayment) MessageType() string { return TypeProcessPayment }

type RefundPayment struct {
	CorrelationID string  `json:"correlation_id"`
	OrderID       string  `json:"order_id"`
	PaymentID     string  `json:"payment_id"`
	Amount        float64 `json:"amount"`
	Reason        string  `json:"reason"`
}

func (RefundPayment) MessageType() string { return TypeRefundPayment }

type FulfillOrder struct {
	CorrelationID   string            `json:"correlation_id"`
	OrderID         string            `json:"order_id"`
	CustomerID      string            `json:"customer_id"`
	Items           []FulfillmentItem `json:"items"`
	ShippingAddress string            `json:"shipping_address"`
}

func (FulfillOrder) MessageType() string { return TypeFulfillOrder }

type MarkOrderAsPaymentCompleted struct {
	CorrelationID string `json:"correlation_id"`
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

func (MarkOrderAsPaymentCompleted) MessageType() string { return TypeMarkOrderAsPaymentCompleted }

type MarkOrderAsPaymentFailed struct {
	CorrelationID string `json:"correlation_id"`
	OrderID       string `json:"order_id"`
	Reason        string `json:"reason"`
}

func (MarkOrderAsPaymentFailed) MessageType() string { return TypeMarkOrderAsPaymentFailed }

type MarkOrderAsShipped struct {
	CorrelationID  string `json:"correlation_id"`
	OrderID        string `json:"order_id"`
	TrackingNumber string `json:"tracking_number"`
}

func (MarkOrderAsShipped) MessageType() string { return TypeMarkOrderAsShipped }

type MarkOrderAsBackOrdered struct {
	CorrelationID string `json:"correlation_id"`
	OrderID       string `json:"order_id"`
	Reason        string `json:"reason"`
}

func (MarkOrderAsBackOrdered) MessageType() string { return TypeMarkOrderAsBackOrdered }

type SendOrderConfirmationEmail struct {
	CorrelationID  string  `json:"correlation_id"`
	OrderID        string  `json:"order_id"`
	CustomerID     string  `json:"customer_id"`
	CustomerEmail  string  `json:"customer_email"`
	CustomerName   string  `json:"customer_name"`
	TotalAmount    float64 `json:"total_amount"`
	TrackingNumber string  `json:"tracking_number"`
}

func (SendOrderConfirmationEmail) MessageType() string { return TypeSendOrderConfirmationEmail }

type SendPaymentFailedEmail struct {
	CorrelationID string `json:"correlation_id"`
	OrderID       string `json:"order_id"`
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
	CustomerName  string `json:"customer_name"`
	FailureReason string `json:"failure_reason"`
}

func (SendPaymentFailedEmail) MessageType() string { return TypeSendPaymentFailedEmail }

type SendBackorderEmail struct {
	CorrelationID         string    `json:"correlation_id"`
	OrderID               string    `json:"order_id"`
	CustomerID            string    `json:"customer_id"`
	CustomerEmail         string    `json:"customer_email"`
	CustomerName          string    `json:"customer_name"`
	BackorderedProducts   []string  `json:"backordered_products"`
	EstimatedAvailability time.Time `json:"estimated_availability"`
}

func (SendBackorderEmail) MessageType() string { return TypeSendBackorderEmail }

type SendRefundEmail struct {
	CorrelationID string  `json:"correlation_id"`
	OrderID       string  `json:"order_id"`
	CustomerID    string  `json:"customer_id"`
	CustomerEmail string  `json:"customer_email"`
	CustomerName  string  `json:"customer_name"`
	RefundAmount  float64 `json:"refund_amount"`
}

func (SendRefundEmail) MessageType() string { return TypeSendRefundEmail }
