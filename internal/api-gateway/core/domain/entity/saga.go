package entity

import "time"

type OrderItem struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   float64
}

type Order struct {
	CustomerID      string
	CustomerName    string
	CustomerEmail   string
	ShippingAddress string
	TotalAmount     float64
	Items           []OrderItem
}

type Payment struct {
	PaymentID     string
	TransactionID string
	Amount        float64
}

type Fulfillment struct {
	FulfillmentID     string
	TrackingNumber    string
	EstimatedDelivery time.Time
}

// Saga is the read view of one order placement.
type Saga struct {
	OrderID       string
	State         string
	Finished      bool
	Order         *Order
	Payment       *Payment
	Fulfillment   *Fulfillment
	LastError     string
	LastErrorCode string
	RetryCount    int
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

type SagaPage struct {
	Items    []*Saga
	Page     int
	PageSize int
	Total    int
}

// Transition is one entry of a saga's history.
type Transition struct {
	From       string
	To         string
	Event      string
	MessageID  string
	Version    int
	Error      string
	TraceID    string
	RecordedAt time.Time
}
