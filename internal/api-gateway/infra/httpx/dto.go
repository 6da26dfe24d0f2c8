package httpx

type PlaceOrderResponse struct {
	OrderID   string `json:"order_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type SagaResponse struct {
	OrderID       string               `json:"order_id"`
	State         string               `json:"state"`
	Finished      bool                 `json:"finished"`
	Order         *OrderResponse       `json:"order,omitempty"`
	Payment       *PaymentResponse     `json:"payment,omitempty"`
	Fulfillment   *FulfillmentResponse `json:"fulfillment,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	LastErrorCode string               `json:"last_error_code,omitempty"`
	RetryCount    int                  `json:"retry_count"`
	Version       int                  `json:"version"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at"`
	CompletedAt   string               `json:"completed_at,omitempty"`
}

type OrderResponse struct {
	CustomerID      string              `json:"customer_id"`
	CustomerName    string              `json:"customer_name"`
	CustomerEmail   string              `json:"customer_email"`
	ShippingAddress string              `json:"shipping_address"`
	TotalAmount     float64             `json:"total_amount"`
	Items           []OrderItemResponse `json:"items"`
}

type OrderItemResponse struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

type PaymentResponse struct {
	PaymentID     string  `json:"payment_id"`
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
}

type FulfillmentResponse struct {
	FulfillmentID     string `json:"fulfillment_id"`
	TrackingNumber    string `json:"tracking_number"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
}

type SagaListResponse struct {
	Items      []SagaResponse `json:"items"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

type TransitionResponse struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Event      string `json:"event"`
	MessageID  string `json:"message_id,omitempty"`
	Version    int    `json:"version"`
	Error      string `json:"error,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
