package participants

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
)

// DefaultPaymentLimit is the largest amount the gateway accepts.
const DefaultPaymentLimit = 500.0

type payment struct {
	id            string
	transactionID string
	amount        float64
}

// PaymentGateway charges and refunds orders in memory. An order is charged
// at most once; repeating ProcessPayment returns the existing charge.
type PaymentGateway struct {
	mu       sync.Mutex
	limit    float64
	payments map[string]payment
}

func NewPaymentGateway(limit float64) *PaymentGateway {
	if limit <= 0 {
		limit = DefaultPaymentLimit
	}
	return &PaymentGateway{limit: limit, payments: make(map[string]payment)}
}

func (g *PaymentGateway) Charge(ctx context.Context, cmd contracts.ProcessPayment) contracts.Message {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.payments[cmd.OrderID]; ok {
		slog.InfoContext(ctx, "order already charged", "order_id", cmd.OrderID, "payment_id", p.id)
		return completed(cmd, p)
	}

	slog.InfoContext(ctx, "processing charge", "order_id", cmd.OrderID, "amount", cmd.Amount)

	if cmd.Amount > g.limit {
		slog.InfoContext(ctx, "charge declined", "order_id", cmd.OrderID, "amount", cmd.Amount, "limit", g.limit)
		return contracts.PaymentFailed{
			CorrelationID: cmd.CorrelationID,
			OrderID:       cmd.OrderID,
			Reason:        fmt.Sprintf("amount %.2f exceeds limit %.2f", cmd.Amount, g.limit),
			ErrorCode:     "LIMIT_EXCEEDED",
		}
	}

	p := payment{id: uuid.NewString(), transactionID: "txn_" + uuid.NewString()[:8], amount: cmd.Amount}
	g.payments[cmd.OrderID] = p
	return completed(cmd, p)
}

func completed(cmd contracts.ProcessPayment, p payment) contracts.PaymentCompleted {
	return contracts.PaymentCompleted{
		CorrelationID: cmd.CorrelationID,
		OrderID:       cmd.OrderID,
		PaymentID:     p.id,
		TransactionID: p.transactionID,
		Amount:        p.amount,
	}
}

// Refund always succeeds; a refund without a recorded charge is logged.
func (g *PaymentGateway) Refund(ctx context.Context, cmd contracts.RefundPayment) contracts.Message {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.payments[cmd.OrderID]; !ok {
		slog.WarnContext(ctx, "no payment found to refund", "order_id", cmd.OrderID)
	}
	delete(g.payments, cmd.OrderID)

	slog.InfoContext(ctx, "refunding payment", "order_id", cmd.OrderID, "amount", cmd.Amount, "reason", cmd.Reason)
	return contracts.PaymentRefunded{
		CorrelationID: cmd.CorrelationID,
		OrderID:       cmd.OrderID,
		PaymentID:     cmd.PaymentID,
		Amount:        cmd.Amount,
	}
}

// Charged reports the amount currently held for orderID.
func (g *PaymentGateway) Charged(orderID string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[orderID]
	return p.amount, ok
}
