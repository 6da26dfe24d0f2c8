package participants

import (
	"slices"
	"sync"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
)

type SentEmail struct {
	OrderID   string
	EmailType string
	Recipient string
}

// Mailer records sent emails. A message without a recipient fails, and an
// email type already sent for an order is not sent again.
type Mailer struct {
	mu   sync.Mutex
	sent []SentEmail
}

func NewMailer() *Mailer { return &Mailer{} }

func (m *Mailer) Send(orderID, emailType, recipient string) contracts.Message {
	if recipient == "" {
		return contracts.EmailFailed{CorrelationID: orderID, OrderID: orderID, EmailType: emailType, Reason: "missing recipient"}
	}
	m.mu.Lock()
	if !slices.ContainsFunc(m.sent, func(e SentEmail) bool { return e.OrderID == orderID && e.EmailType == emailType }) {
		m.sent = append(m.sent, SentEmail{OrderID: orderID, EmailType: emailType, Recipient: recipient})
	}
	m.mu.Unlock()
	return contracts.EmailSent{CorrelationID: orderID, OrderID: orderID, EmailType: emailType, RecipientEmail: recipient}
}

func (m *Mailer) Sent() []SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentEmail(nil), m.sent...)
}
