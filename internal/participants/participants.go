// Package participants simulates the order, payment, fulfillment and email
// services. Each one consumes its command topic and answers with the events
// the orchestrator waits for, so a saga can run end to end without the real
// services.
package participants

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
)

// Topics are the command topics the simulator consumes.
var Topics = []string{
	contracts.TopicOrderCommands,
	contracts.TopicPaymentCommands,
	contracts.TopicFulfillmentCommands,
	contracts.TopicEmailCommands,
}

type Options struct {
	// AutoCreateOrders makes unknown order ids validate as a sample order.
	AutoCreateOrders bool

	// PaymentLimit declines any payment above it. Zero uses DefaultPaymentLimit.
	PaymentLimit float64

	// Stock replaces the default inventory.
	Stock map[string]int
}

// Simulator is safe for concurrent use.
type Simulator struct {
	Orders    *OrderBook
	Payments  *PaymentGateway
	Inventory *Inventory
	Email     *Mailer

	publisher messaging.Publisher
	logger    *slog.Logger
}

func New(publisher messaging.Publisher, opts Options, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		Orders:    NewOrderBook(opts.AutoCreateOrders),
		Payments:  NewPaymentGateway(opts.PaymentLimit),
		Inventory: NewInventory(opts.Stock),
		Email:     NewMailer(),
		publisher: publisher,
		logger:    logger.With("component", "participants"),
	}
}

// Handler answers commands. Messages it does not know are acknowledged and
// dropped, since the order command topic also carries PlaceOrder.
func (s *Simulator) Handler() messaging.Handler {
	return func(ctx context.Context, d *messaging.Delivery) error {
		env := d.Envelope
		reply, err := s.handle(ctx, env)
		if err != nil {
			s.logger.WarnContext(ctx, "command rejected", "type", env.Type, "message_id", env.ID, "error", err)
			return nil
		}
		if reply == nil {
			return nil
		}
		return s.publish(ctx, env, reply)
	}
}

func (s *Simulator) handle(ctx context.Context, env *messaging.Envelope) (contracts.Message, error) {
	switch env.Type {
	case contracts.TypeValidateOrder:
		cmd, err := decode[contracts.ValidateOrder](env)
		if err != nil {
			return nil, err
		}
		return s.Orders.Validate(cmd), nil
	case contracts.TypeMarkOrderAsPaymentCompleted:
		cmd, err := decode[contracts.MarkOrderAsPaymentCompleted](env)
		if err != nil {
			return nil, err
		}
		return nil, s.Orders.SetStatus(cmd.OrderID, StatusPaid)
	case contracts.TypeMarkOrderAsPaymentFailed:
		cmd, err := decode[contracts.MarkOrderAsPaymentFailed](env)
		if err != nil {
			return nil, err
		}
		return nil, s.Orders.SetStatus(cmd.OrderID, StatusPaymentFailed)
	case contracts.TypeMarkOrderAsShipped:
		cmd, err := decode[contracts.MarkOrderAsShipped](env)
		if err != nil {
			return nil, err
		}
		return nil, s.Orders.SetStatus(cmd.OrderID, StatusShipped)
	case contracts.TypeMarkOrderAsBackOrdered:
		cmd, err := decode[contracts.MarkOrderAsBackOrdered](env)
		if err != nil {
			return nil, err
		}
		return nil, s.Orders.SetStatus(cmd.OrderID, StatusBackOrdered)
	case contracts.TypeProcessPayment:
		cmd, err := decode[contracts.ProcessPayment](env)
		if err != nil {
			return nil, err
		}
		return s.Payments.Charge(ctx, cmd), nil
	case contracts.TypeRefundPayment:
		cmd, err := decode[contracts.RefundPayment](env)
		if err != nil {
			return nil, err
		}
		return s.Payments.Refund(ctx, cmd), nil
	case contracts.TypeFulfillOrder:
		cmd, err := decode[contracts.FulfillOrder](env)
		if err != nil {
			return nil, err
		}
		return s.Inventory.Fulfill(ctx, cmd), nil
	case contracts.TypeSendOrderConfirmationEmail:
		cmd, err := decode[contracts.SendOrderConfirmationEmail](env)
		if err != nil {
			return nil, err
		}
		return s.Email.Send(cmd.OrderID, contracts.EmailOrderConfirmation, cmd.CustomerEmail), nil
	case contracts.TypeSendPaymentFailedEmail:
		cmd, err := decode[contracts.SendPaymentFailedEmail](env)
		if err != nil {
			return nil, err
		}
		return s.Email.Send(cmd.OrderID, contracts.EmailPaymentFailed, cmd.CustomerEmail), nil
	case contracts.TypeSendBackorderEmail:
		cmd, err := decode[contracts.SendBackorderEmail](env)
		if err != nil {
			return nil, err
		}
		return s.Email.Send(cmd.OrderID, contracts.EmailBackorder, cmd.CustomerEmail), nil
	case contracts.TypeSendRefundEmail:
		cmd, err := decode[contracts.SendRefundEmail](env)
		if err != nil {
			return nil, err
		}
		return s.Email.Send(cmd.OrderID, contracts.EmailRefund, cmd.CustomerEmail), nil
	}
	return nil, nil
}

func (s *Simulator) publish(ctx context.Context, cause *messaging.Envelope, reply contracts.Message) error {
	env, err := contracts.NewEnvelope(reply, cause.CorrelationID)
	if err != nil {
		return err
	}
	topic, ok := contracts.TopicFor(reply.MessageType())
	if !ok {
		return fmt.Errorf("participants: no topic for %s", reply.MessageType())
	}
	if err := s.publisher.Publish(ctx, topic, env); err != nil {
		return fmt.Errorf("participants: publish %s: %w", reply.MessageType(), err)
	}
	s.logger.DebugContext(ctx, "reply published", "command", cause.Type, "reply", env.Type, "correlation_id", cause.CorrelationID)
	return nil
}

func decode[T any](env *messaging.Envelope) (T, error) {
	var cmd T
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return cmd, fmt.Errorf("participants: decode %s: %w", env.Type, err)
	}
	return cmd, nil
}
