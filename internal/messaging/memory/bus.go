// Package memory is an in-process messaging.Bus. Every Subscribe call acts
// as its own consumer group: it receives every envelope published to its
// topics while it is subscribed, plus every envelope published while the
// topic had no subscription at all. Redelivery is a timer. It backs local
// runs and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jcmexdev/order-placement-saga/internal/messaging"
)

var _ messaging.Bus = (*Bus)(nil)

const retryDelay = 50 * time.Millisecond

// DeadLetter is an envelope the orchestrator gave up on.
type DeadLetter struct {
	Topic    string
	Envelope *messaging.Envelope
	Reason   string
}

// Bus is safe for concurrent use.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]chan *messaging.Envelope
	backlog     map[string][]*messaging.Envelope
	published   []messaging.Delivery
	deadLetters []DeadLetter
	timers      map[*time.Timer]struct{}
	closed      bool
	buffer      int
}

// NewBus returns a bus whose subscriptions buffer up to buffer envelopes
// per topic.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subscribers: make(map[string][]chan *messaging.Envelope),
		backlog:     make(map[string][]*messaging.Envelope),
		timers:      make(map[*time.Timer]struct{}),
		buffer:      buffer,
	}
}

// Publish delivers env to every subscription of topic. Envelopes published
// while nobody is subscribed are kept and replayed to each later
// subscription.
func (b *Bus) Publish(ctx context.Context, topic string, env *messaging.Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return messaging.ErrClosed
	}
	b.published = append(b.published, messaging.Delivery{Topic: topic, Envelope: env.Clone()})
	subs := slices.Clone(b.subscribers[topic])
	if len(subs) == 0 {
		b.backlog[topic] = append(b.backlog[topic], env.Clone())
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- env.Clone():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) Redeliver(ctx context.Context, topic string, env *messaging.Envelope, delay time.Duration) error {
	parked := env.Clone()
	return b.after(delay, func() {
		_ = b.Publish(context.Background(), topic, parked)
	})
}

func (b *Bus) DeadLetter(ctx context.Context, topic string, env *messaging.Envelope, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.ErrClosed
	}
	b.deadLetters = append(b.deadLetters, DeadLetter{Topic: topic, Envelope: env.Clone(), Reason: reason})
	return nil
}

// Subscribe consumes topics until ctx is done. Each delivery is handled on
// its own goroutine; a failed delivery is handed to this subscription again
// after a short delay.
func (b *Bus) Subscribe(ctx context.Context, topics []string, h messaging.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return messaging.ErrClosed
	}
	chans := make([]chan *messaging.Envelope, len(topics))
	backlog := make([][]*messaging.Envelope, len(topics))
	for i, name := range topics {
		chans[i] = make(chan *messaging.Envelope, b.buffer)
		b.subscribers[name] = append(b.subscribers[name], chans[i])
		backlog[i] = slices.Clone(b.backlog[name])
	}
	b.mu.Unlock()

	defer b.unsubscribe(topics, chans)

	for i, ch := range chans {
		topic := topics[i]
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-ch:
					go b.deliver(ctx, topic, ch, env, h)
				}
			}
		}()
		go func() {
			for _, env := range backlog[i] {
				select {
				case ch <- env.Clone():
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	return nil
}

func (b *Bus) deliver(ctx context.Context, topic string, ch chan *messaging.Envelope, env *messaging.Envelope, h messaging.Handler) {
	if err := h(ctx, &messaging.Delivery{Topic: topic, Envelope: env}); err == nil || ctx.Err() != nil {
		return
	}
	_ = b.after(retryDelay, func() {
		select {
		case ch <- env:
		case <-ctx.Done():
		}
	})
}

func (b *Bus) unsubscribe(topics []string, chans []chan *messaging.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, name := range topics {
		b.subscribers[name] = slices.DeleteFunc(b.subscribers[name], func(c chan *messaging.Envelope) bool {
			return c == chans[i]
		})
	}
}

// after runs fn once delay has passed unless the bus is closed first.
func (b *Bus) after(delay time.Duration, fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.ErrClosed
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		fn()
	})
	b.timers[t] = struct{}{}
	return nil
}

// Published returns every envelope published so far, in order.
func (b *Bus) Published() []messaging.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.Delivery(nil), b.published...)
}

// PublishedTypes returns the envelope types published to topic.
func (b *Bus) PublishedTypes(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, d := range b.published {
		if d.Topic == topic {
			out = append(out, d.Envelope.Type)
		}
	}
	return out
}

// SubscriberCount returns the number of active subscriptions of topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[topic])
}

// DeadLetters returns the dead letters recorded so far.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.deadLetters...)
}

// Close stops pending redelivery timers. Subscribers exit with their ctx.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
	b.mu.Unlock()
	return nil
}
