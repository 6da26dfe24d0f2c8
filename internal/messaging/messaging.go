// Package messaging is the send/receive abstraction the orchestrator uses to
// talk to the other services. Adapters live in sub-packages: redisstream for
// Redis Streams and memory for in-process runs and tests.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by adapters used after Close.
var ErrClosed = errors.New("messaging: bus closed")

// Envelope is the unit that travels on a topic. Payload holds the JSON
// encoded message; Type names it so the receiver can decode it.
type Envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlation_id"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`

	// Attempt counts orchestrator-scheduled redeliveries of this envelope.
	// It is zero on the first delivery.
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Header returns the value of a header, or "" when absent.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Clone returns a deep copy so a redelivered envelope never aliases the
// caller's headers.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Delivery is an envelope received from a topic.
type Delivery struct {
	Topic    string
	Envelope *Envelope
}

// Handler processes one delivery. Returning nil acknowledges it; returning
// an error leaves it to the infrastructure to deliver again.
type Handler func(ctx context.Context, d *Delivery) error

// Publisher sends envelopes to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
}

// Redeliverer parks an envelope and reintroduces it on topic after delay.
type Redeliverer interface {
	Redeliver(ctx context.Context, topic string, env *Envelope, delay time.Duration) error
}

// DeadLetterer moves an envelope to the operator-visible dead-letter path.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, topic string, env *Envelope, reason string) error
}

// Subscriber consumes topics until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, h Handler) error
}

// Bus bundles everything the orchestrator needs from the message channel.
type Bus interface {
	Publisher
	Redeliverer
	DeadLetterer
	Subscriber
	Close() error
}

// DeadLetterTopic is the topic dead letters for topic are written to.
func DeadLetterTopic(topic string) string {
	return topic + ":dlq"
}
