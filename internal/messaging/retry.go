package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy bounds how hard RetryingPublisher tries before giving up.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries a failed publish three more times with
// exponential backoff starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 4,
	Delay:    100 * time.Millisecond,
	MaxDelay: 2 * time.Second,
}

// RetryingPublisher retries transient publish failures of the wrapped
// Publisher. Context cancellation is never retried.
type RetryingPublisher struct {
	next   Publisher
	policy RetryPolicy
}

func NewRetryingPublisher(next Publisher, policy RetryPolicy) *RetryingPublisher {
	if policy.Attempts == 0 {
		policy = DefaultRetryPolicy
	}
	return &RetryingPublisher{next: next, policy: policy}
}

func (p *RetryingPublisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	return retry.Do(
		func() error { return p.next.Publish(ctx, topic, env) },
		retry.Context(ctx),
		retry.Attempts(p.policy.Attempts),
		retry.Delay(p.policy.Delay),
		retry.MaxDelay(p.policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, ErrClosed)
		}),
	)
}
