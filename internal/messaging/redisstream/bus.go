// Package redisstream implements messaging.Bus on Redis Streams.
//
// Every topic is a stream holding the JSON envelope in the "data" field and
// is consumed through a consumer group. Deliveries that keep failing are
// claimed back from the pending entries list and, past MaxRetries, moved to
// "<topic>:dlq". Delayed redelivery parks envelopes in a sorted set scored by
// their due time; a scheduler loop moves due entries back onto their stream.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/order-placement-saga/internal/messaging"
)

var _ messaging.Bus = (*Bus)(nil)

const dataField = "data"

// Options tunes the consumer side of the bus.
type Options struct {
	Prefix   string // key prefix for every stream and the schedule set
	Group    string
	Consumer string

	BatchSize            int
	BlockTime            time.Duration
	MaxRetries           int
	ClaimMinIdle         time.Duration
	PendingCheckInterval time.Duration
	SchedulerInterval    time.Duration
}

// DefaultOptions are used for every zero field of the Options passed to New.
var DefaultOptions = Options{
	Prefix:               "saga:",
	Group:                "orchestrator",
	Consumer:             "orchestrator-1",
	BatchSize:            10,
	BlockTime:            2 * time.Second,
	MaxRetries:           5,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
	SchedulerInterval:    250 * time.Millisecond,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	if o.Prefix != "" {
		d.Prefix = o.Prefix
	}
	if o.Group != "" {
		d.Group = o.Group
	}
	if o.Consumer != "" {
		d.Consumer = o.Consumer
	}
	if o.BatchSize > 0 {
		d.BatchSize = o.BatchSize
	}
	if o.BlockTime > 0 {
		d.BlockTime = o.BlockTime
	}
	if o.MaxRetries > 0 {
		d.MaxRetries = o.MaxRetries
	}
	if o.ClaimMinIdle > 0 {
		d.ClaimMinIdle = o.ClaimMinIdle
	}
	if o.PendingCheckInterval > 0 {
		d.PendingCheckInterval = o.PendingCheckInterval
	}
	if o.SchedulerInterval > 0 {
		d.SchedulerInterval = o.SchedulerInterval
	}
	return d
}

// scheduled is the sorted-set member for a parked envelope.
type scheduled struct {
	Topic    string              `json:"topic"`
	Envelope *messaging.Envelope `json:"envelope"`
}

// Bus is safe for concurrent use.
type Bus struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger
}

// New wraps client. The client is owned by the caller.
func New(client *redis.Client, opts Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, opts: opts.withDefaults(), logger: logger}
}

func (b *Bus) streamKey(topic string) string { return b.opts.Prefix + topic }

func (b *Bus) scheduleKey() string { return b.opts.Prefix + "scheduled" }

// Setup creates the consumer group on every topic. It is the one-time
// bootstrap step and is safe to repeat.
func (b *Bus) Setup(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		err := b.client.XGroupCreateMkStream(ctx, b.streamKey(topic), b.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redisstream: create group on %s: %w", topic, err)
		}
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, topic string, env *messaging.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisstream: marshal envelope %s: %w", env.ID, err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(topic),
		Values: map[string]interface{}{dataField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisstream: xadd %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Redeliver(ctx context.Context, topic string, env *messaging.Envelope, delay time.Duration) error {
	member, err := json.Marshal(scheduled{Topic: topic, Envelope: env})
	if err != nil {
		return fmt.Errorf("redisstream: marshal scheduled %s: %w", env.ID, err)
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := b.client.ZAdd(ctx, b.scheduleKey(), redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("redisstream: schedule %s: %w", env.ID, err)
	}
	return nil
}

func (b *Bus) DeadLetter(ctx context.Context, topic string, env *messaging.Envelope, reason string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisstream: marshal envelope %s: %w", env.ID, err)
	}
	return b.writeDLQ(ctx, topic, env.ID, string(data), reason)
}

func (b *Bus) writeDLQ(ctx context.Context, topic, msgID string, data interface{}, reason string) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(messaging.DeadLetterTopic(topic)),
		Values: map[string]interface{}{
			"stream":   topic,
			"msgId":    msgID,
			"reason":   reason,
			dataField:  data,
			"tsMs":     time.Now().UnixMilli(),
			"group":    b.opts.Group,
			"consumer": b.opts.Consumer,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisstream: xadd dlq %s: %w", topic, err)
	}
	return nil
}

// PromoteDue moves every parked envelope due at or before now back onto its
// stream and returns how many were moved. Concurrent schedulers are safe:
// only the one whose ZREM succeeds republishes an entry.
func (b *Bus) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := b.client.ZRangeByScore(ctx, b.scheduleKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstream: scan schedule: %w", err)
	}

	moved := 0
	for _, member := range members {
		removed, err := b.client.ZRem(ctx, b.scheduleKey(), member).Result()
		if err != nil {
			return moved, fmt.Errorf("redisstream: unschedule: %w", err)
		}
		if removed == 0 {
			continue
		}

		var s scheduled
		if err := json.Unmarshal([]byte(member), &s); err != nil || s.Envelope == nil {
			b.logger.ErrorContext(ctx, "dropping malformed scheduled entry", "error", err)
			continue
		}
		if err := b.Publish(ctx, s.Topic, s.Envelope); err != nil {
			// Put it back so the next tick retries.
			_ = b.client.ZAdd(ctx, b.scheduleKey(), redis.Z{Score: float64(now.UnixMilli()), Member: member}).Err()
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Subscribe runs the scheduler and the consumer loop until ctx is done.
// Setup must have been called for topics.
func (b *Bus) Subscribe(ctx context.Context, topics []string, h messaging.Handler) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runScheduler(ctx)
	}()
	defer wg.Wait()

	if err := b.processPending(ctx, topics, h); err != nil && ctx.Err() == nil {
		b.logger.ErrorContext(ctx, "process pending failed", "error", err)
	}

	err := b.consume(ctx, topics, h)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bus) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(b.opts.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := b.PromoteDue(ctx, now); err != nil && ctx.Err() == nil {
				b.logger.ErrorContext(ctx, "promote scheduled redeliveries failed", "error", err)
			}
		}
	}
}

func (b *Bus) consume(ctx context.Context, topics []string, h messaging.Handler) error {
	args := make([]string, 0, len(topics)*2)
	for _, t := range topics {
		args = append(args, b.streamKey(t))
	}
	for range topics {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(b.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := b.processPending(ctx, topics, h); err != nil && ctx.Err() == nil {
				b.logger.ErrorContext(ctx, "process pending failed", "error", err)
			}
		default:
		}

		results, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  args,
			Count:    int64(b.opts.BatchSize),
			Block:    b.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redisstream: xreadgroup: %w", err)
		}

		for _, res := range results {
			b.handleBatch(ctx, b.topicOf(res.Stream), res.Messages, h)
		}
	}
}

// handleBatch runs the handler for every message concurrently; ordering per
// correlation id is the handler's concern (see messaging.Partitioner).
func (b *Bus) handleBatch(ctx context.Context, topic string, msgs []redis.XMessage, h messaging.Handler) {
	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m redis.XMessage) {
			defer wg.Done()
			if err := b.processMessage(ctx, topic, m, h); err != nil && ctx.Err() == nil {
				b.logger.WarnContext(ctx, "delivery not acknowledged", "topic", topic, "stream_id", m.ID, "error", err)
			}
		}(m)
	}
	wg.Wait()
}

func (b *Bus) processMessage(ctx context.Context, topic string, m redis.XMessage, h messaging.Handler) error {
	stream := b.streamKey(topic)

	raw, ok := m.Values[dataField].(string)
	if !ok {
		return b.client.XAck(ctx, stream, b.opts.Group, m.ID).Err()
	}
	var env messaging.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		if dlqErr := b.writeDLQ(ctx, topic, m.ID, raw, "malformed envelope: "+err.Error()); dlqErr != nil {
			return dlqErr
		}
		return b.client.XAck(ctx, stream, b.opts.Group, m.ID).Err()
	}

	if err := h(ctx, &messaging.Delivery{Topic: topic, Envelope: &env}); err != nil {
		pending, pErr := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  b.opts.Group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		}).Result()
		if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(b.opts.MaxRetries) {
			if dlqErr := b.writeDLQ(ctx, topic, m.ID, raw, err.Error()); dlqErr == nil {
				return b.client.XAck(ctx, stream, b.opts.Group, m.ID).Err()
			}
		}
		return err
	}

	return b.client.XAck(ctx, stream, b.opts.Group, m.ID).Err()
}

// processPending claims deliveries that another consumer (or an earlier
// run of this one) read but never acknowledged.
func (b *Bus) processPending(ctx context.Context, topics []string, h messaging.Handler) error {
	for _, topic := range topics {
		stream := b.streamKey(topic)
		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  b.opts.Group,
			Start:  "-",
			End:    "+",
			Count:  int64(b.opts.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("redisstream: xpending %s: %w", topic, err)
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			if p.Idle >= b.opts.ClaimMinIdle {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			MinIdle:  b.opts.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("redisstream: xclaim %s: %w", topic, err)
		}
		b.handleBatch(ctx, topic, msgs, h)
	}
	return nil
}

func (b *Bus) topicOf(stream string) string {
	return strings.TrimPrefix(stream, b.opts.Prefix)
}

// Close is a no-op; the redis client belongs to the caller.
func (b *Bus) Close() error { return nil }
