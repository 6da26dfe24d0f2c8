// Package coordinator is the saga engine. For each inbound message it
// resolves the saga instance, applies the matching transition of the state
// machine definition, persists the result with a version-conditioned write
// and only then publishes the outbound commands.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagalog"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/statemachine"
	"github.com/jcmexdev/order-placement-saga/internal/messaging"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/metrics"
)

// HeaderCausationID names the inbound message that produced an outbound one.
const HeaderCausationID = "x-causation-id"

// Outcome is what happened to one inbound message.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeApplied      Outcome = "applied"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeRedelivered  Outcome = "redelivered"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeConflict     Outcome = "conflict"
	OutcomeFailed       Outcome = "failed"
)

// Config bounds the engine's redelivery behaviour.
type Config struct {
	// RedeliveryDelay is how long a message for a missing instance is parked.
	RedeliveryDelay time.Duration

	// MaxRedeliveries is how many times such a message is parked before it
	// is dead-lettered.
	MaxRedeliveries int

	// ConflictDelay is how long a message that lost a version race is parked.
	ConflictDelay time.Duration

	// LockStripes is the number of per-correlation mutexes.
	LockStripes int
}

var DefaultConfig = Config{
	RedeliveryDelay: 2 * time.Second,
	MaxRedeliveries: 5,
	ConflictDelay:   100 * time.Millisecond,
	LockStripes:     256,
}

// Scheduler parks messages and moves them to the dead-letter path.
type Scheduler interface {
	messaging.Redeliverer
	messaging.DeadLetterer
}

// Deduplicator remembers inbound message ids that were already applied.
type Deduplicator interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Remember(ctx context.Context, messageID string) error
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.RedeliveryDelay > 0 {
			e.cfg.RedeliveryDelay = cfg.RedeliveryDelay
		}
		if cfg.MaxRedeliveries > 0 {
			e.cfg.MaxRedeliveries = cfg.MaxRedeliveries
		}
		if cfg.ConflictDelay > 0 {
			e.cfg.ConflictDelay = cfg.ConflictDelay
		}
		if cfg.LockStripes > 0 {
			e.cfg.LockStripes = cfg.LockStripes
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithTransitionLog records every persisted transition in repo.
func WithTransitionLog(repo sagalog.Repository) Option { return func(e *Engine) { e.history = repo } }

func WithDeduplicator(d Deduplicator) Option { return func(e *Engine) { e.dedup = d } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine is safe for concurrent use.
type Engine struct {
	store     sagastate.Store
	def       *statemachine.Definition
	publisher messaging.Publisher
	scheduler Scheduler

	cfg     Config
	locks   *stripedLock
	logger  *slog.Logger
	metrics *metrics.Metrics
	history sagalog.Repository
	dedup   Deduplicator
	tracer  trace.Tracer
	now     func() time.Time
}

func New(store sagastate.Store, def *statemachine.Definition, publisher messaging.Publisher, scheduler Scheduler, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		def:       def,
		publisher: publisher,
		scheduler: scheduler,
		cfg:       DefaultConfig,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/jcmexdev/order-placement-saga/internal/coordinator"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.locks = newStripedLock(e.cfg.LockStripes)
	return e
}

// Handler adapts the engine to the bus. A nil error acknowledges the
// delivery.
func (e *Engine) Handler() messaging.Handler {
	return func(ctx context.Context, d *messaging.Delivery) error {
		_, err := e.HandleMessage(ctx, d.Topic, d.Envelope)
		return err
	}
}

// HandleMessage processes one inbound envelope received on topic. A non-nil
// error means a transient failure; the caller should let the infrastructure
// deliver the envelope again.
func (e *Engine) HandleMessage(ctx context.Context, topic string, env *messaging.Envelope) (outcome Outcome, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "saga.handle "+env.Type, trace.WithAttributes(
		attribute.String("messaging.message.id", env.ID),
		attribute.String("messaging.destination.name", topic),
		attribute.Int("saga.attempt", env.Attempt),
	))
	defer func() {
		span.SetAttributes(attribute.String("saga.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveMessage(env.Type, string(outcome), time.Since(start))
	}()

	log := e.logger.With("message_id", env.ID, "event", env.Type)

	ev, err := contracts.Decode(env)
	if err != nil {
		log.WarnContext(ctx, "dropping undecodable message", "error", err)
		return OutcomeIgnored, nil
	}
	id := contracts.CorrelationOf(env, ev)
	if id == "" {
		log.WarnContext(ctx, "dropping message without correlation id")
		return OutcomeIgnored, nil
	}
	log = log.With("correlation_id", id)
	span.SetAttributes(attribute.String("saga.correlation_id", id))

	unlock := e.locks.lock(id)
	defer unlock()

	inst, created, err := e.resolve(ctx, id, env.Type)
	if errors.Is(err, sagastate.ErrNotFound) {
		return e.handleMissing(ctx, log, topic, env)
	}
	if err != nil {
		return OutcomeFailed, err
	}

	if len(inst.PendingOutbound) > 0 {
		if inst, err = e.flush(ctx, log, inst); err != nil {
			if errors.Is(err, sagastate.ErrVersionConflict) {
				return e.handleConflict(ctx, log, topic, env)
			}
			return OutcomeFailed, err
		}
	}

	if e.seen(ctx, log, env.ID) {
		log.DebugContext(ctx, "message already applied")
		return OutcomeIgnored, nil
	}

	if inst.IsTerminal() {
		log.DebugContext(ctx, "saga already finished", "state", inst.State)
		return OutcomeIgnored, nil
	}

	res, err := e.def.Apply(inst, ev, e.now())
	var actionErr *statemachine.ActionError
	switch {
	case errors.Is(err, statemachine.ErrNoTransition):
		log.InfoContext(ctx, "message not valid in current state", "state", inst.State)
		return OutcomeIgnored, nil
	case errors.As(err, &actionErr):
		return e.recordActionError(ctx, log, topic, env, inst, actionErr)
	case err != nil:
		return OutcomeFailed, err
	}

	outbound, err := e.envelopes(ctx, env, id, res.Outbound)
	if err != nil {
		return OutcomeFailed, err
	}
	next := res.Instance
	next.PendingOutbound = outbound

	if err := e.store.CompareAndSwapSave(ctx, next, inst.Version); err != nil {
		if errors.Is(err, sagastate.ErrVersionConflict) {
			return e.handleConflict(ctx, log, topic, env)
		}
		return OutcomeFailed, err
	}

	log.InfoContext(ctx, "transition applied", "from", res.From, "to", res.To, "version", next.Version)
	e.metrics.ObserveTransition(string(res.From), string(res.To))
	e.record(ctx, log, sagalog.NewEntry(ctx, id, string(res.From), string(res.To), env.Type, env.ID, next.Version, nil))
	if e.dedup != nil {
		if err := e.dedup.Remember(ctx, env.ID); err != nil {
			log.WarnContext(ctx, "dedup remember failed", "error", err)
		}
	}

	if _, err := e.flush(ctx, log, next); err != nil && !errors.Is(err, sagastate.ErrVersionConflict) {
		// The outbox stays persisted. The redelivered message flushes it
		// and is then ignored.
		return OutcomeApplied, fmt.Errorf("coordinator: publish outbound for %s: %w", id, err)
	}

	if created {
		return OutcomeCreated, nil
	}
	return OutcomeApplied, nil
}

// resolve loads the instance, creating it for the initiating message type.
func (e *Engine) resolve(ctx context.Context, id, messageType string) (*sagastate.Instance, bool, error) {
	if e.def.IsInitiating(messageType) {
		initial := sagastate.New(id, e.now())
		initial.State = e.def.Initial()
		return e.store.CreateIfAbsent(ctx, initial)
	}
	inst, err := e.store.Load(ctx, id)
	return inst, false, err
}

// handleMissing parks a message whose instance does not exist yet, and
// dead-letters it once the redelivery budget is spent.
func (e *Engine) handleMissing(ctx context.Context, log *slog.Logger, topic string, env *messaging.Envelope) (Outcome, error) {
	if env.Attempt >= e.cfg.MaxRedeliveries {
		reason := fmt.Sprintf("saga instance not found after %d redeliveries", env.Attempt)
		if err := e.scheduler.DeadLetter(ctx, topic, env, reason); err != nil {
			return OutcomeFailed, fmt.Errorf("coordinator: dead letter %s: %w", env.ID, err)
		}
		log.ErrorContext(ctx, "message dead-lettered", "reason", reason)
		e.metrics.ObserveDeadLetter(env.Type)
		return OutcomeDeadLettered, nil
	}

	parked := env.Clone()
	parked.Attempt++
	if err := e.scheduler.Redeliver(ctx, topic, parked, e.cfg.RedeliveryDelay); err != nil {
		return OutcomeFailed, fmt.Errorf("coordinator: redeliver %s: %w", env.ID, err)
	}
	log.WarnContext(ctx, "saga instance not found, message redelivery scheduled",
		"attempt", parked.Attempt, "max_attempts", e.cfg.MaxRedeliveries, "delay", e.cfg.RedeliveryDelay)
	e.metrics.ObserveRedelivery("missing_instance")
	return OutcomeRedelivered, nil
}

// handleConflict parks a message that lost a version race. It does not count
// against the missing-instance budget.
func (e *Engine) handleConflict(ctx context.Context, log *slog.Logger, topic string, env *messaging.Envelope) (Outcome, error) {
	if err := e.scheduler.Redeliver(ctx, topic, env.Clone(), e.cfg.ConflictDelay); err != nil {
		return OutcomeFailed, fmt.Errorf("coordinator: redeliver %s: %w", env.ID, err)
	}
	log.WarnContext(ctx, "version conflict, message redelivery scheduled", "delay", e.cfg.ConflictDelay)
	e.metrics.ObserveRedelivery("version_conflict")
	return OutcomeConflict, nil
}

// recordActionError persists the failure on the instance without changing
// its state. The message is acknowledged.
func (e *Engine) recordActionError(ctx context.Context, log *slog.Logger, topic string, env *messaging.Envelope, inst *sagastate.Instance, actionErr *statemachine.ActionError) (Outcome, error) {
	failed := inst.Clone()
	failed.LastError = actionErr.Err.Error()
	failed.LastErrorCode = actionErr.Code
	failed.UpdatedAt = e.now().UTC()

	if err := e.store.CompareAndSwapSave(ctx, failed, inst.Version); err != nil {
		if errors.Is(err, sagastate.ErrVersionConflict) {
			return e.handleConflict(ctx, log, topic, env)
		}
		return OutcomeFailed, err
	}

	log.ErrorContext(ctx, "transition action failed", "state", inst.State, "code", actionErr.Code, "error", actionErr.Err)
	e.record(ctx, log, sagalog.NewEntry(ctx, inst.CorrelationID, string(inst.State), string(inst.State), env.Type, env.ID, failed.Version, actionErr))
	return OutcomeFailed, nil
}

// envelopes wraps the messages of a transition for the outbox.
func (e *Engine) envelopes(ctx context.Context, cause *messaging.Envelope, id string, msgs []contracts.Message) ([]sagastate.Outbound, error) {
	out := make([]sagastate.Outbound, 0, len(msgs))
	for _, msg := range msgs {
		topic, ok := contracts.TopicFor(msg.MessageType())
		if !ok {
			return nil, fmt.Errorf("coordinator: no topic for %s", msg.MessageType())
		}
		env, err := contracts.NewEnvelope(msg, id)
		if err != nil {
			return nil, err
		}
		env.SetHeader(HeaderCausationID, cause.ID)
		out = append(out, sagastate.Outbound{Topic: topic, Envelope: env})
	}
	return out, nil
}

// flush publishes the instance's outbox in order and clears it. On a
// publish error the outbox is left as persisted.
func (e *Engine) flush(ctx context.Context, log *slog.Logger, inst *sagastate.Instance) (*sagastate.Instance, error) {
	if len(inst.PendingOutbound) == 0 {
		return inst, nil
	}
	for _, o := range inst.PendingOutbound {
		if err := e.publisher.Publish(ctx, o.Topic, o.Envelope.Clone()); err != nil {
			return inst, err
		}
		e.metrics.ObservePublished(o.Envelope.Type)
		log.DebugContext(ctx, "outbound published", "topic", o.Topic, "type", o.Envelope.Type, "outbound_id", o.Envelope.ID)
	}

	cleared := inst.Clone()
	cleared.PendingOutbound = nil
	if err := e.store.CompareAndSwapSave(ctx, cleared, inst.Version); err != nil {
		if errors.Is(err, sagastate.ErrVersionConflict) {
			log.WarnContext(ctx, "outbox cleared concurrently")
		}
		return inst, err
	}
	return cleared, nil
}

func (e *Engine) seen(ctx context.Context, log *slog.Logger, messageID string) bool {
	if e.dedup == nil {
		return false
	}
	ok, err := e.dedup.Seen(ctx, messageID)
	if err != nil {
		log.WarnContext(ctx, "dedup lookup failed", "error", err)
		return false
	}
	return ok
}

func (e *Engine) record(ctx context.Context, log *slog.Logger, entry *sagalog.Entry) {
	if e.history == nil {
		return
	}
	if err := e.history.Save(ctx, entry); err != nil {
		log.WarnContext(ctx, "saga log write failed", "error", err)
	}
}
