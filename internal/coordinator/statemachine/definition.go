// Package statemachine holds the declarative saga definition: a table keyed
// by (state, event type) whose entries carry an optional guard, the action
// to run and the next state. It performs no I/O; actions only mutate the
// instance copy they are handed and collect the messages to publish.
package statemachine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jcmexdev/order-placement-saga/internal/contracts"
	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
)

// ErrNoTransition means the event is not valid in the instance's state.
var ErrNoTransition = errors.New("statemachine: no transition")

// ActionError is a non-transient failure raised by an action. Code ends up
// in the instance's LastErrorCode.
type ActionError struct {
	Code string
	Err  error
}

func (e *ActionError) Error() string {
	if e.Code == "" {
		return e.Err.Error()
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *ActionError) Unwrap() error { return e.Err }

// Context is handed to an action.
type Context struct {
	// Instance is a private copy; mutate it freely.
	Instance *sagastate.Instance
	Event    contracts.Event
	Now      time.Time

	outbound []contracts.Message
}

// Publish queues messages to send once the transition is persisted.
func (c *Context) Publish(msgs ...contracts.Message) {
	c.outbound = append(c.outbound, msgs...)
}

// Guard decides whether a matched transition applies to this event.
type Guard func(inst *sagastate.Instance, ev contracts.Event) bool

// Action mutates the instance and queues outbound messages.
type Action func(c *Context) error

// Transition is one row of the table.
type Transition struct {
	From   sagastate.State
	Event  string
	Guard  Guard
	Action Action
	To     sagastate.State
}

// Result is the outcome of Apply.
type Result struct {
	From     sagastate.State
	To       sagastate.State
	Instance *sagastate.Instance
	Outbound []contracts.Message
}

type key struct {
	state sagastate.State
	event string
}

// Definition is an immutable transition table.
type Definition struct {
	initial     sagastate.State
	initiating  string
	terminal    map[sagastate.State]bool
	transitions map[key]Transition
	states      []sagastate.State
}

// NewDefinition builds and validates a table. initiating is the only event
// type allowed to create an instance.
func NewDefinition(initial sagastate.State, initiating string, terminal []sagastate.State, transitions []Transition) (*Definition, error) {
	d := &Definition{
		initial:     initial,
		initiating:  initiating,
		terminal:    make(map[sagastate.State]bool, len(terminal)),
		transitions: make(map[key]Transition, len(transitions)),
	}
	for _, s := range terminal {
		d.terminal[s] = true
	}
	for _, t := range transitions {
		k := key{t.From, t.Event}
		if _, dup := d.transitions[k]; dup {
			return nil, fmt.Errorf("statemachine: duplicate transition %s --%s-->", t.From, t.Event)
		}
		d.transitions[k] = t
	}
	d.states = d.collectStates()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Definition) collectStates() []sagastate.State {
	seen := map[sagastate.State]bool{d.initial: true}
	for s := range d.terminal {
		seen[s] = true
	}
	for k, t := range d.transitions {
		seen[k.state] = true
		seen[t.To] = true
	}
	out := make([]sagastate.State, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that terminal states have no outgoing edges, every state
// is reachable from the initial one, and every row has an action.
func (d *Definition) Validate() error {
	for k, t := range d.transitions {
		if d.terminal[k.state] {
			return fmt.Errorf("statemachine: terminal state %s has outgoing transition on %s", k.state, k.event)
		}
		if t.Action == nil {
			return fmt.Errorf("statemachine: transition %s --%s--> has no action", k.state, k.event)
		}
	}

	reached := map[sagastate.State]bool{d.initial: true}
	queue := []sagastate.State{d.initial}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for k, t := range d.transitions {
			if k.state == s && !reached[t.To] {
				reached[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	for _, s := range d.states {
		if !reached[s] {
			return fmt.Errorf("statemachine: state %s is unreachable", s)
		}
	}
	return nil
}

// Initial is the state new instances start in.
func (d *Definition) Initial() sagastate.State { return d.initial }

// IsInitiating reports whether eventType may create an instance.
func (d *Definition) IsInitiating(eventType string) bool { return eventType == d.initiating }

// IsTerminal reports whether s is a final state.
func (d *Definition) IsTerminal(s sagastate.State) bool { return d.terminal[s] }

// States returns every state of the table, sorted.
func (d *Definition) States() []sagastate.State {
	return append([]sagastate.State(nil), d.states...)
}

// EventTypes returns every event type the table reacts to, sorted.
func (d *Definition) EventTypes() []string {
	seen := map[string]bool{}
	for k := range d.transitions {
		seen[k.event] = true
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the row for (state, eventType), ignoring guards.
func (d *Definition) Lookup(state sagastate.State, eventType string) (Transition, bool) {
	t, ok := d.transitions[key{state, eventType}]
	return t, ok
}

// Resolve returns the transition that applies to ev in inst's state, or
// ErrNoTransition.
func (d *Definition) Resolve(inst *sagastate.Instance, ev contracts.Event) (Transition, error) {
	t, ok := d.Lookup(inst.State, ev.MessageType())
	if !ok || (t.Guard != nil && !t.Guard(inst, ev)) {
		return Transition{}, fmt.Errorf("%w: %s in state %s", ErrNoTransition, ev.MessageType(), inst.State)
	}
	return t, nil
}

// Apply runs the matching transition against a copy of inst. inst itself
// is never modified. Terminal instances yield ErrNoTransition.
func (d *Definition) Apply(inst *sagastate.Instance, ev contracts.Event, now time.Time) (*Result, error) {
	if inst.IsTerminal() {
		return nil, fmt.Errorf("%w: instance %s is terminal", ErrNoTransition, inst.CorrelationID)
	}
	t, err := d.Resolve(inst, ev)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	c := &Context{Instance: inst.Clone(), Event: ev, Now: now}
	if err := t.Action(c); err != nil {
		var ae *ActionError
		if !errors.As(err, &ae) {
			ae = &ActionError{Err: err}
		}
		return nil, ae
	}

	c.Instance.State = t.To
	c.Instance.UpdatedAt = now
	if d.IsTerminal(t.To) {
		c.Instance.CompletedAt = &now
	}
	return &Result{From: t.From, To: t.To, Instance: c.Instance, Outbound: c.outbound}, nil
}
