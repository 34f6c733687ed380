// Package bus implements the per-agent event log: an ordered,
// multi-subscriber publish/subscribe channel with cursor replay and a
// bounded retention window.
package bus

import (
	"sync"
	"time"

	"github.com/tokenring-ai/agentry/pkg/errors"
)

// DefaultRetention is the number of events a bus retains for replay
// when no explicit window is configured.
const DefaultRetention = 1024

// Event is an immutable record appended to an agent's event log.
// Sequences are assigned by the bus, strictly increase, and are never
// reused within the agent's lifetime.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events for one subscription. Handlers run on the
// publishing goroutine; publishing from inside a handler is allowed and
// is delivered after the current event finishes fanning out.
type Handler func(Event)

// Subscription is a cursor-bearing attachment to a bus.
type Subscription struct {
	fn     Handler
	next   uint64
	active bool
}

// Bus is the event log for a single agent. All methods are safe for
// concurrent use.
type Bus struct {
	agentID   string
	retention int

	mu         sync.Mutex
	events     []Event
	start      uint64 // sequence of events[0]
	next       uint64 // sequence the next published event receives
	subs       []*Subscription
	delivering bool
}

// New creates a bus for the given agent. retention <= 0 selects
// DefaultRetention.
func New(agentID string, retention int) *Bus {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Bus{agentID: agentID, retention: retention}
}

// AgentID returns the owning agent's id.
func (b *Bus) AgentID() string { return b.agentID }

// NextSequence returns the sequence the next published event will get.
func (b *Bus) NextSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Publish appends an event with the next sequence number and delivers
// it synchronously to every attached subscriber before returning,
// unless a delivery is already in progress on another frame — then the
// active drain picks it up, preserving total order.
func (b *Bus) Publish(topic string, payload any) Event {
	b.mu.Lock()
	ev := Event{
		Sequence:  b.next,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	b.next++
	b.events = append(b.events, ev)
	b.trimLocked()
	b.drainLocked()
	b.mu.Unlock()
	return ev
}

// Subscribe attaches a subscriber at the given cursor. The subscriber
// receives every retained event with sequence >= from, then all future
// events, in order, exactly once. A cursor below the retention window
// fails with CURSOR_TOO_OLD.
func (b *Bus) Subscribe(from uint64, fn Handler) (*Subscription, error) {
	b.mu.Lock()
	if from < b.start {
		b.mu.Unlock()
		return nil, errors.Newf(errors.CodeCursorTooOld,
			"cursor %d is below retention window start %d", from, b.start).
			WithContext("agent_id", b.agentID)
	}
	sub := &Subscription{fn: fn, next: from, active: true}
	b.subs = append(b.subs, sub)
	b.drainLocked()
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches the subscription. No further delivery occurs.
// Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !sub.active {
		return
	}
	sub.active = false
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// Events returns a copy of the retained event window.
func (b *Bus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// trimLocked drops events beyond the retention window, but never an
// event an attached subscriber has not received yet.
func (b *Bus) trimLocked() {
	floor := b.next
	for _, sub := range b.subs {
		if sub.active && sub.next < floor {
			floor = sub.next
		}
	}
	for len(b.events) > b.retention && b.start < floor {
		b.events = b.events[1:]
		b.start++
	}
}

// drainLocked delivers every undelivered event to every subscriber, one
// sequence at a time, subscribers in subscription order. Only one frame
// drains at a time; nested publishes just append and return, and the
// active drain observes the grown log. Called with b.mu held; releases
// and reacquires it around handler invocations.
func (b *Bus) drainLocked() {
	if b.delivering {
		return
	}
	b.delivering = true
	defer func() { b.delivering = false }()

	for {
		seq, ok := b.lowestPendingLocked()
		if !ok {
			return
		}
		// Snapshot so handlers may subscribe/unsubscribe. Subscribers
		// attached mid-drain are caught up on the next pass.
		subs := make([]*Subscription, len(b.subs))
		copy(subs, b.subs)
		for _, sub := range subs {
			if !sub.active || sub.next != seq {
				continue
			}
			ev := b.events[seq-b.start]
			sub.next = seq + 1
			b.mu.Unlock()
			sub.fn(ev)
			b.mu.Lock()
		}
	}
}

func (b *Bus) lowestPendingLocked() (uint64, bool) {
	var (
		lowest uint64
		found  bool
	)
	for _, sub := range b.subs {
		if !sub.active || sub.next >= b.next {
			continue
		}
		if !found || sub.next < lowest {
			lowest = sub.next
			found = true
		}
	}
	return lowest, found
}
