// Package hooks implements the Event Bus: process-wide, synchronous
// fan-out of agent/tool/operation/system events with hierarchical
// propagation to parent agents.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes TimelineEvents to registered subscribers in a fan-out
	// pattern. Delivery is synchronous from the publisher's goroutine, in
	// subscription order; iteration stops at the first subscriber error.
	Bus interface {
		// Publish delivers event to every subscriber registered on event.Name
		// plus every subscriber registered on the wildcard topic, in
		// subscription order. If event carries a ParentAgentID and
		// ParentHistoryID and belongs to the agent/tool family, Publish also
		// emits a second event with those ids substituted in (one level
		// deep), preserving SourceAgentID.
		Publish(ctx context.Context, event Event) error

		// Register adds sub on topic ("" or Wildcard subscribes to every
		// event) and returns a Subscription that can be closed to unregister.
		Register(topic string, sub Subscriber) (Subscription, error)

		// Count returns the number of times name has been published,
		// including propagated copies.
		Count(name string) uint64
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration; Close is idempotent.
	Subscription interface {
		Close() error
	}
)

// HandleEvent implements Subscriber by invoking fn.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// Wildcard is the topic name that receives every published event.
const Wildcard = "*"

type registration struct {
	topic string
	sub   Subscriber
}

// bus is the concrete Bus implementation. Unlike a map-backed registry,
// regs is a slice kept in registration order (Close removes an entry in
// place) so Publish always observes subscribers in the order they registered; handlers for a single
// publish call run in subscription order, which a map iteration cannot
// guarantee.
type bus struct {
	mu   sync.RWMutex
	regs []*registration

	countsMu sync.Mutex
	counts   map[string]uint64

	propagateSubAgentEntries bool
}

// Option configures a Bus at construction time.
type Option func(*bus)

// WithSubAgentEntryPropagation records whether sub-agent history-entry
// creation propagates to the parent; SubAgentEntryPropagationEnabled reports
// it. Disabled by default. No package in this module reads the setting or
// emits the "subagent:created" TimelineEvent.
func WithSubAgentEntryPropagation(enabled bool) Option {
	return func(b *bus) { b.propagateSubAgentEntries = enabled }
}

// NewBus constructs a new in-memory event bus.
func NewBus(opts ...Option) Bus {
	b := &bus{counts: make(map[string]uint64)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubAgentEntryPropagationEnabled reports whether the Bus was constructed
// with WithSubAgentEntryPropagation(true).
func SubAgentEntryPropagationEnabled(b Bus) bool {
	impl, ok := b.(*bus)
	return ok && impl.propagateSubAgentEntries
}

func (b *bus) Publish(ctx context.Context, event Event) error {
	if err := b.deliver(ctx, event); err != nil {
		return err
	}
	b.bump(event.Name)

	if event.IsAgentOrTool() && event.ParentAgentID != "" && event.ParentHistoryID != "" {
		propagated := event
		propagated.SourceAgentID = event.AgentID
		propagated.AgentID = event.ParentAgentID
		propagated.HistoryEntryID = event.ParentHistoryID
		propagated.ParentAgentID = ""
		propagated.ParentHistoryID = ""
		if err := b.deliver(ctx, propagated); err != nil {
			return err
		}
		b.bump(propagated.Name)
	}
	return nil
}

func (b *bus) deliver(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.regs))
	for _, r := range b.regs {
		if r.topic == Wildcard || r.topic == "" || r.topic == event.Name {
			subs = append(subs, r.sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) bump(name string) {
	b.countsMu.Lock()
	b.counts[name]++
	b.countsMu.Unlock()
}

func (b *bus) Count(name string) uint64 {
	b.countsMu.Lock()
	defer b.countsMu.Unlock()
	return b.counts[name]
}

func (b *bus) Register(topic string, sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hooks: subscriber is required")
	}
	r := &registration{topic: topic, sub: sub}
	b.mu.Lock()
	b.regs = append(b.regs, r)
	b.mu.Unlock()
	return &subscription{bus: b, reg: r}, nil
}

type subscription struct {
	bus  *bus
	reg  *registration
	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, r := range s.bus.regs {
			if r == s.reg {
				s.bus.regs = append(s.bus.regs[:i:i], s.bus.regs[i+1:]...)
				break
			}
		}
	})
	return nil
}
