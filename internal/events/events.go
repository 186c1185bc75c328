// Package events carries outward notifications (status changes, new
// channels, membership changes) from the connection core to observers.
//
// Unlike a fire-and-forget bus, Publish calls handlers synchronously and in
// subscription order, so observers see events in exactly the order the core
// emitted them.
package events

import (
	"sync"
)

// Type represents the type of event
type Type int

const (
	StatusChanged Type = iota
	NewChannel
	ChannelClosed
	ShutdownFinished
	MembersChanged
	GroupFlagsChanged
	HandleOwnersChanged
	SelfHandleChanged
	DispatchFinished
	DispatchInvalidated
	DispatchChannelLost
	AccountChanged
	AccountRemoved
	ListingRooms
	GotRooms
)

var typeNames = map[Type]string{
	StatusChanged:       "StatusChanged",
	NewChannel:          "NewChannel",
	ChannelClosed:       "ChannelClosed",
	ShutdownFinished:    "ShutdownFinished",
	MembersChanged:      "MembersChanged",
	GroupFlagsChanged:   "GroupFlagsChanged",
	HandleOwnersChanged: "HandleOwnersChanged",
	SelfHandleChanged:   "SelfHandleChanged",
	DispatchFinished:    "DispatchFinished",
	DispatchInvalidated: "DispatchInvalidated",
	DispatchChannelLost: "DispatchChannelLost",
	AccountChanged:      "AccountChanged",
	AccountRemoved:      "AccountRemoved",
	ListingRooms:        "ListingRooms",
	GotRooms:            "GotRooms",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// Event is a notification from an object identified by Source (usually its
// object path). Data holds the type-specific payload.
type Event struct {
	Type   Type
	Source string
	Data   interface{}
}

// Handler is a function that handles events
type Handler func(event Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus handles event subscription and publishing
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Type][]subscription
	all      []subscription
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]subscription),
	}
}

// Subscribe subscribes to an event type. The returned function removes the
// subscription.
func (b *Bus) Subscribe(t Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: handler})
	return func() { b.remove(t, id, false) }
}

// SubscribeAll subscribes to every event type.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})
	return func() { b.remove(0, id, true) }
}

func (b *Bus) remove(t Type, id uint64, all bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[t]
	if all {
		subs = b.all
	}
	kept := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if all {
		b.all = kept
	} else {
		b.handlers[t] = kept
	}
}

// Publish delivers event to the type's subscribers, then to the catch-all
// subscribers, before returning. A nil bus drops the event.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	typed := b.handlers[event.Type]
	all := b.all
	b.mu.RUnlock()

	for _, s := range typed {
		s.handler(event)
	}
	for _, s := range all {
		s.handler(event)
	}
}

// Unsubscribe removes all handlers for an event type
func (b *Bus) Unsubscribe(t Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, t)
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Type][]subscription)
	b.all = nil
}

// Recorder collects every event published on a bus, in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	stop   func()
}

// Record starts recording events from b.
func Record(b *Bus) *Recorder {
	r := &Recorder{}
	r.stop = b.SubscribeAll(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Stop ends recording.
func (r *Recorder) Stop() {
	r.stop()
}
