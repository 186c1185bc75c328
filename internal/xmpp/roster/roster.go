// Package roster tracks presence subscription state per contact, following
// the subscribe / subscribed / unsubscribe / unsubscribed handshake.
package roster

import (
	"sort"
	"sync"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Subscription represents the subscription state
type Subscription string

const (
	SubscriptionNone Subscription = "none"
	SubscriptionTo   Subscription = "to"
	SubscriptionFrom Subscription = "from"
	SubscriptionBoth Subscription = "both"
)

// HasTo reports whether we receive the contact's presence.
func (s Subscription) HasTo() bool {
	return s == SubscriptionTo || s == SubscriptionBoth
}

// HasFrom reports whether the contact receives our presence.
func (s Subscription) HasFrom() bool {
	return s == SubscriptionFrom || s == SubscriptionBoth
}

func subscription(to, from bool) Subscription {
	switch {
	case to && from:
		return SubscriptionBoth
	case to:
		return SubscriptionTo
	case from:
		return SubscriptionFrom
	default:
		return SubscriptionNone
	}
}

// Direction says who sent a subscription stanza.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Item represents a roster item
type Item struct {
	JID          jid.JID
	Subscription Subscription
	// AskOut is set while our subscription request awaits an answer.
	AskOut bool
	// AskIn is set while the contact's request awaits our answer.
	AskIn bool
	// Message is the text that came with the last inbound request.
	Message string
}

func (i Item) sameState(o Item) bool {
	return i.Subscription == o.Subscription && i.AskOut == o.AskOut &&
		i.AskIn == o.AskIn && i.Message == o.Message
}

// Manager manages the roster
type Manager struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewManager creates a new roster manager
func NewManager() *Manager {
	return &Manager{
		items: make(map[string]Item),
	}
}

// Get returns a roster item by JID
func (m *Manager) Get(j jid.JID) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[j.Bare().String()]
	return item, ok
}

// Remove removes a roster item and returns what it was
func (m *Manager) Remove(j jid.JID) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := j.Bare().String()
	item, ok := m.items[key]
	delete(m.items, key)
	return item, ok
}

// Store adds j to the roster with no subscription if it is not there yet
func (m *Manager) Store(j jid.JID) Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := j.Bare().String()
	item, ok := m.items[key]
	if !ok {
		item = Item{JID: j.Bare(), Subscription: SubscriptionNone}
		m.items[key] = item
	}
	return item
}

// Apply runs one subscription stanza through the state machine and returns
// the item before and after. Presence types that are not subscription
// management leave the roster alone.
func (m *Manager) Apply(j jid.JID, dir Direction, typ stanza.PresenceType, message string) (before, after Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.Bare().String()
	before, ok := m.items[key]
	if !ok {
		before = Item{JID: j.Bare(), Subscription: SubscriptionNone}
	}
	after = before
	to, from := before.Subscription.HasTo(), before.Subscription.HasFrom()

	switch {
	case dir == Outbound && typ == stanza.SubscribePresence:
		after.AskOut = !to
	case dir == Outbound && typ == stanza.UnsubscribePresence:
		to, after.AskOut = false, false
	case dir == Outbound && typ == stanza.SubscribedPresence:
		from, after.AskIn = true, false
	case dir == Outbound && typ == stanza.UnsubscribedPresence:
		from, after.AskIn = false, false
	case dir == Inbound && typ == stanza.SubscribePresence:
		if !from {
			after.AskIn = true
			after.Message = message
		}
	case dir == Inbound && typ == stanza.UnsubscribePresence:
		from, after.AskIn = false, false
	case dir == Inbound && typ == stanza.SubscribedPresence:
		if after.AskOut || !to {
			to, after.AskOut = true, false
		}
	case dir == Inbound && typ == stanza.UnsubscribedPresence:
		to, after.AskOut = false, false
	default:
		return before, before
	}
	after.Subscription = subscription(to, from)

	if ok || !after.sameState(before) {
		m.items[key] = after
	}
	return before, after
}

// All returns all roster items ordered by JID
func (m *Manager) All() []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].JID.String() < items[j].JID.String()
	})
	return items
}

// Clear removes all roster items
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]Item)
}

// Count returns the number of roster items
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
