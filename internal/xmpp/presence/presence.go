// Package presence caches the presence of contacts per resource and maps
// XMPP show values onto account presence types.
package presence

import (
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/telepathy/internal/account"
)

// Show represents the presence show state
type Show string

const (
	ShowOnline Show = ""
	ShowAway   Show = "away"
	ShowChat   Show = "chat"
	ShowDND    Show = "dnd"
	ShowXA     Show = "xa"
)

// Status represents a presence status
type Status struct {
	JID      jid.JID
	Show     Show
	Status   string
	Priority int
}

// Cache keeps the last presence of every online resource.
type Cache struct {
	mu       sync.RWMutex
	statuses map[string]map[string]Status // bare JID -> resource -> status
	own      *account.Presence
}

// NewCache creates an empty presence cache
func NewCache() *Cache {
	return &Cache{
		statuses: make(map[string]map[string]Status),
	}
}

// Set sets the presence for a JID
func (c *Cache) Set(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bare := status.JID.Bare().String()
	resource := status.JID.Resourcepart()

	if c.statuses[bare] == nil {
		c.statuses[bare] = make(map[string]Status)
	}
	c.statuses[bare][resource] = status
}

// Remove removes presence for a JID (all resources or specific resource)
func (c *Cache) Remove(j jid.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bare := j.Bare().String()
	resource := j.Resourcepart()

	if resource == "" {
		delete(c.statuses, bare)
	} else if c.statuses[bare] != nil {
		delete(c.statuses[bare], resource)
		if len(c.statuses[bare]) == 0 {
			delete(c.statuses, bare)
		}
	}
}

// Get returns the highest priority presence for a bare JID
func (c *Cache) Get(j jid.JID) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best Status
	found := false
	for _, status := range c.statuses[j.Bare().String()] {
		if !found || status.Priority > best.Priority {
			best = status
			found = true
		}
	}
	return best, found
}

// IsOnline returns whether a JID has any online resources
func (c *Cache) IsOnline(j jid.JID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.statuses[j.Bare().String()]) > 0
}

// Presence returns the account-level presence of a contact: its best
// resource, or offline.
func (c *Cache) Presence(j jid.JID) account.Presence {
	status, ok := c.Get(j)
	if !ok {
		return account.Presence{Type: account.PresenceOffline, Status: "offline"}
	}
	return account.Presence{
		Type:    ShowToType(status.Show),
		Status:  ShowToString(status.Show),
		Message: status.Status,
	}
}

// SetOwn records our own presence
func (c *Cache) SetOwn(p account.Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own = &p
}

// Own returns our own presence
func (c *Cache) Own() (account.Presence, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.own == nil {
		return account.Presence{}, false
	}
	return *c.own, true
}

// Clear clears all presence information
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = make(map[string]map[string]Status)
	c.own = nil
}

// ShowToType maps a show value onto a presence type
func ShowToType(show Show) account.PresenceType {
	switch show {
	case ShowOnline, ShowChat:
		return account.PresenceAvailable
	case ShowAway:
		return account.PresenceAway
	case ShowXA:
		return account.PresenceExtendedAway
	case ShowDND:
		return account.PresenceBusy
	default:
		return account.PresenceUnknown
	}
}

// TypeToShow maps a presence type onto the show value sent on the wire.
// ok is false for types that are not sent as available presence.
func TypeToShow(t account.PresenceType) (show Show, ok bool) {
	switch t {
	case account.PresenceAvailable:
		return ShowOnline, true
	case account.PresenceAway:
		return ShowAway, true
	case account.PresenceExtendedAway:
		return ShowXA, true
	case account.PresenceBusy:
		return ShowDND, true
	default:
		return ShowOnline, false
	}
}

// ShowToString converts a Show value to a human-readable string
func ShowToString(show Show) string {
	switch show {
	case ShowOnline:
		return "available"
	case ShowAway:
		return "away"
	case ShowChat:
		return "chat"
	case ShowDND:
		return "dnd"
	case ShowXA:
		return "xa"
	default:
		return string(show)
	}
}

// StringToShow converts a string to a Show value
func StringToShow(s string) Show {
	switch s {
	case "online", "available", "":
		return ShowOnline
	case "away":
		return ShowAway
	case "chat":
		return ShowChat
	case "dnd", "busy":
		return ShowDND
	case "xa":
		return ShowXA
	default:
		return Show(s)
	}
}
