package xmpp

import (
	"encoding/xml"
	"errors"
	"sync"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

const nsStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"

// ErrTransportClosed is returned when sending on a closed transport.
var ErrTransportClosed = errors.New("transport is not open")

// LoopbackTransport is an in-memory server. It answers room joins and,
// optionally, subscription requests and chat messages, and lets tests
// inject inbound stanzas.
type LoopbackTransport struct {
	// Resource is the resource the session binds to.
	Resource string
	// AutoApprove answers every subscription request with subscribed.
	AutoApprove bool
	// Echo sends every chat message back from its recipient.
	Echo bool
	// Manual leaves the session pending after Open until Up is called.
	Manual bool
	// OpenErr, if set, is returned by Open.
	OpenErr error

	mu        sync.Mutex
	h         Handler
	self      jid.JID
	open      bool
	failRooms map[string]string
	directory map[string][]DiscoItem
	sent      []interface{}
}

// NewLoopbackTransport creates a loopback transport.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{
		Resource:  "loopback",
		failRooms: make(map[string]string),
		directory: make(map[string][]DiscoItem),
	}
}

// SetRooms makes server list rooms in answer to disco#items queries.
// Queries to servers without rooms fail with item-not-found.
func (l *LoopbackTransport) SetRooms(server jid.JID, rooms ...DiscoItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.directory[server.String()] = append([]DiscoItem(nil), rooms...)
}

// FailJoins makes joins to room fail with the given stanza error condition.
func (l *LoopbackTransport) FailJoins(room jid.JID, condition string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRooms[room.Bare().String()] = condition
}

func (l *LoopbackTransport) Open(self jid.JID, h Handler) error {
	if l.OpenErr != nil {
		return l.OpenErr
	}
	l.mu.Lock()
	l.h = h
	bound, err := self.WithResource(l.Resource)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.self = bound
	manual := l.Manual
	l.mu.Unlock()

	if !manual {
		l.Up()
	}
	return nil
}

// Up completes a pending session.
func (l *LoopbackTransport) Up() {
	l.mu.Lock()
	l.open = true
	h, self := l.h, l.self
	l.mu.Unlock()
	h.SessionUp(self)
}

// Drop ends the session as if the network went away.
func (l *LoopbackTransport) Drop(err error) {
	l.mu.Lock()
	l.open = false
	h := l.h
	l.mu.Unlock()
	if h != nil {
		h.SessionDown(err)
	}
}

func (l *LoopbackTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	return nil
}

func (l *LoopbackTransport) SendPresence(p Presence) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return ErrTransportClosed
	}
	l.sent = append(l.sent, p)
	h, self := l.h, l.self
	failCond, fail := l.failRooms[p.To.Bare().String()]
	autoApprove := l.AutoApprove
	l.mu.Unlock()

	switch {
	case p.MUC != nil:
		reply := Presence{Presence: stanza.Presence{From: p.To, To: self}}
		if fail {
			reply.Type = stanza.ErrorPresence
			reply.Error = &StanzaError{
				Type:      "auth",
				Condition: xml.Name{Space: nsStanzas, Local: failCond},
			}
		}
		h.HandlePresence(reply)
	case p.Type == stanza.AvailablePresence && p.To.Resourcepart() != "":
		// nickname change in a room
		h.HandlePresence(Presence{Presence: stanza.Presence{From: p.To, To: self}})
	case p.Type == stanza.UnavailablePresence && p.To.Resourcepart() != "":
		h.HandlePresence(Presence{Presence: stanza.Presence{
			From: p.To,
			To:   self,
			Type: stanza.UnavailablePresence,
		}})
	case p.Type == stanza.SubscribePresence && autoApprove:
		h.HandlePresence(Presence{Presence: stanza.Presence{
			From: p.To.Bare(),
			To:   self.Bare(),
			Type: stanza.SubscribedPresence,
		}})
	}
	return nil
}

func (l *LoopbackTransport) SendMessage(m Message) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return ErrTransportClosed
	}
	l.sent = append(l.sent, m)
	h, self, echo := l.h, l.self, l.Echo
	l.mu.Unlock()

	if echo && m.Type == stanza.ChatMessage {
		h.HandleMessage(Message{
			Message: stanza.Message{From: m.To, To: self, Type: stanza.ChatMessage},
			Body:    m.Body,
		})
	}
	return nil
}

func (l *LoopbackTransport) SendIQ(iq IQ) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return ErrTransportClosed
	}
	l.sent = append(l.sent, iq)
	h, self := l.h, l.self
	rooms, known := l.directory[iq.To.String()]
	l.mu.Unlock()

	if iq.Type != stanza.GetIQ || iq.Items == nil {
		return nil
	}
	reply := IQ{IQ: stanza.IQ{ID: iq.ID, From: iq.To, To: self, Type: stanza.ResultIQ}}
	if known {
		reply.Items = &DiscoItems{Items: append([]DiscoItem(nil), rooms...)}
	} else {
		reply.Type = stanza.ErrorIQ
		reply.Error = &StanzaError{
			Type:      "cancel",
			Condition: xml.Name{Space: nsStanzas, Local: "item-not-found"},
		}
	}
	h.HandleIQ(reply)
	return nil
}

// Deliver injects an inbound presence.
func (l *LoopbackTransport) Deliver(p Presence) {
	l.mu.Lock()
	h := l.h
	l.mu.Unlock()
	h.HandlePresence(p)
}

// DeliverMessage injects an inbound message.
func (l *LoopbackTransport) DeliverMessage(m Message) {
	l.mu.Lock()
	h := l.h
	l.mu.Unlock()
	h.HandleMessage(m)
}

// Sent returns every stanza sent so far.
func (l *LoopbackTransport) Sent() []interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]interface{}(nil), l.sent...)
}

// SentPresences returns the presences sent so far.
func (l *LoopbackTransport) SentPresences() []Presence {
	var out []Presence
	for _, s := range l.Sent() {
		if p, ok := s.(Presence); ok {
			out = append(out, p)
		}
	}
	return out
}
