// Package xmpp is a connection manager for XMPP built on the connection,
// handle and group machinery. A Transport carries stanzas; the Connection
// turns them into channels, contact lists and chat rooms.
package xmpp

import (
	"encoding/xml"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/telepathy/internal/tperror"
	"github.com/meszmate/telepathy/internal/xmpp/presence"
)

// Namespaces of the extensions the connection speaks.
const (
	NSMUC        = "http://jabber.org/protocol/muc"
	NSMUCUser    = "http://jabber.org/protocol/muc#user"
	NSDiscoItems = "http://jabber.org/protocol/disco#items"
)

// MUC status code for a nickname change.
const mucStatusNickChange = 303

// Presence is a presence stanza with the children the connection uses.
type Presence struct {
	stanza.Presence
	Show     presence.Show `xml:"show,omitempty"`
	Status   string        `xml:"status,omitempty"`
	Priority int           `xml:"priority,omitempty"`
	MUC      *MUCJoin      `xml:"http://jabber.org/protocol/muc x,omitempty"`
	MUCUser  *MUCUser      `xml:"http://jabber.org/protocol/muc#user x,omitempty"`
	Error    *StanzaError  `xml:"error,omitempty"`
}

// MUCJoin marks a presence as a room join.
type MUCJoin struct {
	Password string `xml:"password,omitempty"`
}

// MUCUser is the occupant information a room adds to presences.
type MUCUser struct {
	Items    []MUCItem   `xml:"item"`
	Statuses []MUCStatus `xml:"status"`
}

// MUCItem describes an occupant. JID is only present in rooms that reveal
// real addresses.
type MUCItem struct {
	JID         string `xml:"jid,attr,omitempty"`
	Nick        string `xml:"nick,attr,omitempty"`
	Affiliation string `xml:"affiliation,attr,omitempty"`
	Role        string `xml:"role,attr,omitempty"`
}

type MUCStatus struct {
	Code int `xml:"code,attr"`
}

// RealJID returns the occupant's real address, if the room revealed it.
func (u *MUCUser) RealJID() (jid.JID, bool) {
	if u == nil {
		return jid.JID{}, false
	}
	for _, it := range u.Items {
		if it.JID == "" {
			continue
		}
		if j, err := jid.Parse(it.JID); err == nil {
			return j, true
		}
	}
	return jid.JID{}, false
}

// HasStatus reports whether code is among the presence's status codes.
func (u *MUCUser) HasStatus(code int) bool {
	if u == nil {
		return false
	}
	for _, st := range u.Statuses {
		if st.Code == code {
			return true
		}
	}
	return false
}

// IQ is an info/query stanza with the payloads the connection uses.
type IQ struct {
	stanza.IQ
	Items *DiscoItems  `xml:"http://jabber.org/protocol/disco#items query,omitempty"`
	Error *StanzaError `xml:"error,omitempty"`
}

// DiscoItems is a service discovery items query or result.
type DiscoItems struct {
	Items []DiscoItem `xml:"item"`
}

// DiscoItem is one entity in a disco#items result.
type DiscoItem struct {
	JID  string `xml:"jid,attr"`
	Name string `xml:"name,attr,omitempty"`
}

// StanzaError is the error child of a stanza.
type StanzaError struct {
	Type      string   `xml:"type,attr"`
	Condition xml.Name `xml:"-"`
	Text      string   `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
	Any       []struct {
		XMLName xml.Name
	} `xml:",any"`
}

// Cond returns the defined condition of the error.
func (e *StanzaError) Cond() string {
	if e.Condition.Local != "" {
		return e.Condition.Local
	}
	for _, el := range e.Any {
		if el.XMLName.Local != "text" {
			return el.XMLName.Local
		}
	}
	return ""
}

// Err maps a stanza error onto the error taxonomy.
func (e *StanzaError) Err() error {
	cond := e.Cond()
	msg := cond
	if e.Text != "" {
		msg += ": " + e.Text
	}
	switch cond {
	case "forbidden":
		return tperror.New(tperror.CodeChannelBanned, "%s", msg)
	case "service-unavailable":
		return tperror.New(tperror.CodeChannelFull, "%s", msg)
	case "registration-required":
		return tperror.New(tperror.CodeChannelInviteOnly, "%s", msg)
	case "not-authorized":
		return tperror.PermissionDenied("%s", msg)
	case "item-not-found", "remote-server-not-found":
		return tperror.NotAvailable("%s", msg)
	default:
		return tperror.NetworkError("%s", msg)
	}
}

// Message is a message stanza with a body.
type Message struct {
	stanza.Message
	Body string `xml:"body,omitempty"`
}

// Handler receives what a Transport reads. Calls may come from any
// goroutine.
type Handler interface {
	// SessionUp reports that the session is established as bound.
	SessionUp(bound jid.JID)
	// SessionDown reports that the session ended; err is nil for a clean
	// close.
	SessionDown(err error)
	HandlePresence(p Presence)
	HandleMessage(m Message)
	HandleIQ(iq IQ)
}

// Transport carries stanzas for one account.
type Transport interface {
	// Open starts establishing a session for self. It returns once the
	// attempt has started; the outcome arrives through h.
	Open(self jid.JID, h Handler) error
	Close() error
	SendPresence(p Presence) error
	SendMessage(m Message) error
	SendIQ(iq IQ) error
}
