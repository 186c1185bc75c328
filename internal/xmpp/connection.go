package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/telepathy/internal/account"
	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/logging"
	"github.com/meszmate/telepathy/internal/mainloop"
	"github.com/meszmate/telepathy/internal/tperror"
	"github.com/meszmate/telepathy/internal/xmpp/presence"
	"github.com/meszmate/telepathy/internal/xmpp/roster"
)

// ProtocolName is the protocol this package implements.
const ProtocolName = "jabber"

// Contact list names, in handle order.
const (
	ListSubscribe = "subscribe"
	ListPublish   = "publish"
	ListStored    = "stored"
	ListDeny      = "deny"
)

var listNames = []string{ListSubscribe, ListPublish, ListStored, ListDeny}

// NormalizeJID normalizes a contact or room identifier to its bare JID.
func NormalizeJID(id string) (string, error) {
	j, err := jid.Parse(id)
	if err != nil {
		return "", err
	}
	if j.Localpart() == "" {
		return "", fmt.Errorf("%q has no localpart", id)
	}
	return j.Bare().String(), nil
}

// Config configures a Connection.
type Config struct {
	// Account is the user's JID.
	Account string
	// Nick is the nickname used in rooms; defaults to the JID's localpart.
	Nick string
	// ManagerName, if set, registers the connection under that
	// connection manager name.
	ManagerName string
	// ConferenceServer is the service whose rooms are listed; defaults to
	// conference.<account domain>.
	ConferenceServer string
	Transport        Transport
	Bus         *events.Bus
	Logger      *logging.Logger
	Registry    connection.NameRegistry
}

// Connection is an XMPP connection. All of its methods, and those of the
// embedded connection, must run on the connection's loop; use Do from other
// goroutines.
type Connection struct {
	*connection.Connection

	self       jid.JID
	nick       string
	conference jid.JID
	transport  Transport
	loop      *mainloop.Loop
	bus       *events.Bus
	log       *logging.Logger

	contacts *handles.DynamicRepo
	rooms    *handles.DynamicRepo
	listRepo *handles.StaticRepo

	presence *presence.Cache
	roster   *roster.Manager

	im    *IMFactory
	lists *RosterFactory
	muc   *MUCFactory

	requested  *account.Presence
	onPresence func(account.Presence)

	// IQ result callbacks by stanza id
	iqs map[string]func(IQ)
}

// NewConnection creates an XMPP connection in status NEW.
func NewConnection(cfg Config) (*Connection, error) {
	self, err := jid.Parse(cfg.Account)
	if err != nil {
		return nil, tperror.InvalidArgument("invalid account %q", cfg.Account).WithCause(err)
	}
	if self.Localpart() == "" {
		return nil, tperror.InvalidArgument("account %q has no localpart", cfg.Account)
	}
	if cfg.Transport == nil {
		return nil, tperror.InvalidArgument("no transport")
	}
	server := cfg.ConferenceServer
	if server == "" {
		server = "conference." + self.Domainpart()
	}
	conference, err := jid.Parse(server)
	if err != nil {
		return nil, tperror.InvalidArgument("invalid conference server %q", server).WithCause(err)
	}
	nick := cfg.Nick
	if nick == "" {
		nick = self.Localpart()
	}

	x := &Connection{
		self:       self.Bare(),
		nick:       nick,
		conference: conference.Domain(),
		transport:  cfg.Transport,
		loop:       mainloop.New(),
		bus:        cfg.Bus,
		log:        cfg.Logger.Named("xmpp"),
		presence:   presence.NewCache(),
		roster:     roster.NewManager(),
		iqs:        make(map[string]func(IQ)),
	}
	x.Connection = connection.New(protocol{x}, connection.Config{
		Bus:      cfg.Bus,
		Logger:   cfg.Logger,
		Registry: cfg.Registry,
	})
	if cfg.ManagerName != "" {
		if _, _, err := x.Register(cfg.ManagerName); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Run executes the connection's loop until ctx is cancelled or Stop is
// called.
func (x *Connection) Run(ctx context.Context) error {
	return x.loop.Run(ctx)
}

// Stop stops the loop once queued work has run.
func (x *Connection) Stop() {
	x.loop.Stop()
}

// Do runs fn on the loop and waits for it.
func (x *Connection) Do(ctx context.Context, fn func()) error {
	return x.loop.Call(ctx, fn)
}

// Post runs fn on the loop without waiting.
func (x *Connection) Post(fn func()) error {
	return x.loop.Post(fn)
}

// Self returns the account's bare JID.
func (x *Connection) Self() jid.JID {
	return x.self
}

// OnPresenceChanged sets a callback for changes of the connection's own
// presence.
func (x *Connection) OnPresenceChanged(fn func(account.Presence)) {
	x.onPresence = fn
}

// SetPresence sets our own presence. Before the connection is up it is
// remembered and sent once connected.
func (x *Connection) SetPresence(p account.Presence) error {
	x.requested = &p
	if x.InternalStatus() != connection.StatusConnected {
		return nil
	}
	return x.sendOwnPresence(p)
}

func (x *Connection) sendOwnPresence(p account.Presence) error {
	out := Presence{Status: p.Message}
	show, ok := presence.TypeToShow(p.Type)
	if ok {
		out.Show = show
	} else {
		if p.Type != account.PresenceOffline && p.Type != account.PresenceHidden {
			return tperror.InvalidArgument("cannot set presence %s", p.Type)
		}
		out.Type = stanza.UnavailablePresence
	}
	if err := x.transport.SendPresence(out); err != nil {
		return tperror.NetworkError("failed to send presence").WithCause(err)
	}

	x.presence.SetOwn(p)
	if x.onPresence != nil {
		x.onPresence(p)
	}
	return nil
}

// ContactPresence returns the presence of a contact handle.
func (x *Connection) ContactPresence(h handles.Handle) (account.Presence, error) {
	id, err := x.contacts.Inspect(h)
	if err != nil {
		return account.Presence{}, err
	}
	return x.presence.Presence(jid.MustParse(id)), nil
}

// Roster returns the subscription state of every known contact.
func (x *Connection) Roster() []roster.Item {
	return x.roster.All()
}

// ContactHandle interns a contact JID under owner.
func (x *Connection) ContactHandle(id string, owner handles.Owner) (handles.Handle, error) {
	return x.contacts.Ensure(id, owner)
}

// RoomHandle interns a room JID under owner.
func (x *Connection) RoomHandle(id string, owner handles.Owner) (handles.Handle, error) {
	return x.rooms.Ensure(id, owner)
}

// ListHandle returns the handle of a contact list.
func (x *Connection) ListHandle(name string) (handles.Handle, error) {
	return x.listRepo.Lookup(name)
}

// TextChannel returns the open one-to-one channel with h.
func (x *Connection) TextChannel(h handles.Handle) (*IMChannel, bool) {
	ch, ok := x.im.channels[h]
	return ch, ok
}

// List returns a contact list channel.
func (x *Connection) List(name string) (*ListChannel, bool) {
	return x.lists.byName(name)
}

// RoomList returns the room list channel, if one is open.
func (x *Connection) RoomList() (*RoomListChannel, bool) {
	return x.muc.roomList, x.muc.roomList != nil
}

// ConferenceServer returns the service whose rooms are listed.
func (x *Connection) ConferenceServer() jid.JID {
	return x.conference
}

// Room returns the joined room channel for h.
func (x *Connection) Room(h handles.Handle) (*RoomChannel, bool) {
	ch, ok := x.muc.rooms[h]
	return ch, ok
}

func (x *Connection) jidOf(repo handles.Repo, h handles.Handle) (jid.JID, error) {
	id, err := repo.Inspect(h)
	if err != nil {
		return jid.JID{}, err
	}
	return jid.Parse(id)
}

// normalizeContact normalizes contacts to bare JIDs, except occupants of
// rooms we are in or joining, which keep their nickname.
func (x *Connection) normalizeContact(id string) (string, error) {
	j, err := jid.Parse(id)
	if err != nil {
		return "", err
	}
	if j.Resourcepart() != "" && x.muc != nil {
		if _, ok := x.muc.lookup(j); ok {
			return j.String(), nil
		}
	}
	return NormalizeJID(id)
}

// sendIQ sends iq with a fresh id; onResult runs on the loop with the
// result or error reply.
func (x *Connection) sendIQ(iq IQ, onResult func(IQ)) (string, error) {
	iq.ID = uuid.NewString()
	x.iqs[iq.ID] = onResult
	if err := x.transport.SendIQ(iq); err != nil {
		delete(x.iqs, iq.ID)
		return "", tperror.NetworkError("failed to send query to %s", iq.To).WithCause(err)
	}
	return iq.ID, nil
}

func (x *Connection) handleIQ(iq IQ) {
	if x.InternalStatus() != connection.StatusConnected {
		return
	}
	switch iq.Type {
	case stanza.ResultIQ, stanza.ErrorIQ:
		fn, ok := x.iqs[iq.ID]
		if !ok {
			x.log.Debug("ignoring reply to unknown query %s", iq.ID)
			return
		}
		delete(x.iqs, iq.ID)
		fn(iq)
	default:
		reply := IQ{
			IQ: stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ErrorIQ},
			Error: &StanzaError{
				Type:      "cancel",
				Condition: xml.Name{Space: nsStanzas, Local: "service-unavailable"},
			},
		}
		if err := x.transport.SendIQ(reply); err != nil {
			x.log.Warn("failed to refuse query from %s: %v", iq.From, err)
		}
	}
}

// withContact interns j for the duration of fn.
func (x *Connection) withContact(j jid.JID, fn func(h handles.Handle)) {
	const owner handles.Owner = "<xmpp-inbound>"
	h, err := x.contacts.Ensure(j.Bare().String(), owner)
	if err != nil {
		x.log.Warn("ignoring stanza from %s: %v", j, err)
		return
	}
	defer func() { _ = x.contacts.Unref(h, owner) }()
	fn(h)
}

func (x *Connection) sessionUp(bound jid.JID) {
	if x.InternalStatus() == connection.StatusDisconnected {
		return
	}
	x.log.Info("session established as %s", bound)
	if _, err := x.EnsureSelfHandle(bound.Bare().String()); err != nil {
		x.log.Error("failed to set self handle: %v", err)
		x.ChangeStatus(connection.StatusDisconnected, connection.ReasonNetworkError)
		return
	}
	x.ChangeStatus(connection.StatusConnected, connection.ReasonRequested)

	p := account.Presence{Type: account.PresenceAvailable, Status: "available"}
	if x.requested != nil {
		p = *x.requested
	}
	if err := x.sendOwnPresence(p); err != nil {
		x.log.Warn("failed to send initial presence: %v", err)
	}
}

func (x *Connection) sessionDown(err error) {
	if x.InternalStatus() == connection.StatusDisconnected {
		return
	}
	reason := connection.ReasonRequested
	if err != nil {
		x.log.Warn("session lost: %v", err)
		reason = connection.ReasonNetworkError
	}
	x.ChangeStatus(connection.StatusDisconnected, reason)
}

func (x *Connection) handlePresence(p Presence) {
	if x.InternalStatus() != connection.StatusConnected {
		return
	}
	if x.muc.handlePresence(p) {
		return
	}

	switch p.Type {
	case stanza.SubscribePresence, stanza.SubscribedPresence,
		stanza.UnsubscribePresence, stanza.UnsubscribedPresence:
		x.withContact(p.From, func(h handles.Handle) {
			x.lists.apply(p.From, h, roster.Inbound, p.Type, p.Status)
		})
	case stanza.AvailablePresence:
		x.presence.Set(presence.Status{JID: p.From, Show: p.Show, Status: p.Status, Priority: p.Priority})
	case stanza.UnavailablePresence:
		x.presence.Remove(p.From)
	}
}

func (x *Connection) handleMessage(m Message) {
	if x.InternalStatus() != connection.StatusConnected {
		return
	}
	switch m.Type {
	case stanza.GroupChatMessage:
		x.muc.handleMessage(m)
	case stanza.ChatMessage, stanza.NormalMessage:
		if m.Body == "" {
			return
		}
		x.withContact(m.From, func(h handles.Handle) {
			x.im.receive(h, m)
		})
	}
}

// inbound posts transport callbacks onto the loop.
type inbound struct {
	x *Connection
}

func (in inbound) post(fn func()) {
	if err := in.x.loop.Post(fn); err != nil {
		in.x.log.Debug("dropping transport callback: %v", err)
	}
}

func (in inbound) SessionUp(bound jid.JID) { in.post(func() { in.x.sessionUp(bound) }) }
func (in inbound) SessionDown(err error)   { in.post(func() { in.x.sessionDown(err) }) }
func (in inbound) HandlePresence(p Presence) {
	in.post(func() { in.x.handlePresence(p) })
}
func (in inbound) HandleMessage(m Message) {
	in.post(func() { in.x.handleMessage(m) })
}
func (in inbound) HandleIQ(iq IQ) {
	in.post(func() { in.x.handleIQ(iq) })
}

// protocol plugs the XMPP specifics into connection.Connection.
type protocol struct {
	x *Connection
}

func (p protocol) Name() string {
	return ProtocolName
}

// UniqueName names the connection after the account.
func (p protocol) UniqueName(c *connection.Connection) string {
	return p.x.self.String()
}

func (p protocol) CreateHandleRepos(repos *handles.Repos) {
	p.x.contacts = handles.NewDynamicRepo(handles.TypeContact, p.x.normalizeContact)
	p.x.rooms = handles.NewDynamicRepo(handles.TypeRoom, NormalizeJID)
	p.x.listRepo = handles.NewStaticRepo(handles.TypeList, listNames)
	repos[handles.TypeContact] = p.x.contacts
	repos[handles.TypeRoom] = p.x.rooms
	repos[handles.TypeList] = p.x.listRepo
}

func (p protocol) CreateFactories(c *connection.Connection, sink connection.Sink) []connection.Factory {
	p.x.im = &IMFactory{x: p.x, sink: sink, channels: make(map[handles.Handle]*IMChannel)}
	p.x.lists = &RosterFactory{x: p.x, sink: sink}
	p.x.muc = &MUCFactory{
		x:     p.x,
		sink:  sink,
		rooms: make(map[handles.Handle]*RoomChannel),
		joins: make(map[handles.Handle]*pendingJoin),
	}
	return []connection.Factory{p.x.im, p.x.lists, p.x.muc}
}

func (p protocol) StartConnecting(c *connection.Connection) error {
	p.x.log.Info("connecting as %s", p.x.self)
	if err := p.x.transport.Open(p.x.self, inbound{p.x}); err != nil {
		return tperror.NetworkError("failed to open transport").WithCause(err)
	}
	return nil
}

func (p protocol) ShutDown(c *connection.Connection) {
	if err := p.x.transport.Close(); err != nil {
		p.x.log.Warn("failed to close transport: %v", err)
	}
	p.x.presence.Clear()
	p.x.roster.Clear()
	p.x.iqs = make(map[string]func(IQ))
	if err := p.x.loop.Post(c.FinishShutdown); err != nil {
		c.FinishShutdown()
	}
}
