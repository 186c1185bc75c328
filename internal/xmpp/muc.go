package xmpp

import (
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/group"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/intset"
	"github.com/meszmate/telepathy/internal/tperror"
)

// mucOwner holds room handles while a join is in flight or a room is open.
const mucOwner handles.Owner = "<xmpp-muc>"

// RoomChannel is a joined chat room.
type RoomChannel struct {
	*group.State

	f      *MUCFactory
	path   string
	handle handles.Handle
	room   jid.JID
	nick   string
	closed bool
	// nickname asked for but not yet confirmed by the room
	pendingNick string

	messages []Message
}

func (ch *RoomChannel) ObjectPath() string { return ch.path }
func (ch *RoomChannel) ChannelType() string { return connection.ChannelTypeText }
func (ch *RoomChannel) HandleType() handles.Type { return handles.TypeRoom }
func (ch *RoomChannel) Handle() handles.Handle { return ch.handle }

// Room returns the room's bare JID.
func (ch *RoomChannel) Room() jid.JID {
	return ch.room
}

// Send sends a message to the room.
func (ch *RoomChannel) Send(body string) error {
	if ch.closed {
		return tperror.NotAvailable("channel %s is closed", ch.path)
	}
	err := ch.f.x.transport.SendMessage(Message{
		Message: stanza.Message{To: ch.room, Type: stanza.GroupChatMessage},
		Body:    body,
	})
	if err != nil {
		return tperror.NetworkError("failed to send message").WithCause(err)
	}
	return nil
}

// Messages returns the room messages received so far.
func (ch *RoomChannel) Messages() []Message {
	return append([]Message(nil), ch.messages...)
}

// Nick returns our nickname in the room.
func (ch *RoomChannel) Nick() string {
	return ch.nick
}

// SetNick asks the room to change our nickname. Once the room confirms,
// our occupant handle is replaced and the self handle changes with it.
func (ch *RoomChannel) SetNick(nick string) error {
	if ch.closed {
		return tperror.NotAvailable("channel %s is closed", ch.path)
	}
	if nick == ch.nick {
		return nil
	}
	occupant, err := ch.room.WithResource(nick)
	if err != nil {
		return tperror.InvalidArgument("invalid nickname %q", nick).WithCause(err)
	}
	if err := ch.f.x.transport.SendPresence(Presence{Presence: stanza.Presence{To: occupant}}); err != nil {
		return tperror.NetworkError("failed to change nickname in %s", ch.room).WithCause(err)
	}
	ch.pendingNick = nick
	return nil
}

// occupantHandle interns the occupant JID room/nick, held by mucOwner.
func (ch *RoomChannel) occupantHandle(nick string) (handles.Handle, error) {
	occupant, err := ch.room.WithResource(nick)
	if err != nil {
		return 0, err
	}
	return ch.f.x.contacts.Ensure(occupant.String(), mucOwner)
}

// occupantJoined adds an occupant, recording its real JID as the owner of
// its channel-specific handle when the room reveals it.
func (ch *RoomChannel) occupantJoined(p Presence) {
	h, err := ch.occupantHandle(p.From.Resourcepart())
	if err != nil {
		ch.f.x.log.Debug("ignoring occupant %s: %v", p.From, err)
		return
	}
	defer func() { _ = ch.f.x.contacts.Unref(h, mucOwner) }()
	if ch.IsMember(h) {
		return
	}
	if _, err := ch.ChangeMembers(p.Status, intset.NewContaining(uint32(h)), nil, nil, nil, 0, group.ReasonNone); err != nil {
		ch.f.x.log.Warn("failed to add %s to %s: %v", p.From, ch.room, err)
		return
	}

	var owner handles.Handle
	if addr, ok := p.MUCUser.RealJID(); ok {
		owner, err = ch.f.x.contacts.Ensure(addr.Bare().String(), mucOwner)
		if err != nil {
			ch.f.x.log.Debug("ignoring real address %s: %v", addr, err)
			owner = 0
		} else {
			defer func() { _ = ch.f.x.contacts.Unref(owner, mucOwner) }()
		}
	}
	if err := ch.AddHandleOwner(h, owner); err != nil {
		ch.f.x.log.Warn("failed to record owner of %s: %v", p.From, err)
	}
}

func (ch *RoomChannel) occupantLeft(p Presence) {
	occupant, err := ch.room.WithResource(p.From.Resourcepart())
	if err != nil {
		return
	}
	h := ch.f.x.contacts.LookupExact(occupant.String())
	if h == 0 || !ch.IsMember(h) {
		return
	}
	if _, err := ch.ChangeMembers(p.Status, nil, intset.NewContaining(uint32(h)), nil, nil, 0, group.ReasonNone); err != nil {
		ch.f.x.log.Warn("failed to remove %s from %s: %v", p.From, ch.room, err)
	}
}

// renamed completes a nickname change the room has confirmed.
func (ch *RoomChannel) renamed() {
	nick := ch.pendingNick
	ch.pendingNick = ""
	old := ch.SelfHandle()
	h, err := ch.occupantHandle(nick)
	if err != nil {
		ch.f.x.log.Warn("failed to rename ourselves in %s: %v", ch.room, err)
		return
	}
	defer func() { _ = ch.f.x.contacts.Unref(h, mucOwner) }()

	ch.nick = nick
	if _, err := ch.ChangeMembers("", intset.NewContaining(uint32(h)), intset.NewContaining(uint32(old)),
		nil, nil, h, group.ReasonRenamed); err != nil {
		ch.f.x.log.Warn("failed to rename ourselves in %s: %v", ch.room, err)
		return
	}
	if err := ch.AddHandleOwner(h, ch.f.x.CurrentSelfHandle()); err != nil {
		ch.f.x.log.Warn("failed to record our own occupant in %s: %v", ch.room, err)
	}
	if err := ch.ChangeSelfHandle(h); err != nil {
		ch.f.x.log.Warn("failed to change self handle in %s: %v", ch.room, err)
	}
	ch.f.x.log.Info("now known as %s in %s", nick, ch.room)
}

// leave is the hook for removing ourselves from the room.
func (ch *RoomChannel) leave(h handles.Handle, message string) error {
	if h != ch.SelfHandle() {
		return tperror.NotImplemented("only the local user can be removed from a room")
	}
	occupant, err := ch.room.WithResource(ch.nick)
	if err != nil {
		return err
	}
	p := Presence{Presence: stanza.Presence{To: occupant, Type: stanza.UnavailablePresence}, Status: message}
	if err := ch.f.x.transport.SendPresence(p); err != nil {
		return tperror.NetworkError("failed to leave %s", ch.room).WithCause(err)
	}
	return nil
}

// Close closes the channel without telling the room.
func (ch *RoomChannel) Close() {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.f.rooms, ch.handle)
	ch.State.Close()
	_ = ch.f.x.rooms.Unref(ch.handle, mucOwner)
	ch.f.sink.ChannelClosed(ch)
}

type pendingJoin struct {
	handle handles.Handle
	room   jid.JID
	nick   string
	reqs   []*connection.Request
}

// MUCFactory joins rooms and lists the conference server's rooms. A join
// request stays queued until the room confirms our presence or refuses it.
type MUCFactory struct {
	x        *Connection
	sink     connection.Sink
	rooms    map[handles.Handle]*RoomChannel
	joins    map[handles.Handle]*pendingJoin
	roomList *RoomListChannel
}

func (f *MUCFactory) Request(req *connection.Request) (connection.RequestStatus, connection.Channel, error) {
	if req.ChannelType == connection.ChannelTypeRoomList {
		return f.requestRoomList(req)
	}
	if req.ChannelType != connection.ChannelTypeText {
		return connection.RequestNotImplemented, nil, nil
	}
	if req.HandleType != handles.TypeRoom || req.Handle == 0 {
		return connection.RequestNotAvailable, nil, nil
	}
	if !f.x.rooms.IsValid(req.Handle) {
		return connection.RequestInvalidHandle, nil, nil
	}
	if ch, ok := f.rooms[req.Handle]; ok {
		return connection.RequestExisting, ch, nil
	}
	if j, ok := f.joins[req.Handle]; ok {
		j.reqs = append(j.reqs, req)
		return connection.RequestQueued, nil, nil
	}

	room, err := f.x.jidOf(f.x.rooms, req.Handle)
	if err != nil {
		return connection.RequestError, nil, err
	}
	occupant, err := room.WithResource(f.x.nick)
	if err != nil {
		return connection.RequestError, nil, tperror.InvalidArgument("invalid nickname %q", f.x.nick).WithCause(err)
	}
	if err := f.x.rooms.Ref(req.Handle, mucOwner); err != nil {
		return connection.RequestError, nil, err
	}

	p := Presence{Presence: stanza.Presence{To: occupant}, MUC: &MUCJoin{}}
	if err := f.x.transport.SendPresence(p); err != nil {
		_ = f.x.rooms.Unref(req.Handle, mucOwner)
		return connection.RequestError, nil, tperror.NetworkError("failed to join %s", room).WithCause(err)
	}
	f.x.log.Debug("joining %s as %s", room, f.x.nick)
	f.joins[req.Handle] = &pendingJoin{handle: req.Handle, room: room, nick: f.x.nick, reqs: []*connection.Request{req}}
	return connection.RequestQueued, nil, nil
}

func (f *MUCFactory) requestRoomList(req *connection.Request) (connection.RequestStatus, connection.Channel, error) {
	if req.HandleType != handles.TypeNone || req.Handle != 0 {
		return connection.RequestNotAvailable, nil, nil
	}
	if f.roomList != nil {
		return connection.RequestExisting, f.roomList, nil
	}
	f.roomList = newRoomListChannel(f)
	f.x.log.Debug("listing rooms of %s on %s", f.roomList.server, f.roomList.path)
	f.sink.NewChannel(f.roomList, req)
	return connection.RequestCreated, nil, nil
}

// lookup finds the room handle for a JID without interning it.
func (f *MUCFactory) lookup(j jid.JID) (handles.Handle, bool) {
	h := f.x.rooms.LookupExact(j.Bare().String())
	if h == 0 {
		return 0, false
	}
	if _, ok := f.joins[h]; ok {
		return h, true
	}
	if _, ok := f.rooms[h]; ok {
		return h, true
	}
	return 0, false
}

// handlePresence consumes presences from rooms we are in or joining.
func (f *MUCFactory) handlePresence(p Presence) bool {
	h, ok := f.lookup(p.From)
	if !ok {
		return false
	}

	if j, joining := f.joins[h]; joining {
		switch {
		case p.Type == stanza.ErrorPresence:
			err := error(tperror.NetworkError("joining %s failed", j.room))
			if p.Error != nil {
				err = p.Error.Err()
			}
			f.failJoin(j, err)
		case p.Type == stanza.AvailablePresence && p.From.Resourcepart() == j.nick:
			f.joined(j)
		}
		return true
	}

	ch := f.rooms[h]
	nick := p.From.Resourcepart()
	if nick == "" {
		return true
	}
	switch {
	case p.Type == stanza.UnavailablePresence && nick == ch.nick:
		if p.MUCUser.HasStatus(mucStatusNickChange) {
			return true
		}
		self := ch.SelfHandle()
		remove := intset.NewContaining(uint32(self))
		if _, err := ch.ChangeMembers(p.Status, nil, remove, nil, nil, 0, group.ReasonNone); err != nil {
			f.x.log.Warn("failed to remove ourselves from %s: %v", ch.room, err)
		}
		ch.Close()
	case p.Type == stanza.AvailablePresence && nick == ch.pendingNick:
		ch.renamed()
	case p.Type == stanza.AvailablePresence && nick != ch.nick:
		ch.occupantJoined(p)
	case p.Type == stanza.UnavailablePresence:
		ch.occupantLeft(p)
	case p.Type == stanza.ErrorPresence && ch.pendingNick != "":
		f.x.log.Info("room %s refused nickname %s", ch.room, ch.pendingNick)
		ch.pendingNick = ""
	}
	return true
}

func (f *MUCFactory) joined(j *pendingJoin) {
	path := f.x.ChannelPath("room", j.room.String())
	ch := &RoomChannel{f: f, path: path, handle: j.handle, room: j.room, nick: j.nick}
	// interned while the room is still known, so the nickname is kept
	self, err := ch.occupantHandle(j.nick)
	delete(f.joins, j.handle)
	if err != nil {
		f.failJoinRequests(j, tperror.NotAvailable("cannot name ourselves in %s", j.room).WithCause(err))
		return
	}
	defer func() { _ = f.x.contacts.Unref(self, mucOwner) }()

	ch.State = group.New(group.Config{
		ObjectPath:       path,
		Repo:             f.x.contacts,
		Bus:              f.x.bus,
		Logger:           f.x.log,
		SelfHandle:       self,
		Flags:            group.FlagCanRemove | group.FlagMessageRemove | group.FlagChannelSpecificHandles,
		Hooks:            group.Hooks{RemoveMember: ch.leave},
		AllowSelfRemoval: true,
	})
	f.rooms[j.handle] = ch
	if _, err := ch.ChangeMembers("", intset.NewContaining(uint32(self)), nil, nil, nil, self, group.ReasonNone); err != nil {
		f.x.log.Error("failed to add ourselves to %s: %v", j.room, err)
	}
	if err := ch.AddHandleOwner(self, f.x.CurrentSelfHandle()); err != nil {
		f.x.log.Warn("failed to record our own occupant in %s: %v", j.room, err)
	}
	f.x.log.Info("joined %s", j.room)

	// Every queued request for the room matches the new channel.
	f.sink.NewChannel(ch, j.reqs[0])
}

func (f *MUCFactory) failJoin(j *pendingJoin, err error) {
	delete(f.joins, j.handle)
	f.failJoinRequests(j, err)
}

func (f *MUCFactory) failJoinRequests(j *pendingJoin, err error) {
	_ = f.x.rooms.Unref(j.handle, mucOwner)
	f.x.log.Info("failed to join %s: %v", j.room, err)
	for _, r := range j.reqs {
		f.sink.ChannelError(nil, r, err)
	}
}

func (f *MUCFactory) handleMessage(m Message) {
	h, ok := f.lookup(m.From)
	if !ok {
		return
	}
	if ch, ok := f.rooms[h]; ok {
		ch.messages = append(ch.messages, m)
	}
}

func (f *MUCFactory) CloseAll() {
	for _, j := range f.joins {
		f.failJoin(j, tperror.Disconnected("disconnected while joining %s", j.room))
	}
	for _, ch := range f.rooms {
		ch.Close()
	}
	if f.roomList != nil {
		f.roomList.Close()
	}
}

func (f *MUCFactory) ForEach(fn func(connection.Channel)) {
	for _, ch := range f.rooms {
		fn(ch)
	}
	if f.roomList != nil {
		fn(f.roomList)
	}
}
