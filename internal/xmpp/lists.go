package xmpp

import (
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/group"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/intset"
	"github.com/meszmate/telepathy/internal/tperror"
	"github.com/meszmate/telepathy/internal/xmpp/roster"
)

// ListChannel is a contact list: a group channel whose members are the
// contacts in one subscription state.
type ListChannel struct {
	*group.State

	path   string
	name   string
	handle handles.Handle
}

func (ch *ListChannel) ObjectPath() string { return ch.path }
func (ch *ListChannel) ChannelType() string { return connection.ChannelTypeContactList }
func (ch *ListChannel) HandleType() handles.Type { return handles.TypeList }
func (ch *ListChannel) Handle() handles.Handle { return ch.handle }

// Name returns the list name.
func (ch *ListChannel) Name() string {
	return ch.name
}

// placement is where a contact sits in a list.
type placement int

const (
	placedNone placement = iota
	placedMember
	placedLocalPending
	placedRemotePending
)

func (ch *ListChannel) placementOf(h handles.Handle) placement {
	switch {
	case ch.Members().IsMember(uint32(h)):
		return placedMember
	case ch.LocalPending().IsMember(uint32(h)):
		return placedLocalPending
	case ch.RemotePending().IsMember(uint32(h)):
		return placedRemotePending
	default:
		return placedNone
	}
}

// place moves h to want, emitting one membership change if it moves.
func (ch *ListChannel) place(h handles.Handle, want placement, actor handles.Handle, message string) error {
	if ch.placementOf(h) == want {
		return nil
	}
	one := intset.NewContaining(uint32(h))
	var add, remove, local, remote *intset.IntSet
	switch want {
	case placedMember:
		add = one
	case placedLocalPending:
		local = one
	case placedRemotePending:
		remote = one
	default:
		remove = one
	}
	_, err := ch.ChangeMembers(message, add, remove, local, remote, actor, group.ReasonNone)
	return err
}

// RosterFactory owns the four contact lists. They exist while the
// connection is connected and are announced as soon as it connects.
type RosterFactory struct {
	x     *Connection
	sink  connection.Sink
	lists []*ListChannel
}

func (f *RosterFactory) byName(name string) (*ListChannel, bool) {
	for _, ch := range f.lists {
		if ch.name == name {
			return ch, true
		}
	}
	return nil, false
}

func (f *RosterFactory) Request(req *connection.Request) (connection.RequestStatus, connection.Channel, error) {
	if req.ChannelType != connection.ChannelTypeContactList {
		return connection.RequestNotImplemented, nil, nil
	}
	if req.HandleType != handles.TypeList {
		return connection.RequestNotAvailable, nil, nil
	}
	if !f.x.listRepo.IsValid(req.Handle) {
		return connection.RequestInvalidHandle, nil, nil
	}
	for _, ch := range f.lists {
		if ch.handle == req.Handle {
			return connection.RequestExisting, ch, nil
		}
	}
	return connection.RequestNotAvailable, nil, nil
}

func (f *RosterFactory) CloseAll() {
	lists := f.lists
	f.lists = nil
	for _, ch := range lists {
		ch.Close()
		f.sink.ChannelClosed(ch)
	}
}

func (f *RosterFactory) ForEach(fn func(connection.Channel)) {
	for _, ch := range f.lists {
		fn(ch)
	}
}

func (f *RosterFactory) Connecting() {}
func (f *RosterFactory) Disconnected() {}

// Connected creates and announces the lists.
func (f *RosterFactory) Connected() {
	self := f.x.CurrentSelfHandle()
	for _, name := range listNames {
		h, err := f.x.listRepo.Lookup(name)
		if err != nil {
			f.x.log.Error("missing list %s: %v", name, err)
			continue
		}
		path := f.x.ChannelPath("list", name)
		ch := &ListChannel{path: path, name: name, handle: h}
		ch.State = group.New(group.Config{
			ObjectPath: path,
			Repo:       f.x.contacts,
			Bus:        f.x.bus,
			Logger:     f.x.log,
			SelfHandle: self,
			Flags:      listFlags(name),
			Hooks:      f.hooks(name),
		})
		f.lists = append(f.lists, ch)
	}
	for _, ch := range f.lists {
		f.sink.NewChannel(ch, nil)
	}
}

func listFlags(name string) group.Flags {
	switch name {
	case ListSubscribe:
		return group.FlagCanAdd | group.FlagCanRemove | group.FlagCanRescind |
			group.FlagMessageAdd | group.FlagMembersChangedDetailed
	case ListPublish:
		return group.FlagCanRemove | group.FlagMessageAccept | group.FlagMessageRemove |
			group.FlagMembersChangedDetailed
	case ListStored:
		return group.FlagCanAdd | group.FlagCanRemove | group.FlagMembersChangedDetailed
	default:
		return group.FlagMembersChangedDetailed
	}
}

func (f *RosterFactory) hooks(name string) group.Hooks {
	switch name {
	case ListSubscribe:
		return group.Hooks{
			AddMember:    f.send(stanza.SubscribePresence),
			RemoveMember: f.send(stanza.UnsubscribePresence),
		}
	case ListPublish:
		return group.Hooks{
			AddMember:    f.send(stanza.SubscribedPresence),
			RemoveMember: f.send(stanza.UnsubscribedPresence),
		}
	case ListStored:
		return group.Hooks{
			AddMember:    f.store,
			RemoveMember: f.forget,
		}
	default:
		return group.Hooks{}
	}
}

// send returns a hook that sends a subscription stanza to the contact and
// applies it to the roster.
func (f *RosterFactory) send(typ stanza.PresenceType) func(handles.Handle, string) error {
	return func(h handles.Handle, message string) error {
		to, err := f.x.jidOf(f.x.contacts, h)
		if err != nil {
			return err
		}
		p := Presence{Presence: stanza.Presence{To: to, Type: typ}, Status: message}
		if err := f.x.transport.SendPresence(p); err != nil {
			return tperror.NetworkError("failed to send %s to %s", typ, to).WithCause(err)
		}
		f.apply(to, h, roster.Outbound, typ, message)
		return nil
	}
}

func (f *RosterFactory) store(h handles.Handle, message string) error {
	j, err := f.x.jidOf(f.x.contacts, h)
	if err != nil {
		return err
	}
	item := f.x.roster.Store(j)
	f.sync(h, item, true, f.x.CurrentSelfHandle(), message)
	return nil
}

// forget cancels both subscription directions and drops the contact.
func (f *RosterFactory) forget(h handles.Handle, message string) error {
	j, err := f.x.jidOf(f.x.contacts, h)
	if err != nil {
		return err
	}
	item, ok := f.x.roster.Get(j)
	if !ok {
		return nil
	}
	if item.Subscription.HasTo() || item.AskOut {
		if err := f.send(stanza.UnsubscribePresence)(h, message); err != nil {
			return err
		}
	}
	if item.Subscription.HasFrom() || item.AskIn {
		if err := f.send(stanza.UnsubscribedPresence)(h, message); err != nil {
			return err
		}
	}
	item, _ = f.x.roster.Remove(j)
	f.sync(h, item, false, f.x.CurrentSelfHandle(), message)
	return nil
}

// apply runs a subscription stanza through the roster and updates the
// lists.
func (f *RosterFactory) apply(j jid.JID, h handles.Handle, dir roster.Direction, typ stanza.PresenceType, message string) {
	_, after := f.x.roster.Apply(j, dir, typ, message)
	actor := h
	if dir == roster.Outbound {
		actor = f.x.CurrentSelfHandle()
	}
	_, stored := f.x.roster.Get(j)
	f.sync(h, after, stored, actor, message)
}

// sync places h in every list according to its roster item.
func (f *RosterFactory) sync(h handles.Handle, item roster.Item, stored bool, actor handles.Handle, message string) {
	for _, ch := range f.lists {
		want := placedNone
		switch ch.name {
		case ListSubscribe:
			switch {
			case item.Subscription.HasTo():
				want = placedMember
			case item.AskOut:
				want = placedRemotePending
			}
		case ListPublish:
			switch {
			case item.Subscription.HasFrom():
				want = placedMember
			case item.AskIn:
				want = placedLocalPending
			}
		case ListStored:
			if stored {
				want = placedMember
			}
		default:
			continue
		}
		if err := ch.place(h, want, actor, message); err != nil {
			f.x.log.Error("failed to update %s list for handle %d: %v", ch.name, uint32(h), err)
		}
	}
}
