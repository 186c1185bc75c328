package xmpp

import (
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/tperror"
)

// RoomInfo describes a room found on the conference server.
type RoomInfo struct {
	Handle      handles.Handle
	ChannelType string
	Room        jid.JID
	Name        string
}

// ListingRoomsChange is the payload of an events.ListingRooms notification.
type ListingRoomsChange struct {
	Listing bool
}

// RoomListChannel lists the rooms of the conference server. It is
// anonymous: there is at most one per connection and it has no handle.
type RoomListChannel struct {
	f      *MUCFactory
	path   string
	server jid.JID
	owner  handles.Owner
	held   *handles.Set

	listing bool
	query   string
	rooms   []RoomInfo
	closed  bool
}

func newRoomListChannel(f *MUCFactory) *RoomListChannel {
	path := f.x.ChannelPath("roomlist", f.x.conference.String())
	owner := handles.Owner("channel:" + path)
	return &RoomListChannel{
		f:      f,
		path:   path,
		server: f.x.conference,
		owner:  owner,
		held:   handles.NewSet(f.x.rooms, owner),
	}
}

func (ch *RoomListChannel) ObjectPath() string       { return ch.path }
func (ch *RoomListChannel) ChannelType() string      { return connection.ChannelTypeRoomList }
func (ch *RoomListChannel) HandleType() handles.Type { return handles.TypeNone }
func (ch *RoomListChannel) Handle() handles.Handle   { return 0 }

// Server returns the conference server being listed.
func (ch *RoomListChannel) Server() jid.JID {
	return ch.server
}

// Listing reports whether a listing is in progress.
func (ch *RoomListChannel) Listing() bool {
	return ch.listing
}

// Rooms returns the rooms found by the last listing. Their handles stay
// valid while the channel is open.
func (ch *RoomListChannel) Rooms() []RoomInfo {
	return append([]RoomInfo(nil), ch.rooms...)
}

// ListRooms asks the server for its rooms. The result arrives as a GotRooms
// notification followed by ListingRooms going false.
func (ch *RoomListChannel) ListRooms() error {
	if ch.closed {
		return tperror.NotAvailable("channel %s is closed", ch.path)
	}
	if ch.listing {
		return nil
	}
	id, err := ch.f.x.sendIQ(IQ{
		IQ:    stanza.IQ{To: ch.server, Type: stanza.GetIQ},
		Items: &DiscoItems{},
	}, ch.gotItems)
	if err != nil {
		return err
	}
	ch.query = id
	ch.setListing(true)
	return nil
}

// StopListing abandons a listing in progress. A late reply is ignored.
func (ch *RoomListChannel) StopListing() {
	if !ch.listing {
		return
	}
	delete(ch.f.x.iqs, ch.query)
	ch.query = ""
	ch.setListing(false)
}

func (ch *RoomListChannel) setListing(listing bool) {
	ch.listing = listing
	ch.f.x.bus.Publish(events.Event{
		Type:   events.ListingRooms,
		Source: ch.path,
		Data:   ListingRoomsChange{Listing: listing},
	})
}

func (ch *RoomListChannel) gotItems(iq IQ) {
	if ch.closed || iq.ID != ch.query {
		return
	}
	ch.query = ""

	if iq.Type == stanza.ErrorIQ {
		err := error(tperror.NetworkError("listing rooms on %s failed", ch.server))
		if iq.Error != nil {
			err = iq.Error.Err()
		}
		ch.f.x.log.Info("failed to list rooms on %s: %v", ch.server, err)
		ch.setListing(false)
		return
	}

	ch.held.Clear()
	ch.rooms = nil
	if iq.Items != nil {
		for _, it := range iq.Items.Items {
			room, err := jid.Parse(it.JID)
			if err != nil || room.Localpart() == "" {
				ch.f.x.log.Debug("skipping room %q: not a room address", it.JID)
				continue
			}
			h, err := ch.f.x.rooms.Ensure(room.String(), ch.owner)
			if err != nil {
				ch.f.x.log.Debug("skipping room %s: %v", room, err)
				continue
			}
			if err := ch.held.Add(h); err != nil {
				ch.f.x.log.Warn("failed to hold room %s: %v", room, err)
			}
			_ = ch.f.x.rooms.Unref(h, ch.owner)
			ch.rooms = append(ch.rooms, RoomInfo{
				Handle:      h,
				ChannelType: connection.ChannelTypeText,
				Room:        room.Bare(),
				Name:        it.Name,
			})
		}
	}

	ch.f.x.log.Debug("found %d rooms on %s", len(ch.rooms), ch.server)
	ch.f.x.bus.Publish(events.Event{Type: events.GotRooms, Source: ch.path, Data: ch.Rooms()})
	ch.setListing(false)
}

// Close closes the channel and releases the listed rooms.
func (ch *RoomListChannel) Close() {
	if ch.closed {
		return
	}
	if ch.listing {
		ch.StopListing()
	}
	ch.closed = true
	ch.held.Clear()
	ch.rooms = nil
	if ch.f.roomList == ch {
		ch.f.roomList = nil
	}
	ch.f.sink.ChannelClosed(ch)
}
