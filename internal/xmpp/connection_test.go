package xmpp

import (
	"context"
	"errors"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/telepathy/internal/account"
	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/group"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/logging"
	"github.com/meszmate/telepathy/internal/tperror"
	"github.com/meszmate/telepathy/internal/xmpp/presence"
)

const testOwner handles.Owner = "test"

type harness struct {
	t   *testing.T
	x   *Connection
	tr  *LoopbackTransport
	rec *events.Recorder
}

func newHarness(t *testing.T, setup func(tr *LoopbackTransport)) *harness {
	t.Helper()
	tr := NewLoopbackTransport()
	if setup != nil {
		setup(tr)
	}
	bus := events.NewBus()
	x, err := NewConnection(Config{
		Account:   "alice@example.com",
		Transport: tr,
		Bus:       bus,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	h := &harness{t: t, x: x, tr: tr, rec: events.Record(bus)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.x.Do(ctx, fn); err != nil {
		h.t.Fatalf("Do: %v", err)
	}
}

// flush waits for callbacks the transport has posted, and for the ones
// those posted in turn.
func (h *harness) flush() {
	h.t.Helper()
	h.do(func() {})
	h.do(func() {})
}

func (h *harness) connect() {
	h.t.Helper()
	h.do(func() {
		if err := h.x.Connect(); err != nil {
			h.t.Errorf("Connect: %v", err)
			return
		}
	})
	h.flush()
	h.do(func() {
		if got := h.x.InternalStatus(); got != connection.StatusConnected {
			h.t.Errorf("status = %s, want connected", got)
			return
		}
	})
}

type reply struct {
	answered bool
	path     string
	err      error
}

func (h *harness) request(channelType string, ht handles.Type, handle handles.Handle) *reply {
	h.t.Helper()
	r := &reply{}
	h.do(func() {
		h.x.RequestChannel(channelType, ht, handle, false, func(path string, err error) {
			r.answered, r.path, r.err = true, path, err
		})
	})
	return r
}

func (h *harness) contact(id string) handles.Handle {
	h.t.Helper()
	var handle handles.Handle
	h.do(func() {
		var err error
		if handle, err = h.x.ContactHandle(id, testOwner); err != nil {
			h.t.Errorf("ContactHandle(%s): %v", id, err)
			return
		}
	})
	return handle
}

func (h *harness) room(id string) handles.Handle {
	h.t.Helper()
	var handle handles.Handle
	h.do(func() {
		var err error
		if handle, err = h.x.RoomHandle(id, testOwner); err != nil {
			h.t.Errorf("RoomHandle(%s): %v", id, err)
			return
		}
	})
	return handle
}

func (h *harness) list(name string) *ListChannel {
	h.t.Helper()
	var ch *ListChannel
	h.do(func() {
		var ok bool
		if ch, ok = h.x.List(name); !ok {
			h.t.Errorf("no %s list", name)
		}
	})
	if ch == nil {
		h.t.FailNow()
	}
	return ch
}

func TestNormalizeJID(t *testing.T) {
	got, err := NormalizeJID("Bob@Example.COM/phone")
	if err != nil {
		t.Fatalf("NormalizeJID: %v", err)
	}
	if got != "bob@example.com" {
		t.Fatalf("got %q, want bob@example.com", got)
	}
	if _, err := NormalizeJID("example.com"); err == nil {
		t.Fatalf("expected an error for a JID without localpart")
	}
}

func TestNewConnectionRejectsBadAccount(t *testing.T) {
	_, err := NewConnection(Config{Account: "example.com", Transport: NewLoopbackTransport(), Logger: logging.Discard()})
	if tperror.CodeOf(err) != tperror.CodeInvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	var statuses []connection.Status
	for _, e := range h.rec.OfType(events.StatusChanged) {
		statuses = append(statuses, e.Data.(connection.StatusChange).Status)
	}
	if len(statuses) != 2 || statuses[0] != connection.StatusConnecting || statuses[1] != connection.StatusConnected {
		t.Fatalf("statuses = %v, want [connecting connected]", statuses)
	}

	h.do(func() {
		self, err := h.x.SelfHandle()
		if err != nil {
			t.Errorf("SelfHandle: %v", err)
			return
		}
		ids, err := h.x.InspectHandles(handles.TypeContact, []handles.Handle{self})
		if err != nil {
			t.Errorf("InspectHandles: %v", err)
			return
		}
		if ids[0] != "alice@example.com" {
			t.Errorf("self = %q", ids[0])
			return
		}
	})

	if got := len(h.rec.OfType(events.NewChannel)); got != len(listNames) {
		t.Fatalf("%d NewChannel events, want %d", got, len(listNames))
	}

	sent := h.tr.SentPresences()
	if len(sent) != 1 || sent[0].Type != stanza.AvailablePresence || sent[0].Show != presence.ShowOnline {
		t.Fatalf("initial presence = %+v", sent)
	}
}

func TestConnectFailureStaysNew(t *testing.T) {
	h := newHarness(t, func(tr *LoopbackTransport) {
		tr.OpenErr = errors.New("connection refused")
	})
	h.do(func() {
		err := h.x.Connect()
		if tperror.CodeOf(err) != tperror.CodeNetworkError {
			t.Errorf("Connect err = %v, want NetworkError", err)
			return
		}
		if got := h.x.InternalStatus(); got != connection.StatusNew {
			t.Errorf("status = %s, want new", got)
			return
		}
	})
}

func TestRequestBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	r := h.request(connection.ChannelTypeText, handles.TypeContact, 1)
	if !r.answered || tperror.CodeOf(r.err) != tperror.CodeDisconnected {
		t.Fatalf("reply = %+v, want Disconnected", r)
	}
}

func TestTextChannelRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	bob := h.contact("bob@example.com")
	h.rec.Reset()

	first := h.request(connection.ChannelTypeText, handles.TypeContact, bob)
	if !first.answered || first.err != nil {
		t.Fatalf("first request = %+v", first)
	}
	second := h.request(connection.ChannelTypeText, handles.TypeContact, bob)
	if second.err != nil || second.path != first.path {
		t.Fatalf("second request = %+v, want %s", second, first.path)
	}
	if got := len(h.rec.OfType(events.NewChannel)); got != 1 {
		t.Fatalf("%d NewChannel events, want 1", got)
	}
}

func TestRequestRefusals(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	tests := []struct {
		name        string
		channelType string
		handleType  handles.Type
		handle      handles.Handle
		want        tperror.Code
	}{
		{"unknown type", "org.example.Unknown", handles.TypeContact, 1, tperror.CodeNotImplemented},
		{"anonymous text", connection.ChannelTypeText, handles.TypeNone, 0, tperror.CodeNotAvailable},
		{"bad list", connection.ChannelTypeContactList, handles.TypeList, 99, tperror.CodeInvalidHandle},
		{"list by contact", connection.ChannelTypeContactList, handles.TypeContact, 1, tperror.CodeNotAvailable},
	}
	for _, tt := range tests {
		r := h.request(tt.channelType, tt.handleType, tt.handle)
		if !r.answered || tperror.CodeOf(r.err) != tt.want {
			t.Fatalf("%s: reply = %+v, want %s", tt.name, r, tt.want)
		}
	}
}

func TestListRequestReturnsExisting(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	var handle handles.Handle
	h.do(func() {
		var err error
		if handle, err = h.x.ListHandle(ListPublish); err != nil {
			t.Errorf("ListHandle: %v", err)
			return
		}
	})
	r := h.request(connection.ChannelTypeContactList, handles.TypeList, handle)
	if r.err != nil || r.path != h.list(ListPublish).ObjectPath() {
		t.Fatalf("reply = %+v", r)
	}
}

func TestIncomingMessageOpensChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.rec.Reset()

	h.tr.DeliverMessage(Message{
		Message: stanza.Message{From: jid.MustParse("bob@example.com/phone"), Type: stanza.ChatMessage},
		Body:    "hi",
	})
	h.flush()

	bob := h.contact("bob@example.com")
	h.do(func() {
		ch, ok := h.x.TextChannel(bob)
		if !ok {
			t.Errorf("no channel for incoming message")
			return
		}
		pending := ch.PendingMessages()
		if len(pending) != 1 || pending[0].Body != "hi" || pending[0].From != bob {
			t.Errorf("pending = %+v", pending)
			return
		}
		if err := ch.AcknowledgePending([]uint32{pending[0].ID + 7}); tperror.CodeOf(err) != tperror.CodeInvalidArgument {
			t.Errorf("ack of unknown id = %v", err)
			return
		}
		if err := ch.AcknowledgePending([]uint32{pending[0].ID}); err != nil {
			t.Errorf("AcknowledgePending: %v", err)
			return
		}
		if len(ch.PendingMessages()) != 0 {
			t.Errorf("message still pending after ack")
			return
		}
	})

	created := h.rec.OfType(events.NewChannel)
	if len(created) != 1 || created[0].Data.(connection.NewChannelEvent).SuppressHandler {
		t.Fatalf("NewChannel events = %+v", created)
	}
}

func TestSendMessageEcho(t *testing.T) {
	h := newHarness(t, func(tr *LoopbackTransport) { tr.Echo = true })
	h.connect()
	bob := h.contact("bob@example.com")
	if r := h.request(connection.ChannelTypeText, handles.TypeContact, bob); r.err != nil {
		t.Fatalf("request: %v", r.err)
	}

	h.do(func() {
		ch, _ := h.x.TextChannel(bob)
		if err := ch.Send("ping"); err != nil {
			t.Errorf("Send: %v", err)
			return
		}
	})
	h.flush()
	h.do(func() {
		ch, _ := h.x.TextChannel(bob)
		pending := ch.PendingMessages()
		if len(pending) != 1 || pending[0].Body != "ping" {
			t.Errorf("pending = %+v", pending)
			return
		}
	})
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, func(tr *LoopbackTransport) { tr.AutoApprove = true })
	h.connect()
	bob := h.contact("bob@example.com")
	subscribe := h.list(ListSubscribe)
	stored := h.list(ListStored)

	h.do(func() {
		if err := subscribe.AddMembers([]handles.Handle{bob}, "let me in"); err != nil {
			t.Errorf("AddMembers: %v", err)
			return
		}
		if !subscribe.RemotePending().IsMember(uint32(bob)) {
			t.Errorf("bob should be remote pending until approved")
			return
		}
	})
	h.flush()
	h.do(func() {
		if !subscribe.IsMember(bob) {
			t.Errorf("bob should be a member once approved")
			return
		}
		if !stored.IsMember(bob) {
			t.Errorf("bob should be stored")
			return
		}
		items := h.x.Roster()
		if len(items) != 1 || !items[0].Subscription.HasTo() {
			t.Errorf("roster = %+v", items)
			return
		}
	})

	h.do(func() {
		if err := subscribe.RemoveMembers([]handles.Handle{bob}, ""); err != nil {
			t.Errorf("RemoveMembers: %v", err)
			return
		}
		if subscribe.IsMember(bob) {
			t.Errorf("bob is still subscribed")
			return
		}
	})
}

func TestInboundSubscriptionRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.tr.Deliver(Presence{
		Presence: stanza.Presence{From: jid.MustParse("carol@example.com"), Type: stanza.SubscribePresence},
		Status:   "hello",
	})
	h.flush()

	carol := h.contact("carol@example.com")
	publish := h.list(ListPublish)
	h.do(func() {
		info := publish.LocalPendingWithInfo()
		if len(info) != 1 || info[0].Handle != carol || info[0].Actor != carol || info[0].Message != "hello" {
			t.Errorf("local pending = %+v", info)
			return
		}
		if err := publish.AddMembers([]handles.Handle{carol}, ""); err != nil {
			t.Errorf("AddMembers: %v", err)
			return
		}
		if !publish.IsMember(carol) {
			t.Errorf("carol should be published to")
			return
		}
	})

	sent := h.tr.SentPresences()
	last := sent[len(sent)-1]
	if last.Type != stanza.SubscribedPresence || last.To.String() != "carol@example.com" {
		t.Fatalf("last presence = %+v", last)
	}
}

func TestContactPresence(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	bob := h.contact("bob@example.com")

	h.tr.Deliver(Presence{
		Presence: stanza.Presence{From: jid.MustParse("bob@example.com/phone")},
		Show:     presence.ShowDND,
		Status:   "meeting",
	})
	h.flush()
	h.do(func() {
		p, err := h.x.ContactPresence(bob)
		if err != nil {
			t.Errorf("ContactPresence: %v", err)
			return
		}
		if p.Type != account.PresenceBusy || p.Message != "meeting" {
			t.Errorf("presence = %+v", p)
			return
		}
	})

	h.tr.Deliver(Presence{Presence: stanza.Presence{
		From: jid.MustParse("bob@example.com/phone"),
		Type: stanza.UnavailablePresence,
	}})
	h.flush()
	h.do(func() {
		p, _ := h.x.ContactPresence(bob)
		if p.Type != account.PresenceOffline {
			t.Errorf("presence after unavailable = %+v", p)
			return
		}
	})
}

func TestSetPresence(t *testing.T) {
	h := newHarness(t, nil)
	var changes []account.Presence
	h.do(func() {
		h.x.OnPresenceChanged(func(p account.Presence) { changes = append(changes, p) })
		if err := h.x.SetPresence(account.Presence{Type: account.PresenceAway, Message: "brb"}); err != nil {
			t.Errorf("SetPresence: %v", err)
			return
		}
	})
	if len(h.tr.SentPresences()) != 0 {
		t.Fatalf("presence sent before connecting")
	}

	h.connect()
	sent := h.tr.SentPresences()
	if len(sent) != 1 || sent[0].Show != presence.ShowAway || sent[0].Status != "brb" {
		t.Fatalf("initial presence = %+v", sent)
	}

	h.do(func() {
		if err := h.x.SetPresence(account.Presence{Type: account.PresenceHidden}); err != nil {
			t.Errorf("SetPresence(hidden): %v", err)
			return
		}
		err := h.x.SetPresence(account.Presence{Type: account.PresenceUnknown})
		if tperror.CodeOf(err) != tperror.CodeInvalidArgument {
			t.Errorf("SetPresence(unknown) = %v", err)
			return
		}
	})
	sent = h.tr.SentPresences()
	if sent[len(sent)-1].Type != stanza.UnavailablePresence {
		t.Fatalf("hidden presence = %+v", sent[len(sent)-1])
	}
	h.do(func() {
		if len(changes) != 2 || changes[1].Type != account.PresenceHidden {
			t.Errorf("changes = %+v", changes)
			return
		}
	})
}

func TestJoinRoom(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	room := h.room("lounge@conference.example.com")
	h.rec.Reset()

	r := h.request(connection.ChannelTypeText, handles.TypeRoom, room)
	if r.answered {
		t.Fatalf("join answered before the room replied: %+v", r)
	}
	h.flush()
	if !r.answered || r.err != nil {
		t.Fatalf("join reply = %+v", r)
	}

	join := h.tr.SentPresences()[1]
	if join.MUC == nil || join.To.String() != "lounge@conference.example.com/alice" {
		t.Fatalf("join presence = %+v", join)
	}

	h.do(func() {
		ch, ok := h.x.Room(room)
		if !ok {
			t.Errorf("no room channel")
			return
		}
		if ch.ObjectPath() != r.path {
			t.Errorf("path = %s, want %s", ch.ObjectPath(), r.path)
			return
		}
		self := ch.SelfHandle()
		if !ch.IsMember(self) || self == h.x.CurrentSelfHandle() {
			t.Errorf("we should be a member of the room under our occupant handle")
			return
		}
		if id, _ := h.x.contacts.Inspect(self); id != "lounge@conference.example.com/alice" {
			t.Errorf("occupant handle is %q", id)
			return
		}
		owners, err := ch.HandleOwners([]handles.Handle{self})
		if err != nil || len(owners) != 1 || owners[0] != h.x.CurrentSelfHandle() {
			t.Errorf("HandleOwners = %v, %v", owners, err)
			return
		}
	})

	again := h.request(connection.ChannelTypeText, handles.TypeRoom, room)
	if again.err != nil || again.path != r.path {
		t.Fatalf("second request = %+v", again)
	}
	if got := len(h.rec.OfType(events.NewChannel)); got != 1 {
		t.Fatalf("%d NewChannel events, want 1", got)
	}

	h.tr.DeliverMessage(Message{
		Message: stanza.Message{From: jid.MustParse("lounge@conference.example.com/bob"), Type: stanza.GroupChatMessage},
		Body:    "welcome",
	})
	h.flush()
	h.do(func() {
		ch, _ := h.x.Room(room)
		if msgs := ch.Messages(); len(msgs) != 1 || msgs[0].Body != "welcome" {
			t.Errorf("room messages = %+v", msgs)
			return
		}
	})
}

func TestJoinRoomQueuesDuplicateRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	room := h.room("lounge@conference.example.com")

	var first, second reply
	h.do(func() {
		for _, r := range []*reply{&first, &second} {
			r := r
			h.x.RequestChannel(connection.ChannelTypeText, handles.TypeRoom, room, false, func(path string, err error) {
				r.answered, r.path, r.err = true, path, err
			})
		}
	})
	h.flush()
	if first.err != nil || second.err != nil || first.path == "" || first.path != second.path {
		t.Fatalf("replies = %+v %+v", first, second)
	}
	joins := 0
	for _, p := range h.tr.SentPresences() {
		if p.MUC != nil {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("%d joins sent, want 1", joins)
	}
}

func TestJoinRoomRefused(t *testing.T) {
	h := newHarness(t, func(tr *LoopbackTransport) {
		tr.FailJoins(jid.MustParse("vip@conference.example.com"), "forbidden")
	})
	h.connect()
	room := h.room("vip@conference.example.com")

	r := h.request(connection.ChannelTypeText, handles.TypeRoom, room)
	h.flush()
	if !r.answered || tperror.CodeOf(r.err) != tperror.CodeChannelBanned {
		t.Fatalf("reply = %+v, want ChannelBanned", r)
	}
	h.do(func() {
		if _, ok := h.x.Room(room); ok {
			t.Errorf("room channel exists after a refused join")
			return
		}
		if h.x.PendingRequests() != 0 {
			t.Errorf("%d requests still pending", h.x.PendingRequests())
			return
		}
	})
}

func TestLeaveRoom(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	room := h.room("lounge@conference.example.com")
	h.request(connection.ChannelTypeText, handles.TypeRoom, room)
	h.flush()
	h.rec.Reset()

	h.do(func() {
		ch, _ := h.x.Room(room)
		if err := ch.RemoveMembers([]handles.Handle{ch.SelfHandle()}, "bye"); err != nil {
			t.Errorf("RemoveMembers: %v", err)
			return
		}
	})
	h.flush()

	h.do(func() {
		if _, ok := h.x.Room(room); ok {
			t.Errorf("room still open after leaving")
			return
		}
	})
	if got := len(h.rec.OfType(events.ChannelClosed)); got != 1 {
		t.Fatalf("%d ChannelClosed events, want 1", got)
	}
}

func TestDisconnectFailsPendingJoin(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	room := h.room("lounge@conference.example.com")

	r := &reply{}
	finished := false
	h.do(func() {
		h.x.RequestChannel(connection.ChannelTypeText, handles.TypeRoom, room, false, func(path string, err error) {
			r.answered, r.path, r.err = true, path, err
		})
		h.x.Disconnect(func(error) { finished = true })
	})
	h.flush()

	if !r.answered || tperror.CodeOf(r.err) != tperror.CodeDisconnected {
		t.Fatalf("reply = %+v, want Disconnected", r)
	}
	h.do(func() {
		if !finished || !h.x.ShutdownFinished() {
			t.Errorf("shutdown did not finish")
			return
		}
		if _, ok := h.x.Room(room); ok {
			t.Errorf("room joined after disconnect")
			return
		}
	})
}

func TestTransportDrop(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.rec.Reset()

	h.tr.Drop(errors.New("connection reset"))
	h.flush()

	changes := h.rec.OfType(events.StatusChanged)
	if len(changes) != 1 {
		t.Fatalf("%d status changes, want 1", len(changes))
	}
	change := changes[0].Data.(connection.StatusChange)
	if change.Status != connection.StatusDisconnected || change.Reason != connection.ReasonNetworkError {
		t.Fatalf("status change = %+v", change)
	}
	if got := len(h.rec.OfType(events.ChannelClosed)); got != len(listNames) {
		t.Fatalf("%d ChannelClosed events, want %d", got, len(listNames))
	}
	if got := len(h.rec.OfType(events.ShutdownFinished)); got != 1 {
		t.Fatalf("%d ShutdownFinished events, want 1", got)
	}
}

func (h *harness) joinRoom(id string) *RoomChannel {
	h.t.Helper()
	handle := h.room(id)
	r := h.request(connection.ChannelTypeText, handles.TypeRoom, handle)
	h.flush()
	if r.err != nil {
		h.t.Fatalf("join %s: %v", id, r.err)
	}
	var ch *RoomChannel
	h.do(func() { ch, _ = h.x.Room(handle) })
	if ch == nil {
		h.t.Fatalf("no channel for %s", id)
	}
	return ch
}

func TestRoomOccupants(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	ch := h.joinRoom("lounge@conference.example.com")
	bobReal := h.contact("bob@example.com")
	h.rec.Reset()

	h.tr.Deliver(Presence{
		Presence: stanza.Presence{From: jid.MustParse("lounge@conference.example.com/bob")},
		MUCUser:  &MUCUser{Items: []MUCItem{{JID: "bob@example.com/laptop", Role: "participant"}}},
	})
	h.tr.Deliver(Presence{Presence: stanza.Presence{From: jid.MustParse("lounge@conference.example.com/carol")}})
	h.flush()

	var bob, carol handles.Handle
	h.do(func() {
		var err error
		if bob, err = h.x.contacts.Lookup("lounge@conference.example.com/bob"); err != nil {
			t.Errorf("bob's occupant handle: %v", err)
			return
		}
		if carol, err = h.x.contacts.Lookup("lounge@conference.example.com/carol"); err != nil {
			t.Errorf("carol's occupant handle: %v", err)
			return
		}
		if !ch.IsMember(bob) || !ch.IsMember(carol) || bob == bobReal {
			t.Errorf("members = %s", ch.Members())
			return
		}
		owners, err := ch.HandleOwners([]handles.Handle{bob, carol})
		if err != nil || owners[0] != bobReal || owners[1] != 0 {
			t.Errorf("HandleOwners = %v, %v", owners, err)
			return
		}
	})
	if got := len(h.rec.OfType(events.HandleOwnersChanged)); got != 2 {
		t.Fatalf("%d HandleOwnersChanged events, want 2", got)
	}

	h.tr.Deliver(Presence{Presence: stanza.Presence{
		From: jid.MustParse("lounge@conference.example.com/bob"),
		Type: stanza.UnavailablePresence,
	}})
	h.flush()
	h.do(func() {
		if ch.IsMember(bob) || !ch.IsMember(carol) {
			t.Errorf("members after bob left = %s", ch.Members())
			return
		}
		if _, ok := h.x.Room(ch.Handle()); !ok {
			t.Errorf("room closed when another occupant left")
			return
		}
	})
}

func TestRoomNickChange(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	ch := h.joinRoom("lounge@conference.example.com")
	var old handles.Handle
	h.do(func() { old = ch.SelfHandle() })
	h.rec.Reset()

	h.do(func() {
		if err := ch.SetNick("ally"); err != nil {
			t.Errorf("SetNick: %v", err)
			return
		}
	})
	h.flush()

	h.do(func() {
		self := ch.SelfHandle()
		if self == old || ch.Nick() != "ally" {
			t.Errorf("self handle %d nick %s after rename", self, ch.Nick())
			return
		}
		if id, _ := h.x.contacts.Inspect(self); id != "lounge@conference.example.com/ally" {
			t.Errorf("new occupant handle is %q", id)
			return
		}
		if !ch.IsMember(self) || ch.IsMember(old) {
			t.Errorf("members after rename = %s", ch.Members())
			return
		}
		owners, err := ch.HandleOwners([]handles.Handle{self})
		if err != nil || owners[0] != h.x.CurrentSelfHandle() {
			t.Errorf("HandleOwners = %v, %v", owners, err)
			return
		}
	})

	changes := h.rec.OfType(events.MembersChanged)
	if len(changes) != 1 {
		t.Fatalf("%d MembersChanged events, want 1", len(changes))
	}
	if c := changes[0].Data.(group.MembersChange); c.Reason != group.ReasonRenamed || len(c.Added) != 1 || len(c.Removed) != 1 {
		t.Fatalf("rename change = %+v", c)
	}
	if got := len(h.rec.OfType(events.SelfHandleChanged)); got != 1 {
		t.Fatalf("%d SelfHandleChanged events, want 1", got)
	}
}

func TestRoomListChannel(t *testing.T) {
	h := newHarness(t, func(tr *LoopbackTransport) {
		tr.SetRooms(jid.MustParse("conference.example.com"),
			DiscoItem{JID: "lounge@conference.example.com", Name: "Lounge"},
			DiscoItem{JID: "conference.example.com"},
			DiscoItem{JID: "dev@conference.example.com", Name: "Development"},
		)
	})
	h.connect()
	h.rec.Reset()

	r := h.request(connection.ChannelTypeRoomList, handles.TypeNone, 0)
	if !r.answered || r.err != nil {
		t.Fatalf("reply = %+v", r)
	}
	again := h.request(connection.ChannelTypeRoomList, handles.TypeNone, 0)
	if again.err != nil || again.path != r.path {
		t.Fatalf("second reply = %+v, want %s", again, r.path)
	}
	if got := len(h.rec.OfType(events.NewChannel)); got != 1 {
		t.Fatalf("%d NewChannel events, want 1", got)
	}
	if bad := h.request(connection.ChannelTypeRoomList, handles.TypeRoom, 1); tperror.CodeOf(bad.err) != tperror.CodeNotAvailable {
		t.Fatalf("room list with a handle: %+v", bad)
	}

	var ch *RoomListChannel
	h.do(func() {
		var ok bool
		if ch, ok = h.x.RoomList(); !ok || ch.ObjectPath() != r.path {
			t.Errorf("RoomList = %v, %v", ch, ok)
			return
		}
		if ch.Server().String() != "conference.example.com" {
			t.Errorf("server = %s", ch.Server())
			return
		}
		if err := ch.ListRooms(); err != nil {
			t.Errorf("ListRooms: %v", err)
			return
		}
	})
	h.flush()

	var rooms []RoomInfo
	h.do(func() {
		if ch.Listing() {
			t.Errorf("still listing")
			return
		}
		rooms = ch.Rooms()
	})
	if len(rooms) != 2 || rooms[0].Room.String() != "lounge@conference.example.com" || rooms[1].Name != "Development" {
		t.Fatalf("rooms = %+v", rooms)
	}
	got := h.rec.OfType(events.GotRooms)
	if len(got) != 1 || len(got[0].Data.([]RoomInfo)) != 2 {
		t.Fatalf("GotRooms = %+v", got)
	}
	listing := h.rec.OfType(events.ListingRooms)
	if len(listing) != 2 || !listing[0].Data.(ListingRoomsChange).Listing || listing[1].Data.(ListingRoomsChange).Listing {
		t.Fatalf("ListingRooms = %+v", listing)
	}

	// the listed rooms can be joined by handle
	join := h.request(connection.ChannelTypeText, handles.TypeRoom, rooms[1].Handle)
	h.flush()
	if join.err != nil || join.path == "" {
		t.Fatalf("join listed room = %+v", join)
	}

	h.do(func() {
		ch.Close()
		if _, ok := h.x.RoomList(); ok {
			t.Errorf("room list still open after Close")
			return
		}
		if h.x.rooms.IsValid(rooms[0].Handle) {
			t.Errorf("listed room still held after Close")
			return
		}
	})
	reopened := h.request(connection.ChannelTypeRoomList, handles.TypeNone, 0)
	if reopened.err != nil || reopened.path != r.path {
		t.Fatalf("reopened = %+v", reopened)
	}
}

func TestRoomListFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.request(connection.ChannelTypeRoomList, handles.TypeNone, 0)
	h.rec.Reset()

	h.do(func() {
		ch, _ := h.x.RoomList()
		if err := ch.ListRooms(); err != nil {
			t.Errorf("ListRooms: %v", err)
			return
		}
	})
	h.flush()
	h.do(func() {
		ch, _ := h.x.RoomList()
		if ch.Listing() || len(ch.Rooms()) != 0 {
			t.Errorf("listing %v rooms %+v", ch.Listing(), ch.Rooms())
			return
		}
	})
	if len(h.rec.OfType(events.GotRooms)) != 0 || len(h.rec.OfType(events.ListingRooms)) != 2 {
		t.Fatalf("events = %+v", h.rec.Events())
	}
}
