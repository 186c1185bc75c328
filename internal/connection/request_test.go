package connection

import (
	"errors"
	"testing"

	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/tperror"
)

func permutations(in []RequestStatus) [][]RequestStatus {
	if len(in) <= 1 {
		return [][]RequestStatus{append([]RequestStatus(nil), in...)}
	}
	var out [][]RequestStatus
	for i := range in {
		rest := make([]RequestStatus, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]RequestStatus{in[i]}, p...))
		}
	}
	return out
}

func requestWithRefusals(t *testing.T, statuses []RequestStatus) error {
	t.Helper()
	p := &fakeProto{}
	for _, s := range statuses {
		p.factories = append(p.factories, &fakeFactory{name: s.String(), request: refuse(s)})
	}
	c, _ := newTestConnection(t, p)
	bringUp(t, c)
	bob := contact(t, c, "bob@example.com")

	var results []result
	c.RequestChannel(ChannelTypeText, handles.TypeContact, bob, false, collect(&results))
	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %v", results)
	}
	if results[0].path != "" {
		t.Fatalf("refused request returned a path %q", results[0].path)
	}
	for _, f := range p.factories {
		if f.asked != 1 {
			t.Fatalf("factory %s asked %d times", f.name, f.asked)
		}
	}
	if c.PendingRequests() != 0 {
		t.Fatalf("%d requests left pending", c.PendingRequests())
	}
	return results[0].err
}

func TestMostSpecificRefusalWins(t *testing.T) {
	all := []RequestStatus{RequestNotImplemented, RequestInvalidHandle, RequestNotAvailable}
	for _, order := range permutations(all) {
		err := requestWithRefusals(t, order)
		if tperror.CodeOf(err) != tperror.CodeNotAvailable {
			t.Fatalf("order %v: got %v, want NotAvailable", order, err)
		}
	}

	pairs := []struct {
		statuses []RequestStatus
		want     tperror.Code
	}{
		{[]RequestStatus{RequestNotImplemented, RequestInvalidHandle}, tperror.CodeInvalidHandle},
		{[]RequestStatus{RequestInvalidHandle, RequestNotImplemented}, tperror.CodeInvalidHandle},
		{[]RequestStatus{RequestInvalidHandle, RequestNotAvailable}, tperror.CodeNotAvailable},
		{[]RequestStatus{RequestNotImplemented}, tperror.CodeNotImplemented},
		{nil, tperror.CodeNotImplemented},
	}
	for _, tc := range pairs {
		err := requestWithRefusals(t, tc.statuses)
		if tperror.CodeOf(err) != tc.want {
			t.Fatalf("statuses %v: got %v, want %s", tc.statuses, err, tc.want)
		}
	}
}

func TestFactoryErrorStopsDispatch(t *testing.T) {
	boom := tperror.PermissionDenied("not allowed")
	failing := &fakeFactory{name: "failing", request: func(*fakeFactory, *Request) (RequestStatus, Channel, error) {
		return RequestError, nil, boom
	}}
	never := &fakeFactory{name: "never", request: refuse(RequestNotAvailable)}
	p := &fakeProto{factories: []*fakeFactory{failing, never}}
	c, _ := newTestConnection(t, p)
	bringUp(t, c)

	var results []result
	c.RequestChannel(ChannelTypeText, handles.TypeContact, contact(t, c, "bob@example.com"), false, collect(&results))
	if len(results) != 1 || results[0].err != boom {
		t.Fatalf("results = %v", results)
	}
	if never.asked != 0 {
		t.Fatal("factories after an error must not be asked")
	}
}

func TestQueuedRequestsResolveTogether(t *testing.T) {
	f := &fakeFactory{name: "muc", request: queue}
	p := &fakeProto{factories: []*fakeFactory{f}}
	c, rec := newTestConnection(t, p)
	bringUp(t, c)

	roomRepo, _ := c.Repo(handles.TypeRoom)
	room, _ := roomRepo.Ensure("room@conference.example.com", "test")

	var order []string
	var errs []error
	c.RequestChannel(ChannelTypeText, handles.TypeRoom, room, false, func(path string, err error) {
		order = append(order, "r1:"+path)
		errs = append(errs, err)
	})
	c.RequestChannel(ChannelTypeText, handles.TypeRoom, room, true, func(path string, err error) {
		order = append(order, "r2:"+path)
		errs = append(errs, err)
	})
	if len(order) != 0 || c.PendingRequests() != 2 {
		t.Fatalf("both requests should be queued, got %v", order)
	}

	ch := &fakeChannel{path: "/conn/muc1", channelType: ChannelTypeText, handleType: handles.TypeRoom, handle: room}
	f.channels = append(f.channels, ch)
	f.sink.NewChannel(ch, f.queued[0])

	if len(order) != 2 || order[0] != "r1:/conn/muc1" || order[1] != "r2:/conn/muc1" {
		t.Fatalf("resolution order = %v", order)
	}
	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if c.PendingRequests() != 0 {
		t.Fatalf("%d requests still pending", c.PendingRequests())
	}

	announced := rec.OfType(events.NewChannel)
	if len(announced) != 1 {
		t.Fatalf("expected one NewChannel event, got %d", len(announced))
	}
	ev := announced[0].Data.(NewChannelEvent)
	if ev.ObjectPath != "/conn/muc1" || !ev.SuppressHandler {
		t.Fatalf("new channel event = %+v", ev)
	}
}

func TestExistingChannelSatisfiesQueuedRequests(t *testing.T) {
	existing := &fakeChannel{path: "/conn/im1", channelType: ChannelTypeText, handleType: handles.TypeContact}
	var second bool
	f := &fakeFactory{name: "im"}
	f.request = func(f *fakeFactory, req *Request) (RequestStatus, Channel, error) {
		if !second {
			second = true
			return queue(f, req)
		}
		return RequestExisting, existing, nil
	}
	p := &fakeProto{factories: []*fakeFactory{f}}
	c, rec := newTestConnection(t, p)
	bringUp(t, c)
	bob := contact(t, c, "bob@example.com")
	existing.handle = bob

	var results []result
	c.RequestChannel(ChannelTypeText, handles.TypeContact, bob, false, collect(&results))
	c.RequestChannel(ChannelTypeText, handles.TypeContact, bob, false, collect(&results))

	if len(results) != 2 || results[0].path != "/conn/im1" || results[1].path != "/conn/im1" {
		t.Fatalf("results = %v", results)
	}
	if len(rec.OfType(events.NewChannel)) != 0 {
		t.Fatal("an existing channel must not be announced again")
	}
}

func TestCreatedChannelIsAnnouncedBeforeReply(t *testing.T) {
	f := &fakeFactory{name: "im"}
	f.request = func(f *fakeFactory, req *Request) (RequestStatus, Channel, error) {
		ch := &fakeChannel{path: "/conn/im2", channelType: req.ChannelType, handleType: req.HandleType, handle: req.Handle}
		f.channels = append(f.channels, ch)
		f.sink.NewChannel(ch, req)
		return RequestCreated, nil, nil
	}
	p := &fakeProto{factories: []*fakeFactory{f}}
	c, _ := newTestConnection(t, p)
	bringUp(t, c)

	var trace []string
	c.Bus().Subscribe(events.NewChannel, func(events.Event) { trace = append(trace, "announced") })
	c.RequestChannel(ChannelTypeText, handles.TypeContact, contact(t, c, "bob@example.com"), false,
		func(path string, err error) { trace = append(trace, "reply:"+path) })

	if len(trace) != 2 || trace[0] != "announced" || trace[1] != "reply:/conn/im2" {
		t.Fatalf("trace = %v", trace)
	}

	chans, err := c.ListChannels()
	if err != nil || len(chans) != 1 || chans[0].ObjectPath != "/conn/im2" {
		t.Fatalf("list channels = %v, %v", chans, err)
	}
}

func TestCreatedWithoutAnnouncementFailsRequest(t *testing.T) {
	f := &fakeFactory{name: "broken", request: refuse(RequestCreated)}
	p := &fakeProto{factories: []*fakeFactory{f}}
	c, _ := newTestConnection(t, p)
	bringUp(t, c)

	var results []result
	c.RequestChannel(ChannelTypeText, handles.TypeContact, contact(t, c, "bob@example.com"), false, collect(&results))
	if len(results) != 1 || !errors.Is(results[0].err, tperror.ErrNotAvailable) {
		t.Fatalf("results = %v", results)
	}
}

func TestAnonymousChannelSatisfiesOnlyItsCreator(t *testing.T) {
	f := &fakeFactory{name: "roomlist", request: queue}
	p := &fakeProto{factories: []*fakeFactory{f}}
	c, _ := newTestConnection(t, p)
	bringUp(t, c)

	var results []result
	c.RequestChannel(ChannelTypeRoomList, handles.TypeNone, 0, false, collect(&results))
	c.RequestChannel(ChannelTypeRoomList, handles.TypeNone, 0, false, collect(&results))

	ch := &fakeChannel{path: "/conn/roomlist1", channelType: ChannelTypeRoomList}
	f.sink.NewChannel(ch, f.queued[1])

	if len(results) != 1 || results[0].path != "/conn/roomlist1" {
		t.Fatalf("results = %v", results)
	}
	if c.PendingRequests() != 1 {
		t.Fatalf("pending = %d, want 1", c.PendingRequests())
	}
}

func TestChannelErrorFailsMatchingRequests(t *testing.T) {
	f := &fakeFactory{name: "muc", request: queue}
	p := &fakeProto{factories: []*fakeFactory{f}}
	c, _ := newTestConnection(t, p)
	bringUp(t, c)
	roomRepo, _ := c.Repo(handles.TypeRoom)
	room, _ := roomRepo.Ensure("full@conference.example.com", "test")

	var results []result
	c.RequestChannel(ChannelTypeText, handles.TypeRoom, room, false, collect(&results))
	c.RequestChannel(ChannelTypeText, handles.TypeRoom, room, false, collect(&results))

	full := tperror.New(tperror.CodeChannelFull, "room is full")
	ch := &fakeChannel{path: "/conn/muc2", channelType: ChannelTypeText, handleType: handles.TypeRoom, handle: room}
	f.sink.ChannelError(ch, f.queued[0], full)

	if len(results) != 2 || results[0].err != full || results[1].err != full {
		t.Fatalf("results = %v", results)
	}
	if c.PendingRequests() != 0 {
		t.Fatalf("pending = %d", c.PendingRequests())
	}
}

func TestOrphanedRequestFailsWithNotAvailable(t *testing.T) {
	f := &fakeFactory{name: "confused", request: queue}
	p := &fakeProto{factories: []*fakeFactory{f}}
	c, _ := newTestConnection(t, p)
	bringUp(t, c)
	bob := contact(t, c, "bob@example.com")
	alice := contact(t, c, "alice@example.com")

	var results []result
	c.RequestChannel(ChannelTypeText, handles.TypeContact, bob, false, collect(&results))

	wrong := &fakeChannel{path: "/conn/im-alice", channelType: ChannelTypeText, handleType: handles.TypeContact, handle: alice}
	f.sink.NewChannel(wrong, f.queued[0])

	if len(results) != 1 || !errors.Is(results[0].err, tperror.ErrNotAvailable) {
		t.Fatalf("results = %v", results)
	}
	if c.PendingRequests() != 0 {
		t.Fatalf("pending = %d", c.PendingRequests())
	}
}

func TestLateAnnouncementIsHarmless(t *testing.T) {
	f := &fakeFactory{name: "muc", request: queue}
	p := &fakeProto{factories: []*fakeFactory{f}}
	c, _ := newTestConnection(t, p)
	bringUp(t, c)
	roomRepo, _ := c.Repo(handles.TypeRoom)
	room, _ := roomRepo.Ensure("room@conference.example.com", "test")

	var results []result
	c.RequestChannel(ChannelTypeText, handles.TypeRoom, room, false, collect(&results))
	req := f.queued[0]
	ch := &fakeChannel{path: "/conn/muc3", channelType: ChannelTypeText, handleType: handles.TypeRoom, handle: room}
	f.sink.NewChannel(ch, req)
	f.sink.NewChannel(ch, req)

	if len(results) != 1 {
		t.Fatalf("request answered %d times", len(results))
	}
}
