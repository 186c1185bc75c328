package xmpp

import (
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/tperror"
)

// ReceivedMessage is a message waiting to be acknowledged.
type ReceivedMessage struct {
	ID        uint32
	From      handles.Handle
	Body      string
	Timestamp time.Time
}

// IMChannel is a one-to-one text channel with a contact.
type IMChannel struct {
	f      *IMFactory
	path   string
	handle handles.Handle
	target jid.JID
	owner  handles.Owner

	pending []ReceivedMessage
	nextID  uint32
	closed  bool
}

func (ch *IMChannel) ObjectPath() string { return ch.path }
func (ch *IMChannel) ChannelType() string { return connection.ChannelTypeText }
func (ch *IMChannel) HandleType() handles.Type { return handles.TypeContact }
func (ch *IMChannel) Handle() handles.Handle { return ch.handle }

// Target returns the contact's JID.
func (ch *IMChannel) Target() jid.JID {
	return ch.target
}

// Send sends a chat message to the contact.
func (ch *IMChannel) Send(body string) error {
	if ch.closed {
		return tperror.NotAvailable("channel %s is closed", ch.path)
	}
	err := ch.f.x.transport.SendMessage(Message{
		Message: stanza.Message{To: ch.target, Type: stanza.ChatMessage},
		Body:    body,
	})
	if err != nil {
		return tperror.NetworkError("failed to send message").WithCause(err)
	}
	return nil
}

// PendingMessages returns the messages not yet acknowledged.
func (ch *IMChannel) PendingMessages() []ReceivedMessage {
	return append([]ReceivedMessage(nil), ch.pending...)
}

// AcknowledgePending drops acknowledged messages. Unknown IDs are an error
// and nothing is dropped.
func (ch *IMChannel) AcknowledgePending(ids []uint32) error {
	want := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	found := 0
	for _, m := range ch.pending {
		if want[m.ID] {
			found++
		}
	}
	if found != len(want) {
		return tperror.InvalidArgument("unknown pending message id")
	}
	kept := ch.pending[:0]
	for _, m := range ch.pending {
		if !want[m.ID] {
			kept = append(kept, m)
		}
	}
	ch.pending = kept
	return nil
}

// Close closes the channel.
func (ch *IMChannel) Close() {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.f.channels, ch.handle)
	_ = ch.f.x.contacts.Unref(ch.handle, ch.owner)
	ch.f.sink.ChannelClosed(ch)
}

// IMFactory makes text channels to contacts.
type IMFactory struct {
	x        *Connection
	sink     connection.Sink
	channels map[handles.Handle]*IMChannel
}

func (f *IMFactory) Request(req *connection.Request) (connection.RequestStatus, connection.Channel, error) {
	if req.ChannelType != connection.ChannelTypeText {
		return connection.RequestNotImplemented, nil, nil
	}
	if req.HandleType != handles.TypeContact || req.Handle == 0 {
		return connection.RequestNotAvailable, nil, nil
	}
	if !f.x.contacts.IsValid(req.Handle) {
		return connection.RequestInvalidHandle, nil, nil
	}
	if ch, ok := f.channels[req.Handle]; ok {
		return connection.RequestExisting, ch, nil
	}

	ch, err := f.newChannel(req.Handle)
	if err != nil {
		return connection.RequestError, nil, err
	}
	f.sink.NewChannel(ch, req)
	return connection.RequestCreated, ch, nil
}

func (f *IMFactory) newChannel(h handles.Handle) (*IMChannel, error) {
	target, err := f.x.jidOf(f.x.contacts, h)
	if err != nil {
		return nil, err
	}
	path := f.x.ChannelPath("text", target.String())
	ch := &IMChannel{
		f:      f,
		path:   path,
		handle: h,
		target: target,
		owner:  handles.Owner("channel:" + path),
	}
	if err := f.x.contacts.Ref(h, ch.owner); err != nil {
		return nil, err
	}
	f.channels[h] = ch
	return ch, nil
}

// receive queues an inbound message, opening a channel if needed.
func (f *IMFactory) receive(h handles.Handle, m Message) {
	ch, ok := f.channels[h]
	if !ok {
		var err error
		ch, err = f.newChannel(h)
		if err != nil {
			f.x.log.Warn("dropping message from %s: %v", m.From, err)
			return
		}
		f.sink.NewChannel(ch, nil)
	}
	ch.nextID++
	ch.pending = append(ch.pending, ReceivedMessage{
		ID:        ch.nextID,
		From:      h,
		Body:      m.Body,
		Timestamp: time.Now(),
	})
}

func (f *IMFactory) CloseAll() {
	for _, ch := range f.channels {
		ch.Close()
	}
}

func (f *IMFactory) ForEach(fn func(connection.Channel)) {
	for _, ch := range f.channels {
		fn(ch)
	}
}
