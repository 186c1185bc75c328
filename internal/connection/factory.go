package connection

import (
	"github.com/meszmate/telepathy/internal/handles"
)

// Well-known channel types.
const (
	ChannelTypeText        = "org.freedesktop.Telepathy.Channel.Type.Text"
	ChannelTypeContactList = "org.freedesktop.Telepathy.Channel.Type.ContactList"
	ChannelTypeRoomList    = "org.freedesktop.Telepathy.Channel.Type.RoomList"
)

// Channel is the part of a channel object the connection needs for
// dispatch: its path and the (type, handle type, handle) triple that
// requests are matched against.
type Channel interface {
	ObjectPath() string
	ChannelType() string
	HandleType() handles.Type
	Handle() handles.Handle
}

// ChannelInfo is a snapshot of a channel's identity.
type ChannelInfo struct {
	ObjectPath  string
	ChannelType string
	HandleType  handles.Type
	Handle      handles.Handle
}

// InfoOf returns the identity of ch.
func InfoOf(ch Channel) ChannelInfo {
	return ChannelInfo{
		ObjectPath:  ch.ObjectPath(),
		ChannelType: ch.ChannelType(),
		HandleType:  ch.HandleType(),
		Handle:      ch.Handle(),
	}
}

// RequestStatus is a factory's answer to a channel request.
type RequestStatus int

const (
	// RequestNotImplemented means the factory does not do this channel type.
	RequestNotImplemented RequestStatus = iota
	// RequestNotAvailable means the factory does the type, but not with this
	// handle type or not right now.
	RequestNotAvailable
	// RequestInvalidHandle means the handle is not valid for the factory.
	RequestInvalidHandle
	// RequestError means the factory tried and failed; the returned error
	// is passed to the requester and no further factories are asked.
	RequestError
	// RequestExisting returns a channel that already existed.
	RequestExisting
	// RequestCreated means the factory created a channel and has already
	// reported it through Sink.NewChannel.
	RequestCreated
	// RequestQueued means the factory will report later through the Sink.
	RequestQueued
)

func (s RequestStatus) String() string {
	switch s {
	case RequestNotImplemented:
		return "not-implemented"
	case RequestNotAvailable:
		return "not-available"
	case RequestInvalidHandle:
		return "invalid-handle"
	case RequestError:
		return "error"
	case RequestExisting:
		return "existing"
	case RequestCreated:
		return "created"
	case RequestQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// refusalRank orders the "cannot do it" answers from least to most
// specific. The most specific answer across all factories decides the
// error a request fails with when no factory handles it.
var refusalRank = map[RequestStatus]int{
	RequestNotImplemented: 0,
	RequestInvalidHandle:  1,
	RequestNotAvailable:   2,
}

// Factory produces channels on demand.
type Factory interface {
	// Request looks for or creates a channel for req. For RequestExisting
	// it returns the channel; for RequestError it returns the error.
	Request(req *Request) (RequestStatus, Channel, error)
	// CloseAll closes every channel the factory owns. In-flight requests
	// for those channels must be failed through the Sink.
	CloseAll()
	// ForEach calls fn for every live channel.
	ForEach(fn func(Channel))
}

// StatusObserver is implemented by factories that want to follow the
// connection's status.
type StatusObserver interface {
	Connecting()
	Connected()
	Disconnected()
}

// Sink is how a factory reports channels back to its connection. Calls must
// be made on the connection's loop.
type Sink interface {
	// NewChannel announces a newly created channel. req is the request
	// that caused the creation, or nil if the channel was created for
	// another reason (for instance an incoming message).
	NewChannel(ch Channel, req *Request)
	// ChannelError fails the requests waiting for ch. ch may be nil if the
	// failure only concerns req.
	ChannelError(ch Channel, req *Request, err error)
	// ChannelClosed reports that a channel has gone away.
	ChannelClosed(ch Channel)
}
