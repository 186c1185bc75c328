package connection

import (
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/tperror"
)

// ReplyFunc receives the result of a channel request: the channel's object
// path, or an error.
type ReplyFunc func(objectPath string, err error)

// Request is a pending RequestChannel call.
type Request struct {
	ChannelType     string
	HandleType      handles.Type
	Handle          handles.Handle
	SuppressHandler bool

	reply ReplyFunc
}

// Resolved reports whether the request has been answered.
func (r *Request) Resolved() bool {
	return r.reply == nil
}

func (r *Request) matches(ch Channel) bool {
	return r.ChannelType == ch.ChannelType() &&
		r.HandleType == ch.HandleType() &&
		r.Handle == ch.Handle()
}

// NewChannelEvent is the payload of an events.NewChannel notification.
type NewChannelEvent struct {
	ChannelInfo
	SuppressHandler bool
}

// RequestChannel asks the factories, in registration order, for a channel of
// the given type to the given target. reply is called exactly once, possibly
// before RequestChannel returns.
func (c *Connection) RequestChannel(channelType string, handleType handles.Type, handle handles.Handle,
	suppressHandler bool, reply ReplyFunc) {
	if reply == nil {
		reply = func(string, error) {}
	}
	if err := c.requireConnected(); err != nil {
		reply("", err)
		return
	}

	req := &Request{
		ChannelType:     channelType,
		HandleType:      handleType,
		Handle:          handle,
		SuppressHandler: suppressHandler,
		reply:           reply,
	}
	c.pending = append(c.pending, req)
	c.log.Debug("request for %s channel, handle type %s, handle %d", channelType, handleType, uint32(handle))

	best := RequestNotImplemented
	for _, f := range c.factories {
		status, ch, err := f.Request(req)
		switch status {
		case RequestExisting:
			if ch == nil {
				c.log.Error("factory %T returned an existing channel without a channel", f)
				c.failRequest(req, tperror.NotAvailable("channel factory returned no channel"))
				return
			}
			c.satisfyRequests(ch, req, false)
			return
		case RequestCreated:
			if !req.Resolved() {
				c.log.Error("factory %T created a channel but did not announce it", f)
				c.failRequest(req, tperror.NotAvailable("channel was created but never announced"))
			}
			return
		case RequestQueued:
			return
		case RequestError:
			if err == nil {
				err = tperror.NotAvailable("channel factory failed without an error")
			}
			c.failRequest(req, err)
			return
		default:
			if refusalRank[status] > refusalRank[best] {
				best = status
			}
		}
	}

	switch best {
	case RequestInvalidHandle:
		c.failRequest(req, tperror.InvalidHandle("invalid handle %d", uint32(handle)))
	case RequestNotAvailable:
		c.failRequest(req, tperror.NotAvailable("requested channel is not available with handle type %s", handleType))
	default:
		c.failRequest(req, tperror.NotImplemented("unknown channel type %s", channelType))
	}
}

// PendingRequests returns the number of unresolved channel requests.
func (c *Connection) PendingRequests() int {
	return len(c.pending)
}

func (c *Connection) isPending(req *Request) bool {
	for _, r := range c.pending {
		if r == req {
			return true
		}
	}
	return false
}

// resolve answers req and drops it from the pending list.
func (c *Connection) resolve(req *Request, path string, err error) {
	for i, r := range c.pending {
		if r == req {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	reply := req.reply
	if reply == nil {
		c.log.Error("channel request for %s resolved twice", req.ChannelType)
		return
	}
	req.reply = nil
	reply(path, err)
}

func (c *Connection) failRequest(req *Request, err error) {
	c.log.Debug("channel request for %s failed: %v", req.ChannelType, err)
	c.resolve(req, "", err)
}

// matchingRequests returns the queued requests that ch satisfies, in queue
// order. An anonymous channel satisfies only the request that created it.
// If origin is set but is not among the matches, it is returned as orphan.
func (c *Connection) matchingRequests(ch Channel, origin *Request) (matches []*Request, orphan *Request) {
	if ch == nil || ch.HandleType() == handles.TypeNone {
		if origin != nil && c.isPending(origin) {
			matches = append(matches, origin)
		}
		return matches, nil
	}

	found := origin == nil
	for _, r := range c.pending {
		if r.matches(ch) {
			matches = append(matches, r)
			if r == origin {
				found = true
			}
		}
	}
	if !found && c.isPending(origin) {
		c.log.Error("request for %s is not satisfied by channel %s it was tied to",
			origin.ChannelType, ch.ObjectPath())
		orphan = origin
	}
	return matches, orphan
}

func (c *Connection) satisfyRequests(ch Channel, origin *Request, isNew bool) {
	matches, orphan := c.matchingRequests(ch, origin)

	if isNew {
		suppress := false
		for _, r := range matches {
			suppress = suppress || r.SuppressHandler
		}
		c.bus.Publish(events.Event{
			Type:   events.NewChannel,
			Source: c.objectPath,
			Data:   NewChannelEvent{ChannelInfo: InfoOf(ch), SuppressHandler: suppress},
		})
	}

	path := ch.ObjectPath()
	for _, r := range matches {
		c.resolve(r, path, nil)
	}
	if orphan != nil {
		c.failRequest(orphan, tperror.NotAvailable("channel request was orphaned"))
	}
}

func (c *Connection) failMatching(ch Channel, origin *Request, err error) {
	matches, orphan := c.matchingRequests(ch, origin)
	if err == nil {
		err = tperror.NotAvailable("channel could not be created")
	}
	for _, r := range matches {
		c.failRequest(r, err)
	}
	if orphan != nil {
		c.failRequest(orphan, err)
	}
}

// sink is the Sink handed to factories.
type sink struct {
	c *Connection
}

func (s sink) NewChannel(ch Channel, req *Request) {
	s.c.log.Debug("new channel %s", ch.ObjectPath())
	s.c.satisfyRequests(ch, req, true)
}

func (s sink) ChannelError(ch Channel, req *Request, err error) {
	s.c.failMatching(ch, req, err)
}

func (s sink) ChannelClosed(ch Channel) {
	s.c.bus.Publish(events.Event{
		Type:   events.ChannelClosed,
		Source: s.c.objectPath,
		Data:   InfoOf(ch),
	})
}
