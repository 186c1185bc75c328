// Package dispatch tracks channel dispatch operations: batches of new
// channels waiting for a handler to take them.
package dispatch

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/logging"
	"github.com/meszmate/telepathy/internal/tperror"
)

// PathPrefix is the object path prefix of every dispatch operation.
const PathPrefix = "/org/freedesktop/Telepathy/ChannelDispatchOperation/"

// Finished is the payload of an events.DispatchFinished notification.
type Finished struct {
	// Handler is the client that took the channels, or "" if the operation
	// ended because every channel was lost.
	Handler string
	Claimed bool
}

// ChannelLost is the payload of an events.DispatchChannelLost notification.
type ChannelLost struct {
	ObjectPath string
	Err        error
}

// Config describes a new operation.
type Config struct {
	ConnectionPath   string
	AccountPath      string
	Channels         []connection.ChannelInfo
	PossibleHandlers []string
	Bus              *events.Bus
	Logger           *logging.Logger
	// OnFinished is called once, after the operation has finished.
	OnFinished func(op *Operation)
}

// Operation is one dispatch operation. It is finished exactly once: by
// HandleWith, by Claim, or by losing its last channel.
type Operation struct {
	path             string
	connectionPath   string
	accountPath      string
	possibleHandlers []string
	bus              *events.Bus
	log              *logging.Logger
	onFinished       func(op *Operation)

	mu          sync.Mutex
	channels    []connection.ChannelInfo
	finished    bool
	handler     string
	invalidated error
}

// NewOperation creates an operation with a fresh object path.
func NewOperation(cfg Config) *Operation {
	return &Operation{
		path:             PathPrefix + "do" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		connectionPath:   cfg.ConnectionPath,
		accountPath:      cfg.AccountPath,
		channels:         append([]connection.ChannelInfo(nil), cfg.Channels...),
		possibleHandlers: append([]string(nil), cfg.PossibleHandlers...),
		bus:              cfg.Bus,
		log:              cfg.Logger.Named("dispatch"),
		onFinished:       cfg.OnFinished,
	}
}

func (op *Operation) ObjectPath() string     { return op.path }
func (op *Operation) ConnectionPath() string { return op.connectionPath }
func (op *Operation) AccountPath() string    { return op.accountPath }

// Channels returns the channels still being dispatched.
func (op *Operation) Channels() []connection.ChannelInfo {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]connection.ChannelInfo(nil), op.channels...)
}

// PossibleHandlers returns the handlers that may take the channels, most
// preferred first.
func (op *Operation) PossibleHandlers() []string {
	return append([]string(nil), op.possibleHandlers...)
}

// IsFinished reports whether the operation has finished.
func (op *Operation) IsFinished() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.finished
}

// Handler returns the client that took the channels.
func (op *Operation) Handler() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.handler
}

// Invalidated returns why the operation went away, or nil while it is live.
func (op *Operation) Invalidated() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.invalidated
}

// HandleWith gives the channels to handler. An empty handler means the most
// preferred possible handler.
func (op *Operation) HandleWith(handler string) error {
	op.mu.Lock()
	if op.finished {
		defer op.mu.Unlock()
		return tperror.NotYours("channels have already been dispatched to %s", op.handler)
	}
	if handler == "" {
		if len(op.possibleHandlers) == 0 {
			op.mu.Unlock()
			return tperror.NotAvailable("no possible handler")
		}
		handler = op.possibleHandlers[0]
	} else if !op.isPossibleHandler(handler) {
		op.mu.Unlock()
		return tperror.InvalidArgument("%s is not a possible handler", handler)
	}
	op.markFinished(handler)
	op.mu.Unlock()

	op.announceFinished(handler, false)
	return nil
}

// Claim gives the channels to claimant, which need not be a possible
// handler.
func (op *Operation) Claim(claimant string) error {
	op.mu.Lock()
	if op.finished {
		defer op.mu.Unlock()
		return tperror.NotYours("channels have already been dispatched to %s", op.handler)
	}
	op.markFinished(claimant)
	op.mu.Unlock()

	op.announceFinished(claimant, true)
	return nil
}

// ChannelLost removes a channel that closed before it was handled. When the
// last channel goes, the operation finishes without a handler. Unknown
// paths are ignored.
func (op *Operation) ChannelLost(path string, err error) {
	op.mu.Lock()
	if op.finished {
		op.mu.Unlock()
		return
	}
	idx := -1
	for i, ch := range op.channels {
		if ch.ObjectPath == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		op.mu.Unlock()
		op.log.Debug("don't know this channel: %s", path)
		return
	}
	op.channels = append(op.channels[:idx], op.channels[idx+1:]...)
	last := len(op.channels) == 0
	if last {
		op.markFinished("")
	}
	op.mu.Unlock()

	op.bus.Publish(events.Event{
		Type:   events.DispatchChannelLost,
		Source: op.path,
		Data:   ChannelLost{ObjectPath: path, Err: err},
	})
	if last {
		op.announceFinished("", false)
	}
}

func (op *Operation) isPossibleHandler(handler string) bool {
	for _, h := range op.possibleHandlers {
		if h == handler {
			return true
		}
	}
	return false
}

// markFinished must be called with op.mu held.
func (op *Operation) markFinished(handler string) {
	op.finished = true
	op.handler = handler
	op.invalidated = tperror.NotAvailable("ChannelDispatchOperation finished and was removed")
}

func (op *Operation) announceFinished(handler string, claimed bool) {
	op.log.Debug("%s finished, handler %q", op.path, handler)
	op.bus.Publish(events.Event{
		Type:   events.DispatchFinished,
		Source: op.path,
		Data:   Finished{Handler: handler, Claimed: claimed},
	})
	op.bus.Publish(events.Event{Type: events.DispatchInvalidated, Source: op.path, Data: op.Invalidated()})
	if op.onFinished != nil {
		op.onFinished(op)
	}
}
