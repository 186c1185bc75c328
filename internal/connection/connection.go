// Package connection implements the core of a Telepathy connection: the
// status state machine, the per-type handle repositories, and dispatch of
// channel requests to channel factories.
//
// A Connection is confined to one logical thread (see internal/mainloop).
// Factories call back into it re-entrantly through their Sink, so it holds
// no locks; events arriving on other goroutines must be posted to the loop.
package connection

import (
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/logging"
	"github.com/meszmate/telepathy/internal/tperror"
)

// Status is the connection status as reported to clients.
type Status int

const (
	StatusConnected    Status = 0
	StatusConnecting   Status = 1
	StatusDisconnected Status = 2

	// StatusNew is the state before Connect. Clients see it as
	// StatusDisconnected.
	StatusNew Status = -1
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusConnecting:
		return "connecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusNew:
		return "new"
	default:
		return "unknown"
	}
}

// Reason explains a status change.
type Reason int

const (
	ReasonNoneSpecified Reason = iota
	ReasonRequested
	ReasonNetworkError
	ReasonAuthenticationFailed
	ReasonEncryptionError
	ReasonNameInUse
	ReasonCertNotProvided
	ReasonCertUntrusted
)

func (r Reason) String() string {
	switch r {
	case ReasonNoneSpecified:
		return "none-specified"
	case ReasonRequested:
		return "requested"
	case ReasonNetworkError:
		return "network-error"
	case ReasonAuthenticationFailed:
		return "authentication-failed"
	case ReasonEncryptionError:
		return "encryption-error"
	case ReasonNameInUse:
		return "name-in-use"
	case ReasonCertNotProvided:
		return "cert-not-provided"
	case ReasonCertUntrusted:
		return "cert-untrusted"
	default:
		return "unknown"
	}
}

// StatusChange is the payload of an events.StatusChanged notification.
type StatusChange struct {
	Status Status
	Reason Reason
}

// Protocol is what a concrete connection manager supplies.
type Protocol interface {
	// Name is the protocol name, e.g. "jabber".
	Name() string
	// CreateHandleRepos fills in the repositories for the handle types the
	// protocol supports.
	CreateHandleRepos(repos *handles.Repos)
	// CreateFactories returns the channel factories, in the order they are
	// consulted. Each factory reports back through sink.
	CreateFactories(c *Connection, sink Sink) []Factory
	// StartConnecting begins connecting. It must eventually move the
	// connection to CONNECTED (after setting the self handle) or
	// DISCONNECTED.
	StartConnecting(c *Connection) error
	// ShutDown releases protocol resources and must eventually call
	// FinishShutdown.
	ShutDown(c *Connection)
}

// ConnectingHook is optionally implemented by a Protocol.
type ConnectingHook interface {
	Connecting(c *Connection)
}

// ConnectedHook is optionally implemented by a Protocol.
type ConnectedHook interface {
	Connected(c *Connection)
}

// DisconnectedHook is optionally implemented by a Protocol. It is only
// called if the connection got past NEW.
type DisconnectedHook interface {
	Disconnected(c *Connection)
}

// Config holds a connection's collaborators. All fields are optional.
type Config struct {
	Bus      *events.Bus
	Logger   *logging.Logger
	Registry NameRegistry
}

// selfOwner is the owner token under which the connection holds its self
// handle.
const selfOwner handles.Owner = "<connection-self>"

// Connection is one session of one account.
type Connection struct {
	proto    Protocol
	bus      *events.Bus
	log      *logging.Logger
	registry NameRegistry

	status     Status
	selfHandle handles.Handle
	repos      handles.Repos
	factories  []Factory
	pending    []*Request
	interfaces []string

	busName    string
	objectPath string

	// Disconnect callers waiting for FinishShutdown. Non-nil from the
	// moment shutdown starts until it finishes.
	disconnectWaiters []func(error)
	shutdownFinished  bool
}

// New creates a connection in status NEW.
func New(proto Protocol, cfg Config) *Connection {
	c := &Connection{
		proto:    proto,
		bus:      cfg.Bus,
		log:      cfg.Logger.Named("connection"),
		registry: cfg.Registry,
		status:   StatusNew,
	}
	proto.CreateHandleRepos(&c.repos)
	c.factories = proto.CreateFactories(c, sink{c})
	return c
}

// Protocol returns the protocol name.
func (c *Connection) Protocol() string {
	return c.proto.Name()
}

// Bus returns the event bus notifications are published on.
func (c *Connection) Bus() *events.Bus {
	return c.bus
}

// Logger returns the connection's logger.
func (c *Connection) Logger() *logging.Logger {
	return c.log
}

// Status returns the status as clients see it.
func (c *Connection) Status() Status {
	if c.status == StatusNew {
		return StatusDisconnected
	}
	return c.status
}

// InternalStatus returns the status including NEW.
func (c *Connection) InternalStatus() Status {
	return c.status
}

func (c *Connection) requireConnected() error {
	if c.status != StatusConnected {
		return tperror.Disconnected("connection is not connected")
	}
	return nil
}

// Repo returns the repository for t, regardless of status.
func (c *Connection) Repo(t handles.Type) (handles.Repo, error) {
	return c.repos.Get(t)
}

// CurrentSelfHandle returns the self handle, or 0 if there is none.
func (c *Connection) CurrentSelfHandle() handles.Handle {
	return c.selfHandle
}

// SelfHandle returns the self handle of a connected connection.
func (c *Connection) SelfHandle() (handles.Handle, error) {
	if err := c.requireConnected(); err != nil {
		return 0, err
	}
	return c.selfHandle, nil
}

// SetSelfHandle makes h the self handle, taking a reference to it and
// releasing the previous one.
func (c *Connection) SetSelfHandle(h handles.Handle) error {
	repo, err := c.repos.Get(handles.TypeContact)
	if err != nil {
		return err
	}
	if h == c.selfHandle {
		return nil
	}
	if h != 0 {
		if err := repo.Ref(h, selfOwner); err != nil {
			return err
		}
	}
	if c.selfHandle != 0 {
		_ = repo.Unref(c.selfHandle, selfOwner)
	}
	c.selfHandle = h
	return nil
}

// EnsureSelfHandle interns id as a contact and makes it the self handle.
func (c *Connection) EnsureSelfHandle(id string) (handles.Handle, error) {
	repo, err := c.repos.Get(handles.TypeContact)
	if err != nil {
		return 0, err
	}
	h, err := repo.Ensure(id, selfOwner)
	if err != nil {
		return 0, err
	}
	err = c.SetSelfHandle(h)
	_ = repo.Unref(h, selfOwner)
	if err != nil {
		return 0, err
	}
	return h, nil
}

// Interfaces returns the extra interfaces the connection implements.
func (c *Connection) Interfaces() ([]string, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	return append([]string(nil), c.interfaces...), nil
}

// AddInterfaces adds to the interface list. The list is fixed once the
// connection is CONNECTED.
func (c *Connection) AddInterfaces(ifaces ...string) error {
	if c.status == StatusConnected {
		return tperror.NotAvailable("interfaces cannot change once connected")
	}
	c.interfaces = append(c.interfaces, ifaces...)
	return nil
}

// Connect starts connecting. It is a no-op unless the connection is NEW.
// If the protocol fails to start, the error is returned and the connection
// stays NEW.
func (c *Connection) Connect() error {
	if c.status != StatusNew {
		return nil
	}
	if err := c.proto.StartConnecting(c); err != nil {
		c.log.Warn("failed to start connecting: %v", err)
		return err
	}
	if c.status == StatusNew {
		c.ChangeStatus(StatusConnecting, ReasonRequested)
	}
	return nil
}

// Disconnect moves the connection to DISCONNECTED. done, if non-nil, is
// called once shutdown has finished.
func (c *Connection) Disconnect(done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if c.shutdownFinished {
		done(nil)
		return
	}
	c.disconnectWaiters = append(c.disconnectWaiters, done)
	if c.status != StatusDisconnected {
		c.ChangeStatus(StatusDisconnected, ReasonRequested)
	}
}

// ChangeStatus moves the connection to status and runs the associated
// side effects. Protocols call it to report CONNECTED or a failure.
func (c *Connection) ChangeStatus(status Status, reason Reason) {
	prev := c.status
	if status == prev {
		c.log.Warn("attempted to re-emit the current status %s, reason %s", status, reason)
		return
	}
	if status == StatusNew {
		c.log.Error("cannot move back to status new")
		return
	}
	if prev == StatusNew && status == StatusConnected {
		c.ChangeStatus(StatusConnecting, reason)
		prev = c.status
	}
	if prev == StatusDisconnected {
		c.log.Warn("ignoring change to %s after disconnection", status)
		return
	}

	c.log.Info("status %s -> %s (%s)", prev, status, reason)
	c.status = status

	if status == StatusConnected {
		if repo, err := c.repos.Get(handles.TypeContact); err != nil || c.selfHandle == 0 || !repo.IsValid(c.selfHandle) {
			c.log.Error("connected without a valid self handle")
		}
	}

	if status == StatusDisconnected {
		c.closeAllChannels()
		if c.selfHandle != 0 {
			if repo, err := c.repos.Get(handles.TypeContact); err == nil {
				_ = repo.Unref(c.selfHandle, selfOwner)
			}
			c.selfHandle = 0
		}
	}

	c.bus.Publish(events.Event{
		Type:   events.StatusChanged,
		Source: c.objectPath,
		Data:   StatusChange{Status: status, Reason: reason},
	})

	switch status {
	case StatusConnecting:
		if h, ok := c.proto.(ConnectingHook); ok {
			h.Connecting(c)
		}
		c.eachObserver(StatusObserver.Connecting)
	case StatusConnected:
		if h, ok := c.proto.(ConnectedHook); ok {
			h.Connected(c)
		}
		c.eachObserver(StatusObserver.Connected)
	case StatusDisconnected:
		if prev != StatusNew {
			if h, ok := c.proto.(DisconnectedHook); ok {
				h.Disconnected(c)
			}
			c.eachObserver(StatusObserver.Disconnected)
		}
		c.proto.ShutDown(c)
	}
}

func (c *Connection) eachObserver(fn func(StatusObserver)) {
	for _, f := range c.factories {
		if o, ok := f.(StatusObserver); ok {
			fn(o)
		}
	}
}

// closeAllChannels closes every factory's channels, then fails whatever
// requests are still pending.
func (c *Connection) closeAllChannels() {
	for _, f := range c.factories {
		f.CloseAll()
	}
	pending := c.pending
	c.pending = nil
	for _, req := range pending {
		if req.Resolved() {
			continue
		}
		reply := req.reply
		req.reply = nil
		reply("", tperror.Disconnected("unable to service this channel request, we're disconnecting!"))
	}
}

// FinishShutdown is called by the protocol once ShutDown has completed. It
// answers every waiting Disconnect call.
func (c *Connection) FinishShutdown() {
	if c.shutdownFinished {
		return
	}
	if c.status != StatusDisconnected {
		c.log.Error("shutdown finished while status is %s", c.status)
		return
	}
	c.shutdownFinished = true
	waiters := c.disconnectWaiters
	c.disconnectWaiters = nil
	for _, done := range waiters {
		done(nil)
	}
	c.bus.Publish(events.Event{Type: events.ShutdownFinished, Source: c.objectPath})
}

// ShutdownFinished reports whether FinishShutdown has been called.
func (c *Connection) ShutdownFinished() bool {
	return c.shutdownFinished
}

// ListChannels returns every live channel.
func (c *Connection) ListChannels() ([]ChannelInfo, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	var out []ChannelInfo
	for _, f := range c.factories {
		f.ForEach(func(ch Channel) {
			out = append(out, InfoOf(ch))
		})
	}
	return out, nil
}
