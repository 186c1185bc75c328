package dispatch

import (
	"sort"
	"sync"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/logging"
	"github.com/meszmate/telepathy/internal/tperror"
)

// Dispatcher turns announced channels into dispatch operations. Channels a
// requester asked to handle itself are not dispatched.
type Dispatcher struct {
	mu          sync.Mutex
	bus         *events.Bus
	log         *logging.Logger
	handlers    []string
	accountPath func(connectionPath string) string
	ops         map[string]*Operation
	onOperation func(op *Operation)
	stop        []func()
}

// NewDispatcher subscribes to bus. accountPath maps a connection's object
// path to its account and may be nil.
func NewDispatcher(bus *events.Bus, log *logging.Logger, handlers []string,
	accountPath func(connectionPath string) string) *Dispatcher {
	d := &Dispatcher{
		bus:         bus,
		log:         log.Named("dispatcher"),
		handlers:    append([]string(nil), handlers...),
		accountPath: accountPath,
		ops:         make(map[string]*Operation),
	}
	d.stop = append(d.stop,
		bus.Subscribe(events.NewChannel, d.onNewChannel),
		bus.Subscribe(events.ChannelClosed, d.onChannelClosed),
	)
	return d
}

// OnOperation sets fn to run for every new operation, after it is tracked.
// fn may finish the operation.
func (d *Dispatcher) OnOperation(fn func(op *Operation)) {
	d.mu.Lock()
	d.onOperation = fn
	d.mu.Unlock()
}

// Close stops following the bus.
func (d *Dispatcher) Close() {
	for _, stop := range d.stop {
		stop()
	}
	d.stop = nil
}

func (d *Dispatcher) onNewChannel(e events.Event) {
	ev, ok := e.Data.(connection.NewChannelEvent)
	if !ok || ev.SuppressHandler {
		return
	}
	account := ""
	if d.accountPath != nil {
		account = d.accountPath(e.Source)
	}
	op := NewOperation(Config{
		ConnectionPath:   e.Source,
		AccountPath:      account,
		Channels:         []connection.ChannelInfo{ev.ChannelInfo},
		PossibleHandlers: d.handlers,
		Bus:              d.bus,
		Logger:           d.log,
		OnFinished:       d.forget,
	})

	d.mu.Lock()
	d.ops[op.ObjectPath()] = op
	fn := d.onOperation
	d.mu.Unlock()
	d.log.Debug("dispatching %s as %s", ev.ObjectPath, op.ObjectPath())
	if fn != nil {
		fn(op)
	}
}

func (d *Dispatcher) onChannelClosed(e events.Event) {
	info, ok := e.Data.(connection.ChannelInfo)
	if !ok {
		return
	}
	for _, op := range d.Operations() {
		if op.ConnectionPath() != e.Source {
			continue
		}
		op.ChannelLost(info.ObjectPath, tperror.NotAvailable("channel closed"))
	}
}

func (d *Dispatcher) forget(op *Operation) {
	d.mu.Lock()
	delete(d.ops, op.ObjectPath())
	d.mu.Unlock()
}

// Operation returns the live operation at path.
func (d *Dispatcher) Operation(path string) (*Operation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.ops[path]
	return op, ok
}

// Operations returns the live operations ordered by path.
func (d *Dispatcher) Operations() []*Operation {
	d.mu.Lock()
	out := make([]*Operation, 0, len(d.ops))
	for _, op := range d.ops {
		out = append(out, op)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}
