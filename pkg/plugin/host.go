package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/logging"
)

// callTimeout bounds a single call into a plugin.
const callTimeout = 5 * time.Second

// queueSize is how many events may wait for slow plugins before new ones
// are dropped.
const queueSize = 256

// Host manages plugin lifecycle
type Host struct {
	mu        sync.RWMutex
	plugins   map[string]*LoadedPlugin
	pluginDir string
	log       *logging.Logger

	queue  chan func()
	done   chan struct{}
	closed bool
}

// LoadedPlugin represents a loaded plugin
type LoadedPlugin struct {
	Metadata
	Path     string
	Observer Observer
	client   *plugin.Client
}

// NewHost creates a new plugin host
func NewHost(pluginDir string, log *logging.Logger) *Host {
	if log == nil {
		log = logging.Default()
	}
	h := &Host{
		plugins:   make(map[string]*LoadedPlugin),
		pluginDir: pluginDir,
		log:       log.Named("plugin"),
		queue:     make(chan func(), queueSize),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Host) run() {
	defer close(h.done)
	for fn := range h.queue {
		fn()
	}
}

// LoadAll loads the named plugins from the plugin directory. With no names
// every executable in the directory is loaded.
func (h *Host) LoadAll(enabled []string) error {
	if h.pluginDir == "" {
		return nil
	}

	names := enabled
	if len(names) == 0 {
		entries, err := os.ReadDir(h.pluginDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				names = append(names, entry.Name())
			}
		}
	}

	for _, name := range names {
		path := filepath.Join(h.pluginDir, name)
		if err := h.Load(path); err != nil {
			h.log.Error("failed to load plugin %s: %v", name, err)
		}
	}
	return nil
}

// Load starts the plugin binary at path and adds it to the host
func (h *Host) Load(path string) error {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap,
		Cmd:             exec.Command(path),
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolGRPC,
		},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + filepath.Base(path),
			Output: os.Stderr,
			Level:  hclog.LevelFromString(h.log.GetLevel().String()),
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to dispense plugin: %w", err)
	}

	o, ok := raw.(Observer)
	if !ok {
		client.Kill()
		return fmt.Errorf("plugin %s does not implement Observer", path)
	}

	if err := h.add(path, o, client); err != nil {
		client.Kill()
		return err
	}
	return nil
}

// Add registers an in-process observer.
func (h *Host) Add(o Observer) error {
	return h.add("", o, nil)
}

func (h *Host) add(path string, o Observer, client *plugin.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	md, err := o.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to describe plugin: %w", err)
	}
	if md.Name == "" {
		return fmt.Errorf("plugin %s has no name", path)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.plugins[md.Name]; ok {
		return fmt.Errorf("plugin %s is already loaded", md.Name)
	}
	h.plugins[md.Name] = &LoadedPlugin{Metadata: md, Path: path, Observer: o, client: client}
	h.log.Info("loaded plugin %s %s", md.Name, md.Version)
	return nil
}

// Unload unloads a plugin
func (h *Host) Unload(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lp := h.plugins[name]
	if lp == nil {
		return
	}
	if lp.client != nil {
		lp.client.Kill()
	}
	delete(h.plugins, name)
}

// List returns all loaded plugins ordered by name
func (h *Host) List() []*LoadedPlugin {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]*LoadedPlugin, 0, len(h.plugins))
	for _, lp := range h.plugins {
		result = append(result, lp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Get returns a specific plugin
func (h *Host) Get(name string) *LoadedPlugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.plugins[name]
}

// Attach forwards channel and status events from bus to every plugin, in
// the order they were published. The returned function detaches.
func (h *Host) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.NewChannel, func(e events.Event) {
			ev, ok := e.Data.(connection.NewChannelEvent)
			if !ok {
				return
			}
			ce := channelEvent(e.Source, ChannelNew, ev.ChannelInfo)
			ce.SuppressHandler = ev.SuppressHandler
			h.forward(func(ctx context.Context, o Observer) error { return o.ObserveChannel(ctx, ce) })
		}),
		bus.Subscribe(events.ChannelClosed, func(e events.Event) {
			info, ok := e.Data.(connection.ChannelInfo)
			if !ok {
				return
			}
			ce := channelEvent(e.Source, ChannelClosed, info)
			h.forward(func(ctx context.Context, o Observer) error { return o.ObserveChannel(ctx, ce) })
		}),
		bus.Subscribe(events.StatusChanged, func(e events.Event) {
			sc, ok := e.Data.(connection.StatusChange)
			if !ok {
				return
			}
			se := StatusEvent{Connection: e.Source, Status: sc.Status.String(), Reason: sc.Reason.String()}
			h.forward(func(ctx context.Context, o Observer) error { return o.StatusChanged(ctx, se) })
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func channelEvent(conn, kind string, info connection.ChannelInfo) ChannelEvent {
	return ChannelEvent{
		Connection:  conn,
		Kind:        kind,
		ObjectPath:  info.ObjectPath,
		ChannelType: info.ChannelType,
		HandleType:  info.HandleType.String(),
		Handle:      uint32(info.Handle),
	}
}

// forward queues call for every plugin loaded when the event arrived.
func (h *Host) forward(call func(ctx context.Context, o Observer) error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed || len(h.plugins) == 0 {
		return
	}
	targets := make([]*LoadedPlugin, 0, len(h.plugins))
	for _, lp := range h.plugins {
		targets = append(targets, lp)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })

	fn := func() {
		for _, lp := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			if err := call(ctx, lp.Observer); err != nil {
				h.log.Warn("plugin %s: %v", lp.Name, err)
			}
			cancel()
		}
	}
	select {
	case h.queue <- fn:
	default:
		h.log.Warn("plugin queue is full, dropping event")
	}
}

// Close delivers the queued events, then kills every plugin.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for name, lp := range h.plugins {
		if lp.client != nil {
			lp.client.Kill()
		}
		delete(h.plugins, name)
	}
}
