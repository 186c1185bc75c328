// Package plugin runs connection observers as separate processes over
// hashicorp/go-plugin. The host forwards channel and status events from the
// event bus to every loaded observer.
package plugin

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

// PluginName is the name observers are dispensed under.
const PluginName = "observer"

// Observer is the interface that all plugins must implement
type Observer interface {
	// Info describes the plugin
	Info(ctx context.Context) (Metadata, error)

	// ObserveChannel is called when a channel appears or closes
	ObserveChannel(ctx context.Context, ev ChannelEvent) error

	// StatusChanged is called when a connection changes status
	StatusChanged(ctx context.Context, ev StatusEvent) error
}

// Metadata contains plugin metadata
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Channel event kinds.
const (
	ChannelNew    = "new"
	ChannelClosed = "closed"
)

// ChannelEvent reports a channel appearing or closing.
type ChannelEvent struct {
	Connection      string `json:"connection"`
	Kind            string `json:"kind"`
	ObjectPath      string `json:"object_path"`
	ChannelType     string `json:"channel_type"`
	HandleType      string `json:"handle_type"`
	Handle          uint32 `json:"handle"`
	SuppressHandler bool   `json:"suppress_handler,omitempty"`
}

// StatusEvent reports a connection status change.
type StatusEvent struct {
	Connection string `json:"connection"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

// Handshake is the plugin handshake config
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "TELEPATHY_PLUGIN",
	MagicCookieValue: "observer",
}

// PluginMap is the plugin type map
var PluginMap = map[string]plugin.Plugin{
	PluginName: &ObserverPlugin{},
}

// ObserverPlugin is the go-plugin glue for an Observer. Only the gRPC
// protocol is supported.
type ObserverPlugin struct {
	plugin.NetRPCUnsupportedPlugin
	Impl Observer
}

// GRPCServer registers the observer service
func (p *ObserverPlugin) GRPCServer(broker *plugin.GRPCBroker, s *grpc.Server) error {
	RegisterObserverServer(s, p.Impl)
	return nil
}

// GRPCClient returns an Observer backed by the plugin process
func (p *ObserverPlugin) GRPCClient(ctx context.Context, broker *plugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewObserverClient(c), nil
}

// Serve runs o as a plugin. It is called from a plugin binary's main and
// does not return.
func Serve(o Observer, logger hclog.Logger) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &ObserverPlugin{Impl: o},
		},
		GRPCServer: plugin.DefaultGRPCServer,
		Logger:     logger,
	})
}
