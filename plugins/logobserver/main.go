package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/meszmate/telepathy/pkg/plugin"
)

// LogObserver appends every observed event to a file as one JSON line
type LogObserver struct {
	mu   sync.Mutex
	path string
	log  hclog.Logger
}

type record struct {
	Time    time.Time            `json:"time"`
	Channel *plugin.ChannelEvent `json:"channel,omitempty"`
	Status  *plugin.StatusEvent  `json:"status,omitempty"`
}

// Info describes the plugin
func (o *LogObserver) Info(ctx context.Context) (plugin.Metadata, error) {
	return plugin.Metadata{
		Name:        "logobserver",
		Version:     "1.0.0",
		Description: "Appends channel and status events to a file",
	}, nil
}

// ObserveChannel records a channel event
func (o *LogObserver) ObserveChannel(ctx context.Context, ev plugin.ChannelEvent) error {
	o.log.Debug("channel event", "kind", ev.Kind, "path", ev.ObjectPath)
	return o.append(record{Time: time.Now(), Channel: &ev})
}

// StatusChanged records a status change
func (o *LogObserver) StatusChanged(ctx context.Context, ev plugin.StatusEvent) error {
	o.log.Debug("status event", "connection", ev.Connection, "status", ev.Status)
	return o.append(record{Time: time.Now(), Status: &ev})
}

func (o *LogObserver) append(r record) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "logobserver",
		Level:      hclog.LevelFromString(os.Getenv("LOGOBSERVER_LEVEL")),
		Output:     os.Stderr,
		JSONFormat: true,
	})

	path := os.Getenv("LOGOBSERVER_FILE")
	if path == "" {
		path = "telepathy-events.jsonl"
	}

	plugin.Serve(&LogObserver{path: path, log: logger}, logger)
}
