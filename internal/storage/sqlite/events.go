package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/logging"
)

// Event kinds recorded in the log.
const (
	KindNewChannel    = "new-channel"
	KindChannelClosed = "channel-closed"
	KindStatus        = "status"
)

// ChannelEvent is one row of the event log.
type ChannelEvent struct {
	ID              int64
	Connection      string
	Kind            string
	ObjectPath      string
	ChannelType     string
	HandleType      handles.Type
	Handle          handles.Handle
	SuppressHandler bool
	Detail          string
	Timestamp       time.Time
}

func (d *DB) LogEvent(ev ChannelEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO channel_events (connection, kind, object_path, channel_type, handle_type, handle,
			suppress_handler, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Connection, ev.Kind, ev.ObjectPath, ev.ChannelType, ev.HandleType, ev.Handle,
		ev.SuppressHandler, ev.Detail, ts.UnixNano())
	return err
}

// GetEvents returns a connection's events, oldest first. An empty conn
// returns the events of every connection.
func (d *DB) GetEvents(conn string, limit, offset int) ([]ChannelEvent, error) {
	rows, err := d.db.Query(`
		SELECT id, connection, kind, object_path, channel_type, handle_type, handle,
			suppress_handler, detail, timestamp
		FROM channel_events
		WHERE ? = '' OR connection = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, conn, conn, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelEvent
	for rows.Next() {
		var ev ChannelEvent
		var ts int64
		var path, ctype, detail sql.NullString
		err := rows.Scan(&ev.ID, &ev.Connection, &ev.Kind, &path, &ctype, &ev.HandleType, &ev.Handle,
			&ev.SuppressHandler, &detail, &ts)
		if err != nil {
			return nil, err
		}
		ev.ObjectPath = path.String
		ev.ChannelType = ctype.String
		ev.Detail = detail.String
		ev.Timestamp = time.Unix(0, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (d *DB) DeleteOldEvents(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixNano()
	result, err := d.db.Exec("DELETE FROM channel_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *DB) GetEventCount() (int64, error) {
	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM channel_events").Scan(&count)
	return count, err
}

// Attach records every channel and status notification published on bus.
// The returned function detaches the log.
func (d *DB) Attach(bus *events.Bus, log *logging.Logger) func() {
	log = log.Named("eventlog")
	record := func(ev ChannelEvent) {
		if err := d.LogEvent(ev); err != nil {
			log.Error("failed to record %s event for %s: %v", ev.Kind, ev.Connection, err)
		}
	}

	unsubs := []func(){
		bus.Subscribe(events.NewChannel, func(e events.Event) {
			nc, ok := e.Data.(connection.NewChannelEvent)
			if !ok {
				return
			}
			ev := fromInfo(e.Source, KindNewChannel, nc.ChannelInfo)
			ev.SuppressHandler = nc.SuppressHandler
			record(ev)
		}),
		bus.Subscribe(events.ChannelClosed, func(e events.Event) {
			if info, ok := e.Data.(connection.ChannelInfo); ok {
				record(fromInfo(e.Source, KindChannelClosed, info))
			}
		}),
		bus.Subscribe(events.StatusChanged, func(e events.Event) {
			if sc, ok := e.Data.(connection.StatusChange); ok {
				record(ChannelEvent{
					Connection: e.Source,
					Kind:       KindStatus,
					Detail:     fmt.Sprintf("%s (%s)", sc.Status, sc.Reason),
				})
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func fromInfo(conn, kind string, info connection.ChannelInfo) ChannelEvent {
	return ChannelEvent{
		Connection:  conn,
		Kind:        kind,
		ObjectPath:  info.ObjectPath,
		ChannelType: info.ChannelType,
		HandleType:  info.HandleType,
		Handle:      info.Handle,
	}
}
