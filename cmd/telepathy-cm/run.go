package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meszmate/telepathy/internal/account"
	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/dispatch"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/xmpp"
	"github.com/meszmate/telepathy/pkg/plugin"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var network bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a connection per enabled account until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			seeds, err := loadAccountsFile(cmd)
			if err != nil {
				return err
			}
			created, err := seedAccounts(e.accounts, seeds.Accounts)
			if err != nil {
				return err
			}
			if created > 0 {
				e.log.Info("seeded %d accounts", created)
			}

			maintainStorage(e)
			if e.cfg.Storage.LogEvents {
				defer e.db.Attach(e.bus, e.log)()
			}

			host := plugin.NewHost(e.cfg.Plugins.PluginDir, e.log)
			defer host.Close()
			if len(e.cfg.Plugins.Enabled) > 0 {
				if err := host.LoadAll(e.cfg.Plugins.Enabled); err != nil {
					return fmt.Errorf("failed to load plugins: %w", err)
				}
			}
			defer host.Attach(e.bus)()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := newSupervisor(e, network)
			d := dispatch.NewDispatcher(e.bus, e.log, e.cfg.Manager.Handlers, r.accountFor)
			defer d.Close()
			d.OnOperation(r.finishOperation)

			r.start()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "running %d connections\n", r.count())

			<-ctx.Done()
			r.shutdown()
			return nil
		},
	}
	cmd.Flags().BoolVar(&network, "network", false, "Connect to real XMPP servers instead of the loopback server")
	return cmd
}

func maintainStorage(e *env) {
	if days := e.cfg.Storage.EventRetentionDays; days > 0 {
		deleted, err := e.db.DeleteOldEvents(days)
		if err != nil {
			e.log.Warn("failed to prune events: %v", err)
		} else if deleted > 0 {
			e.log.Info("pruned %d events older than %d days", deleted, days)
		}
	}
	if e.cfg.Storage.VacuumOnStartup {
		if err := e.db.Vacuum(); err != nil {
			e.log.Warn("failed to vacuum database: %v", err)
		}
	}
}

// nameRegistry hands out bus names within this process.
type nameRegistry struct {
	mu    sync.Mutex
	names map[string]bool
}

func (n *nameRegistry) RequestName(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.names[name] {
		return fmt.Errorf("name %s is already taken", name)
	}
	n.names[name] = true
	return nil
}

type running struct {
	accountPath string
	conn        *xmpp.Connection
	done        chan error
}

// supervisor owns the connections of one run.
type supervisor struct {
	env      *env
	network  bool
	registry *nameRegistry

	mu    sync.Mutex
	conns []*running
	paths map[string]string // connection object path -> account object path
	stop  func()
}

func newSupervisor(e *env, network bool) *supervisor {
	r := &supervisor{
		env:      e,
		network:  network,
		registry: &nameRegistry{names: make(map[string]bool)},
		paths:    make(map[string]string),
	}
	r.stop = e.bus.Subscribe(events.StatusChanged, r.onStatus)
	return r
}

func (r *supervisor) accountFor(connectionPath string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[connectionPath]
}

func (r *supervisor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// onStatus marks an account offline when its connection goes away.
func (r *supervisor) onStatus(e events.Event) {
	sc, ok := e.Data.(connection.StatusChange)
	if !ok || sc.Status != connection.StatusDisconnected {
		return
	}
	path := r.accountFor(e.Source)
	if path == "" {
		return
	}
	offline := account.Presence{Type: account.PresenceOffline, Status: "offline"}
	if err := r.env.accounts.SetCurrentPresence(path, offline); err != nil {
		r.env.log.Warn("failed to mark %s offline: %v", path, err)
	}
}

// finishOperation gives a dispatched channel to the preferred handler. With
// no handlers configured the manager claims it, so nothing stays pending.
func (r *supervisor) finishOperation(op *dispatch.Operation) {
	var err error
	if len(op.PossibleHandlers()) > 0 {
		err = op.HandleWith("")
	} else {
		err = op.Claim(r.env.cfg.Manager.Name)
	}
	if err != nil {
		r.env.log.Warn("failed to dispatch %s: %v", op.ObjectPath(), err)
		return
	}
	r.env.log.Debug("dispatched %s to %s", op.ObjectPath(), op.Handler())
}

func (r *supervisor) start() {
	cfg := r.env.cfg
	for _, a := range r.env.accounts.UsableAccounts() {
		if a.Manager != cfg.Manager.Name || a.Protocol != xmpp.ProtocolName {
			r.env.log.Debug("skipping %s, served by %s/%s", a.ObjectPath, a.Manager, a.Protocol)
			continue
		}
		if err := r.startAccount(a); err != nil {
			r.env.log.Error("failed to start %s: %v", a.ObjectPath, err)
		}
	}
}

func (r *supervisor) transportFor(a account.Account) xmpp.Transport {
	if !r.network {
		return xmpp.NewLoopbackTransport()
	}
	port, _ := strconv.Atoi(a.Parameters["port"])
	return xmpp.NewSessionTransport(xmpp.SessionConfig{
		Password: a.Parameters["password"],
		Server:   a.Parameters["server"],
		Port:     port,
		Resource: a.Parameters["resource"],
		Logger:   r.env.log,
	})
}

func (r *supervisor) startAccount(a account.Account) error {
	cfg := r.env.cfg
	x, err := xmpp.NewConnection(xmpp.Config{
		Account:          a.ID(),
		Nick:             a.Parameters["nick"],
		ManagerName:      cfg.Manager.Name,
		ConferenceServer: a.Parameters["conference-server"],
		Transport:        r.transportFor(a),
		Bus:              r.env.bus,
		Logger:           r.env.log,
		Registry:         r.registry,
	})
	if err != nil {
		return err
	}

	accountPath := a.ObjectPath
	x.OnPresenceChanged(func(p account.Presence) {
		if err := r.env.accounts.SetCurrentPresence(accountPath, p); err != nil {
			r.env.log.Warn("failed to record presence of %s: %v", accountPath, err)
		}
	})

	rc := &running{accountPath: accountPath, conn: x, done: make(chan error, 1)}
	go func() { rc.done <- x.Run(context.Background()) }()

	r.mu.Lock()
	r.paths[x.ObjectPath()] = accountPath
	r.conns = append(r.conns, rc)
	r.mu.Unlock()

	requested := a.RequestedPresence
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var connectErr error
	err = x.Do(ctx, func() {
		if requested.Type != account.PresenceUnset {
			if err := x.SetPresence(requested); err != nil {
				r.env.log.Warn("ignoring requested presence of %s: %v", accountPath, err)
			}
		}
		if !cfg.General.AutoConnect || requested.Type == account.PresenceOffline {
			return
		}
		connectErr = x.Connect()
	})
	if err != nil {
		return err
	}
	return connectErr
}

// shutdown disconnects every connection and waits for each to finish.
func (r *supervisor) shutdown() {
	r.mu.Lock()
	conns := r.conns
	r.mu.Unlock()

	for _, rc := range conns {
		finished := make(chan struct{})
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := rc.conn.Do(ctx, func() {
			rc.conn.Disconnect(func(error) { close(finished) })
		})
		if err == nil {
			select {
			case <-finished:
			case <-ctx.Done():
				r.env.log.Warn("connection for %s did not shut down in time", rc.accountPath)
			}
		}
		cancel()
		rc.conn.Stop()
		<-rc.done
	}
	r.stop()
}
