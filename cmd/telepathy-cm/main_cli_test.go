package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meszmate/telepathy/internal/account"
	"github.com/meszmate/telepathy/internal/config"
	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/dispatch"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/logging"
	"github.com/meszmate/telepathy/internal/storage/sqlite"
)

type cliEnv struct {
	dir      string
	cfgPath  string
	accounts string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	return &cliEnv{
		dir:      dir,
		cfgPath:  filepath.Join(dir, "config.toml"),
		accounts: filepath.Join(dir, "accounts.toml"),
	}
}

func (c *cliEnv) execute(ctx context.Context, args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{
		"--config", c.cfgPath,
		"--accounts", c.accounts,
		"--data-dir", filepath.Join(c.dir, "state"),
		"--log-level", "error",
	}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (c *cliEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.execute(context.Background(), args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestAccountsAddListRemove(t *testing.T) {
	c := newCLIEnv(t)

	path := strings.TrimSpace(c.run(t, "accounts", "add", "alice@example.com",
		"--display-name", "Alice", "--param", "password=secret"))
	if !strings.HasPrefix(path, account.PathPrefix+"loopback/jabber/") {
		t.Fatalf("unexpected account path %q", path)
	}

	var items []account.Account
	if err := json.Unmarshal([]byte(c.run(t, "accounts", "list", "--json")), &items); err != nil {
		t.Fatalf("failed to decode account list: %v", err)
	}
	if len(items) != 1 || items[0].DisplayName != "Alice" || items[0].Parameters["password"] != "secret" {
		t.Fatalf("accounts = %+v", items)
	}

	c.run(t, "accounts", "disable", path)
	if out := c.run(t, "accounts", "list"); !strings.Contains(out, "disabled") {
		t.Fatalf("account not disabled: %q", out)
	}

	c.run(t, "accounts", "remove", path)
	if out := c.run(t, "accounts", "list"); strings.TrimSpace(out) != "no accounts" {
		t.Fatalf("account not removed: %q", out)
	}
	if _, err := c.execute(context.Background(), "accounts", "remove", path); err == nil {
		t.Fatalf("expected an error removing a missing account")
	}
}

func TestAccountsAddRejectsBadParam(t *testing.T) {
	c := newCLIEnv(t)
	_, err := c.execute(context.Background(), "accounts", "add", "alice@example.com", "--param", "novalue")
	if err == nil || !strings.Contains(err.Error(), "key=value") {
		t.Fatalf("err = %v, want key=value error", err)
	}
}

func TestPresenceSetAppliesToAccounts(t *testing.T) {
	c := newCLIEnv(t)
	c.run(t, "accounts", "add", "alice@example.com")
	c.run(t, "presence", "set", "Away", "back soon")

	var items []account.Account
	if err := json.Unmarshal([]byte(c.run(t, "accounts", "list", "--json")), &items); err != nil {
		t.Fatalf("failed to decode account list: %v", err)
	}
	p := items[0].RequestedPresence
	if p.Type != account.PresenceAway || p.Message != "back soon" {
		t.Fatalf("requested presence = %+v", p)
	}

	if _, err := c.execute(context.Background(), "presence", "set", "sleepy"); err == nil {
		t.Fatalf("expected an error for an unknown presence")
	}

	bob := strings.TrimSpace(c.run(t, "accounts", "add", "bob@example.com"))
	c.run(t, "presence", "clear")
	carol := strings.TrimSpace(c.run(t, "accounts", "add", "carol@example.com"))

	if err := json.Unmarshal([]byte(c.run(t, "accounts", "list", "--json")), &items); err != nil {
		t.Fatalf("failed to decode account list: %v", err)
	}
	for _, a := range items {
		switch a.ObjectPath {
		case bob:
			if a.RequestedPresence.Type != account.PresenceAway {
				t.Fatalf("account created before clear has %+v", a.RequestedPresence)
			}
		case carol:
			if a.RequestedPresence.Type != account.PresenceUnset {
				t.Fatalf("account created after clear has %+v", a.RequestedPresence)
			}
		}
	}
}

func TestVersionJSON(t *testing.T) {
	c := newCLIEnv(t)
	var view map[string]string
	if err := json.Unmarshal([]byte(c.run(t, "version", "--json")), &view); err != nil {
		t.Fatalf("failed to decode version: %v", err)
	}
	if view["version"] != buildVersion {
		t.Fatalf("version = %+v", view)
	}
}

func TestSeedAccounts(t *testing.T) {
	m, err := account.NewManager(account.Config{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	seeds := []config.Account{
		{Manager: "loopback", Protocol: "jabber", Parameters: map[string]string{"account": "alice@example.com"}},
		{Manager: "loopback", Protocol: "jabber", Disabled: true, Parameters: map[string]string{"account": "bob@example.com"}},
	}

	created, err := seedAccounts(m, seeds)
	if err != nil || created != 2 {
		t.Fatalf("seedAccounts = %d, %v", created, err)
	}
	created, err = seedAccounts(m, seeds)
	if err != nil || created != 0 {
		t.Fatalf("second seedAccounts = %d, %v", created, err)
	}
	if got := len(m.EnabledAccounts()); got != 1 {
		t.Fatalf("%d enabled accounts, want 1", got)
	}

	_, err = seedAccounts(m, []config.Account{{Manager: "loopback", Protocol: "jabber", Parameters: map[string]string{}}})
	if err == nil {
		t.Fatalf("expected an error for a seed without an account parameter")
	}
}

func TestRunLogsConnectionLifecycle(t *testing.T) {
	c := newCLIEnv(t)
	seeds := `
[[accounts]]
manager = "loopback"
protocol = "jabber"
display_name = "Alice"

[accounts.parameters]
account = "alice@example.com"
`
	if err := os.WriteFile(c.accounts, []byte(seeds), 0600); err != nil {
		t.Fatalf("failed to write accounts file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out, err := c.execute(ctx, "run")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "running 1 connections") {
		t.Fatalf("run output = %q", out)
	}

	db, err := sqlite.New(filepath.Join(c.dir, "state"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	defer db.Close()
	evs, err := db.GetEvents("", 100, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	sawDisconnect := false
	for _, ev := range evs {
		if ev.Kind == sqlite.KindStatus && strings.HasPrefix(ev.Detail, "disconnected") {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("no disconnect recorded in %+v", evs)
	}

	var items []account.Account
	if err := json.Unmarshal([]byte(c.run(t, "accounts", "list", "--json")), &items); err != nil {
		t.Fatalf("failed to decode account list: %v", err)
	}
	if len(items) != 1 || items[0].CurrentPresence.Type != account.PresenceOffline {
		t.Fatalf("accounts after run = %+v", items)
	}

	var stats map[string]int64
	if err := json.Unmarshal([]byte(c.run(t, "events", "stats", "--json")), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats["events"] != int64(len(evs)) || stats["database_bytes"] <= 0 {
		t.Fatalf("stats = %+v, %d events logged", stats, len(evs))
	}
}

func TestConfigInit(t *testing.T) {
	c := newCLIEnv(t)
	if out := strings.TrimSpace(c.run(t, "config", "init")); out != c.cfgPath {
		t.Fatalf("config init wrote %q, want %q", out, c.cfgPath)
	}
	if _, err := c.execute(context.Background(), "config", "init"); err == nil {
		t.Fatalf("expected config init to refuse overwriting")
	}
	c.run(t, "config", "init", "--force")

	cfg, err := config.LoadFile(c.cfgPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Manager.Name != "loopback" || cfg.Logging.Level != "error" {
		t.Fatalf("saved config = %+v", cfg)
	}
	if out := c.run(t, "config", "show"); !strings.Contains(out, `name = "loopback"`) {
		t.Fatalf("config show = %q", out)
	}
}

func TestSupervisorFinishesDispatchOperations(t *testing.T) {
	for _, tc := range []struct {
		handlers []string
		want     string
	}{
		{[]string{"org.freedesktop.Telepathy.Client.Chat"}, "org.freedesktop.Telepathy.Client.Chat"},
		{nil, "loopback"},
	} {
		cfg := config.DefaultConfig()
		e := &env{cfg: cfg, log: logging.Discard(), bus: events.NewBus()}
		r := newSupervisor(e, false)
		d := dispatch.NewDispatcher(e.bus, e.log, tc.handlers, r.accountFor)
		d.OnOperation(r.finishOperation)

		rec := events.Record(e.bus)
		e.bus.Publish(events.Event{Type: events.NewChannel, Source: "/conn", Data: connection.NewChannelEvent{
			ChannelInfo: connection.ChannelInfo{
				ObjectPath:  "/conn/text/1",
				ChannelType: connection.ChannelTypeText,
				HandleType:  handles.TypeContact,
				Handle:      1,
			},
		}})

		finished := rec.OfType(events.DispatchFinished)
		if len(finished) != 1 || finished[0].Data.(dispatch.Finished).Handler != tc.want {
			t.Fatalf("handlers %v: finished = %+v", tc.handlers, finished)
		}
		if len(d.Operations()) != 0 {
			t.Fatalf("handlers %v: operations left: %v", tc.handlers, d.Operations())
		}
		d.Close()
		r.stop()
	}
}
