// Package account keeps the registry of configured accounts: which
// connection manager and protocol each uses, its parameters, whether it is
// enabled, and the presence requested for it.
//
// The Manager is constructed once by the program's entry point and passed
// to whatever needs it.
package account

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meszmate/telepathy/internal/connection"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/logging"
	"github.com/meszmate/telepathy/internal/tperror"
)

// PathPrefix is the object path prefix of every account.
const PathPrefix = "/org/freedesktop/Telepathy/Account/"

// Account is a snapshot of one account.
type Account struct {
	ObjectPath        string
	Manager           string
	Protocol          string
	DisplayName       string
	Parameters        map[string]string
	Enabled           bool
	RequestedPresence Presence
	CurrentPresence   Presence
	CreatedAt         time.Time
}

// ID returns the protocol identifier of the account's user.
func (a Account) ID() string {
	return a.Parameters["account"]
}

// Valid reports whether the account has the parameters needed to connect.
func (a Account) Valid() bool {
	return a.ID() != ""
}

func (a Account) clone() Account {
	params := make(map[string]string, len(a.Parameters))
	for k, v := range a.Parameters {
		params[k] = v
	}
	a.Parameters = params
	return a
}

// Store persists accounts.
type Store interface {
	SaveAccount(a Account) error
	DeleteAccount(path string) error
	LoadAccounts() ([]Account, error)
}

// SettingsStore is optionally implemented by a Store that can also keep
// manager-wide settings.
type SettingsStore interface {
	SetSetting(key, value string) error
	Setting(key string) (string, error)
	DeleteSetting(key string) error
}

const requestedPresenceKey = "requested_presence"

// Config holds a Manager's collaborators. All fields are optional.
type Config struct {
	Store  Store
	Bus    *events.Bus
	Logger *logging.Logger
}

// Manager is the account registry.
type Manager struct {
	mu       sync.RWMutex
	store    Store
	bus      *events.Bus
	log      *logging.Logger
	accounts map[string]*Account

	requested         *Presence
	mostAvailable     Presence
	mostAvailablePath string
}

// NewManager creates a manager and loads the stored accounts.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		store:         cfg.Store,
		bus:           cfg.Bus,
		log:           cfg.Logger.Named("accounts"),
		accounts:      make(map[string]*Account),
		mostAvailable: Presence{Type: PresenceOffline},
	}
	if m.store != nil {
		stored, err := m.store.LoadAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		for _, a := range stored {
			a := a.clone()
			m.accounts[a.ObjectPath] = &a
		}
		m.updateMostAvailable()
	}
	if ss, ok := m.store.(SettingsStore); ok {
		raw, err := ss.Setting(requestedPresenceKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load requested presence: %w", err)
		}
		if raw != "" {
			var p Presence
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				m.log.Warn("ignoring stored requested presence: %v", err)
			} else {
				m.requested = &p
			}
		}
	}
	return m, nil
}

// CreateAccount adds an account for the given connection manager and
// protocol. params["account"] is the user's identifier.
func (m *Manager) CreateAccount(manager, protocol, displayName string, params map[string]string) (Account, error) {
	if !connection.ValidManagerName(manager) {
		return Account{}, tperror.InvalidArgument("invalid connection manager name %q", manager)
	}
	if protocol == "" {
		return Account{}, tperror.InvalidArgument("protocol must not be empty")
	}

	m.mu.Lock()
	a := &Account{
		Manager:     manager,
		Protocol:    protocol,
		DisplayName: displayName,
		Parameters:  map[string]string{},
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
	}
	for k, v := range params {
		a.Parameters[k] = v
	}
	if a.DisplayName == "" {
		a.DisplayName = a.ID()
	}
	if m.requested != nil {
		a.RequestedPresence = *m.requested
	}

	base := PathPrefix + manager + "/" + connection.EscapeAsIdentifier(protocol) + "/" +
		connection.EscapeAsIdentifier(a.ID())
	for i := 0; ; i++ {
		path := fmt.Sprintf("%s%d", base, i)
		if _, taken := m.accounts[path]; !taken {
			a.ObjectPath = path
			break
		}
	}

	if err := m.save(*a); err != nil {
		m.mu.Unlock()
		return Account{}, err
	}
	m.accounts[a.ObjectPath] = a
	out := a.clone()
	m.mu.Unlock()

	m.log.Info("created account %s", out.ObjectPath)
	m.publish(events.AccountChanged, out)
	return out, nil
}

// RemoveAccount deletes an account.
func (m *Manager) RemoveAccount(path string) error {
	m.mu.Lock()
	a, ok := m.accounts[path]
	if !ok {
		m.mu.Unlock()
		return tperror.NotAvailable("no account %s", path)
	}
	if m.store != nil {
		if err := m.store.DeleteAccount(path); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to delete account: %w", err)
		}
	}
	delete(m.accounts, path)
	out := a.clone()
	m.updateMostAvailable()
	m.mu.Unlock()

	m.log.Info("removed account %s", path)
	m.publish(events.AccountRemoved, out)
	return nil
}

// Account returns the account at path.
func (m *Manager) Account(path string) (Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[path]
	if !ok {
		return Account{}, false
	}
	return a.clone(), true
}

// Accounts returns every account ordered by object path.
func (m *Manager) Accounts() []Account {
	return m.filter(func(Account) bool { return true })
}

// UsableAccounts returns the valid accounts.
func (m *Manager) UsableAccounts() []Account {
	return m.filter(Account.Valid)
}

// EnabledAccounts returns the accounts that are valid and enabled.
func (m *Manager) EnabledAccounts() []Account {
	return m.filter(func(a Account) bool { return a.Valid() && a.Enabled })
}

func (m *Manager) filter(keep func(Account) bool) []Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Account
	for _, a := range m.accounts {
		if keep(*a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectPath < out[j].ObjectPath })
	return out
}

// SetEnabled enables or disables an account.
func (m *Manager) SetEnabled(path string, enabled bool) error {
	return m.update(path, func(a *Account) bool {
		if a.Enabled == enabled {
			return false
		}
		a.Enabled = enabled
		return true
	})
}

// SetCurrentPresence records the presence an account's connection reports.
func (m *Manager) SetCurrentPresence(path string, p Presence) error {
	return m.update(path, func(a *Account) bool {
		if a.CurrentPresence == p {
			return false
		}
		a.CurrentPresence = p
		return true
	})
}

// SetAllRequestedPresences requests p on every account, and on accounts
// created later.
func (m *Manager) SetAllRequestedPresences(p Presence) error {
	m.log.Debug("requesting presence %s (%s) on every account", p.Type, p.Status)

	m.mu.Lock()
	m.requested = &p
	if ss, ok := m.store.(SettingsStore); ok {
		raw, err := json.Marshal(p)
		if err == nil {
			err = ss.SetSetting(requestedPresenceKey, string(raw))
		}
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to save requested presence: %w", err)
		}
	}
	var changed []Account
	for _, a := range m.accounts {
		if a.RequestedPresence == p {
			continue
		}
		a.RequestedPresence = p
		if err := m.save(*a); err != nil {
			m.mu.Unlock()
			return err
		}
		changed = append(changed, a.clone())
	}
	m.mu.Unlock()

	for _, a := range changed {
		m.publish(events.AccountChanged, a)
	}
	return nil
}

// ClearRequestedPresence stops applying a requested presence to accounts
// created from now on. Existing accounts keep theirs.
func (m *Manager) ClearRequestedPresence() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = nil
	if ss, ok := m.store.(SettingsStore); ok {
		if err := ss.DeleteSetting(requestedPresenceKey); err != nil {
			return fmt.Errorf("failed to clear requested presence: %w", err)
		}
	}
	return nil
}

// MostAvailablePresence returns the current presence of the most available
// account, or offline if no account is more available than that.
func (m *Manager) MostAvailablePresence() (Presence, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mostAvailable, m.mostAvailablePath
}

func (m *Manager) update(path string, fn func(a *Account) bool) error {
	m.mu.Lock()
	a, ok := m.accounts[path]
	if !ok {
		m.mu.Unlock()
		return tperror.NotAvailable("no account %s", path)
	}
	if !fn(a) {
		m.mu.Unlock()
		return nil
	}
	if err := m.save(*a); err != nil {
		m.mu.Unlock()
		return err
	}
	m.updateMostAvailable()
	out := a.clone()
	m.mu.Unlock()

	m.publish(events.AccountChanged, out)
	return nil
}

// updateMostAvailable must be called with mu held.
func (m *Manager) updateMostAvailable() {
	best := Presence{Type: PresenceOffline}
	bestPath := ""
	paths := make([]string, 0, len(m.accounts))
	for path := range m.accounts {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		p := m.accounts[path].CurrentPresence
		if CompareAvailability(p.Type, best.Type) > 0 {
			best = p
			bestPath = path
		}
	}
	m.mostAvailable = best
	m.mostAvailablePath = bestPath
}

func (m *Manager) save(a Account) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveAccount(a); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (m *Manager) publish(t events.Type, a Account) {
	m.bus.Publish(events.Event{Type: t, Source: a.ObjectPath, Data: a})
}
