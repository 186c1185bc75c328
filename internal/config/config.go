package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// AppName names the XDG directories and default files.
const AppName = "telepathy"

// Config represents the connection manager configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Manager ManagerConfig `toml:"manager"`
	Plugins PluginsConfig `toml:"plugins"`
	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`
}

// GeneralConfig contains general settings
type GeneralConfig struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`
}

// ManagerConfig names the connection manager and the protocol it serves
type ManagerConfig struct {
	Name     string `toml:"name"`
	Protocol string `toml:"protocol"`
	// Handlers are the client names offered as possible handlers for new
	// channels, in order of preference.
	Handlers []string `toml:"handlers"`
}

// PluginsConfig contains plugin settings
type PluginsConfig struct {
	Enabled   []string `toml:"enabled"`
	PluginDir string   `toml:"plugin_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// LogEvents records channel and status events in the database
	LogEvents bool `toml:"log_events"`

	// EventRetentionDays is the number of days to keep events (0 = forever)
	EventRetentionDays int `toml:"event_retention_days"`

	// VacuumOnStartup runs database vacuum on startup
	VacuumOnStartup bool `toml:"vacuum_on_startup"`
}

// Account seeds an account into the account store
type Account struct {
	Manager     string            `toml:"manager"`
	Protocol    string            `toml:"protocol"`
	DisplayName string            `toml:"display_name"`
	Disabled    bool              `toml:"disabled"`
	Parameters  map[string]string `toml:"parameters"`
}

// AccountsConfig contains all account configurations
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
		},
		Manager: ManagerConfig{
			Name:     "loopback",
			Protocol: "jabber",
			Handlers: []string{},
		},
		Plugins: PluginsConfig{
			Enabled:   []string{},
			PluginDir: "",
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			LogEvents:          true,
			EventRetentionDays: 30,
			VacuumOnStartup:    false,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return nil, err
	}
	cacheDir, err := xdgDir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

func xdgDir(env, fallback string) (string, error) {
	dir := os.Getenv(env)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, fallback)
	}
	return filepath.Join(dir, AppName), nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	return loadFile(filepath.Join(paths.ConfigDir, "config.toml"), paths.DataDir)
}

// LoadFile loads the configuration from path. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	return loadFile(path, paths.DataDir)
}

func loadFile(path, defaultDataDir string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Expand paths
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = defaultDataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Plugins.PluginDir == "" {
		cfg.Plugins.PluginDir = filepath.Join(cfg.General.DataDir, "plugins")
	} else {
		cfg.Plugins.PluginDir = expandPath(cfg.Plugins.PluginDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, AppName+".log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

// LoadAccounts loads account configurations from the default accounts file
func LoadAccounts() (*AccountsConfig, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	return LoadAccountsFile(filepath.Join(paths.ConfigDir, "accounts.toml"))
}

// LoadAccountsFile loads account configurations from path
func LoadAccountsFile(path string) (*AccountsConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(path, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	for i := range accounts.Accounts {
		acc := &accounts.Accounts[i]
		if acc.Manager == "" || acc.Protocol == "" {
			return nil, fmt.Errorf("account %d in %s: manager and protocol are required", i, path)
		}
		if acc.Parameters == nil {
			acc.Parameters = map[string]string{}
		}
	}

	return &accounts, nil
}

// Save saves the configuration to the default config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}
	return SaveFile(filepath.Join(paths.ConfigDir, "config.toml"), cfg)
}

// SaveFile saves the configuration to path
func SaveFile(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
