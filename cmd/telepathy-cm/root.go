package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meszmate/telepathy/internal/account"
	"github.com/meszmate/telepathy/internal/config"
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/logging"
	"github.com/meszmate/telepathy/internal/storage/sqlite"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "telepathy-cm",
		Short:        "Telepathy connection manager",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "Config file (default: $XDG_CONFIG_HOME/telepathy/config.toml)")
	cmd.PersistentFlags().String("accounts", "", "Accounts file to seed from (default: $XDG_CONFIG_HOME/telepathy/accounts.toml)")
	cmd.PersistentFlags().String("data-dir", "", "Data directory, overriding the config file")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newPresenceCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFile(path)
	}
	if err != nil {
		return nil, err
	}

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		old := cfg.General.DataDir
		cfg.General.DataDir = dir
		if cfg.Logging.File == filepath.Join(old, config.AppName+".log") {
			cfg.Logging.File = filepath.Join(dir, config.AppName+".log")
		}
		if cfg.Plugins.PluginDir == filepath.Join(old, "plugins") {
			cfg.Plugins.PluginDir = filepath.Join(dir, "plugins")
		}
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func loadAccountsFile(cmd *cobra.Command) (*config.AccountsConfig, error) {
	path, _ := cmd.Flags().GetString("accounts")
	if path == "" {
		return config.LoadAccounts()
	}
	return config.LoadAccountsFile(path)
}

// env is what every subcommand works with: configuration, logging, the
// database and the account registry on top of it.
type env struct {
	cfg      *config.Config
	log      *logging.Logger
	db       *sqlite.DB
	bus      *events.Bus
	accounts *account.Manager
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.General.DataDir, 0700); err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sqlite.New(cfg.General.DataDir)
	if err != nil {
		log.Close()
		return nil, err
	}

	bus := events.NewBus()
	accounts, err := account.NewManager(account.Config{Store: db, Bus: bus, Logger: log})
	if err != nil {
		db.Close()
		log.Close()
		return nil, err
	}

	return &env{cfg: cfg, log: log, db: db, bus: bus, accounts: accounts}, nil
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		e.log.Warn("failed to close database: %v", err)
	}
	_ = e.log.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
