package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meszmate/telepathy/internal/account"
	"github.com/meszmate/telepathy/internal/config"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage stored accounts",
	}
	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsAddCmd())
	cmd.AddCommand(newAccountsRemoveCmd())
	cmd.AddCommand(newAccountsEnableCmd("enable", true))
	cmd.AddCommand(newAccountsEnableCmd("disable", false))
	return cmd
}

func newAccountsListCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			items := e.accounts.Accounts()
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			if len(items) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no accounts")
				return nil
			}
			for _, a := range items {
				state := "enabled"
				if !a.Enabled {
					state = "disabled"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					a.ObjectPath, a.DisplayName, state, a.RequestedPresence.Type)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newAccountsAddCmd() *cobra.Command {
	var (
		manager     string
		protocol    string
		displayName string
		params      []string
		disabled    bool
	)
	cmd := &cobra.Command{
		Use:   "add <account>",
		Short: "Add an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			parameters, err := parseParams(params)
			if err != nil {
				return err
			}
			parameters["account"] = args[0]
			if manager == "" {
				manager = e.cfg.Manager.Name
			}
			if protocol == "" {
				protocol = e.cfg.Manager.Protocol
			}

			a, err := e.accounts.CreateAccount(manager, protocol, displayName, parameters)
			if err != nil {
				return err
			}
			if disabled {
				if err := e.accounts.SetEnabled(a.ObjectPath, false); err != nil {
					return err
				}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), a.ObjectPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&manager, "manager", "", "Connection manager name (default from config)")
	cmd.Flags().StringVar(&protocol, "protocol", "", "Protocol name (default from config)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Connection parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the account disabled")
	return cmd
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <object-path>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.accounts.RemoveAccount(args[0])
		},
	}
}

func newAccountsEnableCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <object-path>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.accounts.SetEnabled(args[0], enabled)
		},
	}
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw)+1)
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

// seedAccounts creates the accounts from the accounts file that the
// registry does not have yet. It returns how many were created.
func seedAccounts(m *account.Manager, seeds []config.Account) (int, error) {
	created := 0
	for _, s := range seeds {
		id := s.Parameters["account"]
		if id == "" {
			return created, fmt.Errorf("account for %s/%s has no account parameter", s.Manager, s.Protocol)
		}
		if hasAccount(m, s.Manager, s.Protocol, id) {
			continue
		}
		a, err := m.CreateAccount(s.Manager, s.Protocol, s.DisplayName, s.Parameters)
		if err != nil {
			return created, fmt.Errorf("failed to seed account %s: %w", id, err)
		}
		if s.Disabled {
			if err := m.SetEnabled(a.ObjectPath, false); err != nil {
				return created, err
			}
		}
		created++
	}
	return created, nil
}

func hasAccount(m *account.Manager, manager, protocol, id string) bool {
	for _, a := range m.Accounts() {
		if a.Manager == manager && a.Protocol == protocol && a.ID() == id {
			return true
		}
	}
	return false
}
