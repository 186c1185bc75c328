package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meszmate/telepathy/internal/account"
)

func newPresenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Show or request presence",
	}
	cmd.AddCommand(newPresenceSetCmd())
	cmd.AddCommand(newPresenceShowCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Stop requesting a presence for new accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.accounts.ClearRequestedPresence()
		},
	})
	return cmd
}

func newPresenceSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <type> [message]",
		Short: "Request a presence on every account",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToLower(args[0])
			t, ok := account.ParsePresenceType(name)
			if !ok || t == account.PresenceUnset {
				return fmt.Errorf("unknown presence type %q", args[0])
			}
			p := account.Presence{Type: t, Status: name}
			if len(args) == 2 {
				p.Message = args[1]
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.accounts.SetAllRequestedPresences(p)
		},
	}
}

func newPresenceShowCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the most available account presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			p, path := e.accounts.MostAvailablePresence()
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"presence": p, "account": path})
			}
			if path == "" {
				path = "-"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.Type, path, p.Message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
