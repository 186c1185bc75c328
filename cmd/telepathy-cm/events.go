package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var (
		conn       string
		limit      int
		offset     int
		outputJSON bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the channel and status event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			items, err := e.db.GetEvents(conn, limit, offset)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			if len(items) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no events")
				return nil
			}
			for _, ev := range items {
				target := ev.ObjectPath
				if target == "" {
					target = ev.Detail
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Connection, ev.Kind, target)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conn, "connection", "", "Only show events of this connection object path")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of events to skip")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")

	cmd.AddCommand(newEventsPruneCmd())
	cmd.AddCommand(newEventsStatsCmd())
	return cmd
}

func newEventsStatsCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the size of the event log and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			count, err := e.db.GetEventCount()
			if err != nil {
				return err
			}
			size, err := e.db.GetDatabaseSize()
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"events": count, "database_bytes": size})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "events: %d\ndatabase: %d bytes\n", count, size)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newEventsPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old events",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if !cmd.Flags().Changed("days") {
				days = e.cfg.Storage.EventRetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("retention must be at least one day")
			}
			deleted, err := e.db.DeleteOldEvents(days)
			if err != nil {
				return err
			}
			left, err := e.db.GetEventCount()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events, %d left\n", deleted, left)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Delete events older than this many days (default from config)")
	return cmd
}
