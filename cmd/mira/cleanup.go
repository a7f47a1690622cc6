package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCommand() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove sessions idle longer than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if days <= 0 {
				days = c.Config.Storage.RetentionDays
			}
			removed := c.Service.Cleanup(cmd.Context(), time.Duration(days)*24*time.Hour)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions idle for more than %d days\n", removed, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default: from config)")
	return cmd
}

func newDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Attempt delivery of queued offline messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			sent, err := c.Service.DrainQueue(cmd.Context())
			if err != nil {
				return err
			}
			depth, derr := c.Queue.Depth(cmd.Context())
			if derr != nil {
				return derr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d messages, %d still pending\n", sent, depth)
			return nil
		},
	}
}
