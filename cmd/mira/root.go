package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mira",
		Short:         "Resilient conversational assistant core",
		Long:          "mira manages encrypted conversation sessions with content redaction,\nprovider circuit breaking, and offline queueing.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to mira-config.json (default: search . and $HOME)")

	root.AddCommand(
		newChatCommand(),
		newStatsCommand(),
		newCleanupCommand(),
		newDrainCommand(),
	)
	return root
}
