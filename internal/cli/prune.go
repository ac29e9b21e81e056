package cli

import (
	"time"

	"github.com/spf13/cobra"

	"sigwatch/internal/app"
)

var (
	pruneOlderThan time.Duration
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete dispatch audit rows older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), app.PruneOptions{OlderThan: pruneOlderThan})
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Retention window, e.g. 720h")
}
