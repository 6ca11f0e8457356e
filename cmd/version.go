package cmd

import (
	"github.com/BeroLab/brok/brok"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf(
			"brok %s (commit %s, built %s)\n",
			brok.Version,
			brok.CommitSHA,
			brok.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
