package cmd

import (
	"fmt"

	"github.com/BeroLab/brok/brok"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Connect to Discord and answer mentions until interrupted",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := brok.New(cfg)
		if err != nil {
			return fmt.Errorf("starting brok: %w", err)
		}
		return bot.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
