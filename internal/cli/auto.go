package cli

import (
	"github.com/spf13/cobra"
)

var autoFlags runFlags

func init() {
	autoFlags.register(autoCmd)
	rootCmd.AddCommand(autoCmd)
}

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Run every admitted issue one at a time, regardless of priority",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := autoFlags.toRunOptions(true)
		if err != nil {
			return err
		}
		return runOrchestrator(opts, &autoFlags)
	},
}
