package cli

import (
	"github.com/spf13/cobra"
)

var parallelFlags runFlags

func init() {
	parallelFlags.register(parallelCmd)
	rootCmd.AddCommand(parallelCmd)
}

var parallelCmd = &cobra.Command{
	Use:   "parallel",
	Short: "Run the parallel scheduler: P0 sequential, P1-P5 bounded by max_workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parallelFlags.toRunOptions(false)
		if err != nil {
			return err
		}
		return runOrchestrator(opts, &parallelFlags)
	},
}
