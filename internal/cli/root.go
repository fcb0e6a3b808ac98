package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "line",
	Short: "Orchestrate a coding assistant across a parallel issue queue",
	Long: `line drives a coding-assistant CLI across a directory of Markdown issues,
scheduling work across a bounded worker pool (priority + blocked_by aware),
merging finished branches back through a single-writer coordinator, and
persisting enough state to resume an interrupted run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "line.yaml", "Path to the line config file")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("line %s\n", Version)
	},
}

// exitCodeErr lets a RunE func request a specific process exit code
// (spec.md §6: 0 success, 1 generic failure, 130 interrupted) without
// cobra printing a spurious error message for a non-zero-but-clean exit.
type exitCodeErr struct {
	code int
}

func (e *exitCodeErr) Error() string { return "" }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exitCodeErr); ok {
		return ee.code
	}
	fmt.Println(err)
	return 1
}
