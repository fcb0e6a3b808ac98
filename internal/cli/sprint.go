package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sprintFlags runFlags

func init() {
	sprintFlags.register(sprintRunCmd)
	sprintCmd.AddCommand(sprintRunCmd)
	rootCmd.AddCommand(sprintCmd)
}

var sprintCmd = &cobra.Command{
	Use:   "sprint",
	Short: "Run a pre-declared, named subset of issues",
}

var sprintRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run the issues belonging to sprint NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}
		ids, ok := cfg.Sprints[name]
		if !ok {
			return fmt.Errorf("no sprint named %q declared in %s", name, configPath)
		}

		opts, err := sprintFlags.toRunOptions(false)
		if err != nil {
			return err
		}
		// The sprint's declared IDs are the admission scope; an explicit
		// --only further narrows it, --skip still excludes from it.
		if len(opts.Only) == 0 {
			opts.Only = ids
		} else {
			declared := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				declared[id] = struct{}{}
			}
			var narrowed []string
			for _, id := range opts.Only {
				if _, ok := declared[id]; ok {
					narrowed = append(narrowed, id)
				}
			}
			if len(narrowed) == 0 {
				return fmt.Errorf("--only matches none of sprint %q's issues", name)
			}
			opts.Only = narrowed
		}

		return runOrchestrator(opts, &sprintFlags)
	},
}
