package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/re-cinq/line/internal/issue"
	"github.com/re-cinq/line/internal/orchestrator"
)

// runFlags holds the admission/scheduling overrides shared by `parallel`
// and `auto` (spec.md §6's flag set).
type runFlags struct {
	maxWorkers    int
	maxIssues     int
	category      string
	dryRun        bool
	resume        bool
	only          string
	skip          string
	priority      string
	quiet         bool
	timeoutSecs   int
	claudeTimeout int
	idleTimeout   int
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxWorkers, "max-workers", 0, "Override settings.max_workers")
	cmd.Flags().IntVar(&f.maxIssues, "max-issues", 0, "Override settings.max_issues_per_run")
	cmd.Flags().StringVar(&f.category, "category", "", "Only admit issues in this category")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Print the admission plan and exit without running anything")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "Resume from the last persisted state")
	cmd.Flags().StringVar(&f.only, "only", "", "Comma-separated issue IDs; admit only these")
	cmd.Flags().StringVar(&f.skip, "skip", "", "Comma-separated issue IDs to exclude")
	cmd.Flags().StringVar(&f.priority, "priority", "", "Comma-separated priorities (e.g. P0,P1); empty means all")
	cmd.Flags().BoolVar(&f.quiet, "quiet", false, "Suppress progress output")
	cmd.Flags().IntVar(&f.timeoutSecs, "timeout", 0, "Override settings.timeout_per_issue, in seconds")
	cmd.Flags().IntVar(&f.claudeTimeout, "claude-timeout", 0, "Override settings.claude_timeout, in seconds")
	cmd.Flags().IntVar(&f.idleTimeout, "idle-timeout", 0, "Override settings.idle_timeout, in seconds")
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePriorities(s string) ([]issue.Priority, error) {
	ids := splitCSV(s)
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]issue.Priority, 0, len(ids))
	for _, id := range ids {
		p, err := issue.ParsePriority(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// toRunOptions builds an orchestrator.RunOptions from the parsed flags.
// sequential forces every admitted issue through the one-at-a-time class,
// matching the `auto` command's semantics.
func (f *runFlags) toRunOptions(sequential bool) (orchestrator.RunOptions, error) {
	priorities, err := parsePriorities(f.priority)
	if err != nil {
		return orchestrator.RunOptions{}, fmt.Errorf("--priority: %w", err)
	}

	return orchestrator.RunOptions{
		MaxWorkers: f.maxWorkers,
		MaxIssues:  f.maxIssues,
		Category:   f.category,
		DryRun:     f.dryRun,
		Resume:     f.resume,
		Only:       splitCSV(f.only),
		Skip:       splitCSV(f.skip),
		Priorities: priorities,
		Sequential: sequential,
		Quiet:      f.quiet,
	}, nil
}

// runOrchestrator loads and validates the config, resolves the repo
// root, wires the assistant CLI, and executes one orchestrator run,
// returning the process exit code wrapped as an *exitCodeErr so the
// RunE caller can simply `return`.
func runOrchestrator(opts orchestrator.RunOptions, f *runFlags) error {
	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
	}
	if f.timeoutSecs != 0 {
		cfg.Settings.TimeoutPerIssue = secondsToDuration(f.timeoutSecs)
	}
	if f.claudeTimeout != 0 {
		cfg.Settings.ClaudeTimeout = secondsToDuration(f.claudeTimeout)
	}
	if f.idleTimeout != 0 {
		cfg.Settings.IdleTimeout = secondsToDuration(f.idleTimeout)
	}

	repoDir, err := resolveRepo(configPath)
	if err != nil {
		return err
	}

	repo, lock := buildRepo(repoDir)
	cli := buildAssistantCLI(cfg)

	o := orchestrator.New(cfg, opts, repoDir, repo, lock, cli, issue.DirScanner{}, nil)
	code := o.Run(context.Background())
	if code != 0 {
		return &exitCodeErr{code: code}
	}
	return nil
}
