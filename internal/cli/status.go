package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/re-cinq/line/internal/config"
	"github.com/re-cinq/line/internal/fileutil"
	"github.com/re-cinq/line/internal/issue"
	"github.com/re-cinq/line/internal/orchestrator"
)

var (
	statusFollow   bool
	statusInterval float64
)

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "Seconds between updates (with --follow)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every scanned issue against the last persisted state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}

		if statusFollow {
			return followStatus(cfg, repoDir)
		}
		return showStatus(cfg, repoDir)
	},
}

func followStatus(cfg *config.Config, repoDir string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	var lastOutput string

	for {
		var buf bytes.Buffer
		if err := renderStatus(&buf, cfg, repoDir); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		output := buf.String()

		if output != lastOutput {
			fmt.Print("\033[H\033[2J")
			fmt.Printf("Every %.1fs: line status\n\n", statusInterval)
			fmt.Print(output)
			lastOutput = output
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

func showStatus(cfg *config.Config, repoDir string) error {
	return renderStatus(os.Stdout, cfg, repoDir)
}

// renderStatus writes one status snapshot: every scanned issue's
// last-known disposition against ll-state.json, plus every live
// worktree registered against the repository. Grounded on the
// teacher's per-concern status.go rendering, adapted from watched-branch
// state to line's issue/worktree state.
func renderStatus(w io.Writer, cfg *config.Config, repoDir string) error {
	issues, err := issue.DirScanner{}.Scan(repoDir + "/" + cfg.Settings.IssuesDir)
	if err != nil {
		return err
	}

	statePath := fileutil.StatePath(repoDir, cfg.Agent.ContinueDir)
	st, err := orchestrator.LoadState(statePath, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	snap := st.Snapshot()

	fmt.Fprintln(w, "Issue Status")
	fmt.Fprintln(w, "──────────────────────────────────────")

	for _, iss := range issues {
		if reason, failed := snap.Failed[iss.ID]; failed {
			fmt.Fprintf(w, "  %s✗%s  %-20s  %-3s  failed: %s\n", ansiRed, ansiReset, iss.ID, iss.Priority, reason)
			continue
		}
		switch {
		case contains(snap.Completed, iss.ID):
			fmt.Fprintf(w, "  %s✓%s  %-20s  %-3s  completed\n", ansiGreen, ansiReset, iss.ID, iss.Priority)
		case contains(snap.Attempted, iss.ID):
			fmt.Fprintf(w, "  %s⟳%s  %-20s  %-3s  attempted, no terminal outcome recorded\n", ansiYellow, ansiReset, iss.ID, iss.Priority)
		default:
			fmt.Fprintf(w, "  %s◯%s  %-20s  %-3s  pending\n", ansiDim, ansiReset, iss.ID, iss.Priority)
		}
	}

	repo, _ := buildRepo(repoDir)
	entries, err := repo.WorktreeList(context.Background())
	if err == nil && len(entries) > 1 {
		fmt.Fprintln(w, "\nActive worktrees")
		fmt.Fprintln(w, "──────────────────────────────────────")
		for _, e := range entries {
			if e.Path == repoDir {
				continue
			}
			fmt.Fprintf(w, "  %-50s  %s  %s\n", e.Path, e.Branch, short(e.HEAD))
		}
	}

	fmt.Fprintf(w, "\nlast update: %s\n", snap.LastUpdateTime)
	return nil
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
