package orchestrator

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/re-cinq/line/internal/agentio"
	"github.com/re-cinq/line/internal/config"
	"github.com/re-cinq/line/internal/depgraph"
	"github.com/re-cinq/line/internal/git"
	"github.com/re-cinq/line/internal/gitlock"
	"github.com/re-cinq/line/internal/issue"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return string(out)
}

func setupRepo(t *testing.T) (dir string, repo *git.Repo) {
	t.Helper()
	dir = t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.name", "test")
	runGit(t, dir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	runGit(t, dir, "branch", "-M", "main")

	repo = git.NewRepo(dir, gitlock.New(), "main-holder")
	return dir, repo
}

func testConfig(dir string) *config.Config {
	cfg := config.NewDefault()
	cfg.Settings.MaxWorkers = 2
	cfg.Settings.WorktreeBaseDir = ".worktrees"
	cfg.Settings.BranchPrefix = "parallel/"
	cfg.Settings.MainBranch = "main"
	cfg.Settings.IssuesDir = "issues"
	cfg.Settings.CompletedDir = "completed"
	cfg.Settings.ShutdownGrace = config.Duration(2 * time.Second)
	return cfg
}

// fixedScanner returns a canned issue list regardless of the directory
// passed in, so tests don't need real front-matter files on disk.
type fixedScanner struct {
	issues []issue.Issue
}

func (f fixedScanner) Scan(dir string) ([]issue.Issue, error) {
	return f.issues, nil
}

// verdictCLI always reports the given ready/manage verdicts, optionally
// writing a file into the worktree to simulate "work done".
type verdictCLI struct {
	readyVerdict  agentio.Verdict
	manageVerdict agentio.Verdict
	writeFile     bool
}

func (c verdictCLI) Ready(ctx context.Context, iss issue.Issue, worktree string) (agentio.ReadyResult, error) {
	return agentio.ReadyResult{Ready: true, Output: "VERDICT: " + c.readyVerdict.String()}, nil
}

func (c verdictCLI) Manage(ctx context.Context, iss issue.Issue, worktree string, resume bool, onStart func(pid int)) (agentio.ManageResult, error) {
	if onStart != nil {
		onStart(os.Getpid())
	}
	if c.writeFile {
		_ = os.WriteFile(filepath.Join(worktree, "change.txt"), []byte("done\n"), 0644)
	}
	return agentio.ManageResult{Verdict: c.manageVerdict, Output: "VERDICT: " + c.manageVerdict.String()}, nil
}

func TestRunEmptyQueueCompletesImmediately(t *testing.T) {
	dir, repo := setupRepo(t)
	cfg := testConfig(dir)

	var out bytes.Buffer
	o := New(cfg, RunOptions{}, dir, repo, repo.Lock, verdictCLI{}, fixedScanner{}, &out)

	code := o.Run(context.Background())
	require.Equal(t, ExitSuccess, code)
}

func TestRunDryRunDoesNotMutateState(t *testing.T) {
	dir, repo := setupRepo(t)
	cfg := testConfig(dir)
	scanner := fixedScanner{issues: []issue.Issue{
		{ID: "BUG-1", Priority: issue.P2},
	}}

	var out bytes.Buffer
	o := New(cfg, RunOptions{DryRun: true}, dir, repo, repo.Lock, verdictCLI{}, scanner, &out)

	code := o.Run(context.Background())
	require.Equal(t, ExitSuccess, code)
	require.Contains(t, out.String(), "BUG-1")

	_, err := os.Stat(filepath.Join(dir, ".worktrees"))
	require.NoError(t, err) // directory created, but nothing run inside it
	entries, _ := os.ReadDir(filepath.Join(dir, ".worktrees"))
	require.Empty(t, entries)
}

func TestRunNotReadyIssueCompletesWithoutMerge(t *testing.T) {
	dir, repo := setupRepo(t)
	cfg := testConfig(dir)
	scanner := fixedScanner{issues: []issue.Issue{
		{ID: "BUG-2", Priority: issue.P2},
	}}
	cli := verdictCLI{readyVerdict: agentio.VerdictNotReady}

	var out bytes.Buffer
	o := New(cfg, RunOptions{}, dir, repo, repo.Lock, cli, scanner, &out)

	code := o.Run(context.Background())
	require.Equal(t, ExitSuccess, code)
	require.True(t, o.state.IsCompleted("BUG-2"))
}

func TestRunReadyIssueMergesChange(t *testing.T) {
	remote := t.TempDir()
	runGit(t, remote, "init", "-q", "--bare")

	dir, repo := setupRepo(t)
	runGit(t, dir, "remote", "add", "origin", remote)
	runGit(t, dir, "push", "-q", "origin", "main")

	cfg := testConfig(dir)
	scanner := fixedScanner{issues: []issue.Issue{
		{ID: "BUG-3", Priority: issue.P2},
	}}
	cli := verdictCLI{readyVerdict: agentio.VerdictReady, manageVerdict: agentio.VerdictReady, writeFile: true}

	var out bytes.Buffer
	o := New(cfg, RunOptions{}, dir, repo, repo.Lock, cli, scanner, &out)

	code := o.Run(context.Background())
	require.Equal(t, ExitSuccess, code)
	require.True(t, o.state.IsCompleted("BUG-3"))

	_, err := os.Stat(filepath.Join(dir, "change.txt"))
	require.NoError(t, err)

	// Invariant 3 (spec.md §8): active_worktrees is empty once Run returns.
	require.Equal(t, 0, o.pool.ActiveCount())
}

// countingCLI wraps verdictCLI and counts Manage invocations per issue,
// so a resumed run can assert a completed issue is never re-dispatched.
type countingCLI struct {
	verdictCLI
	manageCalls map[string]int
}

func (c *countingCLI) Manage(ctx context.Context, iss issue.Issue, worktree string, resume bool, onStart func(pid int)) (agentio.ManageResult, error) {
	c.manageCalls[iss.ID]++
	return c.verdictCLI.Manage(ctx, iss, worktree, resume, onStart)
}

// TestResumeSkipsAlreadyCompletedIssue guards invariant 10 (spec.md §8):
// a resumed run with the same issue set completes without re-processing
// any already-completed ID.
func TestResumeSkipsAlreadyCompletedIssue(t *testing.T) {
	dir, repo := setupRepo(t)
	cfg := testConfig(dir)
	scanner := fixedScanner{issues: []issue.Issue{
		{ID: "BUG-4", Priority: issue.P2},
	}}

	statePath := filepath.Join(dir, ".claude", "ll-state.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(statePath), 0755))
	prior := NewState("2026-01-01T00:00:00Z")
	prior.MarkCompleted("BUG-4", "2026-01-01T00:01:00Z")
	require.NoError(t, prior.Save(statePath))

	cli := &countingCLI{
		verdictCLI:  verdictCLI{readyVerdict: agentio.VerdictReady, manageVerdict: agentio.VerdictReady},
		manageCalls: map[string]int{},
	}

	var out bytes.Buffer
	o := New(cfg, RunOptions{Resume: true}, dir, repo, repo.Lock, cli, scanner, &out)

	code := o.Run(context.Background())
	require.Equal(t, ExitSuccess, code)
	require.True(t, o.state.IsCompleted("BUG-4"))
	require.Zero(t, cli.manageCalls["BUG-4"], "a resumed run must never re-dispatch an already-completed issue")
}

// TestTopoSortIssuesPrefersDependencyBeforeDependent guards the
// depgraph.Validate topological order actually reaching queue admission:
// a scan order with the dependent listed first must still come out with
// its blocked_by dependency first.
func TestTopoSortIssuesPrefersDependencyBeforeDependent(t *testing.T) {
	issues := []issue.Issue{
		{ID: "BUG-2", Priority: issue.P2, BlockedBy: []string{"BUG-1"}},
		{ID: "BUG-1", Priority: issue.P2},
		{ID: "BUG-3", Priority: issue.P2},
	}

	order, err := depgraph.Validate(issues)
	require.NoError(t, err)

	sorted := topoSortIssues(issues, order)
	require.Len(t, sorted, 3)

	pos := make(map[string]int, len(sorted))
	for i, iss := range sorted {
		pos[iss.ID] = i
	}
	require.Less(t, pos["BUG-1"], pos["BUG-2"], "dependency must be admitted before its dependent")
}

// TestSeedQueueAdmitsDependencyBeforeDependentWithinPriorityBand covers
// the same guarantee end to end through seedQueue's enqueue order: when
// two issues share a priority band, the one with no unmet blocked_by
// entry is dequeued first even if the scanner listed it second.
func TestSeedQueueAdmitsDependencyBeforeDependentWithinPriorityBand(t *testing.T) {
	dir, repo := setupRepo(t)
	cfg := testConfig(dir)
	issues := []issue.Issue{
		{ID: "BUG-8", Priority: issue.P2, BlockedBy: []string{"BUG-7"}},
		{ID: "BUG-7", Priority: issue.P2},
	}

	var out bytes.Buffer
	o := New(cfg, RunOptions{}, dir, repo, repo.Lock, verdictCLI{}, fixedScanner{issues: issues}, &out)

	order, err := depgraph.Validate(issues)
	require.NoError(t, err)
	sorted := topoSortIssues(issues, order)
	o.seedQueue(sorted)

	first, ok := o.queue.Get(false, 0)
	require.True(t, ok)
	require.Equal(t, "BUG-7", first.Issue.ID)
}

func TestRunFailureCascadeMarksDependentFailed(t *testing.T) {
	dir, repo := setupRepo(t)
	cfg := testConfig(dir)
	scanner := fixedScanner{issues: []issue.Issue{
		{ID: "BUG-5", Priority: issue.P2},
		{ID: "BUG-6", Priority: issue.P2, BlockedBy: []string{"BUG-5"}},
	}}
	// Ready, but the managed run itself reports not_ready (treated as a
	// timeout/failure by the pipeline), so BUG-5 ends up failed and
	// BUG-6's unmet blocked_by set can never be satisfied.
	cli := verdictCLI{readyVerdict: agentio.VerdictReady, manageVerdict: agentio.VerdictNotReady}

	var out bytes.Buffer
	o := New(cfg, RunOptions{}, dir, repo, repo.Lock, cli, scanner, &out)

	code := o.Run(context.Background())
	require.Equal(t, ExitSuccess, code)

	_, failed := o.queue.IsFailed("BUG-5")
	require.True(t, failed)
	reason, failed := o.queue.IsFailed("BUG-6")
	require.True(t, failed)
	require.Contains(t, reason, "failure-cascade")
}
