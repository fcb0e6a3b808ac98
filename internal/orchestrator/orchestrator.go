// Package orchestrator drives one line run end to end: signal handling,
// orphan sweep, issue admission, the sequential/parallel execution loop,
// completion handling, and the shutdown cascade (spec.md §4.6).
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/re-cinq/line/internal/agentio"
	"github.com/re-cinq/line/internal/config"
	"github.com/re-cinq/line/internal/depgraph"
	"github.com/re-cinq/line/internal/fileutil"
	"github.com/re-cinq/line/internal/git"
	"github.com/re-cinq/line/internal/gitlock"
	"github.com/re-cinq/line/internal/issue"
	"github.com/re-cinq/line/internal/merge"
	"github.com/re-cinq/line/internal/queue"
	"github.com/re-cinq/line/internal/worker"
)

// Exit codes per spec.md §6.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// RunOptions are the per-invocation overrides layered on top of Config,
// matching the `parallel` / `auto` / `sprint run` CLI flags.
type RunOptions struct {
	MaxWorkers int
	MaxIssues  int
	Category   string
	DryRun     bool
	Resume     bool
	Only       []string
	Skip       []string
	Priorities []issue.Priority // empty means "all priorities"
	Sequential bool             // true for `auto`: every issue runs one at a time
	Quiet      bool
}

// Orchestrator owns the queue, worker pool, and merge coordinator for one run.
type Orchestrator struct {
	cfg     *config.Config
	opts    RunOptions
	repoDir string

	repo    *git.Repo
	lock    *gitlock.Lock
	cli     agentio.AssistantCLI
	scanner issue.Source

	queue      *queue.PriorityQueue
	pool       *worker.Pool
	mergeCoord *merge.Coordinator
	state      *State

	shutdownRequested int32
	sigCount          int32
	out               io.Writer
}

// New builds an Orchestrator. scanner is the issue source (normally
// issue.DirScanner); cli is the assistant CLI contract implementation.
func New(cfg *config.Config, opts RunOptions, repoDir string, repo *git.Repo, lock *gitlock.Lock, cli agentio.AssistantCLI, scanner issue.Source, out io.Writer) *Orchestrator {
	if out == nil {
		out = os.Stdout
	}
	return &Orchestrator{
		cfg:     cfg,
		opts:    opts,
		repoDir: repoDir,
		repo:    repo,
		lock:    lock,
		cli:     cli,
		scanner: scanner,
		queue:   queue.New(),
		out:     out,
	}
}

func (o *Orchestrator) statePath() string {
	return fileutil.StatePath(o.repoDir, o.cfg.Agent.ContinueDir)
}

func (o *Orchestrator) effectiveMaxWorkers() int {
	if o.opts.MaxWorkers > 0 {
		return o.opts.MaxWorkers
	}
	return o.cfg.Settings.MaxWorkers
}

// Run executes the full lifecycle and returns the process exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	restoreSignals := o.installSignalHandlers(cancel)
	defer restoreSignals()

	if err := o.ensureWorktreeIgnored(); err != nil {
		fmt.Fprintf(o.out, "warning: could not update .gitignore: %s\n", err)
	}

	worktreeBase := filepath.Join(o.repoDir, o.cfg.Settings.WorktreeBaseDir)
	o.pool = worker.New(o.cfg, o.repo, o.lock, o.cli, o.onWorkerComplete)

	removed, skipped, err := o.pool.CleanupAll(ctx, worktreeBase)
	if err != nil {
		fmt.Fprintf(o.out, "warning: orphan sweep failed: %s\n", err)
	} else if !o.opts.Quiet && (len(removed) > 0 || len(skipped) > 0) {
		fmt.Fprintf(o.out, "orphan sweep: removed %d, skipped %d active worktree(s)\n", len(removed), len(skipped))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if o.opts.Resume {
		o.state, err = LoadState(o.statePath(), now)
	} else {
		o.state = NewState(now)
	}
	if err != nil {
		fmt.Fprintf(o.out, "error: loading state: %s\n", err)
		return ExitFailure
	}

	issues, err := o.scanner.Scan(filepath.Join(o.repoDir, o.cfg.Settings.IssuesDir))
	if err != nil {
		fmt.Fprintf(o.out, "error: scanning issues: %s\n", err)
		return ExitFailure
	}

	order, err := depgraph.Validate(issues)
	if err != nil {
		fmt.Fprintf(o.out, "error: %s\n", err)
		return ExitFailure
	}
	issues = topoSortIssues(issues, order)

	admitted := o.seedQueue(issues)
	if !o.opts.Quiet {
		fmt.Fprintf(o.out, "admitted %d issue(s) for this run\n", admitted)
	}

	if o.opts.DryRun {
		o.printPlan()
		return ExitSuccess
	}

	o.mergeCoord = merge.New(o.repo, merge.Options{
		MainBranch:    o.cfg.Settings.MainBranch,
		MergeStrategy: o.cfg.Settings.MergeStrategy,
		RetryAttempts: o.cfg.Settings.MergeRetryAttempts,
		RetryDelay:    o.cfg.Settings.MergeRetryDelay.Duration(),
	})
	o.mergeCoord.OnMerged = o.onMergeSucceeded
	o.mergeCoord.OnFailed = func(req *merge.Request, status merge.Status, mergeErr error) {
		reason := status.String()
		if mergeErr != nil {
			reason = fmt.Sprintf("%s: %s", status, mergeErr)
		}
		o.onMergeFailed(req, reason)
	}

	o.runLoop(ctx)

	return o.shutdown()
}

// topoSortIssues reorders issues into the topological order depgraph.Validate
// returned, so seedQueue's enqueue sequence — and therefore the queue's
// (priority, enqueued-at, seq) tie-break within a priority band — prefers
// dependencies before their dependents rather than scan order. unmetDependencies
// still re-checks blocked_by readiness at dequeue time; this only improves the
// odds a dependency is already admitted (and often completed) before its
// dependent is first considered.
func topoSortIssues(issues []issue.Issue, order []string) []issue.Issue {
	byID := make(map[string]issue.Issue, len(issues))
	for _, iss := range issues {
		byID[iss.ID] = iss
	}
	sorted := make([]issue.Issue, 0, len(issues))
	for _, id := range order {
		if iss, ok := byID[id]; ok {
			sorted = append(sorted, iss)
			delete(byID, id)
		}
	}
	for _, iss := range issues {
		if _, ok := byID[iss.ID]; ok {
			sorted = append(sorted, iss)
		}
	}
	return sorted
}

// seedQueue applies admission filters 1-4 (spec.md §4.6) and enqueues
// every issue that survives them. Filter 5 (blocked_by readiness) is
// dynamic and re-checked at dequeue time in runLoop.
func (o *Orchestrator) seedQueue(issues []issue.Issue) int {
	only := toSet(o.opts.Only)
	skip := toSet(o.opts.Skip)
	priorities := make(map[issue.Priority]struct{}, len(o.opts.Priorities))
	for _, p := range o.opts.Priorities {
		priorities[p] = struct{}{}
	}

	maxIssues := o.opts.MaxIssues
	if maxIssues == 0 {
		maxIssues = o.cfg.Settings.MaxIssuesPerRun
	}

	admitted := 0
	for _, iss := range issues {
		if _, dropped := skip[iss.ID]; dropped {
			continue
		}
		if len(only) > 0 {
			if _, ok := only[iss.ID]; !ok {
				continue
			}
		}
		if len(priorities) > 0 {
			if _, ok := priorities[iss.Priority]; !ok {
				continue
			}
		}
		if o.opts.Category != "" && iss.Category != o.opts.Category {
			continue
		}
		if o.state.IsCompleted(iss.ID) {
			// Pre-mark so a resumed run never re-issues completed work.
			o.queue.MarkCompleted(iss.ID)
			continue
		}
		if o.state.IsAttempted(iss.ID) {
			continue
		}
		if maxIssues > 0 && admitted >= maxIssues {
			break
		}
		if o.queue.Add(iss) {
			admitted++
		}
	}
	return admitted
}

func (o *Orchestrator) printPlan() {
	fmt.Fprintln(o.out, "dry run — plan:")
	for _, iss := range o.queue.GetAllPending() {
		fmt.Fprintf(o.out, "  %s  %s  %s\n", iss.Priority, iss.ID, iss.Title)
	}
}

// runLoop is the execution loop: admits the sequential class (P0, by
// default) one at a time inline, and the parallel class (P1-P5) up to
// max_workers concurrently, re-checking blocked_by readiness on every
// dequeue.
func (o *Orchestrator) runLoop(ctx context.Context) {
	for {
		if atomic.LoadInt32(&o.shutdownRequested) == 1 {
			return
		}

		if !o.isSequentialRun() && o.pool.ActiveCount() >= o.effectiveMaxWorkers() {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		qi, ok := o.queue.Get(true, 1*time.Second)
		if !ok {
			if o.queue.PendingCount() == 0 && o.pool.ActiveCount() == 0 {
				return
			}
			continue
		}
		iss := qi.Issue

		if unmet := o.unmetDependencies(iss); len(unmet) > 0 {
			if o.allFailed(unmet) {
				reason := fmt.Sprintf("failure-cascade: blocked_by %v", unmet)
				o.queue.MarkFailed(iss.ID, reason)
				now := time.Now().UTC().Format(time.RFC3339)
				o.state.MarkFailed(iss.ID, reason, now)
				o.persistState()
				continue
			}
			o.queue.Requeue(iss, time.Now().Add(2*time.Second))
			continue
		}

		now := time.Now().UTC().Format(time.RFC3339)
		o.state.MarkAttempted(iss.ID, now)

		if o.isSequential(iss) {
			future, err := o.pool.Submit(ctx, iss)
			if err != nil {
				o.queue.MarkFailed(iss.ID, err.Error())
				continue
			}
			future.Wait()
		} else {
			if _, err := o.pool.Submit(ctx, iss); err != nil {
				o.queue.MarkFailed(iss.ID, err.Error())
			}
		}
	}
}

func (o *Orchestrator) isSequentialRun() bool {
	return o.opts.Sequential
}

func (o *Orchestrator) isSequential(iss issue.Issue) bool {
	if o.opts.Sequential {
		return true
	}
	return iss.Priority == issue.P0 && o.cfg.Settings.P0Sequential
}

func (o *Orchestrator) unmetDependencies(iss issue.Issue) []string {
	var unmet []string
	for _, dep := range iss.BlockedBy {
		if !o.queue.IsCompleted(dep) {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (o *Orchestrator) allFailed(ids []string) bool {
	for _, id := range ids {
		if _, ok := o.queue.IsFailed(id); !ok {
			return false
		}
	}
	return true
}

// onWorkerComplete is the pool completion callback (spec.md §4.6
// "_on_worker_complete"), run off a pool goroutine.
func (o *Orchestrator) onWorkerComplete(result worker.WorkerResult) {
	now := time.Now().UTC().Format(time.RFC3339)

	switch {
	case result.Success && result.ShouldClose:
		o.mergeCoord.Enqueue(&merge.Request{
			IssueID:      result.IssueID,
			BranchName:   result.BranchName,
			WorktreePath: result.WorktreePath,
			ChangedFiles: result.ChangedFiles,
			ShouldClose:  true,
			IssuePath:    filepath.Join(o.cfg.Settings.IssuesDir, result.IssueID+".md"),
			CompletedDir: o.cfg.Settings.CompletedDir,
		})
	case result.Success && result.WorkDone:
		o.mergeCoord.Enqueue(&merge.Request{
			IssueID:      result.IssueID,
			BranchName:   result.BranchName,
			WorktreePath: result.WorktreePath,
			ChangedFiles: result.ChangedFiles,
		})
	case result.Success:
		// Ready probe said not-ready, or no changes were made: nothing to
		// merge, the issue is simply done for this run.
		o.queue.MarkCompleted(result.IssueID)
		o.state.MarkCompleted(result.IssueID, now)
		_ = o.pool.CleanupWorktree(context.Background(), result.WorktreePath)
		o.persistState()
	default:
		o.queue.MarkFailed(result.IssueID, result.Error)
		o.state.MarkFailed(result.IssueID, result.Error, now)
		_ = o.pool.CleanupWorktree(context.Background(), result.WorktreePath)
		o.persistState()
	}
}

// onMergeSucceeded is the coordinator's OnMerged hook.
func (o *Orchestrator) onMergeSucceeded(req *merge.Request) {
	now := time.Now().UTC().Format(time.RFC3339)
	o.queue.MarkCompleted(req.IssueID)
	o.state.MarkCompleted(req.IssueID, now)
	o.persistState()
}

// onMergeFailed is the coordinator's OnFailed hook: a conflict or a
// push/pull failure that survived retries leaves the issue failed, not
// completed, so a resumed run will not silently treat it as done.
func (o *Orchestrator) onMergeFailed(req *merge.Request, reason string) {
	now := time.Now().UTC().Format(time.RFC3339)
	o.queue.MarkFailed(req.IssueID, reason)
	o.state.MarkFailed(req.IssueID, reason, now)
	o.persistState()
}

func (o *Orchestrator) persistState() {
	if err := o.state.Save(o.statePath()); err != nil {
		fmt.Fprintf(o.out, "warning: could not persist state: %s\n", err)
	}
}

// shutdown implements the shutdown cascade (spec.md §4.6): stop
// submitting new work, drain the pool (cooperative then forceful),
// close the merge coordinator (which processes every request already
// enqueued, pending ones included), and persist final state.
func (o *Orchestrator) shutdown() int {
	atomic.StoreInt32(&o.shutdownRequested, 1)

	if o.pool != nil {
		o.pool.Shutdown(o.cfg.Settings.ShutdownGrace.Duration())
	}
	if o.mergeCoord != nil {
		o.mergeCoord.Close()
	}
	o.persistState()

	if atomic.LoadInt32(&o.sigCount) > 0 {
		return ExitInterrupted
	}
	return ExitSuccess
}

// installSignalHandlers wires SIGINT/SIGTERM into the shutdown flag and
// cancels ctx so every in-flight supervisor.Run (spec.md §4.3's
// ctx.Done()-triggered SIGTERM→SIGKILL escalation) starts tearing down
// immediately, escalating to an immediate os.Exit on a second signal
// within the grace window (spec.md §5 "Cancellation / timeouts").
func (o *Orchestrator) installSignalHandlers(cancel context.CancelFunc) (restore func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				n := atomic.AddInt32(&o.sigCount, 1)
				atomic.StoreInt32(&o.shutdownRequested, 1)
				cancel()
				if n > 1 {
					os.Exit(ExitInterrupted)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// ensureWorktreeIgnored idempotently adds worktree_base_dir to the
// repository's .gitignore (spec.md §4.6 step 2).
func (o *Orchestrator) ensureWorktreeIgnored() error {
	if err := fileutil.EnsureDir(filepath.Join(o.repoDir, o.cfg.Settings.WorktreeBaseDir)); err != nil {
		return err
	}

	gitignorePath := filepath.Join(o.repoDir, ".gitignore")
	entry := o.cfg.Settings.WorktreeBaseDir
	if entry == "" {
		return nil
	}

	data, err := os.ReadFile(gitignorePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	contents := string(data)
	for _, line := range splitLines(contents) {
		if line == entry || line == entry+"/" {
			return nil // already present
		}
	}

	if contents != "" && contents[len(contents)-1] != '\n' {
		contents += "\n"
	}
	contents += entry + "/\n"
	return os.WriteFile(gitignorePath, []byte(contents), 0644)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
