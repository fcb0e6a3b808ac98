package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/re-cinq/line/internal/agentio"
	"github.com/re-cinq/line/internal/git"
	"github.com/re-cinq/line/internal/issue"
)

// process runs the six-step pipeline for one issue. It never lets an
// error escape — every failure is converted into a WorkerResult, the
// error firewall spec.md §7 requires at this boundary.
func (p *Pool) process(ctx context.Context, iss issue.Issue) (result WorkerResult) {
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	result.IssueID = iss.ID

	s := p.cfg.Settings
	if s.TimeoutPerIssue > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.TimeoutPerIssue.Duration())
		defer cancel()
	}

	branch := s.BranchPrefix + iss.ID
	worktreePath := git.WorktreePath(p.repoDirHint(), s.WorktreeBaseDir, s.BranchPrefix, iss.ID)
	result.BranchName = branch
	result.WorktreePath = worktreePath

	// Step 1: worktree setup.
	wt, err := p.setupWorktree(ctx, branch, worktreePath, s.MainBranch)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	p.registerWorktree(worktreePath)
	defer p.deregisterWorktree(worktreePath)

	baseline, err := mainRepoStatus(ctx, p.repo)
	if err != nil {
		result.Error = fmt.Sprintf("reading baseline status: %s", err)
		return result
	}

	// Step 2: readiness probe.
	readyResult, err := p.cli.Ready(ctx, iss, worktreePath)
	if err != nil {
		result.Error = fmt.Sprintf("readiness probe: %s", err)
		return result
	}
	verdict := agentio.MarkerVerdictParser{}.Parse(readyResult.Output)
	switch verdict {
	case agentio.VerdictNotReady:
		result.Success = true
		result.WorkDone = false
		result.Verdict = verdict.String()
		return result
	case agentio.VerdictClose:
		result.Success = true
		result.ShouldClose = true
		result.Verdict = verdict.String()
		return result
	case agentio.VerdictReady, agentio.VerdictCorrected:
		// proceed to execution
	default:
		// VerdictUnknown is treated as not-ready (spec.md §4.4 step 2).
		result.Success = true
		result.WorkDone = false
		result.Verdict = agentio.VerdictUnknown.String()
		return result
	}

	// Step 3: execute, with bounded continuation retries.
	manageResult, err := p.executeWithContinuations(ctx, iss, worktreePath)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Verdict = manageResult.Verdict.String()
	if manageResult.Verdict == agentio.VerdictNotReady {
		result.Success = false
		result.Error = "timeout"
		return result
	}
	if manageResult.Verdict == agentio.VerdictClose {
		result.Success = true
		result.ShouldClose = true
		return result
	}

	// Step 4: change detection.
	changedFiles, err := p.detectChanges(ctx, wt, s.MainBranch)
	if err != nil {
		result.Error = fmt.Sprintf("change detection: %s", err)
		return result
	}
	result.ChangedFiles = changedFiles
	result.WorkDone = len(changedFiles) > 0

	if result.WorkDone {
		if err := wt.StageAll(ctx); err != nil {
			result.Error = fmt.Sprintf("staging changes: %s", err)
			return result
		}
		if err := wt.Commit(ctx, fmt.Sprintf("line: %s", iss.ID)); err != nil {
			result.Error = fmt.Sprintf("committing changes: %s", err)
			return result
		}
	}

	// Step 5: leak detection — main repo working tree must not have
	// drifted from its baseline during the run.
	if err := p.detectAndCleanLeaks(ctx, baseline); err != nil {
		// A leak is logged, not fatal to the pipeline (spec.md §7).
		result.Error = fmt.Sprintf("leak cleanup incomplete: %s", err)
	}

	result.Success = true
	return result
}

// setupWorktree implements pipeline step 1.
func (p *Pool) setupWorktree(ctx context.Context, branch, worktreePath, mainBranch string) (*git.Repo, error) {
	if p.repo.BranchExists(ctx, branch) {
		if err := p.repo.DeleteBranch(ctx, branch); err != nil {
			return nil, fmt.Errorf("deleting stale branch %s: %w", branch, err)
		}
	}

	registered := false
	entries, err := p.repo.WorktreeList(ctx)
	if err == nil {
		for _, e := range entries {
			if e.Path == worktreePath {
				registered = true
				break
			}
		}
	}
	if !registered {
		if _, statErr := os.Stat(worktreePath); statErr == nil {
			_ = os.RemoveAll(worktreePath)
		}
	}

	if err := p.repo.CreateBranch(ctx, branch, mainBranch); err != nil {
		return nil, fmt.Errorf("creating branch %s: %w", branch, err)
	}
	if err := p.repo.CreateWorktree(ctx, worktreePath, branch); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	return git.NewRepo(worktreePath, p.lock, "worker-"+branch), nil
}

// executeWithContinuations implements pipeline step 3, including the
// bounded continuation-handoff retry loop.
func (p *Pool) executeWithContinuations(ctx context.Context, iss issue.Issue, worktreePath string) (agentio.ManageResult, error) {
	maxContinuations := p.cfg.Settings.MaxContinuations

	onStart := func(pid int) { p.registerProcess(iss.ID, pid) }
	defer p.deregisterProcess(iss.ID)

	result, err := p.cli.Manage(ctx, iss, worktreePath, false, onStart)
	if err != nil {
		return result, err
	}

	for attempt := 0; attempt < maxContinuations && continuationRequested(worktreePath, p.cfg.Agent.ContinueDir); attempt++ {
		removeContinuationMarker(worktreePath, p.cfg.Agent.ContinueDir)
		result, err = p.cli.Manage(ctx, iss, worktreePath, true, onStart)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// detectChanges implements pipeline step 4: the set of files changed in
// the worktree versus main, filtered through the exclusion matcher
// (e.g. issue files already moved into a completed directory).
func (p *Pool) detectChanges(ctx context.Context, wt *git.Repo, mainBranch string) ([]string, error) {
	committed, err := wt.DiffNameOnly(ctx, mainBranch)
	if err != nil {
		return nil, err
	}
	status, err := wt.StatusPorcelain(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var files []string
	add := func(f string) {
		f = strings.TrimSpace(f)
		if f == "" {
			return
		}
		if _, ok := seen[f]; ok {
			return
		}
		if p.ignoreMatcher != nil && p.ignoreMatcher.MatchesPath(f) {
			return
		}
		seen[f] = struct{}{}
		files = append(files, f)
	}
	for _, f := range committed {
		add(f)
	}
	for _, line := range strings.Split(status, "\n") {
		if len(line) > 3 {
			add(line[3:])
		}
	}
	return files, nil
}

// repoDirHint returns the main repository directory so WorktreePath can
// be computed without threading an extra parameter through every call.
func (p *Pool) repoDirHint() string {
	return p.repo.Dir
}
