// Package merge implements the single-writer merge coordinator: one
// consumer goroutine draining a buffered channel of MergeRequests in
// FIFO order, holding the git lock for the duration of each merge so
// main_branch only ever has one writer. Channel shape grounded on
// other_examples' ShayCichocki/alphie MergeQueue (one worker goroutine,
// one request channel, per-request result channel); the git sequence
// itself is grounded on the teacher's internal/git.Repo methods.
package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/line/internal/git"
)

// Status is a MergeRequest's place in its state machine.
type Status int

const (
	Pending Status = iota
	InProgress
	Merged
	Failed
	Conflict
	ClosedNoMerge
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Merged:
		return "merged"
	case Failed:
		return "failed"
	case Conflict:
		return "conflict"
	case ClosedNoMerge:
		return "closed_no_merge"
	default:
		return "unknown"
	}
}

// Request is one pending mutation of main_branch.
type Request struct {
	ID           string
	IssueID      string
	BranchName   string
	WorktreePath string
	ChangedFiles []string
	ShouldClose  bool
	IssuePath    string // used only when ShouldClose: source path to move
	CompletedDir string // used only when ShouldClose: destination directory

	resultCh chan Outcome
}

// Outcome is delivered to the submitter once a Request finishes.
type Outcome struct {
	Status Status
	Error  string
}

// Options configures the coordinator's git behavior.
type Options struct {
	MainBranch    string
	MergeStrategy string // "merge" | "rebase"
	RetryAttempts int
	RetryDelay    time.Duration
	Remote        string // typically "origin"
}

// Coordinator is the single-writer merge queue.
type Coordinator struct {
	repo *git.Repo
	opts Options

	queue chan *Request
	done  chan struct{}

	// OnMerged/OnFailed let the orchestrator react to outcomes without
	// a back-pointer from the coordinator into orchestrator state,
	// per spec.md §9 "wire with callback functions, not back-pointers".
	OnMerged func(req *Request)
	OnFailed func(req *Request, status Status, err error)
}

// New creates a Coordinator and starts its consumer goroutine.
func New(repo *git.Repo, opts Options) *Coordinator {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}
	c := &Coordinator{
		repo:  repo,
		opts:  opts,
		queue: make(chan *Request, 256),
		done:  make(chan struct{}),
	}
	go c.worker()
	return c
}

// Enqueue submits req and returns a channel receiving its eventual Outcome.
func (c *Coordinator) Enqueue(req *Request) <-chan Outcome {
	req.ID = uuid.NewString()
	req.resultCh = make(chan Outcome, 1)
	c.queue <- req
	return req.resultCh
}

// Close stops accepting new requests and waits until every request
// already enqueued — the in-progress one and any still in the channel
// buffer — has been processed before returning. Pending requests are
// not dropped.
func (c *Coordinator) Close() {
	close(c.queue)
	<-c.done
}

func (c *Coordinator) worker() {
	defer close(c.done)
	for req := range c.queue {
		status, err := c.processRequest(context.Background(), req)
		outcome := Outcome{Status: status}
		if err != nil {
			outcome.Error = err.Error()
		}
		req.resultCh <- outcome

		switch status {
		case Merged, ClosedNoMerge:
			if c.OnMerged != nil {
				c.OnMerged(req)
			}
		default:
			if c.OnFailed != nil {
				c.OnFailed(req, status, err)
			}
		}
	}
}

// processRequest runs the six-step happy path (or the close path) for
// one request, entirely serialized — this goroutine is the only writer
// of main_branch for the coordinator's lifetime.
func (c *Coordinator) processRequest(ctx context.Context, req *Request) (status Status, err error) {
	if req.ShouldClose {
		return c.processClose(ctx, req)
	}

	// git fetch — best-effort, tolerate offline.
	_ = c.repo.Fetch(ctx, c.opts.Remote)

	if err := c.repo.Checkout(ctx, c.opts.MainBranch); err != nil {
		return Failed, fmt.Errorf("checkout %s: %w", c.opts.MainBranch, err)
	}

	preRecoveryHead, recovered, err := c.commitDirtyMainOrFail(ctx, req)
	if err != nil {
		return Failed, err
	}
	defer c.undoRecoveryCommitOnFailure(ctx, preRecoveryHead, recovered, &status)

	if err := c.pullWithRetry(ctx); err != nil {
		return Failed, err
	}

	mergeErr := c.mergeOrRebase(ctx, req.BranchName)
	if mergeErr != nil {
		if isConflict(mergeErr) {
			_ = c.repo.AbortMerge(ctx)
			return Conflict, mergeErr
		}
		return Failed, mergeErr
	}

	if err := c.pushWithRetry(ctx); err != nil {
		return Failed, err
	}

	c.cleanupBranch(ctx, req)
	return Merged, nil
}

// undoRecoveryCommitOnFailure reverts commitDirtyMainOrFail's recovery
// commit with a soft reset (preserving the staged files, per
// ResetSoft's contract) when the request ultimately fails — main must
// never be left carrying a commit from a request that didn't merge.
func (c *Coordinator) undoRecoveryCommitOnFailure(ctx context.Context, preRecoveryHead string, recovered bool, status *Status) {
	if !recovered || *status == Merged || *status == ClosedNoMerge {
		return
	}
	_ = c.repo.ResetSoft(ctx, preRecoveryHead)
}

// processClose implements the should_close path: move the issue file
// into the completed directory, commit, push, then clean up same as a
// normal merge — still through the single serialized writer.
func (c *Coordinator) processClose(ctx context.Context, req *Request) (status Status, err error) {
	_ = c.repo.Fetch(ctx, c.opts.Remote)
	if err := c.repo.Checkout(ctx, c.opts.MainBranch); err != nil {
		return Failed, fmt.Errorf("checkout %s: %w", c.opts.MainBranch, err)
	}
	preRecoveryHead, recovered, err := c.commitDirtyMainOrFail(ctx, req)
	if err != nil {
		return Failed, err
	}
	defer c.undoRecoveryCommitOnFailure(ctx, preRecoveryHead, recovered, &status)

	if err := c.pullWithRetry(ctx); err != nil {
		return Failed, err
	}

	if req.IssuePath != "" && req.CompletedDir != "" {
		dest := req.CompletedDir + "/" + baseName(req.IssuePath)
		if err := c.repo.Mv(ctx, req.IssuePath, dest); err != nil {
			return Failed, fmt.Errorf("moving issue to completed: %w", err)
		}
		if err := c.repo.Commit(ctx, fmt.Sprintf("close %s", req.IssueID)); err != nil {
			return Failed, fmt.Errorf("committing close: %w", err)
		}
	}

	if err := c.pushWithRetry(ctx); err != nil {
		return Failed, err
	}

	c.cleanupBranch(ctx, req)
	return ClosedNoMerge, nil
}

func (c *Coordinator) mergeOrRebase(ctx context.Context, branch string) error {
	if c.opts.MergeStrategy == "rebase" {
		return c.repo.Rebase(ctx, branch)
	}
	return c.repo.Merge(ctx, branch, fmt.Sprintf("merge %s", branch))
}

func (c *Coordinator) cleanupBranch(ctx context.Context, req *Request) {
	if req.WorktreePath != "" {
		_ = c.repo.RemoveWorktree(ctx, req.WorktreePath, true)
	}
	if req.BranchName != "" {
		_ = c.repo.DeleteBranch(ctx, req.BranchName)
	}
}

// commitDirtyMainOrFail implements spec.md §4.5's stash-skip discipline:
// a dirty main before the pull would otherwise force a stash, and a
// global stash risks folding in files some other worker leaked into
// main's working tree. Instead, every dirty path is checked against
// the request's own changed_files (e.g. left staged-but-uncommitted by
// a retry after a prior partial run): if every dirty path belongs to
// the request, commit exactly those paths; otherwise fail outright
// rather than stash anything unrecognized. Returns main's HEAD before
// any recovery commit (for a later ResetSoft if the request still
// fails) and whether it committed.
func (c *Coordinator) commitDirtyMainOrFail(ctx context.Context, req *Request) (preRecoveryHead string, recovered bool, err error) {
	dirtyPaths, err := dirtyPorcelainPaths(ctx, c.repo)
	if err != nil {
		return "", false, fmt.Errorf("checking main for uncommitted changes: %w", err)
	}
	if len(dirtyPaths) == 0 {
		return "", false, nil
	}

	allowed := make(map[string]struct{}, len(req.ChangedFiles))
	for _, f := range req.ChangedFiles {
		allowed[f] = struct{}{}
	}
	for _, p := range dirtyPaths {
		if _, ok := allowed[p]; !ok {
			return "", false, fmt.Errorf("main has uncommitted changes outside this request's changed_files (%s); refusing to stash", p)
		}
	}

	head, err := c.repo.HeadCommit(ctx, c.opts.MainBranch)
	if err != nil {
		return "", false, fmt.Errorf("resolving main HEAD before recovery commit: %w", err)
	}
	if err := c.repo.StageFiles(ctx, dirtyPaths); err != nil {
		return "", false, fmt.Errorf("staging request changed_files on main: %w", err)
	}
	if err := c.repo.Commit(ctx, fmt.Sprintf("line: recover %s", req.IssueID)); err != nil {
		return "", false, fmt.Errorf("committing request changed_files on main: %w", err)
	}
	return head, true, nil
}

// dirtyPorcelainPaths parses `git status --porcelain` into its path
// column, same layout the worker pool's leak/change detection uses.
func dirtyPorcelainPaths(ctx context.Context, repo *git.Repo) ([]string, error) {
	status, err := repo.StatusPorcelain(ctx)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) > 3 {
			paths = append(paths, strings.TrimSpace(line[3:]))
		}
	}
	return paths, nil
}

// pullWithRetry implements step 3: `git pull --ff-only`, retried only
// on transient errors, with the teacher's doubling backoff. Always
// fast-forward-only — mergeOrRebase owns the merge/rebase strategy
// choice for step 4, and a non-fast-forward pull here means main
// diverged and must fail rather than silently merge.
func (c *Coordinator) pullWithRetry(ctx context.Context) error {
	var lastErr error
	delay := c.opts.RetryDelay
	for attempt := 0; attempt < c.opts.RetryAttempts; attempt++ {
		err := c.repo.Pull(ctx, c.opts.Remote, c.opts.MainBranch)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientRemoteError(err) {
			return fmt.Errorf("pull: %w", err)
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("pull failed after %d attempts: %w", c.opts.RetryAttempts, lastErr)
}

// pushWithRetry implements step 5, same retry policy as pull.
func (c *Coordinator) pushWithRetry(ctx context.Context) error {
	var lastErr error
	delay := c.opts.RetryDelay
	for attempt := 0; attempt < c.opts.RetryAttempts; attempt++ {
		err := c.repo.Push(ctx, c.opts.Remote, c.opts.MainBranch)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientRemoteError(err) {
			return fmt.Errorf("push: %w", err)
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("push failed after %d attempts: %w", c.opts.RetryAttempts, lastErr)
}

func isConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "could not apply")
}

func isTransientRemoteError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"could not resolve host", "connection timed out", "temporary failure", "index.lock", "cannot lock ref", "network"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func baseName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx == -1 {
		return path
	}
	return path[idx+1:]
}
