// Package git wraps the subset of git plumbing line needs: worktree
// lifecycle, branch inspection, diffing, and the merge/rebase
// operations the merge coordinator drives. Every invocation is
// serialized through a shared gitlock.Lock (spec.md §4.2) rather than
// calling exec.Command directly, since concurrent git invocations
// against one repository race on index.lock and ref locks.
package git

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/re-cinq/line/internal/gitlock"
)

// Repo wraps git operations for a repository, funneling every
// invocation through a shared Lock.
type Repo struct {
	Dir      string
	Lock     *gitlock.Lock
	HolderID string
}

// NewRepo creates a Repo for the given directory, sharing lock with any
// other Repo instance pointed at the same underlying git repository
// (main repo + all of its worktrees).
func NewRepo(dir string, lock *gitlock.Lock, holderID string) *Repo {
	return &Repo{Dir: dir, Lock: lock, HolderID: holderID}
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	return r.Lock.Run(ctx, r.Dir, r.HolderID, args...)
}

// HeadCommit returns the commit hash at HEAD for a given branch.
func (r *Repo) HeadCommit(ctx context.Context, branch string) (string, error) {
	return r.run(ctx, "rev-parse", branch)
}

// BranchExists checks if a branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", branch)
	return err == nil
}

// CreateBranch creates a new branch from a starting point.
func (r *Repo) CreateBranch(ctx context.Context, name, from string) error {
	_, err := r.run(ctx, "branch", name, from)
	return err
}

// CreateWorktree creates a git worktree for a branch.
func (r *Repo) CreateWorktree(ctx context.Context, path, branch string) error {
	_, err := r.run(ctx, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree removes a worktree. force=true also discards any
// uncommitted changes in it, used by the orphan sweep (spec.md §4.6)
// when a worktree is known-abandoned.
func (r *Repo) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := r.run(ctx, args...)
	return err
}

// WorktreeEntry is one entry from `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Branch string
	HEAD   string
}

// WorktreeList returns every worktree registered against the repository,
// including the main working tree.
func (r *Repo) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var entries []WorktreeEntry
	var cur WorktreeEntry
	flush := func() {
		if cur.Path != "" {
			entries = append(entries, cur)
		}
		cur = WorktreeEntry{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return entries, nil
}

// DeleteBranch force-deletes a branch, used after a worktree's issue
// has merged or been abandoned.
func (r *Repo) DeleteBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "branch", "-D", name)
	return err
}

// CommitsBetween returns commit hashes between two refs (exclusive of from, inclusive of to).
// If from is empty, returns all commits up to `to`.
func (r *Repo) CommitsBetween(ctx context.Context, from, to string) ([]string, error) {
	var rangeSpec string
	if from == "" {
		rangeSpec = to
	} else {
		rangeSpec = from + ".." + to
	}
	out, err := r.run(ctx, "rev-list", rangeSpec)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitMessage returns the full commit message for a given hash.
func (r *Repo) CommitMessage(ctx context.Context, hash string) (string, error) {
	return r.run(ctx, "log", "-1", "--format=%B", hash)
}

// EnsureIdentity sets user.name and user.email in the repo's local config
// if they are not already resolvable (e.g. via global config or environment).
// This prevents "Author identity unknown" errors in CI environments.
func (r *Repo) EnsureIdentity(ctx context.Context) {
	if _, err := r.run(ctx, "config", "user.name"); err != nil {
		_, _ = r.run(ctx, "config", "user.name", "line")
	}
	if _, err := r.run(ctx, "config", "user.email"); err != nil {
		_, _ = r.run(ctx, "config", "user.email", "line@localhost")
	}
}

// WorktreePath returns the worktree path for an issue,
// <repoDir>/<baseDir>/worker-<issueID>. branchPrefix names the issue's
// branch only and does not affect the path.
func WorktreePath(repoDir, baseDir, branchPrefix, issueID string) string {
	return filepath.Join(repoDir, baseDir, "worker-"+issueID)
}

// FilesChangedInCommit returns the list of file paths changed in a single commit.
// Uses diff-tree which works correctly for root commits (no parent).
func (r *Repo) FilesChangedInCommit(ctx context.Context, hash string) ([]string, error) {
	out, err := r.run(ctx, "diff-tree", "--no-commit-id", "-r", "--name-only", hash)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DiffNameOnly returns files that differ between the worktree's branch
// and mainBranch, used to detect a leaked change outside the issue's
// declared scope (spec.md §4.4 leak detection).
func (r *Repo) DiffNameOnly(ctx context.Context, mainBranch string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", mainBranch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// StatusPorcelain returns `git status --porcelain` output, used both for
// HasChanges and for identifying leaked untracked files.
func (r *Repo) StatusPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// StatusPorcelainAll is like StatusPorcelain but includes gitignored
// paths (`--ignored`), so leak detection can see a subprocess writing a
// file under an ignored directory (e.g. the worktree base dir itself).
func (r *Repo) StatusPorcelainAll(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain", "--ignored")
}

// HasChanges checks if there are any uncommitted changes in the worktree.
func (r *Repo) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.StatusPorcelain(ctx)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StageAll stages all changes (including untracked files) in the worktree.
func (r *Repo) StageAll(ctx context.Context) error {
	_, err := r.run(ctx, "add", "-A")
	return err
}

// StageFiles stages exactly the given paths. Used by the merge
// coordinator's stash-skip discipline: only a request's own
// changed_files are staged, never the whole tree (spec.md §4.5).
func (r *Repo) StageFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := r.run(ctx, args...)
	return err
}

// Mv renames a file under git, used when an issue moves from issues/ to
// completed/ as part of its own commit.
func (r *Repo) Mv(ctx context.Context, from, to string) error {
	_, err := r.run(ctx, "mv", from, to)
	return err
}

// Commit creates a commit with the given message.
// Uses --no-verify to skip pre-commit hooks since line commits after
// the agent has exited — no agent is available to fix hook failures.
func (r *Repo) Commit(ctx context.Context, message string) error {
	_, err := r.run(ctx, "commit", "--no-verify", "-m", message)
	return err
}

// ResetSoft performs a soft reset to the given ref, preserving file changes.
func (r *Repo) ResetSoft(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "reset", "--soft", ref)
	return err
}

// ResetHard performs a hard reset, discarding all local changes.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "reset", "--hard", ref)
	return err
}

func (r *Repo) abortRebase(ctx context.Context) {
	_, _ = r.run(ctx, "rebase", "--abort") // ignore error — fails if no rebase in progress
}

// Rebase rebases the current branch onto targetBranch.
// If conflicts occur, aborts the rebase and returns an error — a
// conflict is terminal for the merge coordinator (spec.md §4.5),
// unlike the teacher's auto-discard-and-redo policy.
func (r *Repo) Rebase(ctx context.Context, targetBranch string) error {
	r.abortRebase(ctx)

	_, err := r.run(ctx, "rebase", targetBranch)
	if err != nil {
		r.abortRebase(ctx)
		return fmt.Errorf("rebase onto %s: %w", targetBranch, err)
	}
	return nil
}

// Merge merges sourceBranch into the current branch with a merge
// commit. A conflict leaves the merge in progress; caller must Abort.
func (r *Repo) Merge(ctx context.Context, sourceBranch, message string) error {
	_, err := r.run(ctx, "merge", "--no-ff", "-m", message, sourceBranch)
	return err
}

// AbortMerge aborts an in-progress merge.
func (r *Repo) AbortMerge(ctx context.Context) error {
	_, err := r.run(ctx, "merge", "--abort")
	return err
}

// Checkout switches the current worktree to ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", ref)
	return err
}

// Fetch fetches from the named remote (typically "origin").
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	_, err := r.run(ctx, "fetch", remote)
	return err
}

// Pull fast-forwards the named branch from remote. Always --ff-only:
// the merge coordinator's own step 4 owns the merge/rebase strategy
// choice, and a pull that isn't a fast-forward means main has diverged
// or is dirty — that must fail deterministically here rather than
// silently merge (spec.md §4.5 step 3).
func (r *Repo) Pull(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "pull", "--ff-only", remote, branch)
	return err
}

// Push pushes the current branch to remote.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "push", remote, branch)
	return err
}
