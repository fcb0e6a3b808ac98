// Package worker runs issue pipelines on a bounded pool: worktree setup,
// a readiness probe, the managed execution, change/leak detection, and
// finalization, directly generalizing the teacher's processConcern
// (internal/engine/engine.go) from a concern-watches-a-branch model to
// an issue/readiness/verdict model.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/re-cinq/line/internal/agentio"
	"github.com/re-cinq/line/internal/config"
	"github.com/re-cinq/line/internal/git"
	"github.com/re-cinq/line/internal/gitlock"
	"github.com/re-cinq/line/internal/issue"
)

// WorkerResult is the outcome of one attempt on one issue.
type WorkerResult struct {
	IssueID      string
	BranchName   string
	WorktreePath string
	Success      bool
	Verdict      string
	Duration     time.Duration
	WorkDone     bool
	ShouldClose  bool
	Error        string
	ChangedFiles []string
}

// Future is returned by Submit; the caller may Wait for the result.
type Future struct {
	done chan struct{}
	res  WorkerResult
}

// Wait blocks until the pipeline for this issue completes.
func (f *Future) Wait() WorkerResult {
	<-f.done
	return f.res
}

// Pool runs issue pipelines on a fixed number of concurrent slots.
type Pool struct {
	cfg  *config.Config
	repo *git.Repo
	lock *gitlock.Lock
	cli  agentio.AssistantCLI

	ignoreMatcher *ignore.GitIgnore

	tickets chan struct{}

	mu              sync.Mutex
	activeWorktrees map[string]struct{}
	activeProcesses map[string]int // issue ID -> PID

	activeCount int64 // in-flight + returned-but-callback-not-run
	countMu     sync.Mutex

	shutdownMu sync.Mutex
	shutdown   bool

	wg sync.WaitGroup

	onComplete func(WorkerResult)
}

// New creates a Pool. onComplete is invoked once per Submit'd issue,
// off the pool's own goroutines, after the pipeline returns.
func New(cfg *config.Config, repo *git.Repo, lock *gitlock.Lock, cli agentio.AssistantCLI, onComplete func(WorkerResult)) *Pool {
	var matcher *ignore.GitIgnore
	if len(cfg.Settings.IgnorePatterns) > 0 {
		matcher = ignore.CompileIgnoreLines(cfg.Settings.IgnorePatterns...)
	}
	return &Pool{
		cfg:             cfg,
		repo:            repo,
		lock:            lock,
		cli:             cli,
		ignoreMatcher:   matcher,
		tickets:         make(chan struct{}, cfg.Settings.MaxWorkers),
		activeWorktrees: make(map[string]struct{}),
		activeProcesses: make(map[string]int),
		onComplete:      onComplete,
	}
}

// Submit enqueues an issue for processing on the next free slot. It
// returns an error if the pool has been shut down.
func (p *Pool) Submit(ctx context.Context, iss issue.Issue) (*Future, error) {
	p.shutdownMu.Lock()
	if p.shutdown {
		p.shutdownMu.Unlock()
		return nil, fmt.Errorf("worker pool is shut down")
	}
	p.shutdownMu.Unlock()

	p.incActive()
	future := &Future{done: make(chan struct{})}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tickets <- struct{}{}
		defer func() { <-p.tickets }()

		result := p.process(ctx, iss)
		future.res = result
		close(future.done)

		if p.onComplete != nil {
			p.onComplete(result)
		}
		p.decActive()
	}()

	return future, nil
}

func (p *Pool) incActive() {
	p.countMu.Lock()
	p.activeCount++
	p.countMu.Unlock()
}

func (p *Pool) decActive() {
	p.countMu.Lock()
	p.activeCount--
	p.countMu.Unlock()
}

// ActiveCount counts in-flight pipelines plus pipelines whose body has
// returned but whose completion callback has not yet run, so the
// orchestrator never observes a premature "idle".
func (p *Pool) ActiveCount() int {
	p.countMu.Lock()
	defer p.countMu.Unlock()
	return int(p.activeCount)
}

// registerWorktree adds path to the active-worktree protection set.
func (p *Pool) registerWorktree(path string) {
	p.mu.Lock()
	p.activeWorktrees[path] = struct{}{}
	p.mu.Unlock()
}

// deregisterWorktree removes path from the active-worktree set.
func (p *Pool) deregisterWorktree(path string) {
	p.mu.Lock()
	delete(p.activeWorktrees, path)
	p.mu.Unlock()
}

// IsActiveWorktree reports whether path is currently protected.
func (p *Pool) IsActiveWorktree(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.activeWorktrees[path]
	return ok
}

func (p *Pool) registerProcess(issueID string, pid int) {
	p.mu.Lock()
	p.activeProcesses[issueID] = pid
	p.mu.Unlock()
}

func (p *Pool) deregisterProcess(issueID string) {
	p.mu.Lock()
	delete(p.activeProcesses, issueID)
	p.mu.Unlock()
}

// CleanupWorktree removes a worktree path unless it is in the active
// set, in which case it is skipped and a warning returned instead of
// being silently ignored. Invariant 4 in spec.md §8: no cleanup routine
// ever deletes a path present in active_worktrees at decision time.
func (p *Pool) CleanupWorktree(ctx context.Context, path string) error {
	if p.IsActiveWorktree(path) {
		return fmt.Errorf("skipping cleanup of %s: worktree is active", path)
	}
	return p.repo.RemoveWorktree(ctx, path, true)
}

// CleanupAll removes every worktree under worktreeBaseDir not present
// in the active set, used by the orphan sweep at orchestrator startup.
func (p *Pool) CleanupAll(ctx context.Context, worktreeBaseDir string) (removed []string, skipped []string, err error) {
	entries, err := os.ReadDir(worktreeBaseDir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(worktreeBaseDir, entry.Name())
		if p.IsActiveWorktree(path) {
			skipped = append(skipped, path)
			continue
		}
		if cerr := p.repo.RemoveWorktree(ctx, path, true); cerr != nil {
			_ = os.RemoveAll(path)
		}
		removed = append(removed, path)
	}
	return removed, skipped, nil
}

// TerminateAll sends SIGTERM then SIGKILL to every tracked subprocess,
// used on shutdown. Individual send failures are ignored — the process
// may have already exited on its own.
func (p *Pool) TerminateAll() {
	p.mu.Lock()
	pids := make(map[string]int, len(p.activeProcesses))
	for id, pid := range p.activeProcesses {
		pids[id] = pid
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, pid := range pids {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			terminateProcess(pid)
		}(pid)
	}
	wg.Wait()

	p.mu.Lock()
	p.activeProcesses = make(map[string]int)
	p.mu.Unlock()
}

// Shutdown stops accepting new work and waits for in-flight pipelines
// to drain, bounded by grace.
func (p *Pool) Shutdown(grace time.Duration) {
	p.shutdownMu.Lock()
	p.shutdown = true
	p.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.TerminateAll()
		<-done
	}
}
