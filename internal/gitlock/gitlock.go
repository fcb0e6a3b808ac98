// Package gitlock serializes every git invocation line makes across the
// process: worktree git commands are not safe for concurrent use against
// the same repository (index.lock, ref locks), so every worker's git
// calls funnel through one non-reentrant Lock rather than each worker
// shelling out independently. Grounded on the teacher's exponential
// backoff retry in internal/git/git.go, generalized into a standalone
// Run wrapper so internal/git can compose with it instead of calling
// exec.Command directly.
package gitlock

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Retry constants for transient git errors, carried over from the
// teacher's internal/git/git.go.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

// transientPatterns are error substrings that indicate a retryable git failure.
var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
	"unable to create",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// sleepFunc is replaced in tests to avoid real delays.
var sleepFunc = time.Sleep

// Lock is a process-wide, non-reentrant binary semaphore guarding git
// invocations. A buffered channel of capacity one is the idiomatic Go
// mutex-with-holder-tracking: acquiring means receiving the token,
// releasing means sending it back.
type Lock struct {
	tokens chan struct{}

	mu               sync.Mutex
	holder           string
	contentionCount  int64
}

// New creates an unlocked Lock.
func New() *Lock {
	l := &Lock{tokens: make(chan struct{}, 1)}
	l.tokens <- struct{}{}
	return l
}

// Acquire blocks until the lock is free or ctx is cancelled, recording
// holderID as the current holder. Every caller that observes the token
// channel already empty (i.e. must wait) increments ContentionCount.
func (l *Lock) Acquire(ctx context.Context, holderID string) error {
	select {
	case <-l.tokens:
		l.mu.Lock()
		l.holder = holderID
		l.mu.Unlock()
		return nil
	default:
	}

	atomic.AddInt64(&l.contentionCount, 1)
	select {
	case <-l.tokens:
		l.mu.Lock()
		l.holder = holderID
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the token. Releasing an unacquired Lock panics — that
// indicates a programming error in the caller, not a runtime condition
// to recover from.
func (l *Lock) Release() {
	l.mu.Lock()
	l.holder = ""
	l.mu.Unlock()
	select {
	case l.tokens <- struct{}{}:
	default:
		panic("gitlock: Release called without a matching Acquire")
	}
}

// Holder returns the holder ID currently holding the lock, or "" if free.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// ContentionCount returns the number of Acquire calls that had to wait.
func (l *Lock) ContentionCount() int64 {
	return atomic.LoadInt64(&l.contentionCount)
}

// Run acquires the lock, executes git with args in dir, releases the
// lock, and retries transient failures with exponential backoff — all
// under the same holder ID so diagnostics can attribute contention to a
// specific worker or merge request.
func (l *Lock) Run(ctx context.Context, dir, holderID string, args ...string) (string, error) {
	if holderID == "" {
		holderID = uuid.NewString()
	}

	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if err := l.Acquire(ctx, holderID); err != nil {
			return "", fmt.Errorf("acquiring git lock: %w", err)
		}

		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		l.Release()

		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}

		errMsg := strings.TrimSpace(string(out))
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), errMsg, err)
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil // unreachable — loop always returns
}
