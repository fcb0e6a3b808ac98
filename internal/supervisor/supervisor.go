// Package supervisor runs the assistant CLI as a supervised subprocess:
// stdout over a pty (so line-buffered, interactive-style output can be
// tailed live, per the teacher's internal/engine/engine.go invokeAgent),
// stderr over a plain pipe, both drained concurrently and multiplexed
// onto one channel. Two timeouts bound the run — an idle timeout reset
// on every line of output, and a hard wall-clock timeout — and a
// SIGTERM-then-SIGKILL escalation reclaims a process that outlives them.
// Go's goroutine-plus-channel-plus-select combination is the idiomatic
// stand-in for the OS-level readiness selector (epoll/kqueue) a
// single-threaded implementation would need for this.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Stream identifies which pipe a Line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Line is one multiplexed chunk of subprocess output.
type Line struct {
	Stream Stream
	Text   string
}

// Result describes how a supervised run ended.
type Result struct {
	RunID        string
	ExitCode     int
	TimedOut     bool
	IdleKilled   bool
	ReapTimedOut bool
	Err          error
}

// Callbacks are optional hooks invoked around a run's lifecycle.
type Callbacks struct {
	OnStart func(runID string, pid int)
	OnLine  func(runID string, line Line)
	OnEnd   func(runID string, result Result)
}

// Spec describes one subprocess invocation.
type Spec struct {
	Command      string
	Args         []string
	Dir          string
	Stdin        io.Reader
	IdleTimeout  time.Duration // 0 disables idle-based termination
	TotalTimeout time.Duration // 0 disables wall-clock termination
	GracePeriod  time.Duration // SIGTERM-to-SIGKILL grace; defaults to 5s
}

// Run starts the subprocess described by spec and blocks until it exits,
// is killed for exceeding a timeout, or ctx is cancelled. Any of cb's
// hooks may be nil.
func Run(ctx context.Context, spec Spec, cb Callbacks) Result {
	runID := uuid.NewString()
	grace := spec.GracePeriod
	if grace == 0 {
		grace = 5 * time.Second
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	// Run the agent in its own process group so termination can target
	// the whole tree — the assistant CLI may itself fork helpers.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, pts, err := pty.Open()
	if err != nil {
		return Result{RunID: runID, Err: fmt.Errorf("opening pty: %w", err)}
	}
	defer ptmx.Close()

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		pts.Close()
		return Result{RunID: runID, Err: fmt.Errorf("opening stderr pipe: %w", err)}
	}

	cmd.Stdin = spec.Stdin
	cmd.Stdout = pts
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		pts.Close()
		stderrW.Close()
		stderrR.Close()
		return Result{RunID: runID, Err: fmt.Errorf("starting subprocess: %w", err)}
	}
	pts.Close()    // parent's copy; child inherited it
	stderrW.Close()

	if cb.OnStart != nil {
		cb.OnStart(runID, cmd.Process.Pid)
	}

	lines := make(chan Line)
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(ptmx, Stdout, lines, &wg)
	go pump(stderrR, Stderr, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var idleTimer *time.Timer
	var idleCh <-chan time.Time
	if spec.IdleTimeout > 0 {
		idleTimer = time.NewTimer(spec.IdleTimeout)
		idleCh = idleTimer.C
		defer idleTimer.Stop()
	}

	var totalCh <-chan time.Time
	if spec.TotalTimeout > 0 {
		totalTimer := time.NewTimer(spec.TotalTimeout)
		totalCh = totalTimer.C
		defer totalTimer.Stop()
	}

	result := Result{RunID: runID}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if cb.OnLine != nil {
				cb.OnLine(runID, line)
			}
			if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(spec.IdleTimeout)
			}

		case <-idleCh:
			result.IdleKilled = true
			err, reapTimedOut := terminate(cmd, waitCh, grace)
			result.ExitCode = exitCode(err)
			result.ReapTimedOut = reapTimedOut
			result.Err = fmt.Errorf("idle timeout after %s", spec.IdleTimeout)
			if reapTimedOut {
				result.Err = fmt.Errorf("%w; warning: %s", result.Err, err)
			}
			drain(lines)
			if cb.OnEnd != nil {
				cb.OnEnd(runID, result)
			}
			return result

		case <-totalCh:
			result.TimedOut = true
			err, reapTimedOut := terminate(cmd, waitCh, grace)
			result.ExitCode = exitCode(err)
			result.ReapTimedOut = reapTimedOut
			result.Err = fmt.Errorf("total timeout after %s", spec.TotalTimeout)
			if reapTimedOut {
				result.Err = fmt.Errorf("%w; warning: %s", result.Err, err)
			}
			drain(lines)
			if cb.OnEnd != nil {
				cb.OnEnd(runID, result)
			}
			return result

		case <-ctx.Done():
			err, reapTimedOut := terminate(cmd, waitCh, grace)
			result.ExitCode = exitCode(err)
			result.ReapTimedOut = reapTimedOut
			result.Err = ctx.Err()
			if reapTimedOut {
				result.Err = fmt.Errorf("%w; warning: %s", result.Err, err)
			}
			drain(lines)
			if cb.OnEnd != nil {
				cb.OnEnd(runID, result)
			}
			return result

		case err := <-waitCh:
			result.ExitCode = exitCode(err)
			if err != nil && result.ExitCode == -1 {
				result.Err = err
			}
			drain(lines)
			if cb.OnEnd != nil {
				cb.OnEnd(runID, result)
			}
			return result
		}
	}
}

// pump scans r line-by-line and forwards each to out, tagged with which.
// An io.EOF from a pty's read side (surfaced as EIO on Linux once the
// slave closes) is expected process-exit noise, not an error.
func pump(r io.Reader, which Stream, out chan<- Line, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- Line{Stream: which, Text: scanner.Text()}
	}
	_ = scanner.Err() // EIO / closed pipe at process exit; nothing actionable
}

// drain discards any remaining buffered lines so the pump goroutines'
// sends do not block forever after a timeout path has already returned.
func drain(lines chan Line) {
	if lines == nil {
		return
	}
	for range lines {
	}
}

// reapTimeout bounds how long terminate waits for cmd.Wait to report
// exit after a SIGKILL, per spec.md §9's "never wait on a killed
// process without a timeout" design note.
const reapTimeout = 2 * time.Second

// terminate sends SIGTERM to the subprocess's process group, waits up to
// grace for cmd.Wait to report exit on waitCh, and escalates to SIGKILL
// (again process-group-wide) if the process outlives the grace period.
// waitCh must be the single channel the owning goroutine delivers
// cmd.Wait()'s result on — it is read here, at most once per outcome.
// If the process still hasn't been reaped reapTimeout after the
// SIGKILL (a zombie, or a process-group member SIGKILL missed), this
// gives up waiting and reports it via the second return value rather
// than blocking the caller forever.
func terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) (err error, reapTimedOut bool) {
	if cmd.Process == nil {
		return <-waitCh, false
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-waitCh:
		return err, false
	case <-timer.C:
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		reapTimer := time.NewTimer(reapTimeout)
		defer reapTimer.Stop()
		select {
		case err := <-waitCh:
			return err, false
		case <-reapTimer.C:
			return fmt.Errorf("pid %d did not exit within %s of SIGKILL", cmd.Process.Pid, reapTimeout), true
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// PromptPreview returns the first n characters of s, for log lines that
// should not dump an entire prompt.
func PromptPreview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
