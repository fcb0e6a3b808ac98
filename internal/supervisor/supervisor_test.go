package supervisor

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdoutAndExitsCleanly(t *testing.T) {
	var mu sync.Mutex
	var got []Line

	result := Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo hello; echo world 1>&2"},
	}, Callbacks{
		OnLine: func(_ string, line Line) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		},
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 0, result.ExitCode)

	var stdoutText, stderrText []string
	for _, l := range got {
		if l.Stream == Stdout {
			stdoutText = append(stdoutText, l.Text)
		} else {
			stderrText = append(stderrText, l.Text)
		}
	}
	assert.Contains(t, strings.Join(stdoutText, "\n"), "hello")
	assert.Contains(t, strings.Join(stderrText, "\n"), "world")
}

func TestRunReportsNonZeroExitCode(t *testing.T) {
	result := Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	}, Callbacks{})
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunKillsOnIdleTimeout(t *testing.T) {
	result := Run(context.Background(), Spec{
		Command:     "sh",
		Args:        []string{"-c", "echo start; sleep 5"},
		IdleTimeout: 100 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	}, Callbacks{})

	assert.True(t, result.IdleKilled)
	assert.Error(t, result.Err)
}

func TestRunKillsOnTotalTimeout(t *testing.T) {
	start := time.Now()
	result := Run(context.Background(), Spec{
		Command:      "sh",
		Args:         []string{"-c", "sleep 5"},
		TotalTimeout: 100 * time.Millisecond,
		GracePeriod:  100 * time.Millisecond,
	}, Callbacks{})

	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := Run(ctx, Spec{
		Command:     "sh",
		Args:        []string{"-c", "sleep 5"},
		GracePeriod: 100 * time.Millisecond,
	}, Callbacks{})

	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestOnStartAndOnEndCallbacksFire(t *testing.T) {
	var startPID int
	var endResult Result
	Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo hi"},
	}, Callbacks{
		OnStart: func(_ string, pid int) { startPID = pid },
		OnEnd:   func(_ string, r Result) { endResult = r },
	})

	assert.Greater(t, startPID, 0)
	assert.Equal(t, 0, endResult.ExitCode)
}

// TestTerminateReportsReapTimeoutWithoutHanging covers the case the
// owning goroutine never delivers on waitCh after SIGKILL (a zombie, or
// a process-group member the kill missed) — terminate must give up after
// reapTimeout rather than block its caller forever.
func TestTerminateReportsReapTimeoutWithoutHanging(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	waitCh := make(chan error) // deliberately never written to

	start := time.Now()
	err, reapTimedOut := terminate(cmd, waitCh, 10*time.Millisecond)
	elapsed := time.Since(start)

	assert.True(t, reapTimedOut)
	assert.Error(t, err)
	assert.Less(t, elapsed, 5*time.Second)
	assert.GreaterOrEqual(t, elapsed, reapTimeout)
}

func TestPromptPreviewTruncatesLongInput(t *testing.T) {
	long := strings.Repeat("a", 200)
	preview := PromptPreview(long, 10)
	assert.Equal(t, "aaaaaaaaaa...", preview)
	assert.Equal(t, "short", PromptPreview("short", 10))
}
