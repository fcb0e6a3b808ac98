package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S5 — SIGINT during a busy parallel run stops new admissions, drains
// in-flight workers within the grace window, and exits 130 with the
// interrupted issue recorded as attempted (not completed).
var _ = Describe("line parallel signal handling", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "line-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = setupTestRepo(tmpDir)

		configPath = filepath.Join(repoDir, "line.yaml")
		writeFile(configPath, `
agent:
  command: "sh"
  ready_args: ["-c", "echo 'VERDICT: ready'"]
  manage_args: ["-c", "sleep 30 && echo 'VERDICT: ready'"]
  resume_flag: "--resume"

settings:
  max_workers: 1
  branch_prefix: "line/"
  main_branch: "main"
  issues_dir: "issues"
  completed_dir: "completed"
  worktree_base_dir: ".worktrees"
  merge_strategy: "merge"
  shutdown_grace: "2s"
`)
		writeIssue(repoDir, "BUG-1", "P1", nil)
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("exits 130 and records the interrupted issue as attempted, not completed", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		Expect(cmd.Start()).To(Succeed())

		// Give the worker time to start its worktree and launch the
		// sleeping manage subprocess before interrupting.
		time.Sleep(700 * time.Millisecond)
		Expect(cmd.Process.Signal(syscall.SIGINT)).To(Succeed())

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case err := <-done:
			exitErr, ok := err.(*exec.ExitError)
			Expect(ok).To(BeTrue(), "expected a non-zero ExitError, got: %v", err)
			Expect(exitErr.ExitCode()).To(Equal(130))
		case <-time.After(10 * time.Second):
			Fail("process did not exit within the shutdown grace window")
		}

		stateData, err := os.ReadFile(filepath.Join(repoDir, ".claude", "ll-state.json"))
		Expect(err).NotTo(HaveOccurred())

		var state struct {
			CompletedIssues []string `json:"completed_issues"`
			AttemptedIssues []string `json:"attempted_issues"`
		}
		Expect(json.Unmarshal(stateData, &state)).To(Succeed())
		Expect(state.AttemptedIssues).To(ContainElement("BUG-1"))
		Expect(state.CompletedIssues).NotTo(ContainElement("BUG-1"))
	})
})
