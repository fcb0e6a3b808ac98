package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S4 — a transient "index.lock" failure on the first pull attempts is
// retried with backoff and the merge eventually succeeds, per
// isTransientRemoteError's "index.lock" pattern in internal/merge.
var _ = Describe("line parallel merge retry", func() {
	var tmpDir, repoDir, configPath, lockPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "line-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = setupTestRepo(tmpDir)
		lockPath = filepath.Join(repoDir, ".git", "index.lock")

		remoteDir := filepath.Join(tmpDir, "origin.git")
		runGit(tmpDir, "init", "-q", "--bare", remoteDir)
		runGit(repoDir, "remote", "add", "origin", remoteDir)
		runGit(repoDir, "push", "-q", "origin", "main")

		configPath = filepath.Join(repoDir, "line.yaml")
		writeFile(configPath, `
agent:
  command: "sh"
  ready_args: ["-c", "echo 'VERDICT: ready'"]
  manage_args: ["-c", "echo work > result.txt && echo 'VERDICT: ready'"]
  resume_flag: "--resume"

settings:
  max_workers: 1
  branch_prefix: "line/"
  main_branch: "main"
  issues_dir: "issues"
  completed_dir: "completed"
  worktree_base_dir: ".worktrees"
  merge_strategy: "merge"
  merge_retry_attempts: 5
  merge_retry_delay: "150ms"
  shutdown_grace: "5s"
`)
		writeIssue(repoDir, "BUG-1", "P1", nil)

		// Simulate a stale lock from a concurrent git process; the pull
		// step retries past it the same way it retries any transient
		// remote failure.
		Expect(os.WriteFile(lockPath, []byte(""), 0644)).To(Succeed())
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("retries the transient pull failure and still merges", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		err := cmd.Start()
		Expect(err).NotTo(HaveOccurred())

		go func() {
			time.Sleep(350 * time.Millisecond)
			os.Remove(lockPath)
		}()

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case err := <-done:
			Expect(err).NotTo(HaveOccurred())
		case <-time.After(20 * time.Second):
			Fail("parallel run did not complete within 20s")
		}

		data, err := os.ReadFile(filepath.Join(repoDir, "result.txt"))
		Expect(err).NotTo(HaveOccurred(), "merged result.txt should exist on main")
		Expect(string(data)).To(ContainSubstring("work"))

		stateData, err := os.ReadFile(filepath.Join(repoDir, ".claude", "ll-state.json"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(stateData)).To(ContainSubstring("BUG-1"))
	})
})
