package acceptance_test

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S3 — a worker writes a gitignored file directly into the main repo's
// working tree (outside its own worktree); leak detection must remove
// it and not enqueue a merge for an issue with no real work done.
var _ = Describe("line parallel leak cleanup", func() {
	var tmpDir, repoDir, configPath, leakedPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "line-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = setupTestRepo(tmpDir)
		leakedPath = filepath.Join(repoDir, "issues", "leaked.md")

		writeFile(filepath.Join(repoDir, ".gitignore"), "issues/leaked.md\n")
		runGit(repoDir, "add", ".gitignore")
		runGit(repoDir, "commit", "-m", "ignore leaked scratch file")

		configPath = filepath.Join(repoDir, "line.yaml")
		writeFile(configPath, fmt.Sprintf(`
agent:
  command: "sh"
  ready_args: ["-c", "echo 'VERDICT: ready'"]
  manage_args: ["-c", "echo leak > %s && echo 'VERDICT: ready'"]
  resume_flag: "--resume"

settings:
  max_workers: 1
  branch_prefix: "line/"
  main_branch: "main"
  issues_dir: "issues"
  completed_dir: "completed"
  worktree_base_dir: ".worktrees"
  merge_strategy: "merge"
  shutdown_grace: "5s"
`, leakedPath))

		writeIssue(repoDir, "BUG-1", "P1", nil)
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("removes the leaked file and completes the issue without a merge", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		_, statErr := os.Stat(leakedPath)
		Expect(os.IsNotExist(statErr)).To(BeTrue(), "leaked file should have been cleaned up")

		stateData, err := os.ReadFile(filepath.Join(repoDir, ".claude", "ll-state.json"))
		Expect(err).NotTo(HaveOccurred())
		var state struct {
			CompletedIssues []string `json:"completed_issues"`
			FailedIssues    map[string]string `json:"failed_issues"`
		}
		Expect(json.Unmarshal(stateData, &state)).To(Succeed())
		Expect(state.CompletedIssues).To(ContainElement("BUG-1"))
		Expect(state.FailedIssues).NotTo(HaveKey("BUG-1"))

		log := runGitOutput(repoDir, "log", "--oneline", "main")
		Expect(log).NotTo(ContainSubstring("merge"), "a worktree with no real changes must never produce a merge commit on main")
	})
})
