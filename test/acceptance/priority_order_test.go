package acceptance_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S2 — priority ordering: a sequential P0 issue is admitted ahead of a
// lower-priority one, recorded via a shared order log each issue's
// manage run appends to.
var _ = Describe("line parallel priority ordering", func() {
	var tmpDir, repoDir, configPath, orderLog string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "line-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = setupTestRepo(tmpDir)
		orderLog = filepath.Join(tmpDir, "order.log")

		configPath = filepath.Join(repoDir, "line.yaml")
		writeFile(configPath, fmt.Sprintf(`
agent:
  command: "sh"
  ready_args: ["-c", "echo 'VERDICT: ready'"]
  manage_args: ["-c", "echo {issue_id} >> %s && echo 'VERDICT: ready'"]
  resume_flag: "--resume"

settings:
  max_workers: 1
  p0_sequential: true
  branch_prefix: "line/"
  main_branch: "main"
  issues_dir: "issues"
  completed_dir: "completed"
  worktree_base_dir: ".worktrees"
  merge_strategy: "merge"
  shutdown_grace: "5s"
`, orderLog))

		writeIssue(repoDir, "ENH-2", "P3", nil)
		writeIssue(repoDir, "BUG-1", "P0", nil)
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("processes the P0 issue first", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		data, err := os.ReadFile(orderLog)
		Expect(err).NotTo(HaveOccurred())
		order := strings.Fields(string(data))
		Expect(order).To(Equal([]string{"BUG-1", "ENH-2"}))
	})
})
