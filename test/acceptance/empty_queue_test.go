package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S1 — empty queue, empty run.
var _ = Describe("line parallel with no issues", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "line-test-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = setupTestRepo(tmpDir)

		configPath = filepath.Join(repoDir, "line.yaml")
		writeFile(configPath, baseConfig)
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("exits 0 and writes an empty state file", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		statePath := filepath.Join(repoDir, ".claude", "ll-state.json")
		data, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())

		var st struct {
			CompletedIssues []string          `json:"completed_issues"`
			FailedIssues    map[string]string `json:"failed_issues"`
		}
		Expect(json.Unmarshal(data, &st)).To(Succeed())
		Expect(st.CompletedIssues).To(BeEmpty())
		Expect(st.FailedIssues).To(BeEmpty())
	})

	It("leaves no worktrees registered", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		out := runGitOutput(repoDir, "worktree", "list", "--porcelain")
		// Only the main working tree entry should be present.
		Expect(len(splitWorktreeEntries(out))).To(Equal(1))
	})
})

func splitWorktreeEntries(porcelain string) []string {
	var entries []string
	for _, line := range splitLinesLocal(porcelain) {
		if len(line) >= 9 && line[:9] == "worktree " {
			entries = append(entries, line)
		}
	}
	return entries
}

func splitLinesLocal(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
