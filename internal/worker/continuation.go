package worker

import (
	"os"

	"github.com/re-cinq/line/internal/fileutil"
)

// continuationRequested reports whether the assistant CLI left a
// continuation handoff marker behind (spec.md §6 "Assistant CLI
// contract"), signaling it ran out of budget mid-task and should be
// resumed rather than treated as finished.
func continuationRequested(worktreeDir, dotDir string) bool {
	_, err := os.Stat(fileutil.ContinuePromptPath(worktreeDir, dotDir))
	return err == nil
}

// removeContinuationMarker deletes the handoff file so a stale marker
// from a prior continuation round is never mistaken for a new one.
func removeContinuationMarker(worktreeDir, dotDir string) {
	_ = os.Remove(fileutil.ContinuePromptPath(worktreeDir, dotDir))
}
