package worker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/re-cinq/line/internal/git"
)

// statusSnapshot maps a path to its two-character porcelain status code.
type statusSnapshot map[string]string

// mainRepoStatus takes a baseline snapshot of the main repository's
// working tree, used to detect leaks: any path present in the
// post-run snapshot that was absent from this baseline.
func mainRepoStatus(ctx context.Context, repo *git.Repo) (statusSnapshot, error) {
	out, err := repo.StatusPorcelainAll(ctx)
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) statusSnapshot {
	snap := make(statusSnapshot)
	for _, line := range strings.Split(out, "\n") {
		if len(line) <= 3 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		if path == "" {
			continue
		}
		snap[path] = code
	}
	return snap
}

// detectAndCleanLeaks implements pipeline step 5: any path present in
// the main repo's working tree now but absent from baseline is a leak
// — a subprocess wrote outside its worktree. Each leak is restored or
// removed through git when git can see it; gitignored paths git
// reports as empty fall back to a direct filesystem delete.
func (p *Pool) detectAndCleanLeaks(ctx context.Context, baseline statusSnapshot) error {
	after, err := mainRepoStatus(ctx, p.repo)
	if err != nil {
		return fmt.Errorf("reading post-run status: %w", err)
	}

	var errs []string
	for path := range after {
		if _, existed := baseline[path]; existed {
			continue
		}
		if err := p.cleanLeak(ctx, path); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", path, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (p *Pool) cleanLeak(ctx context.Context, path string) error {
	pathStatus, err := p.repo.Lock.Run(ctx, p.repo.Dir, p.repo.HolderID, "status", "--porcelain", "--", path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(pathStatus) == "" {
		// Path-scoped porcelain is empty — expected for a gitignored
		// file git won't track at all. Remove it directly.
		full := path
		if !strings.HasPrefix(full, p.repo.Dir) {
			full = p.repo.Dir + string(os.PathSeparator) + path
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing leaked file: %w", err)
		}
		return nil
	}

	// git can see it — restore (tracked, modified) or clean (untracked).
	code := pathStatus[:2]
	if strings.Contains(code, "?") {
		_, err := p.repo.Lock.Run(ctx, p.repo.Dir, p.repo.HolderID, "clean", "-f", "--", path)
		return err
	}
	_, err = p.repo.Lock.Run(ctx, p.repo.Dir, p.repo.HolderID, "checkout", "--", path)
	return err
}
