// Package issue defines the issue record line schedules work around, and
// a minimal default scanner that reads them from Markdown files with
// front matter. Parsing the Markdown body itself is explicitly out of
// scope (spec.md §1) — line only needs the handful of scheduling fields
// in the front matter.
package issue

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Priority is a fixed ordered enum; lower values run first.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
	P4
	P5
)

// ParsePriority parses a priority label like "P0" case-insensitively.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "P0":
		return P0, nil
	case "P1":
		return P1, nil
	case "P2":
		return P2, nil
	case "P3":
		return P3, nil
	case "P4":
		return P4, nil
	case "P5":
		return P5, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Issue is an opaque unit of work scanned from disk. The orchestrator
// never interprets its body, only the fields below.
type Issue struct {
	ID        string
	Priority  Priority
	Type      string // BUG | FEAT | ENH
	Category  string
	Path      string
	Title     string
	BlockedBy []string
}

// Source scans a directory for issues. The default implementation
// (DirScanner) is intentionally thin; callers needing richer parsing
// supply their own Source.
type Source interface {
	Scan(dir string) ([]Issue, error)
}

// frontMatter is the subset of fields DirScanner extracts from an issue
// file's front matter, in either YAML (`---`) or TOML (`+++`) form.
type frontMatter struct {
	ID        string   `yaml:"id" toml:"id"`
	Priority  string   `yaml:"priority" toml:"priority"`
	Type      string   `yaml:"type" toml:"type"`
	Category  string   `yaml:"category" toml:"category"`
	Title     string   `yaml:"title" toml:"title"`
	BlockedBy []string `yaml:"blocked_by" toml:"blocked_by"`
}

// DirScanner reads issue files (*.md) from a directory tree, extracting
// front matter. It is the default Source.
type DirScanner struct{}

// Scan implements Source.
func (DirScanner) Scan(dir string) ([]Issue, error) {
	var issues []Issue

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		iss, err := parseIssueFile(path, dir)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		if iss != nil {
			issues = append(issues, *iss)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })
	return issues, nil
}

func parseIssueFile(path, root string) (*Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fm, err := extractFrontMatter(data)
	if err != nil {
		return nil, err
	}
	if fm == nil || fm.ID == "" {
		return nil, nil // not an issue file (no recognizable front matter)
	}

	priority, err := ParsePriority(fm.Priority)
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil {
		rel = "."
	}
	category := fm.Category
	if category == "" && rel != "." {
		category = filepath.ToSlash(rel)
	}

	return &Issue{
		ID:        fm.ID,
		Priority:  priority,
		Type:      fm.Type,
		Category:  category,
		Path:      path,
		Title:     fm.Title,
		BlockedBy: fm.BlockedBy,
	}, nil
}

// extractFrontMatter reads a leading `---`/`+++` delimited block and
// decodes it as YAML or TOML respectively. Returns nil, nil if the file
// has no recognizable front matter block.
func extractFrontMatter(data []byte) (*frontMatter, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() {
		return nil, nil
	}
	delim := strings.TrimSpace(scanner.Text())
	var closing string
	switch delim {
	case "---":
		closing = "---"
	case "+++":
		closing = "+++"
	default:
		return nil, nil
	}

	var block strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == closing {
			var fm frontMatter
			var err error
			if closing == "---" {
				err = yaml.Unmarshal([]byte(block.String()), &fm)
			} else {
				err = toml.Unmarshal([]byte(block.String()), &fm)
			}
			if err != nil {
				return nil, err
			}
			return &fm, nil
		}
		block.WriteString(line)
		block.WriteString("\n")
	}
	return nil, nil // no closing delimiter found
}
