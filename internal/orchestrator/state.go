package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/re-cinq/line/internal/fileutil"
)

// State is the durable resume record (spec.md §6 "ll-state.json").
// Attempted includes every ID that ever left the queue, regardless of
// outcome, so a resumed run never re-issues work already dispatched.
type State struct {
	mu sync.Mutex

	Completed      map[string]struct{} `json:"-"`
	Failed         map[string]string   `json:"-"`
	Attempted      map[string]struct{} `json:"-"`
	StartTime      string              `json:"start_time"`
	LastUpdateTime string              `json:"last_update_time"`
}

// wireState is the JSON-on-the-wire shape; unordered sets are normalized
// to sorted slices / maps so round-tripping is deterministic.
type wireState struct {
	CompletedIssues []string          `json:"completed_issues"`
	FailedIssues    map[string]string `json:"failed_issues"`
	AttemptedIssues []string          `json:"attempted_issues"`
	StartTime       string            `json:"start_time"`
	LastUpdateTime  string            `json:"last_update_time"`
}

// NewState returns an empty State stamped with startTime.
func NewState(startTime string) *State {
	return &State{
		Completed:      make(map[string]struct{}),
		Failed:         make(map[string]string),
		Attempted:      make(map[string]struct{}),
		StartTime:      startTime,
		LastUpdateTime: startTime,
	}
}

// LoadState reads a prior state document from path. A missing file
// returns a fresh State rather than an error, per spec.md §4.6 step 4.
func LoadState(path, startTime string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewState(startTime), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}

	s := NewState(w.StartTime)
	for _, id := range w.CompletedIssues {
		s.Completed[id] = struct{}{}
	}
	for id, reason := range w.FailedIssues {
		s.Failed[id] = reason
	}
	for _, id := range w.AttemptedIssues {
		s.Attempted[id] = struct{}{}
	}
	s.LastUpdateTime = w.LastUpdateTime
	return s, nil
}

// MarkCompleted records id as completed and attempted.
func (s *State) MarkCompleted(id, now string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Completed[id] = struct{}{}
	s.Attempted[id] = struct{}{}
	s.LastUpdateTime = now
}

// MarkFailed records id as failed and attempted, with a human-readable reason.
func (s *State) MarkFailed(id, reason, now string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failed[id] = reason
	s.Attempted[id] = struct{}{}
	s.LastUpdateTime = now
}

// MarkAttempted records id as attempted without a terminal outcome yet
// (e.g. admitted into the pool, still running at shutdown time).
func (s *State) MarkAttempted(id, now string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attempted[id] = struct{}{}
	s.LastUpdateTime = now
}

// IsCompleted reports whether id is already completed (used to pre-mark
// scanned issues on resume).
func (s *State) IsCompleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Completed[id]
	return ok
}

// IsAttempted reports whether id has already left the queue on a prior run.
func (s *State) IsAttempted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Attempted[id]
	return ok
}

// IsFailed reports whether id is recorded as failed.
func (s *State) IsFailed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Failed[id]
	return ok
}

// Save writes the state document atomically, per spec.md §4.6
// "Persist state snapshot" — write-temp + rename so a crash never leaves
// a partially written file for a later Load to choke on.
func (s *State) Save(path string) error {
	s.mu.Lock()
	w := wireState{
		CompletedIssues: sortedKeys(s.Completed),
		FailedIssues:    copyFailed(s.Failed),
		AttemptedIssues: sortedKeys(s.Attempted),
		StartTime:       s.StartTime,
		LastUpdateTime:  s.LastUpdateTime,
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	return fileutil.WriteFileAtomic(path, data, 0644)
}

// Snapshot is a point-in-time, read-only copy of a State for display
// (the `status` command reads a snapshot rather than locking State's
// internal maps directly).
type Snapshot struct {
	Completed      []string
	Failed         map[string]string
	Attempted      []string
	StartTime      string
	LastUpdateTime string
}

// Snapshot returns a copy of s safe to read without holding s.mu.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Completed:      sortedKeys(s.Completed),
		Failed:         copyFailed(s.Failed),
		Attempted:      sortedKeys(s.Attempted),
		StartTime:      s.StartTime,
		LastUpdateTime: s.LastUpdateTime,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyFailed(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
