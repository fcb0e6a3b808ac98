// Package depgraph validates and orders the blocked_by dependency graph
// between issues. Grounded on lprior-repo-open-swarm's pkg/dag.Scheduler,
// which builds gammazero/toposort edges from a Deps slice the same shape
// as an Issue's BlockedBy list; the teacher's own hand-rolled DFS cycle
// detector in internal/config/config.go covers the same concept (a
// "watches" graph rather than a "blocked_by" one) but a real topo-sort
// library is the better fit once cycle detection needs to produce an
// admission order, not just a yes/no answer.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/re-cinq/line/internal/issue"
)

// CycleError reports a dependency cycle, naming the issues involved.
type CycleError struct {
	Issues []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among issues: %v", e.Issues)
}

// Validate checks that every blocked_by reference points at a known
// issue ID and that the graph is acyclic. On success it returns issue
// IDs in a valid topological order (dependencies before dependents);
// issues with no dependency relationship at all are appended in their
// original order, as open-swarm's scheduler does for disconnected roots.
func Validate(issues []issue.Issue) ([]string, error) {
	known := make(map[string]struct{}, len(issues))
	for _, iss := range issues {
		known[iss.ID] = struct{}{}
	}

	var missing []string
	edges := make([]toposort.Edge, 0)
	for _, iss := range issues {
		for _, dep := range iss.BlockedBy {
			if _, ok := known[dep]; !ok {
				missing = append(missing, fmt.Sprintf("%s blocked_by unknown issue %s", iss.ID, dep))
				continue
			}
			edges = append(edges, toposort.Edge{dep, iss.ID})
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("invalid blocked_by references: %v", missing)
	}

	if len(edges) == 0 {
		order := make([]string, 0, len(issues))
		for _, iss := range issues {
			order = append(order, iss.ID)
		}
		return order, nil
	}

	sortedNodes, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &CycleError{Issues: cycleParticipants(issues)}
	}

	inSorted := make(map[string]bool, len(sortedNodes))
	order := make([]string, 0, len(issues))
	for _, node := range sortedNodes {
		id := node.(string)
		inSorted[id] = true
		order = append(order, id)
	}
	for _, iss := range issues {
		if !inSorted[iss.ID] {
			order = append(order, iss.ID)
		}
	}
	return order, nil
}

// cycleParticipants returns every issue ID that has at least one
// blocked_by reference, a best-effort diagnostic since toposort reports
// only that a cycle exists, not which nodes form it.
func cycleParticipants(issues []issue.Issue) []string {
	var ids []string
	for _, iss := range issues {
		if len(iss.BlockedBy) > 0 {
			ids = append(ids, iss.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Ready reports whether every entry in blockedBy is present in
// completed, i.e. whether the issue may be admitted to a worker now.
func Ready(blockedBy []string, completed map[string]struct{}) bool {
	for _, dep := range blockedBy {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}
