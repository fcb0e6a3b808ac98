package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/re-cinq/line/internal/issue"
)

func TestValidateOrdersDependenciesBeforeDependents(t *testing.T) {
	issues := []issue.Issue{
		{ID: "c", BlockedBy: []string{"b"}},
		{ID: "b", BlockedBy: []string{"a"}},
		{ID: "a"},
	}
	order, err := Validate(issues)
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestValidateDetectsCycle(t *testing.T) {
	issues := []issue.Issue{
		{ID: "a", BlockedBy: []string{"b"}},
		{ID: "b", BlockedBy: []string{"a"}},
	}
	_, err := Validate(issues)
	require.Error(t, err)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	issues := []issue.Issue{
		{ID: "a", BlockedBy: []string{"ghost"}},
	}
	_, err := Validate(issues)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateIncludesDisconnectedRoots(t *testing.T) {
	issues := []issue.Issue{
		{ID: "isolated"},
		{ID: "b", BlockedBy: []string{"a"}},
		{ID: "a"},
	}
	order, err := Validate(issues)
	require.NoError(t, err)
	assert.Len(t, order, 3)
	assert.Contains(t, order, "isolated")
}

func TestReady(t *testing.T) {
	completed := map[string]struct{}{"a": {}}
	assert.True(t, Ready([]string{"a"}, completed))
	assert.False(t, Ready([]string{"a", "b"}, completed))
	assert.True(t, Ready(nil, completed))
}
