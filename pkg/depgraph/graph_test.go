package depgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stagecraft/trafficcore/pkg/types"
)

// mapOracle is a StatusOracle backed by a plain map; unlisted agents are
// Unknown.
type mapOracle map[string]types.AgentState

func (m mapOracle) AgentState(agentID string) types.AgentState {
	if s, ok := m[agentID]; ok {
		return s
	}
	return types.AgentStateUnknown
}

func TestDeclareAndLookup(t *testing.T) {
	g := NewGraph(mapOracle{})

	g.Declare("b", []string{"a"})
	g.Declare("c", []string{"a", "b"})

	assert.Equal(t, []string{"a"}, g.PrerequisitesOf("b"))
	assert.ElementsMatch(t, []string{"a", "b"}, g.PrerequisitesOf("c"))
	assert.ElementsMatch(t, []string{"b", "c"}, g.DependentsOf("a"))
	assert.ElementsMatch(t, []string{"c"}, g.DependentsOf("b"))
	assert.Equal(t, 3, g.EdgeCount())
}

func TestDeclareIdempotent(t *testing.T) {
	g := NewGraph(mapOracle{})

	g.Declare("b", []string{"a"})
	g.Declare("b", []string{"a"})

	assert.Equal(t, []string{"a"}, g.PrerequisitesOf("b"))
	assert.ElementsMatch(t, []string{"b"}, g.DependentsOf("a"))
	assert.Equal(t, 1, g.EdgeCount())
}

func TestDeclareReplacesPrior(t *testing.T) {
	g := NewGraph(mapOracle{})

	g.Declare("c", []string{"a"})
	g.Declare("c", []string{"b"})

	assert.Equal(t, []string{"b"}, g.PrerequisitesOf("c"))
	assert.Empty(t, g.DependentsOf("a"))
	assert.ElementsMatch(t, []string{"c"}, g.DependentsOf("b"))
}

func TestDeclareDropsSelfAndDuplicates(t *testing.T) {
	g := NewGraph(mapOracle{})

	g.Declare("b", []string{"a", "a", "b"})

	assert.Equal(t, []string{"a"}, g.PrerequisitesOf("b"))
	assert.Equal(t, 1, g.EdgeCount())
}

func TestSatisfiedDirect(t *testing.T) {
	oracle := mapOracle{"a": types.AgentStateRunning}
	g := NewGraph(oracle)
	g.Declare("b", []string{"a"})

	assert.False(t, g.Satisfied("b"))

	oracle["a"] = types.AgentStateCompleted
	assert.True(t, g.Satisfied("b"))
}

func TestSatisfiedTransitive(t *testing.T) {
	oracle := mapOracle{
		"a": types.AgentStateCompleted,
		"b": types.AgentStateCompleted,
	}
	g := NewGraph(oracle)
	g.Declare("b", []string{"a"})
	g.Declare("c", []string{"b"})

	assert.True(t, g.Satisfied("c"))

	// A transitive prerequisite regressing breaks satisfaction even though
	// the direct one is Completed.
	oracle["a"] = types.AgentStateError
	assert.False(t, g.Satisfied("c"))
}

func TestSatisfiedNoPrereqs(t *testing.T) {
	g := NewGraph(mapOracle{})
	assert.True(t, g.Satisfied("lone"))
}

func TestCycleSafety(t *testing.T) {
	oracle := mapOracle{
		"a": types.AgentStateCompleted,
		"b": types.AgentStateCompleted,
	}
	g := NewGraph(oracle)
	g.Declare("a", []string{"b"})
	g.Declare("b", []string{"a"})

	done := make(chan bool, 1)
	go func() { done <- g.Satisfied("a") }()

	select {
	case satisfied := <-done:
		// A cycle is never satisfied, even with all members Completed.
		assert.False(t, satisfied)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle evaluation did not terminate")
	}

	// The graph is still usable after the evaluation.
	g.Declare("c", nil)
	assert.True(t, g.Satisfied("c"))
}

func TestDiamondEvaluatesOnce(t *testing.T) {
	oracle := mapOracle{
		"a": types.AgentStateCompleted,
		"b": types.AgentStateCompleted,
		"c": types.AgentStateCompleted,
	}
	g := NewGraph(oracle)
	g.Declare("b", []string{"a"})
	g.Declare("c", []string{"a"})
	g.Declare("d", []string{"b", "c"})

	assert.True(t, g.Satisfied("d"))
}

func TestOnCompletedReturnsDependents(t *testing.T) {
	g := NewGraph(mapOracle{})
	g.Declare("b", []string{"a"})
	g.Declare("c", []string{"a"})

	assert.ElementsMatch(t, []string{"b", "c"}, g.OnCompleted("a"))
}

func TestPurgeRemovesAllIncidentEdges(t *testing.T) {
	g := NewGraph(mapOracle{})
	g.Declare("b", []string{"a"})
	g.Declare("c", []string{"b"})

	g.Purge("b")

	// No edge references b in either direction.
	assert.Empty(t, g.PrerequisitesOf("b"))
	assert.Empty(t, g.DependentsOf("b"))
	assert.Empty(t, g.DependentsOf("a"))
	assert.Empty(t, g.PrerequisitesOf("c"))
	assert.Equal(t, 0, g.EdgeCount())
}

func TestSatisfiedStableUnderCompletedEdges(t *testing.T) {
	oracle := mapOracle{
		"a": types.AgentStateCompleted,
		"x": types.AgentStateCompleted,
	}
	g := NewGraph(oracle)
	g.Declare("b", []string{"a"})
	assert.True(t, g.Satisfied("b"))

	// Adding an edge whose endpoint is already Completed keeps b satisfied.
	g.Declare("b", []string{"a", "x"})
	assert.True(t, g.Satisfied("b"))
}
