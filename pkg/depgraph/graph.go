package depgraph

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/stagecraft/trafficcore/pkg/log"
	"github.com/stagecraft/trafficcore/pkg/metrics"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// StatusOracle reports the lifecycle state of an agent. The controller
// supplies the implementation; injecting it keeps this package a pure graph
// module with no reverse dependency.
type StatusOracle interface {
	AgentState(agentID string) types.AgentState
}

// OracleFunc adapts a function to the StatusOracle interface
type OracleFunc func(agentID string) types.AgentState

func (f OracleFunc) AgentState(agentID string) types.AgentState {
	return f(agentID)
}

// Graph stores agent dependency edges and evaluates satisfaction
type Graph struct {
	mu         sync.Mutex
	prereqs    map[string][]string            // dependent -> prerequisites
	dependents map[string]map[string]struct{} // prerequisite -> dependents

	oracle StatusOracle
	logger zerolog.Logger
}

// NewGraph creates an empty dependency graph backed by the given oracle
func NewGraph(oracle StatusOracle) *Graph {
	return &Graph{
		prereqs:    make(map[string][]string),
		dependents: make(map[string]map[string]struct{}),
		oracle:     oracle,
		logger:     log.WithComponent("depgraph"),
	}
}

// Declare replaces the prerequisite list for an agent. Declaring the same
// list twice is a no-op; declaring a different list rewires the reverse
// index accordingly.
func (g *Graph) Declare(agentID string, prerequisites []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Drop stale reverse edges from a prior declaration.
	for _, prev := range g.prereqs[agentID] {
		if deps, ok := g.dependents[prev]; ok {
			delete(deps, agentID)
			if len(deps) == 0 {
				delete(g.dependents, prev)
			}
		}
	}

	prereqs := make([]string, 0, len(prerequisites))
	seen := make(map[string]struct{}, len(prerequisites))
	for _, p := range prerequisites {
		if p == agentID {
			continue // self-edges are meaningless
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		prereqs = append(prereqs, p)

		if g.dependents[p] == nil {
			g.dependents[p] = make(map[string]struct{})
		}
		g.dependents[p][agentID] = struct{}{}
	}

	if len(prereqs) == 0 {
		delete(g.prereqs, agentID)
	} else {
		g.prereqs[agentID] = prereqs
	}
	g.updateEdgeGaugeLocked()
}

// PrerequisitesOf returns the declared prerequisites of an agent
func (g *Graph) PrerequisitesOf(agentID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, len(g.prereqs[agentID]))
	copy(out, g.prereqs[agentID])
	return out
}

// DependentsOf returns the agents that declared agentID as a prerequisite
func (g *Graph) DependentsOf(agentID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	deps := g.dependents[agentID]
	out := make([]string, 0, len(deps))
	for d := range deps {
		out = append(out, d)
	}
	return out
}

// Satisfied reports whether every prerequisite of the agent, transitively,
// is Completed. Evaluation takes a snapshot of the edge set first so the
// oracle is consulted without the graph lock held. A cycle is treated as
// not satisfied; the visited set bounds the walk so evaluation always
// terminates.
func (g *Graph) Satisfied(agentID string) bool {
	snapshot := g.snapshotPrereqs()

	visited := make(map[string]bool) // id -> evaluation in progress or done
	var walk func(id string) bool
	walk = func(id string) bool {
		for _, prereq := range snapshot[id] {
			if inProgress, seen := visited[prereq]; seen {
				if inProgress {
					// Cycle: conservatively unsatisfied.
					return false
				}
				continue
			}
			if g.oracle.AgentState(prereq) != types.AgentStateCompleted {
				return false
			}
			visited[prereq] = true
			ok := walk(prereq)
			visited[prereq] = false
			if !ok {
				return false
			}
		}
		return true
	}

	visited[agentID] = true
	return walk(agentID)
}

// OnCompleted returns the immediate dependents of a completed agent. The
// caller filters them through Satisfied before resuming.
func (g *Graph) OnCompleted(agentID string) []string {
	return g.DependentsOf(agentID)
}

// Purge removes the agent and all incident edges, in both directions
func (g *Graph) Purge(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, prereq := range g.prereqs[agentID] {
		if deps, ok := g.dependents[prereq]; ok {
			delete(deps, agentID)
			if len(deps) == 0 {
				delete(g.dependents, prereq)
			}
		}
	}
	delete(g.prereqs, agentID)

	for dependent := range g.dependents[agentID] {
		remaining := g.prereqs[dependent][:0]
		for _, p := range g.prereqs[dependent] {
			if p != agentID {
				remaining = append(remaining, p)
			}
		}
		if len(remaining) == 0 {
			delete(g.prereqs, dependent)
		} else {
			g.prereqs[dependent] = remaining
		}
	}
	delete(g.dependents, agentID)
	g.updateEdgeGaugeLocked()
}

// EdgeCount returns the number of edges in the graph
func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edgeCountLocked()
}

func (g *Graph) edgeCountLocked() int {
	n := 0
	for _, prereqs := range g.prereqs {
		n += len(prereqs)
	}
	return n
}

func (g *Graph) updateEdgeGaugeLocked() {
	metrics.DependencyEdges.Set(float64(g.edgeCountLocked()))
}

// snapshotPrereqs copies the forward edge map so evaluation can proceed
// without holding the lock across oracle calls
func (g *Graph) snapshotPrereqs() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	snapshot := make(map[string][]string, len(g.prereqs))
	for id, prereqs := range g.prereqs {
		cp := make([]string, len(prereqs))
		copy(cp, prereqs)
		snapshot[id] = cp
	}
	return snapshot
}
