// Package swarm executes a phase's agent roster in dependency order with
// bounded concurrency. Rosters form a DAG; cycles are rejected before any
// agent is invoked, and results are always reported in roster order.
package swarm

import (
	"fmt"
	"strings"

	"github.com/c360studio/swarmrun/agent"
)

// InvalidGraphError reports a roster whose dependencies cannot be
// topologically ordered.
type InvalidGraphError struct {
	// Reason describes the defect.
	Reason string

	// Unordered lists the agents left when ordering stalled (the cycle
	// participants and their downstream dependents).
	Unordered []string
}

func (e *InvalidGraphError) Error() string {
	if len(e.Unordered) == 0 {
		return fmt.Sprintf("invalid agent graph: %s", e.Reason)
	}
	return fmt.Sprintf("invalid agent graph: %s (%s)", e.Reason, strings.Join(e.Unordered, ", "))
}

// Graph is the dependency DAG for one roster.
type Graph struct {
	order      []string            // roster order
	inDegree   map[string]int      // remaining unmet dependencies
	dependents map[string][]string // agent -> agents waiting on it
}

// NewGraph builds and validates the dependency graph. Dependencies must
// reference roster members; cycles yield *InvalidGraphError.
func NewGraph(roster agent.Roster) (*Graph, error) {
	if err := roster.Validate(); err != nil {
		return nil, &InvalidGraphError{Reason: err.Error()}
	}

	g := &Graph{
		order:      roster.IDs(),
		inDegree:   make(map[string]int, len(roster)),
		dependents: make(map[string][]string, len(roster)),
	}
	for _, req := range roster {
		g.inDegree[req.AgentID] = len(req.DependencyRefs)
		for _, dep := range req.DependencyRefs {
			g.dependents[dep] = append(g.dependents[dep], req.AgentID)
		}
	}

	if unordered := g.detectCycle(); len(unordered) > 0 {
		return nil, &InvalidGraphError{
			Reason:    fmt.Sprintf("circular dependency: %d agents could not be ordered", len(unordered)),
			Unordered: unordered,
		}
	}
	return g, nil
}

// detectCycle runs Kahn's algorithm over a scratch copy of the in-degree
// map and returns the agents that never reach zero in-degree.
func (g *Graph) detectCycle() []string {
	degree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		degree[id] = d
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if degree[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.dependents[id] {
			degree[dep]--
			if degree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(g.order) {
		return nil
	}
	var unordered []string
	for _, id := range g.order {
		if degree[id] > 0 {
			unordered = append(unordered, id)
		}
	}
	return unordered
}

// Levels returns the topological levels of the graph: level 0 holds the
// agents with no dependencies, each subsequent level the agents unblocked
// by the previous ones. Within a level, roster order is preserved.
func (g *Graph) Levels() [][]string {
	degree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		degree[id] = d
	}

	remaining := len(g.order)
	var levels [][]string
	for remaining > 0 {
		var level []string
		for _, id := range g.order {
			if d, ok := degree[id]; ok && d == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Unreachable after NewGraph validation.
			break
		}
		for _, id := range level {
			delete(degree, id)
			for _, dep := range g.dependents[id] {
				if _, ok := degree[dep]; ok {
					degree[dep]--
				}
			}
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels
}

// Size returns the number of agents in the graph.
func (g *Graph) Size() int {
	return len(g.order)
}
