// Package digraph implements a generic directed graph keyed by string
// labels, with topological sort and three-color cycle detection.
//
// Iteration order follows insertion order so that sorts are
// deterministic given identical insertion traces.
package digraph

import "fmt"

// CycleError is raised by TopologicalSort when the graph is not
// acyclic. Cycle holds the discovered path, first node repeated as
// the last element (e.g. [a b c a]).
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Cycle)
}

// Graph is a directed graph of string-labeled nodes.
//
// The zero value is not usable; use New.
type Graph struct {
	nodes []string
	index map[string]int // node -> position in nodes, for O(1) existence + stable removal

	// edges[u][v] exists iff there's an edge u -> v.
	edges map[string]map[string]struct{}
	// preds[v][u] exists iff there's an edge u -> v.
	preds map[string]map[string]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index: map[string]int{},
		edges: map[string]map[string]struct{}{},
		preds: map[string]map[string]struct{}{},
	}
}

// AddNode adds a node if it isn't already present. Idempotent.
func (g *Graph) AddNode(n string) {
	if _, ok := g.index[n]; ok {
		return
	}
	g.index[n] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.edges[n] = map[string]struct{}{}
	g.preds[n] = map[string]struct{}{}
}

// HasNode reports whether n is present in the graph.
func (g *Graph) HasNode(n string) bool {
	_, ok := g.index[n]
	return ok
}

// DeleteNode removes n and prunes every edge that refers to it, in
// either direction. A no-op if n is absent.
func (g *Graph) DeleteNode(n string) {
	if _, ok := g.index[n]; !ok {
		return
	}

	for succ := range g.edges[n] {
		delete(g.preds[succ], n)
	}
	for pred := range g.preds[n] {
		delete(g.edges[pred], n)
	}

	delete(g.edges, n)
	delete(g.preds, n)

	pos := g.index[n]
	g.nodes = append(g.nodes[:pos], g.nodes[pos+1:]...)
	delete(g.index, n)
	for i := pos; i < len(g.nodes); i++ {
		g.index[g.nodes[i]] = i
	}
}

// AddEdge adds an edge src -> dst, auto-adding either endpoint that
// doesn't already exist. Idempotent.
func (g *Graph) AddEdge(src, dst string) {
	g.AddNode(src)
	g.AddNode(dst)
	g.edges[src][dst] = struct{}{}
	g.preds[dst][src] = struct{}{}
}

// DeleteEdge removes the edge src -> dst, if present.
func (g *Graph) DeleteEdge(src, dst string) {
	if _, ok := g.edges[src]; ok {
		delete(g.edges[src], dst)
	}
	if _, ok := g.preds[dst]; ok {
		delete(g.preds[dst], src)
	}
}

// Predecessors returns the nodes with an edge directly into n, in
// insertion order.
func (g *Graph) Predecessors(n string) ([]string, error) {
	preds, ok := g.preds[n]
	if !ok {
		return nil, fmt.Errorf("digraph: unknown node %q", n)
	}
	return g.filterOrdered(preds), nil
}

// Downstream returns the nodes one hop downstream of n, in insertion
// order. Raises if n is unknown.
func (g *Graph) Downstream(n string) ([]string, error) {
	succ, ok := g.edges[n]
	if !ok {
		return nil, fmt.Errorf("digraph: unknown node %q", n)
	}
	return g.filterOrdered(succ), nil
}

// AllDownstreams returns the transitive closure of n's downstream
// nodes (not including n itself), as a set rendered in insertion
// order.
func (g *Graph) AllDownstreams(n string) ([]string, error) {
	if _, ok := g.index[n]; !ok {
		return nil, fmt.Errorf("digraph: unknown node %q", n)
	}

	seen := map[string]struct{}{}
	var walk func(string)
	walk = func(cur string) {
		for succ := range g.edges[cur] {
			if _, ok := seen[succ]; ok {
				continue
			}
			seen[succ] = struct{}{}
			walk(succ)
		}
	}
	walk(n)

	return g.filterOrdered(seen), nil
}

// IndNodes returns the nodes with no incoming edges, in insertion
// order.
func (g *Graph) IndNodes() []string {
	var out []string
	for _, n := range g.nodes {
		if len(g.preds[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// IsAcyclic reports whether the graph has no cycles.
func (g *Graph) IsAcyclic() bool {
	_, err := g.TopologicalSort()
	return err == nil
}

// TopologicalSort returns a linear order consistent with every edge
// (index(u) < index(v) for edge u->v), or a *CycleError if the graph
// contains a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	const (
		white = 0
		grey  = 1
		black = 2
	)

	color := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		color[n] = white
	}

	var order []string
	var stack []string

	var visit func(string) *CycleError
	visit = func(n string) *CycleError {
		color[n] = grey
		stack = append(stack, n)

		for _, succ := range g.filterOrdered(g.edges[n]) {
			switch color[succ] {
			case grey:
				// Found the cycle: from succ's first occurrence on
				// the stack through to n, then back to succ.
				start := 0
				for i, s := range stack {
					if s == succ {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				cycle = append(cycle, succ)
				return &CycleError{Cycle: cycle}
			case white:
				if err := visit(succ); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[n] = black
		order = append(order, n)
		return nil
	}

	for _, n := range g.nodes {
		if color[n] == white {
			if err := visit(n); err != nil {
				return nil, err
			}
		}
	}

	// visit appends in post-order (each node after everything
	// downstream of it), so reverse to get a forward topological order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	return order, nil
}

// Reset removes every node and edge from the graph.
func (g *Graph) Reset() {
	g.nodes = nil
	g.index = map[string]int{}
	g.edges = map[string]map[string]struct{}{}
	g.preds = map[string]map[string]struct{}{}
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// filterOrdered renders a node set in the graph's insertion order.
func (g *Graph) filterOrdered(set map[string]struct{}) []string {
	var out []string
	for _, n := range g.nodes {
		if _, ok := set[n]; ok {
			out = append(out, n)
		}
	}
	return out
}
