package digraph_test

import (
	"errors"
	"testing"

	"github.com/apkfoundry/af/digraph"
)

func TestTopologicalSortLinear(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}

	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Fatalf("bad order: %v", order)
	}
}

func TestTopologicalSortRespectsAllEdges(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "c")
	g.AddEdge("b", "c")
	g.AddEdge("c", "d")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}

	if !(pos["a"] < pos["c"] && pos["b"] < pos["c"] && pos["c"] < pos["d"]) {
		t.Fatalf("bad order: %v", order)
	}
}

func TestCycleDetection(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")

	if g.IsAcyclic() {
		t.Fatal("expected cycle to be detected")
	}

	_, err := g.TopologicalSort()
	var cycleErr *digraph.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %v", err)
	}

	if len(cycleErr.Cycle) < 2 {
		t.Fatalf("cycle path too short: %v", cycleErr.Cycle)
	}
	if cycleErr.Cycle[0] != cycleErr.Cycle[len(cycleErr.Cycle)-1] {
		t.Fatalf("cycle path doesn't start/end on the same node: %v", cycleErr.Cycle)
	}
}

func TestDeleteNodePrunesEdges(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	g.DeleteNode("b")

	if g.HasNode("b") {
		t.Fatal("b should be gone")
	}

	succ, err := g.Downstream("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(succ) != 0 {
		t.Fatalf("expected a to have no downstream after b removed, got %v", succ)
	}

	preds, err := g.Predecessors("c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(preds) != 0 {
		t.Fatalf("expected c to have no predecessors after b removed, got %v", preds)
	}
}

func TestAllDownstreams(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("a", "d")

	down, err := g.AllDownstreams("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]bool{"b": true, "c": true, "d": true}
	if len(down) != len(want) {
		t.Fatalf("expected %d downstreams, got %v", len(want), down)
	}
	for _, n := range down {
		if !want[n] {
			t.Fatalf("unexpected downstream %q", n)
		}
	}
}

func TestIndNodes(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "c")
	g.AddEdge("b", "c")
	g.AddNode("z")

	ind := g.IndNodes()
	want := map[string]bool{"a": true, "b": true, "z": true}
	if len(ind) != len(want) {
		t.Fatalf("expected %d independent nodes, got %v", len(want), ind)
	}
}

func TestDownstreamUnknownNode(t *testing.T) {
	g := digraph.New()
	if _, err := g.Downstream("missing"); err == nil {
		t.Fatal("expected error for unknown node")
	}
}

func TestReset(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "b")
	g.Reset()

	if g.HasNode("a") || g.HasNode("b") {
		t.Fatal("expected graph to be empty after reset")
	}
	if len(g.IndNodes()) != 0 {
		t.Fatal("expected no nodes after reset")
	}
}

func TestAddEdgeIdempotent(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "b")
	g.AddEdge("a", "b")

	succ, err := g.Downstream("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(succ) != 1 {
		t.Fatalf("expected exactly one downstream, got %v", succ)
	}
}
