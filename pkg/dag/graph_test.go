package dag

import (
	"testing"
)

func newChain(t *testing.T, ids ...string) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range ids {
		g.AddNode(id)
	}
	for i := 1; i < len(ids); i++ {
		if err := g.AddEdge(ids[i-1], ids[i]); err != nil {
			t.Fatalf("failed to add edge: %v", err)
		}
	}
	return g
}

func TestGraph_AddNodeAndEdge(t *testing.T) {
	g := newChain(t, "extract", "transform", "load")

	if g.NodeCount() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.NodeCount())
	}
	if g.EdgeCount() != 2 {
		t.Errorf("expected 2 edges, got %d", g.EdgeCount())
	}

	// Re-adding an edge must not duplicate it
	if err := g.AddEdge("extract", "transform"); err != nil {
		t.Errorf("failed to re-add edge: %v", err)
	}
	if g.EdgeCount() != 2 {
		t.Errorf("expected 2 edges after duplicate add, got %d", g.EdgeCount())
	}
}

func TestGraph_AddEdge_InvalidNodes(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")

	if err := g.AddEdge("a", "missing"); err == nil {
		t.Error("expected error for missing downstream task")
	}
	if err := g.AddEdge("missing", "a"); err == nil {
		t.Error("expected error for missing upstream task")
	}
	if err := g.AddEdge("a", "a"); err == nil {
		t.Error("expected error for self-loop")
	}
}

func TestGraph_FindCycle(t *testing.T) {
	g := newChain(t, "a", "b", "c")
	if cycle := g.FindCycle(); cycle != nil {
		t.Errorf("expected no cycle, found %v", cycle)
	}

	if err := g.AddEdge("c", "a"); err != nil {
		t.Fatalf("failed to add edge: %v", err)
	}
	if cycle := g.FindCycle(); len(cycle) == 0 {
		t.Error("expected cycle to be detected")
	}
	if _, err := g.TopologicalSort(); err == nil {
		t.Error("expected error sorting cyclic graph")
	}
}

func TestGraph_TopologicalSort_Diamond(t *testing.T) {
	// a -> b, a -> c, b -> d, c -> d
	g := NewGraph()
	for _, id := range []string{"d", "c", "b", "a"} {
		g.AddNode(id)
	}
	_ = g.AddEdge("a", "b")
	_ = g.AddEdge("a", "c")
	_ = g.AddEdge("b", "d")
	_ = g.AddEdge("c", "d")

	sorted, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("failed to sort: %v", err)
	}

	want := []string{"a", "b", "c", "d"}
	for i, id := range want {
		if sorted[i] != id {
			t.Fatalf("expected order %v, got %v", want, sorted)
		}
	}
}

func TestGraph_ExecutionLevels(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(id)
	}
	_ = g.AddEdge("a", "c")
	_ = g.AddEdge("b", "c")
	_ = g.AddEdge("c", "d")

	levels, err := g.ExecutionLevels()
	if err != nil {
		t.Fatalf("failed to get levels: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(levels), levels)
	}
	if len(levels[0]) != 2 || levels[0][0] != "a" || levels[0][1] != "b" {
		t.Errorf("unexpected level 0: %v", levels[0])
	}
	if levels[2][0] != "d" {
		t.Errorf("expected d at level 2, got %v", levels[2])
	}
}

func TestGraph_UpstreamDownstream(t *testing.T) {
	g := newChain(t, "a", "b", "c")
	g.AddNode("x")

	if up := g.AllUpstream("c"); len(up) != 2 || up[0] != "a" || up[1] != "b" {
		t.Errorf("unexpected upstream of c: %v", up)
	}
	if down := g.AllDownstream("a"); len(down) != 2 {
		t.Errorf("unexpected downstream of a: %v", down)
	}
	if roots := g.Roots(); len(roots) != 2 || roots[0] != "a" || roots[1] != "x" {
		t.Errorf("unexpected roots: %v", roots)
	}
	if leaves := g.Leaves(); len(leaves) != 2 || leaves[0] != "c" || leaves[1] != "x" {
		t.Errorf("unexpected leaves: %v", leaves)
	}
}
