package workflow

import (
	"context"
	"reflect"
	"testing"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

func passthroughNode(name string) *node.Node {
	fn := runnable.NewFunction(
		runnable.Spec{"in": {Type: runnable.TypeAny}},
		runnable.Spec{"out": {Type: runnable.TypeAny}},
		func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"out": inputs["in"]}, nil
		})
	return node.New(name, fn)
}

func mustAdd(t *testing.T, g *Graph, n *node.Node) int {
	t.Helper()
	idx, err := g.Add(n)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestAddRejectsDuplicateName(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, passthroughNode("a"))
	if _, err := g.Add(passthroughNode("a")); err == nil {
		t.Fatal("duplicate qualified name accepted")
	}
}

func TestAddEdgeValidation(t *testing.T) {
	g := NewGraph()
	a := mustAdd(t, g, passthroughNode("a"))
	b := mustAdd(t, g, passthroughNode("b"))

	if err := g.AddEdge(Edge{Src: a, Dst: b, SrcPort: "nope", DstPort: "in"}); err == nil {
		t.Error("unknown source port accepted")
	}
	if err := g.AddEdge(Edge{Src: a, Dst: b, SrcPort: "out", DstPort: "nope"}); err == nil {
		t.Error("unknown destination port accepted")
	}
	if err := g.AddEdge(Edge{Src: a, Dst: a, SrcPort: "out", DstPort: "in"}); !errors.HasCode(err, errors.CodeCyclicGraph) {
		t.Errorf("self edge: expected CyclicGraphError, got %v", err)
	}

	if err := g.AddEdge(Edge{Src: a, Dst: b, SrcPort: "out", DstPort: "in"}); err != nil {
		t.Fatalf("valid edge rejected: %v", err)
	}
	if err := g.AddEdge(Edge{Src: a, Dst: b, SrcPort: "out", DstPort: "in"}); err == nil {
		t.Error("second edge into the same destination port accepted")
	}
}

func TestCyclicEdgeLeavesGraphUnchanged(t *testing.T) {
	g := NewGraph()
	a := mustAdd(t, g, passthroughNode("a"))
	b := mustAdd(t, g, passthroughNode("b"))

	if err := g.AddEdge(Edge{Src: a, Dst: b, SrcPort: "out", DstPort: "in"}); err != nil {
		t.Fatal(err)
	}
	edgesBefore := len(g.Edges())

	err := g.AddEdge(Edge{Src: b, Dst: a, SrcPort: "out", DstPort: "in"})
	if !errors.HasCode(err, errors.CodeCyclicGraph) {
		t.Fatalf("expected CyclicGraphError, got %v", err)
	}

	if len(g.Edges()) != edgesBefore {
		t.Error("failed edge insertion modified the graph")
	}
	if err := g.Validate(); err != nil {
		t.Errorf("graph invalid after rejected edge: %v", err)
	}
}

func TestTopoOrderDeterministicTieBreak(t *testing.T) {
	// b and c are roots, b feeds a. Roots emit in name order, and once b
	// unlocks a, the frontier is {a, c}: the smallest ready name wins, so a
	// precedes c even though c was ready first.
	g := NewGraph()
	a := mustAdd(t, g, passthroughNode("a"))
	c := mustAdd(t, g, passthroughNode("c"))
	b := mustAdd(t, g, passthroughNode("b"))

	if err := g.AddEdge(Edge{Src: b, Dst: a, SrcPort: "out", DstPort: "in"}); err != nil {
		t.Fatal(err)
	}

	order, err := g.TopoOrder()
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(order))
	for i, idx := range order {
		names[i] = g.Node(idx).QualifiedName()
	}
	if !reflect.DeepEqual(names, []string{"b", "a", "c"}) {
		t.Errorf("order = %v, want [b a c]", names)
	}

	again, err := g.TopoOrder()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(order, again) {
		t.Error("TopoOrder is not stable across calls")
	}
	_ = c
}

func TestPredecessorsAndInEdges(t *testing.T) {
	g := NewGraph()
	a := mustAdd(t, g, passthroughNode("a"))
	b := mustAdd(t, g, passthroughNode("b"))
	if err := g.AddEdge(Edge{Src: a, Dst: b, SrcPort: "out", DstPort: "in"}); err != nil {
		t.Fatal(err)
	}

	if preds := g.Predecessors(b); len(preds) != 1 || preds[0] != a {
		t.Errorf("preds = %v", preds)
	}
	if succs := g.Successors(a); len(succs) != 1 || succs[0] != b {
		t.Errorf("succs = %v", succs)
	}
	edges := g.InEdges(b)
	if len(edges) != 1 || edges[0].SrcPort != "out" || edges[0].DstPort != "in" {
		t.Errorf("in-edges = %+v", edges)
	}
}
