package workflow

import (
	"fmt"
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/transform"
)

// Edge is a typed connection (srcNode.port -> dstNode.port) in a flat graph.
// Endpoints are arena indices, not pointers, so the graph serializes without
// reference cycles. Transform, when set, is applied to the value in transit.
type Edge struct {
	Src     int
	Dst     int
	SrcPort string
	DstPort string

	Transform transform.Func
}

// Graph is a flat, acyclic graph of fully qualified nodes ready for
// scheduling. Nodes live in an arena slice; edges and adjacency are integer
// indices. The graph is read-only during a run; only node state and the
// cache store are mutated, and only by the controller loop.
type Graph struct {
	nodes   []*node.Node
	index   map[string]int
	edges   []Edge
	preds   [][]int
	succs   [][]int
	inEdges [][]int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Add appends a node to the arena and returns its index. Qualified names
// must be unique.
func (g *Graph) Add(n *node.Node) (int, error) {
	qn := n.QualifiedName()
	if _, exists := g.index[qn]; exists {
		return 0, errors.Validationf("duplicate node %q in graph", qn)
	}
	idx := len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.index[qn] = idx
	g.preds = append(g.preds, nil)
	g.succs = append(g.succs, nil)
	g.inEdges = append(g.inEdges, nil)
	return idx, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node at index i.
func (g *Graph) Node(i int) *node.Node { return g.nodes[i] }

// Lookup returns the arena index of a qualified name.
func (g *Graph) Lookup(qualifiedName string) (int, bool) {
	i, ok := g.index[qualifiedName]
	return i, ok
}

// Predecessors returns the distinct upstream node indices of i.
func (g *Graph) Predecessors(i int) []int { return g.preds[i] }

// Successors returns the distinct downstream node indices of i.
func (g *Graph) Successors(i int) []int { return g.succs[i] }

// InEdges returns the edges terminating at node i.
func (g *Graph) InEdges(i int) []Edge {
	out := make([]Edge, 0, len(g.inEdges[i]))
	for _, ei := range g.inEdges[i] {
		out = append(out, g.edges[ei])
	}
	return out
}

// Edges returns a copy of all edges.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// AddEdge validates and inserts an edge. Both ports must exist on the
// respective runnables' declared sets, a destination port may carry at most
// one incoming edge, and the graph must remain acyclic: an edge that would
// close a cycle fails with CyclicGraphError and leaves the graph unchanged.
func (g *Graph) AddEdge(e Edge) error {
	if e.Src < 0 || e.Src >= len(g.nodes) || e.Dst < 0 || e.Dst >= len(g.nodes) {
		return errors.Validationf("edge references unknown node index (%d -> %d)", e.Src, e.Dst)
	}
	if e.Src == e.Dst {
		return &errors.Error{Code: errors.CodeCyclicGraph, Node: g.nodes[e.Src].QualifiedName(),
			Message: "self-referential edge not allowed"}
	}

	src, dst := g.nodes[e.Src], g.nodes[e.Dst]
	if !src.Runnable().OutputSpec().Has(e.SrcPort) {
		return errors.Validationf("node %q has no output port %q (declared: %v)",
			src.QualifiedName(), e.SrcPort, src.Runnable().OutputSpec().Names())
	}
	if !dst.Runnable().InputSpec().Has(e.DstPort) {
		return errors.Validationf("node %q has no input port %q (declared: %v)",
			dst.QualifiedName(), e.DstPort, dst.Runnable().InputSpec().Names())
	}
	for _, ei := range g.inEdges[e.Dst] {
		if g.edges[ei].DstPort == e.DstPort {
			return errors.Validationf("input port %q of node %q already has an incoming edge",
				e.DstPort, dst.QualifiedName())
		}
	}

	if g.reachable(e.Dst, e.Src) {
		return &errors.Error{Code: errors.CodeCyclicGraph,
			Message: fmt.Sprintf("edge %s.%s -> %s.%s would create a cycle",
				src.QualifiedName(), e.SrcPort, dst.QualifiedName(), e.DstPort)}
	}

	ei := len(g.edges)
	g.edges = append(g.edges, e)
	g.inEdges[e.Dst] = append(g.inEdges[e.Dst], ei)
	g.preds[e.Dst] = appendDistinct(g.preds[e.Dst], e.Src)
	g.succs[e.Src] = appendDistinct(g.succs[e.Src], e.Dst)
	return nil
}

// reachable reports whether to can be reached from from via successor
// edges. Iterative DFS; the graph is acyclic so no visited cycle guard
// subtleties apply beyond the visited set.
func (g *Graph) reachable(from, to int) bool {
	if from == to {
		return true
	}
	visited := make([]bool, len(g.nodes))
	stack := []int{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, g.succs[cur]...)
	}
	return false
}

// TopoOrder returns a deterministic topological ordering. The contract: the
// ready frontier is kept sorted by qualified name and the smallest ready name
// is emitted next, so a newly unlocked node may precede a root that sorts
// after it. This matches the controller's dispatch order over its own
// name-sorted ready set, and stable ordering keeps digests, and hence cache
// reuse, stable across runs.
func (g *Graph) TopoOrder() ([]int, error) {
	indegree := make([]int, len(g.nodes))
	for i := range g.nodes {
		indegree[i] = len(g.preds[i])
	}

	ready := make([]int, 0, len(g.nodes))
	for i := range g.nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	g.sortByName(ready)

	order := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)

		unlocked := make([]int, 0)
		for _, next := range g.succs[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		g.sortByName(unlocked)
		ready = merge(ready, unlocked, g)
	}

	if len(order) != len(g.nodes) {
		return nil, &errors.Error{Code: errors.CodeCyclicGraph, Message: "graph contains a cycle"}
	}
	return order, nil
}

// Validate runs the pre-execution checks: acyclicity plus port existence on
// every edge (edges inserted through AddEdge already hold; this is the final
// gate for graphs assembled by flattening).
func (g *Graph) Validate() error {
	if _, err := g.TopoOrder(); err != nil {
		return err
	}
	return nil
}

func (g *Graph) sortByName(indices []int) {
	sort.Slice(indices, func(a, b int) bool {
		return g.nodes[indices[a]].QualifiedName() < g.nodes[indices[b]].QualifiedName()
	})
}

// merge interleaves two name-sorted index slices preserving order.
func merge(a, b []int, g *Graph) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if g.nodes[a[i]].QualifiedName() <= g.nodes[b[j]].QualifiedName() {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func appendDistinct(s []int, v int) []int {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}
