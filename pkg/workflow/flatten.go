package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/transform"
)

// rEdge is a resolved edge between qualified node names, the intermediate
// representation used while flattening.
type rEdge struct {
	src, srcPort string
	dst, dstPort string
	fn           transform.Func
}

// Flatten expands the nested workflow tree into a single executable Graph:
// a depth-first walk renames every node to its hierarchical path and
// rewrites boundary-crossing edges, then iterables expansion clones swept
// nodes (and their downstream consumers) per parameter combination, then
// MapNode expansion fans iterfield nodes out into sub-nodes between
// synthetic scatter and gather nodes. The result is deterministic for an
// unchanged workflow, so digests and cache reuse are stable across runs.
//
// Flatten does not mutate the workflow: graph nodes are clones, and the
// builder can be flattened repeatedly.
func (w *Workflow) Flatten() (*Graph, error) {
	nodes := make(map[string]*node.Node)
	iters := make(map[string][]IterableSpec)
	var edges []rEdge

	if err := w.collect(w.name, w.baseDir, nodes, &edges, iters); err != nil {
		return nil, err
	}

	nodes, edges, err := expandIterables(nodes, edges, iters)
	if err != nil {
		return nil, err
	}

	nodes, edges, err = expandMapNodes(nodes, edges)
	if err != nil {
		return nil, err
	}

	return assemble(nodes, edges)
}

// collect walks the workflow tree depth-first, cloning nodes under their
// qualified names and resolving connection endpoints (including dotted
// sub-workflow paths) to qualified names.
func (w *Workflow) collect(prefix, baseDir string, nodes map[string]*node.Node, edges *[]rEdge, iters map[string][]IterableSpec) error {
	for _, name := range w.nodeNames() {
		orig := w.nodes[name]
		qn := prefix + "." + name
		clone := orig.Clone(qn)
		if clone.BaseDir() == "" {
			clone.SetBaseDir(baseDir)
		}
		if _, dup := nodes[qn]; dup {
			return errors.Validationf("duplicate qualified node name %q", qn)
		}
		nodes[qn] = clone
		if specs, ok := w.iterables[name]; ok {
			iters[qn] = specs
		}
	}

	for _, name := range w.childNames() {
		sub := w.children[name]
		childBase := baseDir
		if sub.baseDir != "" {
			childBase = sub.baseDir
		}
		if err := sub.collect(prefix+"."+name, childBase, nodes, edges, iters); err != nil {
			return err
		}
	}

	for _, c := range w.conns {
		srcQN, srcNode, err := w.resolvePath(prefix, c.src)
		if err != nil {
			return err
		}
		dstQN, dstNode, err := w.resolvePath(prefix, c.dst)
		if err != nil {
			return err
		}
		if !srcNode.Runnable().OutputSpec().Has(c.srcPort) {
			return errors.Validationf("node %q has no output port %q (declared: %v)",
				srcQN, c.srcPort, srcNode.Runnable().OutputSpec().Names())
		}
		if !dstNode.Runnable().InputSpec().Has(c.dstPort) {
			return errors.Validationf("node %q has no input port %q (declared: %v)",
				dstQN, c.dstPort, dstNode.Runnable().InputSpec().Names())
		}
		*edges = append(*edges, rEdge{src: srcQN, srcPort: c.srcPort, dst: dstQN, dstPort: c.dstPort, fn: c.fn})
	}

	return nil
}

// resolvePath resolves an endpoint path relative to this workflow ("nodeA"
// or "sub1.sub2.nodeB") into a qualified name and the prototype node.
func (w *Workflow) resolvePath(prefix, path string) (string, *node.Node, error) {
	segments := strings.Split(path, ".")
	cur := w
	for i := 0; i < len(segments)-1; i++ {
		child, ok := cur.children[segments[i]]
		if !ok {
			return "", nil, errors.Validationf("workflow %q has no nested workflow %q (resolving %q)",
				cur.name, segments[i], path)
		}
		cur = child
	}
	leaf := segments[len(segments)-1]
	n, ok := cur.nodes[leaf]
	if !ok {
		return "", nil, errors.Validationf("workflow %q has no node %q (resolving %q)", cur.name, leaf, path)
	}
	return prefix + "." + path, n, nil
}

// ---- iterables expansion ----

// assign maps an axis identifier ("<node>:<field>") to a value index. A
// clone's assignment records which point of the joint parameter sweep it
// realizes; downstream clones inherit the union of their predecessors'
// assignments, which is how iterables propagate forward through the graph.
type assign map[string]int

func (a assign) key() string {
	axes := make([]string, 0, len(a))
	for axis := range a {
		axes = append(axes, axis)
	}
	sort.Strings(axes)
	var sb strings.Builder
	for i, axis := range axes {
		if i > 0 {
			sb.WriteByte(';')
		}
		fmt.Fprintf(&sb, "%s=%d", axis, a[axis])
	}
	return sb.String()
}

func (a assign) compatible(b assign) bool {
	for axis, idx := range a {
		if other, shared := b[axis]; shared && other != idx {
			return false
		}
	}
	return true
}

func (a assign) union(b assign) assign {
	out := make(assign, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

type axisInfo struct {
	field  string
	values []any
}

func expandIterables(nodes map[string]*node.Node, edges []rEdge, iters map[string][]IterableSpec) (map[string]*node.Node, []rEdge, error) {
	if len(iters) == 0 {
		return nodes, edges, nil
	}

	axes := make(map[string]axisInfo)
	own := make(map[string][]assign)
	for qn, specs := range iters {
		assigns, err := ownAssignments(qn, specs, axes)
		if err != nil {
			return nil, nil, err
		}
		own[qn] = assigns
	}

	order, err := nameTopoOrder(nodes, edges)
	if err != nil {
		return nil, nil, err
	}

	preds := make(map[string][]string)
	for _, e := range edges {
		preds[e.dst] = appendDistinctStr(preds[e.dst], e.src)
	}

	// contexts[qn] is the deterministic list of sweep points the node is
	// cloned for: the join of its predecessors' contexts times its own axes.
	contexts := make(map[string][]assign)
	for _, qn := range order {
		base := []assign{{}}
		predNames := append([]string(nil), preds[qn]...)
		sort.Strings(predNames)
		for _, p := range predNames {
			base = joinContexts(base, contexts[p])
		}
		if len(base) == 0 {
			return nil, nil, errors.Validationf("node %q has no consistent parameter context", qn)
		}
		if ownAssigns, swept := own[qn]; swept {
			base = joinContexts(base, ownAssigns)
		}
		contexts[qn] = base
	}

	newNodes := make(map[string]*node.Node)
	cloneName := make(map[string]map[string]string) // qn -> assign key -> clone qn
	for _, qn := range order {
		orig := nodes[qn]
		cloneName[qn] = make(map[string]string)
		for _, a := range contexts[qn] {
			name := qn + cloneSuffix(a, axes)
			if _, dup := newNodes[name]; dup {
				return nil, nil, errors.Validationf("iterable expansion produced duplicate node name %q", name)
			}
			clone := orig.Clone(name)
			for axis, idx := range a {
				if !strings.HasPrefix(axis, qn+":") {
					continue
				}
				info := axes[axis]
				if err := clone.SetInput(info.field, info.values[idx]); err != nil {
					return nil, nil, err
				}
			}
			newNodes[name] = clone
			cloneName[qn][a.key()] = name
		}
	}

	// Replicate every edge between all assignment-compatible clone pairs.
	// For a connected pair the source's axes are a subset of the
	// destination's, so each destination clone matches exactly one source
	// clone.
	var newEdges []rEdge
	for _, e := range edges {
		for _, dstAssign := range contexts[e.dst] {
			matched := false
			for _, srcAssign := range contexts[e.src] {
				if !srcAssign.compatible(dstAssign) {
					continue
				}
				newEdges = append(newEdges, rEdge{
					src:     cloneName[e.src][srcAssign.key()],
					srcPort: e.srcPort,
					dst:     cloneName[e.dst][dstAssign.key()],
					dstPort: e.dstPort,
					fn:      e.fn,
				})
				matched = true
			}
			if !matched {
				return nil, nil, errors.Validationf(
					"edge %s -> %s lost during iterable expansion", e.src, e.dst)
			}
		}
	}

	return newNodes, newEdges, nil
}

// ownAssignments computes a node's own sweep points: the Cartesian product
// of its plain axes, times the zip of its synchronized axes.
func ownAssignments(qn string, specs []IterableSpec, axes map[string]axisInfo) ([]assign, error) {
	out := []assign{{}}

	var syncSpecs []IterableSpec
	for _, spec := range specs {
		axisID := qn + ":" + spec.Field
		if _, dup := axes[axisID]; dup {
			return nil, errors.Validationf("duplicate iterable %q on node %q", spec.Field, qn)
		}
		axes[axisID] = axisInfo{field: spec.Field, values: spec.Values}
		if spec.Synchronized {
			syncSpecs = append(syncSpecs, spec)
			continue
		}
		var next []assign
		for _, base := range out {
			for idx := range spec.Values {
				a := base.union(assign{axisID: idx})
				next = append(next, a)
			}
		}
		out = next
	}

	if len(syncSpecs) > 0 {
		length := len(syncSpecs[0].Values)
		for _, spec := range syncSpecs[1:] {
			if len(spec.Values) != length {
				return nil, &errors.Error{Code: errors.CodeIterfieldMismatch, Node: qn,
					Message: fmt.Sprintf("synchronized iterable %q has %d values, expected %d",
						spec.Field, len(spec.Values), length)}
			}
		}
		var next []assign
		for _, base := range out {
			for i := 0; i < length; i++ {
				a := base
				for _, spec := range syncSpecs {
					a = a.union(assign{qn + ":" + spec.Field: i})
				}
				next = append(next, a)
			}
		}
		out = next
	}

	return out, nil
}

func joinContexts(left, right []assign) []assign {
	if len(right) == 0 {
		return left
	}
	var out []assign
	seen := make(map[string]bool)
	for _, l := range left {
		for _, r := range right {
			if !l.compatible(r) {
				continue
			}
			u := l.union(r)
			key := u.key()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, u)
		}
	}
	return out
}

// cloneSuffix builds the disambiguating name suffix for a sweep point,
// e.g. "__fwhm-4__method-A". The suffix also disambiguates the working
// directory, so sweep results never collide on disk.
func cloneSuffix(a assign, axes map[string]axisInfo) string {
	if len(a) == 0 {
		return ""
	}
	axisIDs := make([]string, 0, len(a))
	for axis := range a {
		axisIDs = append(axisIDs, axis)
	}
	sort.Strings(axisIDs)

	var sb strings.Builder
	for _, axis := range axisIDs {
		info := axes[axis]
		fmt.Fprintf(&sb, "__%s-%s", info.field, sanitizeValue(info.values[a[axis]]))
	}
	return sb.String()
}

func sanitizeValue(v any) string {
	s := fmt.Sprintf("%v", v)
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// ---- MapNode expansion ----

func expandMapNodes(nodes map[string]*node.Node, edges []rEdge) (map[string]*node.Node, []rEdge, error) {
	names := make([]string, 0, len(nodes))
	for qn := range nodes {
		names = append(names, qn)
	}
	sort.Strings(names)

	for _, qn := range names {
		n := nodes[qn]
		if !n.IsMapNode() {
			continue
		}

		var edgeFed []string
		for _, e := range edges {
			if e.dst == qn {
				edgeFed = appendDistinctStr(edgeFed, e.dstPort)
			}
		}

		exp, err := node.Expand(n, edgeFed)
		if err != nil {
			return nil, nil, err
		}

		delete(nodes, qn)
		for _, added := range append([]*node.Node{exp.Scatter, exp.Gather}, exp.Sub...) {
			if _, dup := nodes[added.QualifiedName()]; dup {
				return nil, nil, errors.Validationf("mapnode expansion produced duplicate node %q", added.QualifiedName())
			}
			nodes[added.QualifiedName()] = added
		}

		var rewired []rEdge
		for _, e := range edges {
			switch {
			case e.dst == qn:
				rewired = append(rewired, rEdge{src: e.src, srcPort: e.srcPort,
					dst: exp.Scatter.QualifiedName(), dstPort: e.dstPort, fn: e.fn})
			case e.src == qn:
				rewired = append(rewired, rEdge{src: exp.Gather.QualifiedName(), srcPort: e.srcPort,
					dst: e.dst, dstPort: e.dstPort, fn: e.fn})
			default:
				rewired = append(rewired, e)
			}
		}

		for i, sub := range exp.Sub {
			for _, port := range exp.ScatterPorts {
				rewired = append(rewired, rEdge{src: exp.Scatter.QualifiedName(), srcPort: port,
					dst: sub.QualifiedName(), dstPort: port})
			}
			for _, out := range n.Runnable().OutputSpec().Names() {
				rewired = append(rewired, rEdge{src: sub.QualifiedName(), srcPort: out,
					dst: exp.Gather.QualifiedName(), dstPort: node.GatherPort(out, i)})
			}
		}

		edges = rewired
	}

	return nodes, edges, nil
}

// ---- assembly ----

func assemble(nodes map[string]*node.Node, edges []rEdge) (*Graph, error) {
	g := NewGraph()

	names := make([]string, 0, len(nodes))
	for qn := range nodes {
		names = append(names, qn)
	}
	sort.Strings(names)
	for _, qn := range names {
		if _, err := g.Add(nodes[qn]); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].src != edges[j].src {
			return edges[i].src < edges[j].src
		}
		if edges[i].dst != edges[j].dst {
			return edges[i].dst < edges[j].dst
		}
		return edges[i].dstPort < edges[j].dstPort
	})
	for _, e := range edges {
		src, ok := g.Lookup(e.src)
		if !ok {
			return nil, errors.Validationf("edge references unknown node %q", e.src)
		}
		dst, ok := g.Lookup(e.dst)
		if !ok {
			return nil, errors.Validationf("edge references unknown node %q", e.dst)
		}
		if err := g.AddEdge(Edge{Src: src, Dst: dst, SrcPort: e.srcPort, DstPort: e.dstPort, Transform: e.fn}); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// nameTopoOrder orders qualified names topologically with sorted tie-break.
func nameTopoOrder(nodes map[string]*node.Node, edges []rEdge) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	succs := make(map[string][]string)
	for qn := range nodes {
		indegree[qn] = 0
	}
	for _, e := range edges {
		if _, ok := nodes[e.src]; !ok {
			return nil, errors.Validationf("edge references unknown node %q", e.src)
		}
		if _, ok := nodes[e.dst]; !ok {
			return nil, errors.Validationf("edge references unknown node %q", e.dst)
		}
		succs[e.src] = appendDistinctStr(succs[e.src], e.dst)
	}
	for _, dsts := range succs {
		for _, d := range dsts {
			indegree[d]++
		}
	}

	var ready []string
	for qn, deg := range indegree {
		if deg == 0 {
			ready = append(ready, qn)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		var unlocked []string
		for _, next := range succs[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = mergeStr(ready, unlocked)
	}

	if len(order) != len(nodes) {
		return nil, &errors.Error{Code: errors.CodeCyclicGraph, Message: "workflow connections contain a cycle"}
	}
	return order, nil
}

func mergeStr(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func appendDistinctStr(s []string, v string) []string {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}
