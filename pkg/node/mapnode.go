package node

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// MapExpansion is the result of expanding a MapNode: N ordinary sub-nodes
// plus two synthetic nodes. Scatter forwards edge-fed non-iterfield inputs
// to every sub-node; Gather reassembles sub-node outputs into lists
// preserving input order.
type MapExpansion struct {
	Scatter *Node
	Gather  *Node
	Sub     []*Node

	// Paths holds, per sub-node, its index path into the (possibly
	// nested) iterfield lists. Flat expansion yields single-element
	// paths.
	Paths [][]int

	// ScatterPorts are the non-iterfield input ports routed through the
	// scatter node, in sorted order.
	ScatterPorts []string
}

// Expand fans a MapNode out over its iterfields. Every iterfield must be
// statically bound to a list; all lists must have equal length at every
// expansion level, or the expansion fails with IterfieldLengthMismatch.
// edgeFed names the input ports that receive values over graph edges; an
// edge into an iterfield port is a validation error because fan-out count is
// fixed at flatten time.
func Expand(n *Node, edgeFed []string) (*MapExpansion, error) {
	if !n.IsMapNode() {
		return nil, errors.NewNode(errors.CodeValidation, n.QualifiedName(), "node has no iterfields", nil)
	}

	iterSet := make(map[string]bool, len(n.Iterfields))
	for _, f := range n.Iterfields {
		if !n.Runnable().InputSpec().Has(f) {
			return nil, errors.NewNode(errors.CodeValidation, n.QualifiedName(),
				fmt.Sprintf("iterfield %q is not a declared input port", f), nil)
		}
		iterSet[f] = true
	}
	for _, port := range edgeFed {
		if iterSet[port] {
			return nil, errors.NewNode(errors.CodeValidation, n.QualifiedName(),
				fmt.Sprintf("iterfield %q cannot be fed by an edge; bind it statically", port), nil)
		}
	}

	inputs := n.Runnable().Inputs()
	lists := make(map[string][]any, len(n.Iterfields))
	length := -1
	for _, f := range n.Iterfields {
		bound, ok := inputs[f]
		if !ok {
			return nil, errors.NewNode(errors.CodeValidation, n.QualifiedName(),
				fmt.Sprintf("iterfield %q has no bound value", f), nil)
		}
		if !runnable.IsList(bound) {
			return nil, errors.NewNode(errors.CodeValidation, n.QualifiedName(),
				fmt.Sprintf("iterfield %q must be bound to a list, got %T", f, bound), nil)
		}
		elems := runnable.ListElems(bound)
		if length == -1 {
			length = len(elems)
		} else if len(elems) != length {
			return nil, errors.NewNode(errors.CodeIterfieldMismatch, n.QualifiedName(),
				fmt.Sprintf("iterfield %q has %d values, expected %d", f, len(elems), length), nil)
		}
		lists[f] = elems
	}

	bindings, err := expandLevel(n, lists, nil)
	if err != nil {
		return nil, err
	}

	exp := &MapExpansion{ScatterPorts: scatterPorts(edgeFed)}
	for _, b := range bindings {
		sub := n.Clone(subName(n.Name(), b.path))
		sub.Iterfields = nil
		sub.Synthetic = false

		// The prototype declares iterfield ports as lists; each clone
		// carries one element, so its own spec must accept the element.
		retyper, ok := sub.Runnable().(portRetyper)
		if !ok {
			return nil, errors.NewNode(errors.CodeValidation, n.QualifiedName(),
				fmt.Sprintf("runnable %T does not support iterfield fan-out", sub.Runnable()), nil)
		}
		for f, v := range b.values {
			retyper.RetypeInputPort(f, runnable.TypeAny)
			if err := sub.SetInput(f, v); err != nil {
				return nil, err
			}
		}
		exp.Sub = append(exp.Sub, sub)
		exp.Paths = append(exp.Paths, b.path)
	}

	exp.Scatter = newScatter(n, exp.ScatterPorts)
	exp.Gather = newGather(n, exp.Paths)
	return exp, nil
}

type subBinding struct {
	path   []int
	values map[string]any
}

// portRetyper is satisfied by runnables whose declared port types can be
// rewritten per instance (everything embedding runnable.Base).
type portRetyper interface {
	RetypeInputPort(name string, t runnable.Type)
}

// expandLevel expands one nesting level. With Nested set, levels where every
// iterfield element is itself a list recurse element-wise; mixed list and
// non-list elements at the same position are a validation error rather than
// guessed broadcast semantics.
func expandLevel(n *Node, lists map[string][]any, path []int) ([]subBinding, error) {
	length := -1
	for f, elems := range lists {
		if length == -1 {
			length = len(elems)
		} else if len(elems) != length {
			return nil, errors.NewNode(errors.CodeIterfieldMismatch, n.QualifiedName(),
				fmt.Sprintf("nested iterfield %q has %d values at %v, expected %d", f, len(elems), path, length), nil)
		}
	}

	var out []subBinding
	for i := 0; i < length; i++ {
		values := make(map[string]any, len(lists))
		listCount := 0
		for f, elems := range lists {
			values[f] = elems[i]
			if runnable.IsList(elems[i]) {
				listCount++
			}
		}

		elemPath := append(append([]int(nil), path...), i)
		if n.Nested && listCount > 0 {
			if listCount != len(lists) {
				return nil, errors.NewNode(errors.CodeValidation, n.QualifiedName(),
					fmt.Sprintf("nested expansion at %v mixes list and non-list iterfield values", elemPath), nil)
			}
			inner := make(map[string][]any, len(values))
			for f, v := range values {
				inner[f] = runnable.ListElems(v)
			}
			nested, err := expandLevel(n, inner, elemPath)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}

		out = append(out, subBinding{path: elemPath, values: values})
	}
	return out, nil
}

func subName(base string, path []int) string {
	parts := make([]string, len(path))
	for i, idx := range path {
		parts[i] = strconv.Itoa(idx)
	}
	return base + "__i" + strings.Join(parts, "-")
}

func scatterPorts(edgeFed []string) []string {
	ports := append([]string(nil), edgeFed...)
	sort.Strings(ports)
	return ports
}

// newScatter builds the synthetic fan-out node: an identity function over
// the edge-fed non-iterfield ports, so upstream edges terminate in a single
// node and every sub-node reads the forwarded values from it.
func newScatter(n *Node, ports []string) *Node {
	inSpec := runnable.Spec{}
	outSpec := runnable.Spec{}
	srcSpec := n.Runnable().InputSpec()
	for _, port := range ports {
		decl := srcSpec[port]
		inSpec[port] = &runnable.Port{Type: decl.Type, Mandatory: decl.Mandatory, Default: decl.Default}
		outSpec[port] = &runnable.Port{Type: decl.Type}
	}

	fn := runnable.NewFunction(inSpec, outSpec, func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		return inputs, nil
	})
	s := New(n.Name()+"__scatter", fn)
	s.Synthetic = true
	s.SetBaseDir(n.BaseDir())
	return s
}

// newGather builds the synthetic fan-in node. Its input ports are
// "<port>_<i>" for every original output port and sub-node index; it emits
// one list per original port, reassembled in input order (nested paths
// reassemble into nested lists).
func newGather(n *Node, paths [][]int) *Node {
	inSpec := runnable.Spec{}
	outSpec := runnable.Spec{}
	srcSpec := n.Runnable().OutputSpec()
	for _, port := range srcSpec.Names() {
		outSpec[port] = &runnable.Port{Type: runnable.TypeList}
		for i := range paths {
			inSpec[GatherPort(port, i)] = &runnable.Port{Type: runnable.TypeAny}
		}
	}

	ports := srcSpec.Names()
	frozen := make([][]int, len(paths))
	copy(frozen, paths)

	fn := runnable.NewFunction(inSpec, outSpec, func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		outputs := make(map[string]any, len(ports))
		for _, port := range ports {
			values := make([]any, len(frozen))
			for i := range frozen {
				values[i] = inputs[GatherPort(port, i)]
			}
			outputs[port] = assemble(frozen, values)
		}
		return outputs, nil
	})

	g := New(n.Name()+"__gather", fn)
	g.Synthetic = true
	g.SetBaseDir(n.BaseDir())
	return g
}

// GatherPort names the gather input port carrying sub-node i's value for an
// original output port.
func GatherPort(port string, i int) string {
	return fmt.Sprintf("%s_%d", port, i)
}

// assemble rebuilds the (possibly nested) list structure recorded in paths.
func assemble(paths [][]int, values []any) any {
	if len(paths) == 0 {
		return []any{}
	}
	flat := true
	for _, p := range paths {
		if len(p) != 1 {
			flat = false
			break
		}
	}
	if flat {
		out := make([]any, len(paths))
		for i, p := range paths {
			out[p[0]] = values[i]
		}
		return out
	}

	// Group by leading index, recurse on the tails.
	groups := map[int][]int{}
	maxIdx := -1
	for i, p := range paths {
		groups[p[0]] = append(groups[p[0]], i)
		if p[0] > maxIdx {
			maxIdx = p[0]
		}
	}
	out := make([]any, maxIdx+1)
	for idx := 0; idx <= maxIdx; idx++ {
		members := groups[idx]
		subPaths := make([][]int, len(members))
		subValues := make([]any, len(members))
		for j, m := range members {
			subPaths[j] = paths[m][1:]
			subValues[j] = values[m]
		}
		if len(members) == 1 && len(subPaths[0]) == 0 {
			out[idx] = subValues[0]
			continue
		}
		out[idx] = assemble(subPaths, subValues)
	}
	return out
}
