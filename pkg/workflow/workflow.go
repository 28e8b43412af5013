// Package workflow provides the builder for (possibly nested) graphs of
// nodes and the flattening that turns nested workflows, parameter sweeps,
// and MapNodes into one executable flat DAG.
package workflow

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/transform"
)

// IterableSpec declares a parameter-sweep axis on a node: at flatten time
// the node (and its downstream consumers) is cloned once per value.
// Synchronized axes on the same node zip instead of taking the Cartesian
// product. Expanded only during flattening, never mutated afterward.
type IterableSpec struct {
	Field        string
	Values       []any
	Synchronized bool
}

// connection is a builder-level edge. Endpoints are name paths relative to
// the owning workflow ("nodeA" or "sub.nodeB"); dotted paths resolve at
// flatten time so forward references to nested workflows are allowed.
type connection struct {
	src, srcPort string
	dst, dstPort string
	fn           transform.Func
}

// Workflow is an incrementally built, possibly nested, graph of nodes. Only
// the flattened Graph is ever executed; the workflow itself is discarded
// after a run (outputs persist on disk, not in memory).
type Workflow struct {
	name      string
	baseDir   string
	logger    *zap.Logger
	nodes     map[string]*node.Node
	children  map[string]*Workflow
	conns     []connection
	iterables map[string][]IterableSpec
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithBaseDir sets the directory under which node working directories are
// created.
func WithBaseDir(dir string) Option {
	return func(w *Workflow) { w.baseDir = dir }
}

// WithLogger sets the builder's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// New creates an empty workflow.
func New(name string, opts ...Option) *Workflow {
	w := &Workflow{
		name:      name,
		logger:    zap.NewNop(),
		nodes:     make(map[string]*node.Node),
		children:  make(map[string]*Workflow),
		iterables: make(map[string][]IterableSpec),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Add registers nodes under their local names. Names must be unique within
// the workflow, must not contain dots, and must not collide with nested
// workflow names.
func (w *Workflow) Add(nodes ...*node.Node) error {
	for _, n := range nodes {
		name := n.Name()
		if name == "" {
			return errors.Validation("node has empty name")
		}
		if strings.Contains(name, ".") {
			return errors.Validationf("node name %q must not contain dots", name)
		}
		if _, dup := w.nodes[name]; dup {
			return errors.Validationf("duplicate node name %q in workflow %q", name, w.name)
		}
		if _, dup := w.children[name]; dup {
			return errors.Validationf("name %q already used by a nested workflow in %q", name, w.name)
		}
		w.nodes[name] = n
	}
	return nil
}

// AddWorkflow nests a sub-workflow.
func (w *Workflow) AddWorkflow(sub *Workflow) error {
	name := sub.Name()
	if name == "" || strings.Contains(name, ".") {
		return errors.Validationf("invalid nested workflow name %q", name)
	}
	if _, dup := w.nodes[name]; dup {
		return errors.Validationf("name %q already used by a node in %q", name, w.name)
	}
	if _, dup := w.children[name]; dup {
		return errors.Validationf("duplicate nested workflow %q in %q", name, w.name)
	}
	w.children[name] = sub
	return nil
}

// ConnectOption configures a connection.
type ConnectOption func(*connection)

// WithTransform applies a pure transform to the value in transit.
func WithTransform(fn transform.Func) ConnectOption {
	return func(c *connection) { c.fn = fn }
}

// Connect declares an edge src.srcPort -> dst.dstPort. Local endpoints are
// validated immediately (port existence, acyclicity over the declared
// connections); dotted endpoints ("sub.node") resolve through the hierarchy
// at flatten time to allow forward references. A connection that would close
// a cycle fails with CyclicGraphError and leaves the workflow unchanged.
func (w *Workflow) Connect(src, srcPort, dst, dstPort string, opts ...ConnectOption) error {
	conn := connection{src: src, srcPort: srcPort, dst: dst, dstPort: dstPort}
	for _, opt := range opts {
		opt(&conn)
	}

	if err := w.checkEndpoint(src, srcPort, true); err != nil {
		return err
	}
	if err := w.checkEndpoint(dst, dstPort, false); err != nil {
		return err
	}
	if w.wouldCycle(src, dst) {
		return &errors.Error{Code: errors.CodeCyclicGraph,
			Message: "connection " + src + " -> " + dst + " would create a cycle in workflow " + w.name}
	}

	w.conns = append(w.conns, conn)
	return nil
}

// SetIterables attaches a parameter-sweep axis to a local node. Multiple
// axes on one node expand to their Cartesian product at flatten time.
func (w *Workflow) SetIterables(nodeName, field string, values []any) error {
	return w.setIterables(nodeName, field, values, false)
}

// SetSynchronizedIterables attaches a zipped axis: all synchronized axes on
// the node advance together instead of multiplying.
func (w *Workflow) SetSynchronizedIterables(nodeName, field string, values []any) error {
	return w.setIterables(nodeName, field, values, true)
}

func (w *Workflow) setIterables(nodeName, field string, values []any, sync bool) error {
	n, ok := w.nodes[nodeName]
	if !ok {
		return errors.Validationf("workflow %q has no node %q", w.name, nodeName)
	}
	if !n.Runnable().InputSpec().Has(field) {
		return errors.Validationf("node %q has no input port %q for iterables", nodeName, field)
	}
	if len(values) == 0 {
		return errors.Validationf("iterable %q on node %q has no values", field, nodeName)
	}
	w.iterables[nodeName] = append(w.iterables[nodeName], IterableSpec{
		Field: field, Values: values, Synchronized: sync,
	})
	return nil
}

// checkEndpoint validates what it can at connect time: a plain endpoint must
// name a local node with the referenced port; a dotted endpoint must at
// least start with a known or not-yet-added nested workflow, so validation
// defers entirely.
func (w *Workflow) checkEndpoint(name, port string, isSource bool) error {
	if strings.Contains(name, ".") {
		return nil // resolved at flatten time
	}
	n, ok := w.nodes[name]
	if !ok {
		if _, nested := w.children[name]; nested {
			return errors.Validationf("endpoint %q is a nested workflow; use %q", name, name+".<node>")
		}
		return errors.Validationf("workflow %q has no node %q", w.name, name)
	}
	if isSource {
		if !n.Runnable().OutputSpec().Has(port) {
			return errors.Validationf("node %q has no output port %q (declared: %v)",
				name, port, n.Runnable().OutputSpec().Names())
		}
		return nil
	}
	if !n.Runnable().InputSpec().Has(port) {
		return errors.Validationf("node %q has no input port %q (declared: %v)",
			name, port, n.Runnable().InputSpec().Names())
	}
	return nil
}

// wouldCycle checks the declared connections at endpoint granularity.
// Flattening re-validates the fully expanded graph; this is the early, precise
// failure at the offending Connect call.
func (w *Workflow) wouldCycle(src, dst string) bool {
	if src == dst {
		return true
	}
	succs := make(map[string][]string, len(w.conns))
	for _, c := range w.conns {
		succs[c.src] = append(succs[c.src], c.dst)
	}

	// DFS from dst: if src is reachable, adding src->dst closes a cycle.
	stack := []string{dst}
	visited := map[string]bool{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == src {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, succs[cur]...)
	}
	return false
}

// nodeNames returns local node names in sorted order.
func (w *Workflow) nodeNames() []string {
	names := make([]string, 0, len(w.nodes))
	for name := range w.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// childNames returns nested workflow names in sorted order.
func (w *Workflow) childNames() []string {
	names := make([]string, 0, len(w.children))
	for name := range w.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
