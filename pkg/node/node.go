// Package node defines the scheduling unit of the engine: one runnable plus
// its resolved inputs, resource requirements, working directory, and
// lifecycle state. It also implements MapNode fan-out expansion.
package node

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/hash"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// Resources declares what a node needs to run. MemoryGB and Procs gate
// admission in resource-aware strategies; Timeout, when non-zero, bounds a
// single execution.
type Resources struct {
	MemoryGB float64
	Procs    int
	Timeout  time.Duration
}

// Normalized returns the resources with zero values raised to the minimum
// schedulable unit.
func (r Resources) Normalized() Resources {
	if r.Procs <= 0 {
		r.Procs = 1
	}
	if r.MemoryGB <= 0 {
		r.MemoryGB = 0.25
	}
	return r
}

// Node is one runnable instance under scheduling. Created when added to a
// workflow, renamed during flattening, and mutated only by the controller
// loop (state) afterwards.
type Node struct {
	name          string
	qualifiedName string
	run           runnable.Runnable
	baseDir       string
	state         State

	// Resources are the node's declared requirements.
	Resources Resources

	// Iterfields, when non-empty, makes this a MapNode fanning out over
	// the named list-valued inputs.
	Iterfields []string

	// Nested expands iterfield values that are lists-of-lists one level
	// at a time recursively instead of flattening them.
	Nested bool

	// Synthetic marks scatter/gather nodes produced by MapNode expansion.
	// Synthetic nodes schedule like any other node but bypass the cache.
	Synthetic bool
}

// New creates a node owning the given runnable.
func New(name string, run runnable.Runnable) *Node {
	return &Node{name: name, qualifiedName: name, run: run, state: Pending}
}

// Name returns the node's local (unqualified) name.
func (n *Node) Name() string { return n.name }

// QualifiedName returns the dotted hierarchical name, e.g. "wf1.wf2.nodeA".
func (n *Node) QualifiedName() string { return n.qualifiedName }

// SetQualifiedName rewrites the qualified name. Called by flattening only.
func (n *Node) SetQualifiedName(qn string) { n.qualifiedName = qn }

// Runnable returns the owned runnable.
func (n *Node) Runnable() runnable.Runnable { return n.run }

// BaseDir returns the directory under which the node's working directory is
// created.
func (n *Node) BaseDir() string { return n.baseDir }

// SetBaseDir sets the base directory.
func (n *Node) SetBaseDir(dir string) { n.baseDir = dir }

// WorkDir returns the node's exclusive working directory: one path segment
// per qualified-name segment under the base directory, so sweep clones and
// nested workflow nodes never collide on disk.
func (n *Node) WorkDir() string {
	segments := strings.Split(n.qualifiedName, ".")
	return filepath.Join(append([]string{n.baseDir}, segments...)...)
}

// State returns the current lifecycle state.
func (n *Node) State() State { return n.state }

// SetState transitions the node, enforcing the state machine.
func (n *Node) SetState(to State) error {
	if !allowedTransition(n.state, to) {
		return fmt.Errorf("node %s: invalid transition %s -> %s", n.qualifiedName, n.state, to)
	}
	n.state = to
	return nil
}

// IsMapNode reports whether the node fans out over iterfields.
func (n *Node) IsMapNode() bool { return len(n.Iterfields) > 0 }

// SetInput binds a static value to one of the runnable's input ports.
func (n *Node) SetInput(port string, value any) error {
	if err := n.run.SetInput(port, value); err != nil {
		return errors.NewNode(errors.CodeValidation, n.qualifiedName, fmt.Sprintf("binding input %q", port), err)
	}
	return nil
}

// Resolve binds edge-sourced values into the runnable's inputs and then
// verifies that every mandatory input is bound or defaulted. It fails with
// an UnresolvedInput error otherwise; validation always precedes execution.
func (n *Node) Resolve(upstream map[string]any) error {
	for port, value := range upstream {
		if err := n.run.SetInput(port, value); err != nil {
			return errors.NewNode(errors.CodeValidation, n.qualifiedName, fmt.Sprintf("resolving input %q", port), err)
		}
	}

	inputs := n.run.HashableInputs()
	spec := n.run.InputSpec()
	for _, name := range spec.Names() {
		port := spec[name]
		if !port.Mandatory {
			continue
		}
		if _, ok := inputs[name]; !ok {
			return errors.NewNode(errors.CodeUnresolvedInput, n.qualifiedName,
				fmt.Sprintf("mandatory input %q remains unbound and has no default", name), nil)
		}
	}
	return nil
}

// Digest returns the content hash of the node's resolved inputs. Identical
// resolved-input sets yield identical digests regardless of binding order.
func (n *Node) Digest() (string, error) {
	d, err := hash.DigestInputs(n.run.HashableInputs())
	if err != nil {
		return "", errors.NewNode(errors.CodeValidation, n.qualifiedName, "computing digest", err)
	}
	return d, nil
}

// Clone returns an independent copy of the node with the given local name.
// The runnable is cloned; state resets to Pending.
func (n *Node) Clone(name string) *Node {
	c := New(name, n.run.Clone())
	c.qualifiedName = name
	c.baseDir = n.baseDir
	c.Resources = n.Resources
	c.Iterfields = append([]string(nil), n.Iterfields...)
	c.Nested = n.Nested
	c.Synthetic = n.Synthetic
	return c
}
