package engine

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/node"
)

// NodeReport is the per-node outcome of a run.
type NodeReport struct {
	Node     string
	State    node.State
	Digest   string
	CacheHit bool
	Started  time.Time
	Finished time.Time
	Error    string
}

// Duration returns the node's wall-clock execution time, zero when it never
// started.
func (n NodeReport) Duration() time.Duration {
	if n.Started.IsZero() || n.Finished.IsZero() {
		return 0
	}
	return n.Finished.Sub(n.Started)
}

// Report summarizes one engine run. Nodes appear in topological order.
type Report struct {
	RunID    string
	Workflow string
	Strategy string
	Started  time.Time
	Finished time.Time
	Nodes    []NodeReport

	Succeeded int
	Cached    int
	Failed    int
	Blocked   int
	Pending   int
}

// Clean reports whether every node satisfied its dependents.
func (r *Report) Clean() bool {
	return r.Failed == 0 && r.Blocked == 0 && r.Pending == 0
}

// Lookup returns the report entry for a qualified node name.
func (r *Report) Lookup(qualifiedName string) (NodeReport, bool) {
	for _, nr := range r.Nodes {
		if nr.Node == qualifiedName {
			return nr, true
		}
	}
	return NodeReport{}, false
}

func (r *Report) count(s node.State) {
	switch s {
	case node.Succeeded:
		r.Succeeded++
	case node.Cached:
		r.Cached++
	case node.Failed:
		r.Failed++
	case node.Blocked:
		r.Blocked++
	case node.Pending:
		r.Pending++
	}
}
