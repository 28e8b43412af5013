package engine

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// Linear executes one node at a time in the controller's deterministic ready
// order. The default strategy; also the reference behavior the concurrent
// strategies must agree with result-wise.
type Linear struct {
	busy bool
}

// NewLinear creates a serial execution strategy.
func NewLinear() *Linear { return &Linear{} }

// Name identifies the strategy.
func (l *Linear) Name() string { return "Linear" }

// TryAcquire admits at most one node at a time. Only the controller
// goroutine calls this, so no locking is needed.
func (l *Linear) TryAcquire(*node.Node) bool {
	if l.busy {
		return false
	}
	l.busy = true
	return true
}

// Release frees the single slot.
func (l *Linear) Release(*node.Node) { l.busy = false }

// Execute runs the node in-process.
func (l *Linear) Execute(ctx context.Context, n *node.Node) (*runnable.Result, error) {
	return n.Runnable().Run(ctx, n.WorkDir())
}
