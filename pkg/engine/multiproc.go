package engine

import (
	"context"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// MultiProc executes admitted nodes concurrently, one goroutine each, under
// a processor and memory budget. Admission is greedy: a ready node starts as
// soon as its normalized requirements fit into what is currently free; the
// sum of running requirements never exceeds the configured capacity.
type MultiProc struct {
	maxProcs int
	maxMemGB float64

	mu        sync.Mutex
	usedProcs int
	usedMemGB float64
}

// NewMultiProc creates a resource-bounded concurrent strategy.
func NewMultiProc(procs int, memoryGB float64) (*MultiProc, error) {
	if procs <= 0 {
		return nil, errors.Validationf("MultiProc requires a positive processor count, got %d", procs)
	}
	if memoryGB <= 0 {
		return nil, errors.Validationf("MultiProc requires a positive memory budget, got %v GB", memoryGB)
	}
	return &MultiProc{maxProcs: procs, maxMemGB: memoryGB}, nil
}

// Name identifies the strategy.
func (m *MultiProc) Name() string { return "MultiProc" }

// TryAcquire admits the node iff its normalized requirements fit into the
// free capacity. A node requiring more than the total budget is never
// admitted; the controller surfaces that as a validation failure instead of
// deadlocking.
func (m *MultiProc) TryAcquire(n *node.Node) bool {
	req := n.Resources.Normalized()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedProcs+req.Procs > m.maxProcs || m.usedMemGB+req.MemoryGB > m.maxMemGB {
		return false
	}
	m.usedProcs += req.Procs
	m.usedMemGB += req.MemoryGB
	return true
}

// Release returns the node's reservation.
func (m *MultiProc) Release(n *node.Node) {
	req := n.Resources.Normalized()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.usedProcs -= req.Procs
	m.usedMemGB -= req.MemoryGB
}

// Execute runs the node in-process.
func (m *MultiProc) Execute(ctx context.Context, n *node.Node) (*runnable.Result, error) {
	return n.Runnable().Run(ctx, n.WorkDir())
}

// Usage reports the current admission state for the resource monitor.
func (m *MultiProc) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{
		Procs:    m.usedProcs,
		MaxProcs: m.maxProcs,
		MemoryGB: m.usedMemGB,
		MaxMemGB: m.maxMemGB,
	}
}
