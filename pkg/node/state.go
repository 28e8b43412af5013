package node

import "fmt"

// State is the lifecycle state of a node during a run.
type State int32

// Node lifecycle states.
const (
	// Pending: created, not yet dispatched.
	Pending State = iota
	// Cached: skipped because a valid cache record matched the digest.
	Cached
	// Running: dispatched and executing.
	Running
	// Succeeded: execution finished and outputs were committed.
	Succeeded
	// Failed: execution raised an error, or retries were exhausted.
	Failed
	// Blocked: permanently unrunnable because an upstream dependency
	// failed. Surfaced as a descendant failure, never silently skipped.
	Blocked
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Cached:
		return "Cached"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Blocked:
		return "Blocked"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the state is final for this run.
func (s State) Terminal() bool {
	switch s {
	case Cached, Succeeded, Failed, Blocked:
		return true
	}
	return false
}

// Satisfied reports whether the state satisfies downstream dependencies.
func (s State) Satisfied() bool {
	return s == Succeeded || s == Cached
}

// allowedTransition encodes the per-node state machine:
// Pending -> Cached | Running | Blocked | Failed, Running -> Succeeded | Failed.
// Pending -> Failed covers input resolution failures, which fail a node
// before it is ever dispatched.
func allowedTransition(from, to State) bool {
	switch from {
	case Pending:
		return to == Running || to == Cached || to == Blocked || to == Failed
	case Running:
		return to == Succeeded || to == Failed
	}
	return false
}
