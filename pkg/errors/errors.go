// Package errors defines the structured error taxonomy shared by the
// Daedalus engine packages. Errors are classified by code so callers can
// distinguish graph construction problems (never recoverable) from runtime
// failures (recorded and retried per policy) and cache inconsistencies
// (treated as a miss).
package errors

import (
	"errors"
	"fmt"
)

// Code classifies an engine error.
type Code string

// Recognized error codes.
const (
	// CodeValidation marks a bad graph: missing mandatory input, port
	// mismatch, cyclic edge, iterfield length mismatch. Always raised
	// before any execution begins.
	CodeValidation Code = "ValidationError"

	// CodeNodeExecution marks a runnable that failed at runtime.
	CodeNodeExecution Code = "NodeExecutionError"

	// CodeSubmission marks a cluster backend that rejected a job.
	// Retried with bounded backoff, then escalated to CodeNodeExecution.
	CodeSubmission Code = "SubmissionError"

	// CodeCacheIntegrity marks a cache record whose referenced output
	// files are missing. Treated as a cache miss, not a fatal error.
	CodeCacheIntegrity Code = "CacheIntegrityError"

	// CodeTimeout marks a node that exceeded its per-node timeout.
	CodeTimeout Code = "TimeoutError"

	// CodeUnresolvedInput marks a mandatory input left unbound with no
	// default after edge resolution.
	CodeUnresolvedInput Code = "UnresolvedInputError"

	// CodeCyclicGraph marks an edge insertion that would close a cycle.
	CodeCyclicGraph Code = "CyclicGraphError"

	// CodeIterfieldMismatch marks iterfield lists of unequal length.
	CodeIterfieldMismatch Code = "IterfieldLengthMismatch"
)

var (
	// ErrCancelled indicates that the run was cancelled before the node
	// could be dispatched.
	ErrCancelled = errors.New("run cancelled")

	// ErrBlocked indicates that a node could not run because an upstream
	// dependency failed.
	ErrBlocked = errors.New("blocked by upstream failure")
)

// Error represents a structured engine error.
type Error struct {
	// Code is the machine-readable classification.
	Code Code

	// Node is the qualified name of the node the error concerns, if any.
	Node string

	// Message is a human-readable description.
	Message string

	// Stdout and Stderr carry captured output for execution failures.
	Stdout string
	Stderr string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Node != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Node, e.Message, e.Err)
	case e.Node != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Node, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new structured error.
func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewNode creates a new structured error attributed to a node.
func NewNode(code Code, node, message string, err error) *Error {
	return &Error{Code: code, Node: node, Message: message, Err: err}
}

// Validation creates a graph validation error.
func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

// Validationf creates a formatted graph validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// HasCode reports whether err is an *Error carrying the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is a graph validation error of any kind.
func IsValidation(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeValidation, CodeCyclicGraph, CodeIterfieldMismatch, CodeUnresolvedInput:
		return true
	}
	return false
}
