// Package runnable defines the contract between the Daedalus engine and the
// computational units it schedules, plus three general-purpose
// implementations: in-process Go functions, external commands, and sandboxed
// JavaScript programs.
//
// A Runnable is opaque to the engine: it declares typed input and output
// ports, accepts bound input values, and executes inside a working directory
// the engine owns. The engine never inspects a runnable's internal logic; it
// relies only on the schema and on HashableInputs for memoization.
package runnable

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Result is the outcome of a successful run: the produced output values per
// declared port, plus any captured process output.
type Result struct {
	Outputs map[string]any
	Stdout  string
	Stderr  string
}

// Runnable is an opaque, externally supplied computational unit with typed
// named inputs and outputs. Implementations must be safe to Clone before
// execution; a Runnable is immutable once its node has started running.
type Runnable interface {
	// InputSpec returns the declared input ports.
	InputSpec() Spec

	// OutputSpec returns the declared output ports.
	OutputSpec() Spec

	// Inputs returns a copy of the currently bound input values.
	Inputs() map[string]any

	// SetInput binds a value to a declared input port.
	SetInput(name string, value any) error

	// HashableInputs returns the bound inputs with declared defaults
	// applied, in the form consumed by the digest computation.
	HashableInputs() map[string]any

	// Run executes the unit inside workdir and returns its outputs.
	Run(ctx context.Context, workdir string) (*Result, error)

	// Clone returns an independent copy with the same specs and a copy of
	// the bound inputs. Fan-out expansion clones the prototype once per
	// sub-node.
	Clone() Runnable
}

// Base carries the schema and bound inputs shared by the bundled Runnable
// implementations. Embed it and implement Run and Clone.
type Base struct {
	inputs     map[string]any
	inputSpec  Spec
	outputSpec Spec
}

// NewBase creates a Base over the given specs.
func NewBase(inputSpec, outputSpec Spec) Base {
	return Base{
		inputs:     make(map[string]any),
		inputSpec:  inputSpec,
		outputSpec: outputSpec,
	}
}

// InputSpec returns the declared input ports.
func (b *Base) InputSpec() Spec { return b.inputSpec }

// OutputSpec returns the declared output ports.
func (b *Base) OutputSpec() Spec { return b.outputSpec }

// Inputs returns a copy of the bound inputs.
func (b *Base) Inputs() map[string]any {
	out := make(map[string]any, len(b.inputs))
	for k, v := range b.inputs {
		out[k] = v
	}
	return out
}

// SetInput binds a value to a declared input port, rejecting unknown ports
// and type mismatches.
func (b *Base) SetInput(name string, value any) error {
	port, ok := b.inputSpec[name]
	if !ok {
		return errors.Validationf("no input port %q (declared: %v)", name, b.inputSpec.Names())
	}
	if err := port.check(name, value); err != nil {
		return errors.Validation(err.Error())
	}
	if b.inputs == nil {
		b.inputs = make(map[string]any)
	}
	b.inputs[name] = value
	return nil
}

// HashableInputs returns the bound inputs with defaults applied.
func (b *Base) HashableInputs() map[string]any {
	return b.inputSpec.ApplyDefaults(b.inputs)
}

// RetypeInputPort replaces the declared type of one input port, giving this
// instance its own spec copy so the shared prototype spec stays untouched.
// Fan-out expansion uses it: a port declared as a list on the prototype
// carries a single element on each sub-node clone.
func (b *Base) RetypeInputPort(name string, t Type) {
	spec := make(Spec, len(b.inputSpec))
	for k, v := range b.inputSpec {
		spec[k] = v
	}
	if port, ok := spec[name]; ok {
		p := *port
		p.Type = t
		spec[name] = &p
	}
	b.inputSpec = spec
}

// CloneBase returns a deep-enough copy of the base for fan-out: specs are
// shared (they are read-only after construction), inputs are copied.
func (b *Base) CloneBase() Base {
	c := NewBase(b.inputSpec, b.outputSpec)
	for k, v := range b.inputs {
		c.inputs[k] = v
	}
	return c
}

// ValidateInputs checks the bound inputs (with defaults applied) against the
// input spec.
func (b *Base) ValidateInputs() error {
	return b.inputSpec.Validate(b.HashableInputs())
}

// CheckOutputs verifies that a result covers every mandatory output port.
func CheckOutputs(spec Spec, result *Result) error {
	if result == nil {
		return fmt.Errorf("nil result")
	}
	for _, name := range spec.Names() {
		port := spec[name]
		if !port.Mandatory {
			continue
		}
		if _, ok := result.Outputs[name]; !ok {
			return fmt.Errorf("declared output %q missing from result", name)
		}
	}
	return nil
}
