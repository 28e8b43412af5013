package runnable

import (
	"context"
	"fmt"
)

// Func is the signature of an in-process computational unit. It receives the
// resolved inputs (defaults applied) and returns the produced outputs.
type Func func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Function wraps an ordinary Go function as a Runnable. It is the reference
// implementation used throughout the engine's own tests.
type Function struct {
	Base
	fn Func
}

// NewFunction creates a Function runnable over the given specs.
func NewFunction(inputSpec, outputSpec Spec, fn Func) *Function {
	return &Function{Base: NewBase(inputSpec, outputSpec), fn: fn}
}

// Run validates the bound inputs and invokes the wrapped function.
func (f *Function) Run(ctx context.Context, workdir string) (*Result, error) {
	if f.fn == nil {
		return nil, fmt.Errorf("function runnable has no body")
	}
	if err := f.ValidateInputs(); err != nil {
		return nil, err
	}

	outputs, err := f.fn(ctx, f.HashableInputs())
	if err != nil {
		return nil, err
	}

	result := &Result{Outputs: outputs}
	if err := CheckOutputs(f.OutputSpec(), result); err != nil {
		return nil, err
	}
	return result, nil
}

// Clone returns an independent copy sharing the wrapped function.
func (f *Function) Clone() Runnable {
	return &Function{Base: f.CloneBase(), fn: f.fn}
}
