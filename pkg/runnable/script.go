package runnable

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// Script wraps a JavaScript program as a Runnable. The program runs in a
// fresh sandboxed VM per execution: bound inputs are exposed as the `inputs`
// global, the working directory as `workdir`, and the program's declared
// outputs are read back from the `outputs` global after evaluation.
type Script struct {
	Base

	// Source is the JavaScript program to evaluate.
	Source string
}

// dangerousGlobals are removed from the VM before evaluation. The engine
// offers no Node.js environment; a script's only contract is inputs in,
// outputs out.
var dangerousGlobals = []string{
	"require", "module", "exports", "process", "global",
	"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
}

// NewScript creates a Script runnable over the given specs.
func NewScript(inputSpec, outputSpec Spec, source string) *Script {
	return &Script{Base: NewBase(inputSpec, outputSpec), Source: source}
}

// Run evaluates the program. Evaluation is interrupted when ctx is
// cancelled.
func (s *Script) Run(ctx context.Context, workdir string) (*Result, error) {
	if s.Source == "" {
		return nil, fmt.Errorf("script runnable has empty source")
	}
	if err := s.ValidateInputs(); err != nil {
		return nil, err
	}

	vm := goja.New()
	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("sandboxing vm: %w", err)
		}
	}
	if err := vm.Set("inputs", s.HashableInputs()); err != nil {
		return nil, fmt.Errorf("binding inputs: %w", err)
	}
	if err := vm.Set("workdir", workdir); err != nil {
		return nil, fmt.Errorf("binding workdir: %w", err)
	}
	if err := vm.Set("outputs", map[string]any{}); err != nil {
		return nil, fmt.Errorf("binding outputs: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if _, err := vm.RunString(s.Source); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}

	outputs, err := exportOutputs(vm)
	if err != nil {
		return nil, err
	}

	result := &Result{Outputs: outputs}
	if err := CheckOutputs(s.OutputSpec(), result); err != nil {
		return nil, err
	}
	return result, nil
}

// Clone returns an independent copy sharing the source.
func (s *Script) Clone() Runnable {
	return &Script{Base: s.CloneBase(), Source: s.Source}
}

func exportOutputs(vm *goja.Runtime) (map[string]any, error) {
	raw := vm.Get("outputs")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return map[string]any{}, nil
	}
	exported := raw.Export()
	outputs, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("script `outputs` must be an object, got %T", exported)
	}
	return outputs, nil
}
