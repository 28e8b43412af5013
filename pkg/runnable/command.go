package runnable

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/hash"
)

// Command wraps an external command line as a Runnable. Argv elements may
// contain `{port}` placeholders which are substituted with the bound input
// values before execution. Declared file outputs are resolved against the
// working directory after the process exits and exposed as file references.
type Command struct {
	Base

	// Argv is the command and its arguments, with `{port}` placeholders.
	Argv []string

	// Env is appended to the inherited environment.
	Env []string

	// OutputFiles maps output port names to paths (relative to the working
	// directory) the command is expected to produce.
	OutputFiles map[string]string
}

// NewCommand creates a Command runnable.
func NewCommand(inputSpec, outputSpec Spec, argv []string) *Command {
	return &Command{
		Base:        NewBase(inputSpec, outputSpec),
		Argv:        argv,
		OutputFiles: make(map[string]string),
	}
}

// DeclareOutputFile registers a file the command produces under the given
// output port.
func (c *Command) DeclareOutputFile(port, relPath string) *Command {
	c.OutputFiles[port] = relPath
	return c
}

// Run executes the command inside workdir, capturing stdout and stderr. The
// process is killed when ctx is cancelled. A non-zero exit is an error
// carrying the captured output.
func (c *Command) Run(ctx context.Context, workdir string) (*Result, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("command runnable has empty argv")
	}
	if err := c.ValidateInputs(); err != nil {
		return nil, err
	}

	argv, err := c.renderArgv()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &Result{
		Outputs: make(map[string]any),
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("command %q failed: %w", argv[0], runErr)
	}

	if c.OutputSpec().Has("stdout") {
		result.Outputs["stdout"] = strings.TrimRight(stdout.String(), "\n")
	}
	for port, rel := range c.OutputFiles {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(workdir, rel)
		}
		if _, err := os.Stat(path); err != nil {
			return result, fmt.Errorf("command exited 0 but declared output %q missing at %s", port, path)
		}
		result.Outputs[port] = hash.FileRef(path)
	}

	if err := CheckOutputs(c.OutputSpec(), result); err != nil {
		return result, err
	}
	return result, nil
}

// Clone returns an independent copy sharing argv, env, and output
// declarations.
func (c *Command) Clone() Runnable {
	outputs := make(map[string]string, len(c.OutputFiles))
	for k, v := range c.OutputFiles {
		outputs[k] = v
	}
	return &Command{
		Base:        c.CloneBase(),
		Argv:        append([]string(nil), c.Argv...),
		Env:         append([]string(nil), c.Env...),
		OutputFiles: outputs,
	}
}

func (c *Command) renderArgv() ([]string, error) {
	inputs := c.HashableInputs()
	argv := make([]string, 0, len(c.Argv))
	for _, arg := range c.Argv {
		rendered := arg
		for name, value := range inputs {
			placeholder := "{" + name + "}"
			if strings.Contains(rendered, placeholder) {
				rendered = strings.ReplaceAll(rendered, placeholder, formatArg(value))
			}
		}
		if start := strings.Index(rendered, "{"); start != -1 {
			if end := strings.Index(rendered[start:], "}"); end != -1 {
				return nil, fmt.Errorf("unbound placeholder %q in argv", rendered[start:start+end+1])
			}
		}
		argv = append(argv, rendered)
	}
	return argv, nil
}

func formatArg(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case hash.FileRef:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
