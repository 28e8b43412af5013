package runnable

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wehubfusion/Daedalus/pkg/hash"
)

// OutputCollector is implemented by runnables whose outputs can be gathered
// from the working directory after the work ran out of process, e.g. as a
// cluster job on a shared filesystem.
type OutputCollector interface {
	CollectOutputs(workdir string) (*Result, error)
}

// CollectOutputs resolves the declared output files against workdir without
// executing anything. It fails if any declared file is missing.
func (c *Command) CollectOutputs(workdir string) (*Result, error) {
	result := &Result{Outputs: make(map[string]any)}
	for port, rel := range c.OutputFiles {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(workdir, rel)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("declared output %q missing at %s", port, path)
		}
		result.Outputs[port] = hash.FileRef(path)
	}
	if err := CheckOutputs(c.OutputSpec(), result); err != nil {
		return nil, err
	}
	return result, nil
}

// RenderedArgv returns the argv with input placeholders substituted, as it
// would be executed. Used by cluster backends to build job scripts.
func (c *Command) RenderedArgv() ([]string, error) {
	return c.renderArgv()
}
