package engine

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// ExecutionStrategy decides where and with how much parallelism node work
// runs. The controller owns scheduling: it calls TryAcquire and Release from
// its own goroutine only, while Execute runs concurrently, one goroutine per
// admitted node.
type ExecutionStrategy interface {
	// Name identifies the strategy in logs and reports.
	Name() string

	// TryAcquire reserves capacity for the node. A false return keeps the
	// node in the ready set until capacity frees up.
	TryAcquire(n *node.Node) bool

	// Release returns the node's capacity after Execute finishes.
	Release(n *node.Node)

	// Execute runs the node's work inside its working directory.
	Execute(ctx context.Context, n *node.Node) (*runnable.Result, error)
}

// Usage is a point-in-time admission snapshot for resource-aware strategies.
type Usage struct {
	Procs    int
	MaxProcs int
	MemoryGB float64
	MaxMemGB float64
}

// usageReporter is implemented by strategies the resource monitor can poll.
type usageReporter interface {
	Usage() Usage
}

// ParseStrategy builds a strategy from its name and string parameters, for
// config-file and CLI wiring. Recognized names are "Linear", "MultiProc"
// (params: procs, memoryGB), and "Cluster" (params: submitCmd, pollCmd,
// cancelCmd, template, pollInterval, maxRetries, backoff, maxJobs).
func ParseStrategy(name string, params map[string]string) (ExecutionStrategy, error) {
	switch name {
	case "Linear":
		return NewLinear(), nil

	case "MultiProc":
		procs := runtime.NumCPU()
		memoryGB := float64(procs) * 2
		if v, ok := params["procs"]; ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.Validationf("MultiProc procs: %v", err)
			}
			procs = parsed
		}
		if v, ok := params["memoryGB"]; ok {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, errors.Validationf("MultiProc memoryGB: %v", err)
			}
			memoryGB = parsed
		}
		return NewMultiProc(procs, memoryGB)

	case "Cluster":
		submitCmd, pollCmd := params["submitCmd"], params["pollCmd"]
		if submitCmd == "" || pollCmd == "" {
			return nil, errors.Validation("Cluster strategy requires submitCmd and pollCmd")
		}
		backend, err := NewCommandBackend(nil, submitCmd, pollCmd,
			WithCancelCommand(params["cancelCmd"]),
			WithJobTemplate(params["template"]))
		if err != nil {
			return nil, err
		}

		var opts []ClusterOption
		if v, ok := params["pollInterval"]; ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, errors.Validationf("Cluster pollInterval: %v", err)
			}
			opts = append(opts, WithPollInterval(d))
		}
		if v, ok := params["maxRetries"]; ok {
			retries, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.Validationf("Cluster maxRetries: %v", err)
			}
			backoff := time.Second
			if b, ok := params["backoff"]; ok {
				if backoff, err = time.ParseDuration(b); err != nil {
					return nil, errors.Validationf("Cluster backoff: %v", err)
				}
			}
			opts = append(opts, WithSubmitRetries(retries, backoff))
		}
		if v, ok := params["maxJobs"]; ok {
			maxJobs, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.Validationf("Cluster maxJobs: %v", err)
			}
			opts = append(opts, WithMaxJobs(maxJobs))
		}
		return NewCluster(backend, opts...)

	default:
		return nil, errors.Validationf("unknown execution strategy %q", name)
	}
}
