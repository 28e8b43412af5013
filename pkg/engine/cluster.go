package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// JobStatus is the lifecycle of a submitted cluster job as seen by polling.
type JobStatus int

// Job statuses reported by backends.
const (
	JobPending JobStatus = iota
	JobRunning
	JobDone
	JobFailed
)

// String returns the status name.
func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "Pending"
	case JobRunning:
		return "Running"
	case JobDone:
		return "Done"
	case JobFailed:
		return "Failed"
	default:
		return fmt.Sprintf("JobStatus(%d)", int(s))
	}
}

// Backend submits node work to an external scheduler and reports job state.
// Submit failures carry the SubmissionError code so the strategy can retry
// them; Poll and Cancel errors are infrastructure failures.
type Backend interface {
	Submit(ctx context.Context, n *node.Node) (handle string, err error)
	Poll(ctx context.Context, handle string) (JobStatus, error)
	Cancel(ctx context.Context, handle string) error
}

// ResultFetcher is implemented by backends that return node outputs directly
// instead of leaving them on a shared filesystem.
type ResultFetcher interface {
	FetchResult(ctx context.Context, handle string) (map[string]any, error)
}

// Cluster executes nodes by submitting jobs to a Backend and polling until
// completion. Submission failures are retried with linear backoff up to a
// bound, then escalated to a node execution failure. After a job reports
// done, outputs are validated: fetched from the backend when it supports
// that, collected from the shared working directory otherwise, and a node
// whose declared outputs are missing fails even though the job "succeeded".
type Cluster struct {
	backend      Backend
	logger       *zap.Logger
	maxJobs      int // 0 = unlimited
	inFlight     int
	maxRetries   int
	backoff      time.Duration
	pollInterval time.Duration
}

// ClusterOption configures a Cluster strategy.
type ClusterOption func(*Cluster)

// WithMaxJobs bounds the number of jobs in flight. Zero means unlimited.
func WithMaxJobs(n int) ClusterOption {
	return func(c *Cluster) { c.maxJobs = n }
}

// WithSubmitRetries sets the submission retry budget and base backoff.
func WithSubmitRetries(maxRetries int, backoff time.Duration) ClusterOption {
	return func(c *Cluster) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// WithPollInterval sets how often job state is polled.
func WithPollInterval(d time.Duration) ClusterOption {
	return func(c *Cluster) { c.pollInterval = d }
}

// WithClusterLogger sets the strategy logger.
func WithClusterLogger(logger *zap.Logger) ClusterOption {
	return func(c *Cluster) { c.logger = logger }
}

// NewCluster creates a cluster execution strategy over the given backend.
func NewCluster(backend Backend, opts ...ClusterOption) (*Cluster, error) {
	if backend == nil {
		return nil, errors.Validation("cluster strategy requires a backend")
	}
	c := &Cluster{
		backend:      backend,
		logger:       zap.NewNop(),
		maxRetries:   3,
		backoff:      time.Second,
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name identifies the strategy.
func (c *Cluster) Name() string { return "Cluster" }

// TryAcquire admits the node unless the job bound is reached. Called only
// from the controller goroutine.
func (c *Cluster) TryAcquire(*node.Node) bool {
	if c.maxJobs > 0 && c.inFlight >= c.maxJobs {
		return false
	}
	c.inFlight++
	return true
}

// Release frees a job slot.
func (c *Cluster) Release(*node.Node) { c.inFlight-- }

// Execute submits the node as a job, polls it to completion, and validates
// its outputs.
func (c *Cluster) Execute(ctx context.Context, n *node.Node) (*runnable.Result, error) {
	handle, err := c.submit(ctx, n)
	if err != nil {
		return nil, err
	}

	c.logger.Info("cluster job submitted",
		zap.String("node", n.QualifiedName()),
		zap.String("handle", handle))

	if err := c.await(ctx, n, handle); err != nil {
		return nil, err
	}
	return c.collect(ctx, n, handle)
}

// submit retries transient submission failures with linear backoff; when the
// budget is exhausted the last submission error escalates to a node
// execution failure.
func (c *Cluster) submit(ctx context.Context, n *node.Node) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}

		handle, err := c.backend.Submit(ctx, n)
		if err == nil {
			return handle, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("cluster submission failed",
			zap.String("node", n.QualifiedName()),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.maxRetries+1),
			zap.Error(err))
	}

	return "", errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(),
		fmt.Sprintf("submission retries exhausted after %d attempts", c.maxRetries+1), lastErr)
}

// await polls until the job finishes. Cancellation cancels the remote job
// best-effort before returning.
func (c *Cluster) await(ctx context.Context, n *node.Node, handle string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.backend.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelJob(n, handle)
				return ctx.Err()
			}
			return errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(),
				fmt.Sprintf("polling job %s", handle), err)
		}

		switch status {
		case JobDone:
			return nil
		case JobFailed:
			return errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(),
				fmt.Sprintf("cluster job %s failed", handle), nil)
		}

		select {
		case <-ctx.Done():
			c.cancelJob(n, handle)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Cluster) cancelJob(n *node.Node, handle string) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.backend.Cancel(cancelCtx, handle); err != nil {
		c.logger.Warn("failed to cancel cluster job",
			zap.String("node", n.QualifiedName()),
			zap.String("handle", handle),
			zap.Error(err))
	}
}

// collect builds the node result after the job reports done. Values fetched
// from the backend are overlaid with outputs collected from the working
// directory, so file outputs on a shared filesystem are re-tagged as file
// references regardless of how the backend reported them.
func (c *Cluster) collect(ctx context.Context, n *node.Node, handle string) (*runnable.Result, error) {
	result := &runnable.Result{Outputs: make(map[string]any)}

	fetched := false
	if fetcher, ok := c.backend.(ResultFetcher); ok {
		outputs, err := fetcher.FetchResult(ctx, handle)
		if err != nil {
			return nil, errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(),
				fmt.Sprintf("fetching result of job %s", handle), err)
		}
		for k, v := range outputs {
			result.Outputs[k] = v
		}
		fetched = true
	}

	if collector, ok := n.Runnable().(runnable.OutputCollector); ok {
		collected, err := collector.CollectOutputs(n.WorkDir())
		if err != nil {
			return nil, errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(),
				fmt.Sprintf("job %s reported done but outputs are invalid", handle), err)
		}
		for k, v := range collected.Outputs {
			result.Outputs[k] = v
		}
	} else if !fetched {
		return nil, errors.NewNode(errors.CodeValidation, n.QualifiedName(),
			"runnable supports neither output collection nor backend result fetch", nil)
	}

	if err := runnable.CheckOutputs(n.Runnable().OutputSpec(), result); err != nil {
		return nil, errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(),
			fmt.Sprintf("job %s reported done but outputs are incomplete", handle), err)
	}
	return result, nil
}
