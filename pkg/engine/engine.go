// Package engine executes flattened workflow graphs. A single controller
// goroutine owns all scheduling state: it resolves inputs, consults the
// cache, admits ready nodes through the configured execution strategy, and
// reacts to completions. Node work itself runs in one goroutine per admitted
// node, so strategies only decide where and with how much parallelism work
// happens.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/crash"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Engine runs workflows under a fixed configuration and execution strategy.
type Engine struct {
	logger   *zap.Logger
	cfg      config.Config
	store    *cache.Store
	strategy ExecutionStrategy
	sentry   bool
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConfig sets the run configuration.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithCacheStore sets the memoization store.
func WithCacheStore(store *cache.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithSentryReporting forwards crash reports to the globally initialized
// Sentry client.
func WithSentryReporting() Option {
	return func(e *Engine) { e.sentry = true }
}

// New creates an engine over the given execution strategy.
func New(strategy ExecutionStrategy, opts ...Option) (*Engine, error) {
	if strategy == nil {
		return nil, errors.Validation("engine requires an execution strategy")
	}
	e := &Engine{
		logger:   zap.NewNop(),
		cfg:      config.Default(),
		strategy: strategy,
		tracer:   otel.Tracer("github.com/wehubfusion/Daedalus/pkg/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.store == nil {
		e.store = cache.NewStore(e.logger)
	}
	return e, nil
}

// Run flattens the workflow and executes the resulting graph. The returned
// report always covers every node; the error is non-nil iff the run was
// cancelled or any node failed or was blocked.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow) (*Report, error) {
	g, err := wf.Flatten()
	if err != nil {
		return nil, err
	}
	return e.RunGraph(ctx, wf.Name(), g)
}

// RunGraph executes an already flattened graph.
func (e *Engine) RunGraph(ctx context.Context, workflowName string, g *workflow.Graph) (*Report, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	var reporterOpts []crash.Option
	if e.sentry {
		reporterOpts = append(reporterOpts, crash.WithSentry())
	}

	r := &run{
		engine:      e,
		graph:       g,
		order:       order,
		reporter:    crash.NewReporter(e.logger, e.cfg.CrashDumpDir, runID, workflowName, reporterOpts...),
		outputs:     make([]map[string]any, g.Len()),
		digests:     make([]string, g.Len()),
		errs:        make([]error, g.Len()),
		started:     make([]time.Time, g.Len()),
		finished:    make([]time.Time, g.Len()),
		cacheHit:    make([]bool, g.Len()),
		prepared:    make([]bool, g.Len()),
		indegree:    make([]int, g.Len()),
		completions: make(chan completion),
		report: &Report{
			RunID:    runID,
			Workflow: workflowName,
			Strategy: e.strategy.Name(),
			Started:  time.Now(),
		},
	}

	e.logger.Info("run starting",
		zap.String("run_id", runID),
		zap.String("workflow", workflowName),
		zap.String("strategy", e.strategy.Name()),
		zap.Int("nodes", g.Len()))

	if freq := e.cfg.ResourceMonitorFrequency; freq > 0 {
		if usage, ok := e.strategy.(usageReporter); ok {
			stop := make(chan struct{})
			defer close(stop)
			go e.monitor(usage, freq, stop)
		}
	}

	return r.execute(ctx)
}

func (e *Engine) monitor(usage usageReporter, freq time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(freq)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			u := usage.Usage()
			e.logger.Info("resource usage",
				zap.Int("procs_used", u.Procs),
				zap.Int("procs_max", u.MaxProcs),
				zap.Float64("memory_gb_used", u.MemoryGB),
				zap.Float64("memory_gb_max", u.MaxMemGB))
		}
	}
}

// completion is what a node goroutine reports back to the controller.
type completion struct {
	idx     int
	outputs map[string]any
	digest  string
	err     error
}

// run is the controller state for one graph execution. All fields except
// completions are touched only by the controller goroutine.
type run struct {
	engine   *Engine
	graph    *workflow.Graph
	order    []int
	reporter *crash.Reporter
	report   *Report

	outputs  []map[string]any
	digests  []string
	errs     []error
	started  []time.Time
	finished []time.Time
	cacheHit []bool
	prepared []bool
	indegree []int

	ready       []int // name-sorted
	inFlight    int
	stopping    bool
	cancelled   bool
	completions chan completion
}

func (r *run) execute(ctx context.Context) (*Report, error) {
	for i := 0; i < r.graph.Len(); i++ {
		r.indegree[i] = len(r.graph.Predecessors(i))
		if r.indegree[i] == 0 {
			r.insertReady(i)
		}
	}

	done := ctx.Done()
	for {
		r.dispatch(ctx)

		if r.inFlight == 0 {
			if len(r.ready) > 0 && !r.stopping {
				r.failInadmissible()
				continue
			}
			break
		}

		select {
		case <-done:
			done = nil
			r.cancelled = true
			r.stopping = true
			r.engine.logger.Warn("run cancelled, draining in-flight nodes",
				zap.String("run_id", r.report.RunID),
				zap.Int("in_flight", r.inFlight))
		case c := <-r.completions:
			r.inFlight--
			r.engine.strategy.Release(r.graph.Node(c.idx))
			r.complete(c)
		}
	}

	return r.finalize()
}

// dispatch moves ready nodes forward: cache hits complete immediately,
// everything else starts once the strategy admits it. Scanning restarts
// after every state change so the name-sorted ready order stays the
// dispatch order.
func (r *run) dispatch(ctx context.Context) {
	for !r.stopping {
		progressed := false
		for i := 0; i < len(r.ready); i++ {
			idx := r.ready[i]
			n := r.graph.Node(idx)

			if !r.prepared[idx] {
				if err := r.prepare(idx, n); err != nil {
					r.removeReady(i)
					r.finished[idx] = time.Now()
					_ = n.SetState(node.Failed)
					r.fail(idx, err)
					progressed = true
					break
				}
				r.prepared[idx] = true

				if r.cacheHit[idx] {
					r.removeReady(i)
					_ = n.SetState(node.Cached)
					r.finished[idx] = time.Now()
					r.engine.logger.Info("cache hit",
						zap.String("node", n.QualifiedName()),
						zap.String("digest", r.digests[idx]))
					r.succeed(idx)
					progressed = true
					break
				}
			}

			if !r.engine.strategy.TryAcquire(n) {
				continue
			}
			r.removeReady(i)
			_ = n.SetState(node.Running)
			r.started[idx] = time.Now()
			r.inFlight++
			go r.runNode(ctx, idx, n)
			progressed = true
			break
		}
		if !progressed {
			return
		}
	}
}

// prepare resolves the node's edge-fed inputs and consults the cache. On a
// hit the restored outputs are stored and cacheHit is set.
func (r *run) prepare(idx int, n *node.Node) error {
	upstream, err := r.resolveUpstream(idx, n)
	if err != nil {
		return err
	}
	if err := n.Resolve(upstream); err != nil {
		return err
	}

	if n.Synthetic {
		return nil
	}
	shouldRun, rec, err := r.engine.store.ShouldRun(n)
	if err != nil {
		return err
	}
	if !shouldRun {
		r.cacheHit[idx] = true
		r.digests[idx] = rec.Digest
		r.outputs[idx] = rec.RestoredOutputs()
	}
	return nil
}

func (r *run) resolveUpstream(idx int, n *node.Node) (map[string]any, error) {
	edges := r.graph.InEdges(idx)
	upstream := make(map[string]any, len(edges))
	for _, e := range edges {
		src := r.graph.Node(e.Src)
		value, ok := r.outputs[e.Src][e.SrcPort]
		if !ok {
			return nil, errors.NewNode(errors.CodeUnresolvedInput, n.QualifiedName(),
				fmt.Sprintf("upstream %s produced no output %q", src.QualifiedName(), e.SrcPort), nil)
		}
		if e.Transform != nil {
			transformed, err := e.Transform(value)
			if err != nil {
				return nil, errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(),
					fmt.Sprintf("transform on edge %s.%s -> %s", src.QualifiedName(), e.SrcPort, e.DstPort), err)
			}
			value = transformed
		}
		upstream[e.DstPort] = value
	}
	return upstream, nil
}

func (r *run) runNode(ctx context.Context, idx int, n *node.Node) {
	c := completion{idx: idx}
	c.outputs, c.digest, c.err = r.executeNode(ctx, n)
	r.completions <- c
}

func (r *run) executeNode(ctx context.Context, n *node.Node) (map[string]any, string, error) {
	if err := os.MkdirAll(n.WorkDir(), 0o755); err != nil {
		return nil, "", errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(), "creating working directory", err)
	}
	if r.engine.cfg.KeepInputs && !n.Synthetic {
		if err := cache.SnapshotInputs(n); err != nil {
			r.engine.logger.Warn("failed to snapshot inputs",
				zap.String("node", n.QualifiedName()),
				zap.Error(err))
		}
	}

	ctx, span := r.engine.tracer.Start(ctx, "node.run",
		trace.WithAttributes(
			attribute.String("node.name", n.QualifiedName()),
			attribute.String("run.id", r.report.RunID),
			attribute.String("strategy", r.engine.strategy.Name())))
	defer span.End()

	var runCtx context.Context
	var cancel context.CancelFunc
	if n.Resources.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, n.Resources.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	result, err := r.engine.strategy.Execute(runCtx, n)
	if err != nil {
		err = classify(n, runCtx, result, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}
	if result == nil || result.Outputs == nil {
		result = &runnable.Result{Outputs: map[string]any{}}
	}

	digest := ""
	if !n.Synthetic {
		digest, err = n.Digest()
		if err != nil {
			return nil, "", err
		}
		rec, err := r.engine.store.Commit(ctx, n, result, digest)
		if err != nil {
			return nil, "", errors.NewNode(errors.CodeNodeExecution, n.QualifiedName(), "committing cache record", err)
		}
		if r.engine.cfg.RemoveUnnecessaryOutputs {
			if err := r.engine.store.Prune(n, rec); err != nil {
				r.engine.logger.Warn("failed to prune working files",
					zap.String("node", n.QualifiedName()),
					zap.Error(err))
			}
		}
	}

	span.SetStatus(codes.Ok, "")
	return result.Outputs, digest, nil
}

// classify maps raw execution errors onto the engine taxonomy: deadline
// overruns become timeouts, cancellations stay cancellations, everything
// unstructured becomes a node execution failure carrying captured output.
func classify(n *node.Node, runCtx context.Context, result *runnable.Result, err error) error {
	stdout, stderr := "", ""
	if result != nil {
		stdout, stderr = result.Stdout, result.Stderr
	}

	switch {
	case stderrors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &errors.Error{Code: errors.CodeTimeout, Node: n.QualifiedName(),
			Message: fmt.Sprintf("execution exceeded timeout %s", n.Resources.Timeout),
			Stdout:  stdout, Stderr: stderr, Err: err}
	case stderrors.Is(runCtx.Err(), context.Canceled):
		return fmt.Errorf("node %s: %w", n.QualifiedName(), errors.ErrCancelled)
	}

	var structured *errors.Error
	if stderrors.As(err, &structured) {
		return err
	}
	return &errors.Error{Code: errors.CodeNodeExecution, Node: n.QualifiedName(),
		Message: "execution failed", Stdout: stdout, Stderr: stderr, Err: err}
}

func (r *run) complete(c completion) {
	n := r.graph.Node(c.idx)
	r.finished[c.idx] = time.Now()

	if c.err != nil {
		_ = n.SetState(node.Failed)
		r.fail(c.idx, c.err)
		return
	}

	_ = n.SetState(node.Succeeded)
	r.digests[c.idx] = c.digest
	r.outputs[c.idx] = c.outputs
	r.engine.logger.Info("node succeeded",
		zap.String("node", n.QualifiedName()),
		zap.Duration("duration", r.finished[c.idx].Sub(r.started[c.idx])))
	r.succeed(c.idx)
}

// succeed unlocks dependents of a satisfied node.
func (r *run) succeed(idx int) {
	for _, succ := range r.graph.Successors(idx) {
		r.indegree[succ]--
		if r.indegree[succ] == 0 && r.graph.Node(succ).State() == node.Pending {
			r.insertReady(succ)
		}
	}
}

// fail records a node failure, reports the crash, blocks every transitive
// dependent, and stops the run when configured to.
func (r *run) fail(idx int, err error) {
	n := r.graph.Node(idx)
	r.errs[idx] = err

	if !stderrors.Is(err, errors.ErrCancelled) {
		r.reporter.Report(n, err)
	}
	r.blockDependents(idx)

	if r.engine.cfg.StopOnFirstCrash && !stderrors.Is(err, errors.ErrCancelled) {
		r.stopping = true
	}
}

// blockDependents marks every pending transitive dependent Blocked, so
// downstream work is surfaced as unrunnable rather than silently skipped.
func (r *run) blockDependents(idx int) {
	failed := r.graph.Node(idx).QualifiedName()
	stack := append([]int(nil), r.graph.Successors(idx)...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := r.graph.Node(cur)
		if n.State() != node.Pending {
			continue
		}
		_ = n.SetState(node.Blocked)
		r.errs[cur] = fmt.Errorf("node %s: upstream %s failed: %w", n.QualifiedName(), failed, errors.ErrBlocked)
		stack = append(stack, r.graph.Successors(cur)...)
	}
}

// failInadmissible fails ready nodes the idle strategy refuses to admit;
// their requirements exceed total capacity and waiting cannot help.
func (r *run) failInadmissible() {
	stuck := r.ready
	r.ready = nil
	for _, idx := range stuck {
		n := r.graph.Node(idx)
		res := n.Resources.Normalized()
		err := errors.NewNode(errors.CodeValidation, n.QualifiedName(),
			fmt.Sprintf("resource requirements (%d procs, %v GB) exceed strategy capacity",
				res.Procs, res.MemoryGB), nil)
		r.finished[idx] = time.Now()
		_ = n.SetState(node.Failed)
		r.fail(idx, err)
	}
}

func (r *run) finalize() (*Report, error) {
	// An aborted run leaves unreached nodes; mark them Blocked so the
	// report never claims they were runnable. Cancelled runs keep them
	// Pending instead.
	if r.stopping && !r.cancelled {
		for i := 0; i < r.graph.Len(); i++ {
			n := r.graph.Node(i)
			if n.State() == node.Pending {
				_ = n.SetState(node.Blocked)
				r.errs[i] = fmt.Errorf("node %s: run aborted after earlier failure: %w",
					n.QualifiedName(), errors.ErrBlocked)
			}
		}
	}

	r.report.Finished = time.Now()
	var firstErr error
	for _, idx := range r.order {
		n := r.graph.Node(idx)
		nr := NodeReport{
			Node:     n.QualifiedName(),
			State:    n.State(),
			Digest:   r.digests[idx],
			CacheHit: r.cacheHit[idx],
			Started:  r.started[idx],
			Finished: r.finished[idx],
		}
		if err := r.errs[idx]; err != nil {
			nr.Error = err.Error()
			if firstErr == nil && n.State() == node.Failed {
				firstErr = err
			}
		}
		r.report.count(n.State())
		r.report.Nodes = append(r.report.Nodes, nr)
	}

	r.engine.logger.Info("run finished",
		zap.String("run_id", r.report.RunID),
		zap.Int("succeeded", r.report.Succeeded),
		zap.Int("cached", r.report.Cached),
		zap.Int("failed", r.report.Failed),
		zap.Int("blocked", r.report.Blocked),
		zap.Duration("duration", r.report.Finished.Sub(r.report.Started)))

	switch {
	case r.cancelled:
		return r.report, fmt.Errorf("workflow %s: %w", r.report.Workflow, errors.ErrCancelled)
	case r.report.Failed > 0 || r.report.Blocked > 0:
		if firstErr == nil {
			firstErr = errors.ErrBlocked
		}
		return r.report, fmt.Errorf("workflow %s: %d node(s) failed, %d blocked: %w",
			r.report.Workflow, r.report.Failed, r.report.Blocked, firstErr)
	default:
		return r.report, nil
	}
}

func (r *run) insertReady(idx int) {
	name := r.graph.Node(idx).QualifiedName()
	pos := sort.Search(len(r.ready), func(i int) bool {
		return r.graph.Node(r.ready[i]).QualifiedName() >= name
	})
	r.ready = append(r.ready, 0)
	copy(r.ready[pos+1:], r.ready[pos:])
	r.ready[pos] = idx
}

func (r *run) removeReady(i int) {
	r.ready = append(r.ready[:i], r.ready[i+1:]...)
}
