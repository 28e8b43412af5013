package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// fakeBackend simulates a cluster scheduler in-process.
type fakeBackend struct {
	mu             sync.Mutex
	submitFailures int
	submits        int
	polls          int
	pollsUntilDone int
	failJob        bool
	outputs        map[string]any
	cancelled      []string
}

func (f *fakeBackend) Submit(_ context.Context, n *node.Node) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submits <= f.submitFailures {
		return "", errors.NewNode(errors.CodeSubmission, n.QualifiedName(), "queue unavailable", nil)
	}
	return "job-1", nil
}

func (f *fakeBackend) Poll(_ context.Context, handle string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.pollsUntilDone {
		return JobRunning, nil
	}
	if f.failJob {
		return JobFailed, nil
	}
	return JobDone, nil
}

func (f *fakeBackend) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeBackend) FetchResult(_ context.Context, handle string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs, nil
}

func clusterNode(t *testing.T) *node.Node {
	t.Helper()
	fn := runnable.NewFunction(
		runnable.Spec{},
		runnable.Spec{"out": {Type: runnable.TypeString, Mandatory: true}},
		nil)
	return node.New("job", fn)
}

func runCluster(t *testing.T, backend Backend, opts ...ClusterOption) (*Report, error) {
	t.Helper()
	opts = append([]ClusterOption{
		WithPollInterval(time.Millisecond),
		WithSubmitRetries(2, time.Millisecond),
	}, opts...)
	strategy, err := NewCluster(backend, opts...)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(strategy, WithLogger(zap.NewNop()), WithConfig(config.Default()))
	if err != nil {
		t.Fatal(err)
	}

	w := workflow.New("cluster", workflow.WithBaseDir(t.TempDir()))
	if err := w.Add(clusterNode(t)); err != nil {
		t.Fatal(err)
	}
	return e.Run(context.Background(), w)
}

func TestClusterSuccessFetchesOutputs(t *testing.T) {
	backend := &fakeBackend{pollsUntilDone: 2, outputs: map[string]any{"out": "done"}}

	report, err := runCluster(t, backend)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Succeeded != 1 {
		t.Errorf("report = %+v", report)
	}
	if backend.polls < 3 {
		t.Errorf("polls = %d, job should have been polled to completion", backend.polls)
	}
}

func TestClusterRetriesSubmissionThenSucceeds(t *testing.T) {
	backend := &fakeBackend{submitFailures: 2, outputs: map[string]any{"out": "done"}}

	report, err := runCluster(t, backend)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if backend.submits != 3 {
		t.Errorf("submits = %d, want 3 (two failures, one success)", backend.submits)
	}
	if report.Succeeded != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestClusterSubmissionRetryExhaustion(t *testing.T) {
	backend := &fakeBackend{submitFailures: 100}

	report, err := runCluster(t, backend)
	if err == nil {
		t.Fatal("expected run error after retry exhaustion")
	}
	if backend.submits != 3 {
		t.Errorf("submits = %d, want exactly maxRetries+1 = 3", backend.submits)
	}
	nr, _ := report.Lookup("cluster.job")
	if nr.State != node.Failed || !strings.Contains(nr.Error, "retries exhausted") {
		t.Errorf("job report = %+v", nr)
	}
}

func TestClusterJobFailure(t *testing.T) {
	backend := &fakeBackend{failJob: true}

	report, err := runCluster(t, backend)
	if err == nil {
		t.Fatal("expected run error for failed job")
	}
	nr, _ := report.Lookup("cluster.job")
	if nr.State != node.Failed {
		t.Errorf("job state = %v", nr.State)
	}
}

func TestClusterDoneWithMissingOutputsFails(t *testing.T) {
	// Job reports done but the mandatory output port is absent.
	backend := &fakeBackend{outputs: map[string]any{}}

	report, err := runCluster(t, backend)
	if err == nil {
		t.Fatal("expected run error for incomplete outputs")
	}
	nr, _ := report.Lookup("cluster.job")
	if !strings.Contains(nr.Error, "out") {
		t.Errorf("error should name the missing output: %q", nr.Error)
	}
}

func TestClusterMaxJobsBound(t *testing.T) {
	strategy, err := NewCluster(&fakeBackend{}, WithMaxJobs(2))
	if err != nil {
		t.Fatal(err)
	}

	n := clusterNode(t)
	if !strategy.TryAcquire(n) || !strategy.TryAcquire(n) {
		t.Fatal("first two acquisitions must succeed")
	}
	if strategy.TryAcquire(n) {
		t.Error("third acquisition must be rejected at maxJobs=2")
	}
	strategy.Release(n)
	if !strategy.TryAcquire(n) {
		t.Error("released slot must be reusable")
	}
}

func TestCommandBackendPollMapping(t *testing.T) {
	backend, err := NewCommandBackend(zap.NewNop(), "true {script}", "echo DONE")
	if err != nil {
		t.Fatal(err)
	}

	status, err := backend.Poll(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if status != JobDone {
		t.Errorf("status = %v, want Done", status)
	}
}

func TestCommandBackendSubmitParsesHandle(t *testing.T) {
	backend, err := NewCommandBackend(zap.NewNop(), "echo 12345 submitted", "echo RUNNING")
	if err != nil {
		t.Fatal(err)
	}

	cmd := runnable.NewCommand(
		runnable.Spec{},
		runnable.Spec{"data": {Type: runnable.TypeFile}},
		[]string{"true"})
	cmd.DeclareOutputFile("data", "out.bin")
	n := node.New("job", cmd)
	n.SetBaseDir(t.TempDir())

	handle, err := backend.Submit(context.Background(), n)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "12345" {
		t.Errorf("handle = %q, want first stdout token", handle)
	}
}

func TestCommandBackendRejectsNonCommandRunnable(t *testing.T) {
	backend, err := NewCommandBackend(zap.NewNop(), "echo 1", "echo RUNNING")
	if err != nil {
		t.Fatal(err)
	}

	n := node.New("job", runnable.NewFunction(runnable.Spec{}, runnable.Spec{}, nil))
	if _, err := backend.Submit(context.Background(), n); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy("Linear", nil); err != nil || s.Name() != "Linear" {
		t.Errorf("Linear: %v %v", s, err)
	}

	s, err := ParseStrategy("MultiProc", map[string]string{"procs": "4", "memoryGB": "8"})
	if err != nil || s.Name() != "MultiProc" {
		t.Fatalf("MultiProc: %v %v", s, err)
	}

	if _, err := ParseStrategy("MultiProc", map[string]string{"procs": "zero"}); err == nil {
		t.Error("bad procs accepted")
	}
	if _, err := ParseStrategy("Cluster", nil); err == nil {
		t.Error("Cluster without commands accepted")
	}
	if _, err := ParseStrategy("Quantum", nil); err == nil {
		t.Error("unknown strategy accepted")
	}

	s, err = ParseStrategy("Cluster", map[string]string{
		"submitCmd": "sbatch {script}", "pollCmd": "check {handle}", "maxRetries": "5",
	})
	if err != nil || s.Name() != "Cluster" {
		t.Errorf("Cluster: %v %v", s, err)
	}
}
