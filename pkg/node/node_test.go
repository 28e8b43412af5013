package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

func newTestNode(t *testing.T, name string, in, out runnable.Spec) *Node {
	t.Helper()
	fn := runnable.NewFunction(in, out, func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	return New(name, fn)
}

func TestWorkDirFollowsHierarchy(t *testing.T) {
	n := newTestNode(t, "a", nil, nil)
	n.SetQualifiedName("root.sub.a")
	n.SetBaseDir("/tmp/base")

	want := filepath.Join("/tmp/base", "root", "sub", "a")
	if n.WorkDir() != want {
		t.Errorf("WorkDir = %s, want %s", n.WorkDir(), want)
	}
}

func TestStateMachine(t *testing.T) {
	n := newTestNode(t, "a", nil, nil)

	if err := n.SetState(Succeeded); err == nil {
		t.Error("Pending -> Succeeded must be rejected")
	}
	if err := n.SetState(Running); err != nil {
		t.Fatalf("Pending -> Running: %v", err)
	}
	if err := n.SetState(Cached); err == nil {
		t.Error("Running -> Cached must be rejected")
	}
	if err := n.SetState(Succeeded); err != nil {
		t.Fatalf("Running -> Succeeded: %v", err)
	}
	if err := n.SetState(Running); err == nil {
		t.Error("terminal states must not transition")
	}
}

func TestStatePredicates(t *testing.T) {
	if !Cached.Satisfied() || !Succeeded.Satisfied() {
		t.Error("Cached and Succeeded must satisfy dependents")
	}
	if Failed.Satisfied() || Blocked.Satisfied() || Pending.Satisfied() {
		t.Error("only Cached and Succeeded satisfy dependents")
	}
	if !Failed.Terminal() || !Blocked.Terminal() || Running.Terminal() {
		t.Error("terminal classification wrong")
	}
}

func TestResolveBindsAndValidates(t *testing.T) {
	n := newTestNode(t, "a",
		runnable.Spec{
			"x": {Type: runnable.TypeNumber, Mandatory: true},
			"y": {Type: runnable.TypeNumber, Mandatory: true, Default: 7},
		}, nil)

	err := n.Resolve(map[string]any{})
	if !errors.HasCode(err, errors.CodeUnresolvedInput) {
		t.Fatalf("expected UnresolvedInput error, got %v", err)
	}

	if err := n.Resolve(map[string]any{"x": 1}); err != nil {
		t.Fatalf("x bound and y defaulted, resolve should pass: %v", err)
	}
}

func TestDigestIgnoresBindingOrder(t *testing.T) {
	spec := runnable.Spec{
		"a": {Type: runnable.TypeNumber},
		"b": {Type: runnable.TypeString},
	}

	n1 := newTestNode(t, "n", spec, nil)
	if err := n1.SetInput("a", 1); err != nil {
		t.Fatal(err)
	}
	if err := n1.SetInput("b", "x"); err != nil {
		t.Fatal(err)
	}

	n2 := newTestNode(t, "n", spec, nil)
	if err := n2.SetInput("b", "x"); err != nil {
		t.Fatal(err)
	}
	if err := n2.SetInput("a", 1); err != nil {
		t.Fatal(err)
	}

	d1, err := n1.Digest()
	if err != nil {
		t.Fatal(err)
	}
	d2, err := n2.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digest depends on binding order: %s vs %s", d1, d2)
	}
}

func TestDigestChangesWithInputs(t *testing.T) {
	spec := runnable.Spec{"a": {Type: runnable.TypeNumber}}

	n1 := newTestNode(t, "n", spec, nil)
	if err := n1.SetInput("a", 1); err != nil {
		t.Fatal(err)
	}
	n2 := newTestNode(t, "n", spec, nil)
	if err := n2.SetInput("a", 2); err != nil {
		t.Fatal(err)
	}

	d1, _ := n1.Digest()
	d2, _ := n2.Digest()
	if d1 == d2 {
		t.Error("different inputs must produce different digests")
	}
}

func TestCloneResetsStateAndCopiesInputs(t *testing.T) {
	n := newTestNode(t, "a", runnable.Spec{"x": {Type: runnable.TypeNumber}}, nil)
	if err := n.SetInput("x", 1); err != nil {
		t.Fatal(err)
	}
	n.Resources = Resources{MemoryGB: 2, Procs: 4, Timeout: time.Minute}
	if err := n.SetState(Running); err != nil {
		t.Fatal(err)
	}

	c := n.Clone("wf.a")
	if c.State() != Pending {
		t.Errorf("clone state = %v, want Pending", c.State())
	}
	if c.QualifiedName() != "wf.a" {
		t.Errorf("clone qualified name = %s", c.QualifiedName())
	}
	if c.Resources != n.Resources {
		t.Error("clone should copy resources")
	}

	if err := c.SetInput("x", 2); err != nil {
		t.Fatal(err)
	}
	if n.Runnable().Inputs()["x"] != 1 {
		t.Error("clone input binding leaked into the original")
	}
}

func TestResourcesNormalized(t *testing.T) {
	r := Resources{}.Normalized()
	if r.Procs != 1 || r.MemoryGB != 0.25 {
		t.Errorf("normalized zero resources = %+v", r)
	}
	r = Resources{MemoryGB: 8, Procs: 2}.Normalized()
	if r.Procs != 2 || r.MemoryGB != 8 {
		t.Errorf("normalization must not change explicit values: %+v", r)
	}
}
