package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/hash"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

func newCachedNode(t *testing.T, baseDir string) *node.Node {
	t.Helper()
	fn := runnable.NewFunction(
		runnable.Spec{"x": {Type: runnable.TypeNumber}},
		runnable.Spec{"y": {Type: runnable.TypeNumber}},
		func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"y": inputs["x"]}, nil
		})
	n := node.New("a", fn)
	n.SetQualifiedName("wf.a")
	n.SetBaseDir(baseDir)
	if err := n.SetInput("x", 1); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestShouldRunWithoutRecord(t *testing.T) {
	store := NewStore(zap.NewNop())
	n := newCachedNode(t, t.TempDir())

	shouldRun, rec, err := store.ShouldRun(n)
	if err != nil {
		t.Fatal(err)
	}
	if !shouldRun || rec != nil {
		t.Error("a node without a record must run")
	}
}

func TestCommitThenReuse(t *testing.T) {
	store := NewStore(zap.NewNop())
	n := newCachedNode(t, t.TempDir())

	digest, err := n.Digest()
	if err != nil {
		t.Fatal(err)
	}
	result := &runnable.Result{Outputs: map[string]any{"y": 1}}
	if _, err := store.Commit(context.Background(), n, result, digest); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	shouldRun, rec, err := store.ShouldRun(n)
	if err != nil {
		t.Fatal(err)
	}
	if shouldRun {
		t.Fatal("identical inputs must reuse the record")
	}
	if rec.Digest != digest {
		t.Errorf("record digest = %s, want %s", rec.Digest, digest)
	}
	if got := rec.RestoredOutputs()["y"]; got != float64(1) && got != 1 {
		t.Errorf("restored y = %v (%T)", got, got)
	}
}

func TestIntegralFloatSurvivesRoundTrip(t *testing.T) {
	store := NewStore(zap.NewNop())
	n := newCachedNode(t, t.TempDir())

	digest, err := n.Digest()
	if err != nil {
		t.Fatal(err)
	}
	result := &runnable.Result{Outputs: map[string]any{
		"y": float64(4.0),
		"extra": map[string]any{
			"ratios": []any{float64(1.0), 2, float64(2.5)},
		},
	}}
	if _, err := store.Commit(context.Background(), n, result, digest); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	shouldRun, rec, err := store.ShouldRun(n)
	if err != nil {
		t.Fatal(err)
	}
	if shouldRun {
		t.Fatal("identical inputs must reuse the record")
	}

	restored := rec.RestoredOutputs()
	if got, ok := restored["y"].(float64); !ok || got != 4.0 {
		t.Errorf("restored y = %v (%T), want float64(4)", restored["y"], restored["y"])
	}
	ratios := restored["extra"].(map[string]any)["ratios"].([]any)
	if got, ok := ratios[0].(float64); !ok || got != 1.0 {
		t.Errorf("restored ratios[0] = %v (%T), want float64(1)", ratios[0], ratios[0])
	}
	if got, ok := ratios[1].(int); !ok || got != 2 {
		t.Errorf("restored ratios[1] = %v (%T), want int(2)", ratios[1], ratios[1])
	}
	if got, ok := ratios[2].(float64); !ok || got != 2.5 {
		t.Errorf("restored ratios[2] = %v (%T), want float64(2.5)", ratios[2], ratios[2])
	}
}

func TestChangedInputForcesRerun(t *testing.T) {
	store := NewStore(zap.NewNop())
	n := newCachedNode(t, t.TempDir())

	digest, _ := n.Digest()
	if _, err := store.Commit(context.Background(), n, &runnable.Result{Outputs: map[string]any{"y": 1}}, digest); err != nil {
		t.Fatal(err)
	}

	if err := n.SetInput("x", 2); err != nil {
		t.Fatal(err)
	}
	shouldRun, _, err := store.ShouldRun(n)
	if err != nil {
		t.Fatal(err)
	}
	if !shouldRun {
		t.Error("changed inputs must force a rerun")
	}
}

func TestMissingManifestFileIsIntegrityMiss(t *testing.T) {
	store := NewStore(zap.NewNop())
	n := newCachedNode(t, t.TempDir())

	if err := os.MkdirAll(n.WorkDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	outFile := filepath.Join(n.WorkDir(), "data.txt")
	if err := os.WriteFile(outFile, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	digest, _ := n.Digest()
	result := &runnable.Result{Outputs: map[string]any{"y": hash.FileRef(outFile)}}
	if _, err := store.Commit(context.Background(), n, result, digest); err != nil {
		t.Fatal(err)
	}

	shouldRun, _, err := store.ShouldRun(n)
	if err != nil {
		t.Fatal(err)
	}
	if shouldRun {
		t.Fatal("record with intact manifest should be reused")
	}

	if err := os.Remove(outFile); err != nil {
		t.Fatal(err)
	}
	shouldRun, _, err = store.ShouldRun(n)
	if err != nil {
		t.Fatal(err)
	}
	if !shouldRun {
		t.Error("a missing manifest file must force a rerun, not a crash")
	}
}

func TestRestoredOutputsRetagFileRefs(t *testing.T) {
	rec := &Record{
		Outputs:   map[string]any{"data": "/some/path", "n": 3},
		FilePorts: []string{"data"},
	}
	out := rec.RestoredOutputs()
	if _, ok := out["data"].(hash.FileRef); !ok {
		t.Errorf("data should be restored as FileRef, got %T", out["data"])
	}
	if out["n"] != 3 {
		t.Errorf("non-file output changed: %v", out["n"])
	}
}

func TestSyntheticNodesBypassCache(t *testing.T) {
	store := NewStore(zap.NewNop())
	n := newCachedNode(t, t.TempDir())
	n.Synthetic = true

	shouldRun, _, err := store.ShouldRun(n)
	if err != nil {
		t.Fatal(err)
	}
	if !shouldRun {
		t.Error("synthetic nodes must always run")
	}
}

func TestPruneKeepsManifestAndSidecars(t *testing.T) {
	store := NewStore(zap.NewNop())
	n := newCachedNode(t, t.TempDir())
	if err := os.MkdirAll(n.WorkDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	keep := filepath.Join(n.WorkDir(), "result.bin")
	scratch := filepath.Join(n.WorkDir(), "scratch.tmp")
	for _, p := range []string{keep, scratch} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	digest, _ := n.Digest()
	rec, err := store.Commit(context.Background(), n, &runnable.Result{Outputs: map[string]any{"y": hash.FileRef(keep)}}, digest)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Prune(n, rec); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(keep); err != nil {
		t.Error("manifest file was pruned")
	}
	if _, err := os.Stat(filepath.Join(n.WorkDir(), RecordFileName)); err != nil {
		t.Error("cache record was pruned")
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Error("scratch file survived pruning")
	}
}

// mirrorClient records uploads for assertions.
type mirrorClient struct {
	uploads []string
	fail    bool
}

func (m *mirrorClient) UploadResult(_ context.Context, blobPath string, _ []byte, _ map[string]string) (string, error) {
	if m.fail {
		return "", os.ErrPermission
	}
	m.uploads = append(m.uploads, blobPath)
	return "https://example/" + blobPath, nil
}

func (m *mirrorClient) DownloadResult(context.Context, string) ([]byte, error) {
	return nil, os.ErrNotExist
}

func TestCommitMirrorsToArtifacts(t *testing.T) {
	client := &mirrorClient{}
	store := NewStore(zap.NewNop(), WithArtifactClient(client, "wf"))
	n := newCachedNode(t, t.TempDir())

	digest, _ := n.Digest()
	if _, err := store.Commit(context.Background(), n, &runnable.Result{Outputs: map[string]any{"y": 1}}, digest); err != nil {
		t.Fatal(err)
	}

	want := ArtifactPath("wf", "wf.a", digest)
	if len(client.uploads) != 1 || client.uploads[0] != want {
		t.Errorf("uploads = %v, want [%s]", client.uploads, want)
	}
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	store := NewStore(zap.NewNop(), WithArtifactClient(&mirrorClient{fail: true}, "wf"))
	n := newCachedNode(t, t.TempDir())

	digest, _ := n.Digest()
	if _, err := store.Commit(context.Background(), n, &runnable.Result{Outputs: map[string]any{"y": 1}}, digest); err != nil {
		t.Fatalf("mirror failure escalated: %v", err)
	}
}
