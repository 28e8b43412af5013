// Package cache implements content-hash memoization for nodes. A sidecar
// record beside each node's working directory persists the digest of the
// resolved inputs together with an output manifest; a node reruns only when
// no record matches its current digest or when manifest files have gone
// missing. This is the at-most-one-execution-per-unique-input-state
// guarantee, verified opportunistically.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/hash"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// RecordFileName is the sidecar cache record stored inside a node's working
// directory. Its digest field is the sole bit-stable persistence contract:
// if its encoding drifts, cache hits silently stop working.
const RecordFileName = "_daedalus_record.json"

// Record is the persisted (digest, output manifest) pair for one node.
type Record struct {
	Digest    string         `json:"digest"`
	Outputs   map[string]any `json:"outputs"`
	FilePorts []string       `json:"filePorts,omitempty"`
	Manifest  []string       `json:"manifest,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// RestoredOutputs returns the recorded outputs with file-valued ports
// re-tagged as file references, so cached outputs are indistinguishable from
// freshly produced ones to downstream digests.
func (r *Record) RestoredOutputs() map[string]any {
	out := make(map[string]any, len(r.Outputs))
	for k, v := range r.Outputs {
		out[k] = v
	}
	for _, port := range r.FilePorts {
		if s, ok := out[port].(string); ok {
			out[port] = hash.FileRef(s)
		}
	}
	return out
}

// Store decides reuse versus rerun and persists records after success.
type Store struct {
	logger    *zap.Logger
	artifacts ArtifactClient
	workflow  string
}

// Option configures a Store.
type Option func(*Store)

// WithArtifactClient mirrors committed records to remote artifact storage,
// keyed by workflow and node. The mirror is best-effort: upload failures are
// logged, never fatal.
func WithArtifactClient(client ArtifactClient, workflowName string) Option {
	return func(s *Store) {
		s.artifacts = client
		s.workflow = workflowName
	}
}

// NewStore creates a cache store.
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldRun reports whether the node must execute. It returns false (reuse)
// iff a record exists whose digest equals the node's current digest and
// every manifest file still exists on disk. Stale or missing outputs are a
// cache-integrity miss, not a fatal error.
func (s *Store) ShouldRun(n *node.Node) (bool, *Record, error) {
	if n.Synthetic {
		return true, nil, nil
	}

	digest, err := n.Digest()
	if err != nil {
		return true, nil, err
	}

	rec, err := s.load(n)
	if err != nil {
		s.logger.Debug("no usable cache record",
			zap.String("node", n.QualifiedName()),
			zap.Error(err))
		return true, nil, nil
	}
	if rec.Digest != digest {
		s.logger.Debug("cache digest mismatch, rerunning",
			zap.String("node", n.QualifiedName()))
		return true, nil, nil
	}

	for _, path := range rec.Manifest {
		if _, err := os.Stat(path); err != nil {
			integrity := errors.NewNode(errors.CodeCacheIntegrity, n.QualifiedName(),
				fmt.Sprintf("manifest file missing: %s", path), err)
			s.logger.Warn("cache record invalid, forcing rerun",
				zap.String("node", n.QualifiedName()),
				zap.Error(integrity))
			return true, nil, nil
		}
	}

	return false, rec, nil
}

// Commit persists the record for a successful execution and mirrors it to
// artifact storage when configured.
func (s *Store) Commit(ctx context.Context, n *node.Node, result *runnable.Result, digest string) (*Record, error) {
	rec := &Record{
		Digest:    digest,
		Outputs:   make(map[string]any, len(result.Outputs)),
		CreatedAt: time.Now().UTC(),
	}
	for port, value := range result.Outputs {
		if ref, ok := value.(hash.FileRef); ok {
			rec.Outputs[port] = string(ref)
			rec.FilePorts = append(rec.FilePorts, port)
			rec.Manifest = append(rec.Manifest, string(ref))
			continue
		}
		rec.Outputs[port] = encodeNumbers(value)
	}
	sort.Strings(rec.FilePorts)
	sort.Strings(rec.Manifest)

	if err := s.write(n, rec); err != nil {
		return nil, err
	}

	if s.artifacts != nil {
		s.mirror(ctx, n, rec)
	}
	return rec, nil
}

// Prune removes working files that are neither in the output manifest nor
// engine sidecars. Used when RemoveUnnecessaryOutputs is configured.
func (s *Store) Prune(n *node.Node, rec *Record) error {
	keep := map[string]bool{
		filepath.Join(n.WorkDir(), RecordFileName):     true,
		filepath.Join(n.WorkDir(), InputsSnapshotName): true,
	}
	for _, path := range rec.Manifest {
		keep[path] = true
	}

	entries, err := os.ReadDir(n.WorkDir())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(n.WorkDir(), entry.Name())
		if keep[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to prune working file",
				zap.String("node", n.QualifiedName()),
				zap.String("path", path),
				zap.Error(err))
		}
	}
	return nil
}

// InputsSnapshotName is the sidecar preserving the resolved inputs of a run
// when KeepInputs is configured.
const InputsSnapshotName = "_daedalus_inputs.json"

// SnapshotInputs writes the resolved-inputs snapshot into the working
// directory.
func SnapshotInputs(n *node.Node) error {
	data, err := json.MarshalIndent(n.Runnable().HashableInputs(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling inputs snapshot: %w", err)
	}
	return os.WriteFile(filepath.Join(n.WorkDir(), InputsSnapshotName), data, 0o644)
}

func (s *Store) recordPath(n *node.Node) string {
	return filepath.Join(n.WorkDir(), RecordFileName)
}

func (s *Store) load(n *node.Node) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(n))
	if err != nil {
		return nil, err
	}

	// Decode with json.Number so restored outputs hash identically to the
	// values committed: the digest encoding distinguishes ints from floats,
	// plain unmarshalling would widen every number to float64. Commit writes
	// floats with a decimal marker, so an unmarked integer literal is an int,
	// never a float that happened to be integral.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("parsing cache record: %w", err)
	}
	for port, value := range rec.Outputs {
		rec.Outputs[port] = normalizeNumbers(value)
	}
	return &rec, nil
}

func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := strconv.Atoi(v.String()); err == nil {
			return i
		}
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	case []any:
		for i, item := range v {
			v[i] = normalizeNumbers(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = normalizeNumbers(item)
		}
		return v
	default:
		return value
	}
}

// encodeNumbers prepares a value for JSON persistence: floats become number
// literals guaranteed to carry a decimal marker, so an integral float64 never
// round-trips into an int and flips the digest of a downstream node.
func encodeNumbers(value any) any {
	switch v := value.(type) {
	case float64:
		return json.Number(formatFloatLiteral(v))
	case float32:
		return json.Number(formatFloatLiteral(float64(v)))
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = encodeNumbers(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = encodeNumbers(item)
		}
		return out
	default:
		return value
	}
}

func formatFloatLiteral(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func (s *Store) write(n *node.Node, rec *Record) error {
	if err := os.MkdirAll(n.WorkDir(), 0o755); err != nil {
		return fmt.Errorf("creating working directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling cache record: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a torn record.
	tmp := s.recordPath(n) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache record: %w", err)
	}
	if err := os.Rename(tmp, s.recordPath(n)); err != nil {
		return fmt.Errorf("committing cache record: %w", err)
	}
	return nil
}

func (s *Store) mirror(ctx context.Context, n *node.Node, rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("failed to marshal record for artifact mirror", zap.Error(err))
		return
	}
	path := ArtifactPath(s.workflow, n.QualifiedName(), rec.Digest)
	if _, err := s.artifacts.UploadResult(ctx, path, data, map[string]string{
		"workflow": s.workflow,
		"node":     n.QualifiedName(),
		"digest":   rec.Digest,
	}); err != nil {
		s.logger.Warn("artifact mirror upload failed",
			zap.String("node", n.QualifiedName()),
			zap.String("blob_path", path),
			zap.Error(err))
		return
	}
	s.logger.Debug("mirrored cache record",
		zap.String("node", n.QualifiedName()),
		zap.String("blob_path", path))
}

// ArtifactPath returns the blob path a node's record mirrors to.
func ArtifactPath(workflow, qualifiedName, digest string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s.json", workflow, qualifiedName, digest)
}
