// Package crash records node failures durably: a JSON dump per crashed node
// with the resolved inputs, captured output, and unwound error chain, plus
// optional forwarding to Sentry. Dumps are the post-mortem artifact for
// cluster runs where stderr is otherwise lost with the job.
package crash

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
)

// Dump is the persisted record of one node failure.
type Dump struct {
	RunID     string         `json:"runId"`
	Workflow  string         `json:"workflow"`
	Node      string         `json:"node"`
	WorkDir   string         `json:"workDir"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Stdout    string         `json:"stdout,omitempty"`
	Stderr    string         `json:"stderr,omitempty"`
	Errors    []string       `json:"errors"`
	ErrorCode string         `json:"errorCode,omitempty"`
	CrashedAt time.Time      `json:"crashedAt"`
}

// Reporter persists crash dumps for a run.
type Reporter struct {
	logger   *zap.Logger
	dir      string
	runID    string
	workflow string
	sentry   bool
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithSentry forwards every reported crash to the globally initialized
// Sentry client in addition to the on-disk dump.
func WithSentry() Option {
	return func(r *Reporter) { r.sentry = true }
}

// NewReporter creates a crash reporter writing into dir. An empty dir
// disables dump files; crashes are then only logged (and forwarded when
// Sentry is enabled).
func NewReporter(logger *zap.Logger, dir, runID, workflow string, opts ...Option) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{logger: logger, dir: dir, runID: runID, workflow: workflow}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report records a node failure. Reporting is best-effort: a dump that
// cannot be written is logged, never escalated, so crash handling cannot
// itself crash the run.
func (r *Reporter) Report(n *node.Node, execErr error) {
	dump := r.build(n, execErr)

	r.logger.Error("node crashed",
		zap.String("node", dump.Node),
		zap.String("run_id", dump.RunID),
		zap.String("error_code", dump.ErrorCode),
		zap.Error(execErr))

	if r.dir != "" {
		if path, err := r.write(dump); err != nil {
			r.logger.Warn("failed to write crash dump",
				zap.String("node", dump.Node),
				zap.Error(err))
		} else {
			r.logger.Info("crash dump written",
				zap.String("node", dump.Node),
				zap.String("path", path))
		}
	}

	if r.sentry {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("workflow", dump.Workflow)
			scope.SetTag("node", dump.Node)
			scope.SetTag("run_id", dump.RunID)
			if dump.ErrorCode != "" {
				scope.SetTag("error_code", dump.ErrorCode)
			}
			sentry.CaptureException(execErr)
		})
	}
}

func (r *Reporter) build(n *node.Node, execErr error) *Dump {
	dump := &Dump{
		RunID:     r.runID,
		Workflow:  r.workflow,
		Node:      n.QualifiedName(),
		WorkDir:   n.WorkDir(),
		Inputs:    n.Runnable().HashableInputs(),
		CrashedAt: time.Now().UTC(),
	}

	var structured *daederrors.Error
	if errors.As(execErr, &structured) {
		dump.ErrorCode = string(structured.Code)
		dump.Stdout = structured.Stdout
		dump.Stderr = structured.Stderr
	}

	for err := execErr; err != nil; err = unwrap(err) {
		dump.Errors = append(dump.Errors, err.Error())
	}
	return dump
}

func (r *Reporter) write(dump *Dump) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating crash dump directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.json",
		dump.Node,
		dump.CrashedAt.Format("20060102T150405"),
		uuid.NewString()[:8])
	path := filepath.Join(r.dir, name)

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshalling crash dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing crash dump: %w", err)
	}
	return path, nil
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
