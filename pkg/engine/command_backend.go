package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// JobScriptName is the job script written into a node's working directory
// before submission.
const JobScriptName = "_daedalus_job.sh"

// defaultJobTemplate is a plain POSIX shell job wrapper. Scheduler-specific
// directives (e.g. SBATCH lines) belong in a custom template.
const defaultJobTemplate = `#!/bin/sh
# job: {name} procs={procs} memory_gb={memory_gb}
cd {workdir} || exit 1
exec {command}
`

// CommandBackend drives an external batch scheduler through its command-line
// interface, the way Slurm, SGE, or PBS are scripted: a templated job script
// is written into the node's working directory, the submit command returns a
// job handle as the first token of its stdout, and the poll command's first
// stdout token maps onto a job status. Only command runnables can be
// submitted; their outputs are expected on a filesystem shared with the
// cluster.
type CommandBackend struct {
	logger     *zap.Logger
	submitArgv []string // with {script} placeholder
	pollArgv   []string // with {handle} placeholder
	cancelArgv []string // optional, with {handle} placeholder
	template   string
}

// CommandBackendOption configures a CommandBackend.
type CommandBackendOption func(*CommandBackend)

// WithCancelCommand sets the command used to cancel a job ("{handle}"
// placeholder). Empty disables cancellation.
func WithCancelCommand(cmd string) CommandBackendOption {
	return func(b *CommandBackend) {
		if cmd != "" {
			b.cancelArgv = strings.Fields(cmd)
		}
	}
}

// WithJobTemplate sets the job script template. Placeholders: {name},
// {workdir}, {command}, {procs}, {memory_gb}.
func WithJobTemplate(template string) CommandBackendOption {
	return func(b *CommandBackend) {
		if template != "" {
			b.template = template
		}
	}
}

// NewCommandBackend creates a scheduler backend from submit and poll command
// lines, e.g. ("sbatch {script}", "squeue-state {handle}").
func NewCommandBackend(logger *zap.Logger, submitCmd, pollCmd string, opts ...CommandBackendOption) (*CommandBackend, error) {
	if submitCmd == "" {
		return nil, errors.Validation("command backend requires a submit command")
	}
	if pollCmd == "" {
		return nil, errors.Validation("command backend requires a poll command")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &CommandBackend{
		logger:     logger,
		submitArgv: strings.Fields(submitCmd),
		pollArgv:   strings.Fields(pollCmd),
		template:   defaultJobTemplate,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Submit writes the job script and runs the submit command. The handle is
// the first whitespace-separated token of the submit command's stdout.
func (b *CommandBackend) Submit(ctx context.Context, n *node.Node) (string, error) {
	cmd, ok := n.Runnable().(*runnable.Command)
	if !ok {
		return "", errors.NewNode(errors.CodeValidation, n.QualifiedName(),
			fmt.Sprintf("cluster submission requires a command runnable, got %T", n.Runnable()), nil)
	}

	scriptPath, err := b.writeScript(n, cmd)
	if err != nil {
		return "", errors.NewNode(errors.CodeSubmission, n.QualifiedName(), "writing job script", err)
	}

	stdout, stderr, err := b.run(ctx, b.submitArgv, map[string]string{"{script}": scriptPath})
	if err != nil {
		return "", &errors.Error{Code: errors.CodeSubmission, Node: n.QualifiedName(),
			Message: "submit command failed", Stdout: stdout, Stderr: stderr, Err: err}
	}

	handle := firstToken(stdout)
	if handle == "" {
		return "", &errors.Error{Code: errors.CodeSubmission, Node: n.QualifiedName(),
			Message: "submit command produced no job handle", Stdout: stdout, Stderr: stderr}
	}
	return handle, nil
}

// Poll maps the poll command's first stdout token onto a job status.
// Unrecognized tokens count as running so transient scheduler states never
// fail a job.
func (b *CommandBackend) Poll(ctx context.Context, handle string) (JobStatus, error) {
	stdout, stderr, err := b.run(ctx, b.pollArgv, map[string]string{"{handle}": handle})
	if err != nil {
		return JobRunning, fmt.Errorf("poll command failed for job %s: %w (stderr: %s)", handle, err, stderr)
	}

	switch strings.ToUpper(firstToken(stdout)) {
	case "PENDING", "PD", "QUEUED", "Q":
		return JobPending, nil
	case "DONE", "COMPLETED", "CD", "FINISHED":
		return JobDone, nil
	case "FAILED", "F", "ERROR", "TIMEOUT", "CANCELLED", "CA":
		return JobFailed, nil
	default:
		return JobRunning, nil
	}
}

// Cancel runs the cancel command when configured; otherwise it is a no-op.
func (b *CommandBackend) Cancel(ctx context.Context, handle string) error {
	if len(b.cancelArgv) == 0 {
		return nil
	}
	_, stderr, err := b.run(ctx, b.cancelArgv, map[string]string{"{handle}": handle})
	if err != nil {
		return fmt.Errorf("cancel command failed for job %s: %w (stderr: %s)", handle, err, stderr)
	}
	return nil
}

func (b *CommandBackend) writeScript(n *node.Node, cmd *runnable.Command) (string, error) {
	argv, err := cmd.RenderedArgv()
	if err != nil {
		return "", err
	}

	res := n.Resources.Normalized()
	script := b.template
	for placeholder, value := range map[string]string{
		"{name}":      n.QualifiedName(),
		"{workdir}":   n.WorkDir(),
		"{command}":   shellJoin(argv),
		"{procs}":     strconv.Itoa(res.Procs),
		"{memory_gb}": strconv.FormatFloat(res.MemoryGB, 'g', -1, 64),
	} {
		script = strings.ReplaceAll(script, placeholder, value)
	}

	if err := os.MkdirAll(n.WorkDir(), 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(n.WorkDir(), JobScriptName)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (b *CommandBackend) run(ctx context.Context, argv []string, subst map[string]string) (string, string, error) {
	rendered := make([]string, len(argv))
	for i, arg := range argv {
		for placeholder, value := range subst {
			arg = strings.ReplaceAll(arg, placeholder, value)
		}
		rendered[i] = arg
	}

	cmd := exec.CommandContext(ctx, rendered[0], rendered[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	b.logger.Debug("scheduler command",
		zap.Strings("argv", rendered),
		zap.String("stdout", strings.TrimSpace(stdout.String())),
		zap.Error(err))
	return stdout.String(), stderr.String(), err
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// shellJoin quotes argv elements for a POSIX shell command line.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		if arg == "" || strings.ContainsAny(arg, " \t\n'\"\\$&|;<>(){}*?[]#~") {
			quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
			continue
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}
