package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/runnable"
)

// jobRequest is the wire format published to workers for one node execution.
type jobRequest struct {
	JobID      string            `json:"jobId"`
	Node       string            `json:"node"`
	WorkDir    string            `json:"workDir"`
	Argv       []string          `json:"argv"`
	Env        []string          `json:"env,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	TimeoutSec int64             `json:"timeoutSec,omitempty"`
}

// jobReply is the wire format workers publish back on the reply inbox.
type jobReply struct {
	JobID   string         `json:"jobId"`
	Success bool           `json:"success"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
	Stderr  string         `json:"stderr,omitempty"`
}

// NATSBackend submits node work as messages on a NATS subject and receives
// results on per-job reply inboxes. Workers subscribe to the job subject,
// execute the command, and reply with outputs; the handle is the job's
// correlation ID. Suits elastic worker fleets where there is no shared
// scheduler CLI.
type NATSBackend struct {
	conn    *nats.Conn
	logger  *zap.Logger
	subject string

	mu      sync.Mutex
	pending map[string]*nats.Subscription
	replies map[string]*jobReply
}

// NATSBackendOption configures a NATSBackend.
type NATSBackendOption func(*NATSBackend)

// WithJobSubject overrides the subject jobs are published on.
func WithJobSubject(subject string) NATSBackendOption {
	return func(b *NATSBackend) { b.subject = subject }
}

// NewNATSBackend creates a backend over an established NATS connection.
func NewNATSBackend(conn *nats.Conn, logger *zap.Logger, opts ...NATSBackendOption) (*NATSBackend, error) {
	if conn == nil {
		return nil, errors.Validation("NATS backend requires a connection")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &NATSBackend{
		conn:    conn,
		logger:  logger,
		subject: "daedalus.jobs",
		pending: make(map[string]*nats.Subscription),
		replies: make(map[string]*jobReply),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// ConnectNATS establishes a NATS connection with reconnect handling suitable
// for long runs.
func ConnectNATS(ctx context.Context, url, clientName string, logger *zap.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(url, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Submit publishes the node as a job request and subscribes to its reply
// inbox. The returned handle is the job's correlation ID.
func (b *NATSBackend) Submit(_ context.Context, n *node.Node) (string, error) {
	cmd, ok := n.Runnable().(*runnable.Command)
	if !ok {
		return "", errors.NewNode(errors.CodeValidation, n.QualifiedName(),
			fmt.Sprintf("NATS submission requires a command runnable, got %T", n.Runnable()), nil)
	}
	argv, err := cmd.RenderedArgv()
	if err != nil {
		return "", errors.NewNode(errors.CodeSubmission, n.QualifiedName(), "rendering argv", err)
	}

	jobID := uuid.NewString()
	req := jobRequest{
		JobID:      jobID,
		Node:       n.QualifiedName(),
		WorkDir:    n.WorkDir(),
		Argv:       argv,
		Env:        cmd.Env,
		Outputs:    cmd.OutputFiles,
		TimeoutSec: int64(n.Resources.Timeout.Seconds()),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", errors.NewNode(errors.CodeSubmission, n.QualifiedName(), "marshalling job request", err)
	}

	inbox := nats.NewInbox()
	sub, err := b.conn.SubscribeSync(inbox)
	if err != nil {
		return "", errors.NewNode(errors.CodeSubmission, n.QualifiedName(), "subscribing to reply inbox", err)
	}

	if err := b.conn.PublishMsg(&nats.Msg{Subject: b.subject, Reply: inbox, Data: data}); err != nil {
		_ = sub.Unsubscribe()
		return "", errors.NewNode(errors.CodeSubmission, n.QualifiedName(), "publishing job request", err)
	}

	b.mu.Lock()
	b.pending[jobID] = sub
	b.mu.Unlock()

	b.logger.Debug("published job",
		zap.String("node", n.QualifiedName()),
		zap.String("job_id", jobID),
		zap.String("subject", b.subject))
	return jobID, nil
}

// Poll checks the reply inbox without blocking beyond a short receive
// window. No reply yet means the job is still running somewhere.
func (b *NATSBackend) Poll(_ context.Context, handle string) (JobStatus, error) {
	b.mu.Lock()
	if reply, done := b.replies[handle]; done {
		b.mu.Unlock()
		return replyStatus(reply), nil
	}
	sub, ok := b.pending[handle]
	b.mu.Unlock()
	if !ok {
		return JobFailed, fmt.Errorf("unknown job handle %q", handle)
	}

	msg, err := sub.NextMsg(50 * time.Millisecond)
	if err == nats.ErrTimeout {
		return JobRunning, nil
	}
	if err != nil {
		return JobFailed, fmt.Errorf("receiving reply for job %s: %w", handle, err)
	}

	var reply jobReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return JobFailed, fmt.Errorf("parsing reply for job %s: %w", handle, err)
	}

	b.mu.Lock()
	b.replies[handle] = &reply
	delete(b.pending, handle)
	b.mu.Unlock()
	_ = sub.Unsubscribe()

	return replyStatus(&reply), nil
}

// FetchResult returns the outputs from the worker's reply.
func (b *NATSBackend) FetchResult(_ context.Context, handle string) (map[string]any, error) {
	b.mu.Lock()
	reply, ok := b.replies[handle]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no reply recorded for job %q", handle)
	}
	if !reply.Success {
		return nil, fmt.Errorf("job %s failed remotely: %s", handle, reply.Error)
	}
	return reply.Outputs, nil
}

// Cancel publishes a cancellation message for the job and drops its inbox.
func (b *NATSBackend) Cancel(_ context.Context, handle string) error {
	b.mu.Lock()
	sub, ok := b.pending[handle]
	delete(b.pending, handle)
	b.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}

	data, err := json.Marshal(map[string]string{"jobId": handle})
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject+".cancel", data)
}

func replyStatus(reply *jobReply) JobStatus {
	if reply.Success {
		return JobDone
	}
	return JobFailed
}
