// Package delivery is the queue task that turns a chunk of wire messages
// back into email and hands each one to the configured transport.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"asyncmail/codec"
	"asyncmail/email"
	"asyncmail/internal/audit"
	"asyncmail/internal/metrics"
	"asyncmail/queue"
	"asyncmail/transport"
)

const (
	// TaskName is the name the worker is registered under.
	TaskName = "send_emails"
	// LegacyTaskName is the single-message alias kept for older producers.
	LegacyTaskName = "send_email"
	// DefaultBackend is used when Options.Backend is empty.
	DefaultBackend = "smtp"
)

// Retrier schedules a failed single-message task again.
type Retrier interface {
	Retry(ctx context.Context, task *queue.Task, cause error) error
}

// TransportSendError wraps any failure a transport reports for one message.
type TransportSendError struct {
	Recipients []string
	Cause      error
}

func (e *TransportSendError) Error() string {
	return fmt.Sprintf("send to [%s]: %v", strings.Join(e.Recipients, ", "), e.Cause)
}

func (e *TransportSendError) Unwrap() error { return e.Cause }

// Options configures a Worker.
type Options struct {
	Backend    string
	Params     transport.Params
	Codec      *codec.Codec
	Transports *transport.Registry
	Retrier    Retrier
	TaskName   string
	Logger     *log.Logger
}

// Worker delivers queued chunks.
type Worker struct {
	opts Options
	log  *log.Logger
}

// New fills in defaults for anything opts leaves empty.
func New(opts Options) *Worker {
	if opts.Backend == "" {
		opts.Backend = DefaultBackend
	}
	if opts.Codec == nil {
		opts.Codec = codec.New(nil)
	}
	if opts.Transports == nil {
		opts.Transports = transport.Default
	}
	if opts.TaskName == "" {
		opts.TaskName = TaskName
	}
	logger := opts.Logger
	if logger == nil {
		logger = audit.Logger()
	}
	return &Worker{opts: opts, log: logger.With("backend", opts.Backend)}
}

// Register binds w to m under name and the legacy alias.
func Register(m *queue.Manager, w *Worker, name string) {
	if name == "" {
		name = TaskName
	}
	m.Register(name, w.Handle)
	if name != LegacyTaskName {
		m.Register(LegacyTaskName, w.Handle)
	}
}

// Handle runs one chunk. Messages are sent one at a time over a single
// connection; a message that fails is retried on its own while the rest of
// the chunk carries on. Only a malformed chunk or an unusable backend name
// is returned as an error.
func (w *Worker) Handle(ctx context.Context, task *queue.Task) (int, error) {
	msgs, err := w.opts.Codec.DecodeAll(task.Messages)
	if err != nil {
		return 0, err
	}

	params := transport.Merge(w.opts.Params, task.Params)
	conn, err := w.opts.Transports.Build(w.opts.Backend, params)
	if err != nil {
		return 0, err
	}
	if err := conn.Open(ctx); err != nil {
		w.log.Warn("open connection", "task", task.ID, "err", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			w.log.Warn("close connection", "task", task.ID, "err", err)
		}
	}()

	sent := 0
	for i, m := range msgs {
		n, err := conn.SendMessages(ctx, []*email.Message{m})
		if err != nil {
			w.retry(ctx, task, i, m, err)
			continue
		}
		if n > 0 {
			sent += n
			metrics.MessagesSent.Add(int64(n))
		}
		w.log.Debug("sent email", "to", m.To, "subject", m.Subject)
	}
	return sent, nil
}

func (w *Worker) retry(ctx context.Context, task *queue.Task, i int, m *email.Message, cause error) {
	metrics.SendFailures.Add(1)
	sendErr := &TransportSendError{Recipients: m.To, Cause: cause}
	if w.opts.Retrier == nil {
		w.log.Error("send failed", "task", task.ID, "to", m.To, "err", cause)
		return
	}
	w.log.Info("send failed, retrying", "task", task.ID, "to", m.To, "err", cause)
	if err := w.opts.Retrier.Retry(ctx, task.RetryWith(task.Messages[i]), sendErr); err != nil {
		w.log.Error("giving up on email", "to", m.To, "err", err)
	}
}

// SendEmails runs the task body directly on items, which may be a single
// message, wire message or mapping, or a slice of any of those.
func (w *Worker) SendEmails(ctx context.Context, items any, params transport.Params) (int, error) {
	batch, err := w.Normalize(items)
	if err != nil {
		return 0, err
	}
	return w.Handle(ctx, queue.NewTask(w.opts.TaskName, batch, params))
}

// SendEmail is the single-message form of SendEmails.
func (w *Worker) SendEmail(ctx context.Context, item any, params transport.Params) (int, error) {
	return w.SendEmails(ctx, item, params)
}

// Normalize turns any accepted input shape into a batch of wire messages.
func (w *Worker) Normalize(items any) (codec.Batch, error) {
	switch v := items.(type) {
	case codec.Batch:
		return v, nil
	case []codec.WireMessage:
		return codec.Batch(v), nil
	case []*email.Message:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return w.opts.Codec.EncodeAll(out...)
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return w.opts.Codec.EncodeAll(out...)
	case []any:
		return w.opts.Codec.EncodeAll(v...)
	default:
		return w.opts.Codec.EncodeAll(v)
	}
}
