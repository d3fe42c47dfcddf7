// Package gateway is the caller-facing submission side: it encodes outgoing
// messages, splits them into chunks and enqueues one delivery task per chunk.
package gateway

import (
	"context"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"

	"asyncmail/batch"
	"asyncmail/codec"
	"asyncmail/email"
	"asyncmail/internal/audit"
	"asyncmail/internal/metrics"
	"asyncmail/queue"
	"asyncmail/transport"
)

const (
	DefaultTaskName  = "send_emails"
	DefaultChunkSize = 10
)

// Enqueuer accepts one chunk of wire messages for asynchronous delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, msgs codec.Batch, params transport.Params) (*queue.Handle, error)
}

// Options configures a Backend. Params are merged into every send.
type Options struct {
	TaskName  string
	ChunkSize int
	Params    transport.Params
	Logger    *log.Logger
}

// Backend submits messages to the queue instead of sending them.
type Backend struct {
	q      Enqueuer
	codec  *codec.Codec
	name   string
	size   int
	params transport.Params
	log    *log.Logger
}

// New returns a Backend enqueuing on q.
func New(q Enqueuer, c *codec.Codec, opts Options) *Backend {
	if c == nil {
		c = codec.New(nil)
	}
	if opts.TaskName == "" {
		opts.TaskName = DefaultTaskName
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = audit.Logger()
	}
	return &Backend{
		q:      q,
		codec:  c,
		name:   opts.TaskName,
		size:   opts.ChunkSize,
		params: normalizeParams(opts.Params),
		log:    logger,
	}
}

// Send encodes items and enqueues them in chunks, returning one handle per
// chunk in order. It does not wait for delivery; per-message failures show
// up only through the handles.
func (b *Backend) Send(ctx context.Context, items []any, params transport.Params) ([]*queue.Handle, error) {
	wires, err := b.codec.EncodeAll(items...)
	if err != nil {
		return nil, err
	}
	merged := transport.Merge(b.params, normalizeParams(params))

	handles := make([]*queue.Handle, 0, batch.Count(len(wires), b.size))
	for chunk := range batch.Slice([]codec.WireMessage(wires), b.size) {
		h, err := b.q.Enqueue(ctx, b.name, codec.Batch(chunk), merged)
		if err != nil {
			return handles, fmt.Errorf("enqueue chunk %d: %w", len(handles), err)
		}
		metrics.ChunksEnqueued.Add(1)
		metrics.MessagesSubmitted.Add(int64(len(chunk)))
		b.log.Debug("chunk enqueued", "task", h.ID(), "messages", len(chunk))
		handles = append(handles, h)
	}
	return handles, nil
}

// SendMessages is Send for email messages with no per-call parameters.
func (b *Backend) SendMessages(ctx context.Context, msgs ...*email.Message) ([]*queue.Handle, error) {
	items := make([]any, len(msgs))
	for i, m := range msgs {
		items[i] = m
	}
	return b.Send(ctx, items, nil)
}

// Datatuple is one entry of SendMass.
type Datatuple struct {
	Subject string
	Body    string
	From    string
	To      []string
}

// SendMass builds one plain message per datatuple and sends them all.
func (b *Backend) SendMass(ctx context.Context, tuples []Datatuple, params transport.Params) ([]*queue.Handle, error) {
	items := make([]any, len(tuples))
	for i, d := range tuples {
		items[i] = email.New(d.Subject, d.Body, d.From, slices.Clone(d.To)...)
	}
	return b.Send(ctx, items, params)
}

// normalizeParams maps auth_user and auth_password to the names transports
// read and drops fail_silently.
func normalizeParams(p transport.Params) transport.Params {
	out := p.Clone()
	if v, ok := out["auth_user"]; ok {
		delete(out, "auth_user")
		out["username"] = v
	}
	if v, ok := out["auth_password"]; ok {
		delete(out, "auth_password")
		out["password"] = v
	}
	delete(out, "fail_silently")
	return out
}
