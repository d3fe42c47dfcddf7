package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"asyncmail/codec"
	"asyncmail/transport"
)

// Task is one queued unit of work: a chunk of wire messages plus the
// transport parameters shared by all of them.
type Task struct {
	ID        string           `json:"id"`
	ParentID  string           `json:"parent_id,omitempty"`
	Name      string           `json:"name"`
	Queue     string           `json:"queue,omitempty"`
	Messages  codec.Batch      `json:"messages"`
	Params    transport.Params `json:"params,omitempty"`
	Attempts  int              `json:"attempts"`
	NextRetry time.Time        `json:"next_retry"`
	LastError string           `json:"last_error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`

	handle *Handle
}

// NewTask returns a task with a fresh ID owning copies of msgs and params.
func NewTask(name string, msgs codec.Batch, params transport.Params) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Messages:  msgs.Clone(),
		Params:    params.Clone(),
		CreatedAt: time.Now().UTC(),
	}
}

// RetryWith returns a new one-message task carrying msg with the same name,
// queue, parameters and attempt count as t.
func (t *Task) RetryWith(msg codec.WireMessage) *Task {
	parent := t.ParentID
	if parent == "" {
		parent = t.ID
	}
	return &Task{
		ID:        uuid.NewString(),
		ParentID:  parent,
		Name:      t.Name,
		Queue:     t.Queue,
		Messages:  codec.Batch{msg.Clone()},
		Params:    t.Params.Clone(),
		Attempts:  t.Attempts,
		CreatedAt: time.Now().UTC(),
	}
}

// Handle is returned by Enqueue and resolves once the task has run.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once
	sent int
	err  error
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the task ID.
func (h *Handle) ID() string { return h.id }

// Done is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx ends and returns the number of
// messages the task reported sent.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.sent, h.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Handle) resolve(sent int, err error) {
	h.once.Do(func() {
		h.sent, h.err = sent, err
		close(h.done)
	})
}
