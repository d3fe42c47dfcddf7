package transport

import (
	"context"
	"sync"

	"asyncmail/email"
)

// Mailbox collects messages delivered by the locmem backend.
type Mailbox struct {
	mu       sync.Mutex
	messages []*email.Message
}

// Outbox is the process-wide mailbox written by the locmem backend.
var Outbox = &Mailbox{}

// Messages returns a snapshot of the delivered messages in order.
func (b *Mailbox) Messages() []*email.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*email.Message(nil), b.messages...)
}

// Len returns the number of delivered messages.
func (b *Mailbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Subjects returns the subjects of the delivered messages in order.
func (b *Mailbox) Subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.messages))
	for i, m := range b.messages {
		out[i] = m.Subject
	}
	return out
}

// Reset empties the mailbox.
func (b *Mailbox) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

func (b *Mailbox) add(msgs []*email.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msgs...)
}

// Locmem keeps messages in memory instead of sending them.
type Locmem struct {
	box *Mailbox
}

// NewLocmem returns a connection that appends to Outbox.
func NewLocmem(Params) (Connection, error) {
	return &Locmem{box: Outbox}, nil
}

func (l *Locmem) Open(context.Context) error { return nil }

func (l *Locmem) Close() error { return nil }

func (l *Locmem) SendMessages(_ context.Context, messages []*email.Message) (int, error) {
	l.box.add(messages)
	return len(messages), nil
}
