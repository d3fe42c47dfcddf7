package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/emersion/go-mbox"

	"asyncmail/email"
)

// Mbox appends rendered messages to an mbox file.
type Mbox struct {
	path string
	file *os.File
	w    *mbox.Writer
}

// NewMbox writes to the file named by "path" (default asyncmail.mbox).
func NewMbox(params Params) (Connection, error) {
	return &Mbox{path: params.String("path", "asyncmail.mbox")}, nil
}

func (m *Mbox) Open(context.Context) error {
	if m.file != nil {
		return nil
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("mbox: open %s: %w", m.path, err)
	}
	m.file = f
	m.w = mbox.NewWriter(f)
	return nil
}

func (m *Mbox) Close() error {
	if m.file == nil {
		return nil
	}
	err := m.w.Close()
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	m.file, m.w = nil, nil
	return err
}

func (m *Mbox) SendMessages(_ context.Context, messages []*email.Message) (int, error) {
	if m.w == nil {
		return 0, ErrNotOpen
	}
	sent := 0
	for _, msg := range messages {
		from, err := email.ParseAddress(msg.From)
		if err != nil {
			return sent, err
		}
		w, err := m.w.CreateMessage(from, time.Now())
		if err != nil {
			return sent, fmt.Errorf("mbox: %w", err)
		}
		if err := msg.Render(w); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
