package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"asyncmail/email"
	"asyncmail/internal/audit"
)

var consoleMu sync.Mutex

// Console writes rendered messages to a stream, one after another.
type Console struct {
	w io.Writer
}

// NewConsole writes to the io.Writer under "writer", or stdout.
func NewConsole(params Params) (Connection, error) {
	w, ok := params["writer"].(io.Writer)
	if !ok {
		w = os.Stdout
	}
	return &Console{w: w}, nil
}

func (c *Console) Open(context.Context) error { return nil }

func (c *Console) Close() error { return nil }

func (c *Console) SendMessages(_ context.Context, messages []*email.Message) (int, error) {
	consoleMu.Lock()
	defer consoleMu.Unlock()

	sent := 0
	for _, m := range messages {
		raw, err := m.Bytes()
		if err != nil {
			return sent, err
		}
		if _, err := fmt.Fprintf(c.w, "%s\n%s\n", raw, strings.Repeat("-", 79)); err != nil {
			return sent, err
		}
		audit.Log("console delivery", "to", m.To, "subject", m.Subject)
		sent++
	}
	return sent, nil
}
