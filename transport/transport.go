// Package transport resolves the configured delivery backend and builds
// connections to it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"asyncmail/email"
)

var (
	// ErrUnknownBackend is returned for a backend name nothing registered.
	ErrUnknownBackend = errors.New("unknown transport backend")
	// ErrNotOpen is returned when sending on a connection that is not open.
	ErrNotOpen = errors.New("connection not open")
)

// Connection delivers messages. Open must be called before SendMessages and
// Close exactly once afterwards.
type Connection interface {
	Open(ctx context.Context) error
	Close() error
	// SendMessages returns how many messages were delivered. A negative
	// count means the backend cannot tell.
	SendMessages(ctx context.Context, messages []*email.Message) (int, error)
}

// Constructor builds an unopened connection from keyword parameters.
type Constructor func(params Params) (Connection, error)

// Registry maps backend names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Default holds the built-in backends.
var Default = NewRegistry()

func init() {
	Default.Register("smtp", NewSMTP)
	Default.Register("direct", NewDirect)
	Default.Register("locmem", NewLocmem)
	Default.Register("console", NewConsole)
	Default.Register("mbox", NewMbox)
}

// Register binds name to ctor, replacing any previous binding.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Build resolves name and constructs a connection with params. The
// connection is not opened.
func (r *Registry) Build(name string, params Params) (Connection, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	conn, err := ctor(params.Clone())
	if err != nil {
		return nil, fmt.Errorf("build %s connection: %w", name, err)
	}
	return conn, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// Names lists the registered backends in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params are the keyword arguments handed to a backend constructor.
type Params map[string]any

// Merge returns a new map holding base overlaid with override; override
// wins. Neither input is modified.
func Merge(base, override Params) Params {
	out := make(Params, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	return Merge(p, nil)
}

// String returns the value of key as text.
func (p Params) String(key, def string) string {
	switch v := p[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return def
}

// Int accepts ints, JSON numbers and numeric strings.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool accepts booleans and "true"/"false" strings.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Duration accepts durations, Go duration strings and seconds as numbers.
func (p Params) Duration(key string, def time.Duration) time.Duration {
	switch v := p[key].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return time.Duration(n * float64(time.Second))
		}
	}
	return def
}
