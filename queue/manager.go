// Package queue is the in-process task runtime: it runs registered handlers
// on a worker pool, schedules retries with backoff and can persist pending
// tasks to a durable store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"asyncmail/codec"
	"asyncmail/internal/audit"
	"asyncmail/internal/metrics"
	"asyncmail/transport"
)

const (
	DefaultRetryDelay   = 3 * time.Minute
	DefaultMaxRetries   = 3
	DefaultPollInterval = time.Second
)

var (
	// ErrUnknownTask is returned when enqueuing a name with no handler.
	ErrUnknownTask = errors.New("unknown task")
	// ErrRetriesExhausted is returned by Retry once a task passes MaxRetries.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrStopped is returned when enqueuing on a stopped manager.
	ErrStopped = errors.New("queue manager stopped")
)

// Handler runs a task and reports how many messages it sent.
type Handler func(ctx context.Context, task *Task) (int, error)

// Store persists pending tasks between restarts.
type Store interface {
	Save(task *Task) error
	Delete(id string) error
	Load() ([]*Task, error)
}

// DeadLetterStore is implemented by stores that keep tasks which ran out of
// retries.
type DeadLetterStore interface {
	Bury(task *Task) error
}

// Options configures a Manager.
type Options struct {
	Name       string
	Queue      string
	Workers    int
	RateLimit  string
	RetryDelay time.Duration
	// MaxRetries caps retries per message; negative means unlimited.
	MaxRetries   int
	Durable      bool
	Store        Store
	Eager        bool
	PollInterval time.Duration
	Logger       *log.Logger
}

// Manager holds pending tasks and runs them on a pool of workers.
type Manager struct {
	opts     Options
	log      *log.Logger
	interval time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	queue    []*Task
	nextSlot time.Time
	started  bool
	stopped  bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager validates opts and returns an idle manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Durable && opts.Store == nil {
		return nil, errors.New("durable queue requires a store")
	}
	interval, err := ParseRateLimit(opts.RateLimit)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = audit.Logger()
	}
	if opts.Name != "" {
		logger = logger.With("queue", opts.Name)
	}
	return &Manager{
		opts:     opts,
		log:      logger,
		interval: interval,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}, nil
}

// Register binds name to h.
func (m *Manager) Register(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

// Enqueue submits msgs for the handler registered under name. In eager mode
// the task runs before Enqueue returns.
func (m *Manager) Enqueue(ctx context.Context, name string, msgs codec.Batch, params transport.Params) (*Handle, error) {
	m.mu.Lock()
	_, ok := m.handlers[name]
	stopped := m.stopped
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	if stopped {
		return nil, ErrStopped
	}

	task := NewTask(name, msgs, params)
	task.Queue = m.opts.Queue
	task.handle = newHandle(task.ID)
	handle := task.handle

	if m.opts.Eager {
		m.run(ctx, task)
		return handle, nil
	}
	if err := m.push(task); err != nil {
		return nil, err
	}
	audit.Log("task enqueued", "task", task.ID, "name", name, "messages", len(msgs))
	return handle, nil
}

// Retry schedules task again after a backoff delay. Past MaxRetries the task
// is dead-lettered and ErrRetriesExhausted is returned. Eager retries run
// inline, so an unlimited ceiling is capped at DefaultMaxRetries there.
func (m *Manager) Retry(ctx context.Context, task *Task, cause error) error {
	attempts := task.Attempts + 1
	if limit := m.retryLimit(); limit >= 0 && attempts > limit {
		metrics.DeadLettered.Add(1)
		m.log.Error("task dead-lettered", "task", task.ID, "name", task.Name, "attempts", task.Attempts, "err", cause)
		if dl, ok := m.opts.Store.(DeadLetterStore); ok && m.opts.Durable {
			if cause != nil {
				task.LastError = cause.Error()
			}
			if err := dl.Bury(task); err != nil {
				m.log.Error("bury task", "task", task.ID, "err", err)
			}
		}
		return fmt.Errorf("%w: task %s after %d attempts", ErrRetriesExhausted, task.ID, task.Attempts)
	}

	task.Attempts = attempts
	if cause != nil {
		task.LastError = cause.Error()
	}
	metrics.RetriesScheduled.Add(1)

	if m.opts.Eager {
		m.log.Warn("retrying task", "task", task.ID, "attempt", attempts, "err", cause)
		m.run(ctx, task)
		return nil
	}

	task.NextRetry = time.Now().Add(backoffDuration(m.opts.RetryDelay, attempts))
	m.log.Warn("retry scheduled", "task", task.ID, "attempt", attempts, "in", time.Until(task.NextRetry).Round(time.Second), "err", cause)
	return m.push(task)
}

func (m *Manager) retryLimit() int {
	if m.opts.Eager && m.opts.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return m.opts.MaxRetries
}

// Start restores persisted tasks and launches the workers. It is a no-op in
// eager mode.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.opts.Eager {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.opts.Durable {
		tasks, err := m.opts.Store.Load()
		if err != nil {
			return fmt.Errorf("restore spool: %w", err)
		}
		restored := m.restore(tasks)
		if restored > 0 {
			m.log.Info("restored pending tasks", "count", restored)
		}
	}

	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.work(ctx)
	}
	m.notify()
	m.log.Info("queue started", "workers", m.opts.Workers, "rate_limit", m.opts.RateLimit)
	return nil
}

// Stop waits for running tasks to finish. Pending tasks stay queued, and in
// the store when durable.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.quit)
	m.wg.Wait()
}

// Depth returns the number of pending tasks.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// restore queues stored tasks that are not already pending. Tasks enqueued
// before Start are both in the store and in the queue.
func (m *Manager) restore(tasks []*Task) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make(map[string]struct{}, len(m.queue))
	for _, task := range m.queue {
		pending[task.ID] = struct{}{}
	}
	restored := 0
	for _, task := range tasks {
		if _, ok := pending[task.ID]; ok {
			continue
		}
		pending[task.ID] = struct{}{}
		m.queue = append(m.queue, task)
		restored++
	}
	metrics.SetQueueDepth(len(m.queue))
	return restored
}

func (m *Manager) push(task *Task) error {
	if m.opts.Durable {
		if err := m.opts.Store.Save(task); err != nil {
			return fmt.Errorf("persist task %s: %w", task.ID, err)
		}
	}
	m.mu.Lock()
	m.queue = append(m.queue, task)
	depth := len(m.queue)
	m.mu.Unlock()
	metrics.SetQueueDepth(depth)
	m.notify()
	return nil
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) work(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.quit:
				return
			default:
			}
			task := m.next(time.Now())
			if task == nil {
				break
			}
			if !m.throttle(ctx) {
				m.requeue(task)
				return
			}
			m.run(ctx, task)
		}

		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

// next pops the first due task.
func (m *Manager) next(now time.Time) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, task := range m.queue {
		if now.Before(task.NextRetry) {
			continue
		}
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		metrics.SetQueueDepth(len(m.queue))
		if len(m.queue) > 0 {
			m.notify()
		}
		return task
	}
	return nil
}

func (m *Manager) requeue(task *Task) {
	m.mu.Lock()
	m.queue = append([]*Task{task}, m.queue...)
	metrics.SetQueueDepth(len(m.queue))
	m.mu.Unlock()
}

// throttle spaces task starts by the rate-limit interval. It returns false
// if the manager stops while waiting.
func (m *Manager) throttle(ctx context.Context) bool {
	if m.interval <= 0 {
		return true
	}
	m.mu.Lock()
	now := time.Now()
	slot := m.nextSlot
	if slot.Before(now) {
		slot = now
	}
	m.nextSlot = slot.Add(m.interval)
	m.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.quit:
		return false
	}
}

func (m *Manager) run(ctx context.Context, task *Task) {
	m.mu.Lock()
	h, ok := m.handlers[task.Name]
	m.mu.Unlock()
	if task.handle == nil {
		task.handle = newHandle(task.ID)
	}

	var (
		sent int
		err  error
	)
	if !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownTask, task.Name)
	} else {
		metrics.IncActive()
		sent, err = h(ctx, task)
		metrics.DecActive()
	}

	if err != nil {
		m.log.Error("task failed", "task", task.ID, "name", task.Name, "err", err)
	} else {
		audit.Log("task finished", "task", task.ID, "name", task.Name, "sent", sent)
	}
	if m.opts.Durable {
		if derr := m.opts.Store.Delete(task.ID); derr != nil {
			m.log.Error("remove task from spool", "task", task.ID, "err", derr)
		}
	}
	task.handle.resolve(sent, err)
}

// ParseRateLimit converts "N", "N/s", "N/m" or "N/h" into the interval
// between task starts. An empty or zero limit disables throttling.
func ParseRateLimit(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, nil
	}
	count, unit, found := strings.Cut(expr, "/")
	per := time.Second
	if found {
		switch strings.TrimSpace(unit) {
		case "s":
			per = time.Second
		case "m":
			per = time.Minute
		case "h":
			per = time.Hour
		default:
			return 0, fmt.Errorf("rate limit %q: unknown unit %q", expr, unit)
		}
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(count), 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("rate limit %q: invalid count", expr)
	}
	if n == 0 {
		return 0, nil
	}
	return time.Duration(float64(per) / n), nil
}

func backoffDuration(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base * time.Duration(1<<uint(min(attempts-1, 6)))
	if quarter := int64(delay / 4); quarter > 0 {
		delay += time.Duration(rand.Int63n(quarter))
	}
	return delay
}
