package metrics

import (
	"expvar"
	"strings"
)

const prefix = "asyncmail_"

var (
	MessagesSubmitted = expvar.NewInt("asyncmail_messages_submitted_total")
	ChunksEnqueued    = expvar.NewInt("asyncmail_chunks_enqueued_total")
	MessagesSent      = expvar.NewInt("asyncmail_messages_sent_total")
	SendFailures      = expvar.NewInt("asyncmail_send_failures_total")
	RetriesScheduled  = expvar.NewInt("asyncmail_retries_scheduled_total")
	DeadLettered      = expvar.NewInt("asyncmail_dead_lettered_total")
	queueDepth        = expvar.NewInt("asyncmail_queue_depth")
	tasksActive       = expvar.NewInt("asyncmail_tasks_active")
)

// SetQueueDepth records the current number of pending tasks.
func SetQueueDepth(n int) {
	queueDepth.Set(int64(n))
}

// QueueDepth returns the last recorded queue depth.
func QueueDepth() int64 {
	return queueDepth.Value()
}

// IncActive increments the running task count.
func IncActive() {
	tasksActive.Add(1)
}

// DecActive decrements the running task count.
func DecActive() {
	tasksActive.Add(-1)
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	MessagesSubmitted.Set(0)
	ChunksEnqueued.Set(0)
	MessagesSent.Set(0)
	SendFailures.Set(0)
	RetriesScheduled.Set(0)
	DeadLettered.Set(0)
	queueDepth.Set(0)
	tasksActive.Set(0)
}

// Snapshot returns the current value of every asyncmail counter.
func Snapshot() map[string]int64 {
	out := make(map[string]int64)
	expvar.Do(func(kv expvar.KeyValue) {
		if !strings.HasPrefix(kv.Key, prefix) {
			return
		}
		if v, ok := kv.Value.(*expvar.Int); ok {
			out[kv.Key] = v.Value()
		}
	})
	return out
}
