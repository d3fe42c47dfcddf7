// Package audit owns the process logger and the debug audit trail, which is
// switched on with ASYNCMAIL_DEBUG=1 or true.
package audit

import (
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"asyncmail/internal/config"
)

var (
	mu      sync.RWMutex
	enabled bool
	logger  = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "asyncmail",
	})
)

func init() {
	RefreshFromEnv()
}

// Logger returns the shared process logger.
func Logger() *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the shared logger, keeping the current audit level.
func SetLogger(l *log.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
	applyLevel()
}

// Set turns the audit trail on or off.
func Set(v bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = v
	applyLevel()
}

// Enabled reports whether audit messages are emitted.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// RefreshFromEnv re-reads ASYNCMAIL_DEBUG.
func RefreshFromEnv() {
	Set(config.Bool("ASYNCMAIL_DEBUG", false))
}

// Log emits a debug audit message when the trail is enabled.
func Log(msg string, keyvals ...any) {
	if !Enabled() {
		return
	}
	Logger().Debug(msg, append([]any{"audit", true}, keyvals...)...)
}

// caller holds mu
func applyLevel() {
	if enabled {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
}
