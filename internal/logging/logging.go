// Package logging provides a process-wide structured logger: a
// package-level, atomically-swappable *slog.Logger with thin
// Info/Warn/Error/Debug wrappers, so call sites never have to thread a
// logger through every constructor.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(New(false))
}

// New builds a logger. When unstructured is true it emits human-readable
// text (useful for local development); otherwise it emits JSON suitable
// for log aggregation.
func New(unstructured bool) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if unstructured {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// SetDefault installs l as the process-wide logger.
func SetDefault(l *slog.Logger) {
	singleton.Store(l)
}

// Default returns the current process-wide logger.
func Default() *slog.Logger {
	return singleton.Load()
}

// Init configures the singleton from the environment. UNSTRUCTURED_LOGS=true
// selects the text handler; any other value (including unset) selects JSON.
func Init() {
	SetDefault(New(os.Getenv("UNSTRUCTURED_LOGS") == "true"))
}

func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
