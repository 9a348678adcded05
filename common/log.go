package common

import (
	"log/slog"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

// Logger returns the process-wide structured logger used by the storage and
// concurrency core to report eviction, directory, and wound-wait events. It
// is safe to call concurrently and from any component.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	})
	return logger
}

// SetLogger overrides the process-wide logger, e.g. to redirect to a test
// buffer or to raise the level for debugging a specific run.
func SetLogger(l *slog.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}
