package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"hostguard/metrics"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from panics in goroutines, logs them and counts them
// under the goroutine name. Must be called directly via defer.
// If logger is nil, falls back to stderr so the panic is still recorded.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		report(name, r, logger)
	}
}

// RecoverWith behaves like Recover and additionally invokes onPanic with
// the recovered value.
func RecoverWith(name string, logger *zap.SugaredLogger, onPanic func(any)) {
	if r := recover(); r != nil {
		report(name, r, logger)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

func report(name string, r any, logger *zap.SugaredLogger) {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)
	metrics.PanicsRecovered.WithLabelValues(name).Inc()

	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n",
		name, r, string(buf[:n]))
}
