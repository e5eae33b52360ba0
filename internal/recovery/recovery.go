// Package recovery keeps panics raised by pool tasks and application
// callbacks from escaping into transport goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the task name.
// Defer it at the top of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "server-link-receive")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, task string) {
	if r := recover(); r != nil {
		logPanic(logger, task, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it, and passes the
// recovered value to callback when one is given.
func RecoverWithCallback(logger *slog.Logger, task string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, task, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Call runs fn and reports whether it panicked. The panic is logged and
// swallowed.
func Call(logger *slog.Logger, task string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, task, r)
			panicked = true
		}
	}()
	fn()
	return false
}

func logPanic(logger *slog.Logger, task string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"task", task,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
