// Package recovery keeps a panicking side-channel or server goroutine from
// taking the whole process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/spcmremote/spcmremote/internal/logging"
)

// RecoverWithLog recovers from a panic and logs it with its stack.
// Call it with defer at the top of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "emulator-conn")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it and hands the
// recovered value to callback, which may turn it into an error result.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Go runs fn in a new goroutine tracked by wg (if non-nil) with panic
// recovery.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func()) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	logging.OrNop(logger).Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
