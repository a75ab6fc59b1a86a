package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging.
// Call it directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "watcher loop")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logPanic(logger, context, r)
	}
}

// RecoverPanicWithCallback recovers from a panic, logs it, and then runs callback.
// The callback only runs when a panic occurred.
func RecoverPanicWithCallback(logger *Logger, context string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, context, r)
		if callback != nil {
			callback(r)
		}
	}
}

// MustRecover converts a recovered value into an error. Returns nil when r is nil.
//
//	defer func() {
//	    if perr := observability.MustRecover(recover()); perr != nil {
//	        err = perr
//	    }
//	}()
func MustRecover(r interface{}) error {
	if r != nil {
		if err, ok := r.(error); ok {
			return fmt.Errorf("panic: %w", err)
		}
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}

func logPanic(logger *Logger, context string, r interface{}) {
	if logger == nil {
		logger = NewLogger(ErrorLevel, nil)
	}
	logger.WithField("panic", fmt.Sprint(r)).
		WithField("stack", string(debug.Stack())).
		WithField("context", context).
		Error("PANIC recovered")
}
