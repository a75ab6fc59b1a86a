package sandbox

import (
	"context"
	"time"
)

// EventView is the read-only event data a plugin may inspect through host calls.
type EventView interface {
	Lookup(key string) (string, bool)
}

// ExecutionContext is the per-call state of one plugin execution.
type ExecutionContext struct {
	Plugin  string
	Version string
	Event   EventView
	Start   time.Time

	guard *Guard
}

// NewExecutionContext creates a context for a single call.
func NewExecutionContext(plugin, version string, event EventView) *ExecutionContext {
	return &ExecutionContext{
		Plugin:  plugin,
		Version: version,
		Event:   event,
	}
}

// Guard returns the guard enforcing this call, or nil before Enforce.
func (ec *ExecutionContext) Guard() *Guard {
	return ec.guard
}

// HostCalls returns the number of host calls made so far.
func (ec *ExecutionContext) HostCalls() int {
	if ec.guard == nil {
		return 0
	}
	return ec.guard.HostCalls()
}

type execContextKey struct{}

// WithExecutionContext attaches ec to ctx.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// FromContext returns the execution context attached to ctx, if any.
func FromContext(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*ExecutionContext)
	return ec, ok && ec != nil
}
