package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/zenith/pkg/faults"
)

// Usage summarizes what a call consumed.
type Usage struct {
	Elapsed   time.Duration
	HostCalls int
}

// Guard tracks one call against its limits.
type Guard struct {
	limits Limits
	ec     *ExecutionContext
	start  time.Time

	cancel    context.CancelCauseFunc
	cpuTimer  *time.Timer
	wallTimer *time.Timer

	calls    atomic.Int64
	fault    atomic.Pointer[faults.Fault]
	released sync.Once
	usage    Usage
}

// Enforce starts tracking ec against limits. The returned context must be used
// for the call; it is cancelled when the guard aborts. Release must be called
// on every exit path. Both the CPU budget and the wall timeout are timers on
// elapsed time since Enforce.
func Enforce(parent context.Context, ec *ExecutionContext, limits Limits) (*Guard, context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	g := &Guard{
		limits: limits,
		ec:     ec,
		start:  time.Now(),
		cancel: cancel,
	}
	ec.Start = g.start
	ec.guard = g

	if limits.CPUBudget > 0 {
		g.cpuTimer = time.AfterFunc(limits.CPUBudget, func() {
			g.Abort(faults.Execution(ec.Plugin, faults.CodeCPUBudget,
				fmt.Sprintf("cpu budget %s exhausted", limits.CPUBudget), nil))
		})
	}
	if limits.WallTimeout > 0 {
		g.wallTimer = time.AfterFunc(limits.WallTimeout, func() {
			g.Abort(faults.Execution(ec.Plugin, faults.CodeTimeout,
				fmt.Sprintf("wall timeout %s exceeded", limits.WallTimeout), nil))
		})
	}

	return g, WithExecutionContext(ctx, ec)
}

// Abort records f as the reason the call ends and cancels the call context.
// Only the first abort is kept.
func (g *Guard) Abort(f *faults.Fault) {
	if g.fault.CompareAndSwap(nil, f) {
		g.cancel(f)
	}
}

// Fault returns the reason the guard aborted the call, or nil.
func (g *Guard) Fault() *faults.Fault {
	return g.fault.Load()
}

// Aborted reports whether the guard has aborted the call.
func (g *Guard) Aborted() bool {
	return g.fault.Load() != nil
}

// Elapsed returns the time since the guard was acquired.
func (g *Guard) Elapsed() time.Duration {
	return time.Since(g.start)
}

// HostCalls returns the number of host calls attempted.
func (g *Guard) HostCalls() int {
	return int(g.calls.Load())
}

// Checkpoint aborts the call when the CPU budget is spent. Host calls run it
// before doing any work.
func (g *Guard) Checkpoint() error {
	if f := g.Fault(); f != nil {
		return f
	}
	if g.limits.CPUBudget > 0 && g.Elapsed() > g.limits.CPUBudget {
		g.Abort(faults.Execution(g.ec.Plugin, faults.CodeCPUBudget,
			fmt.Sprintf("cpu budget %s exhausted", g.limits.CPUBudget), nil))
		return g.Fault()
	}
	return nil
}

// HostCall counts one host call and checks it against the quota. It returns
// the call number and, when the call is refused, a HostCallQuotaExceeded fault.
// Use Aborted to tell a recoverable refusal from a terminated call.
func (g *Guard) HostCall() (int, error) {
	n := int(g.calls.Add(1))
	if err := g.Checkpoint(); err != nil {
		return n, err
	}

	quota := g.limits.MaxHostCalls
	if n <= quota {
		return n, nil
	}

	if g.limits.QuotaPolicy == QuotaFatal {
		f := faults.HostCallQuota(g.ec.Plugin, faults.CodeQuotaCeiling, n, quota)
		g.Abort(f)
		return n, f
	}

	if ceiling := g.limits.Ceiling(); n > ceiling {
		f := faults.HostCallQuota(g.ec.Plugin, faults.CodeQuotaCeiling, n, ceiling)
		g.Abort(f)
		return n, f
	}

	return n, faults.HostCallQuota(g.ec.Plugin, faults.CodeQuotaExceeded, n, quota)
}

// Release stops tracking and returns the usage. Safe to call more than once.
func (g *Guard) Release() Usage {
	g.released.Do(func() {
		if g.cpuTimer != nil {
			g.cpuTimer.Stop()
		}
		if g.wallTimer != nil {
			g.wallTimer.Stop()
		}
		g.usage = Usage{Elapsed: g.Elapsed(), HostCalls: g.HostCalls()}
		g.cancel(context.Canceled)
	})
	return g.usage
}
