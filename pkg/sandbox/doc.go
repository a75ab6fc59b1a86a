// Package sandbox defines the resource envelope of a plugin call and enforces it.
//
// # Overview
//
// Three pieces live here:
//
//   - Limits: CPU budget, wall timeout, memory ceiling and host-call quota for one plugin.
//   - Validator: a pure check of candidate bytecode (size, header, well-formedness, imports)
//     that produces a ValidatedModule or a validation fault.
//   - Guard: a scoped tracker acquired before every call and released on every exit path.
//
// # Guards
//
// A guard owns a derived context. When the CPU budget, the wall timeout or the host-call
// hard ceiling is exceeded, the guard records the fault and cancels that context. The VM
// backend closes the module when the context is done, which stops execution at the next
// function call or loop back-edge. This is a soft timeout: a call can overshoot its
// budget by the distance to the next checkpoint.
//
// The CPU budget is an elapsed-time budget: wazero does not meter guest CPU time, so
// the guard counts time since Enforce, host-call time and scheduling delays included.
// The wall timeout uses the same clock and only ends a call first when it is the
// shorter of the two.
//
//	ec := sandbox.NewExecutionContext("filter", "3", event)
//	guard, ctx := sandbox.Enforce(parent, ec, limits)
//	defer guard.Release()
//
//	_, err := fn.Call(ctx, args...)
//	if f := guard.Fault(); f != nil {
//		return f
//	}
//
// # Host call quota
//
// Calls 1..MaxHostCalls succeed. Under QuotaRecoverable (the default) calls past the quota
// return HostCallQuotaExceeded to the plugin until the hard ceiling, and the call past the
// ceiling aborts execution. Under QuotaFatal the first call past the quota aborts.
package sandbox
