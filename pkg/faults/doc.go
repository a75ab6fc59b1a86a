// Package faults defines the error taxonomy shared by every layer of the runtime.
//
// # Overview
//
// Every failure that crosses a component boundary is a *Fault carrying a Kind
// (which layer rejected the work) and a Code (why). Callers match on sentinels
// with errors.Is, so wrapping with fmt.Errorf("...: %w", err) keeps them usable:
//
//	if errors.Is(err, faults.ErrSchedulerFull) {
//		// retry later or drop
//	}
//
//	if errors.Is(err, faults.ErrDisallowedImport) {
//		// reject and report, the bytecode must be rebuilt
//	}
//
// # Kinds
//
//   - Validation: malformed bytecode, disallowed import, oversize module
//   - Instantiation: the backend could not prepare a runnable instance
//   - Execution: trap, plugin rejection, timeout, missing export, disabled plugin
//   - SchedulerFull: per-priority queue depth reached
//   - HostCallQuota: plugin exceeded its host-call quota
//   - Init, NotFound, Closed: engine lifecycle conditions
//
// Attributes(kind) reports whether a kind is worth retrying.
package faults
