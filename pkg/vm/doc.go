// Package vm runs validated plugin modules behind a backend-neutral interface.
//
// A Backend turns a sandbox.ValidatedModule into Instances. An Instance is a
// single live module; Call runs one exported function under a sandbox guard
// and maps every way a call can end onto a fault:
//
//	normal return     Result, nil
//	negative result   faults.ErrRejected (on_event; plugins.Version.Call
//	                  applies the same rule to custom entrypoints)
//	trap              faults.ErrTrap
//	guard abort       faults.ErrTimeout, faults.ErrCPUBudget, faults.ErrHostCallQuota
//	missing export    faults.ErrMissingExport
//
// Instances that trapped or were aborted must not be reused. Pool keeps idle
// healthy instances per plugin version and discards the rest.
//
// WazeroBackend is the only backend. It keeps one wazero runtime per module
// hash and memory limit, configured to close modules when the call context
// is cancelled, which is how the guard interrupts runaway loops.
package vm
