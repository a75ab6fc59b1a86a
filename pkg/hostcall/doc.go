// Package hostcall implements the functions plugins may import from the host.
//
// ABI version 1 exposes four functions in the "zenith" import module:
//
//	log(level i32, ptr i32, len i32) -> i32
//	now() -> i64
//	read_event_metadata(key_ptr i32, key_len i32, out_ptr i32, out_cap i32) -> i32
//	call_count() -> i32
//
// Every call is counted against the host-call quota of the active sandbox guard
// before it does any work. A refused call returns StatusQuotaExceeded to the
// plugin; a call the guard terminates unwinds the plugin instead of returning.
//
// There is deliberately no filesystem, network or host memory access here.
package hostcall
