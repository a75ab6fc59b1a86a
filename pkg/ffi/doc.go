// Package ffi is the handle-based boundary used by foreign callers.
//
// Engines are referenced by opaque non-zero handles instead of pointers, so a
// stale or forged handle is rejected with StatusInvalidHandle rather than
// dereferenced. Every call returns a Status and recovers panics; nothing
// unwinds into the caller. Free is idempotent.
//
// The cmd/libzenith package exports these functions with C linkage.
package ffi
