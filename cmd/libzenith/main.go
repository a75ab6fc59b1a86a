// Command libzenith builds the engine as a C shared library:
//
//	go build -buildmode=c-shared -o libzenith.so ./cmd/libzenith
//
// Handles are opaque non-zero integers. Every function returns a status code
// and never unwinds into the caller.
package main

/*
#include <stddef.h>
#include <stdint.h>

typedef struct {
	uint32_t buffer_len;
	uint32_t plugin_count;
	uint64_t events_processed;
	uint64_t events_allowed;
	uint64_t events_dropped;
	uint64_t tasks_failed;
	uint64_t tasks_timed_out;
} zenith_stats_t;
*/
import "C"

import (
	"math"
	"unsafe"

	"github.com/platinummonkey/zenith/pkg/ffi"
)

//export zenith_init
func zenith_init(bufferSize C.uint32_t) C.uint64_t {
	return C.uint64_t(ffi.Init(uint32(bufferSize)))
}

//export zenith_load_plugin
func zenith_load_plugin(handle C.uint64_t, wasm *C.uint8_t, length C.size_t) C.int32_t {
	if wasm == nil {
		return C.int32_t(ffi.StatusInvalidHandle)
	}
	if uint64(length) > math.MaxInt32 {
		return C.int32_t(ffi.StatusConversion)
	}
	bytecode := C.GoBytes(unsafe.Pointer(wasm), C.int(length))
	return C.int32_t(ffi.LoadPlugin(ffi.Handle(handle), bytecode))
}

//export zenith_get_stats
func zenith_get_stats(handle C.uint64_t, out *C.zenith_stats_t) C.int32_t {
	if out == nil {
		return C.int32_t(ffi.StatusInvalidHandle)
	}
	stats, st := ffi.GetStats(ffi.Handle(handle))
	if st != ffi.StatusOK {
		return C.int32_t(st)
	}
	out.buffer_len = C.uint32_t(stats.BufferLen)
	out.plugin_count = C.uint32_t(stats.PluginCount)
	out.events_processed = C.uint64_t(stats.EventsProcessed)
	out.events_allowed = C.uint64_t(stats.EventsAllowed)
	out.events_dropped = C.uint64_t(stats.EventsDropped)
	out.tasks_failed = C.uint64_t(stats.TasksFailed)
	out.tasks_timed_out = C.uint64_t(stats.TasksTimedOut)
	return C.int32_t(ffi.StatusOK)
}

//export zenith_submit_event
func zenith_submit_event(handle C.uint64_t, sourceID C.int32_t, seqNo C.int64_t, priority C.int32_t) C.int32_t {
	return C.int32_t(ffi.SubmitEvent(ffi.Handle(handle), int32(sourceID), int64(seqNo), int32(priority)))
}

//export zenith_free
func zenith_free(handle C.uint64_t) {
	ffi.Free(ffi.Handle(handle))
}

func main() {}
