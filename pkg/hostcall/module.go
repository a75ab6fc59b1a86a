package hostcall

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// parameterNames documents host function parameters in the guest's view.
var parameterNames = map[string][]string{
	FuncLog:               {"level", "ptr", "len"},
	FuncReadEventMetadata: {"key_ptr", "key_len", "out_ptr", "out_cap"},
}

// Register instantiates the host module in r. It must run before any guest
// module importing it is instantiated in the same runtime. Signatures come
// from Surface so validation and linking agree.
func (h *Interface) Register(ctx context.Context, r wazero.Runtime) error {
	impls := map[string]api.GoModuleFunc{
		FuncLog:               h.logFn,
		FuncNow:               h.nowFn,
		FuncReadEventMetadata: h.readEventMetadataFn,
		FuncCallCount:         h.callCountFn,
	}

	b := r.NewHostModuleBuilder(ModuleName)
	for _, fn := range Surface() {
		fb := b.NewFunctionBuilder().WithGoModuleFunction(impls[fn.Name], fn.Params, fn.Results)
		if names := parameterNames[fn.Name]; len(names) > 0 {
			fb = fb.WithParameterNames(names...)
		}
		b = fb.Export(fn.Name)
	}
	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// fail writes the status for err into the result slot, or unwinds the guest
// when the guard terminated the call.
func fail(stack []uint64, err error) {
	status, ok := statusFor(err)
	if !ok {
		panic(err)
	}
	stack[0] = api.EncodeI32(status)
}

func (h *Interface) logFn(ctx context.Context, mod api.Module, stack []uint64) {
	level := Level(api.DecodeI32(stack[0]))
	ptr := api.DecodeU32(stack[1])
	length := api.DecodeU32(stack[2])

	if length > MaxLogMessage {
		length = MaxLogMessage
	}
	buf, ok := readMemory(mod, ptr, length)
	if !ok {
		if _, err := h.enter(ctx, FuncLog); err != nil {
			fail(stack, err)
			return
		}
		stack[0] = api.EncodeI32(StatusBadMemory)
		return
	}

	if err := h.Log(ctx, level, string(buf)); err != nil {
		fail(stack, err)
		return
	}
	stack[0] = api.EncodeI32(0)
}

func (h *Interface) nowFn(ctx context.Context, _ api.Module, stack []uint64) {
	ts, err := h.Now(ctx)
	if err != nil {
		status, ok := statusFor(err)
		if !ok {
			panic(err)
		}
		stack[0] = api.EncodeI64(int64(status))
		return
	}
	stack[0] = api.EncodeI64(ts)
}

func (h *Interface) readEventMetadataFn(ctx context.Context, mod api.Module, stack []uint64) {
	keyPtr := api.DecodeU32(stack[0])
	keyLen := api.DecodeU32(stack[1])
	outPtr := api.DecodeU32(stack[2])
	outCap := api.DecodeU32(stack[3])

	key, ok := readMemory(mod, keyPtr, keyLen)
	if !ok {
		if _, err := h.enter(ctx, FuncReadEventMetadata); err != nil {
			fail(stack, err)
			return
		}
		stack[0] = api.EncodeI32(StatusBadMemory)
		return
	}

	value, found, err := h.ReadEventMetadata(ctx, string(key))
	if err != nil {
		fail(stack, err)
		return
	}
	switch {
	case !found:
		stack[0] = api.EncodeI32(StatusNotFound)
	case uint32(len(value)) > outCap:
		stack[0] = api.EncodeI32(StatusBufferTooSmall)
	case mod.Memory() == nil || !mod.Memory().Write(outPtr, []byte(value)):
		stack[0] = api.EncodeI32(StatusBadMemory)
	default:
		stack[0] = api.EncodeI32(int32(len(value)))
	}
}

func (h *Interface) callCountFn(ctx context.Context, _ api.Module, stack []uint64) {
	n, err := h.CallCount(ctx)
	if err != nil {
		fail(stack, err)
		return
	}
	stack[0] = api.EncodeI32(n)
}

// readMemory copies length bytes at ptr out of the guest memory.
func readMemory(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}
