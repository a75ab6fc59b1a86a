package wasmtest

// HostModule is the import module name of the host call interface.
const HostModule = "zenith"

var (
	callCountType = FuncType{Results: []ValType{I32}}
	nowType       = FuncType{Results: []ValType{I64}}
	logType       = FuncType{Params: []ValType{I32, I32, I32}, Results: []ValType{I32}}
	metadataType  = FuncType{Params: []ValType{I32, I32, I32, I32}, Results: []ValType{I32}}
	unitType      = FuncType{}
	i32Type       = FuncType{Results: []ValType{I32}}
)

// Constant exports on_event returning v.
func Constant(v int32) []byte {
	return ConstantAt("on_event", v)
}

// ConstantAt exports an entrypoint called export returning v.
func ConstantAt(export string, v int32) []byte {
	m := New()
	m.ExportFunc(export, m.Func(EventFunc, nil, I32Const(v)))
	return m.Bytes()
}

// Versioned is Constant(1) plus a version export returning version.
func Versioned(version int32) []byte {
	m := New()
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(1)))
	m.ExportFunc("version", m.Func(i32Type, nil, I32Const(version)))
	return m.Bytes()
}

// WithInit is Constant(1) plus an init export returning ret.
func WithInit(ret int32) []byte {
	m := New()
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(1)))
	m.ExportFunc("init", m.Func(i32Type, nil, I32Const(ret)))
	return m.Bytes()
}

// Named is Constant(v) carrying a zenith.name custom section.
func Named(pluginName string, v int32) []byte {
	m := New()
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(v)))
	m.Custom("zenith.name", []byte(pluginName))
	return m.Bytes()
}

// SourceFilter drops events whose source_id equals blocked and allows the rest.
func SourceFilter(blocked int32) []byte {
	m := New()
	m.ExportFunc("on_event", m.Func(EventFunc, nil,
		LocalGet(0), I32Const(blocked), I32Eq(), I32Eqz(),
	))
	return m.Bytes()
}

// InfiniteLoop never returns from on_event.
func InfiniteLoop() []byte {
	m := New()
	m.ExportFunc("on_event", m.Func(EventFunc, nil,
		Loop(), Br(0), End(),
		I32Const(1),
	))
	return m.Bytes()
}

// Trap executes unreachable.
func Trap() []byte {
	m := New()
	m.ExportFunc("on_event", m.Func(EventFunc, nil, Unreachable()))
	return m.Bytes()
}

// HostCaller calls call_count the given number of times. When stopOnError is
// set, the first negative result is returned from on_event; otherwise errors
// are ignored and the loop keeps calling. Returns 1 after the loop.
func HostCaller(calls int32, stopOnError bool) []byte {
	m := New()
	cc := m.ImportFunc(HostModule, "call_count", callCountType)

	// locals: 2 = counter, 3 = last result
	body := [][]byte{
		Block(), Loop(),
		LocalGet(2), I32Const(calls), I32GeS(), BrIf(1),
		Call(cc), LocalSet(3),
	}
	if stopOnError {
		body = append(body,
			LocalGet(3), I32Const(0), I32LtS(), If(),
			LocalGet(3), Return(),
			End(),
		)
	}
	body = append(body,
		LocalGet(2), I32Const(1), I32Add(), LocalSet(2),
		Br(0),
		End(), End(),
		I32Const(1),
	)
	m.ExportFunc("on_event", m.Func(EventFunc, []ValType{I32, I32}, body...))
	return m.Bytes()
}

// Logger logs msg at level once per call and allows the event.
func Logger(level int32, msg string) []byte {
	m := New()
	log := m.ImportFunc(HostModule, "log", logType)
	m.Memory(1).Data(0, []byte(msg))
	m.ExportFunc("on_event", m.Func(EventFunc, nil,
		I32Const(level), I32Const(0), I32Const(int32(len(msg))), Call(log), Drop(),
		I32Const(1),
	))
	return m.Bytes()
}

// MetadataReader reads key into a 64 byte buffer and returns the host result.
func MetadataReader(key string) []byte {
	m := New()
	read := m.ImportFunc(HostModule, "read_event_metadata", metadataType)
	m.Memory(1).Data(0, []byte(key))
	m.ExportFunc("on_event", m.Func(EventFunc, nil,
		I32Const(0), I32Const(int32(len(key))), I32Const(256), I32Const(64), Call(read),
	))
	return m.Bytes()
}

// NowCaller returns 1 when now() reports a positive timestamp.
func NowCaller() []byte {
	m := New()
	now := m.ImportFunc(HostModule, "now", nowType)
	m.ExportFunc("on_event", m.Func(EventFunc, nil,
		Call(now), I64Const(0), I64GtS(),
	))
	return m.Bytes()
}

// DisallowedImport imports a function outside the host call surface.
func DisallowedImport() []byte {
	m := New()
	m.ImportFunc("env", "evil", unitType)
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(1)))
	return m.Bytes()
}

// ImportsMemory imports its linear memory from the host.
func ImportsMemory() []byte {
	m := New()
	m.ImportMemory(HostModule, "memory", 1)
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(1)))
	return m.Bytes()
}

// ImportsGlobal imports an i32 global.
func ImportsGlobal() []byte {
	m := New()
	m.ImportGlobal("env", "g", I32)
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(1)))
	return m.Bytes()
}

// ImportsTable imports a function table.
func ImportsTable() []byte {
	m := New()
	m.ImportTable("env", "table", 1)
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(1)))
	return m.Bytes()
}

// WrongSignature imports zenith.log without parameters.
func WrongSignature() []byte {
	m := New()
	m.ImportFunc(HostModule, "log", i32Type)
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(1)))
	return m.Bytes()
}

// LargeMemory declares a memory of minPages pages.
func LargeMemory(minPages uint32) []byte {
	m := New()
	m.Memory(minPages)
	m.ExportFunc("on_event", m.Func(EventFunc, nil, I32Const(1)))
	return m.Bytes()
}

// NoEntrypoint exports only a helper function.
func NoEntrypoint() []byte {
	m := New()
	m.ExportFunc("helper", m.Func(i32Type, nil, I32Const(1)))
	return m.Bytes()
}
