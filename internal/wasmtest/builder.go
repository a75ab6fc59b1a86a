// Package wasmtest assembles small WebAssembly binaries for tests.
//
// Modules are built directly in the binary format so tests do not depend on an
// external toolchain. Only the subset of the format the runtime exercises is
// supported: function types, function, memory, table and global imports, one
// memory, exports,
// active data segments and custom sections.
package wasmtest

import "bytes"

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// EventFunc is the signature of the on_event entrypoint.
var EventFunc = FuncType{Params: []ValType{I32, I64}, Results: []ValType{I32}}

type importEntry struct {
	module, name string
	kind         byte
	typeIdx      uint32
	memMin       uint32
	global       ValType
}

type funcEntry struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type exportEntry struct {
	name  string
	kind  byte
	index uint32
}

type dataEntry struct {
	offset uint32
	bytes  []byte
}

type customEntry struct {
	name string
	data []byte
}

// Module accumulates module sections. Imports must be declared before any
// function so that function indices stay stable.
type Module struct {
	types       []FuncType
	imports     []importEntry
	funcImports uint32
	funcs       []funcEntry
	memory      *uint32
	exports     []exportEntry
	data        []dataEntry
	customs     []customEntry
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

func (m *Module) typeIndex(ft FuncType) uint32 {
	for i, t := range m.types {
		if bytes.Equal(valBytes(t.Params), valBytes(ft.Params)) && bytes.Equal(valBytes(t.Results), valBytes(ft.Results)) {
			return uint32(i)
		}
	}
	m.types = append(m.types, ft)
	return uint32(len(m.types) - 1)
}

// ImportFunc declares a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, ft FuncType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: 0x00, typeIdx: m.typeIndex(ft)})
	m.funcImports++
	return m.funcImports - 1
}

// ImportMemory declares an imported memory.
func (m *Module) ImportMemory(module, name string, minPages uint32) {
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: 0x02, memMin: minPages})
}

// ImportTable declares an imported funcref table.
func (m *Module) ImportTable(module, name string, minSize uint32) {
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: 0x01, memMin: minSize})
}

// ImportGlobal declares an imported immutable global.
func (m *Module) ImportGlobal(module, name string, t ValType) {
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: 0x03, global: t})
}

// Func defines a function and returns its index. body is the instruction
// sequence without the trailing end opcode.
func (m *Module) Func(ft FuncType, locals []ValType, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, funcEntry{typeIdx: m.typeIndex(ft), locals: locals, body: Ops(body...)})
	return m.funcImports + uint32(len(m.funcs)-1)
}

// ExportFunc exports a function by index.
func (m *Module) ExportFunc(name string, idx uint32) *Module {
	m.exports = append(m.exports, exportEntry{name: name, kind: 0x00, index: idx})
	return m
}

// Memory defines the module memory and exports it as "memory".
func (m *Module) Memory(minPages uint32) *Module {
	m.memory = &minPages
	m.exports = append(m.exports, exportEntry{name: "memory", kind: 0x02, index: 0})
	return m
}

// Data adds an active data segment to memory 0.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, dataEntry{offset: offset, bytes: b})
	return m
}

// Custom adds a custom section.
func (m *Module) Custom(name string, data []byte) *Module {
	m.customs = append(m.customs, customEntry{name: name, data: data})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var items [][]byte
		for _, t := range m.types {
			item := []byte{0x60}
			item = append(item, vec(len(t.Params), valBytes(t.Params))...)
			item = append(item, vec(len(t.Results), valBytes(t.Results))...)
			items = append(items, item)
		}
		writeSection(&out, 1, vecOf(items))
	}

	if len(m.imports) > 0 {
		var items [][]byte
		for _, imp := range m.imports {
			item := append(name(imp.module), name(imp.name)...)
			item = append(item, imp.kind)
			switch imp.kind {
			case 0x00:
				item = append(item, uleb(uint64(imp.typeIdx))...)
			case 0x01:
				item = append(item, 0x70, 0x00)
				item = append(item, uleb(uint64(imp.memMin))...)
			case 0x03:
				item = append(item, byte(imp.global), 0x00)
			default:
				item = append(item, 0x00)
				item = append(item, uleb(uint64(imp.memMin))...)
			}
			items = append(items, item)
		}
		writeSection(&out, 2, vecOf(items))
	}

	if len(m.funcs) > 0 {
		var items [][]byte
		for _, f := range m.funcs {
			items = append(items, uleb(uint64(f.typeIdx)))
		}
		writeSection(&out, 3, vecOf(items))
	}

	if m.memory != nil {
		mem := append([]byte{0x00}, uleb(uint64(*m.memory))...)
		writeSection(&out, 5, vecOf([][]byte{mem}))
	}

	if len(m.exports) > 0 {
		var items [][]byte
		for _, e := range m.exports {
			item := append(name(e.name), e.kind)
			item = append(item, uleb(uint64(e.index))...)
			items = append(items, item)
		}
		writeSection(&out, 7, vecOf(items))
	}

	if len(m.funcs) > 0 {
		var items [][]byte
		for _, f := range m.funcs {
			body := encodeLocals(f.locals)
			body = append(body, f.body...)
			body = append(body, 0x0b)
			items = append(items, append(uleb(uint64(len(body))), body...))
		}
		writeSection(&out, 10, vecOf(items))
	}

	if len(m.data) > 0 {
		var items [][]byte
		for _, d := range m.data {
			item := []byte{0x00}
			item = append(item, I32Const(int32(d.offset))...)
			item = append(item, 0x0b)
			item = append(item, vec(len(d.bytes), d.bytes)...)
			items = append(items, item)
		}
		writeSection(&out, 11, vecOf(items))
	}

	for _, c := range m.customs {
		writeSection(&out, 0, append(name(c.name), c.data...))
	}

	return out.Bytes()
}

func encodeLocals(locals []ValType) []byte {
	type group struct {
		count uint32
		t     ValType
	}
	var groups []group
	for _, l := range locals {
		if n := len(groups); n > 0 && groups[n-1].t == l {
			groups[n-1].count++
			continue
		}
		groups = append(groups, group{count: 1, t: l})
	}
	out := uleb(uint64(len(groups)))
	for _, g := range groups {
		out = append(out, uleb(uint64(g.count))...)
		out = append(out, byte(g.t))
	}
	return out
}

func writeSection(out *bytes.Buffer, id byte, content []byte) {
	out.WriteByte(id)
	out.Write(uleb(uint64(len(content))))
	out.Write(content)
}

func valBytes(vs []ValType) []byte {
	out := make([]byte, len(vs))
	for i, v := range vs {
		out[i] = byte(v)
	}
	return out
}

func vec(n int, payload []byte) []byte {
	return append(uleb(uint64(n)), payload...)
}

func vecOf(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func name(s string) []byte {
	return vec(len(s), []byte(s))
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
