package wasmtest

// Instruction encoders. Each returns the bytes of one instruction.

const blockEmpty = 0x40

func Ops(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func Unreachable() []byte      { return []byte{0x00} }
func Block() []byte            { return []byte{0x02, blockEmpty} }
func Loop() []byte             { return []byte{0x03, blockEmpty} }
func If() []byte               { return []byte{0x04, blockEmpty} }
func End() []byte              { return []byte{0x0b} }
func Br(depth uint32) []byte   { return append([]byte{0x0c}, uleb(uint64(depth))...) }
func BrIf(depth uint32) []byte { return append([]byte{0x0d}, uleb(uint64(depth))...) }
func Return() []byte           { return []byte{0x0f} }
func Call(idx uint32) []byte   { return append([]byte{0x10}, uleb(uint64(idx))...) }
func Drop() []byte             { return []byte{0x1a} }

func LocalGet(idx uint32) []byte { return append([]byte{0x20}, uleb(uint64(idx))...) }
func LocalSet(idx uint32) []byte { return append([]byte{0x21}, uleb(uint64(idx))...) }

func I32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }
func I64Const(v int64) []byte { return append([]byte{0x42}, sleb(v)...) }

func I32Eqz() []byte { return []byte{0x45} }
func I32Eq() []byte  { return []byte{0x46} }
func I32LtS() []byte { return []byte{0x48} }
func I32GeS() []byte { return []byte{0x4e} }
func I64GtS() []byte { return []byte{0x55} }
func I32Add() []byte { return []byte{0x6a} }
