package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/platinummonkey/zenith/pkg/faults"
)

// DefaultMaxModuleSize is the bytecode size ceiling when none is configured.
const DefaultMaxModuleSize = 8 * 1024 * 1024

// NameSection is the custom section a module may use to declare its plugin name.
const NameSection = "zenith.name"

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

const wasmVersion = 1

// Import identifies an imported function.
type Import struct {
	Module string
	Name   string
}

func (i Import) String() string {
	return i.Module + "." + i.Name
}

// HostFunction is an import a module may declare and the signature it must
// declare it with.
type HostFunction struct {
	Import
	Params  []api.ValueType
	Results []api.ValueType
}

func (f HostFunction) matches(def api.FunctionDefinition) bool {
	return slices.Equal(f.Params, def.ParamTypes()) && slices.Equal(f.Results, def.ResultTypes())
}

func signature(params, results []api.ValueType) string {
	names := func(types []api.ValueType) []string {
		out := make([]string, len(types))
		for i, t := range types {
			out[i] = api.ValueTypeName(t)
		}
		return out
	}
	return fmt.Sprintf("(%v) -> (%v)", names(params), names(results))
}

// ValidatedModule is bytecode that passed validation.
type ValidatedModule struct {
	Bytecode   []byte
	Hash       string
	Size       int
	Imports    []Import
	Exports    []string
	CustomName string
}

// HasExport reports whether the module exports a function called name.
func (m *ValidatedModule) HasExport(name string) bool {
	for _, e := range m.Exports {
		if e == name {
			return true
		}
	}
	return false
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	MaxModuleSize  int
	AllowedImports []HostFunction
}

// Validator checks candidate bytecode without instantiating it.
type Validator struct {
	maxSize int
	allowed map[Import]HostFunction

	mu      sync.Mutex
	runtime wazero.Runtime
}

// NewValidator creates a validator backed by a compile-only wazero runtime.
func NewValidator(ctx context.Context, cfg ValidatorConfig) *Validator {
	if cfg.MaxModuleSize <= 0 {
		cfg.MaxModuleSize = DefaultMaxModuleSize
	}
	allowed := make(map[Import]HostFunction, len(cfg.AllowedImports))
	for _, fn := range cfg.AllowedImports {
		allowed[fn.Import] = fn
	}
	rtCfg := wazero.NewRuntimeConfigInterpreter().WithCustomSections(true)
	return &Validator{
		maxSize: cfg.MaxModuleSize,
		allowed: allowed,
		runtime: wazero.NewRuntimeWithConfig(ctx, rtCfg),
	}
}

// HashBytecode returns the hex sha256 of bytecode.
func HashBytecode(bytecode []byte) string {
	sum := sha256.Sum256(bytecode)
	return hex.EncodeToString(sum[:])
}

// Validate checks size, header, well-formedness and imports.
func (v *Validator) Validate(ctx context.Context, bytecode []byte) (*ValidatedModule, error) {
	if len(bytecode) > v.maxSize {
		return nil, faults.Validation(faults.CodeOversize, "module is %d bytes, ceiling is %d", len(bytecode), v.maxSize)
	}
	if err := checkHeader(bytecode); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.runtime == nil {
		return nil, faults.New(faults.KindClosed, "", "validator closed")
	}

	compiled, err := v.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, &faults.Fault{Kind: faults.KindValidation, Code: faults.CodeMalformed, Message: "module failed to compile", Cause: err}
	}
	defer compiled.Close(ctx)

	if imp, kind, ok := nonFunctionImport(bytecode); ok {
		return nil, faults.Validation(faults.CodeDisallowedImport, "%s import %s not allowed", kind, imp)
	}

	module := &ValidatedModule{
		Bytecode: bytecode,
		Hash:     HashBytecode(bytecode),
		Size:     len(bytecode),
	}

	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		imp := Import{Module: mod, Name: name}
		fn, ok := v.allowed[imp]
		if !ok {
			return nil, faults.Validation(faults.CodeDisallowedImport, "import %s is outside the host call interface", imp)
		}
		if !fn.matches(def) {
			return nil, faults.Validation(faults.CodeDisallowedImport, "import %s declared as %s, host provides %s",
				imp, signature(def.ParamTypes(), def.ResultTypes()), signature(fn.Params, fn.Results))
		}
		module.Imports = append(module.Imports, imp)
	}

	for name := range compiled.ExportedFunctions() {
		module.Exports = append(module.Exports, name)
	}
	sort.Strings(module.Exports)

	for _, section := range compiled.CustomSections() {
		if section.Name() == NameSection {
			module.CustomName = string(bytes.TrimSpace(section.Data()))
		}
	}

	return module, nil
}

// Close releases the compile runtime. Validate fails afterwards.
func (v *Validator) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.runtime == nil {
		return nil
	}
	err := v.runtime.Close(ctx)
	v.runtime = nil
	return err
}

func checkHeader(bytecode []byte) error {
	if len(bytecode) < 8 {
		return faults.Validation(faults.CodeMalformed, "module too small (%d bytes)", len(bytecode))
	}
	if !bytes.Equal(bytecode[:4], wasmMagic) {
		return faults.Validation(faults.CodeMalformed, "invalid magic number %x", bytecode[:4])
	}
	if version := binary.LittleEndian.Uint32(bytecode[4:8]); version != wasmVersion {
		return faults.Validation(faults.CodeMalformed, "unsupported binary version %d", version)
	}
	return nil
}

const (
	importSectionID = 2
	externFunc      = 0x00
)

var externKinds = map[byte]string{0x01: "table", 0x02: "memory", 0x03: "global", 0x04: "tag"}

// nonFunctionImport returns the first table, memory, global or tag import of
// a module that already compiled. Only the import section is decoded.
func nonFunctionImport(bytecode []byte) (Import, string, bool) {
	r := bytes.NewReader(bytecode[8:])
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return Import{}, "", false
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return Import{}, "", false
		}
		if id != importSectionID {
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return Import{}, "", false
			}
			continue
		}

		count, err := binary.ReadUvarint(r)
		if err != nil {
			return Import{}, "", false
		}
		for i := uint64(0); i < count; i++ {
			mod, err1 := readName(r)
			name, err2 := readName(r)
			kind, err3 := r.ReadByte()
			if err := errors.Join(err1, err2, err3); err != nil {
				return Import{}, "", false
			}
			if kind != externFunc {
				k, ok := externKinds[kind]
				if !ok {
					k = "unknown"
				}
				return Import{Module: mod, Name: name}, k, true
			}
			if _, err := binary.ReadUvarint(r); err != nil {
				return Import{}, "", false
			}
		}
		return Import{}, "", false
	}
	return Import{}, "", false
}

func readName(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// String describes the module for logs.
func (m *ValidatedModule) String() string {
	return fmt.Sprintf("module(%s, %d bytes, %d exports)", shortHash(m.Hash), m.Size, len(m.Exports))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
