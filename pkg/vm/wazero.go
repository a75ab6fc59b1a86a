package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/hostcall"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
)

// program is a compiled module inside its own runtime, shared by every
// instance of the same bytecode and memory limit.
type program struct {
	key      string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	exports  []FunctionSignature
	refs     int
}

// WazeroBackend runs modules on wazero.
type WazeroBackend struct {
	host        *hostcall.Interface
	cache       wazero.CompilationCache
	interpreter bool

	mu       sync.Mutex
	programs map[string]*program
	closed   bool
}

// BackendOption configures a WazeroBackend.
type BackendOption func(*WazeroBackend)

// WithInterpreter selects the interpreter engine instead of the compiler.
func WithInterpreter() BackendOption {
	return func(b *WazeroBackend) { b.interpreter = true }
}

// NewWazeroBackend creates a backend whose modules link against host.
func NewWazeroBackend(host *hostcall.Interface, opts ...BackendOption) *WazeroBackend {
	b := &WazeroBackend{
		host:     host,
		cache:    wazero.NewCompilationCache(),
		programs: make(map[string]*program),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *WazeroBackend) runtimeConfig(limits sandbox.Limits) wazero.RuntimeConfig {
	cfg := wazero.NewRuntimeConfig()
	if b.interpreter {
		cfg = wazero.NewRuntimeConfigInterpreter()
	}
	return cfg.
		WithMemoryLimitPages(limits.MemoryPages()).
		WithCloseOnContextDone(true).
		WithCompilationCache(b.cache)
}

// acquireProgram returns the shared program for module and limits, compiling it on first use.
func (b *WazeroBackend) acquireProgram(ctx context.Context, plugin string, module *sandbox.ValidatedModule, limits sandbox.Limits) (*program, error) {
	key := module.Hash + "/" + strconv.FormatUint(uint64(limits.MemoryPages()), 10)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, faults.New(faults.KindClosed, "", "backend closed")
	}
	if p, ok := b.programs[key]; ok {
		p.refs++
		return p, nil
	}

	r := wazero.NewRuntimeWithConfig(ctx, b.runtimeConfig(limits))
	if err := b.host.Register(ctx, r); err != nil {
		r.Close(ctx)
		return nil, faults.Instantiation(plugin, faults.CodeBackend, err)
	}
	compiled, err := r.CompileModule(ctx, module.Bytecode)
	if err != nil {
		r.Close(ctx)
		return nil, faults.Instantiation(plugin, faults.CodeBackend, err)
	}

	p := &program{
		key:      key,
		runtime:  r,
		compiled: compiled,
		exports:  signatures(compiled.ExportedFunctions()),
		refs:     1,
	}
	b.programs[key] = p
	return p, nil
}

func (b *WazeroBackend) releaseProgram(ctx context.Context, p *program) error {
	b.mu.Lock()
	p.refs--
	last := p.refs == 0
	if last && b.programs[p.key] == p {
		delete(b.programs, p.key)
	}
	b.mu.Unlock()

	if last {
		return p.runtime.Close(ctx)
	}
	return nil
}

// Programs returns the number of live compiled programs.
func (b *WazeroBackend) Programs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.programs)
}

// Instantiate creates an instance and runs its init and version exports under
// limits. The plugin name for faults is taken from the context.
func (b *WazeroBackend) Instantiate(ctx context.Context, module *sandbox.ValidatedModule, limits sandbox.Limits) (Instance, error) {
	plugin := observability.GetPlugin(ctx)
	if plugin == "" {
		plugin = module.CustomName
	}

	p, err := b.acquireProgram(ctx, plugin, module, limits)
	if err != nil {
		return nil, err
	}

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		b.releaseProgram(ctx, p)
		return nil, faults.Instantiation(plugin, faults.CodeBackend, err)
	}

	inst := &wazeroInstance{
		backend: b,
		program: p,
		module:  mod,
		plugin:  plugin,
		limits:  limits,
	}

	if err := inst.initialize(ctx); err != nil {
		inst.Close(ctx)
		return nil, err
	}
	return inst, nil
}

// Close closes every runtime. Instances still open become unusable.
func (b *WazeroBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	programs := b.programs
	b.programs = make(map[string]*program)
	b.mu.Unlock()

	var errs []error
	for _, p := range programs {
		if err := p.runtime.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type wazeroInstance struct {
	backend *WazeroBackend
	program *program
	module  api.Module
	plugin  string
	limits  sandbox.Limits
	version string

	mu     sync.Mutex
	closed bool
}

// initialize runs the optional init and version exports.
func (i *wazeroInstance) initialize(ctx context.Context) error {
	if i.module.ExportedFunction(InitExport) != nil {
		ec := sandbox.NewExecutionContext(i.plugin, "", nil)
		res, err := i.Call(ctx, InitExport, ec)
		if err != nil {
			f := faults.Wrap(faults.KindInstantiation, faults.CodeInitRejected, err, "init failed")
			f.Plugin = i.plugin
			return f
		}
		if res.Value != 1 {
			f := faults.Instantiation(i.plugin, faults.CodeInitRejected, nil)
			f.Message = fmt.Sprintf("init returned %d", res.Value)
			return f
		}
	}

	if i.module.ExportedFunction(VersionExport) != nil {
		ec := sandbox.NewExecutionContext(i.plugin, "", nil)
		res, err := i.Call(ctx, VersionExport, ec)
		if err != nil {
			f := faults.Wrap(faults.KindInstantiation, faults.CodeBackend, err, "version export failed")
			f.Plugin = i.plugin
			return f
		}
		i.version = strconv.FormatInt(int64(res.Value), 10)
	}
	return nil
}

func (i *wazeroInstance) Exports() []FunctionSignature {
	return i.program.exports
}

func (i *wazeroInstance) Version() string {
	return i.version
}

// Call runs fn under a guard built from the instance limits.
func (i *wazeroInstance) Call(ctx context.Context, fn string, ec *sandbox.ExecutionContext, args ...uint64) (res Result, err error) {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return res, faults.Execution(i.plugin, faults.CodeTrap, "instance closed", nil)
	}

	f := i.module.ExportedFunction(fn)
	if f == nil {
		return res, faults.Execution(i.plugin, faults.CodeMissingExport, fmt.Sprintf("export %q not found", fn), nil)
	}
	if ec == nil {
		ec = sandbox.NewExecutionContext(i.plugin, i.version, nil)
	}

	guard, callCtx := sandbox.Enforce(ctx, ec, i.limits)
	defer func() { res.Usage = guard.Release() }()
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			err = faults.Execution(i.plugin, faults.CodeTrap, "backend panic", perr)
		}
	}()

	results, callErr := f.Call(callCtx, args...)
	if callErr != nil {
		return res, i.classify(ctx, guard, callErr)
	}

	if len(results) > 0 {
		res.Value = api.DecodeI32(results[0])
	}
	if fn == EntryPoint {
		res.Verdict, err = VerdictOf(i.plugin, res.Value)
	}
	return res, err
}

// classify maps a failed call onto a fault. The guard's reason wins because a
// cancelled context surfaces from wazero as a generic exit error.
func (i *wazeroInstance) classify(parent context.Context, guard *sandbox.Guard, callErr error) error {
	if f := guard.Fault(); f != nil {
		return faults.WithPlugin(f, i.plugin)
	}
	if perr := parent.Err(); perr != nil {
		return faults.Execution(i.plugin, faults.CodeTimeout, "call cancelled", perr)
	}
	var f *faults.Fault
	if errors.As(callErr, &f) {
		return faults.WithPlugin(f, i.plugin)
	}
	return faults.Execution(i.plugin, faults.CodeTrap, "trap", callErr)
}

// Close closes the module and releases the shared program. Safe to call more than once.
func (i *wazeroInstance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	err := i.module.Close(ctx)
	if rerr := i.backend.releaseProgram(ctx, i.program); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func signatures(defs map[string]api.FunctionDefinition) []FunctionSignature {
	out := make([]FunctionSignature, 0, len(defs))
	for name, def := range defs {
		sig := FunctionSignature{Name: name}
		for _, t := range def.ParamTypes() {
			sig.Params = append(sig.Params, api.ValueTypeName(t))
		}
		for _, t := range def.ResultTypes() {
			sig.Results = append(sig.Results, api.ValueTypeName(t))
		}
		out = append(out, sig)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
