package plugins

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/internal/wasmtest"
	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/hostcall"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/scheduler"
	"github.com/platinummonkey/zenith/pkg/vm"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	ctx := context.Background()
	backend := vm.NewWazeroBackend(hostcall.New(observability.NewNopLogger()))
	validator := sandbox.NewValidator(ctx, sandbox.ValidatorConfig{AllowedImports: hostcall.Surface()})
	r := NewRegistry(backend, validator, append([]Option{WithLogger(quietLog())}, opts...)...)
	t.Cleanup(func() {
		r.Close(ctx)
		validator.Close(ctx)
		backend.Close(ctx)
	})
	return r
}

func call(t *testing.T, v *Version) (vm.Result, error) {
	t.Helper()
	ec := sandbox.NewExecutionContext(v.Metadata().Name, v.Metadata().Version, nil)
	return v.Call(context.Background(), ec, 1, 1)
}

func TestRegistry_Load(t *testing.T) {
	r := newRegistry(t)
	bytecode := wasmtest.Constant(1)

	meta, err := r.Load(context.Background(), bytecode, LoadOptions{Name: "allow", Priority: scheduler.PriorityHigh})
	require.NoError(t, err)

	assert.Equal(t, "allow", meta.Name)
	assert.Equal(t, sandbox.HashBytecode(bytecode), meta.Hash)
	assert.Equal(t, meta.Hash[:12], meta.Version)
	assert.Equal(t, vm.EntryPoint, meta.Entrypoint)
	assert.Equal(t, scheduler.PriorityHigh, meta.Priority)
	assert.Equal(t, SourceAPI, meta.Source)
	assert.Equal(t, sandbox.DefaultLimits(), meta.Limits)
	require.Len(t, meta.Exports, 1)
	assert.Equal(t, vm.EntryPoint, meta.Exports[0].Name)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get("allow")
	require.True(t, ok)
	assert.Same(t, meta, got)
}

func TestRegistry_CustomEntrypointVerdicts(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		value   int32
		verdict vm.Verdict
		reject  bool
	}{
		{"allow", 1, vm.VerdictAllow, false},
		{"drop", 0, vm.VerdictDrop, false},
		{"reject", -1, vm.VerdictDrop, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := r.Load(ctx, wasmtest.ConstantAt("process", tt.value), LoadOptions{Name: tt.name, Entrypoint: "process"})
			require.NoError(t, err)
			assert.Equal(t, "process", meta.Entrypoint)

			v, err := r.Acquire(tt.name)
			require.NoError(t, err)
			defer v.Release()

			res, err := call(t, v)
			assert.Equal(t, tt.value, res.Value)
			assert.Equal(t, tt.verdict, res.Verdict)
			if tt.reject {
				assert.ErrorIs(t, err, faults.ErrRejected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_RejectsImportsBeforeInstantiation(t *testing.T) {
	r := newRegistry(t)
	for name, bytecode := range map[string][]byte{
		"global":    wasmtest.ImportsGlobal(),
		"table":     wasmtest.ImportsTable(),
		"signature": wasmtest.WrongSignature(),
	} {
		_, err := r.Load(context.Background(), bytecode, LoadOptions{Name: name})
		assert.ErrorIs(t, err, faults.ErrDisallowedImport, name)
		assert.Equal(t, faults.KindValidation, faults.KindOf(err), name)
	}
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_FromSource(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	_, err := r.Load(ctx, wasmtest.Constant(1), LoadOptions{Name: "renamed", Source: "/plugins/filter.wasm"})
	require.NoError(t, err)
	_, err = r.Load(ctx, wasmtest.Constant(1), LoadOptions{Name: "filter"})
	require.NoError(t, err)

	got := r.FromSource("/plugins/./filter.wasm")
	require.Len(t, got, 1)
	assert.Equal(t, "renamed", got[0].Name)
	assert.Empty(t, r.FromSource("/plugins/other.wasm"))
	assert.Empty(t, r.FromSource(SourceAPI))
}

func TestRegistry_IdempotentLoad(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	bytecode := wasmtest.Constant(1)

	first, err := r.Load(ctx, bytecode, LoadOptions{Name: "p"})
	require.NoError(t, err)
	second, err := r.Load(ctx, bytecode, LoadOptions{Name: "p"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, int64(1), r.CacheStats().Hits, "second load skips validation")

	// different limits are a different publication
	third, err := r.Load(ctx, bytecode, LoadOptions{Name: "p", Limits: sandbox.Limits{MaxHostCalls: 5}})
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 5, third.Limits.MaxHostCalls)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_Identity(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	named, err := r.Load(ctx, wasmtest.Named("custom", 1), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "custom", named.Name)

	explicit, err := r.Load(ctx, wasmtest.Named("custom", 2), LoadOptions{Name: "explicit"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", explicit.Name)

	anon := wasmtest.Constant(3)
	derived, err := r.Load(ctx, anon, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "plugin-"+sandbox.HashBytecode(anon)[:12], derived.Name)

	_, err = r.Load(ctx, anon, LoadOptions{Name: "../escape"})
	assert.ErrorIs(t, err, faults.ErrValidation)

	assert.Equal(t, []string{"custom", "explicit", derived.Name}, r.Names())
}

func TestRegistry_Versions(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	meta, err := r.Load(ctx, wasmtest.Versioned(4), LoadOptions{Name: "v"})
	require.NoError(t, err)
	assert.Equal(t, "4", meta.Version)

	meta, err = r.Load(ctx, wasmtest.Versioned(5), LoadOptions{Name: "v", Version: "2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", meta.Version)
}

func TestRegistry_HotReloadKeepsHeldVersion(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Load(ctx, wasmtest.Constant(1), LoadOptions{Name: "p"})
	require.NoError(t, err)
	old, err := r.Acquire("p")
	require.NoError(t, err)

	_, err = r.Load(ctx, wasmtest.Constant(0), LoadOptions{Name: "p"})
	require.NoError(t, err)

	res, err := call(t, old)
	require.NoError(t, err)
	assert.Equal(t, vm.VerdictAllow, res.Verdict, "held version still runs the old module")

	current, err := r.Acquire("p")
	require.NoError(t, err)
	res, err = call(t, current)
	require.NoError(t, err)
	assert.Equal(t, vm.VerdictDrop, res.Verdict)
	current.Release()

	select {
	case <-old.Done():
		t.Fatal("old version torn down while held")
	default:
	}
	old.Release()
	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatal("old version not torn down after release")
	}
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_FailedReloadKeepsPrevious(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	good, err := r.Load(ctx, wasmtest.Constant(1), LoadOptions{Name: "p"})
	require.NoError(t, err)

	_, err = r.Load(ctx, []byte("not wasm"), LoadOptions{Name: "p"})
	assert.ErrorIs(t, err, faults.ErrValidation)

	_, err = r.Load(ctx, wasmtest.WithInit(0), LoadOptions{Name: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrInstantiation)
	assert.Equal(t, "p", faultPlugin(err))

	_, err = r.Load(ctx, wasmtest.DisallowedImport(), LoadOptions{Name: "p"})
	assert.ErrorIs(t, err, faults.ErrDisallowedImport)

	current, ok := r.Get("p")
	require.True(t, ok)
	assert.Same(t, good, current)
}

func TestRegistry_AcquireAndUnload(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire("missing")
	assert.ErrorIs(t, err, faults.ErrNotFound)
	assert.Equal(t, faults.StatusInvalidHandle, faults.StatusOf(err))

	_, err = r.Load(ctx, wasmtest.Constant(1), LoadOptions{Name: "p"})
	require.NoError(t, err)
	held, err := r.Acquire("p")
	require.NoError(t, err)
	assert.Equal(t, 2, held.Refs())

	require.NoError(t, r.Unload("p"))
	assert.ErrorIs(t, r.Unload("p"), faults.ErrNotFound)
	assert.Equal(t, 0, r.Count())
	_, err = r.Acquire("p")
	assert.ErrorIs(t, err, faults.ErrNotFound)

	_, err = call(t, held)
	require.NoError(t, err)
	held.Release()
	<-held.Done()
}

func TestRegistry_ConcurrentAcquireDuringReload(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	_, err := r.Load(ctx, wasmtest.Constant(1), LoadOptions{Name: "p"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, err := r.Acquire("p")
				if err != nil {
					errs <- err
					return
				}
				ec := sandbox.NewExecutionContext("p", v.Metadata().Version, nil)
				if _, err := v.Call(ctx, ec, 1, 1); err != nil {
					errs <- err
				}
				v.Release()
			}
		}()
	}

	for i := 0; i < 10; i++ {
		_, err := r.Load(ctx, wasmtest.Constant(int32(i%2)), LoadOptions{Name: "p"})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRegistry_CloseWaitsForHolders(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	_, err := r.Load(ctx, wasmtest.Constant(1), LoadOptions{Name: "p"})
	require.NoError(t, err)
	held, err := r.Acquire("p")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(short), context.DeadlineExceeded)

	held.Release()
	require.NoError(t, r.Close(ctx))
}

func TestResolveName(t *testing.T) {
	m := &sandbox.ValidatedModule{Hash: "abcdef0123456789", CustomName: "inner"}
	assert.Equal(t, "outer", ResolveName("outer", m))
	assert.Equal(t, "inner", ResolveName("", m))
	m.CustomName = ""
	assert.Equal(t, "plugin-abcdef012345", ResolveName("", m))
}

func faultPlugin(err error) string {
	var f *faults.Fault
	if errors.As(err, &f) {
		return f.Plugin
	}
	return ""
}
