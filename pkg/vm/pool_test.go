package vm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
)

type fakeInstance struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeInstance) Exports() []FunctionSignature { return nil }
func (f *fakeInstance) Version() string              { return "" }
func (f *fakeInstance) Call(context.Context, string, *sandbox.ExecutionContext, ...uint64) (Result, error) {
	return Result{Value: 1, Verdict: VerdictAllow}, nil
}
func (f *fakeInstance) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeInstance) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeBackend struct {
	created int
	err     error
	plugin  string
}

func (b *fakeBackend) Instantiate(ctx context.Context, _ *sandbox.ValidatedModule, _ sandbox.Limits) (Instance, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.created++
	b.plugin = observability.GetPlugin(ctx)
	return &fakeInstance{}, nil
}

func (b *fakeBackend) Close(context.Context) error { return nil }

func TestPool_ReusesHealthyInstances(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	seed := &fakeInstance{}
	pool := NewPool(backend, "filter", &sandbox.ValidatedModule{}, sandbox.DefaultLimits(), seed)

	inst, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, seed, inst)
	assert.Equal(t, 0, backend.created)

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.created)
	assert.Equal(t, "filter", backend.plugin)

	pool.Release(ctx, inst, true)
	pool.Release(ctx, second, true)
	assert.Equal(t, 2, pool.Idle())
}

func TestPool_DiscardsUnhealthyInstances(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	pool := NewPool(&fakeBackend{}, "filter", &sandbox.ValidatedModule{}, sandbox.DefaultLimits(), nil, WithPoolMetrics(metrics))

	inst, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(ctx, inst, false)

	assert.True(t, inst.(*fakeInstance).isClosed())
	assert.Equal(t, 0, pool.Idle())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InstancesCreated.WithLabelValues("filter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InstancesDropped.WithLabelValues("filter")))
}

func TestPool_MaxIdle(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(&fakeBackend{}, "filter", &sandbox.ValidatedModule{}, sandbox.DefaultLimits(), nil, WithMaxIdle(1))

	a, _ := pool.Acquire(ctx)
	b, _ := pool.Acquire(ctx)
	pool.Release(ctx, a, true)
	pool.Release(ctx, b, true)

	assert.Equal(t, 1, pool.Idle())
	assert.True(t, b.(*fakeInstance).isClosed())
}

func TestPool_Close(t *testing.T) {
	ctx := context.Background()
	seed := &fakeInstance{}
	pool := NewPool(&fakeBackend{}, "filter", &sandbox.ValidatedModule{}, sandbox.DefaultLimits(), seed)

	inst, err := pool.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, pool.Close(ctx))
	require.NoError(t, pool.Close(ctx))

	pool.Release(ctx, inst, true)
	assert.True(t, seed.isClosed(), "released after close is closed")

	_, err = pool.Acquire(ctx)
	assert.Error(t, err)
}

func TestPool_InstantiateError(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(&fakeBackend{err: boom}, "filter", &sandbox.ValidatedModule{}, sandbox.DefaultLimits(), nil)
	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
}
