package vm

import (
	"context"
	"errors"
	"sync"

	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
)

// DefaultMaxIdle is the number of idle instances a pool keeps.
const DefaultMaxIdle = 8

// Pool keeps idle instances of one plugin version.
type Pool struct {
	backend Backend
	module  *sandbox.ValidatedModule
	limits  sandbox.Limits
	plugin  string
	maxIdle int
	metrics *observability.Metrics

	mu     sync.Mutex
	idle   []Instance
	closed bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMaxIdle bounds the idle instances kept for reuse.
func WithMaxIdle(n int) PoolOption {
	return func(p *Pool) { p.maxIdle = n }
}

// WithPoolMetrics counts created and dropped instances.
func WithPoolMetrics(m *observability.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool for module. seed, when non-nil, becomes the first idle instance.
func NewPool(backend Backend, plugin string, module *sandbox.ValidatedModule, limits sandbox.Limits, seed Instance, opts ...PoolOption) *Pool {
	p := &Pool{
		backend: backend,
		module:  module,
		limits:  limits,
		plugin:  plugin,
		maxIdle: DefaultMaxIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	if seed != nil {
		p.idle = append(p.idle, seed)
	}
	return p
}

// Acquire returns an idle instance or instantiates a new one.
func (p *Pool) Acquire(ctx context.Context) (Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, faults.New(faults.KindClosed, "", "instance pool closed")
	}
	if n := len(p.idle); n > 0 {
		inst := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()

	inst, err := p.backend.Instantiate(observability.WithPlugin(ctx, p.plugin), p.module, p.limits)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.InstancesCreated.WithLabelValues(p.plugin).Inc()
	}
	return inst, nil
}

// Release returns inst to the pool when healthy and closes it otherwise.
func (p *Pool) Release(ctx context.Context, inst Instance, healthy bool) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	if healthy && !p.closed && len(p.idle) < p.maxIdle {
		p.idle = append(p.idle, inst)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if !healthy && p.metrics != nil {
		p.metrics.InstancesDropped.WithLabelValues(p.plugin).Inc()
	}
	inst.Close(ctx)
}

// Idle returns the number of idle instances.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes every idle instance. Instances released later are closed on release.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, inst := range idle {
		if err := inst.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
