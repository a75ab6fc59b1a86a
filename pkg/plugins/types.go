package plugins

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/scheduler"
	"github.com/platinummonkey/zenith/pkg/vm"
)

// SourceAPI marks plugins loaded through an API call instead of a file.
const SourceAPI = "api"

// Metadata describes one published plugin version. It is never modified
// after publication; a reload publishes a new value.
type Metadata struct {
	Name       string                 `json:"name"`
	Version    string                 `json:"version"`
	Hash       string                 `json:"hash"`
	Exports    []vm.FunctionSignature `json:"exports"`
	Entrypoint string                 `json:"entrypoint"`
	// Priority is the lowest priority tasks for this plugin run at.
	Priority scheduler.Priority `json:"priority"`
	Limits   sandbox.Limits     `json:"limits"`
	Size     int                `json:"size"`
	LoadedAt time.Time          `json:"loaded_at"`
	Source   string             `json:"source"`
}

// LoadOptions controls how bytecode is published.
type LoadOptions struct {
	// Name overrides the module's own name.
	Name string
	// Version overrides the module's version export.
	Version    string
	Entrypoint string
	Priority   scheduler.Priority
	// Limits is merged over the registry defaults; zero fields keep the default.
	Limits sandbox.Limits
	Source string
}

// Version is a published plugin version together with its instances.
// Holders obtained from Registry.Acquire must call Release exactly once.
type Version struct {
	meta   *Metadata
	module *sandbox.ValidatedModule
	pool   *vm.Pool

	// refs counts the registry's own reference plus every holder.
	refs      atomic.Int64
	retire    sync.Once
	closed    chan struct{}
	onRetired func(*Version, error)
}

func newVersion(meta *Metadata, module *sandbox.ValidatedModule, pool *vm.Pool) *Version {
	v := &Version{
		meta:   meta,
		module: module,
		pool:   pool,
		closed: make(chan struct{}),
	}
	v.refs.Store(1)
	return v
}

// Metadata returns the published metadata.
func (v *Version) Metadata() *Metadata { return v.meta }

// Module returns the validated module.
func (v *Version) Module() *sandbox.ValidatedModule { return v.module }

// Call runs the entrypoint on a pooled instance and applies the verdict
// convention to its result, whatever the entrypoint is called. The instance
// goes back to the pool unless the call trapped or was aborted.
func (v *Version) Call(ctx context.Context, ec *sandbox.ExecutionContext, args ...uint64) (vm.Result, error) {
	inst, err := v.pool.Acquire(ctx)
	if err != nil {
		return vm.Result{}, err
	}
	res, err := inst.Call(ctx, v.meta.Entrypoint, ec, args...)
	if err == nil && v.meta.Entrypoint != vm.EntryPoint {
		res.Verdict, err = vm.VerdictOf(v.meta.Name, res.Value)
	}
	v.pool.Release(ctx, inst, vm.Reusable(err))
	return res, err
}

// tryRetain adds a holder unless the version is already torn down.
func (v *Version) tryRetain() bool {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. The last release closes the instance pool.
func (v *Version) Release() {
	if v.refs.Add(-1) != 0 {
		return
	}
	v.retire.Do(func() {
		err := v.pool.Close(context.Background())
		close(v.closed)
		if v.onRetired != nil {
			v.onRetired(v, err)
		}
	})
}

// Done is closed once the version has been torn down.
func (v *Version) Done() <-chan struct{} { return v.closed }

// Refs returns the current reference count.
func (v *Version) Refs() int { return int(v.refs.Load()) }
