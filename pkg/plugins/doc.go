// Package plugins manages the set of loaded plugins and their hot reload.
//
// # Overview
//
// A plugin is a validated WebAssembly module published under a name. The
// Registry keeps at most one active Version per name. Publishing a new
// version is a single atomic pointer swap, so a task that acquired the old
// version keeps using it until it releases it; the old version is torn down
// when its last holder lets go.
//
// # Identity
//
// A plugin's name is, in order of preference: the name given by the caller
// (the file stem for directory loads), the zenith.name custom section of the
// module, or plugin-<hash prefix>. Loading the same bytecode under the same
// name and limits again is a no-op that returns the existing Metadata.
//
// # Manifests
//
// A plugin file filter.wasm may carry a sidecar filter.yaml:
//
//	name: filter
//	version: 1.2.0
//	entrypoint: on_event
//	priority: high
//	limits:
//	  cpu_budget: 50ms
//	  wall_timeout: 500ms
//	  memory_ceiling: 8388608
//	  max_host_calls: 200
//	  quota_policy: fatal
//
// # Hot reload
//
// Watcher reports debounced changes to .wasm and .yaml files in a directory.
// A failed reload leaves the previously published version active.
//
// # Usage Example
//
//	registry := plugins.NewRegistry(backend, validator, plugins.WithLogger(log))
//	loader := plugins.NewLoader(registry, log)
//	metas, err := loader.LoadDir(ctx, "/var/lib/zenith/plugins")
//
//	v, err := registry.Acquire("filter")
//	defer v.Release()
//	res, err := v.Call(ctx, ec, sourceID, seqNo)
package plugins
