package plugins

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/vm"
)

// hashPrefixLen is the number of hash characters used in derived names and versions.
const hashPrefixLen = 12

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ModuleValidator checks bytecode before it is instantiated.
type ModuleValidator interface {
	Validate(ctx context.Context, bytecode []byte) (*sandbox.ValidatedModule, error)
}

// snapshot is an immutable view of the published versions.
type snapshot struct {
	versions map[string]*Version
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log *logrus.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics counts loads and published plugins.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDefaultLimits sets the limits that LoadOptions.Limits is merged over.
func WithDefaultLimits(l sandbox.Limits) Option {
	return func(r *Registry) { r.defaults = l }
}

// WithModuleCache shares a validated module cache.
func WithModuleCache(c *ModuleCache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithMaxIdle bounds the idle instances kept per version.
func WithMaxIdle(n int) Option {
	return func(r *Registry) { r.maxIdle = n }
}

// Registry holds the active version of every plugin.
type Registry struct {
	backend   vm.Backend
	validator ModuleValidator
	cache     *ModuleCache
	defaults  sandbox.Limits
	maxIdle   int
	log       *logrus.Logger
	metrics   *observability.Metrics

	// mu serializes publication; readers only load current.
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	live    sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(backend vm.Backend, validator ModuleValidator, opts ...Option) *Registry {
	r := &Registry{
		backend:   backend,
		validator: validator,
		defaults:  sandbox.DefaultLimits(),
		maxIdle:   vm.DefaultMaxIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logrus.New()
	}
	if r.cache == nil {
		r.cache = NewModuleCache(128, time.Hour)
	}
	r.current.Store(&snapshot{versions: map[string]*Version{}})
	return r
}

// ResolveName applies the identity rules: explicit name, then the module's
// custom name, then a name derived from the hash.
func ResolveName(explicit string, module *sandbox.ValidatedModule) string {
	if explicit != "" {
		return explicit
	}
	if module.CustomName != "" {
		return module.CustomName
	}
	return "plugin-" + shortHash(module.Hash)
}

func shortHash(h string) string {
	if len(h) > hashPrefixLen {
		return h[:hashPrefixLen]
	}
	return h
}

// validate returns the cached module for bytecode or validates it.
func (r *Registry) validate(ctx context.Context, bytecode []byte) (*sandbox.ValidatedModule, error) {
	if m, ok := r.cache.Get(sandbox.HashBytecode(bytecode)); ok {
		return m, nil
	}
	m, err := r.validator.Validate(ctx, bytecode)
	if err != nil {
		return nil, err
	}
	r.cache.Add(m)
	return m, nil
}

// Load validates, instantiates and publishes bytecode. Loading the same
// bytecode under the same name and limits returns the existing Metadata.
// On any failure the currently published version stays active.
func (r *Registry) Load(ctx context.Context, bytecode []byte, opts LoadOptions) (meta *Metadata, err error) {
	defer func() {
		if r.metrics != nil {
			status := "success"
			if err != nil {
				status = "failure"
			}
			r.metrics.PluginLoadsTotal.WithLabelValues(status).Inc()
		}
	}()

	module, err := r.validate(ctx, bytecode)
	if err != nil {
		return nil, err
	}

	name := ResolveName(opts.Name, module)
	if !namePattern.MatchString(name) {
		return nil, faults.Validation(faults.CodeMalformed, "invalid plugin name %q", name)
	}
	limits := r.defaults.Merge(opts.Limits)
	if err := limits.Validate(); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "", err, "invalid limits")
	}
	entrypoint := opts.Entrypoint
	if entrypoint == "" {
		entrypoint = vm.EntryPoint
	}

	if existing := r.unchanged(name, module.Hash, limits, entrypoint); existing != nil {
		return existing, nil
	}

	inst, err := r.backend.Instantiate(observability.WithPlugin(ctx, name), module, limits)
	if err != nil {
		return nil, faults.WithPlugin(err, name)
	}

	version := opts.Version
	if version == "" {
		version = inst.Version()
	}
	if version == "" {
		version = shortHash(module.Hash)
	}
	source := opts.Source
	if source == "" {
		source = SourceAPI
	}

	meta = &Metadata{
		Name:       name,
		Version:    version,
		Hash:       module.Hash,
		Exports:    vm.DiscoverExports(inst),
		Entrypoint: entrypoint,
		Priority:   opts.Priority,
		Limits:     limits,
		Size:       module.Size,
		LoadedAt:   time.Now().UTC(),
		Source:     source,
	}
	pool := vm.NewPool(r.backend, name, module, limits, inst,
		vm.WithMaxIdle(r.maxIdle), vm.WithPoolMetrics(r.metrics))
	v := newVersion(meta, module, pool)
	v.onRetired = r.retired

	published, previous := r.publish(v)
	if published != v {
		// lost a race against an identical load
		pool.Close(ctx)
		return published.meta, nil
	}

	fields := logrus.Fields{
		"plugin":  name,
		"version": version,
		"hash":    shortHash(module.Hash),
		"source":  source,
	}
	if previous != nil {
		fields["previous_version"] = previous.meta.Version
		r.log.WithFields(fields).Info("Reloaded plugin")
		previous.Release()
	} else {
		r.log.WithFields(fields).Info("Loaded plugin")
	}
	return meta, nil
}

// unchanged returns the published metadata when name already runs this exact module.
func (r *Registry) unchanged(name, hash string, limits sandbox.Limits, entrypoint string) *Metadata {
	v, ok := r.current.Load().versions[name]
	if !ok {
		return nil
	}
	m := v.meta
	if m.Hash == hash && m.Limits == limits && m.Entrypoint == entrypoint {
		return m
	}
	return nil
}

// publish swaps v in and returns the published version and the one it replaced.
func (r *Registry) publish(v *Version) (published, previous *Version) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := v.meta.Name
	old := r.current.Load()
	if cur, ok := old.versions[name]; ok {
		m := cur.meta
		if m.Hash == v.meta.Hash && m.Limits == v.meta.Limits && m.Entrypoint == v.meta.Entrypoint {
			return cur, nil
		}
	}

	next := &snapshot{versions: make(map[string]*Version, len(old.versions)+1)}
	for k, cur := range old.versions {
		next.versions[k] = cur
	}
	previous = old.versions[name]
	next.versions[name] = v
	r.live.Add(1)
	r.current.Store(next)
	r.updateGauge(len(next.versions))
	return v, previous
}

func (r *Registry) retired(v *Version, err error) {
	defer r.live.Done()
	entry := r.log.WithFields(logrus.Fields{
		"plugin":  v.meta.Name,
		"version": v.meta.Version,
	})
	if err != nil {
		entry.WithError(err).Warn("Error tearing down plugin version")
		return
	}
	entry.Debug("Tore down plugin version")
}

func (r *Registry) updateGauge(n int) {
	if r.metrics != nil {
		r.metrics.PluginsLoaded.Set(float64(n))
	}
}

// Acquire returns the active version of name. The caller must Release it.
func (r *Registry) Acquire(name string) (*Version, error) {
	for {
		v, ok := r.current.Load().versions[name]
		if !ok {
			return nil, notFound(name)
		}
		if v.tryRetain() {
			return v, nil
		}
		// v was retired between the load and the retain; the new snapshot is already visible.
	}
}

func notFound(name string) error {
	return &faults.Fault{
		Kind:    faults.KindNotFound,
		Plugin:  name,
		Message: fmt.Sprintf("plugin %s not loaded", name),
	}
}

// Get returns the metadata of the active version of name.
func (r *Registry) Get(name string) (*Metadata, bool) {
	v, ok := r.current.Load().versions[name]
	if !ok {
		return nil, false
	}
	return v.meta, true
}

// List returns the metadata of every active version sorted by name.
func (r *Registry) List() []*Metadata {
	versions := r.current.Load().versions
	out := make([]*Metadata, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromSource returns the active plugins loaded from the file at path, sorted by name.
func (r *Registry) FromSource(path string) []*Metadata {
	path = filepath.Clean(path)
	var out []*Metadata
	for _, meta := range r.List() {
		if meta.Source != SourceAPI && filepath.Clean(meta.Source) == path {
			out = append(out, meta)
		}
	}
	return out
}

// Names returns the names of every active plugin sorted.
func (r *Registry) Names() []string {
	versions := r.current.Load().versions
	out := make([]string, 0, len(versions))
	for name := range versions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of active plugins.
func (r *Registry) Count() int {
	return len(r.current.Load().versions)
}

// Unload removes name. Tasks holding the version finish on it.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	old := r.current.Load()
	v, ok := old.versions[name]
	if !ok {
		r.mu.Unlock()
		return notFound(name)
	}
	next := &snapshot{versions: make(map[string]*Version, len(old.versions))}
	for k, cur := range old.versions {
		if k != name {
			next.versions[k] = cur
		}
	}
	r.current.Store(next)
	r.updateGauge(len(next.versions))
	r.mu.Unlock()

	r.log.WithField("plugin", name).Info("Unloaded plugin")
	v.Release()
	return nil
}

// CacheStats returns validated module cache statistics.
func (r *Registry) CacheStats() CacheStats {
	return r.cache.Stats()
}

// Close unloads every plugin and waits for versions still held by tasks to be
// torn down, or for ctx.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Unload(name); err != nil && !errors.Is(err, faults.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.live.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for plugin versions: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
