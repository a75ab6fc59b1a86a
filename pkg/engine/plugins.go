package engine

import (
	"context"
	"errors"

	"github.com/platinummonkey/zenith/pkg/plugins"
	"github.com/platinummonkey/zenith/pkg/scheduler"
	"github.com/platinummonkey/zenith/pkg/store"
)

// LoadPlugin validates, instantiates and publishes bytecode under the name
// embedded in the module, or its hash prefix.
func (e *Engine) LoadPlugin(ctx context.Context, bytecode []byte) (*plugins.Metadata, error) {
	return e.load(ctx, bytecode, plugins.LoadOptions{Source: plugins.SourceAPI})
}

// LoadPluginWithOptions is LoadPlugin with an explicit name, version, priority or limits.
func (e *Engine) LoadPluginWithOptions(ctx context.Context, bytecode []byte, opts plugins.LoadOptions) (*plugins.Metadata, error) {
	if opts.Source == "" {
		opts.Source = plugins.SourceAPI
	}
	return e.load(ctx, bytecode, opts)
}

// load publishes through the registry, re-enables the plugin and persists
// the new version. A persistence failure is logged; the plugin stays active.
func (e *Engine) load(ctx context.Context, bytecode []byte, opts plugins.LoadOptions) (*plugins.Metadata, error) {
	before := make(map[string]*plugins.Metadata)
	for _, meta := range e.registry.List() {
		before[meta.Name] = meta
	}

	meta, err := e.registry.Load(ctx, bytecode, opts)
	if err != nil {
		if _, ok := before[opts.Name]; ok {
			e.counters.reloadFailures.Add(1)
			e.recordReload(ctx, "failure", err)
		}
		e.logger.WithError(err).WithField("plugin", opts.Name).Warn("Plugin load failed")
		return nil, err
	}

	e.breaker.Reset(meta.Name)
	previous, existed := before[meta.Name]
	if previous == meta {
		return meta, nil
	}
	if existed {
		e.counters.reloads.Add(1)
		e.recordReload(ctx, "success", nil)
	} else {
		e.otel.RecordPluginLoad(ctx, false, nil)
	}

	if e.store != nil {
		if err := e.store.Publish(ctx, recordOf(meta), bytecode); err != nil {
			e.logger.WithError(err).WithField("plugin", meta.Name).Error("Failed to persist plugin")
		}
	}
	return meta, nil
}

func (e *Engine) recordReload(ctx context.Context, status string, err error) {
	if e.metrics != nil {
		e.metrics.PluginReloadsTotal.WithLabelValues(status).Inc()
	}
	e.otel.RecordPluginLoad(ctx, true, err)
}

// Unload removes name from the registry and the store. Tasks already running
// on it finish.
func (e *Engine) Unload(ctx context.Context, name string) error {
	if err := e.registry.Unload(name); err != nil {
		return err
	}
	e.breaker.Reset(name)
	if e.store != nil {
		if err := e.store.Remove(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.WithError(err).WithField("plugin", name).Error("Failed to remove persisted plugin")
		}
	}
	return nil
}

// restore loads every plugin recorded in the store. Records the store could
// not read are reported alongside load failures; the rest are still loaded.
func (e *Engine) restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	restored, err := e.store.Restore(ctx)
	var errs []error
	if err != nil {
		e.logger.WithError(err).Warn("Some persisted plugins could not be read")
		errs = append(errs, err)
	}

	loaded := 0
	for _, r := range restored {
		opts, err := optionsOf(r.Record)
		if err == nil {
			_, err = e.registry.Load(ctx, r.Bytecode, opts)
		}
		if err != nil {
			e.logger.WithError(err).WithField("plugin", r.Record.Name).Warn("Failed to restore plugin")
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	e.logger.WithFields(map[string]interface{}{
		"restored": loaded,
		"failed":   len(errs),
	}).Info("Restored plugins from store")
	return errors.Join(errs...)
}

func recordOf(meta *plugins.Metadata) store.Record {
	return store.Record{
		Name:       meta.Name,
		Version:    meta.Version,
		Hash:       meta.Hash,
		Source:     meta.Source,
		Entrypoint: meta.Entrypoint,
		Priority:   meta.Priority.String(),
		Limits:     meta.Limits,
		LoadedAt:   meta.LoadedAt,
	}
}

func optionsOf(rec store.Record) (plugins.LoadOptions, error) {
	priority, err := scheduler.ParsePriority(rec.Priority)
	if err != nil {
		return plugins.LoadOptions{}, err
	}
	return plugins.LoadOptions{
		Name:       rec.Name,
		Version:    rec.Version,
		Entrypoint: rec.Entrypoint,
		Priority:   priority,
		Limits:     rec.Limits,
		Source:     rec.Source,
	}, nil
}

// Plugins returns the metadata of every active plugin sorted by name.
func (e *Engine) Plugins() []*plugins.Metadata {
	return e.registry.List()
}

// Plugin returns the metadata of the active version of name.
func (e *Engine) Plugin(name string) (*plugins.Metadata, bool) {
	return e.registry.Get(name)
}

// Disabled reports whether the circuit breaker has disabled name.
func (e *Engine) Disabled(name string) bool {
	return e.breaker.Disabled(name)
}
