package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/zenith/pkg/plugins"
)

// maintenance builds the cron runner for periodic jobs. It returns nil when
// no job is scheduled.
func (e *Engine) maintenance() (*cron.Cron, error) {
	c := cron.New()
	jobs := 0

	if e.cfg.RescanSchedule != "" && e.cfg.PluginDir != "" {
		if _, err := c.AddFunc(e.cfg.RescanSchedule, e.rescan); err != nil {
			return nil, fmt.Errorf("rescan schedule %q: %w", e.cfg.RescanSchedule, err)
		}
		jobs++
	}
	if e.cfg.StatsLogSchedule != "" {
		if _, err := c.AddFunc(e.cfg.StatsLogSchedule, e.logStats); err != nil {
			return nil, fmt.Errorf("stats log schedule %q: %w", e.cfg.StatsLogSchedule, err)
		}
		jobs++
	}
	if jobs == 0 {
		return nil, nil
	}
	return c, nil
}

// rescan reloads the plugin directory. Unchanged files are no-ops; it picks
// up changes the watcher missed.
func (e *Engine) rescan() {
	defer func() {
		if err := recover(); err != nil {
			e.logger.Errorf("plugin rescan panicked: %v", err)
		}
	}()
	metas, err := e.loader.LoadDir(context.Background(), e.cfg.PluginDir)
	logger := e.logger.WithFields(map[string]interface{}{
		"dir":     e.cfg.PluginDir,
		"plugins": len(metas),
	})
	if err != nil {
		logger.WithError(err).Warn("Plugin rescan finished with errors")
		return
	}
	logger.Debug("Plugin rescan finished")
}

func (e *Engine) logStats() {
	s := e.Stats()
	e.logger.WithFields(map[string]interface{}{
		"buffer_len":       s.BufferLen,
		"in_flight":        s.InFlight,
		"plugins":          s.PluginCount,
		"disabled":         len(s.DisabledPlugins),
		"events_processed": s.EventsProcessed,
		"events_allowed":   s.EventsAllowed,
		"events_dropped":   s.EventsDropped,
		"tasks_failed":     s.TasksFailed,
		"tasks_timed_out":  s.TasksTimedOut,
		"reloads":          s.Reloads,
		"reload_failures":  s.ReloadFailures,
	}).Info("Engine stats")
}

// applyChanges reloads or unloads plugins as the watcher reports changes.
func (e *Engine) applyChanges(ctx context.Context, changes <-chan plugins.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			e.applyChange(ctx, c)
		}
	}
}

func (e *Engine) applyChange(ctx context.Context, c plugins.Change) {
	logger := e.logger.WithFields(map[string]interface{}{
		"path":   c.Path,
		"change": c.Kind.String(),
	})
	// a manifest may name the plugin differently from its file
	fromFile := e.registry.FromSource(c.Path)

	switch c.Kind {
	case plugins.ChangeRemove:
		if len(fromFile) == 0 {
			e.logger.Debugf("ignoring removal of %s, no plugin was loaded from it", c.Path)
			return
		}
		for _, meta := range fromFile {
			if err := e.Unload(ctx, meta.Name); err != nil {
				logger.WithError(err).WithField("plugin", meta.Name).Warn("Failed to unload removed plugin")
				continue
			}
			logger.WithField("plugin", meta.Name).Info("Unloaded removed plugin")
		}
	default:
		meta, err := e.loader.LoadFile(ctx, c.Path)
		if err != nil {
			logger.WithError(err).Warn("Hot reload failed, previous version stays active")
			return
		}
		logger = logger.WithField("plugin", meta.Name)
		for _, old := range fromFile {
			if old.Name == meta.Name {
				continue
			}
			if err := e.Unload(ctx, old.Name); err != nil {
				logger.WithError(err).WithField("previous_name", old.Name).Warn("Failed to unload renamed plugin")
				continue
			}
			logger.WithField("previous_name", old.Name).Info("Plugin renamed by its manifest")
		}
		logger.WithField("version", meta.Version).Info("Hot reload applied")
	}
}
