package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/zenith/pkg/config"
	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/hostcall"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/plugins"
	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/scheduler"
	"github.com/platinummonkey/zenith/pkg/store"
	"github.com/platinummonkey/zenith/pkg/vm"
)

// ErrRunning is returned by Run while another Run is active.
var ErrRunning = scheduler.ErrRunning

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Plugin log host calls go to it too.
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPluginLog sets the logger of the plugin loading path.
func WithPluginLog(l *logrus.Logger) Option {
	return func(e *Engine) { e.pluginLog = l }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOTelMetrics records OpenTelemetry metrics.
func WithOTelMetrics(m *observability.OTelMetrics) Option {
	return func(e *Engine) { e.otel = m }
}

// WithStore persists published plugins and restores them in New.
func WithStore(d *store.Durable) Option {
	return func(e *Engine) { e.store = d }
}

// WithSources adds event sources consumed while Run is active. The engine
// closes them on Shutdown.
func WithSources(sources ...events.Source) Option {
	return func(e *Engine) { e.sources = append(e.sources, sources...) }
}

// WithResultSink sets the hook receiving every finished task.
func WithResultSink(sink ResultSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithBackendOptions passes options to the wazero backend.
func WithBackendOptions(opts ...vm.BackendOption) Option {
	return func(e *Engine) { e.backendOpts = append(e.backendOpts, opts...) }
}

// Engine runs plugins against events.
type Engine struct {
	cfg         config.EngineConfig
	logger      *observability.Logger
	pluginLog   *logrus.Logger
	metrics     *observability.Metrics
	otel        *observability.OTelMetrics
	store       *store.Durable
	sources     []events.Source
	sink        ResultSink
	backendOpts []vm.BackendOption

	host      *hostcall.Interface
	backend   *vm.WazeroBackend
	validator *sandbox.Validator
	registry  *plugins.Registry
	loader    *plugins.Loader
	watcher   *plugins.Watcher
	scheduler *scheduler.Scheduler
	breaker   *breaker
	cron      *cron.Cron

	counters counters

	running      atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds an engine from cfg, restores plugins from the store and loads
// the plugin directory. Plugins that fail to load are logged and skipped.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.Engine.BufferSize < 1 {
		return nil, faults.New(faults.KindInit, "", fmt.Sprintf("buffer size must be positive, got %d", cfg.Engine.BufferSize))
	}
	bp, err := scheduler.ParseBackpressure(cfg.Engine.Backpressure)
	if err != nil {
		return nil, faults.Wrap(faults.KindInit, "", err, "invalid engine configuration")
	}

	e := &Engine{
		cfg:  cfg.Engine,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NewLogger(cfg.Observability.LogLevel, nil)
	}
	if e.pluginLog == nil {
		e.pluginLog = observability.NewLogrusLogger(cfg.Observability.LogLevel, nil)
	}

	if cfg.Engine.Interpreter {
		e.backendOpts = append(e.backendOpts, vm.WithInterpreter())
	}
	e.host = hostcall.New(e.logger, hostcall.WithObserver(e.observeHostCall))
	e.backend = vm.NewWazeroBackend(e.host, e.backendOpts...)
	e.validator = sandbox.NewValidator(ctx, sandbox.ValidatorConfig{
		MaxModuleSize:  cfg.Sandbox.MaxModuleSize,
		AllowedImports: hostcall.Surface(),
	})
	e.registry = plugins.NewRegistry(e.backend, e.validator,
		plugins.WithLogger(e.pluginLog),
		plugins.WithMetrics(e.metrics),
		plugins.WithDefaultLimits(cfg.Sandbox.Limits),
		plugins.WithModuleCache(plugins.NewModuleCache(cfg.Engine.ModuleCacheSize, cfg.Engine.ModuleCacheTTL)),
	)
	e.loader = plugins.NewLoader(e.registry, e.pluginLog,
		plugins.WithParallelism(cfg.Engine.LoadParallelism),
		plugins.WithLoadFunc(e.load),
	)
	e.watcher = plugins.NewWatcher(plugins.DefaultDebounce, e.pluginLog)
	e.breaker = newBreaker(cfg.Engine.BreakerThreshold, e.metrics)
	e.scheduler = scheduler.New(scheduler.Config{
		Depth:        cfg.Engine.BufferSize,
		Slots:        cfg.Engine.Slots,
		Backpressure: bp,
	}, e.handle,
		scheduler.WithCompletionHook(e.complete),
		scheduler.WithLogger(e.logger.WithField("component", "scheduler")),
		scheduler.WithMetrics(e.metrics),
	)

	if e.cron, err = e.maintenance(); err != nil {
		e.release(ctx)
		return nil, faults.Wrap(faults.KindInit, "", err, "invalid maintenance schedule")
	}

	if err := e.restore(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to restore plugins from store")
	}
	if e.cfg.PluginDir != "" {
		if _, err := e.loader.LoadDir(ctx, e.cfg.PluginDir); err != nil {
			e.logger.WithError(err).WithField("dir", e.cfg.PluginDir).Warn("Some plugins failed to load")
		}
	}

	e.logger.WithFields(map[string]interface{}{
		"buffer_size":  e.cfg.BufferSize,
		"slots":        e.scheduler.Slots(),
		"backpressure": bp.String(),
		"plugins":      e.registry.Count(),
	}).Info("Engine initialized")
	return e, nil
}

// Registry returns the plugin registry.
func (e *Engine) Registry() *plugins.Registry { return e.registry }

// Validator returns the bytecode validator.
func (e *Engine) Validator() *sandbox.Validator { return e.validator }

// Run consumes sources, watches the plugin directory and dispatches tasks
// until ctx is cancelled or Shutdown has drained the scheduler.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(e.done)

	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	g.Go(func() error {
		defer stopAux()
		return e.scheduler.Run(gctx)
	})

	if e.cfg.WatchPlugins && e.cfg.PluginDir != "" {
		changes, err := e.watcher.Watch(auxCtx, e.cfg.PluginDir)
		if err != nil {
			e.logger.WithError(err).WithField("dir", e.cfg.PluginDir).Warn("Plugin directory watch disabled")
		} else {
			g.Go(func() error {
				e.applyChanges(auxCtx, changes)
				return nil
			})
		}
	}

	for _, src := range e.sources {
		src := src
		g.Go(func() error {
			defer observability.RecoverPanic(e.logger, "event source "+src.Name())
			err := src.Run(auxCtx, e.submitFromSource)
			if err != nil && auxCtx.Err() == nil && !errors.Is(err, events.ErrSourceClosed) {
				e.logger.WithError(err).WithField("source", src.Name()).Error("Event source stopped")
			}
			return nil
		})
	}

	if e.cron != nil {
		g.Go(func() error {
			e.cron.Start()
			<-auxCtx.Done()
			<-e.cron.Stop().Done()
			return nil
		})
	}

	e.logger.Info("Engine running")
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Shutdown stops intake and waits for every enqueued task to finish, then
// releases all resources. Without an active Run, enqueued tasks are
// discarded. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.scheduler.Close()
		for _, src := range e.sources {
			if err := src.Close(); err != nil {
				e.logger.WithError(err).WithField("source", src.Name()).Warn("Failed to close event source")
			}
		}

		var errs []error
		if e.running.Load() {
			select {
			case <-e.done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("waiting for tasks to drain: %w", ctx.Err()))
			}
		}
		errs = append(errs, e.release(ctx))
		e.shutdownErr = errors.Join(errs...)

		s := e.Stats()
		e.logger.WithFields(map[string]interface{}{
			"events_processed": s.EventsProcessed,
			"buffer_len":       s.BufferLen,
		}).Info("Engine stopped")
	})
	return e.shutdownErr
}

// release tears down everything New created.
func (e *Engine) release(ctx context.Context) error {
	var errs []error
	if err := e.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close registry: %w", err))
	}
	if err := e.backend.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if err := e.validator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close validator: %w", err))
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Shutdown has been called.
func (e *Engine) Closed() bool {
	return e.scheduler.Closed()
}

func (e *Engine) observeHostCall(function, outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveHostCall(function, outcome)
	}
	e.otel.RecordHostCall(context.Background(), function, outcome)
}
