package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/zenith/pkg/api"
	"github.com/platinummonkey/zenith/pkg/config"
	"github.com/platinummonkey/zenith/pkg/engine"
	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/hostcall"
	"github.com/platinummonkey/zenith/pkg/httputil"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/store"
)

var (
	pluginDir = flag.String("plugin-dir", "", "Directory of .wasm plugins to load and watch (overrides ZENITH_PLUGIN_DIR)")
	port      = flag.String("port", "", "Admin API port (overrides ZENITH_PORT)")
	logLevel  = flag.String("log-level", "", "Log level: debug, info, warn or error (overrides ZENITH_LOG_LEVEL)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "zenithd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if *pluginDir != "" {
		cfg.Engine.PluginDir = *pluginDir
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Observability.LogLevel = observability.ParseLogLevel(*logLevel)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	pluginLog := observability.NewLogrusLogger(cfg.Observability.LogLevel, os.Stdout)
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []engine.Option{engine.WithLogger(logger), engine.WithPluginLog(pluginLog)}

	var otelMetrics *observability.OTelMetrics
	if cfg.Observability.OTelEnabled {
		providers, err := observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
			SampleRatio:    cfg.Observability.OTelSampleRatio,
			Runtime: observability.RuntimeAttributes{
				Slots:        cfg.Engine.Slots,
				BufferSize:   cfg.Engine.BufferSize,
				Backpressure: cfg.Engine.Backpressure,
				ABIVersion:   hostcall.ABIVersion,
				Interpreter:  cfg.Engine.Interpreter,
			},
		}, logger)
		if err != nil {
			return fmt.Errorf("init opentelemetry: %w", err)
		}
		shutdown.Register("opentelemetry", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		})
		if providers.MeterProvider != nil {
			if otelMetrics, err = observability.NewOTelMetrics(providers.MeterProvider); err != nil {
				return fmt.Errorf("init otel metrics: %w", err)
			}
			opts = append(opts, engine.WithOTelMetrics(otelMetrics))
		}
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
		opts = append(opts, engine.WithMetrics(metrics))
	}

	var db *sql.DB
	durable, err := store.Open(ctx, cfg.Store, store.WithMetrics(otelMetrics))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if durable != nil {
		opts = append(opts, engine.WithStore(durable))
		if sqlStore, ok := durable.State().(*store.SQLStore); ok {
			db = sqlStore.DB()
		}
	}

	sources, redisClient, err := openSources(ctx, cfg.Sources, logger)
	if err != nil {
		if durable != nil {
			durable.Close()
		}
		return err
	}
	opts = append(opts, engine.WithSources(sources...))

	e, err := engine.New(ctx, cfg, opts...)
	if err != nil {
		for _, s := range sources {
			s.Close()
		}
		if durable != nil {
			durable.Close()
		}
		return err
	}

	runErr := make(chan error, 1)
	go func() {
		defer observability.RecoverPanic(logger, "engine")
		runErr <- e.Run(ctx)
		cancel()
	}()
	shutdown.Register("engine", e.Shutdown)

	if cfg.Server.Enabled {
		health := observability.NewHealthChecker(db, redisClient)
		health.SetVersion(cfg.Observability.OTelServiceVersion)
		health.AddProbe("engine", true, func(context.Context) error {
			if e.Closed() {
				return errors.New("engine closed")
			}
			return nil
		})

		serverOpts := []api.ServerOption{
			api.WithLogger(logger),
			api.WithHealthChecker(health),
			api.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		}
		if metrics != nil {
			serverOpts = append(serverOpts, api.WithMetrics(metrics, registry))
		}
		if cfg.Observability.OTelEnabled {
			serverOpts = append(serverOpts, api.WithTracing())
		}
		if cfg.Server.RateLimit > 0 {
			limiter := httputil.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateLimitBurst)
			limiter.StartCleanup(ctx)
			serverOpts = append(serverOpts, api.WithRateLimiter(limiter))
		}

		srv := &http.Server{
			Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:      api.NewServer(e, serverOpts...),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		shutdown.RegisterServer("admin api", srv)
		go func() {
			logger.WithField("addr", srv.Addr).Info("Starting admin API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Admin API failed")
				cancel()
			}
		}()
	}

	logger.WithFields(map[string]interface{}{
		"plugin_dir":   cfg.Engine.PluginDir,
		"plugins":      e.Stats().PluginCount,
		"buffer_size":  cfg.Engine.BufferSize,
		"slots":        cfg.Engine.Slots,
		"backpressure": cfg.Engine.Backpressure,
		"sources":      len(sources),
	}).Info("Zenith started")

	if err := shutdown.WaitForSignal(ctx); err != nil {
		return err
	}
	select {
	case err := <-runErr:
		return err
	default:
		return nil
	}
}

// openSources connects the configured event sources. The redis client is
// returned for health checks.
func openSources(ctx context.Context, cfg config.SourcesConfig, logger *observability.Logger) ([]events.Source, *redis.Client, error) {
	var (
		sources     []events.Source
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		rs, err := events.OpenRedisSource(ctx, cfg.RedisURL, cfg.RedisList, cfg.RedisTimeout, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis source: %w", err)
		}
		sources = append(sources, rs)
		redisClient = rs.Client()
	}
	if cfg.AMQPURL != "" {
		as, err := events.DialAMQP(events.AMQPConfig{
			URL:      cfg.AMQPURL,
			Queue:    cfg.AMQPQueue,
			Prefetch: cfg.AMQPPrefetch,
			Durable:  true,
		}, logger)
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return nil, nil, fmt.Errorf("open amqp source: %w", err)
		}
		sources = append(sources, as)
	}
	return sources, redisClient, nil
}
