package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/internal/wasmtest"
	"github.com/platinummonkey/zenith/pkg/config"
	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/plugins"
	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/scheduler"
	"github.com/platinummonkey/zenith/pkg/store"
	"github.com/platinummonkey/zenith/pkg/vm"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.BufferSize = 256
	cfg.Engine.Slots = 1
	cfg.Engine.WatchPlugins = false
	cfg.Engine.RescanSchedule = ""
	cfg.Engine.StatsLogSchedule = ""
	return cfg
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithLogger(observability.NewNopLogger()), WithPluginLog(quietLog())}
	e, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

// start runs e in the background and waits until Run is active.
func start(t *testing.T, e *Engine) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	require.Eventually(t, e.running.Load, time.Second, time.Millisecond)
	return done
}

func load(t *testing.T, e *Engine, name string, bytecode []byte) *plugins.Metadata {
	t.Helper()
	meta, err := e.LoadPluginWithOptions(context.Background(), bytecode, plugins.LoadOptions{Name: name})
	require.NoError(t, err)
	return meta
}

// outcomes collects sink deliveries.
type outcomes struct {
	mu   sync.Mutex
	list []Outcome
}

func (o *outcomes) sink(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, out)
}

func (o *outcomes) snapshot() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.list...)
}

func TestEngine_CriticalBeforeNormalOnOneSlot(t *testing.T) {
	rec := &outcomes{}
	e := newEngine(t, testConfig(), WithResultSink(rec.sink))
	load(t, e, "filter", wasmtest.Constant(1))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := e.SubmitEvent(ctx, &events.Event{SourceID: 1, SeqNo: int64(i), Priority: scheduler.PriorityNormal})
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := e.SubmitEvent(ctx, &events.Event{SourceID: 2, SeqNo: int64(i), Priority: scheduler.PriorityCritical})
		require.NoError(t, err)
	}
	assert.Equal(t, 110, e.Stats().BufferLen)

	done := start(t, e)
	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, <-done)

	got := rec.snapshot()
	require.Len(t, got, 110)
	for i := 0; i < 10; i++ {
		assert.Equal(t, scheduler.PriorityCritical, got[i].Priority)
		assert.Equal(t, int64(i), got[i].Event.SeqNo)
	}
	for i := 0; i < 100; i++ {
		o := got[10+i]
		assert.Equal(t, scheduler.PriorityNormal, o.Priority)
		assert.Equal(t, int64(i), o.Event.SeqNo)
		assert.Equal(t, vm.VerdictAllow, o.Verdict)
	}

	stats := e.Stats()
	assert.Equal(t, uint64(110), stats.EventsProcessed)
	assert.Equal(t, uint64(110), stats.EventsAllowed)
	assert.Equal(t, 0, stats.BufferLen)
}

func TestEngine_SubmitEventTargets(t *testing.T) {
	e := newEngine(t, testConfig())
	load(t, e, "a", wasmtest.Constant(1))
	load(t, e, "b", wasmtest.Constant(0))
	ctx := context.Background()

	tasks, err := e.SubmitEvent(ctx, &events.Event{Priority: scheduler.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].Plugin)
	assert.Equal(t, "b", tasks[1].Plugin)

	tasks, err = e.SubmitEvent(ctx, &events.Event{Target: "b"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Plugin)

	_, err = e.SubmitEvent(ctx, &events.Event{Target: "missing"})
	assert.ErrorIs(t, err, faults.ErrNotFound)

	_, err = e.SubmitEvent(ctx, nil)
	assert.Error(t, err)
	_, err = e.SubmitEvent(ctx, &events.Event{Priority: scheduler.Priority(9)})
	assert.Error(t, err)
	assert.Equal(t, 3, e.Stats().BufferLen)
}

func TestEngine_PluginPriorityIsAFloor(t *testing.T) {
	assert.Equal(t, scheduler.PriorityHigh, TaskPriority(scheduler.PriorityLow, scheduler.PriorityHigh))
	assert.Equal(t, scheduler.PriorityCritical, TaskPriority(scheduler.PriorityCritical, scheduler.PriorityLow))

	e := newEngine(t, testConfig())
	_, err := e.LoadPluginWithOptions(context.Background(), wasmtest.Constant(1),
		plugins.LoadOptions{Name: "urgent", Priority: scheduler.PriorityHigh})
	require.NoError(t, err)

	tasks, err := e.SubmitEvent(context.Background(), &events.Event{Priority: scheduler.PriorityLow})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, scheduler.PriorityHigh, tasks[0].Priority)
}

func TestEngine_RejectIsAllOrNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.BufferSize = 1
	e := newEngine(t, cfg)
	load(t, e, "a", wasmtest.Constant(1))
	load(t, e, "b", wasmtest.Constant(1))

	_, err := e.SubmitEvent(context.Background(), &events.Event{})
	assert.ErrorIs(t, err, faults.ErrSchedulerFull)
	assert.Equal(t, faults.StatusBufferFull, faults.StatusOf(err))
	assert.Equal(t, 0, e.Stats().BufferLen)

	_, err = e.SubmitEvent(context.Background(), &events.Event{Target: "a"})
	require.NoError(t, err)
}

func TestEngine_OutcomesAndCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	rec := &outcomes{}
	cfg := testConfig()
	cfg.Engine.BreakerThreshold = 0
	e := newEngine(t, cfg, WithMetrics(metrics), WithResultSink(rec.sink))
	ctx := context.Background()

	load(t, e, "allow", wasmtest.Constant(1))
	load(t, e, "drop", wasmtest.Constant(0))
	load(t, e, "reject", wasmtest.Constant(-1))
	load(t, e, "trap", wasmtest.Trap())
	_, err := e.LoadPluginWithOptions(ctx, wasmtest.InfiniteLoop(), plugins.LoadOptions{
		Name:   "spin",
		Limits: sandbox.Limits{CPUBudget: 30 * time.Millisecond, WallTimeout: 200 * time.Millisecond},
	})
	require.NoError(t, err)

	_, err = e.SubmitEvent(ctx, &events.Event{SourceID: 7, SeqNo: 1})
	require.NoError(t, err)

	done := start(t, e)
	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, <-done)

	byPlugin := make(map[string]Outcome)
	for _, o := range rec.snapshot() {
		byPlugin[o.Plugin] = o
	}
	require.Len(t, byPlugin, 5)

	assert.Equal(t, scheduler.StateCompleted, byPlugin["allow"].State)
	assert.Equal(t, vm.VerdictAllow, byPlugin["allow"].Verdict)
	assert.Equal(t, scheduler.StateCompleted, byPlugin["drop"].State)
	assert.Equal(t, vm.VerdictDrop, byPlugin["drop"].Verdict)
	assert.Equal(t, scheduler.StateFailed, byPlugin["reject"].State)
	assert.ErrorIs(t, byPlugin["reject"].Err, faults.ErrRejected)
	assert.Equal(t, scheduler.StateFailed, byPlugin["trap"].State)
	assert.ErrorIs(t, byPlugin["trap"].Err, faults.ErrTrap)
	assert.Equal(t, scheduler.StateTimedOut, byPlugin["spin"].State)
	assert.True(t, faults.IsTimeout(byPlugin["spin"].Err))

	stats := e.Stats()
	assert.Equal(t, uint64(5), stats.EventsProcessed)
	assert.Equal(t, uint64(1), stats.EventsAllowed)
	assert.Equal(t, uint64(1), stats.EventsDropped)
	assert.Equal(t, uint64(2), stats.TasksFailed)
	assert.Equal(t, uint64(1), stats.TasksTimedOut)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsProcessedTotal.WithLabelValues("allow")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EventsProcessedTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsProcessedTotal.WithLabelValues("timed_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GuardAbortsTotal.WithLabelValues("spin", string(faults.CodeOf(byPlugin["spin"].Err)))))
}

func TestEngine_CircuitBreaker(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	cfg := testConfig()
	cfg.Engine.BreakerThreshold = 3
	e := newEngine(t, cfg, WithMetrics(metrics))
	ctx := context.Background()
	load(t, e, "trap", wasmtest.Trap())
	load(t, e, "ok", wasmtest.Constant(1))
	start(t, e)

	for i := 0; i < 3; i++ {
		_, err := e.SubmitEvent(ctx, &events.Event{Target: "trap", SeqNo: int64(i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return e.Stats().EventsProcessed == 3 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"trap"}, e.Stats().DisabledPlugins)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PluginsDisabled))

	_, err := e.SubmitEvent(ctx, &events.Event{Target: "trap"})
	assert.ErrorIs(t, err, faults.ErrDisabled)

	tasks, err := e.SubmitEvent(ctx, &events.Event{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "ok", tasks[0].Plugin)

	// loading the plugin again re-enables it
	load(t, e, "trap", wasmtest.Trap())
	assert.Empty(t, e.Stats().DisabledPlugins)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PluginsDisabled))
}

func TestEngine_IdempotentLoad(t *testing.T) {
	e := newEngine(t, testConfig())
	first := load(t, e, "p", wasmtest.Constant(1))
	second := load(t, e, "p", wasmtest.Constant(1))
	assert.Same(t, first, second)
	assert.Equal(t, uint64(0), e.Stats().Reloads)
	assert.Equal(t, 1, e.Stats().PluginCount)

	third := load(t, e, "p", wasmtest.Constant(0))
	assert.NotEqual(t, first.Hash, third.Hash)
	assert.Equal(t, uint64(1), e.Stats().Reloads)
}

func TestEngine_LoadPluginUsesEmbeddedName(t *testing.T) {
	e := newEngine(t, testConfig())
	meta, err := e.LoadPlugin(context.Background(), wasmtest.Named("geo-filter", 1))
	require.NoError(t, err)
	assert.Equal(t, "geo-filter", meta.Name)
	assert.Equal(t, plugins.SourceAPI, meta.Source)

	_, err = e.LoadPlugin(context.Background(), []byte("not wasm"))
	assert.ErrorIs(t, err, faults.ErrValidation)
	assert.Equal(t, faults.StatusLoadError, faults.StatusOf(err))
}

func TestEngine_InterpreterBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Interpreter = true
	rec := &outcomes{}
	e := newEngine(t, cfg, WithBackendOptions(vm.WithInterpreter()), WithResultSink(rec.sink))
	load(t, e, "allow", wasmtest.Constant(1))
	load(t, e, "drop", wasmtest.Constant(0))
	ctx := context.Background()

	_, err := e.SubmitEvent(ctx, &events.Event{SourceID: 1, SeqNo: 1, Priority: scheduler.PriorityNormal})
	require.NoError(t, err)

	done := start(t, e)
	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, <-done)

	require.Len(t, rec.snapshot(), 2)
	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.EventsAllowed)
	assert.Equal(t, uint64(1), stats.EventsDropped)
}

func openStore(t *testing.T, dir string) *store.Durable {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Driver = store.DriverSQLite
	cfg.DSN = filepath.Join(dir, "state.db")
	cfg.BlobRoot = filepath.Join(dir, "blobs")
	d, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	return d
}

func TestEngine_RestoresFromStoreAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := New(ctx, testConfig(), WithLogger(observability.NewNopLogger()), WithPluginLog(quietLog()), WithStore(openStore(t, dir)))
	require.NoError(t, err)
	load(t, first, "filter", wasmtest.Constant(1))
	v2 := load(t, first, "filter", wasmtest.Constant(0))

	// a failed reload leaves v2 both active and persisted
	_, err = first.LoadPluginWithOptions(ctx, wasmtest.DisallowedImport(), plugins.LoadOptions{Name: "filter"})
	require.Error(t, err)
	assert.Equal(t, uint64(1), first.Stats().ReloadFailures)
	require.NoError(t, first.Shutdown(ctx))

	rec := &outcomes{}
	second := newEngine(t, testConfig(), WithStore(openStore(t, dir)), WithResultSink(rec.sink))
	meta, ok := second.Registry().Get("filter")
	require.True(t, ok)
	assert.Equal(t, v2.Hash, meta.Hash)
	assert.Equal(t, v2.Version, meta.Version)

	_, err = second.SubmitEvent(ctx, &events.Event{})
	require.NoError(t, err)
	done := start(t, second)
	require.NoError(t, second.Shutdown(ctx))
	require.NoError(t, <-done)
	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, vm.VerdictDrop, got[0].Verdict)
}

func TestEngine_RestoreSkipsMissingBlob(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := New(ctx, testConfig(), WithLogger(observability.NewNopLogger()), WithPluginLog(quietLog()), WithStore(openStore(t, dir)))
	require.NoError(t, err)
	a := load(t, first, "a", wasmtest.Constant(1))
	b := load(t, first, "b", wasmtest.Constant(0))
	require.NoError(t, first.Shutdown(ctx))

	require.NoError(t, os.Remove(filepath.Join(dir, "blobs", b.Hash[:2], b.Hash[2:])))

	second := newEngine(t, testConfig(), WithStore(openStore(t, dir)))
	assert.Equal(t, 1, second.Stats().PluginCount)
	meta, ok := second.Registry().Get("a")
	require.True(t, ok)
	assert.Equal(t, a.Hash, meta.Hash)
	_, ok = second.Registry().Get("b")
	assert.False(t, ok)
}

func TestEngine_UnloadRemovesFromStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := newEngine(t, testConfig(), WithStore(openStore(t, dir)))
	load(t, e, "gone", wasmtest.Constant(1))
	require.NoError(t, e.Unload(ctx, "gone"))
	assert.ErrorIs(t, e.Unload(ctx, "gone"), faults.ErrNotFound)
	require.NoError(t, e.Shutdown(ctx))

	again := newEngine(t, testConfig(), WithStore(openStore(t, dir)))
	assert.Equal(t, 0, again.Stats().PluginCount)
}

func TestEngine_LoadsAndWatchesPluginDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.wasm")
	require.NoError(t, os.WriteFile(path, wasmtest.Constant(1), 0o644))

	cfg := testConfig()
	cfg.Engine.PluginDir = dir
	cfg.Engine.WatchPlugins = true
	e := newEngine(t, cfg)
	first, ok := e.Registry().Get("watched")
	require.True(t, ok)
	assert.Equal(t, path, first.Source)

	start(t, e)
	require.NoError(t, os.WriteFile(path, wasmtest.Constant(0), 0o644))
	require.Eventually(t, func() bool {
		meta, ok := e.Registry().Get("watched")
		return ok && meta.Hash == sandbox.HashBytecode(wasmtest.Constant(0))
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), e.Stats().Reloads)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := e.Registry().Get("watched")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_WatcherFollowsManifestNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geo.wasm")
	manifest := filepath.Join(dir, "geo.yaml")
	require.NoError(t, os.WriteFile(path, wasmtest.Constant(1), 0o644))
	require.NoError(t, os.WriteFile(manifest, []byte("name: geo-filter\n"), 0o644))

	cfg := testConfig()
	cfg.Engine.PluginDir = dir
	cfg.Engine.WatchPlugins = true
	e := newEngine(t, cfg)
	_, ok := e.Registry().Get("geo-filter")
	require.True(t, ok)
	// an API plugin named after the file stem is not tied to the file
	load(t, e, "geo", wasmtest.Constant(1))

	start(t, e)
	require.NoError(t, os.WriteFile(manifest, []byte("name: geo-v2\n"), 0o644))
	require.Eventually(t, func() bool {
		_, renamed := e.Registry().Get("geo-v2")
		_, old := e.Registry().Get("geo-filter")
		return renamed && !old
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := e.Registry().Get("geo-v2")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	_, ok = e.Registry().Get("geo")
	assert.True(t, ok)
}

func TestEngine_ConsumesSources(t *testing.T) {
	src := events.NewChannelSource(8)
	e := newEngine(t, testConfig(), WithSources(src))
	load(t, e, "p", wasmtest.Constant(1))
	start(t, e)

	require.NoError(t, src.Send(context.Background(), &events.Event{SourceID: 3, SeqNo: 9}))
	require.Eventually(t, func() bool { return e.Stats().EventsProcessed == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_ShutdownStopsIntake(t *testing.T) {
	e := newEngine(t, testConfig())
	load(t, e, "p", wasmtest.Constant(1))
	ctx := context.Background()

	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, e.Shutdown(ctx))
	assert.True(t, e.Closed())

	_, err := e.SubmitEvent(ctx, &events.Event{Target: "p"})
	assert.Error(t, err)
}

func TestEngine_RunTwice(t *testing.T) {
	e := newEngine(t, testConfig())
	start(t, e)
	assert.ErrorIs(t, e.Run(context.Background()), ErrRunning)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.Eventually(t, e.running.Load, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero buffer", func(c *config.Config) { c.Engine.BufferSize = 0 }},
		{"bad backpressure", func(c *config.Config) { c.Engine.Backpressure = "drop-oldest" }},
		{"bad stats schedule", func(c *config.Config) { c.Engine.StatsLogSchedule = "every now and then" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, WithLogger(observability.NewNopLogger()), WithPluginLog(quietLog()))
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrInit)
		})
	}
}
