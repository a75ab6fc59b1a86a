package ffi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/zenith/pkg/config"
	"github.com/platinummonkey/zenith/pkg/engine"
	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/scheduler"
	"github.com/platinummonkey/zenith/pkg/store"
)

// Handle identifies an engine across the boundary. Zero is never valid.
type Handle uint64

// Status is the result code of a boundary call.
type Status = int32

// Status codes.
const (
	StatusOK            = faults.StatusOK
	StatusInvalidHandle = faults.StatusInvalidHandle
	StatusBufferFull    = faults.StatusBufferFull
	StatusLoadError     = faults.StatusLoadError
	StatusConversion    = faults.StatusConversion
)

// DefaultShutdownTimeout bounds how long Free waits for queued tasks.
const DefaultShutdownTimeout = 30 * time.Second

// Stats is the fixed-width stats record returned across the boundary.
type Stats struct {
	BufferLen       uint32
	PluginCount     uint32
	EventsProcessed uint64
	EventsAllowed   uint64
	EventsDropped   uint64
	TasksFailed     uint64
	TasksTimedOut   uint64
}

type instance struct {
	id     string
	engine *engine.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithConfig sets the function producing the configuration of each new engine.
func WithConfig(fn func() (*config.Config, error)) TableOption {
	return func(t *Table) { t.config = fn }
}

// WithEngineOptions passes options to every engine the table creates.
func WithEngineOptions(opts ...engine.Option) TableOption {
	return func(t *Table) { t.engineOpts = append(t.engineOpts, opts...) }
}

// WithLogger sets the logger for boundary events.
func WithLogger(l *observability.Logger) TableOption {
	return func(t *Table) { t.logger = l }
}

// WithShutdownTimeout bounds Free.
func WithShutdownTimeout(d time.Duration) TableOption {
	return func(t *Table) { t.shutdownTimeout = d }
}

// Table maps handles to running engines. All methods are safe for
// concurrent use and never panic.
type Table struct {
	config          func() (*config.Config, error)
	engineOpts      []engine.Option
	logger          *observability.Logger
	shutdownTimeout time.Duration

	mu      sync.Mutex
	next    Handle
	entries map[Handle]*instance
}

// NewTable creates an empty handle table. Without WithConfig engines are
// configured from the environment.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		config:          config.LoadConfig,
		shutdownTimeout: DefaultShutdownTimeout,
		entries:         make(map[Handle]*instance),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return t
}

// guard converts a panic into status.
func (t *Table) guard(call string, status Status, out *Status) {
	if r := recover(); r != nil {
		t.logger.WithError(observability.MustRecover(r)).WithField("call", call).Error("Panic caught at boundary")
		*out = status
	}
}

// Init creates and starts an engine whose priority queues hold bufferSize
// tasks each. It returns 0 on failure.
func (t *Table) Init(bufferSize uint32) (h Handle) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithError(observability.MustRecover(r)).WithField("call", "init").Error("Panic caught at boundary")
			h = 0
		}
	}()

	inst, err := t.start(bufferSize)
	if err != nil {
		t.logger.WithError(err).WithField("buffer_size", bufferSize).Error("Engine initialization failed")
		return 0
	}

	t.mu.Lock()
	t.next++
	h = t.next
	t.entries[h] = inst
	t.mu.Unlock()

	t.logger.WithFields(map[string]interface{}{
		"handle":      uint64(h),
		"instance_id": inst.id,
		"buffer_size": bufferSize,
	}).Info("Engine handle created")
	return h
}

func (t *Table) start(bufferSize uint32) (*instance, error) {
	if bufferSize == 0 || bufferSize > math.MaxInt32 {
		return nil, fmt.Errorf("buffer size %d out of range", bufferSize)
	}
	cfg, err := t.config()
	if err != nil {
		return nil, err
	}
	cfg.Engine.BufferSize = int(bufferSize)

	ctx := context.Background()
	opts := append([]engine.Option(nil), t.engineOpts...)
	durable, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if durable != nil {
		opts = append(opts, engine.WithStore(durable))
	}

	e, err := engine.New(ctx, cfg, opts...)
	if err != nil {
		if durable != nil {
			durable.Close()
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	inst := &instance{id: uuid.NewString(), engine: e, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(inst.done)
		defer observability.RecoverPanic(t.logger, "engine run")
		if err := e.Run(runCtx); err != nil {
			t.logger.WithError(err).WithField("instance_id", inst.id).Error("Engine stopped with error")
		}
	}()
	return inst, nil
}

func (t *Table) lookup(h Handle) *instance {
	if h == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[h]
}

// LoadPlugin loads bytecode into the engine behind h. The bytes are copied.
func (t *Table) LoadPlugin(h Handle, bytecode []byte) (st Status) {
	defer t.guard("load_plugin", StatusLoadError, &st)

	inst := t.lookup(h)
	if inst == nil {
		return StatusInvalidHandle
	}
	if len(bytecode) == 0 {
		return StatusConversion
	}
	buf := append([]byte(nil), bytecode...)
	_, err := inst.engine.LoadPlugin(context.Background(), buf)
	return loadStatus(err)
}

func loadStatus(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, faults.ErrClosed):
		return StatusInvalidHandle
	default:
		return StatusLoadError
	}
}

// GetStats returns the counters of the engine behind h.
func (t *Table) GetStats(h Handle) (stats Stats, st Status) {
	defer t.guard("get_stats", StatusConversion, &st)

	inst := t.lookup(h)
	if inst == nil {
		return Stats{}, StatusInvalidHandle
	}
	s := inst.engine.Stats()
	return Stats{
		BufferLen:       clamp32(s.BufferLen),
		PluginCount:     clamp32(s.PluginCount),
		EventsProcessed: s.EventsProcessed,
		EventsAllowed:   s.EventsAllowed,
		EventsDropped:   s.EventsDropped,
		TasksFailed:     s.TasksFailed,
		TasksTimedOut:   s.TasksTimedOut,
	}, StatusOK
}

func clamp32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// SubmitEvent enqueues an event for every active plugin of the engine behind h.
func (t *Table) SubmitEvent(h Handle, sourceID int32, seqNo int64, priority int32) (st Status) {
	defer t.guard("submit_event", StatusConversion, &st)

	inst := t.lookup(h)
	if inst == nil {
		return StatusInvalidHandle
	}
	p := scheduler.Priority(priority)
	if !p.Valid() {
		return StatusConversion
	}
	_, err := inst.engine.SubmitEvent(context.Background(), &events.Event{
		SourceID: sourceID,
		SeqNo:    seqNo,
		Priority: p,
	})
	return faults.StatusOf(err)
}

// Free drains and releases the engine behind h. Unknown, zero and already
// freed handles are ignored.
func (t *Table) Free(h Handle) {
	var st Status
	defer t.guard("free", StatusConversion, &st)

	t.mu.Lock()
	inst := t.entries[h]
	delete(t.entries, h)
	t.mu.Unlock()
	if inst == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()
	if err := inst.engine.Shutdown(ctx); err != nil {
		t.logger.WithError(err).WithField("instance_id", inst.id).Warn("Engine shutdown incomplete")
	}
	inst.cancel()
	select {
	case <-inst.done:
	case <-ctx.Done():
	}
	t.logger.WithField("instance_id", inst.id).Info("Engine handle freed")
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Default is the table behind the package-level functions.
var Default = NewTable()

// Init calls Default.Init.
func Init(bufferSize uint32) Handle { return Default.Init(bufferSize) }

// LoadPlugin calls Default.LoadPlugin.
func LoadPlugin(h Handle, bytecode []byte) Status { return Default.LoadPlugin(h, bytecode) }

// GetStats calls Default.GetStats.
func GetStats(h Handle) (Stats, Status) { return Default.GetStats(h) }

// SubmitEvent calls Default.SubmitEvent.
func SubmitEvent(h Handle, sourceID int32, seqNo int64, priority int32) Status {
	return Default.SubmitEvent(h, sourceID, seqNo, priority)
}

// Free calls Default.Free.
func Free(h Handle) { Default.Free(h) }
