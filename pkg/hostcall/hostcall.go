package hostcall

import (
	"context"
	"errors"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
)

const (
	// ModuleName is the import module plugins link against.
	ModuleName = "zenith"
	// ABIVersion is bumped whenever a function signature changes.
	ABIVersion = 1

	// MaxLogMessage caps the bytes of a single log call.
	MaxLogMessage = 1024
)

// Function names.
const (
	FuncLog               = "log"
	FuncNow               = "now"
	FuncReadEventMetadata = "read_event_metadata"
	FuncCallCount         = "call_count"
)

// Status codes returned to plugins.
const (
	StatusQuotaExceeded  int32 = -1
	StatusNotFound       int32 = -2
	StatusBufferTooSmall int32 = -3
	StatusBadMemory      int32 = -4
	StatusNoContext      int32 = -5
)

// Outcomes reported to the Observer.
const (
	OutcomeOK            = "ok"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeTerminated    = "terminated"
	OutcomeError         = "error"
)

var errNoContext = errors.New("host call outside of a plugin execution")

// Surface lists the imports a plugin is allowed to declare, with the
// signature each must be declared with.
func Surface() []sandbox.HostFunction {
	return []sandbox.HostFunction{
		{Import: sandbox.Import{Module: ModuleName, Name: FuncLog}, Params: []api.ValueType{i32, i32, i32}, Results: []api.ValueType{i32}},
		{Import: sandbox.Import{Module: ModuleName, Name: FuncNow}, Results: []api.ValueType{i64}},
		{Import: sandbox.Import{Module: ModuleName, Name: FuncReadEventMetadata}, Params: []api.ValueType{i32, i32, i32, i32}, Results: []api.ValueType{i32}},
		{Import: sandbox.Import{Module: ModuleName, Name: FuncCallCount}, Results: []api.ValueType{i32}},
	}
}

// Level is the severity a plugin passes to log.
type Level int32

const (
	LevelInfo Level = 0
	LevelWarn Level = 1
)

// Observer receives one notification per host call.
type Observer func(function, outcome string)

// Interface serves host calls for every plugin of an engine.
type Interface struct {
	logger   *observability.Logger
	now      func() time.Time
	observer Observer
}

// Option configures an Interface.
type Option func(*Interface)

// WithClock overrides the time source used by now.
func WithClock(now func() time.Time) Option {
	return func(h *Interface) { h.now = now }
}

// WithObserver installs a per-call observer, typically a metrics hook.
func WithObserver(o Observer) Option {
	return func(h *Interface) { h.observer = o }
}

// New creates the host call interface.
func New(logger *observability.Logger, opts ...Option) *Interface {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	h := &Interface{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// enter runs the quota check for one host call.
func (h *Interface) enter(ctx context.Context, function string) (*sandbox.ExecutionContext, error) {
	ec, ok := sandbox.FromContext(ctx)
	if !ok || ec.Guard() == nil {
		h.observe(function, OutcomeError)
		return nil, errNoContext
	}
	if _, err := ec.Guard().HostCall(); err != nil {
		if ec.Guard().Aborted() {
			h.observe(function, OutcomeTerminated)
		} else {
			h.observe(function, OutcomeQuotaExceeded)
		}
		return ec, err
	}
	h.observe(function, OutcomeOK)
	return ec, nil
}

func (h *Interface) observe(function, outcome string) {
	if h.observer != nil {
		h.observer(function, outcome)
	}
}

// Log writes msg to the engine log tagged with the calling plugin.
func (h *Interface) Log(ctx context.Context, level Level, msg string) error {
	ec, err := h.enter(ctx, FuncLog)
	if err != nil {
		return err
	}
	if len(msg) > MaxLogMessage {
		msg = msg[:MaxLogMessage]
	}

	logger := h.logger.WithFields(map[string]interface{}{
		"plugin":         ec.Plugin,
		"plugin_version": ec.Version,
		"source":         "plugin",
	})
	switch level {
	case LevelInfo:
		logger.Info(msg)
	case LevelWarn:
		logger.Warn(msg)
	default:
		logger.Error(msg)
	}
	return nil
}

// Now returns the host time in unix nanoseconds.
func (h *Interface) Now(ctx context.Context) (int64, error) {
	if _, err := h.enter(ctx, FuncNow); err != nil {
		return 0, err
	}
	return h.now().UnixNano(), nil
}

// ReadEventMetadata looks up key on the event being processed.
func (h *Interface) ReadEventMetadata(ctx context.Context, key string) (string, bool, error) {
	ec, err := h.enter(ctx, FuncReadEventMetadata)
	if err != nil {
		return "", false, err
	}
	if ec.Event == nil {
		return "", false, nil
	}
	value, ok := ec.Event.Lookup(key)
	return value, ok, nil
}

// CallCount returns the number of host calls made so far in this execution,
// including this one.
func (h *Interface) CallCount(ctx context.Context) (int32, error) {
	ec, err := h.enter(ctx, FuncCallCount)
	if err != nil {
		return 0, err
	}
	return int32(ec.HostCalls()), nil
}

// statusFor converts a host call error into the code returned to the plugin.
// ok is false when the call must unwind the plugin instead of returning.
func statusFor(err error) (int32, bool) {
	switch {
	case errors.Is(err, errNoContext):
		return StatusNoContext, true
	case errors.Is(err, faults.ErrHostCallQuota) && faults.CodeOf(err) == faults.CodeQuotaExceeded:
		return StatusQuotaExceeded, true
	default:
		return 0, false
	}
}
