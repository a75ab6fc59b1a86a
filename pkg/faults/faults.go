package faults

import (
	"errors"
	"fmt"
)

// Kind identifies which layer produced a fault.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindInstantiation Kind = "instantiation"
	KindExecution     Kind = "execution"
	KindSchedulerFull Kind = "scheduler_full"
	KindHostCallQuota Kind = "host_call_quota_exceeded"
	KindInit          Kind = "init"
	KindNotFound      Kind = "not_found"
	KindClosed        Kind = "closed"
)

// Code narrows a Kind to a specific cause.
type Code string

const (
	CodeMalformed        Code = "MALFORMED"
	CodeDisallowedImport Code = "DISALLOWED_IMPORT"
	CodeOversize         Code = "OVERSIZE"

	CodeInitRejected Code = "INIT_REJECTED"
	CodeBackend      Code = "BACKEND"

	CodeTrap          Code = "TRAP"
	CodeRejected      Code = "REJECTED"
	CodeTimeout       Code = "TIMEOUT"
	CodeCPUBudget     Code = "CPU_BUDGET"
	CodeMissingExport Code = "MISSING_EXPORT"
	CodeDisabled      Code = "PLUGIN_DISABLED"

	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"
	CodeQuotaCeiling  Code = "QUOTA_CEILING"
)

// Attributes describe default handling for a Kind.
type Attributes struct {
	Message   string
	Retryable bool
}

var attributes = map[Kind]Attributes{
	KindValidation:    {Message: "module rejected by validation", Retryable: false},
	KindInstantiation: {Message: "module instantiation failed", Retryable: false},
	KindExecution:     {Message: "plugin execution failed", Retryable: false},
	KindSchedulerFull: {Message: "scheduler queue full", Retryable: true},
	KindHostCallQuota: {Message: "host call quota exceeded", Retryable: false},
	KindInit:          {Message: "engine initialization failed", Retryable: true},
	KindNotFound:      {Message: "resource not found", Retryable: false},
	KindClosed:        {Message: "engine closed", Retryable: false},
}

// AttributesOf returns the attributes registered for kind.
func AttributesOf(kind Kind) Attributes {
	if attr, ok := attributes[kind]; ok {
		return attr
	}
	return Attributes{Message: "unknown fault"}
}

// Fault is the error type returned across component boundaries.
type Fault struct {
	Kind    Kind
	Code    Code
	Plugin  string
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	msg := f.Message
	if msg == "" {
		msg = AttributesOf(f.Kind).Message
	}
	prefix := string(f.Kind)
	if f.Code != "" {
		prefix = fmt.Sprintf("%s/%s", f.Kind, f.Code)
	}
	if f.Plugin != "" {
		prefix = fmt.Sprintf("%s plugin=%s", prefix, f.Plugin)
	}
	if f.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, msg, f.Cause)
	}
	return fmt.Sprintf("[%s] %s", prefix, msg)
}

func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// Is matches another *Fault by Kind, and by Code when the target sets one.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok || f == nil || t == nil {
		return false
	}
	if t.Kind != f.Kind {
		return false
	}
	return t.Code == "" || t.Code == f.Code
}

// Sentinels for errors.Is.
var (
	ErrValidation       = &Fault{Kind: KindValidation}
	ErrMalformed        = &Fault{Kind: KindValidation, Code: CodeMalformed}
	ErrDisallowedImport = &Fault{Kind: KindValidation, Code: CodeDisallowedImport}
	ErrOversize         = &Fault{Kind: KindValidation, Code: CodeOversize}

	ErrInstantiation = &Fault{Kind: KindInstantiation}

	ErrExecution     = &Fault{Kind: KindExecution}
	ErrTrap          = &Fault{Kind: KindExecution, Code: CodeTrap}
	ErrRejected      = &Fault{Kind: KindExecution, Code: CodeRejected}
	ErrTimeout       = &Fault{Kind: KindExecution, Code: CodeTimeout}
	ErrCPUBudget     = &Fault{Kind: KindExecution, Code: CodeCPUBudget}
	ErrMissingExport = &Fault{Kind: KindExecution, Code: CodeMissingExport}
	ErrDisabled      = &Fault{Kind: KindExecution, Code: CodeDisabled}

	ErrSchedulerFull = &Fault{Kind: KindSchedulerFull}
	ErrHostCallQuota = &Fault{Kind: KindHostCallQuota}
	ErrInit          = &Fault{Kind: KindInit}
	ErrNotFound      = &Fault{Kind: KindNotFound}
	ErrClosed        = &Fault{Kind: KindClosed}
)

// New creates a fault of the given kind and code.
func New(kind Kind, code Code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Wrap creates a fault that wraps cause.
func Wrap(kind Kind, code Code, cause error, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation reports a bytecode validation failure.
func Validation(code Code, format string, args ...interface{}) *Fault {
	return New(KindValidation, code, fmt.Sprintf(format, args...))
}

// Instantiation reports a failure to prepare a runnable instance.
func Instantiation(plugin string, code Code, cause error) *Fault {
	return &Fault{Kind: KindInstantiation, Code: code, Plugin: plugin, Cause: cause}
}

// Execution reports a terminal plugin call failure.
func Execution(plugin string, code Code, message string, cause error) *Fault {
	return &Fault{Kind: KindExecution, Code: code, Plugin: plugin, Message: message, Cause: cause}
}

// HostCallQuota reports a plugin exceeding its host call allowance.
func HostCallQuota(plugin string, code Code, calls, limit int) *Fault {
	return &Fault{
		Kind:    KindHostCallQuota,
		Code:    code,
		Plugin:  plugin,
		Message: fmt.Sprintf("host call %d exceeds limit %d", calls, limit),
	}
}

// SchedulerFull reports a full priority queue.
func SchedulerFull(priority string, depth int) *Fault {
	return &Fault{
		Kind:    KindSchedulerFull,
		Message: fmt.Sprintf("%s queue at capacity (%d)", priority, depth),
	}
}

// WithPlugin returns a copy of err's fault tagged with the plugin name.
// Non-fault errors are returned unchanged.
func WithPlugin(err error, plugin string) error {
	var f *Fault
	if !errors.As(err, &f) || f.Plugin != "" {
		return err
	}
	cp := *f
	cp.Plugin = plugin
	return &cp
}

// KindOf returns the kind of the first fault in err's chain, or "".
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// CodeOf returns the code of the first fault in err's chain, or "".
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsTimeout reports whether err ended a call because a time budget ran out.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCPUBudget)
}

// IsRetryable reports whether the caller may retry the operation unchanged.
func IsRetryable(err error) bool {
	kind := KindOf(err)
	if kind == "" {
		return false
	}
	return AttributesOf(kind).Retryable
}

// Boundary status codes returned by the foreign function interface.
const (
	StatusOK            int32 = 0
	StatusInvalidHandle int32 = -1
	StatusBufferFull    int32 = -2
	StatusLoadError     int32 = -3
	StatusConversion    int32 = -4
)

// StatusOf maps err to a boundary status code. Nil maps to StatusOK.
func StatusOf(err error) int32 {
	if err == nil {
		return StatusOK
	}
	switch KindOf(err) {
	case KindClosed, KindNotFound:
		return StatusInvalidHandle
	case KindSchedulerFull:
		return StatusBufferFull
	case KindValidation, KindInstantiation, KindInit:
		return StatusLoadError
	default:
		return StatusConversion
	}
}
