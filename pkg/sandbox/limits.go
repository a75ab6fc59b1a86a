package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// WasmPageSize is the size of one linear memory page.
const WasmPageSize = 64 * 1024

const maxMemoryPages = 65536

// QuotaPolicy selects how host calls past the quota are handled.
type QuotaPolicy int

const (
	// QuotaRecoverable reports the error to the plugin and terminates only past the ceiling.
	QuotaRecoverable QuotaPolicy = iota
	// QuotaFatal terminates the call on the first host call past the quota.
	QuotaFatal
)

func (p QuotaPolicy) String() string {
	switch p {
	case QuotaFatal:
		return "fatal"
	default:
		return "recoverable"
	}
}

// ParseQuotaPolicy parses "recoverable" or "fatal".
func ParseQuotaPolicy(s string) (QuotaPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "recoverable":
		return QuotaRecoverable, nil
	case "fatal":
		return QuotaFatal, nil
	default:
		return QuotaRecoverable, fmt.Errorf("invalid quota policy: %s (must be recoverable or fatal)", s)
	}
}

// Limits is the resource envelope of a single plugin call.
type Limits struct {
	// CPUBudget is measured as elapsed time since the call started, not
	// process CPU time. Host calls count against it too.
	CPUBudget   time.Duration
	// WallTimeout is a second elapsed-time bound reported as a timeout. It
	// only fires first when it is shorter than CPUBudget.
	WallTimeout time.Duration

	MemoryCeiling   uint64
	MaxHostCalls    int
	HostCallCeiling int
	QuotaPolicy     QuotaPolicy
}

// DefaultLimits returns 100ms CPU, 1s wall clock, 16MiB memory and 1000 host calls.
func DefaultLimits() Limits {
	return Limits{
		CPUBudget:     100 * time.Millisecond,
		WallTimeout:   time.Second,
		MemoryCeiling: 16 * 1024 * 1024,
		MaxHostCalls:  1000,
		QuotaPolicy:   QuotaRecoverable,
	}
}

// Validate checks that every limit is usable.
func (l Limits) Validate() error {
	if l.CPUBudget <= 0 {
		return fmt.Errorf("cpu budget must be positive")
	}
	if l.WallTimeout <= 0 {
		return fmt.Errorf("wall timeout must be positive")
	}
	if l.MemoryCeiling < WasmPageSize {
		return fmt.Errorf("memory ceiling must be at least one page (%d bytes)", WasmPageSize)
	}
	if l.MemoryCeiling > uint64(maxMemoryPages)*WasmPageSize {
		return fmt.Errorf("memory ceiling exceeds 4GiB")
	}
	if l.MaxHostCalls < 0 {
		return fmt.Errorf("max host calls cannot be negative")
	}
	if l.HostCallCeiling != 0 && l.HostCallCeiling < l.MaxHostCalls {
		return fmt.Errorf("host call ceiling (%d) below quota (%d)", l.HostCallCeiling, l.MaxHostCalls)
	}
	return nil
}

// MemoryPages returns the memory ceiling in pages, rounded up.
func (l Limits) MemoryPages() uint32 {
	pages := (l.MemoryCeiling + WasmPageSize - 1) / WasmPageSize
	if pages == 0 {
		pages = 1
	}
	if pages > maxMemoryPages {
		pages = maxMemoryPages
	}
	return uint32(pages)
}

// Ceiling returns the host-call hard ceiling. Zero means twice the quota.
func (l Limits) Ceiling() int {
	if l.HostCallCeiling > 0 {
		return l.HostCallCeiling
	}
	return l.MaxHostCalls * 2
}

// Merge returns l with every non-zero field of override applied.
func (l Limits) Merge(override Limits) Limits {
	if override.CPUBudget > 0 {
		l.CPUBudget = override.CPUBudget
	}
	if override.WallTimeout > 0 {
		l.WallTimeout = override.WallTimeout
	}
	if override.MemoryCeiling > 0 {
		l.MemoryCeiling = override.MemoryCeiling
	}
	if override.MaxHostCalls > 0 {
		l.MaxHostCalls = override.MaxHostCalls
	}
	if override.HostCallCeiling > 0 {
		l.HostCallCeiling = override.HostCallCeiling
	}
	if override.QuotaPolicy != QuotaRecoverable {
		l.QuotaPolicy = override.QuotaPolicy
	}
	return l
}
