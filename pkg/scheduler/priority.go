package scheduler

import (
	"fmt"
	"strings"
)

// Priority orders tasks. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const numPriorities = int(PriorityCritical) + 1

// DispatchOrder lists the levels from first served to last.
var DispatchOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority accepts the level names in any case. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority: %s (must be low, normal, high or critical)", s)
	}
}

// MarshalText encodes p by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a level name.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Backpressure selects what Submit does when a level is full.
type Backpressure int

const (
	// BackpressureReject fails the submission with a SchedulerFull fault.
	BackpressureReject Backpressure = iota
	// BackpressureBlock waits for space or for the submitter's context.
	BackpressureBlock
)

func (b Backpressure) String() string {
	if b == BackpressureBlock {
		return "block"
	}
	return "reject"
}

// ParseBackpressure parses "reject" or "block".
func ParseBackpressure(s string) (Backpressure, error) {
	switch strings.ToLower(s) {
	case "", "reject":
		return BackpressureReject, nil
	case "block":
		return BackpressureBlock, nil
	default:
		return BackpressureReject, fmt.Errorf("invalid backpressure: %s (must be reject or block)", s)
	}
}
