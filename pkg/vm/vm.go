package vm

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/sandbox"
)

// Well-known exports.
const (
	EntryPoint    = "on_event"
	InitExport    = "init"
	VersionExport = "version"
)

// FunctionSignature describes an exported function.
type FunctionSignature struct {
	Name    string   `json:"name"`
	Params  []string `json:"params"`
	Results []string `json:"results"`
}

func (s FunctionSignature) String() string {
	return s.Name + "(" + strings.Join(s.Params, ", ") + ") -> (" + strings.Join(s.Results, ", ") + ")"
}

// Verdict is the decision an on_event call reached.
type Verdict int

const (
	VerdictDrop Verdict = iota
	VerdictAllow
)

func (v Verdict) String() string {
	if v == VerdictAllow {
		return "allow"
	}
	return "drop"
}

// Result is the outcome of a completed call.
type Result struct {
	Value   int32
	Verdict Verdict
	Usage   sandbox.Usage
}

// Backend creates instances from validated modules.
type Backend interface {
	Instantiate(ctx context.Context, module *sandbox.ValidatedModule, limits sandbox.Limits) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one live module.
type Instance interface {
	Exports() []FunctionSignature
	// Version is the value of the version export, or "" without one.
	Version() string
	Call(ctx context.Context, fn string, ec *sandbox.ExecutionContext, args ...uint64) (Result, error)
	Close(ctx context.Context) error
}

// DiscoverExports returns inst's exports sorted by name.
func DiscoverExports(inst Instance) []FunctionSignature {
	exports := append([]FunctionSignature(nil), inst.Exports()...)
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })
	return exports
}

// HasExport reports whether inst exports fn.
func HasExport(inst Instance, fn string) bool {
	for _, e := range inst.Exports() {
		if e.Name == fn {
			return true
		}
	}
	return false
}

// Reusable reports whether an instance may serve another call after a call
// returned err. Plugin rejections and missing exports leave the instance intact.
func Reusable(err error) bool {
	return err == nil || errors.Is(err, faults.ErrRejected) || errors.Is(err, faults.ErrMissingExport)
}

// VerdictOf applies the entrypoint result convention: positive allows, zero
// drops and negative rejects the event.
func VerdictOf(plugin string, value int32) (Verdict, error) {
	switch {
	case value > 0:
		return VerdictAllow, nil
	case value == 0:
		return VerdictDrop, nil
	default:
		return VerdictDrop, faults.Execution(plugin, faults.CodeRejected, "plugin rejected the event", nil)
	}
}
