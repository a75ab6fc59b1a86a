package engine

import "sync/atomic"

// Stats is a snapshot of the engine counters.
type Stats struct {
	BufferLen       int      `json:"buffer_len"`
	InFlight        int      `json:"in_flight"`
	PluginCount     int      `json:"plugin_count"`
	DisabledPlugins []string `json:"disabled_plugins,omitempty"`

	EventsProcessed uint64 `json:"events_processed"`
	EventsAllowed   uint64 `json:"events_allowed"`
	EventsDropped   uint64 `json:"events_dropped"`
	TasksFailed     uint64 `json:"tasks_failed"`
	TasksTimedOut   uint64 `json:"tasks_timed_out"`
	Reloads         uint64 `json:"reloads"`
	ReloadFailures  uint64 `json:"reload_failures"`
}

type counters struct {
	processed      atomic.Uint64
	allowed        atomic.Uint64
	dropped        atomic.Uint64
	failed         atomic.Uint64
	timedOut       atomic.Uint64
	reloads        atomic.Uint64
	reloadFailures atomic.Uint64
}

// Stats returns the current counters. Each field is read atomically; the
// snapshot as a whole is not.
func (e *Engine) Stats() Stats {
	return Stats{
		BufferLen:       e.scheduler.Len(),
		InFlight:        e.scheduler.InFlight(),
		PluginCount:     e.registry.Count(),
		DisabledPlugins: e.breaker.List(),
		EventsProcessed: e.counters.processed.Load(),
		EventsAllowed:   e.counters.allowed.Load(),
		EventsDropped:   e.counters.dropped.Load(),
		TasksFailed:     e.counters.failed.Load(),
		TasksTimedOut:   e.counters.timedOut.Load(),
		Reloads:         e.counters.reloads.Load(),
		ReloadFailures:  e.counters.reloadFailures.Load(),
	}
}
