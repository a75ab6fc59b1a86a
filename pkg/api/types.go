package api

import (
	"context"

	"github.com/platinummonkey/zenith/pkg/engine"
	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/plugins"
	"github.com/platinummonkey/zenith/pkg/scheduler"
)

// Runtime is the part of the engine the admin API drives.
type Runtime interface {
	Stats() engine.Stats
	Plugins() []*plugins.Metadata
	Plugin(name string) (*plugins.Metadata, bool)
	Disabled(name string) bool
	LoadPluginWithOptions(ctx context.Context, bytecode []byte, opts plugins.LoadOptions) (*plugins.Metadata, error)
	Unload(ctx context.Context, name string) error
	SubmitEvent(ctx context.Context, ev *events.Event) ([]*scheduler.Task, error)
}

// PluginInfo is a plugin as reported by the API.
type PluginInfo struct {
	*plugins.Metadata
	Disabled bool `json:"disabled"`
}

// PluginList is the response of GET /api/v1/plugins.
type PluginList struct {
	Plugins []PluginInfo `json:"plugins"`
	Count   int          `json:"count"`
}

// SubmitResponse is the response of POST /api/v1/events.
type SubmitResponse struct {
	Tasks []TaskRef `json:"tasks"`
}

// TaskRef names one enqueued task.
type TaskRef struct {
	ID       string             `json:"id"`
	Plugin   string             `json:"plugin"`
	Priority scheduler.Priority `json:"priority"`
}
