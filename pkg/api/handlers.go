package api

import (
	"net/http"

	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/faults"
	"github.com/platinummonkey/zenith/pkg/httputil"
	"github.com/platinummonkey/zenith/pkg/plugins"
	"github.com/platinummonkey/zenith/pkg/scheduler"
)

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.runtime.Stats())
}

func (s *Server) info(meta *plugins.Metadata) PluginInfo {
	return PluginInfo{Metadata: meta, Disabled: s.runtime.Disabled(meta.Name)}
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	metas := s.runtime.Plugins()
	list := PluginList{Plugins: make([]PluginInfo, 0, len(metas)), Count: len(metas)}
	for _, meta := range metas {
		list.Plugins = append(list.Plugins, s.info(meta))
	}
	httputil.WriteSuccess(w, list)
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	meta, found := s.runtime.Plugin(name)
	if !found {
		httputil.WriteNotFoundError(w, "plugin "+name+" not loaded")
		return
	}
	httputil.WriteSuccess(w, s.info(meta))
}

func (s *Server) loadPlugin(w http.ResponseWriter, r *http.Request) {
	opts := plugins.LoadOptions{
		Name:       httputil.ParseQueryString(r, "name", ""),
		Version:    httputil.ParseQueryString(r, "version", ""),
		Entrypoint: httputil.ParseQueryString(r, "entrypoint", ""),
		Source:     plugins.SourceAPI,
	}
	if p := r.URL.Query().Get("priority"); p != "" {
		priority, err := scheduler.ParsePriority(p)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		opts.Priority = priority
	}

	bytecode, err := httputil.ReadBody(r, s.maxUpload)
	if err != nil {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(bytecode) == 0 {
		httputil.WriteBadRequest(w, "request body must contain a WASM module")
		return
	}

	meta, err := s.runtime.LoadPluginWithOptions(r.Context(), bytecode, opts)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteCreated(w, s.info(meta))
}

func (s *Server) unloadPlugin(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	if err := s.runtime.Unload(r.Context(), name); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBody(r, s.maxUpload)
	if err != nil {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	ev, err := events.Decode(body)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	tasks, err := s.runtime.SubmitEvent(r.Context(), ev)
	if err != nil {
		if faults.KindOf(err) == "" {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		httputil.WriteFault(w, err)
		return
	}

	resp := SubmitResponse{Tasks: make([]TaskRef, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, TaskRef{ID: t.ID, Plugin: t.Plugin, Priority: t.Priority})
	}
	httputil.WriteAccepted(w, resp)
}
