// Package api serves the Zenith admin HTTP API.
//
// The API is built on gorilla/mux and exposes the engine behind a running
// zenithd:
//
//	GET    /api/v1/stats             engine counters
//	GET    /api/v1/plugins           active plugins
//	GET    /api/v1/plugins/{name}    one plugin
//	POST   /api/v1/plugins           load raw WASM bytecode
//	DELETE /api/v1/plugins/{name}    unload a plugin
//	POST   /api/v1/events            submit a JSON event
//	GET    /health, /health/live, /health/ready
//	GET    /metrics                  Prometheus exposition, when enabled
//
// POST /api/v1/plugins takes the module as the request body. The query
// parameters name, version, priority and entrypoint override what the module
// declares:
//
//	curl --data-binary @filter.wasm 'localhost:8080/api/v1/plugins?name=filter&priority=high'
//
// Errors are JSON objects carrying the fault kind and code; see
// httputil.ErrorResponse.
package api
