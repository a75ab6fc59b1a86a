// Package engine wires the runtime together: it owns the WebAssembly
// backend, the plugin registry, the priority scheduler and the optional
// durable store, and turns events into one task per target plugin.
//
// Lifecycle:
//
//	e, err := engine.New(ctx, cfg, engine.WithStore(durable))
//	go e.Run(ctx)
//	e.LoadPlugin(ctx, bytecode)
//	e.SubmitEvent(ctx, &events.Event{SourceID: 1, SeqNo: 42})
//	e.Shutdown(ctx)
//
// Shutdown stops intake, lets every enqueued task finish and then releases
// the registry, backend and store. Stats counters are updated exactly once
// per task that reaches a terminal state.
package engine
