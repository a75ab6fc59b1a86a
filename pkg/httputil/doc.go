// Package httputil holds the JSON response, request parsing and middleware
// helpers shared by the admin API.
//
// Errors from the runtime carry a fault kind; WriteFault picks the HTTP
// status from it:
//
//	meta, err := engine.LoadPlugin(ctx, body)
//	if err != nil {
//		httputil.WriteFault(w, err)
//		return
//	}
//	httputil.WriteCreated(w, meta)
//
// Middleware composes with Chain:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
