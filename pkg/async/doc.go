// Package async fans work out over bounded parallelism with panic recovery
// and per-item timeouts. Plugin directory loads use Batch.
package async
