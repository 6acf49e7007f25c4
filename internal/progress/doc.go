// Package progress provides the event primitives, non-blocking hub, and emitter
// interface that the download scheduler uses to report run progress. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// structured logs or Prometheus collectors.
package progress
