// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the queue and workers use to report lifecycle changes. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as logs, Prometheus metrics, live subscribers, or Pub/Sub.
package progress
