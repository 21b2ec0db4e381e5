// Package sinks implements concrete progress consumers such as Prometheus,
// structured logging, live broadcast to HTTP subscribers, and Pub/Sub
// publishing. Each sink satisfies the progress.Sink interface and is safe for
// repeated Consume/Close cycles.
package sinks
