// Package stream consumes provider event streams and exposes them as an
// ordered, cancellable sequence of chunks. It understands two framings,
// Server-Sent-Events and newline-delimited JSON, and drives a small state
// machine per stream: Idle, Streaming, then one of Completed, Cancelled or
// Failed.
package stream
