// Package progress carries run and unit lifecycle events from the dispatcher
// to pluggable sinks. Emit never blocks a worker; a background goroutine
// batches events and fans them out.
package progress
