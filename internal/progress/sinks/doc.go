// Package sinks implements progress consumers: structured logging,
// Prometheus lifecycle counters, and a Redis live-status cache.
package sinks
