// Package metrics exposes the service's Prometheus collectors. A single
// Metrics value backs the HTTP middleware, the agent loop counters, the
// session transition hook and the stream hub observer.
package metrics
