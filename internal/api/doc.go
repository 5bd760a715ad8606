// Package api exposes the HTTP surface of the service: starting and
// answering conversations, reading session state, following loop progress
// over SSE or WebSocket, inspecting loop tasks and serving health and
// Prometheus endpoints.
package api
