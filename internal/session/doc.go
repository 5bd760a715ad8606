// Package session stores conversations and enforces their lifecycle. A
// session moves between ACTIVE and AWAITING_INPUT while the agent works and
// the user replies, and ends in COMPLETED, ERROR or TIMED_OUT. History is
// append-only and at most one tool call can wait for confirmation at a time.
package session
