// Package agent contains the loop controller that drives a conversation
// between the language model and the tools pinned to a session. Each run
// alternates model calls with gated tool executions, pauses for user
// confirmation before state-changing calls, and always leaves the session in
// a non-ACTIVE state when it returns.
package agent
