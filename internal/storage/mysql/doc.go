// Package mysql persists conversations in MySQL. It opens the shared
// connection pool, applies the embedded schema migrations and implements the
// session repository over the agent_sessions, agent_messages and
// agent_pending_calls tables.
package mysql
