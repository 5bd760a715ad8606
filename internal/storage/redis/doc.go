// Package redis backs the distributed deployment of AgentDesk with Redis:
// a session repository that keeps history in append-only lists, a lease
// based session locker shared by every worker node and an event relay that
// fans stream events out to whichever node holds the client connection.
package redis
