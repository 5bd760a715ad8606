// Package chat is the entry point for client turns. Start opens a session,
// pins its tools and queues the first loop run; Respond feeds a reply into a
// paused session and queues a resume. Neither runs the loop inline.
package chat
