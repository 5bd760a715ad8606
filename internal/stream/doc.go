// Package stream delivers agent progress events to the single live client of
// each session. Delivery never blocks the agent loop: events for sessions
// without a subscriber are dropped and a subscriber that cannot keep up is
// disconnected.
package stream
