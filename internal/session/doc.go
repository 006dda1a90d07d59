// Package session owns the gateway connection lifecycle.
//
// Ownership boundary:
// - per-connection state machine, handshake and heartbeat timers
// - identify, resume, status update and member request handling
// - resumable streams: sequence buffer, subscriptions, grace-period eviction
// - inbound rate limits
//
// Out of scope:
// - recipient computation and revision order (dispatch)
// - wire encodings (protocol) and connection framing (transport)
//
// Lock order is fan-out lock, then Stream.mu, then Session.mu. Code
// holding Stream.mu or Session.mu never calls back into the Fanout.
package session
