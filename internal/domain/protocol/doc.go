// Package protocol is the connection state machine of the live terminal
// channel, kept free of I/O.
//
// Parse turns a text frame into a typed Inbound value. Handle maps the
// current State and one Inbound to the outbound messages to send and the
// Effects the adapter must perform (PTY writes, persistence, chat). The
// WebSocket adapter in internal/api/ws executes the effects; every arm here
// is testable without a socket or a process.
//
// Phases run Connecting → Bound → Streaming → Closed. A failed bind goes
// straight to Closed after a single error message.
package protocol
