// Package ws serves the live terminal channel.
//
// Each connection binds to one session through session.Service.Attach,
// then runs the pure protocol engine: frames in, messages and effects out.
// A single writer goroutine owns the socket; everything else (PTY output,
// chat streams, the reader) enqueues encoded frames.
//
// A client that cannot keep up with its queue is disconnected with 1013
// and picks up the scrollback on reconnect.
package ws
