// Package pty owns the pseudo-terminal processes of one gateway instance.
//
// One shell process per session id, spawned through creack/pty and local to
// the instance that created it. Handles are never rebuilt from the session
// directory; a lost process is a lost session.
//
// Each handle runs two goroutines:
//   - a reader that forwards every chunk to data subscribers as soon as it
//     is read and appends it to a bounded scrollback
//   - a waiter that reports the exit code once to exit subscribers and
//     removes the handle
//
// Subscribers are many-to-one and must not block. A connection that needs
// to absorb bursts queues on its own side.
package pty
