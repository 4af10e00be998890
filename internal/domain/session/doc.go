// Package session ties terminal processes to their directory records.
//
// Service is the one place sessions come into being. Eager creation (HTTP)
// and lazy creation (first WebSocket connect with a project id) both call
// Ensure, which holds at most one spawn in flight per id.
//
// Components:
//   - Service: Ensure, Attach/Detach, Terminate and metadata updates
//   - Sweeper: heartbeats, stale record reclamation, idle eviction, TTL purge
//   - Env filter: allow-list for client supplied environment variables
//
// Lifecycle:
//  1. Ensure spawns the shell and saves an active record owned by this gateway
//  2. Attach counts a connection; the last Detach marks the record disconnected
//  3. Terminate or process exit destroys the handle and deletes the record
//
// Directory writes outside Ensure and Terminate are asynchronous. A failed
// write is logged and counted, never surfaced to the terminal.
package session
