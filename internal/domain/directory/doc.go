/*
Package directory is the shared registry of terminal sessions.

Every gateway instance writes the sessions it owns; any instance can read
them to route a client to the owner. Records expire after a TTL that every
write refreshes, and an active record that stops being refreshed is stale:
its owner probably crashed, and the sweeper in the session package reclaims
it.

# Stores

  - SQLiteStore: modernc.org/sqlite in WAL mode. A database file shared by
    the instances on one host (or a network volume) is the directory.
  - MemoryStore: same semantics in process, for tests and single-instance
    development.

# Partial updates

Update applies a Patch of only the fields it names in one statement, so two
field-scoped writers (a resize and an agent change, say) never overwrite each
other's fields with stale values.
*/
package directory
