// Package store persists session history for the gateway using SQLite.
//
// Live session state is held in memory by the session package; this package
// only records what happened: when each session opened, when and why it
// closed, and how many messages it handled. The gateway writes a record on
// every lifecycle transition and serves the history from /api/sessions.
//
// SQLiteStore uses the pure-Go modernc.org/sqlite driver. Passing
// MemoryPath opens a private in-memory database, which tests use. MockStore
// is a map-backed implementation for tests that do not need SQL.
//
// Close reasons:
//
//   - client_disconnect: the client closed its WebSocket
//   - idle_timeout: the sweeper evicted the session
//   - event_gap_timeout: the agent went silent past the event gap
//   - shutdown: the gateway stopped
//   - error: the session could not continue
package store
