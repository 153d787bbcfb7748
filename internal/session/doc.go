// Package session tracks client sessions and enforces the gateway's capacity limit.
//
// Each session owns one agent and is either idle or processing. The Manager
// performs every capacity check and state transition atomically, so many
// near-simultaneous admissions can never push the active count past
// MaxSessions, and at most one message per session is in flight.
//
// Transports call Reserve before accepting a connection and
// CreateFromReservation once it has been accepted. The Sweeper periodically
// evicts sessions that have been idle longer than the idle timeout; a
// processing session is never evicted.
//
// Deleting a session waits for its agent's Destroy to finish before the
// record disappears, so capacity is only freed once resources are gone.
package session
